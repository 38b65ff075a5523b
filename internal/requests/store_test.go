package requests

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/tow-matching/internal/apperr"
	"github.com/example/tow-matching/internal/models"
	"github.com/example/tow-matching/internal/storage"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newStore() (*Store, *storage.MemoryStore, *clock) {
	mem := storage.NewMemoryStore()
	mem.PutUser(models.User{ID: "c1", Name: "Ana", Type: models.UserClient, Status: "active"})
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewStore(mem, c.now), mem, c
}

func request(lat, lng float64) *models.TripRequest {
	return &models.TripRequest{
		ClientID:    "c1",
		ServiceType: models.ServiceTowing,
		Origin:      models.Point{Lat: lat, Lng: lng, Address: "Av. Paulista"},
		Destination: models.Point{Lat: lat + 0.1, Lng: lng},
		ClientOffer: 100,
	}
}

func TestCreateSetsPendingAndExpiry(t *testing.T) {
	s, _, c := newStore()
	id, err := s.Create(context.Background(), request(0, 0), 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	r, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.RequestPending {
		t.Fatalf("expected pending, got %s", r.Status)
	}
	if !r.ExpiresAt.Equal(c.t.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", r.ExpiresAt)
	}
}

func TestCreateRejectsNonPositiveOffer(t *testing.T) {
	s, _, _ := newStore()
	r := request(0, 0)
	r.ClientOffer = 0
	if _, err := s.Create(context.Background(), r, time.Minute); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	s, _, _ := newStore()
	_, err := s.Get(context.Background(), "nope")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNearbyPendingOrdering(t *testing.T) {
	s, _, c := newStore()
	ctx := context.Background()
	farID, _ := s.Create(ctx, request(0, 0.1), time.Hour) // ~11 km
	c.advance(time.Second)
	olderID, _ := s.Create(ctx, request(0, 0.01), time.Hour)
	c.advance(time.Second)
	newerID, _ := s.Create(ctx, request(0, 0.01), time.Hour)
	c.advance(time.Second)
	outsideID, _ := s.Create(ctx, request(1, 1), time.Hour)
	expiring, _ := s.Create(ctx, request(0, 0.02), time.Second)
	c.advance(2 * time.Second)

	got, err := s.NearbyPending(ctx, 0, 0, 25)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{newerID, olderID, farID}
	if len(got) != len(want) {
		t.Fatalf("expected %d requests, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
		if got[i].ID == outsideID || got[i].ID == expiring {
			t.Fatal("out of radius or expired request listed")
		}
	}
	if got[0].ClientName != "Ana" || got[0].TimeRemainingSeconds <= 0 {
		t.Fatalf("summary not annotated: %+v", got[0])
	}
}

func TestExpireStaleIsIdempotent(t *testing.T) {
	s, _, c := newStore()
	ctx := context.Background()
	id, _ := s.Create(ctx, request(0, 0), time.Minute)
	live, _ := s.Create(ctx, request(0, 0), time.Hour)
	c.advance(time.Minute)

	n, err := s.ExpireStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}
	n, err = s.ExpireStale(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep must be a no-op: n=%d err=%v", n, err)
	}
	r, _ := s.Get(ctx, id)
	if r.Status != models.RequestExpired {
		t.Fatalf("expected expired, got %s", r.Status)
	}
	r, _ = s.Get(ctx, live)
	if r.Status != models.RequestPending {
		t.Fatalf("live request touched: %s", r.Status)
	}
}

func TestUpdateStatus(t *testing.T) {
	s, _, _ := newStore()
	ctx := context.Background()
	id, _ := s.Create(ctx, request(0, 0), time.Minute)
	if err := s.UpdateStatus(ctx, id, models.RequestCancelled); err != nil {
		t.Fatal(err)
	}
	r, _ := s.Get(ctx, id)
	if r.Status != models.RequestCancelled {
		t.Fatalf("expected cancelled, got %s", r.Status)
	}
	err := s.UpdateStatus(ctx, "missing", models.RequestCancelled)
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
