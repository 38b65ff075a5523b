package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/tow-matching/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, m *MemoryStore) {
	t.Helper()
	m.PutDriver(models.Driver{ID: "d1", UserID: "u1", Name: "Zé"})
	err := m.RunInTx(context.Background(), func(tx Tx) error {
		return tx.InsertRequest(context.Background(), &models.TripRequest{
			ID: "r1", ClientID: "c1", Status: models.RequestPending, ExpiresAt: t0.Add(30 * time.Minute),
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.RunInTx(ctx, func(tx Tx) error {
		if err := tx.SetRequestStatus(ctx, "r1", models.RequestCancelled); err != nil {
			return err
		}
		if err := tx.SetDriverBusy(ctx, "d1", true); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_ = m.RunInTx(ctx, func(tx Tx) error {
		r, err := tx.GetRequest(ctx, "r1", false)
		if err != nil {
			t.Fatal(err)
		}
		if r.Status != models.RequestPending {
			t.Fatalf("request status leaked from rolled back tx: %s", r.Status)
		}
		d, _ := tx.GetDriver(ctx, "d1")
		if d.Busy {
			t.Fatal("driver busy flag leaked from rolled back tx")
		}
		return nil
	})
}

func TestRunInTxHonorsCancelledContext(t *testing.T) {
	m := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := m.RunInTx(ctx, func(tx Tx) error { called = true; return nil })
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("err=%v called=%v", err, called)
	}
}

func TestOneOpenBidPerDriver(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m)
	ctx := context.Background()
	bid := func(id string) *models.TripBid {
		return &models.TripBid{ID: id, TripRequestID: "r1", DriverID: "d1", Status: models.BidPending, ExpiresAt: t0.Add(time.Minute)}
	}

	err := m.RunInTx(ctx, func(tx Tx) error {
		if err := tx.InsertBid(ctx, bid("b1")); err != nil {
			return err
		}
		if err := tx.InsertBid(ctx, bid("b2")); !errors.Is(err, ErrUniqueViolation) {
			t.Fatalf("second open bid: %v", err)
		}
		if err := tx.SetBidStatus(ctx, "b1", models.BidExpired); err != nil {
			return err
		}
		return tx.InsertBid(ctx, bid("b3"))
	})
	if err != nil {
		t.Fatalf("rebid after expiry: %v", err)
	}
}

func TestOneOpenTripPerDriver(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m)
	ctx := context.Background()

	err := m.RunInTx(ctx, func(tx Tx) error {
		if err := tx.InsertTrip(ctx, &models.ActiveTrip{ID: "t1", TripRequestID: "r1", DriverID: "d1", Status: models.TripConfirmed}); err != nil {
			return err
		}
		err := tx.InsertTrip(ctx, &models.ActiveTrip{ID: "t2", TripRequestID: "r2", DriverID: "d1", Status: models.TripConfirmed})
		if !errors.Is(err, ErrUniqueViolation) {
			t.Fatalf("second open trip for driver: %v", err)
		}
		err = tx.InsertTrip(ctx, &models.ActiveTrip{ID: "t3", TripRequestID: "r1", DriverID: "d2", Status: models.TripConfirmed})
		if !errors.Is(err, ErrUniqueViolation) {
			t.Fatalf("second trip for request: %v", err)
		}
		open, err := tx.OpenTripForDriver(ctx, "d1")
		if err != nil || open.ID != "t1" {
			t.Fatalf("open trip = %v, %v", open, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReturnedRowsAreCopies(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m)
	ctx := context.Background()
	_ = m.RunInTx(ctx, func(tx Tx) error {
		r, _ := tx.GetRequest(ctx, "r1", true)
		r.Status = models.RequestExpired
		again, _ := tx.GetRequest(ctx, "r1", false)
		if again.Status != models.RequestPending {
			t.Fatal("mutating a returned row changed the store")
		}
		return nil
	})
}

func TestExpireAndMoveBids(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m)
	ctx := context.Background()
	err := m.RunInTx(ctx, func(tx Tx) error {
		for i, d := range []string{"d1", "d2", "d3"} {
			b := &models.TripBid{
				ID:            "b" + d,
				TripRequestID: "r1",
				DriverID:      d,
				Status:        models.BidPending,
				ExpiresAt:     t0.Add(time.Duration(i) * time.Minute),
			}
			if err := tx.InsertBid(ctx, b); err != nil {
				return err
			}
		}
		n, err := tx.ExpireBids(ctx, t0)
		if err != nil || n != 1 {
			t.Fatalf("expired %d, %v", n, err)
		}
		drivers, err := tx.MoveBids(ctx, "r1", "bd2", models.BidPending, models.BidRejected)
		if err != nil {
			return err
		}
		if len(drivers) != 1 || drivers[0] != "d3" {
			t.Fatalf("moved %v", drivers)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLoadSettingsAndRegistry(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m)
	m.PutSetting("bid_timeout_minutes", "3")
	ctx := context.Background()

	kv, err := LoadSettings(m)(ctx)
	if err != nil || kv["bid_timeout_minutes"] != "3" {
		t.Fatalf("settings %v, %v", kv, err)
	}

	reg := Registry{Store: m}
	if err := reg.SetDriverLocation(ctx, "d1", models.Coord{Lat: 1, Lng: 2}, t0); err != nil {
		t.Fatal(err)
	}
	d, err := reg.Driver(ctx, "d1")
	if err != nil || d.Loc == nil || d.Loc.Lng != 2 || !d.LocationUpdatedAt.Equal(t0) {
		t.Fatalf("driver %+v, %v", d, err)
	}
	if err := reg.SetDriverLocation(ctx, "ghost", models.Coord{}, t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown driver: %v", err)
	}
}

func TestPostgresSweepsSkipLockedRows(t *testing.T) {
	for name, q := range map[string]string{"requests": expireRequestsSQL, "bids": expireBidsSQL} {
		if !strings.Contains(q, "ORDER BY id FOR UPDATE SKIP LOCKED") {
			t.Fatalf("%s sweep does not lock in id order skipping held rows:\n%s", name, q)
		}
		if !strings.Contains(q, "status = 'pending' AND expires_at <= $1") {
			t.Fatalf("%s sweep lost its due filter:\n%s", name, q)
		}
	}
}
