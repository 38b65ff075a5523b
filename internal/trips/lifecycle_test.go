package trips

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

var (
	client = models.Actor{UserID: "c1", Type: models.UserClient}
	driver = models.Actor{UserID: "u-d1", Type: models.UserDriver, DriverID: "d1"}
	admin  = models.Actor{UserID: "a1", Type: models.UserAdmin}
)

// seedTrip stores a pending request and an accepted bid and creates the trip
// through CreateFromBid, with pickup at (0,0) and drop-off at (0,0.1).
func seedTrip(t *testing.T) (*Lifecycle, *storage.MemoryStore, *clock, *models.ActiveTrip) {
	t.Helper()
	mem := storage.NewMemoryStore()
	mem.PutUser(models.User{ID: "c1", Name: "Ana", Type: models.UserClient, Status: "active"})
	mem.PutDriver(models.Driver{ID: "d1", UserID: "u-d1", Name: "Bruno", Specialty: models.SpecialtyAny, ApprovalStatus: "approved", UserStatus: "active"})
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLifecycle(mem, c.now)

	req := &models.TripRequest{
		ID:          "r1",
		ClientID:    "c1",
		ServiceType: models.ServiceTowing,
		Origin:      models.Point{Lat: 0, Lng: 0},
		Destination: models.Point{Lat: 0, Lng: 0.1},
		ClientOffer: 100,
		Status:      models.RequestActive,
		CreatedAt:   c.t,
		ExpiresAt:   c.t.Add(30 * time.Minute),
	}
	bid := &models.TripBid{ID: "b1", TripRequestID: "r1", DriverID: "d1", BidAmount: 90, Status: models.BidAccepted}
	var trip *models.ActiveTrip
	err := mem.RunInTx(context.Background(), func(tx storage.Tx) error {
		if err := tx.InsertRequest(context.Background(), req); err != nil {
			return err
		}
		var err error
		trip, err = l.CreateFromBid(context.Background(), tx, req, bid)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return l, mem, c, trip
}

func TestCreateFromBidMarksDriverBusy(t *testing.T) {
	l, _, _, trip := seedTrip(t)
	if trip.Status != models.TripConfirmed || trip.FinalPrice != 90 {
		t.Fatalf("unexpected trip %+v", trip)
	}
	busy, err := l.DriverBusy(context.Background(), "d1")
	if err != nil || !busy {
		t.Fatalf("driver must be busy after trip creation: busy=%v err=%v", busy, err)
	}
}

func TestCreateFromBidRejectsBusyDriver(t *testing.T) {
	l, mem, _, _ := seedTrip(t)
	req := &models.TripRequest{ID: "r2", ClientID: "c1", Status: models.RequestPending}
	bid := &models.TripBid{ID: "b2", TripRequestID: "r2", DriverID: "d1", BidAmount: 50}
	err := mem.RunInTx(context.Background(), func(tx storage.Tx) error {
		_, err := l.CreateFromBid(context.Background(), tx, req, bid)
		return err
	})
	if !errors.Is(err, apperr.ErrDriverBusy) {
		t.Fatalf("expected driver busy, got %v", err)
	}
}

func TestFirstPingStartsRoute(t *testing.T) {
	l, _, _, trip := seedTrip(t)
	res, err := l.UpdateDriverLocation(context.Background(), trip.ID, "d1", 0, 0.05, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if res.NewStatus != models.TripDriverEnRoute || !res.StatusChanged {
		t.Fatalf("expected driver_en_route, got %+v", res)
	}
	if res.ETAMinutes <= 0 || res.DistanceKm < 5 {
		t.Fatalf("expected distance and eta to pickup, got %+v", res)
	}
}

func TestPingNearPickupArrives(t *testing.T) {
	l, _, _, trip := seedTrip(t)
	ctx := context.Background()
	res, err := l.UpdateDriverLocation(ctx, trip.ID, "d1", 0, 0.0005, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if res.OldStatus != models.TripConfirmed || res.NewStatus != models.TripDriverArrived {
		t.Fatalf("expected confirmed -> driver_arrived, got %+v", res)
	}
	if res.ETAMinutes != 0 {
		t.Fatalf("arrived driver must report eta 0, got %d", res.ETAMinutes)
	}
	got, _ := l.Get(ctx, trip.ID)
	if got.DriverLoc == nil || got.DriverLoc.Lng != 0.0005 {
		t.Fatalf("position not stored: %+v", got.DriverLoc)
	}
}

func TestPingNearDestinationCompletesAndReleasesDriver(t *testing.T) {
	l, mem, _, trip := seedTrip(t)
	ctx := context.Background()
	for _, to := range []models.TripStatus{models.TripDriverEnRoute, models.TripDriverArrived, models.TripInProgress} {
		if _, err := l.UpdateStatus(ctx, trip.ID, to, driver, ""); err != nil {
			t.Fatalf("%s: %v", to, err)
		}
	}
	res, err := l.UpdateDriverLocation(ctx, trip.ID, "d1", 0, 0.0999, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if res.NewStatus != models.TripCompleted {
		t.Fatalf("expected completed, got %s", res.NewStatus)
	}
	busy, _ := l.DriverBusy(ctx, "d1")
	if busy {
		t.Fatal("driver still busy after completion")
	}
	got, _ := l.Get(ctx, trip.ID)
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("timestamps not set: %+v", got)
	}
	_ = mem.RunInTx(ctx, func(tx storage.Tx) error {
		r, _ := tx.GetRequest(ctx, "r1", false)
		if r.Status != models.RequestCompleted {
			t.Errorf("request not completed: %s", r.Status)
		}
		return nil
	})
}

func TestStalePingIgnored(t *testing.T) {
	l, _, c, trip := seedTrip(t)
	ctx := context.Background()
	if _, err := l.UpdateDriverLocation(ctx, trip.ID, "d1", 0, 0.05, c.t); err != nil {
		t.Fatal(err)
	}
	res, err := l.UpdateDriverLocation(ctx, trip.ID, "d1", 0, 0.0001, c.t.Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stale || res.StatusChanged || res.NewStatus != models.TripDriverEnRoute {
		t.Fatalf("stale ping must not advance: %+v", res)
	}
	got, _ := l.Get(ctx, trip.ID)
	if got.DriverLoc.Lng != 0.05 {
		t.Fatalf("stale ping overwrote position: %+v", got.DriverLoc)
	}
}

func TestFuturePingClampedToNow(t *testing.T) {
	l, _, c, trip := seedTrip(t)
	ctx := context.Background()
	if _, err := l.UpdateDriverLocation(ctx, trip.ID, "d1", 0, 0.05, c.t.Add(24*time.Hour)); err != nil {
		t.Fatal(err)
	}
	got, _ := l.Get(ctx, trip.ID)
	if got.DriverLastUpdate == nil || !got.DriverLastUpdate.Equal(c.t) {
		t.Fatalf("future stamp stored: %v", got.DriverLastUpdate)
	}

	c.advance(time.Second)
	res, err := l.UpdateDriverLocation(ctx, trip.ID, "d1", 0, 0, c.t)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stale || res.NewStatus != models.TripDriverArrived {
		t.Fatalf("ping after a future-dated one must still apply: %+v", res)
	}
}

func TestPingFromOtherDriverForbidden(t *testing.T) {
	l, _, _, trip := seedTrip(t)
	_, err := l.UpdateDriverLocation(context.Background(), trip.ID, "d2", 0, 0, time.Time{})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestPingInvalidCoordinates(t *testing.T) {
	l, _, _, trip := seedTrip(t)
	_, err := l.UpdateDriverLocation(context.Background(), trip.ID, "d1", 91, 0, time.Time{})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPingOnTerminalTrip(t *testing.T) {
	l, _, _, trip := seedTrip(t)
	ctx := context.Background()
	if _, err := l.Cancel(ctx, trip.ID, client, "changed my mind"); err != nil {
		t.Fatal(err)
	}
	_, err := l.UpdateDriverLocation(ctx, trip.ID, "d1", 0, 0, time.Time{})
	if !errors.Is(err, apperr.ErrTripNotActive) {
		t.Fatalf("expected trip not active, got %v", err)
	}
}

func TestCancelRecordsReasonAndReleasesDriver(t *testing.T) {
	l, _, _, trip := seedTrip(t)
	ctx := context.Background()
	ch, err := l.Cancel(ctx, trip.ID, client, "too slow")
	if err != nil {
		t.Fatal(err)
	}
	if ch.From != models.TripConfirmed || ch.To != models.TripCancelled {
		t.Fatalf("unexpected change %+v", ch)
	}
	got, _ := l.Get(ctx, trip.ID)
	if got.CancelReason != "too slow" || got.CancelledBy != "client" {
		t.Fatalf("cancel not recorded: %+v", got)
	}
	if busy, _ := l.DriverBusy(ctx, "d1"); busy {
		t.Fatal("driver still busy after cancel")
	}
	if _, err := l.UpdateStatus(ctx, trip.ID, models.TripInProgress, admin, ""); apperr.KindOf(err) != apperr.KindInvalidTransition {
		t.Fatalf("terminal trip must be immutable, got %v", err)
	}
}

func TestSkippingStatusRejected(t *testing.T) {
	l, _, _, trip := seedTrip(t)
	_, err := l.UpdateStatus(context.Background(), trip.ID, models.TripCompleted, driver, "")
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestAdminMayForce(t *testing.T) {
	l, _, _, trip := seedTrip(t)
	ch, err := l.UpdateStatus(context.Background(), trip.ID, models.TripInProgress, admin, "")
	if err != nil {
		t.Fatal(err)
	}
	if ch.Trip.StartedAt == nil {
		t.Fatal("started_at not set")
	}
}

func TestRate(t *testing.T) {
	l, _, _, trip := seedTrip(t)
	ctx := context.Background()
	if err := l.Rate(ctx, trip.ID, client, 5, "great"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("rating before completion must fail, got %v", err)
	}
	if _, err := l.UpdateStatus(ctx, trip.ID, models.TripCompleted, admin, ""); err != nil {
		t.Fatal(err)
	}
	if err := l.Rate(ctx, trip.ID, client, 6, ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("out of range rating accepted: %v", err)
	}
	if err := l.Rate(ctx, trip.ID, client, 5, "great"); err != nil {
		t.Fatal(err)
	}
	if err := l.Rate(ctx, trip.ID, client, 4, ""); !errors.Is(err, apperr.ErrAlreadyRated) {
		t.Fatalf("expected already rated, got %v", err)
	}
	if err := l.Rate(ctx, trip.ID, driver, 4, "ok"); err != nil {
		t.Fatal(err)
	}
	other := models.Actor{UserID: "c2", Type: models.UserClient}
	if err := l.Rate(ctx, trip.ID, other, 4, ""); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	got, _ := l.Get(ctx, trip.ID)
	if got.ClientRating != 5 || got.DriverRating != 4 {
		t.Fatalf("ratings not stored: %+v", got)
	}
}
