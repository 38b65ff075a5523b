package matcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/tow-matching/internal/apperr"
	"github.com/example/tow-matching/internal/bids"
	"github.com/example/tow-matching/internal/config"
	"github.com/example/tow-matching/internal/dispatch"
	"github.com/example/tow-matching/internal/geo"
	"github.com/example/tow-matching/internal/logging"
	"github.com/example/tow-matching/internal/models"
	"github.com/example/tow-matching/internal/requests"
	"github.com/example/tow-matching/internal/storage"
	"github.com/example/tow-matching/internal/trips"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	sent []dispatch.Notification
	fail bool
}

func (r *recorder) Notify(ctx context.Context, n dispatch.Notification) error {
	if r.fail {
		return errors.New("push provider down")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recorder) to(userID string, typ dispatch.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.UserID == userID && s.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

type fakeHolder struct {
	mu        sync.Mutex
	held      []string
	captured  []string
	cancelled []string
}

func (f *fakeHolder) Hold(ctx context.Context, t *models.ActiveTrip) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := "pi_" + t.ID
	f.held = append(f.held, ref)
	return ref, nil
}

func (f *fakeHolder) Capture(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, ref)
	return nil
}

func (f *fakeHolder) Cancel(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, ref)
	return nil
}

type harness struct {
	svc   *Service
	mem   *storage.MemoryStore
	clock *clock
	notes *recorder
	pay   *fakeHolder
}

var (
	client = models.Actor{UserID: "c1", Type: models.UserClient}
	d1     = models.Actor{UserID: "u-d1", Type: models.UserDriver, DriverID: "d1"}
)

func newHarness(t *testing.T, set config.Settings) *harness {
	t.Helper()
	mem := storage.NewMemoryStore()
	mem.PutUser(models.User{ID: "c1", Name: "Ana", Type: models.UserClient, Status: "active"})
	mem.PutUser(models.User{ID: "c2", Name: "Caio", Type: models.UserClient, Status: "active"})
	for _, d := range []struct {
		id       string
		lat, lng float64
	}{{"d1", 0, 0.01}, {"d2", 0.01, 0}, {"d3", 1, 1}} {
		mem.PutDriver(models.Driver{
			ID:             d.id,
			UserID:         "u-" + d.id,
			Name:           "driver " + d.id,
			Phone:          "+55 11 9000-000" + d.id[1:],
			Specialty:      models.SpecialtyAny,
			ApprovalStatus: "approved",
			UserStatus:     "active",
			Loc:            &models.Coord{Lat: d.lat, Lng: d.lng},
			Rating:         4.8,
		})
	}
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	lc := trips.NewLifecycle(mem, c.now)
	reg := storage.Registry{Store: mem}
	h := &harness{mem: mem, clock: c, notes: &recorder{}, pay: &fakeHolder{}}
	h.svc = &Service{
		DB:       mem,
		Requests: requests.NewStore(mem, c.now),
		Bids:     bids.NewStore(mem, lc, c.now),
		Trips:    lc,
		Drivers:  reg,
		Geo:      geo.NewIndex(reg),
		Notify:   h.notes,
		Payments: h.pay,
		Settings: config.StaticSettings(set),
		Logger:   logging.Discard(),
		Now:      c.now,
	}
	return h
}

func (h *harness) createRequest(t *testing.T, clientID string) CreatedRequest {
	t.Helper()
	out, err := h.svc.CreateRequest(context.Background(), clientID, NewRequest{
		ServiceType: models.ServiceTowing,
		Origin:      models.Point{Lat: 0, Lng: 0, Address: "Rua A"},
		Destination: models.Point{Lat: 0, Lng: 0.1, Address: "Rua B"},
		ClientOffer: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func (h *harness) placeBid(t *testing.T, driverID, requestID string, amount float64) string {
	t.Helper()
	out, err := h.svc.PlaceBid(context.Background(), driverID, NewBid{TripRequestID: requestID, BidAmount: amount, EstimatedArrivalMinutes: 12})
	if err != nil {
		t.Fatal(err)
	}
	return out.BidID
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	ctx := context.Background()

	req := h.createRequest(t, "c1")
	if req.NearbyDriversCount != 2 {
		t.Fatalf("expected 2 nearby drivers, got %d", req.NearbyDriversCount)
	}
	if req.DistanceKm < 11 || req.DistanceKm > 11.2 || req.EstimatedDurationMinutes != 17 {
		t.Fatalf("unexpected route %+v", req)
	}
	if h.notes.to("u-d1", dispatch.NewRequest) != 1 || h.notes.to("u-d3", dispatch.NewRequest) != 0 {
		t.Fatal("new_request must reach only nearby drivers")
	}

	b90 := h.placeBid(t, "d1", req.TripRequestID, 90)
	b95 := h.placeBid(t, "d2", req.TripRequestID, 95)
	if h.notes.to("c1", dispatch.NewBid) != 2 {
		t.Fatal("client not told about bids")
	}

	view, err := h.svc.BidsForRequest(ctx, "c1", req.TripRequestID)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Bids) != 2 || view.Bids[0].ID != b90 {
		t.Fatalf("unexpected bids %+v", view.Bids)
	}

	acc, err := h.svc.AcceptBid(ctx, "c1", b90)
	if err != nil {
		t.Fatal(err)
	}
	if acc.FinalPrice != 90 || acc.DriverName != "driver d1" || acc.EstimatedArrivalMinutes != 12 {
		t.Fatalf("unexpected accept result %+v", acc)
	}
	for _, want := range []struct {
		user string
		typ  dispatch.Type
	}{{"u-d1", dispatch.BidAccepted}, {"c1", dispatch.TripConfirmed}, {"u-d2", dispatch.BidRejected}} {
		if h.notes.to(want.user, want.typ) != 1 {
			t.Errorf("missing %s for %s", want.typ, want.user)
		}
	}

	loser, _ := h.svc.Bids.Get(ctx, b95)
	if loser.Status != models.BidRejected {
		t.Fatalf("expected rejected, got %s", loser.Status)
	}
	r, _ := h.svc.Requests.Get(ctx, req.TripRequestID)
	if r.Status != models.RequestActive {
		t.Fatalf("expected active, got %s", r.Status)
	}
	trip, err := h.svc.GetTrip(ctx, client, acc.ActiveTripID)
	if err != nil {
		t.Fatal(err)
	}
	if trip.PaymentRef != "pi_"+trip.ID {
		t.Fatalf("credit hold not attached: %q", trip.PaymentRef)
	}
}

func TestPlaceBidAfterRequestExpired(t *testing.T) {
	set := config.DefaultSettings()
	set.RequestTimeout = time.Second
	h := newHarness(t, set)
	req := h.createRequest(t, "c1")
	h.clock.advance(2 * time.Second)

	_, err := h.svc.PlaceBid(context.Background(), "d1", NewBid{TripRequestID: req.TripRequestID, BidAmount: 90, EstimatedArrivalMinutes: 5})
	if !errors.Is(err, apperr.ErrRequestUnavailable) {
		t.Fatalf("expected request unavailable, got %v", err)
	}
}

func TestPlaceBidValidation(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	req := h.createRequest(t, "c1")
	_, err := h.svc.PlaceBid(context.Background(), "d1", NewBid{TripRequestID: req.TripRequestID, BidAmount: 10, EstimatedArrivalMinutes: 5})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error below minimum, got %v", err)
	}
	_, err = h.svc.PlaceBid(context.Background(), "d1", NewBid{TripRequestID: "missing", BidAmount: 90, EstimatedArrivalMinutes: 5})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	cases := map[string]NewRequest{
		"offer below minimum": {ServiceType: models.ServiceTowing, ClientOffer: 20},
		"unknown service":     {ServiceType: "taxi", ClientOffer: 100},
		"bad coordinates":     {ServiceType: models.ServiceTowing, Origin: models.Point{Lat: 95}, ClientOffer: 100},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.CreateRequest(context.Background(), "c1", in)
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestDriverExclusivity(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	ctx := context.Background()
	first := h.createRequest(t, "c1")
	bid := h.placeBid(t, "d1", first.TripRequestID, 90)
	if _, err := h.svc.AcceptBid(ctx, "c1", bid); err != nil {
		t.Fatal(err)
	}

	second := h.createRequest(t, "c2")
	if second.NearbyDriversCount != 1 {
		t.Fatalf("busy driver must not be a candidate, got %d", second.NearbyDriversCount)
	}
	_, err := h.svc.PlaceBid(ctx, "d1", NewBid{TripRequestID: second.TripRequestID, BidAmount: 80, EstimatedArrivalMinutes: 5})
	if !errors.Is(err, apperr.ErrDriverBusy) {
		t.Fatalf("expected driver busy, got %v", err)
	}
}

func TestAcceptByOtherClientForbidden(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	req := h.createRequest(t, "c1")
	bid := h.placeBid(t, "d1", req.TripRequestID, 90)
	if _, err := h.svc.AcceptBid(context.Background(), "c2", bid); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.svc.BidsForRequest(context.Background(), "c2", req.TripRequestID); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestNotificationFailureDoesNotFailAccept(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	h.notes.fail = true
	req := h.createRequest(t, "c1")
	bid := h.placeBid(t, "d1", req.TripRequestID, 90)
	if _, err := h.svc.AcceptBid(context.Background(), "c1", bid); err != nil {
		t.Fatalf("notification failure leaked into accept: %v", err)
	}
}

func TestTripRunsToCompletion(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	ctx := context.Background()
	req := h.createRequest(t, "c1")
	bid := h.placeBid(t, "d1", req.TripRequestID, 90)
	acc, err := h.svc.AcceptBid(ctx, "c1", bid)
	if err != nil {
		t.Fatal(err)
	}
	h.notes.reset()

	loc, err := h.svc.UpdateDriverLocation(ctx, "d1", acc.ActiveTripID, 0, 0.0005, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if loc.NewStatus != models.TripDriverArrived {
		t.Fatalf("expected driver_arrived, got %s", loc.NewStatus)
	}
	if h.notes.to("c1", dispatch.DriverLocation) != 1 || h.notes.to("c1", dispatch.TripStatus) != 1 {
		t.Fatalf("client not notified: %+v", h.notes.sent)
	}

	if _, err := h.svc.UpdateTripStatus(ctx, d1, acc.ActiveTripID, models.TripInProgress, ""); err != nil {
		t.Fatal(err)
	}
	loc, err = h.svc.UpdateDriverLocation(ctx, "d1", acc.ActiveTripID, 0, 0.1, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if loc.NewStatus != models.TripCompleted {
		t.Fatalf("expected completed, got %s", loc.NewStatus)
	}
	if len(h.pay.captured) != 1 || h.pay.captured[0] != "pi_"+acc.ActiveTripID {
		t.Fatalf("hold not captured: %v", h.pay.captured)
	}
	r, _ := h.svc.Requests.Get(ctx, req.TripRequestID)
	if r.Status != models.RequestCompleted {
		t.Fatalf("expected completed request, got %s", r.Status)
	}

	// released driver can bid again
	next := h.createRequest(t, "c2")
	h.placeBid(t, "d1", next.TripRequestID, 70)

	if err := h.svc.RateTrip(ctx, client, acc.ActiveTripID, 5, "fast"); err != nil {
		t.Fatal(err)
	}
}

func TestClientCannotAdvanceTrip(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	ctx := context.Background()
	req := h.createRequest(t, "c1")
	acc, err := h.svc.AcceptBid(ctx, "c1", h.placeBid(t, "d1", req.TripRequestID, 90))
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.svc.UpdateTripStatus(ctx, client, acc.ActiveTripID, models.TripInProgress, "")
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	_, err = h.svc.GetTrip(ctx, models.Actor{UserID: "c2", Type: models.UserClient}, acc.ActiveTripID)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestCancelPendingRequestCascades(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	ctx := context.Background()
	req := h.createRequest(t, "c1")
	h.placeBid(t, "d1", req.TripRequestID, 90)
	h.placeBid(t, "d2", req.TripRequestID, 95)

	if _, err := h.svc.CancelRequest(ctx, models.Actor{UserID: "c2", Type: models.UserClient}, req.TripRequestID, ""); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	res, err := h.svc.CancelRequest(ctx, client, req.TripRequestID, "found help")
	if err != nil {
		t.Fatal(err)
	}
	if res.CancelledBids != 2 || res.CancelledTrip != nil {
		t.Fatalf("unexpected cascade result %+v", res)
	}
	if h.notes.to("u-d1", dispatch.RequestCancelled) != 1 || h.notes.to("u-d2", dispatch.RequestCancelled) != 1 {
		t.Fatal("bidders not told about cancellation")
	}
	r, _ := h.svc.Requests.Get(ctx, req.TripRequestID)
	if r.Status != models.RequestCancelled {
		t.Fatalf("expected cancelled, got %s", r.Status)
	}
	if _, err := h.svc.CancelRequest(ctx, client, req.TripRequestID, ""); !errors.Is(err, apperr.ErrRequestUnavailable) {
		t.Fatalf("second cancel must fail, got %v", err)
	}
}

func TestCancelActiveTripReleasesDriver(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	ctx := context.Background()
	req := h.createRequest(t, "c1")
	acc, err := h.svc.AcceptBid(ctx, "c1", h.placeBid(t, "d1", req.TripRequestID, 90))
	if err != nil {
		t.Fatal(err)
	}
	trip, err := h.svc.CancelActiveTrip(ctx, client, req.TripRequestID, "waited too long")
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.TripCancelled || trip.CancelReason != "waited too long" {
		t.Fatalf("unexpected trip %+v", trip)
	}
	if h.notes.to("u-d1", dispatch.TripCancelled) != 1 {
		t.Fatal("driver not told about cancellation")
	}
	if len(h.pay.cancelled) != 1 || h.pay.cancelled[0] != "pi_"+acc.ActiveTripID {
		t.Fatalf("hold not released: %v", h.pay.cancelled)
	}
	if busy, _ := h.svc.Trips.DriverBusy(ctx, "d1"); busy {
		t.Fatal("driver still busy")
	}
	if _, err := h.svc.CancelActiveTrip(ctx, client, req.TripRequestID, ""); !errors.Is(err, apperr.ErrTripNotActive) {
		t.Fatalf("expected trip not active, got %v", err)
	}
}

func TestNearbyRequestsMarksOwnBids(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	ctx := context.Background()
	a := h.createRequest(t, "c1")
	b := h.createRequest(t, "c2")
	h.placeBid(t, "d1", a.TripRequestID, 90)

	list, err := h.svc.NearbyRequests(ctx, "d1", 0, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(list))
	}
	for _, r := range list {
		if want := r.ID == a.TripRequestID; r.HasBid != want {
			t.Fatalf("request %s has_bid=%v", r.ID, r.HasBid)
		}
		if r.ID == b.TripRequestID && r.ClientName != "Caio" {
			t.Fatalf("client name missing: %+v", r)
		}
	}
}

func TestSweepExpiresAndIsIdempotent(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	ctx := context.Background()
	req := h.createRequest(t, "c1")
	h.placeBid(t, "d1", req.TripRequestID, 90)
	h.clock.advance(31 * time.Minute)

	r, b, err := h.svc.Sweep(ctx)
	if err != nil || r != 1 || b != 1 {
		t.Fatalf("first sweep: requests=%d bids=%d err=%v", r, b, err)
	}
	r, b, err = h.svc.Sweep(ctx)
	if err != nil || r != 0 || b != 0 {
		t.Fatalf("second sweep: requests=%d bids=%d err=%v", r, b, err)
	}
}

func TestReportIdleLocation(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	ctx := context.Background()
	err := h.svc.ReportLocation(ctx, models.LocationPing{DriverID: "d3", Lat: 0.001, Lng: 0})
	if err != nil {
		t.Fatal(err)
	}
	req := h.createRequest(t, "c1")
	if req.NearbyDriversCount != 3 {
		t.Fatalf("moved driver not found nearby, got %d", req.NearbyDriversCount)
	}
	if err := h.svc.ReportLocation(ctx, models.LocationPing{DriverID: "ghost", Lat: 0, Lng: 0}); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	future := h.clock.now().Add(24 * time.Hour)
	if err := h.svc.ReportLocation(ctx, models.LocationPing{DriverID: "d3", Lat: 0.002, Lng: 0, RecordedAt: future}); err != nil {
		t.Fatal(err)
	}
	d, _ := h.svc.Drivers.Driver(ctx, "d3")
	if !d.LocationUpdatedAt.Equal(h.clock.now()) {
		t.Fatalf("future stamp stored: %v", d.LocationUpdatedAt)
	}
}

func TestReportLocationRefusesTripPings(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	ctx := context.Background()
	req := h.createRequest(t, "c1")
	bid := h.placeBid(t, "d1", req.TripRequestID, 90)
	acc, err := h.svc.AcceptBid(ctx, "c1", bid)
	if err != nil {
		t.Fatal(err)
	}

	err = h.svc.ReportLocation(ctx, models.LocationPing{DriverID: "d1", TripID: acc.ActiveTripID, Lat: 0, Lng: 0})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	trip, err := h.svc.GetTrip(ctx, client, acc.ActiveTripID)
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.TripConfirmed {
		t.Fatalf("trip advanced by an ingest ping: %s", trip.Status)
	}
}
