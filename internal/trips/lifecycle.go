// Package trips owns ActiveTrip rows and the driver busy flag.
package trips

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/tow-matching/internal/apperr"
	"github.com/example/tow-matching/internal/eta"
	"github.com/example/tow-matching/internal/geo"
	"github.com/example/tow-matching/internal/models"
	"github.com/example/tow-matching/internal/observability"
	"github.com/example/tow-matching/internal/storage"
)

// ArrivalThresholdKm is how close a ping must be to the phase target to
// auto-advance the trip.
const ArrivalThresholdKm = 0.1

type Lifecycle struct {
	db  storage.Store
	now func() time.Time
}

func NewLifecycle(db storage.Store, now func() time.Time) *Lifecycle {
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{db: db, now: now}
}

// Change describes one applied status change.
type Change struct {
	Trip *models.ActiveTrip
	From models.TripStatus
	To   models.TripStatus
}

// LocationUpdate is the result of a driver ping.
type LocationUpdate struct {
	TripID        string             `json:"trip_id"`
	DistanceKm    float64            `json:"distance_km"`
	ETAMinutes    int                `json:"eta_minutes"`
	OldStatus     models.TripStatus  `json:"old_status"`
	NewStatus     models.TripStatus  `json:"new_status"`
	StatusChanged bool               `json:"status_updated"`
	Stale         bool               `json:"stale,omitempty"`
	Trip          *models.ActiveTrip `json:"-"`
}

// CreateFromBid creates the trip for an accepted bid and marks the driver
// busy. It runs inside the caller's accept transaction.
func (l *Lifecycle) CreateFromBid(ctx context.Context, tx storage.Tx, req *models.TripRequest, bid *models.TripBid) (*models.ActiveTrip, error) {
	if _, err := tx.OpenTripForDriver(ctx, bid.DriverID); err == nil {
		return nil, apperr.ErrDriverBusy
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Internal("check driver trips", err)
	}
	t := &models.ActiveTrip{
		ID:            uuid.NewString(),
		TripRequestID: req.ID,
		BidID:         bid.ID,
		DriverID:      bid.DriverID,
		ClientID:      req.ClientID,
		FinalPrice:    bid.BidAmount,
		ServiceType:   req.ServiceType,
		Origin:        req.Origin,
		Destination:   req.Destination,
		Status:        models.TripConfirmed,
		CreatedAt:     l.now(),
	}
	if err := tx.InsertTrip(ctx, t); err != nil {
		if errors.Is(err, storage.ErrUniqueViolation) {
			return nil, apperr.ErrDriverBusy
		}
		return nil, apperr.Internal("insert trip", err)
	}
	if err := tx.SetDriverBusy(ctx, bid.DriverID, true); err != nil {
		return nil, apperr.Internal("mark driver busy", err)
	}
	return t, nil
}

func (l *Lifecycle) Get(ctx context.Context, id string) (*models.ActiveTrip, error) {
	var t *models.ActiveTrip
	err := l.db.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		t, err = load(ctx, tx, id, false)
		return err
	})
	return t, err
}

// ForRequest returns the trip created for a request.
func ForRequest(ctx context.Context, tx storage.Tx, requestID string, lock bool) (*models.ActiveTrip, error) {
	t, err := tx.GetTripByRequest(ctx, requestID, lock)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("active trip")
	}
	if err != nil {
		return nil, apperr.Internal("load trip", err)
	}
	return t, nil
}

func load(ctx context.Context, tx storage.Tx, id string, lock bool) (*models.ActiveTrip, error) {
	t, err := tx.GetTrip(ctx, id, lock)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("active trip")
	}
	if err != nil {
		return nil, apperr.Internal("load trip", err)
	}
	return t, nil
}

// DriverBusy reads the driver's busy flag.
func (l *Lifecycle) DriverBusy(ctx context.Context, driverID string) (bool, error) {
	var busy bool
	err := l.db.RunInTx(ctx, func(tx storage.Tx) error {
		d, err := tx.GetDriver(ctx, driverID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("driver")
		}
		if err != nil {
			return apperr.Internal("load driver", err)
		}
		busy = d.Busy
		return nil
	})
	return busy, err
}

// UpdateDriverLocation records a ping from the trip's driver and advances
// the trip when the ping reaches the current phase target.
func (l *Lifecycle) UpdateDriverLocation(ctx context.Context, tripID, driverID string, lat, lng float64, at time.Time) (LocationUpdate, error) {
	if !geo.ValidCoord(lat, lng) {
		return LocationUpdate{}, apperr.Validation("invalid coordinates")
	}
	// a future stamp would make every later ping look stale
	if now := l.now(); at.IsZero() || at.After(now) {
		at = now
	}
	var res LocationUpdate
	err := l.db.RunInTx(ctx, func(tx storage.Tx) error {
		t, err := load(ctx, tx, tripID, true)
		if err != nil {
			return err
		}
		if t.DriverID != driverID {
			return apperr.ErrForbidden
		}
		if t.Status.Terminal() {
			return apperr.ErrTripNotActive
		}
		res = LocationUpdate{TripID: t.ID, OldStatus: t.Status, NewStatus: t.Status, Trip: t}

		if t.DriverLastUpdate != nil && at.Before(*t.DriverLastUpdate) {
			// out of order: keep the newer position, report against it
			res.Stale = true
			res.DistanceKm, res.ETAMinutes = progress(t, *t.DriverLoc)
			return nil
		}

		pos := models.Coord{Lat: lat, Lng: lng}
		t.DriverLoc = &pos
		t.DriverLastUpdate = &at
		if err := tx.SetDriverLocation(ctx, driverID, pos, at); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return apperr.Internal("store driver position", err)
		}

		dist, _ := progress(t, pos)
		for _, to := range autoSteps(t.Status, dist) {
			if err := l.apply(ctx, tx, t, to, models.SystemActor, ""); err != nil {
				return err
			}
		}
		if err := tx.UpdateTrip(ctx, t); err != nil {
			return apperr.Internal("update trip", err)
		}
		res.NewStatus = t.Status
		res.StatusChanged = res.NewStatus != res.OldStatus
		res.DistanceKm, res.ETAMinutes = progress(t, pos)
		return nil
	})
	if err != nil {
		return LocationUpdate{}, err
	}
	return res, nil
}

// target is the point the driver is heading to in the trip's current phase.
func target(t *models.ActiveTrip) models.Coord {
	if t.Status == models.TripInProgress || t.Status == models.TripCompleted {
		return t.Destination.Coord()
	}
	return t.Origin.Coord()
}

func progress(t *models.ActiveTrip, pos models.Coord) (float64, int) {
	d := geo.Distance(pos, target(t))
	if t.Status == models.TripDriverArrived || t.Status.Terminal() {
		return math.Round(d*1000) / 1000, 0
	}
	return math.Round(d*1000) / 1000, eta.Minutes(d)
}

// autoSteps lists the statuses a ping at distance dist from the phase
// target walks through, each one a legal edge of the graph.
func autoSteps(from models.TripStatus, dist float64) []models.TripStatus {
	arrived := dist <= ArrivalThresholdKm
	switch {
	case from == models.TripConfirmed && arrived:
		return []models.TripStatus{models.TripDriverEnRoute, models.TripDriverArrived}
	case from == models.TripConfirmed:
		return []models.TripStatus{models.TripDriverEnRoute}
	case from == models.TripDriverEnRoute && arrived:
		return []models.TripStatus{models.TripDriverArrived}
	case from == models.TripInProgress && arrived:
		return []models.TripStatus{models.TripCompleted}
	}
	return nil
}

// UpdateStatus moves a trip to status to on behalf of actor.
func (l *Lifecycle) UpdateStatus(ctx context.Context, tripID string, to models.TripStatus, actor models.Actor, reason string) (Change, error) {
	var ch Change
	err := l.db.RunInTx(ctx, func(tx storage.Tx) error {
		t, err := load(ctx, tx, tripID, true)
		if err != nil {
			return err
		}
		ch, err = l.Transition(ctx, tx, t, to, actor, reason)
		return err
	})
	return ch, err
}

// Cancel cancels a trip, releasing the driver and recording the reason.
func (l *Lifecycle) Cancel(ctx context.Context, tripID string, actor models.Actor, reason string) (Change, error) {
	return l.UpdateStatus(ctx, tripID, models.TripCancelled, actor, reason)
}

// Transition authorizes and applies a change to a trip already loaded
// (and locked) in tx, then persists it.
func (l *Lifecycle) Transition(ctx context.Context, tx storage.Tx, t *models.ActiveTrip, to models.TripStatus, actor models.Actor, reason string) (Change, error) {
	if err := Authorize(actor, t, to); err != nil {
		return Change{}, err
	}
	from := t.Status
	if err := l.apply(ctx, tx, t, to, actor, reason); err != nil {
		return Change{}, err
	}
	if err := tx.UpdateTrip(ctx, t); err != nil {
		return Change{}, apperr.Internal("update trip", err)
	}
	return Change{Trip: t, From: from, To: to}, nil
}

// apply mutates t in memory and performs the side effects of entering to.
// Terminal statuses release the driver and close the parent request.
func (l *Lifecycle) apply(ctx context.Context, tx storage.Tx, t *models.ActiveTrip, to models.TripStatus, actor models.Actor, reason string) error {
	now := l.now()
	from := t.Status
	t.Status = to
	switch to {
	case models.TripInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case models.TripCompleted, models.TripCancelled:
		t.CompletedAt = &now
		reqStatus := models.RequestCompleted
		if to == models.TripCancelled {
			reqStatus = models.RequestCancelled
			t.CancelReason = reason
			t.CancelledBy = string(actor.Type)
		}
		if err := tx.SetDriverBusy(ctx, t.DriverID, false); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return apperr.Internal("release driver", err)
		}
		if err := tx.SetRequestStatus(ctx, t.TripRequestID, reqStatus); err != nil {
			return apperr.Internal("close request", err)
		}
	}
	observability.TripTransitions.WithLabelValues(string(from), string(to)).Inc()
	return nil
}

// Rate records the rating one participant gives the other after completion.
func (l *Lifecycle) Rate(ctx context.Context, tripID string, actor models.Actor, rating int, feedback string) error {
	if rating < 1 || rating > 5 {
		return apperr.Validation("rating must be between 1 and 5")
	}
	return l.db.RunInTx(ctx, func(tx storage.Tx) error {
		t, err := load(ctx, tx, tripID, true)
		if err != nil {
			return err
		}
		if t.Status != models.TripCompleted {
			return apperr.Validation("only completed trips can be rated")
		}
		switch {
		case actor.Type == models.UserClient && actor.UserID == t.ClientID:
			if t.ClientRating != 0 {
				return apperr.ErrAlreadyRated
			}
			t.ClientRating, t.ClientFeedback = rating, feedback
		case actor.Type == models.UserDriver && actor.DriverID == t.DriverID:
			if t.DriverRating != 0 {
				return apperr.ErrAlreadyRated
			}
			t.DriverRating, t.DriverFeedback = rating, feedback
		default:
			return apperr.ErrForbidden
		}
		if err := tx.UpdateTrip(ctx, t); err != nil {
			return apperr.Internal("update trip", err)
		}
		return nil
	})
}

// AttachPaymentRef stores the credit hold reference on the trip.
func (l *Lifecycle) AttachPaymentRef(ctx context.Context, tripID, ref string) error {
	return l.db.RunInTx(ctx, func(tx storage.Tx) error {
		t, err := load(ctx, tx, tripID, true)
		if err != nil {
			return err
		}
		t.PaymentRef = ref
		if err := tx.UpdateTrip(ctx, t); err != nil {
			return apperr.Internal("update trip", err)
		}
		return nil
	})
}
