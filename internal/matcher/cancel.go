package matcher

import (
	"context"

	"github.com/example/tow-matching/internal/apperr"
	"github.com/example/tow-matching/internal/bids"
	"github.com/example/tow-matching/internal/dispatch"
	"github.com/example/tow-matching/internal/models"
	"github.com/example/tow-matching/internal/requests"
	"github.com/example/tow-matching/internal/storage"
	"github.com/example/tow-matching/internal/trips"
)

// step is one named mutation of a cascade.
type step struct {
	name string
	run  func(ctx context.Context, tx storage.Tx) error
}

// cascade runs its steps in one transaction; a failing step rolls back the
// ones before it. after runs only once the transaction committed.
type cascade struct {
	name  string
	steps []step
	after []func(ctx context.Context)
}

func (s *Service) runCascade(ctx context.Context, c *cascade) error {
	err := s.DB.RunInTx(ctx, func(tx storage.Tx) error {
		for _, st := range c.steps {
			if err := st.run(ctx, tx); err != nil {
				if apperr.KindOf(err) == apperr.KindInternal {
					s.log(ctx).Error("cascade step failed", "cascade", c.name, "step", st.name, "err", err)
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, fn := range c.after {
		fn(ctx)
	}
	return nil
}

// CancelResult reports what a cancellation touched.
type CancelResult struct {
	TripRequestID     string             `json:"trip_request_id"`
	CancelledBids     int                `json:"cancelled_bids"`
	CancelledTrip     *models.ActiveTrip `json:"active_trip,omitempty"`
	NotifiedDriverIDs []string           `json:"-"`
}

// CancelRequest withdraws a request. Pending bids are cancelled and their
// drivers told; if a trip was already running it is cancelled as well,
// which releases the driver and the credit hold.
func (s *Service) CancelRequest(ctx context.Context, actor models.Actor, requestID, reason string) (CancelResult, error) {
	var (
		req  *models.TripRequest
		trip *models.ActiveTrip
		res  = CancelResult{TripRequestID: requestID}
	)
	c := &cascade{name: "cancel_request"}
	c.steps = []step{
		{"lock request", func(ctx context.Context, tx storage.Tx) error {
			var err error
			req, err = requests.Get(ctx, tx, requestID, true)
			if err != nil {
				return err
			}
			if actor.Type != models.UserAdmin && req.ClientID != actor.UserID {
				return apperr.ErrForbidden
			}
			if req.Status.Terminal() {
				return apperr.ErrRequestUnavailable
			}
			return nil
		}},
		{"cancel pending bids", func(ctx context.Context, tx storage.Tx) error {
			drivers, err := bids.CancelOpen(ctx, tx, requestID)
			res.CancelledBids = len(drivers)
			res.NotifiedDriverIDs = drivers
			return err
		}},
		{"cancel active trip", func(ctx context.Context, tx storage.Tx) error {
			if req.Status != models.RequestActive {
				return nil
			}
			t, err := trips.ForRequest(ctx, tx, requestID, true)
			if err != nil {
				return err
			}
			if _, err := s.Trips.Transition(ctx, tx, t, models.TripCancelled, actor, reason); err != nil {
				return err
			}
			trip = t
			return nil
		}},
		{"cancel request", func(ctx context.Context, tx storage.Tx) error {
			// a cancelled trip already closed the request
			if trip != nil {
				return nil
			}
			if err := tx.SetRequestStatus(ctx, requestID, models.RequestCancelled); err != nil {
				return apperr.Internal("cancel request", err)
			}
			return nil
		}},
	}
	c.after = []func(ctx context.Context){
		func(ctx context.Context) {
			notes := make([]dispatch.Notification, 0, len(res.NotifiedDriverIDs)+1)
			for _, id := range res.NotifiedDriverIDs {
				if d, err := s.Drivers.Driver(ctx, id); err == nil {
					notes = append(notes, dispatch.Notification{
						Type:   dispatch.RequestCancelled,
						UserID: d.UserID,
						Title:  "Request cancelled by the client",
						Data:   map[string]any{"trip_request_id": requestID},
					})
				}
			}
			if trip != nil {
				if d, err := s.Drivers.Driver(ctx, trip.DriverID); err == nil {
					notes = append(notes, statusNote(trip, d.UserID))
				}
			}
			s.notify(ctx, notes...)
		},
		func(ctx context.Context) {
			if trip != nil {
				s.settle(ctx, trip)
			}
		},
	}
	if err := s.runCascade(ctx, c); err != nil {
		return CancelResult{}, err
	}
	res.CancelledTrip = trip
	return res, nil
}

// CancelActiveTrip cancels the trip created for requestID on behalf of
// either participant or an admin.
func (s *Service) CancelActiveTrip(ctx context.Context, actor models.Actor, requestID, reason string) (*models.ActiveTrip, error) {
	var ch trips.Change
	c := &cascade{name: "cancel_active_trip"}
	c.steps = []step{
		{"cancel trip", func(ctx context.Context, tx storage.Tx) error {
			t, err := trips.ForRequest(ctx, tx, requestID, true)
			if err != nil {
				return err
			}
			if t.Status.Terminal() {
				return apperr.ErrTripNotActive
			}
			ch, err = s.Trips.Transition(ctx, tx, t, models.TripCancelled, actor, reason)
			return err
		}},
	}
	c.after = []func(ctx context.Context){
		func(ctx context.Context) { s.afterChange(ctx, actor, ch) },
	}
	if err := s.runCascade(ctx, c); err != nil {
		return nil, err
	}
	return ch.Trip, nil
}
