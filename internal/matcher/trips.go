package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/tow-matching/internal/apperr"
	"github.com/example/tow-matching/internal/dispatch"
	"github.com/example/tow-matching/internal/geo"
	"github.com/example/tow-matching/internal/models"
	"github.com/example/tow-matching/internal/storage"
	"github.com/example/tow-matching/internal/trips"
)

// UpdateDriverLocation applies a ping from the trip's driver, keeps the geo
// index current and tells the client where the driver is.
func (s *Service) UpdateDriverLocation(ctx context.Context, driverID, tripID string, lat, lng float64, at time.Time) (trips.LocationUpdate, error) {
	res, err := s.Trips.UpdateDriverLocation(ctx, tripID, driverID, lat, lng, at)
	if err != nil {
		return trips.LocationUpdate{}, err
	}
	if res.Stale {
		return res, nil
	}
	s.mirror(ctx, driverID, lat, lng)

	t := res.Trip
	notes := []dispatch.Notification{{
		Type:   dispatch.DriverLocation,
		UserID: t.ClientID,
		Data: map[string]any{
			"active_trip_id": t.ID,
			"lat":            lat,
			"lng":            lng,
			"distance_km":    res.DistanceKm,
			"eta_minutes":    res.ETAMinutes,
		},
	}}
	if res.StatusChanged {
		notes = append(notes, statusNote(t, t.ClientID))
	}
	s.notify(ctx, notes...)
	if res.StatusChanged && res.NewStatus == models.TripCompleted {
		s.settle(ctx, t)
	}
	return res, nil
}

// UpdateTripStatus moves a trip on behalf of actor.
func (s *Service) UpdateTripStatus(ctx context.Context, actor models.Actor, tripID string, to models.TripStatus, reason string) (trips.Change, error) {
	if !to.Valid() {
		return trips.Change{}, apperr.Validation("unknown status %q", to)
	}
	ch, err := s.Trips.UpdateStatus(ctx, tripID, to, actor, reason)
	if err != nil {
		return trips.Change{}, err
	}
	s.afterChange(ctx, actor, ch)
	return ch, nil
}

// afterChange notifies the participants that did not cause the change and
// settles the credit hold on terminal statuses.
func (s *Service) afterChange(ctx context.Context, actor models.Actor, ch trips.Change) {
	t := ch.Trip
	var notes []dispatch.Notification
	if actor.UserID != t.ClientID {
		notes = append(notes, statusNote(t, t.ClientID))
	}
	if actor.DriverID != t.DriverID {
		if d, err := s.Drivers.Driver(ctx, t.DriverID); err == nil {
			notes = append(notes, statusNote(t, d.UserID))
		}
	}
	s.notify(ctx, notes...)
	s.settle(ctx, t)
}

func statusNote(t *models.ActiveTrip, userID string) dispatch.Notification {
	typ := dispatch.TripStatus
	if t.Status == models.TripCancelled {
		typ = dispatch.TripCancelled
	}
	return dispatch.Notification{
		Type:   typ,
		UserID: userID,
		Title:  "Trip " + string(t.Status),
		Body:   t.CancelReason,
		Data:   map[string]any{"active_trip_id": t.ID, "status": t.Status},
	}
}

// settle captures the hold on completion and releases it on cancellation.
func (s *Service) settle(ctx context.Context, t *models.ActiveTrip) {
	if t.PaymentRef == "" {
		return
	}
	var err error
	switch t.Status {
	case models.TripCompleted:
		err = s.holder().Capture(ctx, t.PaymentRef)
	case models.TripCancelled:
		err = s.holder().Cancel(ctx, t.PaymentRef)
	default:
		return
	}
	if err != nil {
		s.log(ctx).Warn("settle credit hold failed", "active_trip_id", t.ID, "status", t.Status, "err", err)
	}
}

func (s *Service) mirror(ctx context.Context, driverID string, lat, lng float64) {
	if s.Positions == nil {
		return
	}
	if err := s.Positions.UpdatePosition(ctx, driverID, lat, lng); err != nil {
		s.log(ctx).Warn("geo index update failed", "driver_id", driverID, "err", err)
	}
}

// ReportLocation ingests an idle driver ping: it only moves the driver in
// the registry and geo index. Trip pings carry the driver's own identity and
// go through UpdateDriverLocation.
func (s *Service) ReportLocation(ctx context.Context, p models.LocationPing) error {
	if p.TripID != "" {
		return apperr.Validation("trip pings must be sent by the driver to the trip location endpoint")
	}
	if !geo.ValidCoord(p.Lat, p.Lng) {
		return apperr.Validation("invalid coordinates")
	}
	at := p.RecordedAt
	if now := s.now(); at.IsZero() || at.After(now) {
		at = now
	}
	err := s.Drivers.SetDriverLocation(ctx, p.DriverID, models.Coord{Lat: p.Lat, Lng: p.Lng}, at)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("driver")
	}
	if err != nil {
		return apperr.Internal("store driver position", fmt.Errorf("driver %s: %w", p.DriverID, err))
	}
	s.mirror(ctx, p.DriverID, p.Lat, p.Lng)
	return nil
}

// GetTrip returns a trip to one of its participants or an admin.
func (s *Service) GetTrip(ctx context.Context, actor models.Actor, tripID string) (*models.ActiveTrip, error) {
	t, err := s.Trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Type == models.UserAdmin,
		actor.Type == models.UserClient && actor.UserID == t.ClientID,
		actor.Type == models.UserDriver && actor.DriverID == t.DriverID:
		return t, nil
	}
	return nil, apperr.ErrForbidden
}

func (s *Service) RateTrip(ctx context.Context, actor models.Actor, tripID string, rating int, feedback string) error {
	return s.Trips.Rate(ctx, tripID, actor, rating, feedback)
}
