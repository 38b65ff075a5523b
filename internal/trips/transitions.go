package trips

import (
	"github.com/example/tow-matching/internal/apperr"
	"github.com/example/tow-matching/internal/models"
)

// forward is the happy path of the trip graph.
var forward = map[models.TripStatus]models.TripStatus{
	models.TripConfirmed:     models.TripDriverEnRoute,
	models.TripDriverEnRoute: models.TripDriverArrived,
	models.TripDriverArrived: models.TripInProgress,
	models.TripInProgress:    models.TripCompleted,
}

// CanTransition reports whether the graph allows from -> to. Any
// non-terminal status may be cancelled; terminal statuses never change.
func CanTransition(from, to models.TripStatus) bool {
	if from.Terminal() || !from.Valid() || !to.Valid() || from == to {
		return false
	}
	if to == models.TripCancelled {
		return true
	}
	return forward[from] == to
}

// Authorize checks that actor may move trip to status to.
func Authorize(actor models.Actor, trip *models.ActiveTrip, to models.TripStatus) error {
	switch actor.Type {
	case models.UserAdmin:
		if trip.Status.Terminal() || !to.Valid() || trip.Status == to {
			return apperr.InvalidTransition(string(trip.Status), string(to))
		}
		return nil
	case models.UserClient:
		if actor.UserID != trip.ClientID {
			return apperr.ErrForbidden
		}
		if to != models.TripCancelled {
			return apperr.ErrForbidden
		}
	case models.UserDriver:
		if actor.DriverID == "" || actor.DriverID != trip.DriverID {
			return apperr.ErrForbidden
		}
	case models.UserSystem:
	default:
		return apperr.ErrForbidden
	}
	if !CanTransition(trip.Status, to) {
		return apperr.InvalidTransition(string(trip.Status), string(to))
	}
	return nil
}
