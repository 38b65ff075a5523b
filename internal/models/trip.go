package models

import "time"

type TripStatus string

const (
	TripConfirmed     TripStatus = "confirmed"
	TripDriverEnRoute TripStatus = "driver_en_route"
	TripDriverArrived TripStatus = "driver_arrived"
	TripInProgress    TripStatus = "in_progress"
	TripCompleted     TripStatus = "completed"
	TripCancelled     TripStatus = "cancelled"
)

// TripStatuses lists every trip status in lifecycle order.
var TripStatuses = []TripStatus{
	TripConfirmed, TripDriverEnRoute, TripDriverArrived, TripInProgress, TripCompleted, TripCancelled,
}

func (s TripStatus) Valid() bool {
	for _, v := range TripStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s TripStatus) Terminal() bool { return s == TripCompleted || s == TripCancelled }

// ActiveTrip is the engagement created once a bid is accepted.
type ActiveTrip struct {
	ID               string      `json:"id"`
	TripRequestID    string      `json:"trip_request_id"`
	BidID            string      `json:"bid_id"`
	DriverID         string      `json:"driver_id"`
	ClientID         string      `json:"client_id"`
	FinalPrice       float64     `json:"final_price"`
	ServiceType      ServiceType `json:"service_type"`
	Origin           Point       `json:"origin"`
	Destination      Point       `json:"destination"`
	Status           TripStatus  `json:"status"`
	DriverLoc        *Coord      `json:"driver_current_location,omitempty"`
	DriverLastUpdate *time.Time  `json:"driver_last_update,omitempty"`
	ClientRating     int         `json:"client_rating,omitempty"` // given by the client to the driver
	ClientFeedback   string      `json:"client_feedback,omitempty"`
	DriverRating     int         `json:"driver_rating,omitempty"` // given by the driver to the client
	DriverFeedback   string      `json:"driver_feedback,omitempty"`
	CancelReason     string      `json:"cancel_reason,omitempty"`
	CancelledBy      string      `json:"cancelled_by,omitempty"`
	PaymentRef       string      `json:"-"`
	CreatedAt        time.Time   `json:"created_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
}
