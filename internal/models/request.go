package models

import "time"

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestActive    RequestStatus = "active"
	RequestCancelled RequestStatus = "cancelled"
	RequestExpired   RequestStatus = "expired"
	RequestCompleted RequestStatus = "completed"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestCancelled || s == RequestExpired || s == RequestCompleted
}

// TripRequest is a client's open call for service.
type TripRequest struct {
	ID                       string        `json:"id"`
	ClientID                 string        `json:"client_id"`
	ServiceType              ServiceType   `json:"service_type"`
	Origin                   Point         `json:"origin"`
	Destination              Point         `json:"destination"`
	ClientOffer              float64       `json:"client_offer"`
	DistanceKm               float64       `json:"distance_km"`
	EstimatedDurationMinutes int           `json:"estimated_duration_minutes"`
	Status                   RequestStatus `json:"status"`
	CreatedAt                time.Time     `json:"created_at"`
	ExpiresAt                time.Time     `json:"expires_at"`
}

// Open reports whether the request still accepts bids at now.
func (r *TripRequest) Open(now time.Time) bool {
	return r.Status == RequestPending && r.ExpiresAt.After(now)
}

// RequestSummary is what a driver sees when browsing nearby requests.
type RequestSummary struct {
	TripRequest
	ClientName           string  `json:"client_name"`
	DistanceKm           float64 `json:"distance_from_driver_km"`
	HasBid               bool    `json:"has_bid"`
	TimeRemainingSeconds int     `json:"time_remaining_seconds"`
}
