package models

import "time"

type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidAccepted  BidStatus = "accepted"
	BidRejected  BidStatus = "rejected"
	BidCancelled BidStatus = "cancelled"
	BidExpired   BidStatus = "expired"
)

// Open reports whether the bid still counts against the one-bid-per-driver rule.
func (s BidStatus) Open() bool { return s == BidPending || s == BidAccepted }

type TripBid struct {
	ID                      string    `json:"id"`
	TripRequestID           string    `json:"trip_request_id"`
	DriverID                string    `json:"driver_id"`
	BidAmount               float64   `json:"bid_amount"`
	EstimatedArrivalMinutes int       `json:"estimated_arrival_minutes"`
	Message                 string    `json:"message,omitempty"`
	Status                  BidStatus `json:"status"`
	CreatedAt               time.Time `json:"created_at"`
	ExpiresAt               time.Time `json:"expires_at"`
}

func (b *TripBid) IsExpired(now time.Time) bool {
	return !b.ExpiresAt.After(now)
}

// BidView is a pending bid joined with the bidding driver's display info.
type BidView struct {
	TripBid
	DriverName   string  `json:"driver_name"`
	DriverPhone  string  `json:"driver_phone"`
	DriverRating float64 `json:"driver_rating"`
}
