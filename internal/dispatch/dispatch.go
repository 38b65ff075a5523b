// Package dispatch delivers notifications to clients and drivers.
package dispatch

import (
	"context"
	"errors"
	"time"
)

type Type string

const (
	NewRequest       Type = "new_request"
	NewBid           Type = "new_bid"
	BidAccepted      Type = "bid_accepted"
	TripConfirmed    Type = "trip_confirmed"
	BidRejected      Type = "bid_rejected"
	TripStatus       Type = "trip_status"
	DriverLocation   Type = "driver_location"
	RequestCancelled Type = "request_cancelled"
	TripCancelled    Type = "trip_cancelled"
)

// Notification is addressed to one user.
type Notification struct {
	Type      Type           `json:"type"`
	UserID    string         `json:"user_id"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Fanout delivers to every sink. A notification counts as delivered when at
// least one sink accepted it.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(f) {
		return errors.Join(errs...)
	}
	return nil
}

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(context.Context, Notification) error { return nil })
