// Package payments places a credit hold for the agreed trip price.
package payments

import (
	"context"
	"fmt"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/tow-matching/internal/models"
)

// Holder reserves the final price when a bid is accepted, captures it when
// the trip completes and releases it on cancellation.
type Holder interface {
	Hold(ctx context.Context, trip *models.ActiveTrip) (string, error)
	Capture(ctx context.Context, ref string) error
	Cancel(ctx context.Context, ref string) error
}

// StripeClient uses manual-capture PaymentIntents as the hold.
type StripeClient struct {
	currency string
}

func NewStripeClient(key, currency string) *StripeClient {
	stripe.Key = key
	return &StripeClient{currency: currency}
}

// Cents converts a price to the smallest currency unit.
func Cents(price float64) int64 { return int64(math.Round(price * 100)) }

func (s *StripeClient) Hold(ctx context.Context, trip *models.ActiveTrip) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(Cents(trip.FinalPrice)),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("trip_id", trip.ID)
	params.AddMetadata("client_id", trip.ClientID)
	params.AddMetadata("driver_id", trip.DriverID)
	params.SetIdempotencyKey("hold-" + trip.ID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", fmt.Errorf("payments.Hold: %w", err)
	}
	return pi.ID, nil
}

func (s *StripeClient) Capture(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if _, err := paymentintent.Capture(ref, params); err != nil {
		return fmt.Errorf("payments.Capture: %w", err)
	}
	return nil
}

func (s *StripeClient) Cancel(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := paymentintent.Cancel(ref, params); err != nil {
		return fmt.Errorf("payments.Cancel: %w", err)
	}
	return nil
}

// NoHold is used when no payment provider is configured.
type NoHold struct{}

func (NoHold) Hold(context.Context, *models.ActiveTrip) (string, error) { return "", nil }
func (NoHold) Capture(context.Context, string) error                    { return nil }
func (NoHold) Cancel(context.Context, string) error                     { return nil }
