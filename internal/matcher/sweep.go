package matcher

import (
	"context"
	"errors"
	"time"

	"github.com/example/tow-matching/internal/observability"
)

// Sweep expires stale requests and bids. Both updates are idempotent.
func (s *Service) Sweep(ctx context.Context) (requestsExpired, bidsExpired int64, err error) {
	start := time.Now()
	defer func() { observability.SweepDuration.Observe(time.Since(start).Seconds()) }()

	requestsExpired, rerr := s.Requests.ExpireStale(ctx)
	bidsExpired, berr := s.Bids.ExpireStale(ctx)
	observability.Expired.WithLabelValues("trip_request").Add(float64(requestsExpired))
	observability.Expired.WithLabelValues("trip_bid").Add(float64(bidsExpired))
	return requestsExpired, bidsExpired, errors.Join(rerr, berr)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r, b, err := s.Sweep(ctx)
			if err != nil {
				s.log(ctx).Error("sweep failed", "err", err)
				continue
			}
			if r > 0 || b > 0 {
				s.log(ctx).Info("sweep expired rows", "requests", r, "bids", b)
			}
		}
	}
}
