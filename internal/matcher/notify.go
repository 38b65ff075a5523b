package matcher

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/tow-matching/internal/dispatch"
	"github.com/example/tow-matching/internal/observability"
)

const defaultNotifyTimeout = 2 * time.Second

// notify delivers notes concurrently and waits for them, bounded by
// NotifyTimeout. It runs after the state change committed, so the caller's
// cancellation does not cut deliveries short, and failures are only logged.
func (s *Service) notify(ctx context.Context, notes ...dispatch.Notification) {
	if s.Notify == nil || len(notes) == 0 {
		return
	}
	timeout := s.NotifyTimeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	now := s.now()
	var g errgroup.Group
	g.SetLimit(16)
	for _, n := range notes {
		if n.UserID == "" {
			continue
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		g.Go(func() error {
			if err := s.Notify.Notify(nctx, n); err != nil {
				observability.NotificationFailures.WithLabelValues(string(n.Type)).Inc()
				s.log(ctx).Warn("notification failed", "type", n.Type, "user_id", n.UserID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
