package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Keys of the system_settings table read by the matching core.
const (
	KeyRequestTimeoutMinutes = "trip_request_timeout_minutes"
	KeyBidTimeoutMinutes     = "bid_timeout_minutes"
	KeySearchRadiusKm        = "driver_search_radius_km"
	KeyMaxBidsPerRequest     = "max_bids_per_request"
	KeyMinimumTripValue      = "minimum_trip_value"
)

// Settings is the typed snapshot of the matching settings. A snapshot is
// taken once per operation and passed down; it is never re-read mid
// transaction.
type Settings struct {
	RequestTimeout    time.Duration
	BidTimeout        time.Duration
	SearchRadiusKm    float64
	MaxBidsPerRequest int
	MinimumTripValue  float64
}

func DefaultSettings() Settings {
	return Settings{
		RequestTimeout:    30 * time.Minute,
		BidTimeout:        3 * time.Minute,
		SearchRadiusKm:    25,
		MaxBidsPerRequest: 10,
		MinimumTripValue:  25.00,
	}
}

// SettingsFromMap overlays kv on the defaults. Malformed or out of range
// values keep their default and are reported.
func SettingsFromMap(kv map[string]string) (Settings, error) {
	s := DefaultSettings()
	var errs []error

	minutes := func(key string, target *time.Duration) {
		v, ok := kv[key]
		if !ok {
			return
		}
		n, err := parseFloat(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s=%q", key, v))
			return
		}
		*target = time.Duration(n * float64(time.Minute))
	}
	minutes(KeyRequestTimeoutMinutes, &s.RequestTimeout)
	minutes(KeyBidTimeoutMinutes, &s.BidTimeout)

	if v, ok := kv[KeySearchRadiusKm]; ok {
		if f, err := parseFloat(v); err == nil && f > 0 {
			s.SearchRadiusKm = f
		} else {
			errs = append(errs, fmt.Errorf("invalid %s=%q", KeySearchRadiusKm, v))
		}
	}
	if v, ok := kv[KeyMaxBidsPerRequest]; ok {
		if n, err := parseInt(v); err == nil && n > 0 {
			s.MaxBidsPerRequest = n
		} else {
			errs = append(errs, fmt.Errorf("invalid %s=%q", KeyMaxBidsPerRequest, v))
		}
	}
	if v, ok := kv[KeyMinimumTripValue]; ok {
		if f, err := parseFloat(v); err == nil && f >= 0 {
			s.MinimumTripValue = f
		} else {
			errs = append(errs, fmt.Errorf("invalid %s=%q", KeyMinimumTripValue, v))
		}
	}
	return s, errors.Join(errs...)
}

// SettingsProvider holds the current Settings snapshot and refreshes it from
// a loader on an interval.
type SettingsProvider struct {
	load    func(ctx context.Context) (map[string]string, error)
	logger  *slog.Logger
	current atomic.Pointer[Settings]
}

func NewSettingsProvider(load func(ctx context.Context) (map[string]string, error), logger *slog.Logger) *SettingsProvider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &SettingsProvider{load: load, logger: logger}
	d := DefaultSettings()
	p.current.Store(&d)
	return p
}

// StaticSettings returns a provider that always serves s.
func StaticSettings(s Settings) *SettingsProvider {
	p := &SettingsProvider{logger: slog.Default()}
	p.current.Store(&s)
	return p
}

func (p *SettingsProvider) Current() Settings { return *p.current.Load() }

// Refresh reloads the snapshot. On a load error the previous snapshot stays.
func (p *SettingsProvider) Refresh(ctx context.Context) error {
	if p.load == nil {
		return nil
	}
	kv, err := p.load(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	s, err := SettingsFromMap(kv)
	if err != nil {
		p.logger.Warn("system settings contain invalid values, defaults used", "error", err)
	}
	p.current.Store(&s)
	return nil
}

// Run refreshes every interval until ctx is done.
func (p *SettingsProvider) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Error("settings refresh failed", "error", err)
			}
		}
	}
}
