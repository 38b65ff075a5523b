// Package requests owns TripRequest rows.
package requests

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/tow-matching/internal/apperr"
	"github.com/example/tow-matching/internal/geo"
	"github.com/example/tow-matching/internal/models"
	"github.com/example/tow-matching/internal/storage"
)

type Store struct {
	db  storage.Store
	now func() time.Time
}

func NewStore(db storage.Store, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// Create persists r as pending with expires_at = now + timeout and returns
// its id. The minimum offer is the caller's concern.
func (s *Store) Create(ctx context.Context, r *models.TripRequest, timeout time.Duration) (string, error) {
	if r.ClientOffer <= 0 {
		return "", apperr.Validation("client_offer must be positive")
	}
	now := s.now()
	r.ID = uuid.NewString()
	r.Status = models.RequestPending
	r.CreatedAt = now
	r.ExpiresAt = now.Add(timeout)
	err := s.db.RunInTx(ctx, func(tx storage.Tx) error {
		return tx.InsertRequest(ctx, r)
	})
	if err != nil {
		return "", apperr.Internal("create request", err)
	}
	return r.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.TripRequest, error) {
	var r *models.TripRequest
	err := s.db.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		r, err = Get(ctx, tx, id, false)
		return err
	})
	return r, err
}

// Get reads a request inside an open transaction, mapping a missing row to
// apperr NotFound.
func Get(ctx context.Context, tx storage.Tx, id string, lock bool) (*models.TripRequest, error) {
	r, err := tx.GetRequest(ctx, id, lock)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("trip request")
	}
	if err != nil {
		return nil, apperr.Internal("load request", err)
	}
	return r, nil
}

// NearbyPending lists open requests within radiusKm of (lat, lng), nearest
// first and newest first among equal distances.
func (s *Store) NearbyPending(ctx context.Context, lat, lng, radiusKm float64) ([]models.RequestSummary, error) {
	now := s.now()
	var open []models.RequestSummary
	err := s.db.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		open, err = tx.OpenRequests(ctx, now)
		return err
	})
	if err != nil {
		return nil, apperr.Internal("list open requests", err)
	}
	out := make([]models.RequestSummary, 0, len(open))
	for _, r := range open {
		d := geo.Haversine(lat, lng, r.Origin.Lat, r.Origin.Lng)
		if d > radiusKm {
			continue
		}
		r.DistanceKm = math.Round(d*100) / 100
		r.TimeRemainingSeconds = int(r.ExpiresAt.Sub(now).Seconds())
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateStatus is an unconditional single-row update; transition rules are
// checked by the caller.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.RequestStatus) error {
	err := s.db.RunInTx(ctx, func(tx storage.Tx) error {
		return tx.SetRequestStatus(ctx, id, status)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("trip request")
	}
	if err != nil {
		return apperr.Internal("update request status", err)
	}
	return nil
}

// ExpireStale moves every pending request past its expiry to expired.
func (s *Store) ExpireStale(ctx context.Context) (int64, error) {
	now := s.now()
	var n int64
	err := s.db.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		n, err = tx.ExpireRequests(ctx, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("requests.ExpireStale: %w", err)
	}
	return n, nil
}
