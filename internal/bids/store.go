// Package bids owns TripBid rows and the accept transaction.
package bids

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/tow-matching/internal/apperr"
	"github.com/example/tow-matching/internal/models"
	"github.com/example/tow-matching/internal/requests"
	"github.com/example/tow-matching/internal/storage"
)

// TripCreator turns an accepted bid into a trip inside the accept
// transaction.
type TripCreator interface {
	CreateFromBid(ctx context.Context, tx storage.Tx, req *models.TripRequest, bid *models.TripBid) (*models.ActiveTrip, error)
}

// Limits are the settings a new bid is checked against.
type Limits struct {
	BidTimeout time.Duration
	MaxBids    int
}

type Store struct {
	db    storage.Store
	trips TripCreator
	now   func() time.Time
}

func NewStore(db storage.Store, trips TripCreator, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, trips: trips, now: now}
}

// Create inserts a pending bid. The parent request row is locked for the
// duration so the duplicate and cap checks cannot interleave with another
// bid or an accept.
func (s *Store) Create(ctx context.Context, b *models.TripBid, lim Limits) (string, error) {
	if b.BidAmount <= 0 {
		return "", apperr.Validation("bid_amount must be positive")
	}
	now := s.now()
	err := s.db.RunInTx(ctx, func(tx storage.Tx) error {
		req, err := requests.Get(ctx, tx, b.TripRequestID, true)
		if err != nil {
			return err
		}
		if !req.Open(now) {
			return apperr.ErrRequestUnavailable
		}
		dup, err := tx.HasOpenBid(ctx, req.ID, b.DriverID)
		if err != nil {
			return apperr.Internal("check open bid", err)
		}
		if dup {
			return apperr.ErrDuplicateBid
		}
		if lim.MaxBids > 0 {
			n, err := tx.CountPendingBids(ctx, req.ID)
			if err != nil {
				return apperr.Internal("count bids", err)
			}
			if n >= lim.MaxBids {
				return apperr.ErrBidCapExceeded
			}
		}

		b.ID = uuid.NewString()
		b.Status = models.BidPending
		b.CreatedAt = now
		b.ExpiresAt = now.Add(lim.BidTimeout)
		// a bid never outlives the request it was placed on
		if b.ExpiresAt.After(req.ExpiresAt) {
			b.ExpiresAt = req.ExpiresAt
		}
		if err := tx.InsertBid(ctx, b); err != nil {
			if errors.Is(err, storage.ErrUniqueViolation) {
				return apperr.ErrDuplicateBid
			}
			return apperr.Internal("insert bid", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.TripBid, error) {
	var b *models.TripBid
	err := s.db.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		b, err = get(ctx, tx, id, false)
		return err
	})
	return b, err
}

func get(ctx context.Context, tx storage.Tx, id string, lock bool) (*models.TripBid, error) {
	b, err := tx.GetBid(ctx, id, lock)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("bid")
	}
	if err != nil {
		return nil, apperr.Internal("load bid", err)
	}
	return b, nil
}

// ForRequest lists the pending, unexpired bids on a request, cheapest first
// and oldest first among equal amounts.
func (s *Store) ForRequest(ctx context.Context, requestID string) ([]models.BidView, error) {
	now := s.now()
	var out []models.BidView
	err := s.db.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.PendingBids(ctx, requestID, now)
		return err
	})
	if err != nil {
		return nil, apperr.Internal("list bids", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BidAmount != out[j].BidAmount {
			return out[i].BidAmount < out[j].BidAmount
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AcceptResult is everything the caller needs to notify the participants.
type AcceptResult struct {
	Trip              *models.ActiveTrip
	Bid               *models.TripBid
	Request           *models.TripRequest
	RejectedDriverIDs []string
}

// Accept resolves the auction on the bid's request. Every check is
// repeated under the request lock, so a bid that expired after the client
// listed it is refused.
func (s *Store) Accept(ctx context.Context, bidID string) (AcceptResult, error) {
	var res AcceptResult
	err := s.db.RunInTx(ctx, func(tx storage.Tx) error {
		peek, err := get(ctx, tx, bidID, false)
		if err != nil {
			return err
		}
		req, err := requests.Get(ctx, tx, peek.TripRequestID, true)
		if err != nil {
			return err
		}
		bid, err := get(ctx, tx, bidID, true)
		if err != nil {
			return err
		}
		now := s.now()

		switch {
		case bid.Status == models.BidAccepted:
			return apperr.ErrBidAlreadyAccepted
		case bid.Status == models.BidExpired, bid.Status == models.BidPending && bid.IsExpired(now):
			return apperr.ErrBidExpired
		case !req.Open(now):
			return apperr.ErrRequestNoLongerValid
		case bid.Status != models.BidPending:
			return apperr.ErrBidNoLongerValid
		}

		if err := tx.SetBidStatus(ctx, bid.ID, models.BidAccepted); err != nil {
			return apperr.Internal("accept bid", err)
		}
		bid.Status = models.BidAccepted
		rejected, err := tx.MoveBids(ctx, req.ID, bid.ID, models.BidPending, models.BidRejected)
		if err != nil {
			return apperr.Internal("reject sibling bids", err)
		}
		if err := tx.SetRequestStatus(ctx, req.ID, models.RequestActive); err != nil {
			return apperr.Internal("activate request", err)
		}
		req.Status = models.RequestActive

		trip, err := s.trips.CreateFromBid(ctx, tx, req, bid)
		if err != nil {
			return err
		}
		res = AcceptResult{Trip: trip, Bid: bid, Request: req, RejectedDriverIDs: rejected}
		return nil
	})
	if err != nil {
		return AcceptResult{}, err
	}
	return res, nil
}

// CancelOpen cancels the pending bids of a request inside tx and returns
// the drivers that held them.
func CancelOpen(ctx context.Context, tx storage.Tx, requestID string) ([]string, error) {
	drivers, err := tx.MoveBids(ctx, requestID, "", models.BidPending, models.BidCancelled)
	if err != nil {
		return nil, apperr.Internal("cancel bids", err)
	}
	return drivers, nil
}

// OpenRequestIDs returns the requests the driver currently holds an open
// bid on.
func (s *Store) OpenRequestIDs(ctx context.Context, driverID string) (map[string]bool, error) {
	var out map[string]bool
	err := s.db.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.OpenBidRequestIDs(ctx, driverID)
		return err
	})
	if err != nil {
		return nil, apperr.Internal("list driver bids", err)
	}
	return out, nil
}

// ExpireStale moves every pending bid past its expiry to expired.
func (s *Store) ExpireStale(ctx context.Context) (int64, error) {
	now := s.now()
	var n int64
	err := s.db.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		n, err = tx.ExpireBids(ctx, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("bids.ExpireStale: %w", err)
	}
	return n, nil
}
