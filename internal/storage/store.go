package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/tow-matching/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrUniqueViolation is returned when an insert hits a unique index, e.g.
	// a second open bid by the same driver on one request.
	ErrUniqueViolation = errors.New("storage: unique violation")
)

// Tx is the set of row operations available inside a transaction. Methods
// taking lock=true take a row lock (SELECT ... FOR UPDATE) held until the
// transaction ends.
type Tx interface {
	InsertRequest(ctx context.Context, r *models.TripRequest) error
	GetRequest(ctx context.Context, id string, lock bool) (*models.TripRequest, error)
	SetRequestStatus(ctx context.Context, id string, status models.RequestStatus) error
	ExpireRequests(ctx context.Context, now time.Time) (int64, error)
	OpenRequests(ctx context.Context, now time.Time) ([]models.RequestSummary, error)

	InsertBid(ctx context.Context, b *models.TripBid) error
	GetBid(ctx context.Context, id string, lock bool) (*models.TripBid, error)
	HasOpenBid(ctx context.Context, requestID, driverID string) (bool, error)
	CountPendingBids(ctx context.Context, requestID string) (int, error)
	SetBidStatus(ctx context.Context, id string, status models.BidStatus) error
	// MoveBids sets every bid of requestID in status from (except exceptID)
	// to status to and returns the affected drivers.
	MoveBids(ctx context.Context, requestID, exceptID string, from, to models.BidStatus) ([]string, error)
	ExpireBids(ctx context.Context, now time.Time) (int64, error)
	PendingBids(ctx context.Context, requestID string, now time.Time) ([]models.BidView, error)
	OpenBidRequestIDs(ctx context.Context, driverID string) (map[string]bool, error)

	InsertTrip(ctx context.Context, t *models.ActiveTrip) error
	GetTrip(ctx context.Context, id string, lock bool) (*models.ActiveTrip, error)
	GetTripByRequest(ctx context.Context, requestID string, lock bool) (*models.ActiveTrip, error)
	UpdateTrip(ctx context.Context, t *models.ActiveTrip) error
	OpenTripForDriver(ctx context.Context, driverID string) (*models.ActiveTrip, error)

	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	ListDrivers(ctx context.Context) ([]models.Driver, error)
	SetDriverBusy(ctx context.Context, id string, busy bool) error
	SetDriverLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error
	GetUser(ctx context.Context, id string) (*models.User, error)

	Settings(ctx context.Context) (map[string]string, error)
}

// Store runs transactions. fn's writes are committed only when it returns
// nil; any error rolls the whole transaction back.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Registry adapts a Store to the driver registry read by the geo index.
type Registry struct{ Store Store }

func (r Registry) Drivers(ctx context.Context) ([]models.Driver, error) {
	var out []models.Driver
	err := r.Store.RunInTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListDrivers(ctx)
		return err
	})
	return out, err
}

func (r Registry) Driver(ctx context.Context, id string) (*models.Driver, error) {
	var out *models.Driver
	err := r.Store.RunInTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.GetDriver(ctx, id)
		return err
	})
	return out, err
}

// SetDriverLocation records the last known position of an idle driver.
func (r Registry) SetDriverLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error {
	return r.Store.RunInTx(ctx, func(tx Tx) error {
		return tx.SetDriverLocation(ctx, id, loc, at)
	})
}

// LoadSettings reads the system_settings key/value table.
func LoadSettings(s Store) func(ctx context.Context) (map[string]string, error) {
	return func(ctx context.Context) (map[string]string, error) {
		var out map[string]string
		err := s.RunInTx(ctx, func(tx Tx) error {
			var err error
			out, err = tx.Settings(ctx)
			return err
		})
		return out, err
	}
}
