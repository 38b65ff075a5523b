package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/tow-matching/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded migrations in file name order. Every
// statement is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

// translate maps driver errors onto the storage sentinels.
func translate(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrUniqueViolation, pqErr.Constraint)
	}
	return err
}

func forUpdate(lock bool) string {
	if lock {
		return " FOR UPDATE"
	}
	return ""
}

type pgTx struct{ tx *sql.Tx }

const requestColumns = `id, client_id, service_type, origin_lat, origin_lng, origin_address,
	destination_lat, destination_lng, destination_address, client_offer, distance_km,
	estimated_duration_minutes, status, created_at, expires_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner, extra ...any) (*models.TripRequest, error) {
	var r models.TripRequest
	dest := []any{
		&r.ID, &r.ClientID, &r.ServiceType,
		&r.Origin.Lat, &r.Origin.Lng, &r.Origin.Address,
		&r.Destination.Lat, &r.Destination.Lng, &r.Destination.Address,
		&r.ClientOffer, &r.DistanceKm, &r.EstimatedDurationMinutes,
		&r.Status, &r.CreatedAt, &r.ExpiresAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) InsertRequest(ctx context.Context, r *models.TripRequest) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO trip_requests (`+requestColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.ClientID, r.ServiceType,
		r.Origin.Lat, r.Origin.Lng, r.Origin.Address,
		r.Destination.Lat, r.Destination.Lng, r.Destination.Address,
		r.ClientOffer, r.DistanceKm, r.EstimatedDurationMinutes,
		r.Status, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("storage.InsertRequest: %w", translate(err))
	}
	return nil
}

func (t *pgTx) GetRequest(ctx context.Context, id string, lock bool) (*models.TripRequest, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM trip_requests WHERE id = $1`+forUpdate(lock), id)
	r, err := scanRequest(row)
	if err != nil {
		return nil, fmt.Errorf("storage.GetRequest: %w", translate(err))
	}
	return r, nil
}

func (t *pgTx) SetRequestStatus(ctx context.Context, id string, status models.RequestStatus) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE trip_requests SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("storage.SetRequestStatus: %w", translate(err))
	}
	return mustAffect(res, "storage.SetRequestStatus")
}

// The sweeps lock due rows in id order and skip rows a concurrent accept or
// cancel already holds; those are picked up by the next sweep.
const (
	expireRequestsSQL = `WITH due AS (
		SELECT id FROM trip_requests
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY id FOR UPDATE SKIP LOCKED)
	UPDATE trip_requests r SET status = 'expired' FROM due WHERE r.id = due.id`

	expireBidsSQL = `WITH due AS (
		SELECT id FROM trip_bids
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY id FOR UPDATE SKIP LOCKED)
	UPDATE trip_bids b SET status = 'expired' FROM due WHERE b.id = due.id`
)

func (t *pgTx) ExpireRequests(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, expireRequestsSQL, now)
	if err != nil {
		return 0, fmt.Errorf("storage.ExpireRequests: %w", err)
	}
	return res.RowsAffected()
}

func (t *pgTx) OpenRequests(ctx context.Context, now time.Time) ([]models.RequestSummary, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+prefixed("r.", requestColumns)+`, u.name
		FROM trip_requests r JOIN users u ON u.id = r.client_id
		WHERE r.status = 'pending' AND r.expires_at > $1`, now)
	if err != nil {
		return nil, fmt.Errorf("storage.OpenRequests: %w", err)
	}
	defer rows.Close()
	var out []models.RequestSummary
	for rows.Next() {
		var name string
		r, err := scanRequest(rows, &name)
		if err != nil {
			return nil, fmt.Errorf("storage.OpenRequests.Scan: %w", err)
		}
		out = append(out, models.RequestSummary{TripRequest: *r, ClientName: name})
	}
	return out, rows.Err()
}

const bidColumns = `id, trip_request_id, driver_id, bid_amount, estimated_arrival_minutes, message, status, created_at, expires_at`

func scanBid(row scanner, extra ...any) (*models.TripBid, error) {
	var b models.TripBid
	dest := []any{&b.ID, &b.TripRequestID, &b.DriverID, &b.BidAmount, &b.EstimatedArrivalMinutes,
		&b.Message, &b.Status, &b.CreatedAt, &b.ExpiresAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *pgTx) InsertBid(ctx context.Context, b *models.TripBid) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO trip_bids (`+bidColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.TripRequestID, b.DriverID, b.BidAmount, b.EstimatedArrivalMinutes, b.Message, b.Status, b.CreatedAt, b.ExpiresAt)
	if err != nil {
		return fmt.Errorf("storage.InsertBid: %w", translate(err))
	}
	return nil
}

func (t *pgTx) GetBid(ctx context.Context, id string, lock bool) (*models.TripBid, error) {
	b, err := scanBid(t.tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM trip_bids WHERE id = $1`+forUpdate(lock), id))
	if err != nil {
		return nil, fmt.Errorf("storage.GetBid: %w", translate(err))
	}
	return b, nil
}

func (t *pgTx) HasOpenBid(ctx context.Context, requestID, driverID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM trip_bids
		WHERE trip_request_id = $1 AND driver_id = $2 AND status IN ('pending','accepted'))`,
		requestID, driverID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage.HasOpenBid: %w", err)
	}
	return exists, nil
}

func (t *pgTx) CountPendingBids(ctx context.Context, requestID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM trip_bids WHERE trip_request_id = $1 AND status = 'pending'`,
		requestID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage.CountPendingBids: %w", err)
	}
	return n, nil
}

func (t *pgTx) SetBidStatus(ctx context.Context, id string, status models.BidStatus) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE trip_bids SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("storage.SetBidStatus: %w", translate(err))
	}
	return mustAffect(res, "storage.SetBidStatus")
}

func (t *pgTx) MoveBids(ctx context.Context, requestID, exceptID string, from, to models.BidStatus) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `UPDATE trip_bids SET status = $1
		WHERE trip_request_id = $2 AND id <> $3 AND status = $4
		RETURNING driver_id`, to, requestID, exceptID, from)
	if err != nil {
		return nil, fmt.Errorf("storage.MoveBids: %w", err)
	}
	defer rows.Close()
	var drivers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage.MoveBids.Scan: %w", err)
		}
		drivers = append(drivers, id)
	}
	sort.Strings(drivers)
	return drivers, rows.Err()
}

func (t *pgTx) ExpireBids(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, expireBidsSQL, now)
	if err != nil {
		return 0, fmt.Errorf("storage.ExpireBids: %w", err)
	}
	return res.RowsAffected()
}

func (t *pgTx) PendingBids(ctx context.Context, requestID string, now time.Time) ([]models.BidView, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+prefixed("b.", bidColumns)+`, u.name, u.phone, d.rating
		FROM trip_bids b
		JOIN drivers d ON d.id = b.driver_id
		JOIN users u ON u.id = d.user_id
		WHERE b.trip_request_id = $1 AND b.status = 'pending' AND b.expires_at > $2`, requestID, now)
	if err != nil {
		return nil, fmt.Errorf("storage.PendingBids: %w", err)
	}
	defer rows.Close()
	var out []models.BidView
	for rows.Next() {
		var v models.BidView
		b, err := scanBid(rows, &v.DriverName, &v.DriverPhone, &v.DriverRating)
		if err != nil {
			return nil, fmt.Errorf("storage.PendingBids.Scan: %w", err)
		}
		v.TripBid = *b
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *pgTx) OpenBidRequestIDs(ctx context.Context, driverID string) (map[string]bool, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT trip_request_id FROM trip_bids
		WHERE driver_id = $1 AND status IN ('pending','accepted')`, driverID)
	if err != nil {
		return nil, fmt.Errorf("storage.OpenBidRequestIDs: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage.OpenBidRequestIDs.Scan: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

const tripColumns = `id, trip_request_id, bid_id, driver_id, client_id, final_price, service_type,
	origin_lat, origin_lng, origin_address, destination_lat, destination_lng, destination_address,
	status, driver_current_lat, driver_current_lng, driver_last_update,
	client_rating, client_feedback, driver_rating, driver_feedback,
	cancel_reason, cancelled_by, payment_ref, created_at, started_at, completed_at`

func scanTrip(row scanner) (*models.ActiveTrip, error) {
	var (
		t                  models.ActiveTrip
		lat, lng           sql.NullFloat64
		lastUpdate         sql.NullTime
		started, completed sql.NullTime
	)
	err := row.Scan(&t.ID, &t.TripRequestID, &t.BidID, &t.DriverID, &t.ClientID, &t.FinalPrice, &t.ServiceType,
		&t.Origin.Lat, &t.Origin.Lng, &t.Origin.Address,
		&t.Destination.Lat, &t.Destination.Lng, &t.Destination.Address,
		&t.Status, &lat, &lng, &lastUpdate,
		&t.ClientRating, &t.ClientFeedback, &t.DriverRating, &t.DriverFeedback,
		&t.CancelReason, &t.CancelledBy, &t.PaymentRef, &t.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		t.DriverLoc = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
	}
	t.DriverLastUpdate = timePtr(lastUpdate)
	t.StartedAt = timePtr(started)
	t.CompletedAt = timePtr(completed)
	return &t, nil
}

func (t *pgTx) InsertTrip(ctx context.Context, tr *models.ActiveTrip) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO active_trips (id, trip_request_id, bid_id, driver_id, client_id,
		final_price, service_type, origin_lat, origin_lng, origin_address,
		destination_lat, destination_lng, destination_address, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		tr.ID, tr.TripRequestID, tr.BidID, tr.DriverID, tr.ClientID,
		tr.FinalPrice, tr.ServiceType, tr.Origin.Lat, tr.Origin.Lng, tr.Origin.Address,
		tr.Destination.Lat, tr.Destination.Lng, tr.Destination.Address, tr.Status, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage.InsertTrip: %w", translate(err))
	}
	return nil
}

func (t *pgTx) GetTrip(ctx context.Context, id string, lock bool) (*models.ActiveTrip, error) {
	tr, err := scanTrip(t.tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM active_trips WHERE id = $1`+forUpdate(lock), id))
	if err != nil {
		return nil, fmt.Errorf("storage.GetTrip: %w", translate(err))
	}
	return tr, nil
}

func (t *pgTx) GetTripByRequest(ctx context.Context, requestID string, lock bool) (*models.ActiveTrip, error) {
	tr, err := scanTrip(t.tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM active_trips WHERE trip_request_id = $1`+forUpdate(lock), requestID))
	if err != nil {
		return nil, fmt.Errorf("storage.GetTripByRequest: %w", translate(err))
	}
	return tr, nil
}

// UpdateTrip writes the mutable columns. final_price and the route are
// never rewritten.
func (t *pgTx) UpdateTrip(ctx context.Context, tr *models.ActiveTrip) error {
	var lat, lng sql.NullFloat64
	if tr.DriverLoc != nil {
		lat = sql.NullFloat64{Float64: tr.DriverLoc.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: tr.DriverLoc.Lng, Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE active_trips SET
		status = $1, driver_current_lat = $2, driver_current_lng = $3, driver_last_update = $4,
		client_rating = $5, client_feedback = $6, driver_rating = $7, driver_feedback = $8,
		cancel_reason = $9, cancelled_by = $10, payment_ref = $11, started_at = $12, completed_at = $13
		WHERE id = $14`,
		tr.Status, lat, lng, nullTime(tr.DriverLastUpdate),
		tr.ClientRating, tr.ClientFeedback, tr.DriverRating, tr.DriverFeedback,
		tr.CancelReason, tr.CancelledBy, tr.PaymentRef, nullTime(tr.StartedAt), nullTime(tr.CompletedAt),
		tr.ID)
	if err != nil {
		return fmt.Errorf("storage.UpdateTrip: %w", translate(err))
	}
	return mustAffect(res, "storage.UpdateTrip")
}

func (t *pgTx) OpenTripForDriver(ctx context.Context, driverID string) (*models.ActiveTrip, error) {
	tr, err := scanTrip(t.tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM active_trips
		WHERE driver_id = $1 AND status NOT IN ('completed','cancelled')`, driverID))
	if err != nil {
		return nil, fmt.Errorf("storage.OpenTripForDriver: %w", translate(err))
	}
	return tr, nil
}

const driverSelect = `SELECT d.id, d.user_id, u.name, u.phone, d.specialty, d.approval_status, u.status,
	d.current_lat, d.current_lng, d.location_updated_at, d.is_busy, d.rating
	FROM drivers d JOIN users u ON u.id = d.user_id`

func scanDriver(row scanner) (*models.Driver, error) {
	var (
		d        models.Driver
		lat, lng sql.NullFloat64
		at       sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.Phone, &d.Specialty, &d.ApprovalStatus, &d.UserStatus,
		&lat, &lng, &at, &d.Busy, &d.Rating); err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		d.Loc = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
	}
	if at.Valid {
		d.LocationUpdatedAt = at.Time
	}
	return &d, nil
}

func (t *pgTx) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := scanDriver(t.tx.QueryRowContext(ctx, driverSelect+` WHERE d.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("storage.GetDriver: %w", translate(err))
	}
	return d, nil
}

func (t *pgTx) ListDrivers(ctx context.Context) ([]models.Driver, error) {
	rows, err := t.tx.QueryContext(ctx, driverSelect+` ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("storage.ListDrivers: %w", err)
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListDrivers.Scan: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (t *pgTx) SetDriverBusy(ctx context.Context, id string, busy bool) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE drivers SET is_busy = $1 WHERE id = $2`, busy, id)
	if err != nil {
		return fmt.Errorf("storage.SetDriverBusy: %w", err)
	}
	return mustAffect(res, "storage.SetDriverBusy")
}

func (t *pgTx) SetDriverLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE drivers SET current_lat = $1, current_lng = $2, location_updated_at = $3
		WHERE id = $4`, loc.Lat, loc.Lng, at, id)
	if err != nil {
		return fmt.Errorf("storage.SetDriverLocation: %w", err)
	}
	return mustAffect(res, "storage.SetDriverLocation")
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := t.tx.QueryRowContext(ctx, `SELECT id, name, phone, user_type, status FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Phone, &u.Type, &u.Status)
	if err != nil {
		return nil, fmt.Errorf("storage.GetUser: %w", translate(err))
	}
	return &u, nil
}

func (t *pgTx) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT key, value FROM system_settings`)
	if err != nil {
		return nil, fmt.Errorf("storage.Settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("storage.Settings.Scan: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// prefixed qualifies every column in cols with the table alias p.
func prefixed(p, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = p + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func mustAffect(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
