package storage

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/example/tow-matching/internal/models"
)

// MemoryStore keeps every table in maps. Transactions are serialized by a
// single mutex and work on a copy that replaces the live state on commit, so
// a failed transaction leaves no trace.
type MemoryStore struct {
	mu sync.Mutex
	st *memState
}

type memState struct {
	requests map[string]models.TripRequest
	bids     map[string]models.TripBid
	trips    map[string]models.ActiveTrip
	drivers  map[string]models.Driver
	users    map[string]models.User
	settings map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: &memState{
		requests: make(map[string]models.TripRequest),
		bids:     make(map[string]models.TripBid),
		trips:    make(map[string]models.ActiveTrip),
		drivers:  make(map[string]models.Driver),
		users:    make(map[string]models.User),
		settings: make(map[string]string),
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		requests: maps.Clone(s.requests),
		bids:     maps.Clone(s.bids),
		trips:    maps.Clone(s.trips),
		drivers:  maps.Clone(s.drivers),
		users:    maps.Clone(s.users),
		settings: maps.Clone(s.settings),
	}
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.st.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	m.st = work
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Close() error { return nil }

// PutUser seeds a collaborator-owned user row.
func (m *MemoryStore) PutUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.users[u.ID] = u
}

// PutDriver seeds a collaborator-owned driver row.
func (m *MemoryStore) PutDriver(d models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.drivers[d.ID] = d
}

func (m *MemoryStore) PutSetting(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.settings[key] = value
}

type memTx struct{ st *memState }

func (t *memTx) InsertRequest(ctx context.Context, r *models.TripRequest) error {
	if _, ok := t.st.requests[r.ID]; ok {
		return ErrUniqueViolation
	}
	t.st.requests[r.ID] = *r
	return nil
}

func (t *memTx) GetRequest(ctx context.Context, id string, lock bool) (*models.TripRequest, error) {
	r, ok := t.st.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (t *memTx) SetRequestStatus(ctx context.Context, id string, status models.RequestStatus) error {
	r, ok := t.st.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	t.st.requests[id] = r
	return nil
}

func (t *memTx) ExpireRequests(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for id, r := range t.st.requests {
		if r.Status == models.RequestPending && !r.ExpiresAt.After(now) {
			r.Status = models.RequestExpired
			t.st.requests[id] = r
			n++
		}
	}
	return n, nil
}

func (t *memTx) OpenRequests(ctx context.Context, now time.Time) ([]models.RequestSummary, error) {
	var out []models.RequestSummary
	for _, r := range t.st.requests {
		if !r.Open(now) {
			continue
		}
		out = append(out, models.RequestSummary{TripRequest: r, ClientName: t.st.users[r.ClientID].Name})
	}
	return out, nil
}

func (t *memTx) InsertBid(ctx context.Context, b *models.TripBid) error {
	for _, o := range t.st.bids {
		if o.TripRequestID == b.TripRequestID && o.DriverID == b.DriverID && o.Status.Open() {
			return ErrUniqueViolation
		}
	}
	t.st.bids[b.ID] = *b
	return nil
}

func (t *memTx) GetBid(ctx context.Context, id string, lock bool) (*models.TripBid, error) {
	b, ok := t.st.bids[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (t *memTx) HasOpenBid(ctx context.Context, requestID, driverID string) (bool, error) {
	for _, b := range t.st.bids {
		if b.TripRequestID == requestID && b.DriverID == driverID && b.Status.Open() {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CountPendingBids(ctx context.Context, requestID string) (int, error) {
	n := 0
	for _, b := range t.st.bids {
		if b.TripRequestID == requestID && b.Status == models.BidPending {
			n++
		}
	}
	return n, nil
}

func (t *memTx) SetBidStatus(ctx context.Context, id string, status models.BidStatus) error {
	b, ok := t.st.bids[id]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	t.st.bids[id] = b
	return nil
}

func (t *memTx) MoveBids(ctx context.Context, requestID, exceptID string, from, to models.BidStatus) ([]string, error) {
	var drivers []string
	for id, b := range t.st.bids {
		if b.TripRequestID != requestID || id == exceptID || b.Status != from {
			continue
		}
		b.Status = to
		t.st.bids[id] = b
		drivers = append(drivers, b.DriverID)
	}
	sort.Strings(drivers)
	return drivers, nil
}

func (t *memTx) ExpireBids(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for id, b := range t.st.bids {
		if b.Status == models.BidPending && b.IsExpired(now) {
			b.Status = models.BidExpired
			t.st.bids[id] = b
			n++
		}
	}
	return n, nil
}

func (t *memTx) PendingBids(ctx context.Context, requestID string, now time.Time) ([]models.BidView, error) {
	var out []models.BidView
	for _, b := range t.st.bids {
		if b.TripRequestID != requestID || b.Status != models.BidPending || b.IsExpired(now) {
			continue
		}
		d := t.st.drivers[b.DriverID]
		out = append(out, models.BidView{TripBid: b, DriverName: d.Name, DriverPhone: d.Phone, DriverRating: d.Rating})
	}
	return out, nil
}

func (t *memTx) OpenBidRequestIDs(ctx context.Context, driverID string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, b := range t.st.bids {
		if b.DriverID == driverID && b.Status.Open() {
			out[b.TripRequestID] = true
		}
	}
	return out, nil
}

func (t *memTx) InsertTrip(ctx context.Context, tr *models.ActiveTrip) error {
	for _, o := range t.st.trips {
		if o.ID == tr.ID || o.TripRequestID == tr.TripRequestID {
			return ErrUniqueViolation
		}
		if o.DriverID == tr.DriverID && !o.Status.Terminal() {
			return ErrUniqueViolation
		}
	}
	t.st.trips[tr.ID] = *tr
	return nil
}

func (t *memTx) GetTrip(ctx context.Context, id string, lock bool) (*models.ActiveTrip, error) {
	tr, ok := t.st.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &tr, nil
}

func (t *memTx) GetTripByRequest(ctx context.Context, requestID string, lock bool) (*models.ActiveTrip, error) {
	for _, tr := range t.st.trips {
		if tr.TripRequestID == requestID {
			return &tr, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) UpdateTrip(ctx context.Context, tr *models.ActiveTrip) error {
	if _, ok := t.st.trips[tr.ID]; !ok {
		return ErrNotFound
	}
	t.st.trips[tr.ID] = *tr
	return nil
}

func (t *memTx) OpenTripForDriver(ctx context.Context, driverID string) (*models.ActiveTrip, error) {
	for _, tr := range t.st.trips {
		if tr.DriverID == driverID && !tr.Status.Terminal() {
			return &tr, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, ok := t.st.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (t *memTx) ListDrivers(ctx context.Context) ([]models.Driver, error) {
	out := make([]models.Driver, 0, len(t.st.drivers))
	for _, d := range t.st.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) SetDriverBusy(ctx context.Context, id string, busy bool) error {
	d, ok := t.st.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Busy = busy
	t.st.drivers[id] = d
	return nil
}

func (t *memTx) SetDriverLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error {
	d, ok := t.st.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Loc = &models.Coord{Lat: loc.Lat, Lng: loc.Lng}
	d.LocationUpdatedAt = at
	t.st.drivers[id] = d
	return nil
}

func (t *memTx) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (t *memTx) Settings(ctx context.Context) (map[string]string, error) {
	return maps.Clone(t.st.settings), nil
}
