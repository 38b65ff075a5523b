// Package matcher coordinates requests, bids and trips: it validates
// callers, runs the store operations and notifies the other side.
package matcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/tow-matching/internal/apperr"
	"github.com/example/tow-matching/internal/bids"
	"github.com/example/tow-matching/internal/config"
	"github.com/example/tow-matching/internal/dispatch"
	"github.com/example/tow-matching/internal/eta"
	"github.com/example/tow-matching/internal/geo"
	"github.com/example/tow-matching/internal/logging"
	"github.com/example/tow-matching/internal/models"
	"github.com/example/tow-matching/internal/observability"
	"github.com/example/tow-matching/internal/payments"
	"github.com/example/tow-matching/internal/requests"
	"github.com/example/tow-matching/internal/storage"
	"github.com/example/tow-matching/internal/trips"
)

// Drivers is the driver registry as seen by the service.
type Drivers interface {
	Driver(ctx context.Context, id string) (*models.Driver, error)
	SetDriverLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error
}

// PositionUpdater mirrors driver positions into an external geo index.
type PositionUpdater interface {
	UpdatePosition(ctx context.Context, driverID string, lat, lng float64) error
}

type Service struct {
	DB        storage.Store
	Requests  *requests.Store
	Bids      *bids.Store
	Trips     *trips.Lifecycle
	Drivers   Drivers
	Geo       geo.Finder
	Positions PositionUpdater // optional
	Notify    dispatch.Notifier
	Payments  payments.Holder
	Settings  *config.SettingsProvider
	ETA       eta.Estimator
	Logger    *slog.Logger

	NotifyTimeout time.Duration
	Now           func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) settings() config.Settings {
	if s.Settings == nil {
		return config.DefaultSettings()
	}
	return s.Settings.Current()
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	fallback := s.Logger
	if fallback == nil {
		fallback = slog.Default()
	}
	return logging.FromContext(ctx, fallback)
}

func (s *Service) estimator() eta.Estimator {
	if s.ETA == nil {
		return eta.StraightLine{}
	}
	return s.ETA
}

func (s *Service) holder() payments.Holder {
	if s.Payments == nil {
		return payments.NoHold{}
	}
	return s.Payments
}

// NewRequest is the client input for CreateRequest.
type NewRequest struct {
	ServiceType models.ServiceType `json:"service_type" validate:"required"`
	Origin      models.Point       `json:"origin"`
	Destination models.Point       `json:"destination"`
	ClientOffer float64            `json:"client_offer" validate:"gt=0"`
}

type CreatedRequest struct {
	TripRequestID            string    `json:"trip_request_id"`
	DistanceKm               float64   `json:"distance_km"`
	EstimatedDurationMinutes int       `json:"estimated_duration_minutes"`
	NearbyDriversCount       int       `json:"nearby_drivers_count"`
	ExpiresAt                time.Time `json:"expires_at"`
}

// CreateRequest opens an auction and tells every eligible driver nearby.
func (s *Service) CreateRequest(ctx context.Context, clientID string, in NewRequest) (CreatedRequest, error) {
	set := s.settings()
	if !in.ServiceType.Valid() {
		return CreatedRequest{}, apperr.Validation("unknown service type %q", in.ServiceType)
	}
	if !geo.ValidCoord(in.Origin.Lat, in.Origin.Lng) || !geo.ValidCoord(in.Destination.Lat, in.Destination.Lng) {
		return CreatedRequest{}, apperr.Validation("invalid coordinates")
	}
	if in.ClientOffer < set.MinimumTripValue {
		return CreatedRequest{}, apperr.Validation("client_offer must be at least %.2f", set.MinimumTripValue)
	}

	route, err := s.estimator().Route(ctx, in.Origin.Coord(), in.Destination.Coord())
	if err != nil {
		return CreatedRequest{}, apperr.Internal("estimate route", err)
	}
	r := &models.TripRequest{
		ClientID:                 clientID,
		ServiceType:              in.ServiceType,
		Origin:                   in.Origin,
		Destination:              in.Destination,
		ClientOffer:              in.ClientOffer,
		DistanceKm:               route.DistanceKm,
		EstimatedDurationMinutes: route.DurationMinutes,
	}
	id, err := s.Requests.Create(ctx, r, set.RequestTimeout)
	if err != nil {
		s.log(ctx).Error("create request failed", "client_id", clientID, "err", err)
		return CreatedRequest{}, err
	}
	observability.RequestsCreated.Inc()

	var nearby []models.NearbyDriver
	if s.Geo != nil {
		nearby, err = s.Geo.FindNearby(ctx, in.Origin.Lat, in.Origin.Lng, set.SearchRadiusKm, in.ServiceType)
		if err != nil {
			// the request exists; drivers still find it by browsing
			s.log(ctx).Warn("candidate lookup failed", "trip_request_id", id, "err", err)
			nearby = nil
		}
	}
	observability.CandidateDrivers.Observe(float64(len(nearby)))

	notes := make([]dispatch.Notification, 0, len(nearby))
	for _, d := range nearby {
		notes = append(notes, dispatch.Notification{
			Type:   dispatch.NewRequest,
			UserID: d.Driver.UserID,
			Title:  "New service request nearby",
			Body:   string(in.ServiceType),
			Data: map[string]any{
				"trip_request_id": id,
				"distance_km":     d.DistanceKm,
				"client_offer":    in.ClientOffer,
			},
		})
	}
	s.notify(ctx, notes...)

	return CreatedRequest{
		TripRequestID:            id,
		DistanceKm:               r.DistanceKm,
		EstimatedDurationMinutes: r.EstimatedDurationMinutes,
		NearbyDriversCount:       len(nearby),
		ExpiresAt:                r.ExpiresAt,
	}, nil
}

// NearbyRequests lists the open requests within the search radius of the
// driver, flagging the ones the driver already bid on.
func (s *Service) NearbyRequests(ctx context.Context, driverID string, lat, lng float64) ([]models.RequestSummary, error) {
	if !geo.ValidCoord(lat, lng) {
		return nil, apperr.Validation("invalid coordinates")
	}
	list, err := s.Requests.NearbyPending(ctx, lat, lng, s.settings().SearchRadiusKm)
	if err != nil {
		return nil, err
	}
	mine, err := s.Bids.OpenRequestIDs(ctx, driverID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].HasBid = mine[list[i].ID]
	}
	return list, nil
}

// NewBid is the driver input for PlaceBid.
type NewBid struct {
	TripRequestID           string  `json:"trip_request_id" validate:"required"`
	BidAmount               float64 `json:"bid_amount" validate:"gt=0"`
	EstimatedArrivalMinutes int     `json:"estimated_arrival_minutes" validate:"gte=1,lte=600"`
	Message                 string  `json:"message" validate:"max=500"`
}

type PlacedBid struct {
	BidID     string    `json:"bid_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Service) PlaceBid(ctx context.Context, driverID string, in NewBid) (res PlacedBid, err error) {
	defer func() { observability.BidsPlaced.WithLabelValues(outcome(err)).Inc() }()

	busy, err := s.Trips.DriverBusy(ctx, driverID)
	if err != nil {
		return PlacedBid{}, err
	}
	if busy {
		return PlacedBid{}, apperr.ErrDriverBusy
	}
	req, err := s.Requests.Get(ctx, in.TripRequestID)
	if err != nil {
		return PlacedBid{}, err
	}
	if !req.Open(s.now()) {
		return PlacedBid{}, apperr.ErrRequestUnavailable
	}
	set := s.settings()
	if in.BidAmount < set.MinimumTripValue {
		return PlacedBid{}, apperr.Validation("bid_amount must be at least %.2f", set.MinimumTripValue)
	}

	b := &models.TripBid{
		TripRequestID:           in.TripRequestID,
		DriverID:                driverID,
		BidAmount:               in.BidAmount,
		EstimatedArrivalMinutes: in.EstimatedArrivalMinutes,
		Message:                 in.Message,
	}
	id, err := s.Bids.Create(ctx, b, bids.Limits{BidTimeout: set.BidTimeout, MaxBids: set.MaxBidsPerRequest})
	if err != nil {
		return PlacedBid{}, err
	}

	name := ""
	if d, err := s.Drivers.Driver(ctx, driverID); err == nil {
		name = d.Name
	}
	s.notify(ctx, dispatch.Notification{
		Type:   dispatch.NewBid,
		UserID: req.ClientID,
		Title:  "New bid received",
		Body:   name,
		Data: map[string]any{
			"trip_request_id":           req.ID,
			"bid_id":                    id,
			"bid_amount":                in.BidAmount,
			"estimated_arrival_minutes": in.EstimatedArrivalMinutes,
		},
	})
	return PlacedBid{BidID: id, ExpiresAt: b.ExpiresAt}, nil
}

type RequestBids struct {
	Request *models.TripRequest `json:"trip_request"`
	Bids    []models.BidView    `json:"bids"`
}

// BidsForRequest returns the live bids on the client's own request.
func (s *Service) BidsForRequest(ctx context.Context, clientID, requestID string) (RequestBids, error) {
	req, err := s.Requests.Get(ctx, requestID)
	if err != nil {
		return RequestBids{}, err
	}
	if req.ClientID != clientID {
		return RequestBids{}, apperr.ErrForbidden
	}
	list, err := s.Bids.ForRequest(ctx, requestID)
	if err != nil {
		return RequestBids{}, err
	}
	if list == nil {
		list = []models.BidView{}
	}
	return RequestBids{Request: req, Bids: list}, nil
}

type AcceptedBid struct {
	ActiveTripID            string  `json:"active_trip_id"`
	DriverName              string  `json:"driver_name"`
	DriverPhone             string  `json:"driver_phone"`
	FinalPrice              float64 `json:"final_price"`
	EstimatedArrivalMinutes int     `json:"estimated_arrival_minutes"`
}

// AcceptBid resolves the auction in favour of bidID. Notifications and the
// credit hold happen after the accept transaction committed and never fail
// the call.
func (s *Service) AcceptBid(ctx context.Context, clientID, bidID string) (res AcceptedBid, err error) {
	defer func() { observability.BidAccepts.WithLabelValues(outcome(err)).Inc() }()

	bid, err := s.Bids.Get(ctx, bidID)
	if err != nil {
		return AcceptedBid{}, err
	}
	req, err := s.Requests.Get(ctx, bid.TripRequestID)
	if err != nil {
		return AcceptedBid{}, err
	}
	if req.ClientID != clientID {
		return AcceptedBid{}, apperr.ErrForbidden
	}

	start := time.Now()
	out, err := s.Bids.Accept(ctx, bidID)
	observability.AcceptLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			s.log(ctx).Error("accept bid failed", "bid_id", bidID, "err", err)
		}
		return AcceptedBid{}, err
	}
	trip := out.Trip

	res = AcceptedBid{ActiveTripID: trip.ID, FinalPrice: trip.FinalPrice, EstimatedArrivalMinutes: out.Bid.EstimatedArrivalMinutes}
	winner, err := s.Drivers.Driver(ctx, trip.DriverID)
	if err != nil {
		s.log(ctx).Warn("winner lookup failed", "driver_id", trip.DriverID, "err", err)
		winner = &models.Driver{ID: trip.DriverID}
	}
	res.DriverName, res.DriverPhone = winner.Name, winner.Phone

	data := map[string]any{"trip_request_id": req.ID, "active_trip_id": trip.ID, "final_price": trip.FinalPrice}
	notes := []dispatch.Notification{
		{Type: dispatch.BidAccepted, UserID: winner.UserID, Title: "Your bid was accepted", Data: data},
		{Type: dispatch.TripConfirmed, UserID: req.ClientID, Title: "Trip confirmed", Body: winner.Name, Data: data},
	}
	for _, id := range out.RejectedDriverIDs {
		d, err := s.Drivers.Driver(ctx, id)
		if err != nil {
			s.log(ctx).Warn("rejected driver lookup failed", "driver_id", id, "err", err)
			continue
		}
		notes = append(notes, dispatch.Notification{
			Type:   dispatch.BidRejected,
			UserID: d.UserID,
			Title:  "Another bid was chosen",
			Data:   map[string]any{"trip_request_id": req.ID},
		})
	}
	s.notify(ctx, notes...)
	s.hold(ctx, trip)
	return res, nil
}

// hold reserves the final price. A failed hold is logged; the trip stands.
func (s *Service) hold(ctx context.Context, trip *models.ActiveTrip) {
	ref, err := s.holder().Hold(ctx, trip)
	if err != nil {
		s.log(ctx).Warn("credit hold failed", "active_trip_id", trip.ID, "err", err)
		return
	}
	if ref == "" {
		return
	}
	if err := s.Trips.AttachPaymentRef(ctx, trip.ID, ref); err != nil {
		s.log(ctx).Warn("store payment ref failed", "active_trip_id", trip.ID, "err", err)
	}
}

// outcome labels a metric with the public error code.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	code, _ := apperr.Public(err)
	return code
}
