// Package httpapi exposes the matching core over HTTP and WebSocket.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/tow-matching/internal/apperr"
	"github.com/example/tow-matching/internal/auth"
	"github.com/example/tow-matching/internal/dispatch"
	"github.com/example/tow-matching/internal/matcher"
	"github.com/example/tow-matching/internal/models"
)

// LocationPublisher hands idle driver pings to the ingest pipeline.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, p models.LocationPing) error
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Config struct {
	Matcher *matcher.Service
	Auth    *auth.Resolver
	WS      *dispatch.WSRegistry
	// Locations, when set, receives idle pings instead of applying them
	// inline.
	Locations LocationPublisher
	Checks    []Check
	Logger    *slog.Logger
}

type Server struct {
	matcher   *matcher.Service
	auth      *auth.Resolver
	ws        *dispatch.WSRegistry
	locations LocationPublisher
	checks    []Check
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		matcher:   cfg.Matcher,
		auth:      cfg.Auth,
		ws:        cfg.WS,
		locations: cfg.Locations,
		checks:    cfg.Checks,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.authMiddleware)
	internal.HandleFunc("/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/nearby", s.handleNearbyRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/bids", s.handleRequestBids).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/cancel-trip", s.handleCancelTrip).Methods(http.MethodPost)
	api.HandleFunc("/bids", s.handlePlaceBid).Methods(http.MethodPost)
	api.HandleFunc("/bids/{id}/accept", s.handleAcceptBid).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/location", s.handleTripLocation).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/status", s.handleTripStatus).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/rating", s.handleRateTrip).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// actor returns the caller when its type is one of allowed.
func (s *Server) actor(w http.ResponseWriter, r *http.Request, allowed ...models.UserType) (models.Actor, bool) {
	a, ok := auth.ActorFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{Code: "unauthorized", Message: "missing identity"}})
		return models.Actor{}, false
	}
	if len(allowed) == 0 {
		return a, true
	}
	for _, t := range allowed {
		if a.Type == t {
			return a, true
		}
	}
	writeError(w, r, apperr.ErrForbidden, s.logger)
	return models.Actor{}, false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, c := range s.checks {
		if err := c.Fn(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", c.Name, "err", err)
			http.Error(w, c.Name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r, models.UserClient)
	if !ok {
		return
	}
	var in matcher.NewRequest
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	out, err := s.matcher.CreateRequest(r.Context(), a.UserID, in)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleNearbyRequests(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r, models.UserDriver)
	if !ok {
		return
	}
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, r, apperr.Validation("lat and lng query parameters are required"), s.logger)
		return
	}
	list, err := s.matcher.NearbyRequests(r.Context(), a.DriverID, lat, lng)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	if list == nil {
		list = []models.RequestSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": list})
}

func (s *Server) handleRequestBids(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r, models.UserClient)
	if !ok {
		return
	}
	out, err := s.matcher.BidsForRequest(r.Context(), a.UserID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type reasonBody struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r, models.UserClient, models.UserAdmin)
	if !ok {
		return
	}
	var in reasonBody
	if err := decodeOptional(w, r, &in); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	out, err := s.matcher.CancelRequest(r.Context(), a, mux.Vars(r)["id"], in.Reason)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	var in reasonBody
	if err := decodeOptional(w, r, &in); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	trip, err := s.matcher.CancelActiveTrip(r.Context(), a, mux.Vars(r)["id"], in.Reason)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r, models.UserDriver)
	if !ok {
		return
	}
	var in matcher.NewBid
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	out, err := s.matcher.PlaceBid(r.Context(), a.DriverID, in)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r, models.UserClient)
	if !ok {
		return
	}
	out, err := s.matcher.AcceptBid(r.Context(), a.UserID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	trip, err := s.matcher.GetTrip(r.Context(), a, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

type locationBody struct {
	Lat        float64   `json:"lat" validate:"latitude"`
	Lng        float64   `json:"lng" validate:"longitude"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (s *Server) handleTripLocation(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r, models.UserDriver)
	if !ok {
		return
	}
	var in locationBody
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	out, err := s.matcher.UpdateDriverLocation(r.Context(), a.DriverID, mux.Vars(r)["id"], in.Lat, in.Lng, in.RecordedAt)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type statusBody struct {
	Status models.TripStatus `json:"status" validate:"required"`
	Reason string            `json:"reason" validate:"max=500"`
}

func (s *Server) handleTripStatus(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	var in statusBody
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	ch, err := s.matcher.UpdateTripStatus(r.Context(), a, mux.Vars(r)["id"], in.Status, in.Reason)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_trip_id": ch.Trip.ID,
		"old_status":     ch.From,
		"new_status":     ch.To,
	})
}

type ratingBody struct {
	Rating   int    `json:"rating" validate:"gte=1,lte=5"`
	Feedback string `json:"feedback" validate:"max=1000"`
}

func (s *Server) handleRateTrip(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r, models.UserClient, models.UserDriver)
	if !ok {
		return
	}
	var in ratingBody
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	if err := s.matcher.RateTrip(r.Context(), a, mux.Vars(r)["id"], in.Rating, in.Feedback); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pingBody struct {
	DriverID   string    `json:"driver_id" validate:"required"`
	TripID     string    `json:"trip_id"`
	Lat        float64   `json:"lat" validate:"latitude"`
	Lng        float64   `json:"lng" validate:"longitude"`
	RecordedAt time.Time `json:"recorded_at"`
}

// handleDriverLocation ingests idle driver positions from the driver app
// gateway, which authenticates with a system or admin token. Trip pings are
// refused here: they must come from the driver through the trip route. With
// a publisher configured pings go through Kafka to the consumer.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.actor(w, r, models.UserSystem, models.UserAdmin); !ok {
		return
	}
	var in pingBody
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	if in.TripID != "" {
		writeError(w, r, apperr.Validation("trip pings must be sent by the driver to /api/v1/trips/{id}/location"), s.logger)
		return
	}
	p := models.LocationPing{DriverID: in.DriverID, Lat: in.Lat, Lng: in.Lng, RecordedAt: in.RecordedAt}
	if now := time.Now().UTC(); p.RecordedAt.IsZero() || p.RecordedAt.After(now) {
		p.RecordedAt = now
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), p); err != nil {
			writeError(w, r, apperr.Internal("publish location", err), s.logger)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.matcher.ReportLocation(r.Context(), p); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS attaches the caller's notification socket. Browsers cannot set
// headers on the handshake, so the token may come in the query string.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}
	claims, err := s.auth.Parse(token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{Code: "unauthorized", Message: err.Error()}})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	userID := claims.UserID
	sess := s.ws.Add(userID, conn)
	defer func() {
		s.ws.Remove(userID, sess)
		_ = conn.Close()
	}()
	// clients only listen; reading surfaces the close frame
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
