package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rental-tracking/internal/hub"
	"github.com/example/rental-tracking/internal/models"
	"github.com/example/rental-tracking/internal/relay"
	"github.com/example/rental-tracking/internal/storage"
)

const maxBodyBytes = 64 << 10

// Relay is the tracking service behind the HTTP surface.
type Relay interface {
	Start(ctx context.Context, req models.StartRequest) (models.StartResponse, error)
	Update(ctx context.Context, req models.UpdateRequest) (models.UpdateResponse, error)
	Stop(ctx context.Context, req models.StopRequest) error
	List(ctx context.Context) ([]models.TrackedPosition, error)
	Get(ctx context.Context, id string) (models.TrackedPosition, error)
	Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]relay.NearbyVehicle, error)
}

// Check reports whether a dependency is ready to serve traffic.
type Check func(ctx context.Context) error

type Options struct {
	Hub            *hub.Hub
	AdminToken     string
	RateLimitRPM   int
	AllowedOrigins []string
	Ready          map[string]Check
	Logger         *slog.Logger
}

type Server struct {
	relay      Relay
	hub        *hub.Hub
	upgrader   websocket.Upgrader
	adminToken string
	rateRPM    int
	ready      map[string]Check
	logger     *slog.Logger
	mux        *mux.Router
}

func NewServer(r Relay, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		relay:      r,
		hub:        opts.Hub,
		upgrader:   hub.Upgrader(opts.AllowedOrigins),
		adminToken: opts.AdminToken,
		rateRPM:    opts.RateLimitRPM,
		ready:      opts.Ready,
		logger:     logger,
		mux:        mux.NewRouter(),
	}
	if s.adminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, admin routes are open")
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1/tracking").Subrouter()
	if s.rateRPM > 0 {
		api.Use(httprate.LimitByIP(s.rateRPM, time.Minute))
	}
	api.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/update", s.handleUpdate).Methods(http.MethodPost)
	api.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)

	admin := api.PathPrefix("/vehicles").Subrouter()
	admin.Use(s.adminMiddleware)
	admin.HandleFunc("", s.handleList).Methods(http.MethodGet)
	admin.HandleFunc("/nearby", s.handleNearby).Methods(http.MethodGet)
	admin.HandleFunc("/{id}", s.handleGet).Methods(http.MethodGet)

	if s.hub != nil {
		s.mux.Handle("/ws/tracking", s.adminMiddleware(s.hub.ServeWS(s.upgrader))).Methods(http.MethodGet)
	}

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req models.StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.relay.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.relay.Update(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req models.StopRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.relay.Stop(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.AckResponse{Ack: true})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.relay.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	v, err := s.relay.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	radius, err3 := strconv.ParseFloat(q.Get("radius"), 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "lat, lng and radius must be numbers"})
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	list, err := s.relay.Nearby(r.Context(), lat, lng, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []relay.NearbyVehicle{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		msg := "malformed JSON body"
		if errors.Is(err, io.EOF) {
			msg = "empty body"
		}
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: msg})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, relay.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrRentalMismatch), errors.Is(err, storage.ErrSessionClosed):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
