package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-bridge/db"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/controllers/irrigationcontroller"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/opensprinkler"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/valve"
)

const maxHistoryLimit = 1000

// Controller is the irrigation controller surface the API drives.
type Controller interface {
	SetValveActive(ctx context.Context, name string, active bool) error
	SetValveDuration(name string, seconds int) error
	SetRainDelay(ctx context.Context, enabled bool) error
	Snapshot() model.SystemSnapshot
}

type Server struct {
	controller Controller
	db         *sql.DB
	registry   *prometheus.Registry

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool
}

type ValveActiveRequest struct {
	Active *bool `json:"active"`
}

type ValveDurationRequest struct {
	Duration *int `json:"duration"`
}

type RainDelayRequest struct {
	Enabled *bool `json:"enabled"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer builds the API. database may be nil, in which case history is
// unavailable.
func NewServer(controller Controller, database *sql.DB) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewMetricsCollector(controller))
	return &Server{
		controller: controller,
		db:         database,
		registry:   registry,
	}
}

// Router returns the API routes wrapped in the CORS middleware.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/api/system", s.getSystem).Methods(http.MethodGet)
	router.HandleFunc("/api/valves", s.getValves).Methods(http.MethodGet)
	router.HandleFunc("/api/valves/{name}", s.getValve).Methods(http.MethodGet)
	router.HandleFunc("/api/valves/{name}/active", s.setValveActive).Methods(http.MethodPut)
	router.HandleFunc("/api/valves/{name}/duration", s.setValveDuration).Methods(http.MethodPut)
	router.HandleFunc("/api/rain-delay", s.setRainDelay).Methods(http.MethodPut)
	router.HandleFunc("/api/history", s.getHistory).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	return cors(router)
}

// Start serves the API until Shutdown is called.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.httpServer = srv
	s.mu.Unlock()

	log.Info().Str("address", addr).Msg("Starting REST API server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops a running server. A server shut down before Start never
// listens.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getSystem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) getValves(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Snapshot().Valves)
}

func (s *Server) getValve(w http.ResponseWriter, r *http.Request) {
	v, ok := s.findValve(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, "Valve not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) setValveActive(w http.ResponseWriter, r *http.Request) {
	v, ok := s.findValve(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, "Valve not found")
		return
	}

	var req ValveActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, `Invalid JSON payload, expected {"active": true|false}`)
		return
	}

	if err := s.controller.SetValveActive(r.Context(), v.Name, *req.Active); err != nil {
		log.Error().Err(err).Str("valve", v.Name).Bool("active", *req.Active).Msg("Failed to set valve via API")
		writeCommandError(w, err)
		return
	}

	log.Info().Str("valve", v.Name).Bool("active", *req.Active).Msg("Valve set via API")
	s.writeValve(w, v.Name)
}

func (s *Server) setValveDuration(w http.ResponseWriter, r *http.Request) {
	v, ok := s.findValve(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, "Valve not found")
		return
	}

	var req ValveDurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Duration == nil {
		writeError(w, http.StatusBadRequest, `Invalid JSON payload, expected {"duration": seconds}`)
		return
	}
	if *req.Duration <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid duration. Must be greater than 0 seconds")
		return
	}

	if err := s.controller.SetValveDuration(v.Name, *req.Duration); err != nil {
		log.Error().Err(err).Str("valve", v.Name).Int("duration", *req.Duration).Msg("Failed to set valve duration via API")
		writeCommandError(w, err)
		return
	}

	log.Info().Str("valve", v.Name).Int("duration", *req.Duration).Msg("Valve duration set via API")
	s.writeValve(w, v.Name)
}

func (s *Server) setRainDelay(w http.ResponseWriter, r *http.Request) {
	var req RainDelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `Invalid JSON payload, expected {"enabled": true|false}`)
		return
	}

	if err := s.controller.SetRainDelay(r.Context(), *req.Enabled); err != nil {
		log.Error().Err(err).Bool("enabled", *req.Enabled).Msg("Failed to set rain delay via API")
		writeCommandError(w, err)
		return
	}

	log.Info().Bool("enabled", *req.Enabled).Msg("Rain delay set via API")
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "History is not available")
		return
	}

	limit := db.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid limit. Must be between 1 and %d", maxHistoryLimit))
			return
		}
		limit = n
	}

	name := r.URL.Query().Get("valve")
	if name != "" {
		v, ok := s.findValve(name)
		if !ok {
			writeError(w, http.StatusNotFound, "Valve not found")
			return
		}
		name = v.Name
	}

	events, err := db.GetValveEvents(s.db, name, limit)
	if err != nil {
		log.Error().Err(err).Str("valve", name).Msg("Failed to get valve history")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// findValve matches either the configured name or its slug.
func (s *Server) findValve(key string) (model.ValveSnapshot, bool) {
	for _, v := range s.controller.Snapshot().Valves {
		if v.Name == key || model.Slug(v.Name) == key {
			return v, true
		}
	}
	return model.ValveSnapshot{}, false
}

func (s *Server) writeValve(w http.ResponseWriter, name string) {
	v, ok := s.findValve(name)
	if !ok {
		writeError(w, http.StatusNotFound, "Valve not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeCommandError(w http.ResponseWriter, err error) {
	var transportErr *opensprinkler.TransportError
	var protocolErr *opensprinkler.ProtocolError
	var rejectedErr *opensprinkler.CommandRejectedError

	switch {
	case errors.Is(err, irrigationcontroller.ErrUnknownValve):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, irrigationcontroller.ErrRainDelayDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, valve.ErrInvalidDuration):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, valve.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &transportErr), errors.As(err, &protocolErr), errors.As(err, &rejectedErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}
