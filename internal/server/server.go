// Package server exposes a device's entities, refresh state and
// instrumentation over HTTP for the host platform.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"onemeter/internal/api"
	"onemeter/internal/logger"
	"onemeter/internal/model"
	"onemeter/internal/sensor"
	"onemeter/internal/store"
)

// Source is the coordinator surface the server needs.
type Source interface {
	State() model.RefreshState
	RequestRefresh(ctx context.Context) (model.RefreshState, error)
}

// Server provides the host-facing HTTP API.
type Server struct {
	listen   string
	src      Source
	views    []*sensor.View
	metrics  http.Handler
	registry *store.FileRegistry
	log      zerolog.Logger
}

// Option configures optional endpoints.
type Option func(*Server)

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithRegistry serves the provisioned meters on /api/meters and the
// delivered setup notices on /api/notices.
func WithRegistry(reg *store.FileRegistry) Option {
	return func(s *Server) { s.registry = reg }
}

// New constructs a server for one device.
func New(listen string, src Source, views []*sensor.View, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		listen: listen,
		src:    src,
		views:  views,
		log:    logger.WithComponent(log, "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/sensors", s.handleSensors).Methods(http.MethodGet)
	r.HandleFunc("/api/sensors/{unique_id}", s.handleSensor).Methods(http.MethodGet)
	r.HandleFunc("/api/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/api/refresh", s.handleRefresh).Methods(http.MethodPost)
	if s.registry != nil {
		r.HandleFunc("/api/meters", s.handleMeters).Methods(http.MethodGet)
		r.HandleFunc("/api/notices", s.handleNotices).Methods(http.MethodGet)
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.listen).Msg("server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type healthResponse struct {
	Status      string           `json:"status"`
	LastSuccess time.Time        `json:"last_success,omitzero"`
	LastError   *model.ErrorInfo `json:"last_error,omitempty"`
}

// handleHealth reports "ok" while the last attempt succeeded and "degraded"
// while serving stale data.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.src.State()
	resp := healthResponse{Status: "ok", LastSuccess: st.LastSuccess, LastError: st.LastError}
	if st.LastError != nil {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSensors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sensor.Readings(s.views))
}

func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["unique_id"]
	for _, v := range s.views {
		if v.UniqueID() == id {
			writeJSON(w, http.StatusOK, v.Reading())
			return
		}
	}
	writeJSONError(w, http.StatusNotFound, "unknown sensor "+id)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.State())
}

type refreshResponse struct {
	State model.RefreshState `json:"state"`
	Error string             `json:"error,omitempty"`
	Kind  model.ErrorKind    `json:"kind,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	st, err := s.src.RequestRefresh(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, refreshResponse{State: st})
		return
	}
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return
	}

	s.log.Warn().Err(err).Msg("manual refresh failed")
	status := http.StatusBadGateway
	if errors.Is(err, api.ErrFetchTimeout) {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, refreshResponse{State: s.src.State(), Error: err.Error(), Kind: api.KindOf(err)})
}

func (s *Server) handleMeters(w http.ResponseWriter, _ *http.Request) {
	reg, err := s.registry.Snapshot()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	meters := reg.Meters
	if meters == nil {
		meters = []store.MeterInfo{}
	}
	writeJSON(w, http.StatusOK, meters)
}

func (s *Server) handleNotices(w http.ResponseWriter, _ *http.Request) {
	reg, err := s.registry.Snapshot()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	notices := reg.Notices
	if notices == nil {
		notices = []store.NoticeInfo{}
	}
	writeJSON(w, http.StatusOK, notices)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
