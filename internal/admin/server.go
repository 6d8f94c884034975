package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/paclab/soundloc/internal/controller"
	"github.com/paclab/soundloc/internal/domain/model"
	"github.com/paclab/soundloc/internal/metrics"
	"github.com/paclab/soundloc/internal/sessionlog"
)

const maxRequestBodyBytes = 64 << 10 // 64 KB

// SessionController is the part of the trial engine the operator drives.
// *controller.Engine satisfies it.
type SessionController interface {
	StartSession(ctx context.Context) (model.SessionInfo, error)
	Stop(ctx context.Context) error
	ResetSession() error
	Exit(ctx context.Context) error
	Status() controller.Status
	SessionLog() *sessionlog.Log
}

// ParameterPublisher broadcasts acoustic parameter records to the nodes.
type ParameterPublisher interface {
	Publish(ctx context.Context, ps model.ParameterSet) error
	Latest() (model.ParameterSet, bool)
}

// HealthProvider returns component health snapshots as JSON-encodable data.
type HealthProvider interface {
	HealthSnapshots() any
}

// Server provides the operator HTTP API: session controls, parameter
// updates, status and the session log download.
type Server struct {
	session        SessionController
	params         ParameterPublisher
	healthProvider HealthProvider
	logger         *slog.Logger
}

func NewServer(session SessionController, params ParameterPublisher, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		session: session,
		params:  params,
		logger:  logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithHealthProvider sets the health provider on the admin server.
func WithHealthProvider(hp HealthProvider) ServerOption {
	return func(s *Server) { s.healthProvider = hp }
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "POST /admin/v1/session/start", s.handleStart)
	s.handle(mux, "POST /admin/v1/session/stop", s.handleStop)
	s.handle(mux, "POST /admin/v1/session/reset", s.handleReset)
	s.handle(mux, "POST /admin/v1/session/exit", s.handleExit)
	s.handle(mux, "GET /admin/v1/session/log.csv", s.handleSessionLog)
	s.handle(mux, "GET /admin/v1/parameters", s.handleGetParameters)
	s.handle(mux, "PUT /admin/v1/parameters", s.handlePutParameters)
	s.handle(mux, "GET /admin/v1/status", s.handleGetStatus)
	s.handle(mux, "GET /admin/v1/health", s.handleHealth)
	return mux
}

// handle registers fn under pattern and counts its responses by status code.
func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		fn(sw, r)
		metrics.AdminRequestsTotal.WithLabelValues(pattern, strconv.Itoa(sw.statusCode)).Inc()
	})
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// sessionErrorStatus maps engine errors onto HTTP status codes.
func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, controller.ErrSessionActive), errors.Is(err, controller.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, controller.ErrExited):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

type sessionResponse struct {
	SessionID string    `json:"session_id"`
	Task      string    `json:"task"`
	Subject   string    `json:"subject,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	info, err := s.session.StartSession(r.Context())
	if err != nil {
		s.logger.Warn("start session rejected", "error", err)
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	s.logger.Info("session started via admin API", "session_id", info.ID)
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: info.ID.String(),
		Task:      info.Task,
		Subject:   info.Subject,
		StartedAt: info.StartedAt,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Stop(r.Context()); err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	s.logger.Info("session stopped via admin API")
	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.session.ResetSession(); err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	s.logger.Info("session reset via admin API")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Exit(r.Context()); err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	s.logger.Info("exit requested via admin API")
	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

func (s *Server) handleSessionLog(w http.ResponseWriter, r *http.Request) {
	log := s.session.SessionLog()
	if log == nil {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	info := log.Info()
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sessionlog.FileName(info.Task, info.StartedAt)))
	if err := log.WriteCSV(w); err != nil {
		s.logger.Warn("write session log response failed", "session_id", info.ID, "error", err)
	}
}

func (s *Server) handleGetParameters(w http.ResponseWriter, _ *http.Request) {
	ps, ok := s.params.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no parameters published")
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

type publishResponse struct {
	Published  bool               `json:"published"`
	Error      string             `json:"error,omitempty"`
	Parameters model.ParameterSet `json:"parameters"`
}

func (s *Server) handlePutParameters(w http.ResponseWriter, r *http.Request) {
	var ps model.ParameterSet
	if !decodeJSONBody(w, r, &ps) {
		return
	}
	if err := ps.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.params.Publish(r.Context(), ps); err != nil {
		s.logger.Error("publish parameters failed", "name", ps.Name, "error", err)
		writeJSON(w, http.StatusBadGateway, publishResponse{Error: err.Error(), Parameters: ps})
		return
	}

	s.logger.Info("parameters published via admin API", "name", ps.Name)
	writeJSON(w, http.StatusOK, publishResponse{Published: true, Parameters: ps})
}

type statusResponse struct {
	controller.Status
	Parameters *model.ParameterSet `json:"parameters,omitempty"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Status: s.session.Status()}
	if ps, ok := s.params.Latest(); ok {
		resp.Parameters = &ps
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.healthProvider == nil {
		writeError(w, http.StatusServiceUnavailable, "health not available")
		return
	}
	writeJSON(w, http.StatusOK, s.healthProvider.HealthSnapshots())
}
