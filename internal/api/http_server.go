// Package api serves the vendor webhook and the operator endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"colldialer/internal/config"
	"colldialer/internal/logging"
	"colldialer/internal/metrics"
	"colldialer/internal/models"
	"colldialer/internal/tracker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	webhookSecretHeader = "X-Webhook-Secret"
	requestIDHeader     = "X-Request-ID"
)

// CallbackHandler consumes vendor callbacks.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, cb models.Callback) error
}

// CallCanceller removes a sent account from the vendor.
type CallCanceller interface {
	Cancel(ctx context.Context, bucketName, day string, accountID int64) (int, error)
}

// RecordingSource resolves call recordings.
type RecordingSource interface {
	Recording(ctx context.Context, callID string) (string, error)
}

// TaskViews reads tracked dialer tasks.
type TaskViews interface {
	Find(ctx context.Context, workType, bucketName, day string) (*models.DialerTask, error)
	View(ctx context.Context, id int64) (*tracker.View, error)
}

// Deps are the collaborators behind the endpoints.
type Deps struct {
	Callbacks  CallbackHandler
	Calls      CallCanceller
	Recordings RecordingSource
	Tasks      TaskViews
	// Today maps an instant to its business day.
	Today func(time.Time) string
	// Degraded reports whether coordination runs on the in-memory fallback.
	Degraded func() bool
}

// HTTPServer exposes the webhook and operator API.
type HTTPServer struct {
	cfg    config.APIConfig
	deps   Deps
	server *http.Server
	auth   *HTTPAuth
	logger zerolog.Logger
	now    func() time.Time
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	mux := http.NewServeMux()
	srv := &HTTPServer{
		cfg:    cfg,
		deps:   deps,
		auth:   NewHTTPAuth(cfg),
		logger: logging.Component(logger, "api"),
		now:    time.Now,
	}

	mux.HandleFunc("POST /webhook/dialer", srv.handleWebhook)
	mux.HandleFunc("POST /api/v1/calls/cancel", srv.handleCancel)
	mux.HandleFunc("GET /api/v1/calls/{call_id}/recording", srv.handleRecording)
	mux.HandleFunc("GET /api/v1/buckets/{bucket}/status", srv.handleBucketStatus)
	mux.HandleFunc("GET /healthz", srv.handleHealthz)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)

		ev := s.logger.Info()
		if recorder.status >= http.StatusInternalServerError {
			ev = s.logger.Error()
		}
		ev.Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
