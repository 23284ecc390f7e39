// Package gateway exposes the HTTP surface: batch submission, progress
// streaming over WebSocket and SSE, health, and metrics.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/bookstream/enrich"
	"github.com/c360/bookstream/errors"
	"github.com/c360/bookstream/metric"
	"github.com/c360/bookstream/progress"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// maxBodyBytes bounds enrichment request bodies.
	maxBodyBytes = 1 << 20
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second
	// pingPeriod keeps idle WebSocket connections alive.
	pingPeriod = 30 * time.Second
)

// Submitter accepts enrichment batches.
type Submitter interface {
	Submit(ctx context.Context, items []enrich.ItemRequest, limit int) (string, error)
}

// HealthChecker reports backend connectivity.
type HealthChecker interface {
	IsHealthy() bool
}

// Server is the HTTP gateway.
type Server struct {
	addr       string
	submitter  Submitter
	progressCh *progress.Channel
	health     HealthChecker
	metrics    http.Handler
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	running    atomic.Bool
	httpServer *http.Server

	wsClients  prometheus.Gauge
	sseClients prometheus.Gauge
}

// Option configures the server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithHealthChecker wires backend health into /healthz.
func WithHealthChecker(h HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts a handler at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers connected-client gauges on the registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Server) {
		if registry == nil {
			return
		}
		gauge := func(name, help string) prometheus.Gauge {
			return prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "bookstream",
				Subsystem: "gateway",
				Name:      name,
				Help:      help,
			})
		}
		s.wsClients = gauge("websocket_clients", "Connected WebSocket progress subscribers")
		s.sseClients = gauge("sse_clients", "Connected SSE progress subscribers")
		for name, g := range map[string]prometheus.Gauge{
			"websocket_clients": s.wsClients,
			"sse_clients":       s.sseClients,
		} {
			if err := registry.RegisterGauge("gateway", name, g); err != nil {
				s.logger.Warn("gateway metric registration failed", "metric", name, "error", err)
			}
		}
	}
}

// NewServer creates the gateway. Submitter and progress channel are
// required.
func NewServer(submitter Submitter, progressCh *progress.Channel, opts ...Option) (*Server, error) {
	if submitter == nil || progressCh == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "NewServer",
			"submitter and progress channel are required")
	}

	s := &Server{
		addr:       DefaultAddr,
		submitter:  submitter,
		progressCh: progressCh,
		logger:     slog.Default(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool {
				// Allow connections from any origin for development
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler builds the route mux. Exposed so tests can drive the gateway
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/enrich", s.handleEnrich)
	mux.HandleFunc("/v1/progress/ws", s.handleWebSocket)
	mux.HandleFunc("/v1/progress/events", s.handleSSE)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start begins serving. Non-blocking; listen errors surface in the log.
func (s *Server) Start(_ context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrAlreadyStarted, "Server", "Start", "gateway running")
	}

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("gateway listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway serve failed", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests. Safe to call more than once.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown incomplete")
	}
	s.logger.Info("gateway stopped")
	return nil
}

type enrichRequest struct {
	Items       []enrich.ItemRequest `json:"items"`
	Concurrency int                  `json:"concurrency,omitempty"`
}

type enrichResponse struct {
	Accepted bool   `json:"accepted"`
	JobID    string `json:"job_id"`
	Total    int    `json:"total"`
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	requestID := getOrGenerateRequestID(r)
	w.Header().Set("X-Request-ID", requestID)

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var req enrichRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	jobID, err := s.submitter.Submit(r.Context(), req.Items, req.Concurrency)
	if err != nil {
		if errors.IsPermanent(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
		} else {
			s.writeError(w, http.StatusServiceUnavailable, "submission failed")
		}
		return
	}

	s.logger.Info("batch accepted", "jobId", jobID, "items", len(req.Items), "requestId", requestID)
	s.writeJSON(w, http.StatusAccepted, enrichResponse{
		Accepted: true,
		JobID:    jobID,
		Total:    len(req.Items),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	healthy := s.health == nil || s.health.IsHealthy()
	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	s.writeJSON(w, status, map[string]string{"status": state})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response write failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// getOrGenerateRequestID extracts the request ID header or mints one so
// submissions can be traced through the logs.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
