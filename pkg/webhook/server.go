package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edenartlab/eden2-sub000/internal/observability"
	"github.com/edenartlab/eden2-sub000/internal/tracing"
	"github.com/edenartlab/eden2-sub000/pkg/task"
	"github.com/edenartlab/eden2-sub000/pkg/toolexecutor"
)

// Server receives prediction webhooks and hands them to the executor
type Server struct {
	options ServerOptions
	key     []byte
	deliver Deliverer
	limiter *RateLimiter
	logger  zerolog.Logger
	now     func() time.Time

	server    *http.Server
	startTime time.Time

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
}

// NewServer creates a webhook receiver
func NewServer(options ServerOptions, deliver Deliverer, logger zerolog.Logger) (*Server, error) {
	if deliver == nil {
		return nil, fmt.Errorf("deliverer is required")
	}
	if options.Addr == "" {
		options.Addr = "127.0.0.1:9465"
	}
	if options.Path == "" {
		options.Path = "/webhooks/replicate"
	}
	if !strings.HasPrefix(options.Path, "/") {
		return nil, fmt.Errorf("webhook path must start with /")
	}
	if options.Tolerance <= 0 {
		options.Tolerance = 5 * time.Minute
	}
	if options.RateLimitPerMinute <= 0 {
		options.RateLimitPerMinute = 600
	}
	if options.MaxBodyBytes <= 0 {
		options.MaxBodyBytes = 1 << 20
	}
	if options.Timeout <= 0 {
		options.Timeout = 30 * time.Second
	}

	var key []byte
	if options.Secret != "" {
		var err error
		if key, err = decodeSecret(options.Secret); err != nil {
			return nil, err
		}
	}

	s := &Server{
		options:   options,
		key:       key,
		deliver:   deliver,
		limiter:   NewRateLimiter(options.RateLimitPerMinute),
		logger:    logger.With().Str("component", "webhook").Logger(),
		now:       time.Now,
		startTime: time.Now(),
	}
	s.server = &http.Server{
		Addr:              options.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the receiver's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST "+s.options.Path, s.handleDelivery)
	return mux
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.options.Addr).
		Str("path", s.options.Path).
		Bool("signed", s.key != nil).
		Msg("Starting webhook receiver")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start webhook receiver: %w", err)
	}
	return nil
}

// Stop refuses new deliveries, waits for in-flight ones, then shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, dropping in-flight deliveries")
	}

	s.limiter.Stop()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown webhook receiver: %w", err)
	}
	s.logger.Info().Msg("Webhook receiver stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.inFlight.Add(1)
	s.shutdownMu.RUnlock()
	defer s.inFlight.Done()

	outcome := s.serveDelivery(w, r)
	observability.RecordWebhook(outcome, time.Since(start))
}

// serveDelivery writes the response and returns the metrics outcome label
func (s *Server) serveDelivery(w http.ResponseWriter, r *http.Request) string {
	ip := clientIP(r)
	logger := s.logger.With().Str("ip", ip).Logger()

	if !s.limiter.Allow(ip) {
		retry := s.limiter.RetryAfter(ip)
		logger.Warn().Dur("retry_after", retry).Msg("Rate limit exceeded")
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds()+0.999)))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return "rate_limited"
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.options.MaxBodyBytes))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read webhook body")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return "bad_request"
	}

	if s.key != nil {
		if err := verifySignature(s.key, r.Header, body, s.options.Tolerance, s.now()); err != nil {
			logger.Warn().Err(err).Msg("Rejected webhook")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return "unauthorized"
		}
	}

	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &head); err != nil || head.ID == "" {
		logger.Warn().Msg("Webhook body has no prediction id")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return "bad_request"
	}

	ctx, cancel := context.WithTimeout(tracing.NewRequestContext(r.Context()), s.options.Timeout)
	defer cancel()

	t, err := s.deliver.Deliver(ctx, head.ID, body)
	switch {
	case errors.Is(err, task.ErrNotFound):
		logger.Debug().Str("handler_id", head.ID).Msg("Webhook for unknown task")
		http.Error(w, "Not Found", http.StatusNotFound)
		return "ignored"
	case errors.Is(err, toolexecutor.ErrNotNotifiable):
		logger.Warn().Err(err).Str("handler_id", head.ID).Msg("Webhook for a backend without notifications")
		http.Error(w, "Unprocessable Entity", http.StatusUnprocessableEntity)
		return "ignored"
	case err != nil:
		logger.Error().Err(err).Str("handler_id", head.ID).Msg("Webhook delivery failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return "error"
	}

	logger.Info().
		Str("task_id", t.ID).
		Str("status", string(t.Status)).
		Msg("Webhook delivered")
	writeJSON(w, http.StatusOK, deliveryResponse{TaskID: t.ID, Status: t.Status})
	return "delivered"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the peer address
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
