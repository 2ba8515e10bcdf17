package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/config"
	"github.com/JakeFAU/scrape-relay/internal/metrics"
	"github.com/JakeFAU/scrape-relay/internal/payload"
	"github.com/JakeFAU/scrape-relay/internal/relay"
	"github.com/JakeFAU/scrape-relay/internal/trigger"
	"github.com/JakeFAU/scrape-relay/internal/webhook"
)

const (
	maxWebhookBody = 64 << 20
	readyTimeout   = 3 * time.Second
)

// Launcher starts upstream collection jobs.
type Launcher interface {
	Launch(ctx context.Context, req trigger.Request) (trigger.Result, error)
}

// Server wires HTTP handlers to the receiver, launcher and store.
type Server struct {
	router   chi.Router
	receiver *webhook.Receiver
	launcher Launcher
	store    relay.JobStore
	jobs     *JobsHandler
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. launcher may be
// nil when no collector is configured; /trigger then answers 503.
func NewServer(
	receiver *webhook.Receiver,
	launcher Launcher,
	store relay.JobStore,
	clock relay.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		receiver: receiver,
		launcher: launcher,
		store:    store,
		jobs:     NewJobsHandler(store, clock, logger.Named("jobs")),
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/webhook", s.receiveWebhook)
	r.Get("/webhook", s.lookupWebhook)

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/trigger", s.trigger)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.jobs.List)
			r.Post("/", s.jobs.Create)
			r.Put("/", s.jobs.Update)
			r.Delete("/", s.jobs.Delete)
			r.Post("/repair", s.jobs.Repair)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if _, err := s.store.ListAll(ctx, 1); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// receiveWebhook handles POST /webhook. Detection and decode failures are
// 400, an unauthorized caller is 401, an unpartitionable category is 500.
// Store failures still answer 200 with stored=false.
func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.receiver.Authorize(r) {
		metrics.ObserveWebhook("unauthorized")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	resp, err := s.receiver.Handle(r.Context(), raw)
	if err != nil {
		switch {
		case errors.Is(err, payload.ErrShapeDetection), errors.Is(err, webhook.ErrInvalidPayload):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("webhook handling failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// lookupWebhook handles GET /webhook?batchId=X.
func (s *Server) lookupWebhook(w http.ResponseWriter, r *http.Request) {
	batchID := strings.TrimSpace(r.URL.Query().Get("batchId"))
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "batchId is required")
		return
	}
	res, err := s.receiver.Lookup(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		s.logger.Error("batch lookup failed", zap.String("batch_id", batchID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "batch lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// trigger handles POST /trigger.
func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	if s.launcher == nil {
		writeError(w, http.StatusServiceUnavailable, "collector not configured")
		return
	}
	var req trigger.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Platform = trigger.Platform(strings.ToLower(strings.TrimSpace(string(req.Platform))))
	res, err := s.launcher.Launch(r.Context(), req)
	if err != nil {
		if errors.Is(err, trigger.ErrEmptyRequest) || errors.Is(err, trigger.ErrUnknownPlatform) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("trigger failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("request_id", requestID(r.Context())))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
