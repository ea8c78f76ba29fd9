// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/absmach/relay/failure"
	"github.com/absmach/relay/queue"
	"github.com/absmach/relay/ratelimit"
)

const (
	// AttributeHeaderPrefix marks request headers forwarded as message attributes.
	AttributeHeaderPrefix = "X-Relay-Attr-"

	maxBodySize = 256 * 1024
)

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

type Server struct {
	config  Config
	queue   queue.Sender
	limiter *ratelimit.IPRateLimiter
	logger  *slog.Logger
	server  *http.Server
}

// New creates the publish API server. limiter may be nil.
func New(cfg Config, q queue.Sender, limiter *ratelimit.IPRateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		queue:   q,
		limiter: limiter,
		logger:  logger,
	}

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: s.Handler(),
	}

	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/messages", s.handlePublish)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("http_api_starting", slog.String("addr", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("http_api_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http_api_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("http_api_stopped")
		return nil
	}
}

type publishResponse struct {
	MessageID string `json:"message_id"`
}

type errorResponse struct {
	Code    failure.Code `json:"code,omitempty"`
	Message string       `json:"message"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.limiter != nil && !s.limiter.Allow(r.RemoteAddr) {
		s.logger.Warn("http_publish_rate_limited", slog.String("remote", r.RemoteAddr))
		writeError(w, http.StatusTooManyRequests, "", "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, failure.CodeSizeExceeded, "request body too large")
			return
		}
		s.logger.Warn("http_publish_invalid_request", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "", "failed to read request body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, failure.CodeNullMessage, "request body is required")
		return
	}

	attrs := attributesFromHeaders(r.Header)

	s.logger.Debug("http_publish",
		slog.Int("payload_size", len(body)),
		slog.Int("attributes", len(attrs)))

	id, err := s.queue.Send(r.Context(), body, attrs)
	if err != nil {
		s.logger.Error("http_publish_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, failure.CodeQueueSend, "failed to enqueue message")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(publishResponse{MessageID: id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func attributesFromHeaders(h http.Header) map[string]string {
	var attrs map[string]string
	for key, values := range h {
		if len(values) == 0 || !strings.HasPrefix(key, AttributeHeaderPrefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, AttributeHeaderPrefix))
		if name == "" {
			continue
		}
		if attrs == nil {
			attrs = make(map[string]string)
		}
		attrs[name] = values[0]
	}
	return attrs
}

func writeError(w http.ResponseWriter, status int, code failure.Code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Code: code, Message: msg})
}
