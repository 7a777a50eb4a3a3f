// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server implements the ingestion gateway's HTTP surface: the
// authenticated observation submission and status endpoints, the public
// metadata endpoint, and the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/healthbridge/pkg/errors"
	"github.com/stacklok/healthbridge/pkg/gateway/audit"
	"github.com/stacklok/healthbridge/pkg/gateway/auth"
	"github.com/stacklok/healthbridge/pkg/gateway/forward"
	"github.com/stacklok/healthbridge/pkg/gateway/idempotency"
	"github.com/stacklok/healthbridge/pkg/gateway/metrics"
	"github.com/stacklok/healthbridge/pkg/gateway/ratelimit"
	"github.com/stacklok/healthbridge/pkg/logger"
)

// HeaderIdempotencyKey names the required deduplication header.
const HeaderIdempotencyKey = "Idempotency-Key"

// Config carries the gateway's externally visible settings.
type Config struct {
	// IAMBaseURL is the identity authority's external base URL, advertised
	// to clients through the metadata endpoint.
	IAMBaseURL string

	// RateLimit / RateWindow bound per-subject traffic on the
	// authenticated endpoints.
	RateLimit  int
	RateWindow time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	out.IAMBaseURL = strings.TrimRight(out.IAMBaseURL, "/")
	if out.RateLimit <= 0 {
		out.RateLimit = 60
	}
	if out.RateWindow <= 0 {
		out.RateWindow = time.Minute
	}
	return out
}

// Handler provides the HTTP handlers for all gateway endpoints.
type Handler struct {
	cfg      Config
	verifier *auth.Verifier
	limiter  *ratelimit.Limiter
	cache    *idempotency.Cache
	emitter  *forward.Client
	audit    *audit.Log
	attempts *attemptTracker
}

// NewHandler creates a Handler with the given dependencies. The rate
// limiter is built here so its rejection hook can write to the audit log
// from inside the admission decision.
func NewHandler(
	cfg Config,
	verifier *auth.Verifier,
	cache *idempotency.Cache,
	emitter *forward.Client,
	auditLog *audit.Log,
) *Handler {
	h := &Handler{
		cfg:      cfg.withDefaults(),
		verifier: verifier,
		cache:    cache,
		emitter:  emitter,
		audit:    auditLog,
		attempts: newAttemptTracker(),
	}
	h.limiter = ratelimit.New(h.cfg.RateLimit, h.cfg.RateWindow,
		ratelimit.WithRejectionHook(func(subject string, retryAfterSeconds int) {
			metrics.RecordRateLimited()
			if err := auditLog.Append(context.Background(), audit.RateLimited(subject, retryAfterSeconds)); err != nil {
				logger.Errorw("Failed to audit rate-limited request", "error", err)
			}
		}),
	)
	return h
}

// Routes returns a router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/metadata", h.MetadataHandler)
		api.Group(func(authed chi.Router) {
			authed.Use(auth.Middleware(h.verifier, h.audit))
			authed.Use(h.rateLimitMiddleware)
			authed.Post("/observations", h.SubmitObservationsHandler)
			authed.Get("/status", h.StatusHandler)
		})
	})
	return r
}

// rateLimitMiddleware admits or rejects the request by subject. It runs
// after authentication, so an identity is always present.
func (h *Handler) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			writeError(w, errors.NewAuthenticationError("request context has no identity", nil))
			return
		}

		decision := h.limiter.Allow(identity.Subject)
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(apiError{
				Error:             errors.ErrRateLimit,
				Message:           fmt.Sprintf("rate limit exceeded, retry after %d seconds", decision.RetryAfterSeconds),
				RetryAfterSeconds: decision.RetryAfterSeconds,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiError is the {error, message} body used by every gateway endpoint.
// Rate-limit rejections additionally carry the retry delay.
type apiError struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

func writeError(w http.ResponseWriter, err *errors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode())
	_ = json.NewEncoder(w).Encode(apiError{Error: err.Type, Message: err.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Errorw("failed to encode response", "error", err)
		writeError(w, errors.NewInternalError("failed to encode response", err))
		return
	}
	writeRawJSON(w, status, data)
}

func writeRawJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
