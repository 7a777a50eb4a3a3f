// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server implements the identity authority's HTTP surface: OIDC
// discovery, JWKS, the interactive authorization flow, the token and
// revocation endpoints, and patient management.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/stacklok/healthbridge/pkg/errors"
	"github.com/stacklok/healthbridge/pkg/iam/keys"
	"github.com/stacklok/healthbridge/pkg/iam/storage"
	"github.com/stacklok/healthbridge/pkg/iam/token"
	"github.com/stacklok/healthbridge/pkg/logger"
)

// DefaultScope is granted when the authorization request carries no scope.
const DefaultScope = "openid observation.write"

// ScopesSupported is advertised in the discovery document.
var ScopesSupported = []string{"openid", "observation.write", "status.read"}

// Config carries the authority's externally visible identity and the
// single registered OAuth client.
type Config struct {
	// Issuer is the external base URL, used to compose discovery endpoints.
	Issuer string

	// ClientID is the one registered client; requests naming any other
	// client are rejected.
	ClientID string

	// RedirectURIs is the exact-match allowlist for redirect_uri at both
	// the authorize and token endpoints.
	RedirectURIs []string

	// AuthRateLimit/AuthRateWindow bound per-IP traffic on the credential
	// endpoints to slow down brute-force attempts.
	AuthRateLimit  int
	AuthRateWindow time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.AuthRateLimit <= 0 {
		out.AuthRateLimit = 30
	}
	if out.AuthRateWindow <= 0 {
		out.AuthRateWindow = time.Minute
	}
	return out
}

// redirectURIAllowed reports whether uri is member-equal to the allowlist.
func (c *Config) redirectURIAllowed(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if uri == allowed {
			return true
		}
	}
	return false
}

// Handler provides the HTTP handlers for all identity-authority endpoints.
type Handler struct {
	cfg      Config
	keys     *keys.Provider
	signer   *token.Signer
	patients *storage.PatientStore
	codes    *storage.CodeStore
	refresh  *storage.RefreshStore
}

// NewHandler creates a Handler with the given dependencies.
func NewHandler(
	cfg Config,
	provider *keys.Provider,
	signer *token.Signer,
	patients *storage.PatientStore,
	codes *storage.CodeStore,
	refresh *storage.RefreshStore,
) *Handler {
	return &Handler{
		cfg:      cfg.withDefaults(),
		keys:     provider,
		signer:   signer,
		patients: patients,
		codes:    codes,
		refresh:  refresh,
	}
}

// Routes returns a router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.WellKnownRoutes(r)
	h.OAuthRoutes(r)
	h.PatientRoutes(r)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// WellKnownRoutes registers the discovery and JWKS endpoints.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/openid-configuration", h.DiscoveryHandler)
	r.Get("/jwks", h.JWKSHandler)
}

// OAuthRoutes registers the authorization, token and revocation endpoints.
// The credential-bearing endpoints sit behind a per-IP limiter.
func (h *Handler) OAuthRoutes(r chi.Router) {
	limit := httprate.LimitByIP(h.cfg.AuthRateLimit, h.cfg.AuthRateWindow)
	r.With(limit).Get("/authorize", h.AuthorizeFormHandler)
	r.With(limit).Post("/authorize", h.AuthorizeSubmitHandler)
	r.With(limit).Post("/token", h.TokenHandler)
	r.Post("/revoke", h.RevokeHandler)
}

// PatientRoutes registers the patient-management endpoints.
func (h *Handler) PatientRoutes(r chi.Router) {
	r.Post("/patients", h.RegisterPatientHandler)
	r.Get("/patients", h.ListPatientsHandler)
	r.Get("/patients/{id}", h.GetPatientHandler)
	r.Delete("/patients/{id}", h.DeletePatientHandler)
}

// oauthError is the RFC 6749 error body used by the OAuth endpoints.
type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(oauthError{Code: code, Description: description})
}

// apiError is the {error, message} body used by the management endpoints.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
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
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
