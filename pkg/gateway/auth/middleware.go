// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/stacklok/healthbridge/pkg/errors"
	"github.com/stacklok/healthbridge/pkg/gateway/audit"
	"github.com/stacklok/healthbridge/pkg/gateway/metrics"
	"github.com/stacklok/healthbridge/pkg/logger"
)

// reasonMessages translates audit reasons into client-facing messages.
// None of them reveal whether a subject exists.
var reasonMessages = map[string]string{
	audit.ReasonMissingToken:     "authorization bearer token is required",
	audit.ReasonMalformedToken:   "token is malformed",
	audit.ReasonInvalidSignature: "token signature could not be verified",
	audit.ReasonTokenExpired:     "token has expired",
	audit.ReasonWrongAudience:    "token audience is not this service",
	audit.ReasonWrongIssuer:      "token issuer is not trusted",
	audit.ReasonUnknownKey:       "token signing key is not known to this service",
}

// Middleware authenticates every request with the verifier. Failures are
// audited with their categorical reason and answered with a 401; successes
// place the asserted identity in the request context.
func Middleware(verifier *Verifier, auditLog *audit.Log) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err == nil {
				var identity *Identity
				identity, err = verifier.VerifyToken(r.Context(), tokenString)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
					return
				}
			}

			reason := FailureReason(err)
			metrics.RecordAuthRejection(reason)
			if auditErr := auditLog.Append(r.Context(), audit.AuthRejected(reason)); auditErr != nil {
				logger.Errorw("Failed to audit rejected authentication", "error", auditErr)
			}
			writeAuthError(w, reason)
		})
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoToken
	}
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return "", ErrNoToken
	}
	return tokenString, nil
}

func writeAuthError(w http.ResponseWriter, reason string) {
	message, ok := reasonMessages[reason]
	if !ok {
		message = "token could not be verified"
	}
	apiErr := errors.NewAuthenticationError(message, nil)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode())
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   apiErr.Type,
		"message": apiErr.Message,
	})
}
