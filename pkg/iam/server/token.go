// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/stacklok/healthbridge/pkg/iam/crypto"
	"github.com/stacklok/healthbridge/pkg/iam/storage"
	"github.com/stacklok/healthbridge/pkg/iam/token"
	"github.com/stacklok/healthbridge/pkg/logger"
)

const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"
)

// tokenResponse is the success body of the token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// TokenHandler handles POST /token, dispatching on grant_type.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	switch req.PostForm.Get("grant_type") {
	case grantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, req)
	case grantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, req)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type",
			"grant_type must be authorization_code or refresh_token")
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, req *http.Request) {
	var (
		code        = req.PostForm.Get("code")
		redirectURI = req.PostForm.Get("redirect_uri")
		verifier    = req.PostForm.Get("code_verifier")
		clientID    = req.PostForm.Get("client_id")
	)
	if code == "" || redirectURI == "" || verifier == "" || clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request",
			"code, redirect_uri, code_verifier and client_id are required")
		return
	}

	grant, found, err := h.codes.Consume(req.Context(), code)
	if err != nil {
		logger.Errorw("failed to consume authorization code", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "storage failure")
		return
	}
	if !found {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant",
			"authorization code is unknown, expired or already used")
		return
	}

	// The code is gone from the store at this point, so a mismatch costs
	// the caller the whole flow. That is intentional for single-use codes.
	if grant.ClientID != clientID || grant.RedirectURI != redirectURI {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant",
			"code was issued to a different client or redirect_uri")
		return
	}
	if !crypto.VerifyPKCEChallenge(verifier, grant.CodeChallenge) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	h.issueTokens(w, req, grant.Subject, grant.Scope)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, req *http.Request) {
	refreshToken := req.PostForm.Get("refresh_token")
	if refreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	binding, found, err := h.refresh.Consume(req.Context(), refreshToken)
	if err != nil {
		logger.Errorw("failed to consume refresh token", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "storage failure")
		return
	}
	if !found {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant",
			"refresh token is unknown, expired or already used")
		return
	}

	h.issueTokens(w, req, binding.Subject, binding.Scope)
}

// issueTokens mints the access token plus a rotated refresh token and
// writes the standard token response. A subject whose patient record has
// been deleted still gets a token, just without demographics.
func (h *Handler) issueTokens(w http.ResponseWriter, req *http.Request, subject, scope string) {
	var demo *token.Demographics
	if patient, found := h.patients.Get(subject); found {
		demo = &token.Demographics{
			GivenName:  patient.FirstName,
			FamilyName: patient.LastName,
			Birthdate:  patient.DateOfBirth,
		}
	}

	accessToken, err := h.signer.IssueAccessToken(subject, scope, demo)
	if err != nil {
		logger.Errorw("failed to sign access token", "error", err, "subject", subject)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to sign token")
		return
	}

	refreshToken, err := crypto.GenerateOpaqueToken()
	if err != nil {
		logger.Errorw("failed to generate refresh token", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to issue token")
		return
	}
	if err := h.refresh.Issue(req.Context(), refreshToken, storage.RefreshToken{
		Subject: subject,
		Scope:   scope,
	}); err != nil {
		logger.Errorw("failed to store refresh token", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "storage failure")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    token.ExpiresInSeconds,
		RefreshToken: refreshToken,
		Scope:        scope,
	})
}

// RevokeHandler handles POST /revoke per RFC 7009: the endpoint reports
// success whether or not the presented token was live.
func (h *Handler) RevokeHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	tok := req.PostForm.Get("token")
	if tok == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	// Access tokens are stateless and expire on their own; only refresh
	// tokens are held server-side. The token_type_hint is advisory, so
	// the refresh store is always consulted.
	if err := h.refresh.Revoke(req.Context(), tok); err != nil {
		logger.Errorw("failed to revoke token", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "storage failure")
		return
	}
	w.WriteHeader(http.StatusOK)
}
