// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stacklok/healthbridge/pkg/iam/crypto"
	"github.com/stacklok/healthbridge/pkg/iam/keys"
	"github.com/stacklok/healthbridge/pkg/logger"
)

// discoveryCacheMaxAge is the Cache-Control max-age for the discovery and
// JWKS endpoints (1 hour).
const discoveryCacheMaxAge = 3600

// DiscoveryDocument is the OIDC discovery metadata served at
// /.well-known/openid-configuration.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// DiscoveryHandler handles GET /.well-known/openid-configuration.
func (h *Handler) DiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	issuer := h.cfg.Issuer
	doc := DiscoveryDocument{
		Issuer:                           issuer,
		AuthorizationEndpoint:            issuer + "/authorize",
		TokenEndpoint:                    issuer + "/token",
		RevocationEndpoint:               issuer + "/revoke",
		JWKSURI:                          issuer + "/jwks",
		ResponseTypesSupported:           []string{"code"},
		GrantTypesSupported:              []string{grantTypeAuthorizationCode, grantTypeRefreshToken},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{keys.SigAlgorithm},
		CodeChallengeMethodsSupported:    []string{crypto.PKCEChallengeMethodS256},
		ScopesSupported:                  ScopesSupported,
		// The registered client is public; it authenticates with PKCE only.
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		logger.Errorw("failed to encode discovery document", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

// JWKSHandler handles GET /jwks. It returns the single-key set used to
// verify access tokens.
func (h *Handler) JWKSHandler(w http.ResponseWriter, _ *http.Request) {
	data, err := json.Marshal(h.keys.JWKS())
	if err != nil {
		logger.Errorw("failed to encode JWKS", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
