// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token issues the authority's ES256 access tokens.
package token

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/healthbridge/pkg/iam/keys"
)

const (
	// Issuer is the iss claim stamped into every access token.
	Issuer = "iam-server"

	// Audience is the aud claim; the ingestion gateway rejects tokens
	// minted for anyone else.
	Audience = "client-facing-server"

	// SigAlgorithm is the only signature algorithm tokens are signed with,
	// and the only one verifiers accept.
	SigAlgorithm = keys.SigAlgorithm

	// AccessTokenLifetime bounds exp - iat.
	AccessTokenLifetime = 15 * time.Minute
)

// ExpiresInSeconds is the expires_in value returned by the token endpoint.
const ExpiresInSeconds = int(AccessTokenLifetime / time.Second)

// Claims is the access-token payload. Demographics ride along when the
// subject is still registered at issue time.
type Claims struct {
	Issuer     string `json:"iss"`
	Subject    string `json:"sub"`
	Audience   string `json:"aud"`
	IssuedAt   int64  `json:"iat"`
	Expiry     int64  `json:"exp"`
	Scope      string `json:"scope"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Birthdate  string `json:"birthdate,omitempty"`
}

// Demographics is the optional identity payload added to a token.
type Demographics struct {
	GivenName  string
	FamilyName string
	Birthdate  string
}

// Signer mints compact JWS access tokens with the authority's current key.
type Signer struct {
	signer jose.Signer
}

// NewSigner builds a Signer around the loaded key. The token header
// carries alg, typ and the provider's kid.
func NewSigner(provider *keys.Provider) (*Signer, error) {
	signingKey := jose.SigningKey{Algorithm: jose.ES256, Key: provider.Signer()}
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", provider.KeyID())

	signer, err := jose.NewSigner(signingKey, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to construct token signer: %w", err)
	}
	return &Signer{signer: signer}, nil
}

// IssueAccessToken signs a fresh token for subject with the granted scope.
// demo may be nil when the subject's record no longer exists.
func (s *Signer) IssueAccessToken(subject, scope string, demo *Demographics) (string, error) {
	now := time.Now()
	claims := Claims{
		Issuer:   Issuer,
		Subject:  subject,
		Audience: Audience,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(AccessTokenLifetime).Unix(),
		Scope:    scope,
	}
	if demo != nil {
		claims.GivenName = demo.GivenName
		claims.FamilyName = demo.FamilyName
		claims.Birthdate = demo.Birthdate
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}

	jws, err := s.signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return jws.CompactSerialize()
}
