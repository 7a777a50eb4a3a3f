// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth verifies the bearer tokens minted by the identity authority.
// Verification is fully local: public keys come from the authority's JWKS
// endpoint through an auto-refreshing cache, so no per-request network call
// is needed once the keys are known.
package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/healthbridge/pkg/gateway/audit"
	"github.com/stacklok/healthbridge/pkg/iam/token"
	"github.com/stacklok/healthbridge/pkg/logger"
)

// Common errors
var (
	ErrNoToken    = errors.New("no token provided")
	errUnknownKey = errors.New("signing key not found in JWKS")
)

// Claims is the claim set carried by the identity authority's access tokens.
type Claims struct {
	jwt.RegisteredClaims
	Scope      string `json:"scope,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Birthdate  string `json:"birthdate,omitempty"`
}

// Verifier validates compact-serialized ES256 tokens against the identity
// authority's published key set.
type Verifier struct {
	jwksURL    string
	httpClient *http.Client
	jwksCache  *jwk.Cache

	// Registration performs an initial fetch, so it is retried lazily
	// until the identity authority becomes reachable.
	registrationMu sync.Mutex
	registered     bool
}

// NewVerifier builds a verifier for the JWKS document at jwksURL. The
// initial key fetch is best-effort: if the identity authority is not up
// yet, registration is retried on the first verification that needs it.
func NewVerifier(ctx context.Context, jwksURL string, httpClient *http.Client) (*Verifier, error) {
	if jwksURL == "" {
		return nil, errors.New("missing JWKS URL")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	v := &Verifier{
		jwksURL:    jwksURL,
		httpClient: httpClient,
		jwksCache:  cache,
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	_, err = backoff.Retry(ctx, func() (any, error) {
		return nil, v.ensureRegistered(ctx)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		logger.Warnf("Signing keys not yet available from %s: %v", jwksURL, err)
	}

	return v, nil
}

// JWKSURL returns the key set URL used by the verifier.
func (v *Verifier) JWKSURL() string {
	return v.jwksURL
}

// VerifyToken validates tokenString and returns the identity it asserts.
func (v *Verifier) VerifyToken(ctx context.Context, tokenString string) (*Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return v.keyFor(ctx, t)
	},
		jwt.WithValidMethods([]string{token.SigAlgorithm}),
		jwt.WithIssuer(token.Issuer),
		jwt.WithAudience(token.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", jwt.ErrTokenInvalidClaims)
	}

	return &Identity{
		Subject:    claims.Subject,
		Scope:      claims.Scope,
		GivenName:  claims.GivenName,
		FamilyName: claims.FamilyName,
		Birthdate:  claims.Birthdate,
	}, nil
}

// FailureReason maps a verification error to the categorical reason written
// to the audit trail.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrNoToken):
		return audit.ReasonMissingToken
	case errors.Is(err, jwt.ErrTokenExpired):
		return audit.ReasonTokenExpired
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return audit.ReasonWrongAudience
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return audit.ReasonWrongIssuer
	case errors.Is(err, errUnknownKey):
		return audit.ReasonUnknownKey
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return audit.ReasonInvalidSignature
	default:
		return audit.ReasonMalformedToken
	}
}

// keyFor resolves the verification key named by the token's kid header.
// A kid absent from the cached set triggers exactly one bypassing fetch,
// which is how key rotation at the authority is picked up without waiting
// for the cache's refresh interval.
func (v *Verifier) keyFor(ctx context.Context, t *jwt.Token) (any, error) {
	kid, ok := t.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("%w: token header missing kid", errUnknownKey)
	}

	keySet, err := v.lookupKeySet(ctx)
	if err != nil {
		return nil, err
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		fresh, err := jwk.Fetch(ctx, v.jwksURL, jwk.WithHTTPClient(v.httpClient))
		if err != nil {
			return nil, fmt.Errorf("%w: %s (refresh failed: %v)", errUnknownKey, kid, err)
		}
		key, found = fresh.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("%w: %s", errUnknownKey, kid)
		}
	}

	var pub ecdsa.PublicKey
	if err := jwk.Export(key, &pub); err != nil {
		return nil, fmt.Errorf("failed to export verification key: %w", err)
	}
	return &pub, nil
}

func (v *Verifier) lookupKeySet(ctx context.Context) (jwk.Set, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnknownKey, err)
	}

	keySet, err := v.jwksCache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnknownKey, err)
	}
	return keySet, nil
}

// ensureRegistered registers the JWKS URL with the cache once. Unlike a
// sync.Once, a failed attempt leaves the verifier unregistered so the next
// request tries again.
func (v *Verifier) ensureRegistered(ctx context.Context) error {
	v.registrationMu.Lock()
	defer v.registrationMu.Unlock()

	if v.registered {
		return nil
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := v.jwksCache.Register(registrationCtx, v.jwksURL); err != nil {
		return fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.registered = true
	return nil
}
