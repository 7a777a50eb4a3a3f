// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/healthbridge/pkg/iam/keys"
)

func newTestSigner(t *testing.T) (*Signer, *keys.Provider) {
	t.Helper()
	provider, err := keys.LoadOrGenerate(filepath.Join(t.TempDir(), keys.KeyFileName))
	require.NoError(t, err)
	signer, err := NewSigner(provider)
	require.NoError(t, err)
	return signer, provider
}

func TestIssueAccessToken_HeaderAndClaims(t *testing.T) {
	t.Parallel()

	signer, provider := newTestSigner(t)
	raw, err := signer.IssueAccessToken("17", "openid observation.write", &Demographics{
		GivenName:  "Erika",
		FamilyName: "Mustermann",
		Birthdate:  "1980-04-12",
	})
	require.NoError(t, err)

	parts := strings.Split(raw, ".")
	require.Len(t, parts, 3)

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	var header map[string]string
	require.NoError(t, json.Unmarshal(headerJSON, &header))
	assert.Equal(t, "ES256", header["alg"])
	assert.Equal(t, "JWT", header["typ"])
	assert.Equal(t, provider.KeyID(), header["kid"])

	// ES256 signatures are raw r||s, 64 bytes.
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	assert.Len(t, sig, 64)

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims Claims
	require.NoError(t, json.Unmarshal(payloadJSON, &claims))
	assert.Equal(t, Issuer, claims.Issuer)
	assert.Equal(t, Audience, claims.Audience)
	assert.Equal(t, "17", claims.Subject)
	assert.Equal(t, "openid observation.write", claims.Scope)
	assert.Equal(t, "Erika", claims.GivenName)
	assert.Equal(t, "Mustermann", claims.FamilyName)
	assert.Equal(t, "1980-04-12", claims.Birthdate)
	assert.Equal(t, int64(900), claims.Expiry-claims.IssuedAt)
}

func TestIssueAccessToken_VerifiableWithPublicKey(t *testing.T) {
	t.Parallel()

	signer, provider := newTestSigner(t)
	raw, err := signer.IssueAccessToken("1", "openid", nil)
	require.NoError(t, err)

	parsed, err := jwt.Parse(raw,
		func(*jwt.Token) (any, error) { return provider.Public(), nil },
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	)
	require.NoError(t, err)
	assert.True(t, parsed.Valid)

	sub, err := parsed.Claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "1", sub)
}

func TestIssueAccessToken_OmitsAbsentDemographics(t *testing.T) {
	t.Parallel()

	signer, _ := newTestSigner(t)
	raw, err := signer.IssueAccessToken("1", "openid", nil)
	require.NoError(t, err)

	payloadJSON, err := base64.RawURLEncoding.DecodeString(strings.Split(raw, ".")[1])
	require.NoError(t, err)
	assert.NotContains(t, string(payloadJSON), "given_name")
	assert.NotContains(t, string(payloadJSON), "family_name")
	assert.NotContains(t, string(payloadJSON), "birthdate")
}
