// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto holds the PKCE primitives and opaque-token generation used
// by the identity authority.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the only challenge method accepted (RFC 7636).
const PKCEChallengeMethodS256 = "S256"

// opaqueTokenBytes is the entropy of authorization codes and refresh tokens.
const opaqueTokenBytes = 32

// GeneratePKCEVerifier generates a cryptographically random code_verifier
// per RFC 7636 Section 4.1, 43 characters of the base64url alphabet.
//
// This function delegates to oauth2.GenerateVerifier() from golang.org/x/oauth2.
// It will panic on crypto/rand read failure (which is appropriate for this case).
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the code_challenge from a code_verifier
// using the S256 method per RFC 7636 Section 4.2.
// code_challenge = BASE64URL(SHA256(code_verifier))
//
// This function delegates to oauth2.S256ChallengeFromVerifier() from golang.org/x/oauth2.
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCEChallenge recomputes the S256 challenge for verifier and
// compares it to the challenge bound at authorization time. The comparison
// is constant time.
func VerifyPKCEChallenge(verifier, challenge string) bool {
	computed := ComputePKCEChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// GenerateOpaqueToken returns a fresh random token for use as an
// authorization code or refresh token: 32 bytes, base64url without padding.
func GenerateOpaqueToken() (string, error) {
	buf := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
