// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the identity authority's ES256 signing key. The key
// is generated once on first start, persisted as PEM, and reused on every
// restart so issued tokens survive a process bounce.
package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/healthbridge/pkg/logger"
)

// KeyFileName is the PEM file holding the signing key inside the
// identity authority's storage directory.
const KeyFileName = "ec_private_key.pem"

// SigAlgorithm is the only signature algorithm the authority issues.
const SigAlgorithm = "ES256"

// Provider holds the loaded signing key and its derived identifiers.
// The key material is read-only after construction.
type Provider struct {
	key   *ecdsa.PrivateKey
	keyID string
}

// LoadOrGenerate loads the P-256 signing key from path, generating and
// persisting a fresh one when the file does not exist yet. Any other load
// failure is returned to the caller, which should treat it as fatal.
func LoadOrGenerate(path string) (*Provider, error) {
	keyPEM, err := os.ReadFile(path) // #nosec G304 - path comes from service configuration
	switch {
	case err == nil:
		key, err := parsePrivateKey(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key %s: %w", path, err)
		}
		return newProvider(key), nil
	case os.IsNotExist(err):
		key, err := generateAndPersist(path)
		if err != nil {
			return nil, err
		}
		p := newProvider(key)
		logger.Infow("generated new signing key", "path", path, "kid", p.keyID)
		return p, nil
	default:
		return nil, fmt.Errorf("failed to read signing key %s: %w", path, err)
	}
}

func newProvider(key *ecdsa.PrivateKey) *Provider {
	return &Provider{key: key, keyID: deriveKeyID(&key.PublicKey)}
}

// KeyID returns the identifier published in the JWKS and stamped into
// every token header.
func (p *Provider) KeyID() string {
	return p.keyID
}

// Signer returns the private key for token signing.
func (p *Provider) Signer() *ecdsa.PrivateKey {
	return p.key
}

// Public returns the verification half of the key pair.
func (p *Provider) Public() *ecdsa.PublicKey {
	return &p.key.PublicKey
}

// JWKS returns the authority's single-key JWK set. go-jose renders the
// EC coordinates as unpadded base64url of fixed 32-byte big-endian values.
func (p *Provider) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       p.Public(),
			KeyID:     p.keyID,
			Algorithm: SigAlgorithm,
			Use:       "sig",
		}},
	}
}

// deriveKeyID hashes the public key's coordinate representation, X and Y
// each left-padded to 32 bytes, and keeps the first 8 bytes as hex.
func deriveKeyID(pub *ecdsa.PublicKey) string {
	buf := make([]byte, 64)
	pub.X.FillBytes(buf[:32])
	pub.Y.FillBytes(buf[32:])
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:8])
}

// parsePrivateKey accepts SEC 1 and PKCS#8 encodings of a P-256 key.
func parsePrivateKey(keyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return requireP256(ecKey)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("not a SEC 1 or PKCS#8 private key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T, need ECDSA P-256", key)
	}
	return requireP256(ecKey)
}

func requireP256(key *ecdsa.PrivateKey) (*ecdsa.PrivateKey, error) {
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("unsupported curve %s, need P-256", key.Curve.Params().Name)
	}
	return key, nil
}

func generateAndPersist(path string) (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signing key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist signing key %s: %w", path, err)
	}
	return key, nil
}
