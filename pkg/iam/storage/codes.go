// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"path/filepath"
	"time"

	"github.com/stacklok/healthbridge/pkg/jsonstore"
)

// AuthCodesFileName is the JSON-lines file holding outstanding codes.
const AuthCodesFileName = "auth_codes.txt"

// authCodeTTL bounds how long an issued code can be exchanged.
const authCodeTTL = 10 * time.Minute

// AuthCode is everything bound to an authorization code at issue time.
// The code string itself is the store key.
type AuthCode struct {
	ClientID            string `json:"clientId"`
	Subject             string `json:"subject"`
	RedirectURI         string `json:"redirectUri"`
	CodeChallenge       string `json:"codeChallenge"`
	CodeChallengeMethod string `json:"codeChallengeMethod"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
}

// CodeStore persists authorization codes until they are exchanged or expire.
type CodeStore struct {
	store *jsonstore.Store[AuthCode]
}

// NewCodeStore opens the code store under dir.
func NewCodeStore(ctx context.Context, dir string) (*CodeStore, error) {
	store, err := jsonstore.New[AuthCode](ctx, filepath.Join(dir, AuthCodesFileName),
		jsonstore.WithTTL[AuthCode](authCodeTTL),
		jsonstore.WithCleanupInterval[AuthCode](time.Minute),
	)
	if err != nil {
		return nil, err
	}
	return &CodeStore{store: store}, nil
}

// Issue binds grant to code.
func (s *CodeStore) Issue(ctx context.Context, code string, grant AuthCode) error {
	return s.store.Put(ctx, code, grant)
}

// Consume atomically removes and returns the grant for code. An expired or
// unknown code reports found == false; at most one concurrent exchange wins.
func (s *CodeStore) Consume(ctx context.Context, code string) (AuthCode, bool, error) {
	return s.store.Consume(ctx, code)
}

// Close stops the store's expiry cleanup.
func (s *CodeStore) Close() error {
	return s.store.Close()
}
