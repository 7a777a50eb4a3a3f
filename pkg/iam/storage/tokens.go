// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"path/filepath"
	"time"

	"github.com/stacklok/healthbridge/pkg/jsonstore"
)

// RefreshTokensFileName is the JSON-lines file holding refresh tokens.
const RefreshTokensFileName = "refresh_tokens.txt"

// refreshTokenTTL bounds refresh-token validity from creation.
const refreshTokenTTL = 30 * 24 * time.Hour

// RefreshToken is the binding behind an opaque refresh token. The token
// string itself is the store key.
type RefreshToken struct {
	Subject string `json:"subject"`
	Scope   string `json:"scope"`
}

// RefreshStore persists refresh tokens across restarts. Tokens rotate:
// every use consumes the presented token and issues a fresh one.
type RefreshStore struct {
	store *jsonstore.Store[RefreshToken]
}

// NewRefreshStore opens the refresh-token store under dir.
func NewRefreshStore(ctx context.Context, dir string) (*RefreshStore, error) {
	store, err := jsonstore.New[RefreshToken](ctx, filepath.Join(dir, RefreshTokensFileName),
		jsonstore.WithTTL[RefreshToken](refreshTokenTTL),
		jsonstore.WithCleanupInterval[RefreshToken](time.Hour),
	)
	if err != nil {
		return nil, err
	}
	return &RefreshStore{store: store}, nil
}

// Issue stores binding under token.
func (s *RefreshStore) Issue(ctx context.Context, token string, binding RefreshToken) error {
	return s.store.Put(ctx, token, binding)
}

// Consume atomically removes and returns the binding for token. Unknown
// and expired tokens report found == false.
func (s *RefreshStore) Consume(ctx context.Context, token string) (RefreshToken, bool, error) {
	return s.store.Consume(ctx, token)
}

// Revoke removes token if present. Per RFC 7009 the caller reports
// success either way, so absence is not an error.
func (s *RefreshStore) Revoke(ctx context.Context, token string) error {
	_, err := s.store.Delete(ctx, token)
	return err
}

// RevokeSubject removes every token bound to subject and returns how many
// were revoked. Used when a patient record is deleted.
func (s *RefreshStore) RevokeSubject(ctx context.Context, subject string) (int, error) {
	return s.store.DeleteFunc(ctx, func(_ string, rt RefreshToken) bool {
		return rt.Subject == subject
	})
}

// Close stops the store's expiry cleanup.
func (s *RefreshStore) Close() error {
	return s.store.Close()
}
