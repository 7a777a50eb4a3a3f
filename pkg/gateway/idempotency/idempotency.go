// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package idempotency caches submission results keyed by the caller-supplied
// Idempotency-Key header, scoped per subject. A key is write-once for the
// retention period, so retries of the same submission observe the result of
// the first attempt instead of forwarding again.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/stacklok/healthbridge/pkg/jsonstore"
)

const (
	// FileName is the cache file inside the gateway's storage dir.
	FileName = "idempotency.txt"

	// retention is how long a key stays bound to its first result.
	retention = 24 * time.Hour

	cleanupInterval = 10 * time.Minute
)

// Cache is a persistent, per-subject idempotency cache.
type Cache struct {
	store *jsonstore.Store[json.RawMessage]
}

// New opens the cache under dir.
func New(ctx context.Context, dir string) (*Cache, error) {
	store, err := jsonstore.New[json.RawMessage](
		ctx,
		filepath.Join(dir, FileName),
		jsonstore.WithTTL[json.RawMessage](retention),
		jsonstore.WithCleanupInterval[json.RawMessage](cleanupInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open idempotency cache: %w", err)
	}
	return &Cache{store: store}, nil
}

// Lookup returns the stored result for (subject, key), if any.
func (c *Cache) Lookup(subject, key string) ([]byte, bool) {
	raw, ok := c.store.Get(cacheKey(subject, key))
	if !ok {
		return nil, false
	}
	return raw, true
}

// Store binds result to (subject, key) unless a result is already bound.
// It returns the canonical result bytes for the key and whether they came
// from an earlier submission. Under concurrent retries exactly one caller
// stores its result; the rest receive the winner's.
func (c *Cache) Store(ctx context.Context, subject, key string, result []byte) ([]byte, bool, error) {
	existing, existed, err := c.store.PutIfAbsent(ctx, cacheKey(subject, key), json.RawMessage(result))
	if err != nil {
		return nil, false, fmt.Errorf("failed to store idempotency entry: %w", err)
	}
	if existed {
		return existing, true, nil
	}
	return result, false, nil
}

// Close flushes and stops the cache.
func (c *Cache) Close() error {
	return c.store.Close()
}

// cacheKey joins subject and key with a separator that cannot appear in an
// HTTP header value, so "1" + "2x" never collides with "12" + "x".
func cacheKey(subject, key string) string {
	return subject + "\x1f" + key
}
