// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jsonstore implements the file-backed stores shared by the
// healthbridge services. A store is a JSON-lines file with an in-memory
// index: the file is read once at startup (expired lines are dropped) and
// every mutation rewrites it atomically through a temporary file. All
// operations on a store are serialized by a single mutex, which makes
// consume-style operations atomic under concurrent callers.
package jsonstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/stacklok/healthbridge/pkg/logger"
)

// record wraps a stored value with its TTL bookkeeping.
type record[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time // zero means no expiry
}

func (r *record[T]) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && !now.Before(r.expiresAt)
}

// line is the on-disk form of one entry.
type line[T any] struct {
	Key       string     `json:"key"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Value     T          `json:"value"`
}

// Store is a file-backed key-value store for one entry type.
type Store[T any] struct {
	mu      sync.Mutex
	path    string
	lock    *flock.Flock
	entries map[string]*record[T]

	// ttl applied to new entries; zero disables expiry.
	ttl time.Duration

	// cleanupInterval is how often the background cleanup runs; zero disables it.
	cleanupInterval time.Duration

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// Option configures a Store.
type Option[T any] func(*Store[T])

// WithTTL sets the time-to-live applied to entries on Put.
func WithTTL[T any](ttl time.Duration) Option[T] {
	return func(s *Store[T]) {
		s.ttl = ttl
	}
}

// WithCleanupInterval enables a background goroutine that purges expired
// entries at the given interval.
func WithCleanupInterval[T any](interval time.Duration) Option[T] {
	return func(s *Store[T]) {
		s.cleanupInterval = interval
	}
}

// New opens the store at path, rebuilding the in-memory index from the
// existing file. Expired entries are dropped during the load.
func New[T any](ctx context.Context, path string, opts ...Option[T]) (*Store[T], error) {
	s := &Store[T]{
		path:        path,
		lock:        NewFileLock(path),
		entries:     make(map[string]*record[T]),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	} else {
		close(s.cleanupDone)
	}

	return s, nil
}

// Close stops the background cleanup goroutine, if any.
func (s *Store[T]) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	<-s.cleanupDone
	return nil
}

// Path returns the backing file path.
func (s *Store[T]) Path() string {
	return s.path
}

// Get returns the unexpired value for key.
func (s *Store[T]) Get(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	rec, ok := s.entries[key]
	if !ok || rec.expired(time.Now()) {
		return zero, false
	}
	return rec.value, true
}

// Put inserts or replaces the value for key and persists the store.
func (s *Store[T]) Put(ctx context.Context, key string, value T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insert(key, value)
	return s.persist(ctx)
}

// PutIfAbsent stores value under key only when no unexpired entry exists.
// It returns the value now held for the key and whether an existing entry won.
func (s *Store[T]) PutIfAbsent(ctx context.Context, key string, value T) (T, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.entries[key]; ok && !rec.expired(time.Now()) {
		return rec.value, true, nil
	}

	s.insert(key, value)
	if err := s.persist(ctx); err != nil {
		var zero T
		return zero, false, err
	}
	return value, false, nil
}

// Consume atomically removes and returns the unexpired value for key.
// At most one concurrent caller observes found == true for a given key.
func (s *Store[T]) Consume(ctx context.Context, key string) (T, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	rec, ok := s.entries[key]
	if !ok || rec.expired(time.Now()) {
		// An expired entry is indistinguishable from one never stored.
		return zero, false, nil
	}

	delete(s.entries, key)
	if err := s.persist(ctx); err != nil {
		return zero, false, err
	}
	return rec.value, true, nil
}

// Delete removes the entry for key. It reports whether an entry was present.
func (s *Store[T]) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	delete(s.entries, key)
	return true, s.persist(ctx)
}

// DeleteFunc removes every unexpired entry for which pred returns true and
// returns the number removed.
func (s *Store[T]) DeleteFunc(ctx context.Context, pred func(key string, value T) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, rec := range s.entries {
		if rec.expired(now) {
			continue
		}
		if pred(key, rec.value) {
			delete(s.entries, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persist(ctx)
}

// Range calls fn for every unexpired entry until fn returns false.
func (s *Store[T]) Range(fn func(key string, value T) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, rec := range s.entries {
		if rec.expired(now) {
			continue
		}
		if !fn(key, rec.value) {
			return
		}
	}
}

// Len returns the number of unexpired entries.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	n := 0
	for _, rec := range s.entries {
		if !rec.expired(now) {
			n++
		}
	}
	return n
}

func (s *Store[T]) insert(key string, value T) {
	now := time.Now()
	rec := &record[T]{value: value, createdAt: now}
	if s.ttl > 0 {
		rec.expiresAt = now.Add(s.ttl)
	}
	s.entries[key] = rec
}

// load rebuilds the index from the backing file. Later lines win over
// earlier ones for the same key, so an appended file loads correctly too.
func (s *Store[T]) load(ctx context.Context) error {
	return WithFileLock(ctx, s.lock, func() error {
		now := time.Now()
		dropped := 0
		err := ReadLines(s.path, func(data []byte) error {
			var ln line[T]
			if err := json.Unmarshal(data, &ln); err != nil {
				return fmt.Errorf("corrupt line in %s: %w", s.path, err)
			}
			rec := &record[T]{value: ln.Value, createdAt: ln.CreatedAt}
			if ln.ExpiresAt != nil {
				rec.expiresAt = *ln.ExpiresAt
			}
			if rec.expired(now) {
				dropped++
				return nil
			}
			s.entries[ln.Key] = rec
			return nil
		})
		if err != nil {
			return err
		}
		if dropped > 0 {
			logger.Debugw("dropped expired entries during load",
				"path", s.path, "count", dropped)
		}
		return nil
	})
}

// persist rewrites the backing file from the index. Callers hold s.mu.
func (s *Store[T]) persist(ctx context.Context) error {
	now := time.Now()
	lines := make([][]byte, 0, len(s.entries))

	// Deterministic order keeps rewrites diffable.
	for _, key := range sortedKeys(s.entries) {
		rec := s.entries[key]
		if rec.expired(now) {
			delete(s.entries, key)
			continue
		}
		ln := line[T]{Key: key, CreatedAt: rec.createdAt, Value: rec.value}
		if !rec.expiresAt.IsZero() {
			expires := rec.expiresAt
			ln.ExpiresAt = &expires
		}
		data, err := MarshalCanonical(ln)
		if err != nil {
			return fmt.Errorf("failed to encode entry %q: %w", key, err)
		}
		lines = append(lines, data)
	}

	return WithFileLock(ctx, s.lock, func() error {
		return WriteLinesAtomic(s.path, lines)
	})
}

// purgeExpired drops expired entries and persists if anything was removed.
func (s *Store[T]) purgeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, rec := range s.entries {
		if rec.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	if removed == 0 {
		return
	}
	if err := s.persist(context.Background()); err != nil {
		logger.Warnf("failed to persist store %s after cleanup: %v", s.path, err)
	}
}

// cleanupLoop runs periodic cleanup of expired entries.
func (s *Store[T]) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.purgeExpired()
		}
	}
}

func sortedKeys[T any](m map[string]*record[T]) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
