// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package status keeps the clinical emitter's per-subject transfer
// history. Entries never expire: "has transferred before" stays true for
// the lifetime of the exchange directory.
package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stacklok/healthbridge/pkg/jsonstore"
)

// FileName is the canonical store file inside the storage directory.
const FileName = "clinical_status.txt"

// Entry is one subject's transfer history. Its JSON shape is also the
// status endpoint's response body.
type Entry struct {
	PatientID     string     `json:"patientId"`
	TransferCount int        `json:"transferCount"`
	LastTransfer  *time.Time `json:"lastTransfer,omitempty"`
}

// Store records completed transfers per subject.
type Store struct {
	// mu serializes read-modify-write cycles; the underlying store only
	// guards single operations.
	mu    sync.Mutex
	store *jsonstore.Store[Entry]
}

// New opens the store inside dir, creating the directory if needed.
func New(ctx context.Context, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	store, err := jsonstore.New[Entry](ctx, filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	return &Store{store: store}, nil
}

// Record notes one completed transfer: the subject's counter goes up and
// its last-transfer timestamp becomes now.
func (s *Store) Record(ctx context.Context, subject string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, _ := s.store.Get(subject)
	entry.PatientID = subject
	entry.TransferCount++
	now := time.Now().UTC()
	entry.LastTransfer = &now

	if err := s.store.Put(ctx, subject, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Get returns the subject's history, reporting false when the subject has
// never transferred.
func (s *Store) Get(subject string) (Entry, bool) {
	return s.store.Get(subject)
}

// Close releases the underlying store.
func (s *Store) Close() error {
	return s.store.Close()
}
