// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage holds the identity authority's persistent state: the
// patient registry, outstanding authorization codes, and refresh tokens.
// Everything is file-backed through pkg/jsonstore so a restart picks up
// exactly where the previous process left off.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/stacklok/healthbridge/pkg/jsonstore"
)

// PatientsFileName is the JSON-lines file holding the patient registry.
const PatientsFileName = "patients.txt"

// Patient is one registered subject. Records are immutable after creation.
type Patient struct {
	ID          string    `json:"id"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	DateOfBirth string    `json:"dateOfBirth"`
	CreatedAt   time.Time `json:"createdAt"`
}

// patientLine is the on-disk form. Deleted patients stay in the file as
// tombstones with demographics blanked, which both destroys the personal
// data and keeps the identifier high-water mark across restarts so
// identifiers are never reused.
type patientLine struct {
	ID          string     `json:"id"`
	FirstName   string     `json:"firstName,omitempty"`
	LastName    string     `json:"lastName,omitempty"`
	DateOfBirth string     `json:"dateOfBirth,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// PatientStore is the registry of subjects known to the authority.
type PatientStore struct {
	mu         sync.Mutex
	path       string
	lock       *flock.Flock
	patients   map[string]Patient
	tombstones map[string]patientLine
	nextID     int
}

// NewPatientStore opens the registry under dir, rebuilding its state from
// patients.txt when present.
func NewPatientStore(ctx context.Context, dir string) (*PatientStore, error) {
	path := filepath.Join(dir, PatientsFileName)
	s := &PatientStore{
		path:       path,
		lock:       jsonstore.NewFileLock(path),
		patients:   make(map[string]Patient),
		tombstones: make(map[string]patientLine),
		nextID:     1,
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Register assigns the next identifier and persists the new patient.
func (s *PatientStore) Register(ctx context.Context, firstName, lastName, dateOfBirth string) (Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Patient{
		ID:          strconv.Itoa(s.nextID),
		FirstName:   firstName,
		LastName:    lastName,
		DateOfBirth: dateOfBirth,
		CreatedAt:   time.Now().UTC(),
	}
	s.nextID++
	s.patients[p.ID] = p

	if err := s.persist(ctx); err != nil {
		return Patient{}, err
	}
	return p, nil
}

// Get returns the live patient with the given identifier.
func (s *PatientStore) Get(id string) (Patient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patients[id]
	return p, ok
}

// List returns all live patients ordered by identifier.
func (s *PatientStore) List() []Patient {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Patient, 0, len(s.patients))
	for _, p := range s.patients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return numericID(out[i].ID) < numericID(out[j].ID)
	})
	return out
}

// Delete tombstones the patient, destroying its demographics while keeping
// the identifier reserved. It reports whether the patient existed.
func (s *PatientStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patients[id]
	if !ok {
		return false, nil
	}
	delete(s.patients, id)

	now := time.Now().UTC()
	s.tombstones[id] = patientLine{
		ID:        p.ID,
		CreatedAt: p.CreatedAt,
		DeletedAt: &now,
	}
	return true, s.persist(ctx)
}

// Len returns the number of live patients.
func (s *PatientStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patients)
}

func (s *PatientStore) load(ctx context.Context) error {
	return jsonstore.WithFileLock(ctx, s.lock, func() error {
		err := jsonstore.ReadLines(s.path, func(data []byte) error {
			var ln patientLine
			if err := json.Unmarshal(data, &ln); err != nil {
				return fmt.Errorf("corrupt line in %s: %w", s.path, err)
			}
			if ln.DeletedAt != nil {
				s.tombstones[ln.ID] = ln
			} else {
				s.patients[ln.ID] = Patient{
					ID:          ln.ID,
					FirstName:   ln.FirstName,
					LastName:    ln.LastName,
					DateOfBirth: ln.DateOfBirth,
					CreatedAt:   ln.CreatedAt,
				}
			}
			// Tombstones count toward the high-water mark too.
			if n := numericID(ln.ID); n >= s.nextID {
				s.nextID = n + 1
			}
			return nil
		})
		return err
	})
}

// persist rewrites the registry file. Callers hold s.mu.
func (s *PatientStore) persist(ctx context.Context) error {
	all := make([]patientLine, 0, len(s.patients)+len(s.tombstones))
	for _, p := range s.patients {
		all = append(all, patientLine{
			ID:          p.ID,
			FirstName:   p.FirstName,
			LastName:    p.LastName,
			DateOfBirth: p.DateOfBirth,
			CreatedAt:   p.CreatedAt,
		})
	}
	for _, ln := range s.tombstones {
		all = append(all, ln)
	}
	sort.Slice(all, func(i, j int) bool {
		return numericID(all[i].ID) < numericID(all[j].ID)
	})

	lines := make([][]byte, 0, len(all))
	for _, ln := range all {
		data, err := jsonstore.MarshalCanonical(ln)
		if err != nil {
			return fmt.Errorf("failed to encode patient %s: %w", ln.ID, err)
		}
		lines = append(lines, data)
	}

	return jsonstore.WithFileLock(ctx, s.lock, func() error {
		return jsonstore.WriteLinesAtomic(s.path, lines)
	})
}

func numericID(id string) int {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0
	}
	return n
}
