// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit appends the gateway's tamper-evident event trail. Events
// reference subjects only by their opaque identifier and request bodies
// only by SHA-256, so the log never contains personal health information.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/stacklok/healthbridge/pkg/jsonstore"
)

// FileName is the append-only audit file inside the gateway's storage dir.
const FileName = "audit.log"

// Event kinds.
const (
	KindSubmission  = "submission"
	KindStatusQuery = "status_query"
	KindAuthReject  = "auth_rejected"
	KindRateLimited = "rate_limited"
)

// Authentication rejection reasons recorded in the Outcome field.
const (
	ReasonMissingToken     = "missing_token"
	ReasonMalformedToken   = "malformed_token"
	ReasonInvalidSignature = "invalid_signature"
	ReasonTokenExpired     = "token_expired"
	ReasonWrongAudience    = "wrong_audience"
	ReasonWrongIssuer      = "wrong_issuer"
	ReasonUnknownKey       = "unknown_key"
)

// Event is one audit line.
type Event struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Kind           string    `json:"kind"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	Subject        string    `json:"subject,omitempty"`
	PayloadSHA256  string    `json:"payloadHashSHA256,omitempty"`
	Outcome        string    `json:"outcome"`
	Count          int       `json:"count,omitempty"`
}

// Log is a concurrency-safe appender for the audit file.
type Log struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

// NewLog opens (or creates) the audit log under dir.
func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	path := filepath.Join(dir, FileName)
	return &Log{path: path, lock: jsonstore.NewFileLock(path)}, nil
}

// Path returns the audit file location.
func (l *Log) Path() string {
	return l.path
}

// Append writes one event. A zero ID and Timestamp are filled in.
func (l *Log) Append(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := jsonstore.MarshalCanonical(ev)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	return jsonstore.WithFileLock(ctx, l.lock, func() error {
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("failed to append audit event: %w", err)
		}
		return nil
	})
}

// HashPayload returns the SHA-256 hex digest recorded instead of a payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Submission builds the event for a forwarded (or replayed) submission.
func Submission(subject, idempotencyKey string, payload []byte, outcome string, count int) Event {
	ev := Event{
		Kind:           KindSubmission,
		Subject:        subject,
		IdempotencyKey: idempotencyKey,
		Outcome:        outcome,
		Count:          count,
	}
	if len(payload) > 0 {
		ev.PayloadSHA256 = HashPayload(payload)
	}
	return ev
}

// StatusQuery builds the event for a status lookup.
func StatusQuery(subject, outcome string) Event {
	return Event{Kind: KindStatusQuery, Subject: subject, Outcome: outcome}
}

// AuthRejected builds the event for a failed authentication, with the
// categorical reason as the outcome.
func AuthRejected(reason string) Event {
	return Event{Kind: KindAuthReject, Outcome: reason}
}

// RateLimited builds the event for a rejected request.
func RateLimited(subject string, retryAfterSeconds int) Event {
	return Event{
		Kind:    KindRateLimited,
		Subject: subject,
		Outcome: "rejected",
		Count:   retryAfterSeconds,
	}
}
