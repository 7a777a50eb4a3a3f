// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/stacklok/healthbridge/pkg/errors"
	"github.com/stacklok/healthbridge/pkg/gateway/audit"
	"github.com/stacklok/healthbridge/pkg/gateway/auth"
	"github.com/stacklok/healthbridge/pkg/logger"
	"github.com/stacklok/healthbridge/pkg/networking"
)

// StatusDocument is the per-subject transfer state shown to the mobile
// client. Delivery history comes from the clinical emitter; attempt
// history is the gateway's own.
type StatusDocument struct {
	HasSuccessfulTransfer  bool       `json:"hasSuccessfulTransfer"`
	LastSuccessfulTransfer *time.Time `json:"lastSuccessfulTransfer,omitempty"`
	LastAttempt            *time.Time `json:"lastAttempt,omitempty"`
	LastError              string     `json:"lastError,omitempty"`
	PendingCount           int        `json:"pendingCount"`
}

// StatusHandler reports the caller's transfer status. When the clinical
// emitter cannot answer, the document is zero-valued rather than an error,
// so the mobile client can distinguish "nothing transferred yet" handling
// from hard failures it must surface.
func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, errors.NewAuthenticationError("request context has no identity", nil))
		return
	}

	doc := StatusDocument{}
	outcome := "ok"
	if status, err := h.emitter.TransferStatus(r.Context(), identity.Subject); err != nil {
		// A 404 means the emitter has no record for the subject yet, which
		// the zero document already says. Anything else is the emitter
		// being unreachable.
		if !networking.IsHTTPError(err, http.StatusNotFound) {
			outcome = "emitter_unavailable"
			logger.Debugw("Transfer status unavailable", "subject", identity.Subject, "error", err)
		}
	} else {
		doc.HasSuccessfulTransfer = status.TransferCount > 0
		doc.LastSuccessfulTransfer = status.LastTransfer
	}

	if at, errorKind, ok := h.attempts.get(identity.Subject); ok {
		doc.LastAttempt = &at
		doc.LastError = errorKind
	}

	h.auditEvent(r, audit.StatusQuery(identity.Subject, outcome))
	writeJSON(w, http.StatusOK, doc)
}

// attemptTracker remembers the most recent submission attempt per subject.
// It is deliberately in-memory: attempts are diagnostics, not records, and
// a restart simply forgets them.
type attemptTracker struct {
	mu       sync.Mutex
	attempts map[string]attempt
}

type attempt struct {
	at        time.Time
	errorKind string
}

func newAttemptTracker() *attemptTracker {
	return &attemptTracker{attempts: make(map[string]attempt)}
}

func (t *attemptTracker) record(subject, errorKind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[subject] = attempt{at: time.Now().UTC(), errorKind: errorKind}
}

func (t *attemptTracker) get(subject string) (time.Time, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.attempts[subject]
	return a.at, a.errorKind, ok
}
