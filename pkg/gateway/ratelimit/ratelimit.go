// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements a per-subject sliding-window request limiter.
//
// The window is exact, not bucketed: every accepted request's timestamp is
// retained until it ages past the window, so a subject allowed N requests
// per window can never exceed N in any window-sized interval.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed bool
	// RetryAfterSeconds is the whole number of seconds after which a retry
	// can succeed. Only meaningful when Allowed is false.
	RetryAfterSeconds int
}

// RejectionHook observes rejected requests. It runs inside the limiter's
// critical section so the audit trail orders rejections exactly as they
// were decided.
type RejectionHook func(subject string, retryAfterSeconds int)

// Option configures a Limiter.
type Option func(*Limiter)

// WithRejectionHook installs fn to be called for every rejected request.
func WithRejectionHook(fn RejectionHook) Option {
	return func(l *Limiter) {
		l.onReject = fn
	}
}

// Limiter admits at most max requests per subject in any sliding window.
type Limiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	buckets   map[string][]time.Time
	onReject  RejectionHook
	now       func() time.Time
	lastSweep time.Time
}

// New returns a limiter allowing max requests per subject per window.
func New(max int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		max:     max,
		window:  window,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow decides whether one request from subject is admitted now.
func (l *Limiter) Allow(subject string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	// Idle subjects would otherwise hold their bucket for the process
	// lifetime; one sweep per window keeps the map bounded by subjects
	// seen within the last window.
	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	kept := l.buckets[subject][:0]
	for _, ts := range l.buckets[subject] {
		// A timestamp at exactly now-window has left the window.
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.max {
		l.buckets[subject] = kept
		retry := retryAfterSeconds(kept[0], l.window, now)
		if l.onReject != nil {
			l.onReject(subject, retry)
		}
		return Decision{Allowed: false, RetryAfterSeconds: retry}
	}

	l.buckets[subject] = append(kept, now)
	return Decision{Allowed: true}
}

// sweep drops timestamps that have left the window and removes subjects
// whose buckets end up empty. Caller holds l.mu.
func (l *Limiter) sweep(cutoff time.Time) {
	for subject, times := range l.buckets {
		kept := times[:0]
		for _, ts := range times {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(l.buckets, subject)
			continue
		}
		l.buckets[subject] = kept
	}
}

// retryAfterSeconds computes when the oldest retained timestamp leaves the
// window, rounded up so the advertised wait is never too short.
func retryAfterSeconds(oldest time.Time, window time.Duration, now time.Time) int {
	remaining := oldest.Add(window).Sub(now)
	if remaining <= 0 {
		return 1
	}
	return int(math.Ceil(remaining.Seconds()))
}

// Len reports how many subjects currently hold timestamps. Used by tests
// and the status endpoint, not by the admission path.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
