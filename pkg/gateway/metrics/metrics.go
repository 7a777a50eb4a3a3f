// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Submissions counts observation submissions by outcome.
	// Outcomes: "success", "partial", "error", "replay", "rejected".
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healthbridge",
			Subsystem: "gateway",
			Name:      "submissions_total",
			Help:      "Total number of observation submissions by outcome",
		},
		[]string{"outcome"},
	)

	// AuthRejections counts failed authentications by categorical reason.
	AuthRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healthbridge",
			Subsystem: "gateway",
			Name:      "auth_rejections_total",
			Help:      "Total number of rejected authentications by reason",
		},
		[]string{"reason"},
	)

	// RateLimitRejections counts requests rejected by the sliding window.
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "healthbridge",
			Subsystem: "gateway",
			Name:      "rate_limit_rejections_total",
			Help:      "Total number of requests rejected by the per-subject rate limit",
		},
	)

	// ForwardDuration measures delivery latency to the clinical emitter.
	ForwardDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "healthbridge",
			Subsystem: "gateway",
			Name:      "forward_duration_seconds",
			Help:      "Duration of forwarding calls to the clinical emitter",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// NormalizedCodings counts vendor codings rewritten to standard systems.
	NormalizedCodings = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "healthbridge",
			Subsystem: "gateway",
			Name:      "normalized_codings_total",
			Help:      "Total number of vendor codings normalized to standard systems",
		},
	)

	// IdempotentReplays counts submissions answered from the idempotency cache.
	IdempotentReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "healthbridge",
			Subsystem: "gateway",
			Name:      "idempotent_replays_total",
			Help:      "Total number of submissions answered from the idempotency cache",
		},
	)
)

// RecordSubmission records one submission outcome.
func RecordSubmission(outcome string) {
	Submissions.WithLabelValues(outcome).Inc()
}

// RecordAuthRejection records one failed authentication.
func RecordAuthRejection(reason string) {
	AuthRejections.WithLabelValues(reason).Inc()
}

// RecordRateLimited records one rate-limited request.
func RecordRateLimited() {
	RateLimitRejections.Inc()
}

// RecordForward records the duration of one delivery attempt.
func RecordForward(duration time.Duration) {
	ForwardDuration.Observe(duration.Seconds())
}

// RecordNormalizedCodings adds n rewritten codings.
func RecordNormalizedCodings(n int) {
	if n > 0 {
		NormalizedCodings.Add(float64(n))
	}
}

// RecordIdempotentReplay records one cache-served submission.
func RecordIdempotentReplay() {
	IdempotentReplays.Inc()
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
