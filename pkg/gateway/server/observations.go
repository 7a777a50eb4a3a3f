// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stacklok/healthbridge/pkg/errors"
	"github.com/stacklok/healthbridge/pkg/fhir"
	"github.com/stacklok/healthbridge/pkg/gateway/audit"
	"github.com/stacklok/healthbridge/pkg/gateway/auth"
	"github.com/stacklok/healthbridge/pkg/gateway/forward"
	"github.com/stacklok/healthbridge/pkg/gateway/metrics"
	"github.com/stacklok/healthbridge/pkg/gateway/normalize"
	"github.com/stacklok/healthbridge/pkg/jsonstore"
	"github.com/stacklok/healthbridge/pkg/logger"
)

// maxBundleBytes bounds the accepted request body.
const maxBundleBytes = 4 << 20

// Submission audit outcomes beyond the forwarded statuses.
const (
	outcomeReplay   = "replay"
	outcomeRejected = "rejected"
)

// SubmitObservationsHandler ingests one FHIR bundle: replay from the
// idempotency cache if the key is known, otherwise validate, normalize,
// forward to the clinical emitter, cache the result and answer 201.
func (h *Handler) SubmitObservationsHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, errors.NewAuthenticationError("request context has no identity", nil))
		return
	}

	idemKey := r.Header.Get(HeaderIdempotencyKey)
	if idemKey == "" {
		writeError(w, errors.NewValidationError("Idempotency-Key header is required", nil))
		return
	}

	if cached, ok := h.cache.Lookup(identity.Subject, idemKey); ok {
		metrics.RecordIdempotentReplay()
		metrics.RecordSubmission(outcomeReplay)
		h.auditEvent(r, audit.Submission(identity.Subject, idemKey, nil, outcomeReplay, 0))
		writeRawJSON(w, http.StatusOK, cached)
		return
	}

	observations, err := decodeBundle(r.Body)
	if err != nil {
		metrics.RecordSubmission(outcomeRejected)
		h.attempts.record(identity.Subject, errors.ErrValidation)
		h.auditEvent(r, audit.Submission(identity.Subject, idemKey, nil, outcomeRejected, 0))
		writeError(w, errors.NewValidationError(err.Error(), nil))
		return
	}

	replaced := 0
	for i := range observations {
		replaced += normalize.Observation(&observations[i])
	}
	metrics.RecordNormalizedCodings(replaced)

	req := forward.ProcessRequest{
		PatientID:          identity.Subject,
		PatientFirstName:   identity.GivenName,
		PatientLastName:    identity.FamilyName,
		PatientDateOfBirth: identity.Birthdate,
		Observations:       observations,
	}

	start := time.Now()
	sub, err := h.emitter.Submit(r.Context(), req, idemKey)
	metrics.RecordForward(time.Since(start))
	if err != nil {
		writeError(w, errors.NewInternalError("failed to build forwarding request", err))
		return
	}

	result, err := jsonstore.MarshalCanonical(sub.Result)
	if err != nil {
		writeError(w, errors.NewInternalError("failed to encode submission result", err))
		return
	}

	status := http.StatusCreated
	if sub.Cacheable {
		stored, existed, storeErr := h.cache.Store(r.Context(), identity.Subject, idemKey, result)
		switch {
		case storeErr != nil:
			// The submission went through; a cache write failure must not
			// turn it into a client-visible error.
			logger.Errorw("Failed to store idempotency entry",
				"subject", identity.Subject, "error", storeErr)
		case existed:
			// A concurrent retry won the write race; its result is canonical.
			result = stored
			status = http.StatusOK
		}
	}

	h.attempts.record(identity.Subject, attemptErrorKind(sub.Result))
	h.auditEvent(r, audit.Submission(
		identity.Subject, idemKey, sub.Payload, sub.Result.Status, sub.Result.TotalProcessed))
	metrics.RecordSubmission(sub.Result.Status)
	writeRawJSON(w, status, result)
}

// decodeBundle reads and validates the submitted bundle, returning the
// observations it carries.
func decodeBundle(body io.Reader) ([]fhir.Observation, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxBundleBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	var bundle fhir.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("request body is not a FHIR bundle")
	}
	if bundle.ResourceType != "" && bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("resourceType must be %q", "Bundle")
	}
	if len(bundle.Entry) == 0 {
		return nil, fmt.Errorf("bundle has no entries")
	}

	observations := make([]fhir.Observation, 0, len(bundle.Entry))
	for i, entry := range bundle.Entry {
		if entry.Resource == nil {
			return nil, fmt.Errorf("bundle entry %d has no resource", i)
		}
		if entry.Resource.ResourceType != fhir.ResourceTypeObservation {
			return nil, fmt.Errorf("bundle entry %d is not an Observation", i)
		}
		observations = append(observations, *entry.Resource)
	}
	return observations, nil
}

// attemptErrorKind condenses a submission result into the categorical
// error recorded for the status endpoint.
func attemptErrorKind(result forward.SubmissionResult) string {
	switch result.Status {
	case forward.StatusSuccess:
		return ""
	default:
		return result.Status
	}
}

func (h *Handler) auditEvent(r *http.Request, ev audit.Event) {
	if err := h.audit.Append(r.Context(), ev); err != nil {
		logger.Errorw("Failed to append audit event", "kind", ev.Kind, "error", err)
	}
}
