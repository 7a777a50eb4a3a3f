// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package forward delivers normalized observation payloads to the clinical
// emitter and maps the downstream outcome into the submission result the
// mobile client sees.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/healthbridge/pkg/fhir"
	"github.com/stacklok/healthbridge/pkg/networking"
)

// DefaultTimeout bounds one delivery attempt to the clinical emitter.
const DefaultTimeout = 10 * time.Second

// Submission result statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// ProcessRequest is the payload POSTed to the clinical emitter. Demographics
// travel with the request so the emitter can address exchange files without
// holding its own patient registry.
type ProcessRequest struct {
	PatientID          string             `json:"patientId"`
	PatientFirstName   string             `json:"patientFirstName,omitempty"`
	PatientLastName    string             `json:"patientLastName,omitempty"`
	PatientDateOfBirth string             `json:"patientDateOfBirth,omitempty"`
	Observations       []fhir.Observation `json:"observations"`
}

// EntryResult is the outcome for a single observation.
type EntryResult struct {
	GDTFileName string   `json:"gdtFileName,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ProcessResponse is the clinical emitter's reply.
type ProcessResponse struct {
	Status         string        `json:"status"`
	TotalProcessed int           `json:"totalProcessed"`
	Successful     int           `json:"successful"`
	Failed         int           `json:"failed"`
	Results        []EntryResult `json:"results"`
}

// SubmissionResult is the canonical document returned to the mobile client
// and stored in the idempotency cache.
type SubmissionResult struct {
	Status         string        `json:"status"`
	TotalProcessed int           `json:"totalProcessed"`
	Successful     int           `json:"successful"`
	Failed         int           `json:"failed"`
	IdempotencyKey string        `json:"idempotencyKey"`
	Results        []EntryResult `json:"results"`
	ProcessedAt    time.Time     `json:"processedAt"`
}

// TransferStatus is the per-subject delivery state kept by the emitter.
type TransferStatus struct {
	PatientID     string     `json:"patientId"`
	TransferCount int        `json:"transferCount"`
	LastTransfer  *time.Time `json:"lastTransfer,omitempty"`
}

// Submission pairs the result with the exact bytes that were forwarded.
// The audit trail hashes Payload, so forwarding and auditing can never
// disagree about what was sent.
type Submission struct {
	Result SubmissionResult
	// Payload is nil when the emitter was never reached with a body.
	Payload []byte
	// Cacheable is false when the failure was transient and a client retry
	// with the same idempotency key should forward again.
	Cacheable bool
}

// Client talks to one clinical emitter instance.
type Client struct {
	baseURL string
	http    networking.HTTPClient
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-attempt delivery timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// NewClient returns a client for the emitter at baseURL.
func NewClient(baseURL string, httpClient networking.HTTPClient, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit forwards one normalized submission and maps the outcome:
// a parsed emitter reply yields success, partial or error by entry counts;
// an emitter rejection yields a deterministic all-failed error result;
// a transport failure or timeout yields an all-failed result that is not
// cacheable, leaving the idempotency key free for a retry.
func (c *Client) Submit(ctx context.Context, req ProcessRequest, idempotencyKey string) (*Submission, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode process request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fetched, err := networking.FetchJSON[ProcessResponse](
		ctx,
		c.http,
		c.baseURL+"/api/v1/process",
		networking.WithMethod(http.MethodPost),
		networking.WithHeader("Content-Type", networking.ContentTypeJSON),
		networking.WithBody(bytes.NewReader(payload)),
	)

	sub := &Submission{Payload: payload}
	switch {
	case err == nil:
		resp := fetched.Data
		sub.Result = SubmissionResult{
			Status:         statusFromCounts(resp.Successful, resp.Failed),
			TotalProcessed: resp.TotalProcessed,
			Successful:     resp.Successful,
			Failed:         resp.Failed,
			IdempotencyKey: idempotencyKey,
			Results:        resp.Results,
			ProcessedAt:    time.Now().UTC(),
		}
		sub.Cacheable = true
	case networking.IsHTTPError(err, 0):
		sub.Result = allFailed(req, idempotencyKey, rejectionMessage(err))
		sub.Cacheable = true
	default:
		sub.Result = allFailed(req, idempotencyKey, transientMessage(err))
		sub.Cacheable = false
	}
	return sub, nil
}

// TransferStatus fetches the emitter's per-subject delivery state.
func (c *Client) TransferStatus(ctx context.Context, subject string) (*TransferStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fetched, err := networking.FetchJSON[TransferStatus](
		ctx,
		c.http,
		c.baseURL+"/api/v1/status/"+url.PathEscape(subject),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transfer status: %w", err)
	}
	return &fetched.Data, nil
}

func statusFromCounts(successful, failed int) string {
	switch {
	case failed == 0:
		return StatusSuccess
	case successful > 0:
		return StatusPartial
	default:
		return StatusError
	}
}

func allFailed(req ProcessRequest, idempotencyKey, message string) SubmissionResult {
	results := make([]EntryResult, len(req.Observations))
	for i := range results {
		results[i] = EntryResult{Error: message}
	}
	return SubmissionResult{
		Status:         StatusError,
		TotalProcessed: len(req.Observations),
		Successful:     0,
		Failed:         len(req.Observations),
		IdempotencyKey: idempotencyKey,
		Results:        results,
		ProcessedAt:    time.Now().UTC(),
	}
}

func rejectionMessage(err error) string {
	var httpErr *networking.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Sprintf("clinical emitter rejected the submission with status %d", httpErr.StatusCode)
	}
	return "clinical emitter rejected the submission"
}

func transientMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "clinical emitter did not respond in time"
	}
	return "clinical emitter unreachable"
}
