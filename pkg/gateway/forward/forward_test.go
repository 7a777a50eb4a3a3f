// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package forward

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/healthbridge/pkg/fhir"
)

func testRequest(observations int) ProcessRequest {
	req := ProcessRequest{
		PatientID:          "3",
		PatientFirstName:   "Erika",
		PatientLastName:    "Mustermann",
		PatientDateOfBirth: "1980-04-12",
	}
	for i := 0; i < observations; i++ {
		req.Observations = append(req.Observations, fhir.Observation{
			ResourceType: fhir.ResourceTypeObservation,
			Status:       "final",
		})
	}
	return req
}

func emitterStub(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmit_SuccessfulDelivery(t *testing.T) {
	t.Parallel()

	var captured ProcessRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/process", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		resp := ProcessResponse{
			Status:         "success",
			TotalProcessed: 2,
			Successful:     2,
			Results: []EntryResult{
				{GDTFileName: "obs_20250601120000.gdt"},
				{GDTFileName: "obs_20250601120001.gdt"},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, &http.Client{})
	sub, err := client.Submit(context.Background(), testRequest(2), "idem-1")
	require.NoError(t, err)

	assert.Equal(t, "3", captured.PatientID)
	assert.Equal(t, "Erika", captured.PatientFirstName)
	assert.Len(t, captured.Observations, 2)

	assert.True(t, sub.Cacheable)
	assert.Equal(t, StatusSuccess, sub.Result.Status)
	assert.Equal(t, 2, sub.Result.TotalProcessed)
	assert.Equal(t, "idem-1", sub.Result.IdempotencyKey)
	assert.Equal(t, "obs_20250601120000.gdt", sub.Result.Results[0].GDTFileName)
	assert.False(t, sub.Result.ProcessedAt.IsZero())

	// The payload carried by the submission is exactly what went over the wire.
	var fromPayload ProcessRequest
	require.NoError(t, json.Unmarshal(sub.Payload, &fromPayload))
	assert.Equal(t, captured, fromPayload)
}

func TestSubmit_PartialOutcome(t *testing.T) {
	t.Parallel()

	srv := emitterStub(t, http.StatusOK, ProcessResponse{
		TotalProcessed: 2,
		Successful:     1,
		Failed:         1,
		Results: []EntryResult{
			{GDTFileName: "obs_20250601120000.gdt"},
			{Error: "observation has no code"},
		},
	})

	client := NewClient(srv.URL, &http.Client{})
	sub, err := client.Submit(context.Background(), testRequest(2), "idem-1")
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, sub.Result.Status)
	assert.True(t, sub.Cacheable)
}

func TestSubmit_AllEntriesFailed(t *testing.T) {
	t.Parallel()

	srv := emitterStub(t, http.StatusOK, ProcessResponse{
		TotalProcessed: 1,
		Failed:         1,
		Results:        []EntryResult{{Error: "observation has no code"}},
	})

	client := NewClient(srv.URL, &http.Client{})
	sub, err := client.Submit(context.Background(), testRequest(1), "idem-1")
	require.NoError(t, err)

	assert.Equal(t, StatusError, sub.Result.Status)
	assert.True(t, sub.Cacheable)
}

func TestSubmit_DownstreamRejectionIsCacheable(t *testing.T) {
	t.Parallel()

	srv := emitterStub(t, http.StatusBadRequest, map[string]string{"error": "validation_error"})

	client := NewClient(srv.URL, &http.Client{})
	sub, err := client.Submit(context.Background(), testRequest(2), "idem-1")
	require.NoError(t, err)

	assert.True(t, sub.Cacheable, "a deterministic rejection must be cached")
	assert.Equal(t, StatusError, sub.Result.Status)
	assert.Equal(t, 2, sub.Result.Failed)
	require.Len(t, sub.Result.Results, 2)
	assert.Contains(t, sub.Result.Results[0].Error, "status 400")
}

func TestSubmit_UnreachableEmitterIsNotCacheable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	client := NewClient(srv.URL, &http.Client{})
	sub, err := client.Submit(context.Background(), testRequest(1), "idem-1")
	require.NoError(t, err)

	assert.False(t, sub.Cacheable, "transient failures must leave the key free for retry")
	assert.Equal(t, StatusError, sub.Result.Status)
	require.Len(t, sub.Result.Results, 1)
	assert.Equal(t, "clinical emitter unreachable", sub.Result.Results[0].Error)
}

func TestSubmit_TimeoutIsNotCacheable(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	client := NewClient(srv.URL, &http.Client{}, WithTimeout(50*time.Millisecond))
	sub, err := client.Submit(context.Background(), testRequest(1), "idem-1")
	require.NoError(t, err)

	assert.False(t, sub.Cacheable)
	require.Len(t, sub.Result.Results, 1)
	assert.Equal(t, "clinical emitter did not respond in time", sub.Result.Results[0].Error)
}

func TestTransferStatus(t *testing.T) {
	t.Parallel()

	last := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/status/3", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(TransferStatus{
			PatientID:     "3",
			TransferCount: 4,
			LastTransfer:  &last,
		}))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, &http.Client{})
	status, err := client.TransferStatus(context.Background(), "3")
	require.NoError(t, err)

	assert.Equal(t, 4, status.TransferCount)
	require.NotNil(t, status.LastTransfer)
	assert.True(t, last.Equal(*status.LastTransfer))
}

func TestTransferStatus_UnknownSubjectIsAnError(t *testing.T) {
	t.Parallel()

	srv := emitterStub(t, http.StatusNotFound, map[string]string{"error": "not_found"})

	client := NewClient(srv.URL, &http.Client{})
	_, err := client.TransferStatus(context.Background(), "99")
	assert.Error(t, err)
}

func TestStatusFromCounts(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StatusSuccess, statusFromCounts(3, 0))
	assert.Equal(t, StatusPartial, statusFromCounts(1, 2))
	assert.Equal(t, StatusError, statusFromCounts(0, 3))
}
