// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/healthbridge/pkg/clinical/gdt"
	"github.com/stacklok/healthbridge/pkg/clinical/status"
	"github.com/stacklok/healthbridge/pkg/fhir"
)

type testEmitter struct {
	router http.Handler
	outDir string
	store  *status.Store
}

func newTestEmitter(t *testing.T) *testEmitter {
	t.Helper()
	outDir := filepath.Join(t.TempDir(), "gdt")
	store, err := status.New(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := NewHandler(Config{
		OutputDir:  outDir,
		SenderID:   "HEALTHBRIDGE",
		ReceiverID: "PRAXIS_EDV",
	}, store)
	return &testEmitter{router: h.Routes(), outDir: outDir, store: store}
}

func (e *testEmitter) post(t *testing.T, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/process", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEmitter) process(t *testing.T, req ProcessRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return e.post(t, bytes.NewReader(body))
}

func (e *testEmitter) getStatus(t *testing.T, patientID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status/"+patientID, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEmitter) readFile(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.outDir, name))
	require.NoError(t, err)
	return data
}

func (e *testEmitter) fileCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(e.outDir)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func decodeProcess(t *testing.T, rec *httptest.ResponseRecorder) ProcessResponse {
	t.Helper()
	var resp ProcessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func parseFile(t *testing.T, data []byte) []gdt.Field {
	t.Helper()
	fields, err := gdt.Parse(data)
	require.NoError(t, err)
	return fields
}

func fieldContent(t *testing.T, fields []gdt.Field, id string) string {
	t.Helper()
	for _, f := range fields {
		if f.ID == id {
			return f.Content
		}
	}
	t.Fatalf("field %s not present", id)
	return ""
}

func hasField(fields []gdt.Field, id string) bool {
	for _, f := range fields {
		if f.ID == id {
			return true
		}
	}
	return false
}

// ecgObservation is a normalized ECG as the gateway forwards it: standard
// codings, no subject reference.
func ecgObservation() fhir.Observation {
	hr := 62.0
	freq := 512.0
	return fhir.Observation{
		ResourceType: fhir.ResourceTypeObservation,
		Status:       "final",
		Code: &fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: "http://loinc.org", Code: "11524-6", Display: "EKG study"}},
		},
		EffectivePeriod: &fhir.Period{Start: "2023-01-14T22:51:12+01:00"},
		Component: []fhir.Component{
			{
				Code:          &fhir.CodeableConcept{Coding: []fhir.Coding{{System: "http://loinc.org", Code: "8867-4"}}},
				ValueQuantity: &fhir.Quantity{Value: &hr, Unit: "/min"},
			},
			{
				Code:          &fhir.CodeableConcept{Coding: []fhir.Coding{{System: "urn:iso:std:iso:11073:10101", Code: "131330", Display: "ECG sampling frequency"}}},
				ValueQuantity: &fhir.Quantity{Value: &freq, Unit: "Hz"},
			},
			{
				Code:        &fhir.CodeableConcept{Coding: []fhir.Coding{{System: "http://loinc.org", Code: "8601-7"}}},
				ValueString: "Sinus Rhythm",
			},
		},
	}
}

func batchFor(observations ...fhir.Observation) ProcessRequest {
	return ProcessRequest{
		PatientID:          "1",
		PatientFirstName:   "Max",
		PatientLastName:    "Mustermann",
		PatientDateOfBirth: "1990-01-15",
		Observations:       observations,
	}
}
