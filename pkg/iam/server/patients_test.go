// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/healthbridge/pkg/iam/storage"
)

func (a *testAuthority) postJSON(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAuthority) delete(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodDelete, path, nil)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestRegisterPatient(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t)
	rec := a.postJSON("/patients",
		`{"firstName":"Erika","lastName":"Mustermann","dateOfBirth":"1980-04-12"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var patient storage.Patient
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patient))
	assert.Equal(t, "1", patient.ID)
	assert.Equal(t, "Erika", patient.FirstName)
	assert.False(t, patient.CreatedAt.IsZero())
}

func TestRegisterPatient_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"not json", "not-json"},
		{"missing firstName", `{"lastName":"M","dateOfBirth":"1980-04-12"}`},
		{"missing lastName", `{"firstName":"E","dateOfBirth":"1980-04-12"}`},
		{"missing dateOfBirth", `{"firstName":"E","lastName":"M"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newTestAuthority(t)
			rec := a.postJSON("/patients", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "validation_error")
		})
	}
}

func TestListAndGetPatients(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t)
	first := a.registerPatient(t, "Erika", "Mustermann", "1980-04-12")
	a.registerPatient(t, "Max", "Mustermann", "1975-01-30")

	rec := a.get("/patients")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []storage.Patient
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "1", list[0].ID)
	assert.Equal(t, "2", list[1].ID)

	rec = a.get("/patients/" + first.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var got storage.Patient
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Erika", got.FirstName)

	rec = a.get("/patients/999")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestDeletePatient_CascadesRefreshRevocation(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t)
	patient := a.registerPatient(t, "Erika", "Mustermann", "1980-04-12")
	other := a.registerPatient(t, "Max", "Mustermann", "1975-01-30")
	ctx := context.Background()

	require.NoError(t, a.refresh.Issue(ctx, "rt-victim-1", storage.RefreshToken{Subject: patient.ID, Scope: "openid"}))
	require.NoError(t, a.refresh.Issue(ctx, "rt-victim-2", storage.RefreshToken{Subject: patient.ID, Scope: "openid"}))
	require.NoError(t, a.refresh.Issue(ctx, "rt-other", storage.RefreshToken{Subject: other.ID, Scope: "openid"}))

	rec := a.delete("/patients/" + patient.ID)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, found, err := a.refresh.Consume(ctx, "rt-victim-1")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = a.refresh.Consume(ctx, "rt-victim-2")
	require.NoError(t, err)
	assert.False(t, found)

	// Unrelated subjects keep their tokens.
	_, found, err = a.refresh.Consume(ctx, "rt-other")
	require.NoError(t, err)
	assert.True(t, found)

	rec = a.get("/patients/" + patient.ID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeletePatient_Unknown(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t)
	rec := a.delete("/patients/41")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
