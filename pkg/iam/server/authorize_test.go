// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/healthbridge/pkg/iam/crypto"
)

func TestAuthorizeForm_RendersHiddenFields(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t)
	challenge := crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier())

	rec := a.get("/authorize?" + validAuthorizeQuery(challenge).Encode())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	body := rec.Body.String()
	assert.Contains(t, body, `name="response_type" value="code"`)
	assert.Contains(t, body, `name="client_id" value="`+testClientID+`"`)
	assert.Contains(t, body, `name="state" value="af0ifjsldkj"`)
	assert.Contains(t, body, `name="code_challenge" value="`+challenge+`"`)
	assert.Contains(t, body, `name="code_challenge_method" value="S256"`)
	assert.Contains(t, body, `name="patient_id"`)
	assert.Contains(t, body, `name="date_of_birth"`)
}

func TestAuthorizeForm_ParameterValidation(t *testing.T) {
	t.Parallel()

	challenge := crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier())
	mutations := []struct {
		name   string
		mutate func(url.Values)
	}{
		{"wrong response_type", func(q url.Values) { q.Set("response_type", "token") }},
		{"unknown client", func(q url.Values) { q.Set("client_id", "intruder") }},
		{"unregistered redirect_uri", func(q url.Values) { q.Set("redirect_uri", "https://evil.example/cb") }},
		{"empty state", func(q url.Values) { q.Del("state") }},
		{"empty challenge", func(q url.Values) { q.Del("code_challenge") }},
		{"plain challenge method", func(q url.Values) { q.Set("code_challenge_method", "plain") }},
	}
	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newTestAuthority(t)
			q := validAuthorizeQuery(challenge)
			tt.mutate(q)

			rec := a.get("/authorize?" + q.Encode())
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "invalid_request")
		})
	}
}

func TestAuthorizeSubmit_WrongCredentialsRerendersForm(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t)
	patient := a.registerPatient(t, "Erika", "Mustermann", "1980-04-12")
	challenge := crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier())

	form := validAuthorizeQuery(challenge)
	form.Set("patient_id", patient.ID)
	form.Set("date_of_birth", "1999-01-01")

	rec := a.postForm("/authorize", form)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "do not match")
	// The OAuth parameters survive the retry.
	assert.Contains(t, rec.Body.String(), `name="code_challenge" value="`+challenge+`"`)
}

func TestAuthorizeSubmit_UnknownPatientRerendersForm(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t)
	challenge := crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier())

	form := validAuthorizeQuery(challenge)
	form.Set("patient_id", "999")
	form.Set("date_of_birth", "1980-04-12")

	rec := a.postForm("/authorize", form)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "do not match")
}

func TestAuthorizeSubmit_SuccessRedirectsWithCode(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t)
	patient := a.registerPatient(t, "Erika", "Mustermann", "1980-04-12")
	challenge := crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier())

	form := validAuthorizeQuery(challenge)
	form.Set("patient_id", patient.ID)
	form.Set("date_of_birth", "1980-04-12")

	rec := a.postForm("/authorize", form)
	require.Equal(t, http.StatusSeeOther, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, testRedirectURI, location.Scheme+"://"+location.Host+location.Path)

	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "af0ifjsldkj", location.Query().Get("state"))

	// The issued code is bound to the full request tuple.
	grant, found, err := a.codes.Consume(context.Background(), code)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, patient.ID, grant.Subject)
	assert.Equal(t, testClientID, grant.ClientID)
	assert.Equal(t, testRedirectURI, grant.RedirectURI)
	assert.Equal(t, challenge, grant.CodeChallenge)
	assert.Equal(t, "S256", grant.CodeChallengeMethod)
	assert.Equal(t, "openid observation.write", grant.Scope)
}

func TestAuthorizeSubmit_TamperedHiddenFieldsRejected(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t)
	patient := a.registerPatient(t, "Erika", "Mustermann", "1980-04-12")
	challenge := crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier())

	form := validAuthorizeQuery(challenge)
	form.Set("patient_id", patient.ID)
	form.Set("date_of_birth", "1980-04-12")
	form.Set("redirect_uri", "https://evil.example/cb")

	rec := a.postForm("/authorize", form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorize_PerIPRateLimit(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t)
	// Rebuild the router with a tiny budget.
	a.handler.cfg.AuthRateLimit = 2
	a.handler.cfg.AuthRateWindow = time.Minute
	router := a.handler.Routes()

	challenge := crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier())
	path := "/authorize?" + validAuthorizeQuery(challenge).Encode()

	var last int
	for i := 0; i < 3; i++ {
		rec := performGet(router, path)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
