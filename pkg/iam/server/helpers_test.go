// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/healthbridge/pkg/iam/keys"
	"github.com/stacklok/healthbridge/pkg/iam/storage"
	"github.com/stacklok/healthbridge/pkg/iam/token"
)

const (
	testIssuer      = "http://iam.test"
	testClientID    = "healthbridge-mobile"
	testRedirectURI = "com.example.health://oauth/callback"
)

// testAuthority bundles a fully wired handler with the stores behind it so
// tests can seed and inspect state directly.
type testAuthority struct {
	handler  *Handler
	router   http.Handler
	keys     *keys.Provider
	patients *storage.PatientStore
	codes    *storage.CodeStore
	refresh  *storage.RefreshStore
}

func newTestAuthority(t *testing.T) *testAuthority {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	provider, err := keys.LoadOrGenerate(filepath.Join(dir, keys.KeyFileName))
	require.NoError(t, err)
	signer, err := token.NewSigner(provider)
	require.NoError(t, err)

	patients, err := storage.NewPatientStore(ctx, dir)
	require.NoError(t, err)
	codes, err := storage.NewCodeStore(ctx, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = codes.Close() })
	refresh, err := storage.NewRefreshStore(ctx, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = refresh.Close() })

	cfg := Config{
		Issuer:       testIssuer,
		ClientID:     testClientID,
		RedirectURIs: []string{testRedirectURI},
	}
	h := NewHandler(cfg, provider, signer, patients, codes, refresh)
	return &testAuthority{
		handler:  h,
		router:   h.Routes(),
		keys:     provider,
		patients: patients,
		codes:    codes,
		refresh:  refresh,
	}
}

func (a *testAuthority) registerPatient(t *testing.T, first, last, dob string) storage.Patient {
	t.Helper()
	p, err := a.patients.Register(context.Background(), first, last, dob)
	require.NoError(t, err)
	return p
}

// get performs a GET against the in-memory router.
func (a *testAuthority) get(path string) *httptest.ResponseRecorder {
	return performGet(a.router, path)
}

func performGet(router http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// postForm performs a form-encoded POST against the in-memory router.
func (a *testAuthority) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

// validAuthorizeQuery returns the minimal valid authorize parameters.
func validAuthorizeQuery(challenge string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid observation.write"},
		"state":                 {"af0ifjsldkj"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
}
