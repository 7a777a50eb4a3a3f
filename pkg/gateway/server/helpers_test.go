// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/healthbridge/pkg/gateway/audit"
	"github.com/stacklok/healthbridge/pkg/gateway/auth"
	"github.com/stacklok/healthbridge/pkg/gateway/forward"
	"github.com/stacklok/healthbridge/pkg/gateway/idempotency"
	"github.com/stacklok/healthbridge/pkg/iam/keys"
	"github.com/stacklok/healthbridge/pkg/iam/token"
)

const testIAMBaseURL = "http://iam.test"

const ecgBundle = `{
  "resourceType": "Bundle",
  "type": "transaction",
  "entry": [
    {
      "request": {"method": "POST", "url": "Observation"},
      "resource": {
        "resourceType": "Observation",
        "status": "final",
        "code": {
          "coding": [{"system": "http://developer.apple.com/documentation/healthkit", "code": "HKElectrocardiogram"}]
        },
        "effectiveDateTime": "2025-06-01T08:30:00+02:00",
        "component": [
          {
            "code": {"coding": [{"system": "http://loinc.org", "code": "8867-4"}]},
            "valueQuantity": {"value": 62, "unit": "/min"}
          },
          {
            "code": {"coding": [{"system": "http://developer.apple.com/documentation/healthkit", "code": "HKElectrocardiogramClassification"}]},
            "valueString": "sinusRhythm"
          }
        ]
      }
    }
  ]
}`

const heartRateBundle = `{
  "resourceType": "Bundle",
  "type": "transaction",
  "entry": [
    {
      "request": {"method": "POST", "url": "Observation"},
      "resource": {
        "resourceType": "Observation",
        "status": "final",
        "code": {
          "coding": [{"system": "http://loinc.org", "code": "8867-4"}]
        },
        "effectiveDateTime": "2025-06-01T09:00:00+02:00",
        "valueQuantity": {"value": 71, "unit": "/min"}
      }
    }
  ]
}`

// emitterStub is a scriptable clinical emitter. The default script accepts
// every observation; tests override processFn or statusFn to misbehave.
type emitterStub struct {
	mu             sync.Mutex
	bodies         [][]byte
	requests       []forward.ProcessRequest
	processFn      func(w http.ResponseWriter, req forward.ProcessRequest)
	defaultProcess func(w http.ResponseWriter, req forward.ProcessRequest)
	statusFn       func(w http.ResponseWriter, subject string)
	srv            *httptest.Server
}

func newEmitterStub(t *testing.T) *emitterStub {
	t.Helper()
	e := &emitterStub{}
	e.defaultProcess = func(w http.ResponseWriter, req forward.ProcessRequest) {
		resp := forward.ProcessResponse{
			Status:         forward.StatusSuccess,
			TotalProcessed: len(req.Observations),
			Successful:     len(req.Observations),
		}
		for i := range req.Observations {
			resp.Results = append(resp.Results, forward.EntryResult{
				GDTFileName: fmt.Sprintf("obs_2025060112%04d.gdt", i),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
	e.processFn = e.defaultProcess
	e.statusFn = func(w http.ResponseWriter, _ string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not_found"})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/process", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req forward.ProcessRequest
		require.NoError(t, json.Unmarshal(body, &req))

		e.mu.Lock()
		e.bodies = append(e.bodies, body)
		e.requests = append(e.requests, req)
		fn := e.processFn
		e.mu.Unlock()
		fn(w, req)
	})
	mux.HandleFunc("/api/v1/status/", func(w http.ResponseWriter, r *http.Request) {
		subject := strings.TrimPrefix(r.URL.Path, "/api/v1/status/")
		e.mu.Lock()
		fn := e.statusFn
		e.mu.Unlock()
		fn(w, subject)
	})

	e.srv = httptest.NewServer(mux)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *emitterStub) setProcess(fn func(w http.ResponseWriter, req forward.ProcessRequest)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processFn = fn
}

func (e *emitterStub) restoreProcess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processFn = e.defaultProcess
}

func (e *emitterStub) setStatus(fn func(w http.ResponseWriter, subject string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statusFn = fn
}

func (e *emitterStub) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *emitterStub) lastRequest(t *testing.T) forward.ProcessRequest {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.requests)
	return e.requests[len(e.requests)-1]
}

func (e *emitterStub) lastBody(t *testing.T) []byte {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.bodies)
	return e.bodies[len(e.bodies)-1]
}

type testGateway struct {
	router  http.Handler
	signer  *token.Signer
	emitter *emitterStub
	audit   *audit.Log
}

type gatewayOption func(*Config)

func withRateLimit(max int, window time.Duration) gatewayOption {
	return func(cfg *Config) {
		cfg.RateLimit = max
		cfg.RateWindow = window
	}
}

func newTestGateway(t *testing.T, opts ...gatewayOption) *testGateway {
	t.Helper()
	ctx := context.Background()

	provider, err := keys.LoadOrGenerate(filepath.Join(t.TempDir(), keys.KeyFileName))
	require.NoError(t, err)
	signer, err := token.NewSigner(provider)
	require.NoError(t, err)

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(provider.JWKS()))
	}))
	t.Cleanup(jwks.Close)

	verifier, err := auth.NewVerifier(ctx, jwks.URL, &http.Client{})
	require.NoError(t, err)

	cache, err := idempotency.New(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	auditLog, err := audit.NewLog(t.TempDir())
	require.NoError(t, err)

	emitter := newEmitterStub(t)
	client := forward.NewClient(emitter.srv.URL, &http.Client{}, forward.WithTimeout(2*time.Second))

	cfg := Config{IAMBaseURL: testIAMBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := NewHandler(cfg, verifier, cache, client, auditLog)
	return &testGateway{
		router:  h.Routes(),
		signer:  signer,
		emitter: emitter,
		audit:   auditLog,
	}
}

func (g *testGateway) bearer(t *testing.T, subject string) string {
	t.Helper()
	raw, err := g.signer.IssueAccessToken(subject, "openid observation.write", &token.Demographics{
		GivenName:  "Erika",
		FamilyName: "Mustermann",
		Birthdate:  "1980-04-12",
	})
	require.NoError(t, err)
	return "Bearer " + raw
}

func (g *testGateway) submit(authorization, idemKey, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/observations", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	if idemKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idemKey)
	}
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)
	return rec
}

func (g *testGateway) get(path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)
	return rec
}

func (g *testGateway) auditEvents(t *testing.T) []audit.Event {
	t.Helper()
	f, err := os.Open(g.audit.Path())
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()

	var events []audit.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev audit.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) forward.SubmissionResult {
	t.Helper()
	var result forward.SubmissionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return result
}
