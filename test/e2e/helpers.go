// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package e2e exercises the three healthbridge services together over real
// HTTP: the identity authority issues tokens, the gateway verifies and
// forwards, and the clinical emitter writes GDT exchange files.
package e2e

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/gomega" //nolint:staticcheck // Standard practice for Gomega

	clinicalserver "github.com/stacklok/healthbridge/pkg/clinical/server"
	clinicalstatus "github.com/stacklok/healthbridge/pkg/clinical/status"
	"github.com/stacklok/healthbridge/pkg/gateway/audit"
	"github.com/stacklok/healthbridge/pkg/gateway/auth"
	"github.com/stacklok/healthbridge/pkg/gateway/forward"
	"github.com/stacklok/healthbridge/pkg/gateway/idempotency"
	gatewayserver "github.com/stacklok/healthbridge/pkg/gateway/server"
	"github.com/stacklok/healthbridge/pkg/iam/keys"
	iamserver "github.com/stacklok/healthbridge/pkg/iam/server"
	"github.com/stacklok/healthbridge/pkg/iam/storage"
	"github.com/stacklok/healthbridge/pkg/iam/token"
)

const (
	testClientID    = "healthbridge-mobile"
	testRedirectURI = "com.example.health://oauth/callback"

	// RFC 7636 appendix B verifier and its S256 challenge.
	pkceVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	pkceChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

// ecgBundle is the submission used across scenarios: one Apple HealthKit
// ECG observation as the mobile client would upload it, pre-normalization.
const ecgBundle = `{
  "resourceType": "Bundle",
  "type": "transaction",
  "entry": [
    {
      "resource": {
        "resourceType": "Observation",
        "status": "final",
        "code": {
          "coding": [
            {
              "system": "http://developer.apple.com/documentation/healthkit",
              "code": "HKElectrocardiogram",
              "display": "Electrocardiogram"
            }
          ]
        },
        "effectivePeriod": {"start": "2023-01-14T22:51:12+01:00"},
        "component": [
          {
            "code": {
              "coding": [
                {"system": "http://loinc.org", "code": "8867-4", "display": "Heart rate"}
              ]
            },
            "valueQuantity": {"value": 62, "unit": "/min"}
          },
          {
            "code": {
              "coding": [
                {
                  "system": "http://developer.apple.com/documentation/healthkit",
                  "code": "HKElectrocardiogramClassification",
                  "display": "Classification"
                }
              ]
            },
            "valueString": "sinusRhythm"
          }
        ]
      }
    }
  ]
}`

// stack is one full deployment: each service listens on its own port and
// talks to the others over HTTP, wired the same way the hb-iam, hb-gateway
// and hb-emitter binaries wire themselves.
type stack struct {
	IAM     *httptest.Server
	Gateway *httptest.Server
	Emitter *httptest.Server

	// GatewayDir holds the idempotency cache and the audit trail.
	GatewayDir string
	// ExchangeDir is where the emitter writes GDT files.
	ExchangeDir string

	cancel  context.CancelFunc
	dirs    []string
	closers []io.Closer
	servers []*httptest.Server

	mu        sync.Mutex
	forwarded [][]byte

	client *http.Client
}

type stackConfig struct {
	rateLimit  int
	rateWindow time.Duration
}

type stackOption func(*stackConfig)

// withRateLimit overrides the gateway's per-subject budget.
func withRateLimit(maxRequests int, window time.Duration) stackOption {
	return func(c *stackConfig) {
		c.rateLimit = maxRequests
		c.rateWindow = window
	}
}

// startStack boots an emitter, an identity authority and a gateway, in
// dependency order. Callers must Close the stack when done.
func startStack(opts ...stackOption) *stack {
	cfg := &stackConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &stack{
		cancel: cancel,
		client: &http.Client{
			// The redirect back to the client uses a custom URI scheme,
			// so redirects are surfaced instead of followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	clinicalDir := s.tempDir("healthbridge-e2e-clinical-")
	s.ExchangeDir = filepath.Join(clinicalDir, "gdt")
	statusStore, err := clinicalstatus.New(ctx, clinicalDir)
	Expect(err).ToNot(HaveOccurred())
	s.closers = append(s.closers, statusStore)

	emitterHandler := clinicalserver.NewHandler(clinicalserver.Config{
		OutputDir:  s.ExchangeDir,
		SenderID:   "HEALTHBRIDGE",
		ReceiverID: "PRAXIS_EDV",
	}, statusStore)
	s.Emitter = httptest.NewServer(emitterHandler.Routes())
	s.servers = append(s.servers, s.Emitter)

	// The gateway reaches the emitter through a recording tap so specs
	// can compare audit hashes against the exact forwarded bytes.
	tap := httptest.NewServer(http.HandlerFunc(s.proxyToEmitter))
	s.servers = append(s.servers, tap)

	iamDir := s.tempDir("healthbridge-e2e-iam-")
	provider, err := keys.LoadOrGenerate(filepath.Join(iamDir, keys.KeyFileName))
	Expect(err).ToNot(HaveOccurred())
	signer, err := token.NewSigner(provider)
	Expect(err).ToNot(HaveOccurred())
	patients, err := storage.NewPatientStore(ctx, iamDir)
	Expect(err).ToNot(HaveOccurred())
	codes, err := storage.NewCodeStore(ctx, iamDir)
	Expect(err).ToNot(HaveOccurred())
	s.closers = append(s.closers, codes)
	refresh, err := storage.NewRefreshStore(ctx, iamDir)
	Expect(err).ToNot(HaveOccurred())
	s.closers = append(s.closers, refresh)

	// The issuer URL must be known before the handler exists, so the
	// listener is created first and started once the routes are in place.
	s.IAM = httptest.NewUnstartedServer(nil)
	issuer := "http://" + s.IAM.Listener.Addr().String()
	iamHandler := iamserver.NewHandler(iamserver.Config{
		Issuer:       issuer,
		ClientID:     testClientID,
		RedirectURIs: []string{testRedirectURI},
	}, provider, signer, patients, codes, refresh)
	s.IAM.Config.Handler = iamHandler.Routes()
	s.IAM.Start()
	s.servers = append(s.servers, s.IAM)

	s.GatewayDir = s.tempDir("healthbridge-e2e-gateway-")
	verifier, err := auth.NewVerifier(ctx, issuer+"/jwks", &http.Client{})
	Expect(err).ToNot(HaveOccurred())
	cache, err := idempotency.New(ctx, s.GatewayDir)
	Expect(err).ToNot(HaveOccurred())
	s.closers = append(s.closers, cache)
	auditLog, err := audit.NewLog(s.GatewayDir)
	Expect(err).ToNot(HaveOccurred())

	gatewayHandler := gatewayserver.NewHandler(gatewayserver.Config{
		IAMBaseURL: issuer,
		RateLimit:  cfg.rateLimit,
		RateWindow: cfg.rateWindow,
	}, verifier, cache, forward.NewClient(tap.URL, &http.Client{}), auditLog)
	s.Gateway = httptest.NewServer(gatewayHandler.Routes())
	s.servers = append(s.servers, s.Gateway)

	return s
}

// Close tears the deployment down and removes its state directories.
func (s *stack) Close() {
	for _, srv := range s.servers {
		srv.Close()
	}
	s.cancel()
	for _, c := range s.closers {
		_ = c.Close()
	}
	for _, dir := range s.dirs {
		_ = os.RemoveAll(dir)
	}
}

func (s *stack) tempDir(prefix string) string {
	dir, err := os.MkdirTemp("", prefix)
	Expect(err).ToNot(HaveOccurred())
	s.dirs = append(s.dirs, dir)
	return dir
}

// proxyToEmitter relays gateway traffic to the emitter, keeping a copy of
// every POST body.
func (s *stack) proxyToEmitter(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if r.Method == http.MethodPost {
		s.mu.Lock()
		s.forwarded = append(s.forwarded, body)
		s.mu.Unlock()
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, s.Emitter.URL+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	out.Header = r.Header.Clone()
	resp, err := http.DefaultClient.Do(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// lastForwarded returns the most recent body the gateway sent to the
// emitter.
func (s *stack) lastForwarded() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	Expect(s.forwarded).ToNot(BeEmpty(), "nothing was forwarded to the emitter")
	return s.forwarded[len(s.forwarded)-1]
}

// httpResult is a fully read HTTP exchange outcome.
type httpResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (s *stack) do(req *http.Request) httpResult {
	resp, err := s.client.Do(req)
	Expect(err).ToNot(HaveOccurred())
	body, err := io.ReadAll(resp.Body)
	Expect(resp.Body.Close()).To(Succeed())
	Expect(err).ToNot(HaveOccurred())
	return httpResult{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
}

type patient struct {
	ID          string `json:"id"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DateOfBirth string `json:"dateOfBirth"`
}

// registerPatient creates a patient via the staff API.
func (s *stack) registerPatient(first, last, dateOfBirth string) patient {
	body, err := json.Marshal(map[string]string{
		"firstName":   first,
		"lastName":    last,
		"dateOfBirth": dateOfBirth,
	})
	Expect(err).ToNot(HaveOccurred())

	req, err := http.NewRequest(http.MethodPost, s.IAM.URL+"/patients", bytes.NewReader(body))
	Expect(err).ToNot(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")

	res := s.do(req)
	Expect(res.StatusCode).To(Equal(http.StatusCreated), "registration failed: %s", res.Body)

	var p patient
	Expect(json.Unmarshal(res.Body, &p)).To(Succeed())
	return p
}

// authorize walks the interactive code flow: fetch the login form, post
// credentials, and capture the code from the redirect back to the client.
func (s *stack) authorize(patientID, dateOfBirth, challenge, state string) string {
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid observation.write"},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}

	formReq, err := http.NewRequest(http.MethodGet, s.IAM.URL+"/authorize?"+params.Encode(), nil)
	Expect(err).ToNot(HaveOccurred())
	formRes := s.do(formReq)
	Expect(formRes.StatusCode).To(Equal(http.StatusOK))
	Expect(string(formRes.Body)).To(ContainSubstring("patient_id"))

	form := url.Values{}
	for key, values := range params {
		form[key] = values
	}
	form.Set("patient_id", patientID)
	form.Set("date_of_birth", dateOfBirth)

	submitReq, err := http.NewRequest(http.MethodPost, s.IAM.URL+"/authorize", strings.NewReader(form.Encode()))
	Expect(err).ToNot(HaveOccurred())
	submitReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	submitRes := s.do(submitReq)
	Expect(submitRes.StatusCode).To(Equal(http.StatusSeeOther), "login was not accepted: %s", submitRes.Body)

	redirect, err := url.Parse(submitRes.Header.Get("Location"))
	Expect(err).ToNot(HaveOccurred())
	Expect(redirect.Query().Get("state")).To(Equal(state))
	code := redirect.Query().Get("code")
	Expect(code).ToNot(BeEmpty())
	return code
}

type tokenGrant struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// postToken hits the token endpoint with the given form.
func (s *stack) postToken(form url.Values) httpResult {
	req, err := http.NewRequest(http.MethodPost, s.IAM.URL+"/token", strings.NewReader(form.Encode()))
	Expect(err).ToNot(HaveOccurred())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req)
}

// exchangeCode redeems an authorization code, expecting success.
func (s *stack) exchangeCode(code, verifier string) tokenGrant {
	res := s.postToken(url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
		"client_id":     {testClientID},
	})
	Expect(res.StatusCode).To(Equal(http.StatusOK), "token exchange failed: %s", res.Body)

	var grant tokenGrant
	Expect(json.Unmarshal(res.Body, &grant)).To(Succeed())
	return grant
}

// refreshTokens rotates a refresh token, expecting success.
func (s *stack) refreshTokens(refreshToken string) tokenGrant {
	res := s.postToken(url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
	Expect(res.StatusCode).To(Equal(http.StatusOK), "refresh failed: %s", res.Body)

	var grant tokenGrant
	Expect(json.Unmarshal(res.Body, &grant)).To(Succeed())
	return grant
}

// revoke revokes a refresh token per RFC 7009.
func (s *stack) revoke(refreshToken string) {
	req, err := http.NewRequest(http.MethodPost, s.IAM.URL+"/revoke",
		strings.NewReader(url.Values{"token": {refreshToken}}.Encode()))
	Expect(err).ToNot(HaveOccurred())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res := s.do(req)
	Expect(res.StatusCode).To(Equal(http.StatusOK))
}

// submit posts a bundle to the gateway.
func (s *stack) submit(accessToken, key, body string) httpResult {
	req, err := http.NewRequest(http.MethodPost, s.Gateway.URL+"/api/v1/observations", strings.NewReader(body))
	Expect(err).ToNot(HaveOccurred())
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return s.do(req)
}

// getStatus reads the caller's transfer status from the gateway.
func (s *stack) getStatus(accessToken string) httpResult {
	req, err := http.NewRequest(http.MethodGet, s.Gateway.URL+"/api/v1/status", nil)
	Expect(err).ToNot(HaveOccurred())
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return s.do(req)
}

// decodeJWTPayload returns the claims of a compact JWS without verifying
// the signature; specs only inspect what the authority put inside.
func decodeJWTPayload(compact string) map[string]any {
	parts := strings.Split(compact, ".")
	Expect(parts).To(HaveLen(3))
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	Expect(err).ToNot(HaveOccurred())

	var claims map[string]any
	Expect(json.Unmarshal(payload, &claims)).To(Succeed())
	return claims
}

// exchangeFiles lists the GDT files the emitter has written so far.
func (s *stack) exchangeFiles() []string {
	entries, err := os.ReadDir(s.ExchangeDir)
	if os.IsNotExist(err) {
		return nil
	}
	Expect(err).ToNot(HaveOccurred())

	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func (s *stack) readExchangeFile(name string) []byte {
	data, err := os.ReadFile(filepath.Join(s.ExchangeDir, name))
	Expect(err).ToNot(HaveOccurred())
	return data
}

// auditRaw returns the gateway's audit trail verbatim.
func (s *stack) auditRaw() string {
	data, err := os.ReadFile(filepath.Join(s.GatewayDir, audit.FileName))
	Expect(err).ToNot(HaveOccurred())
	return string(data)
}

// auditEvents decodes the gateway's audit trail.
func (s *stack) auditEvents() []audit.Event {
	var events []audit.Event
	for _, line := range strings.Split(strings.TrimSpace(s.auditRaw()), "\n") {
		if line == "" {
			continue
		}
		var ev audit.Event
		Expect(json.Unmarshal([]byte(line), &ev)).To(Succeed())
		events = append(events, ev)
	}
	return events
}
