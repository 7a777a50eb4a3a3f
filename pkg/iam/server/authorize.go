// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"embed"
	"html/template"
	"net/http"
	"net/url"

	"github.com/stacklok/healthbridge/pkg/iam/crypto"
	"github.com/stacklok/healthbridge/pkg/iam/storage"
	"github.com/stacklok/healthbridge/pkg/logger"
)

//go:embed login.html.tmpl
var templateFS embed.FS

var loginTemplate = template.Must(template.ParseFS(templateFS, "login.html.tmpl"))

// authorizeRequest is the validated parameter set of an authorization
// request, carried through the login form as hidden fields.
type authorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// loginFormData is what the login template renders.
type loginFormData struct {
	authorizeRequest
	Error string
}

// validateAuthorizeRequest checks the OAuth parameters shared by the GET
// and POST halves of the flow. It returns a human-readable description of
// the first violation found.
func (h *Handler) validateAuthorizeRequest(ar *authorizeRequest) string {
	switch {
	case ar.ResponseType != "code":
		return "response_type must be \"code\""
	case ar.ClientID != h.cfg.ClientID:
		return "unknown client_id"
	case !h.cfg.redirectURIAllowed(ar.RedirectURI):
		return "redirect_uri is not registered for this client"
	case ar.State == "":
		return "state is required"
	case ar.CodeChallenge == "":
		return "code_challenge is required"
	case ar.CodeChallengeMethod != crypto.PKCEChallengeMethodS256:
		return "code_challenge_method must be \"S256\""
	}
	return ""
}

func authorizeRequestFromValues(values url.Values) authorizeRequest {
	ar := authorizeRequest{
		ResponseType:        values.Get("response_type"),
		ClientID:            values.Get("client_id"),
		RedirectURI:         values.Get("redirect_uri"),
		Scope:               values.Get("scope"),
		State:               values.Get("state"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
	}
	if ar.Scope == "" {
		ar.Scope = DefaultScope
	}
	return ar
}

// AuthorizeFormHandler handles GET /authorize. It validates the OAuth
// parameters and renders the credentials form with every parameter
// preserved as a hidden field.
func (h *Handler) AuthorizeFormHandler(w http.ResponseWriter, req *http.Request) {
	ar := authorizeRequestFromValues(req.URL.Query())
	if msg := h.validateAuthorizeRequest(&ar); msg != "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", msg)
		return
	}
	h.renderLoginForm(w, loginFormData{authorizeRequest: ar})
}

// AuthorizeSubmitHandler handles POST /authorize. A credential mismatch
// re-renders the form; success issues a single-use code and redirects back
// to the client.
func (h *Handler) AuthorizeSubmitHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	ar := authorizeRequestFromValues(req.PostForm)
	if msg := h.validateAuthorizeRequest(&ar); msg != "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", msg)
		return
	}

	patientID := req.PostForm.Get("patient_id")
	dateOfBirth := req.PostForm.Get("date_of_birth")

	patient, found := h.patients.Get(patientID)
	if !found || patient.DateOfBirth != dateOfBirth {
		// One message for both failure modes, so the form does not
		// reveal which identifiers exist.
		h.renderLoginForm(w, loginFormData{
			authorizeRequest: ar,
			Error:            "Patient ID and date of birth do not match our records.",
		})
		return
	}

	code, err := crypto.GenerateOpaqueToken()
	if err != nil {
		logger.Errorw("failed to generate authorization code", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to issue code")
		return
	}

	grant := storage.AuthCode{
		ClientID:            ar.ClientID,
		Subject:             patient.ID,
		RedirectURI:         ar.RedirectURI,
		CodeChallenge:       ar.CodeChallenge,
		CodeChallengeMethod: ar.CodeChallengeMethod,
		Scope:               ar.Scope,
		State:               ar.State,
	}
	if err := h.codes.Issue(req.Context(), code, grant); err != nil {
		logger.Errorw("failed to store authorization code", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to issue code")
		return
	}

	redirect, err := url.Parse(ar.RedirectURI)
	if err != nil {
		// The allowlist check makes this unreachable for registered URIs.
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unparseable redirect_uri")
		return
	}
	query := redirect.Query()
	query.Set("code", code)
	query.Set("state", ar.State)
	redirect.RawQuery = query.Encode()

	logger.Infow("authorization code issued", "subject", patient.ID, "client_id", ar.ClientID)
	http.Redirect(w, req, redirect.String(), http.StatusSeeOther)
}

func (h *Handler) renderLoginForm(w http.ResponseWriter, data loginFormData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := loginTemplate.Execute(w, data); err != nil {
		logger.Errorw("failed to render login form", "error", err)
	}
}
