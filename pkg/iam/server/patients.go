// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/healthbridge/pkg/errors"
	"github.com/stacklok/healthbridge/pkg/logger"
)

// registerPatientRequest is the body of POST /patients.
type registerPatientRequest struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DateOfBirth string `json:"dateOfBirth"`
}

// RegisterPatientHandler handles POST /patients.
func (h *Handler) RegisterPatientHandler(w http.ResponseWriter, req *http.Request) {
	var body registerPatientRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, errors.NewValidationError("request body must be JSON", err))
		return
	}
	if body.FirstName == "" || body.LastName == "" || body.DateOfBirth == "" {
		writeError(w, errors.NewValidationError(
			"firstName, lastName and dateOfBirth are required", nil))
		return
	}

	patient, err := h.patients.Register(req.Context(), body.FirstName, body.LastName, body.DateOfBirth)
	if err != nil {
		logger.Errorw("failed to register patient", "error", err)
		writeError(w, errors.NewInternalError("failed to persist patient", err))
		return
	}

	logger.Infow("patient registered", "id", patient.ID)
	writeJSON(w, http.StatusCreated, patient)
}

// ListPatientsHandler handles GET /patients.
func (h *Handler) ListPatientsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.patients.List())
}

// GetPatientHandler handles GET /patients/{id}.
func (h *Handler) GetPatientHandler(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	patient, found := h.patients.Get(id)
	if !found {
		writeError(w, errors.NewNotFoundError("no patient with id "+id, nil))
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

// DeletePatientHandler handles DELETE /patients/{id}. Deletion cascades:
// every refresh token bound to the subject is revoked so the deleted
// patient cannot mint new access tokens.
func (h *Handler) DeletePatientHandler(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")

	deleted, err := h.patients.Delete(req.Context(), id)
	if err != nil {
		logger.Errorw("failed to delete patient", "error", err, "id", id)
		writeError(w, errors.NewInternalError("failed to delete patient", err))
		return
	}
	if !deleted {
		writeError(w, errors.NewNotFoundError("no patient with id "+id, nil))
		return
	}

	revoked, err := h.refresh.RevokeSubject(req.Context(), id)
	if err != nil {
		logger.Errorw("failed to revoke refresh tokens for deleted patient",
			"error", err, "id", id)
		writeError(w, errors.NewInternalError("failed to revoke refresh tokens", err))
		return
	}

	logger.Infow("patient deleted", "id", id, "revoked_tokens", revoked)
	w.WriteHeader(http.StatusNoContent)
}
