// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server implements the clinical emitter's HTTP surface: the
// processing endpoint that renders observations into GDT exchange files,
// and the per-subject transfer status endpoint.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/healthbridge/pkg/clinical/status"
	"github.com/stacklok/healthbridge/pkg/errors"
	"github.com/stacklok/healthbridge/pkg/logger"
)

// Config carries the emitter's externally visible settings.
type Config struct {
	// OutputDir is the exchange directory GDT files are written to.
	OutputDir string

	// SenderID and ReceiverID address emitted records between practice
	// systems (fields 9106 and 9103).
	SenderID   string
	ReceiverID string
}

// Handler provides the HTTP handlers for all emitter endpoints.
type Handler struct {
	cfg    Config
	status *status.Store
}

// NewHandler creates a Handler writing exchange files per cfg and
// recording transfers in statusStore.
func NewHandler(cfg Config, statusStore *status.Store) *Handler {
	return &Handler{cfg: cfg, status: statusStore}
}

// Routes returns a router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/process", h.ProcessHandler)
		api.Get("/status/{patientID}", h.StatusHandler)
	})
	return r
}

// StatusHandler reports a subject's transfer history, or not_found when
// the subject has never transferred.
func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	entry, ok := h.status.Get(patientID)
	if !ok {
		writeError(w, errors.NewNotFoundError("no transfers recorded for this patient", nil))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// apiError is the {error, message} body used by every emitter endpoint.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err *errors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode())
	_ = json.NewEncoder(w).Encode(apiError{Error: err.Type, Message: err.Message})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Errorw("failed to encode response", "error", err)
		writeError(w, errors.NewInternalError("failed to encode response", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}
