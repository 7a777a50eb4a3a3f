// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/stacklok/healthbridge/pkg/clinical/gdt"
	"github.com/stacklok/healthbridge/pkg/clinical/mapper"
	"github.com/stacklok/healthbridge/pkg/errors"
	"github.com/stacklok/healthbridge/pkg/fhir"
	"github.com/stacklok/healthbridge/pkg/logger"
)

// maxRequestBytes bounds the accepted request body.
const maxRequestBytes = 8 << 20

// Batch statuses, derived from the per-entry outcomes.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// ProcessRequest is the payload the ingestion gateway forwards.
// Demographics travel with the request so subjects can be addressed
// without a patient registry on this side.
type ProcessRequest struct {
	PatientID          string             `json:"patientId"`
	PatientFirstName   string             `json:"patientFirstName,omitempty"`
	PatientLastName    string             `json:"patientLastName,omitempty"`
	PatientDateOfBirth string             `json:"patientDateOfBirth,omitempty"`
	Observations       []fhir.Observation `json:"observations"`
}

// EntryResult is the outcome for a single observation.
type EntryResult struct {
	GDTFileName string   `json:"gdtFileName,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ProcessResponse aggregates the batch outcome.
type ProcessResponse struct {
	Status         string        `json:"status"`
	TotalProcessed int           `json:"totalProcessed"`
	Successful     int           `json:"successful"`
	Failed         int           `json:"failed"`
	Results        []EntryResult `json:"results"`
}

// ProcessHandler renders each submitted observation into its own GDT
// exchange file. A single observation's failure lands in its entry result
// without aborting the rest of the batch.
func (h *Handler) ProcessHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, errors.NewValidationError("failed to read request body", err))
		return
	}
	var req ProcessRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, errors.NewValidationError("request body is not a process request", nil))
		return
	}

	resp := ProcessResponse{
		TotalProcessed: len(req.Observations),
		Results:        make([]EntryResult, 0, len(req.Observations)),
	}
	for i := range req.Observations {
		result := h.processObservation(&req, &req.Observations[i])
		if result.Error != "" {
			resp.Failed++
		} else {
			resp.Successful++
		}
		resp.Results = append(resp.Results, result)
	}
	resp.Status = statusFromCounts(resp.Successful, resp.Failed)

	if resp.Successful > 0 && req.PatientID != "" {
		if _, err := h.status.Record(r.Context(), req.PatientID); err != nil {
			logger.Errorw("Failed to record transfer",
				"patientId", req.PatientID, "error", err)
		}
	}

	logger.Infow("Processed observation batch",
		"patientId", req.PatientID,
		"total", resp.TotalProcessed,
		"successful", resp.Successful,
		"failed", resp.Failed)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) processObservation(req *ProcessRequest, obs *fhir.Observation) EntryResult {
	ensureSubject(req, obs)

	fields, warnings := mapper.Observation(obs)
	doc := gdt.NewDocument(gdt.Header{
		SenderID:   h.cfg.SenderID,
		ReceiverID: h.cfg.ReceiverID,
	})
	for _, f := range fields {
		doc.Add(f.ID, f.Content)
	}

	data, encodeWarnings, err := doc.Encode()
	warnings = append(warnings, encodeWarnings...)
	if err != nil {
		return EntryResult{Warnings: warnings, Error: err.Error()}
	}

	name, err := writeExchangeFile(h.cfg.OutputDir, data)
	if err != nil {
		logger.Errorw("Failed to write exchange file", "error", err)
		return EntryResult{Warnings: warnings, Error: "failed to write exchange file"}
	}
	return EntryResult{GDTFileName: name, Warnings: warnings}
}

// ensureSubject synthesizes the subject from the request envelope when
// the observation does not reference one. An explicit reference is left
// alone, including its display. Display follows the "family, given"
// convention the mapper splits on.
func ensureSubject(req *ProcessRequest, obs *fhir.Observation) {
	if obs.Subject != nil && obs.Subject.Reference != "" {
		return
	}
	if req.PatientID == "" {
		return
	}
	display := ""
	if obs.Subject != nil {
		display = obs.Subject.Display
	}
	if display == "" {
		display = displayName(req.PatientLastName, req.PatientFirstName)
	}
	obs.Subject = &fhir.Reference{
		Reference: "Patient/" + req.PatientID,
		Display:   display,
	}
}

func displayName(family, given string) string {
	switch {
	case family != "" && given != "":
		return family + ", " + given
	case family != "":
		return family
	default:
		return given
	}
}

func statusFromCounts(successful, failed int) string {
	switch {
	case failed == 0:
		return StatusSuccess
	case successful > 0:
		return StatusPartial
	default:
		return StatusError
	}
}
