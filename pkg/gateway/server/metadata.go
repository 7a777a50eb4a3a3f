// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/stacklok/healthbridge/pkg/fhir"
	"github.com/stacklok/healthbridge/pkg/versions"
)

// MetadataDocument is the unauthenticated bootstrap document. The mobile
// client reads it to find the identity authority before it has any token.
type MetadataDocument struct {
	ServerVersion          string   `json:"serverVersion"`
	IAMDiscoveryURL        string   `json:"iamDiscoveryUrl"`
	SupportedResourceTypes []string `json:"supportedResourceTypes"`
}

// MetadataHandler serves the bootstrap document.
func (h *Handler) MetadataHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, MetadataDocument{
		ServerVersion:          versions.GetVersionInfo().Version,
		IAMDiscoveryURL:        h.cfg.IAMBaseURL + "/.well-known/openid-configuration",
		SupportedResourceTypes: []string{fhir.ResourceTypeObservation},
	})
}
