// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/healthbridge/pkg/gateway/audit"
	"github.com/stacklok/healthbridge/pkg/gateway/auth"
	"github.com/stacklok/healthbridge/pkg/gateway/forward"
	"github.com/stacklok/healthbridge/pkg/gateway/idempotency"
	"github.com/stacklok/healthbridge/pkg/gateway/server"
	"github.com/stacklok/healthbridge/pkg/logger"
	"github.com/stacklok/healthbridge/pkg/networking"
)

const (
	serverRequestTimeout = 30 * time.Second // Leaves room for the forward deadline to the emitter
	serverReadTimeout    = 10 * time.Second // Enough for headers and bundle bodies
	serverWriteTimeout   = 35 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout    = 60 * time.Second // Keep connections alive for reuse
)

// newServeCmd creates the serve command for starting the ingestion gateway
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion gateway server",
		Long: `Start the ingestion gateway server. The gateway authenticates requests against
the identity authority's JWKS, applies per-subject rate limiting and
idempotent deduplication, normalizes incoming FHIR bundles and forwards them
to the clinical emitter.`,
		RunE: runServe,
	}

	flags := cmd.Flags()
	flags.Int("port", 8081, "Port to listen on")
	flags.String("storage-dir", "data/gateway", "Directory holding the idempotency cache and audit trail")
	flags.String("iam-url", "http://localhost:8080", "Base URL of the identity authority")
	flags.String("emitter-url", "http://localhost:8082", "Base URL of the clinical emitter")
	flags.Int("rate-limit-max", 60, "Maximum authenticated requests per subject per window")
	flags.Int("rate-limit-window", 60, "Rate limit window in seconds")
	flags.String("ca-bundle", "", "CA certificate bundle for upstream TLS connections")
	flags.String("tls-cert", "", "Path to the TLS certificate (TLS is served when both cert and key are set)")
	flags.String("tls-key", "", "Path to the TLS private key")

	bindServeFlag(flags, "port", "CLIENT_PORT")
	bindServeFlag(flags, "storage-dir", "CLIENT_STORAGE_DIR")
	bindServeFlag(flags, "iam-url", "IAM_BASE_URL")
	bindServeFlag(flags, "emitter-url", "CLINICAL_BASE_URL")
	bindServeFlag(flags, "rate-limit-max", "RATE_LIMIT_MAX")
	bindServeFlag(flags, "rate-limit-window", "RATE_LIMIT_WINDOW")
	bindServeFlag(flags, "ca-bundle", "")
	bindServeFlag(flags, "tls-cert", "TLS_CERT_PATH")
	bindServeFlag(flags, "tls-key", "TLS_KEY_PATH")

	return cmd
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	port := viper.GetInt("port")
	storageDir := viper.GetString("storage-dir")
	iamURL := strings.TrimRight(viper.GetString("iam-url"), "/")
	emitterURL := strings.TrimRight(viper.GetString("emitter-url"), "/")
	if !networking.IsURL(iamURL) {
		return fmt.Errorf("invalid identity authority URL %q", iamURL)
	}
	if !networking.IsURL(emitterURL) {
		return fmt.Errorf("invalid clinical emitter URL %q", emitterURL)
	}

	if err := os.MkdirAll(storageDir, 0750); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	builder := networking.NewHttpClientBuilder().WithPrivateIPs(true)
	if caBundle := viper.GetString("ca-bundle"); caBundle != "" {
		builder = builder.WithCABundle(caBundle)
	}
	httpClient, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build upstream HTTP client: %w", err)
	}

	verifier, err := auth.NewVerifier(ctx, iamURL+"/jwks", httpClient)
	if err != nil {
		return fmt.Errorf("failed to construct token verifier: %w", err)
	}

	cache, err := idempotency.New(ctx, storageDir)
	if err != nil {
		return fmt.Errorf("failed to open idempotency cache: %w", err)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Errorf("Failed to close idempotency cache: %v", err)
		}
	}()

	auditLog, err := audit.NewLog(storageDir)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	handler := server.NewHandler(server.Config{
		IAMBaseURL: iamURL,
		RateLimit:  viper.GetInt("rate-limit-max"),
		RateWindow: time.Duration(viper.GetInt("rate-limit-window")) * time.Second,
	}, verifier, cache, forward.NewClient(emitterURL, httpClient), auditLog)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(serverRequestTimeout))
	r.Mount("/", handler.Routes())

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	certFile, keyFile := tlsPaths()
	logger.Infof("Starting ingestion gateway on %s", addr)
	logger.Infof("Identity authority: %s, clinical emitter: %s, storage: %s", iamURL, emitterURL, storageDir)
	return networking.Serve(ctx, srv, certFile, keyFile)
}

// tlsPaths returns the configured certificate pair, or empty strings for
// plaintext when the pair is incomplete.
func tlsPaths() (string, string) {
	cert := viper.GetString("tls-cert")
	key := viper.GetString("tls-key")
	if (cert == "") != (key == "") {
		logger.Warnf("TLS requires both tls-cert and tls-key, serving plaintext")
		return "", ""
	}
	return cert, key
}
