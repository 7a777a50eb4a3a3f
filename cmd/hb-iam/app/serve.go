// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/healthbridge/pkg/iam/keys"
	"github.com/stacklok/healthbridge/pkg/iam/server"
	"github.com/stacklok/healthbridge/pkg/iam/storage"
	"github.com/stacklok/healthbridge/pkg/iam/token"
	"github.com/stacklok/healthbridge/pkg/logger"
	"github.com/stacklok/healthbridge/pkg/networking"
)

const (
	serverRequestTimeout = 10 * time.Second // Auth endpoints should respond quickly
	serverReadTimeout    = 10 * time.Second // Enough for headers and form bodies
	serverWriteTimeout   = 15 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout    = 60 * time.Second // Keep connections alive for reuse
)

// newServeCmd creates the serve command for starting the identity authority
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the identity authority server",
		Long: `Start the identity authority server. The server persists patients, authorization
codes, refresh tokens and its ES256 signing key under the storage directory and
exposes OIDC discovery, JWKS, the authorization and token endpoints, RFC 7009
revocation and patient management.`,
		RunE: runServe,
	}

	flags := cmd.Flags()
	flags.Int("port", 8080, "Port to listen on")
	flags.String("storage-dir", "data/iam", "Directory holding the authority's persisted state")
	flags.String("base-url", "", "External base URL advertised in the discovery document (defaults to http://localhost:<port>)")
	flags.String("client-id", "healthbridge-mobile", "OAuth client identifier of the registered mobile client")
	flags.StringSlice("redirect-uri", []string{"com.example.health://oauth/callback"},
		"Allowed redirect URIs for the registered client")
	flags.String("tls-cert", "", "Path to the TLS certificate (TLS is served when both cert and key are set)")
	flags.String("tls-key", "", "Path to the TLS private key")

	bindServeFlag(flags, "port", "IAM_PORT")
	bindServeFlag(flags, "storage-dir", "IAM_STORAGE_DIR")
	bindServeFlag(flags, "base-url", "IAM_BASE_URL")
	bindServeFlag(flags, "client-id", "")
	bindServeFlag(flags, "redirect-uri", "")
	bindServeFlag(flags, "tls-cert", "TLS_CERT_PATH")
	bindServeFlag(flags, "tls-key", "TLS_KEY_PATH")

	return cmd
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	port := viper.GetInt("port")
	storageDir := viper.GetString("storage-dir")
	baseURL := strings.TrimRight(viper.GetString("base-url"), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", port)
	}
	if !networking.IsURL(baseURL) {
		return fmt.Errorf("invalid base URL %q", baseURL)
	}
	if u, err := url.Parse(baseURL); err == nil && u.Scheme == "http" && !networking.IsLocalhost(u.Host) {
		logger.Warnf("Issuer %s uses plain HTTP on a non-local host", baseURL)
	}

	if err := os.MkdirAll(storageDir, 0750); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	provider, err := keys.LoadOrGenerate(filepath.Join(storageDir, keys.KeyFileName))
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	signer, err := token.NewSigner(provider)
	if err != nil {
		return fmt.Errorf("failed to construct token signer: %w", err)
	}

	patients, err := storage.NewPatientStore(ctx, storageDir)
	if err != nil {
		return fmt.Errorf("failed to open patient registry: %w", err)
	}
	codes, err := storage.NewCodeStore(ctx, storageDir)
	if err != nil {
		return fmt.Errorf("failed to open authorization code store: %w", err)
	}
	defer func() {
		if err := codes.Close(); err != nil {
			logger.Errorf("Failed to close authorization code store: %v", err)
		}
	}()
	refresh, err := storage.NewRefreshStore(ctx, storageDir)
	if err != nil {
		return fmt.Errorf("failed to open refresh token store: %w", err)
	}
	defer func() {
		if err := refresh.Close(); err != nil {
			logger.Errorf("Failed to close refresh token store: %v", err)
		}
	}()

	handler := server.NewHandler(server.Config{
		Issuer:       baseURL,
		ClientID:     viper.GetString("client-id"),
		RedirectURIs: viper.GetStringSlice("redirect-uri"),
	}, provider, signer, patients, codes, refresh)

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
	logger.Infof("Starting identity authority on %s", addr)
	logger.Infof("Issuer: %s, storage: %s", baseURL, storageDir)
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
