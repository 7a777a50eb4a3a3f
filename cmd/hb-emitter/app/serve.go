// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/healthbridge/pkg/clinical/server"
	"github.com/stacklok/healthbridge/pkg/clinical/status"
	"github.com/stacklok/healthbridge/pkg/logger"
	"github.com/stacklok/healthbridge/pkg/networking"
)

const (
	serverRequestTimeout = 30 * time.Second // Batches write one file per observation
	serverReadTimeout    = 10 * time.Second // Enough for headers and batch bodies
	serverWriteTimeout   = 35 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout    = 60 * time.Second // Keep connections alive for reuse
)

// newServeCmd creates the serve command for starting the clinical emitter
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the clinical emitter server",
		Long: `Start the clinical emitter server. The emitter accepts observation batches
from the ingestion gateway, renders each observation as a GDT 2.1 examination
record in the exchange directory and serves per-patient transfer status.`,
		RunE: runServe,
	}

	flags := cmd.Flags()
	flags.Int("port", 8082, "Port to listen on")
	flags.String("storage-dir", "data/clinical", "Directory holding the transfer status store")
	flags.String("output-dir", "", "Exchange directory GDT files are written to (defaults to <storage-dir>/gdt)")
	flags.String("sender-id", "HEALTHBRIDGE", "GDT sender identifier stamped into field 9106")
	flags.String("receiver-id", "PRAXIS_EDV", "GDT receiver identifier stamped into field 9103")
	flags.String("tls-cert", "", "Path to the TLS certificate (TLS is served when both cert and key are set)")
	flags.String("tls-key", "", "Path to the TLS private key")

	bindServeFlag(flags, "port", "CLINICAL_PORT")
	bindServeFlag(flags, "storage-dir", "CLINICAL_STORAGE_DIR")
	bindServeFlag(flags, "output-dir", "GDT_OUTPUT_PATH")
	bindServeFlag(flags, "sender-id", "GDT_SENDER_ID")
	bindServeFlag(flags, "receiver-id", "GDT_RECEIVER_ID")
	bindServeFlag(flags, "tls-cert", "TLS_CERT_PATH")
	bindServeFlag(flags, "tls-key", "TLS_KEY_PATH")

	return cmd
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	port := viper.GetInt("port")
	storageDir := viper.GetString("storage-dir")
	outputDir := viper.GetString("output-dir")
	if outputDir == "" {
		outputDir = filepath.Join(storageDir, "gdt")
	}

	if err := os.MkdirAll(outputDir, 0750); err != nil {
		return fmt.Errorf("failed to create exchange directory: %w", err)
	}

	store, err := status.New(ctx, storageDir)
	if err != nil {
		return fmt.Errorf("failed to open transfer status store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("Failed to close transfer status store: %v", err)
		}
	}()

	handler := server.NewHandler(server.Config{
		OutputDir:  outputDir,
		SenderID:   viper.GetString("sender-id"),
		ReceiverID: viper.GetString("receiver-id"),
	}, store)

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
	logger.Infof("Starting clinical emitter on %s", addr)
	logger.Infof("Exchange directory: %s, storage: %s", outputDir, storageDir)
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
