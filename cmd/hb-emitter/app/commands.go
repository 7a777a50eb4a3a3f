// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the hb-emitter command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stacklok/healthbridge/pkg/logger"
	"github.com/stacklok/healthbridge/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "hb-emitter",
	DisableAutoGenTag: true,
	Short:             "HealthBridge clinical emitter",
	Long: `hb-emitter is the clinical emitter of the HealthBridge backend. It converts
normalized FHIR observations into GDT 2.1 exchange records, writes them into
the practice's exchange directory and tracks per-patient transfer history.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the hb-emitter CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// bindServeFlag wires a serve flag into viper, optionally shadowed by an
// environment variable. Flag values win over the environment.
func bindServeFlag(flags *pflag.FlagSet, key, env string) {
	if err := viper.BindPFlag(key, flags.Lookup(key)); err != nil {
		logger.Fatalf("Failed to bind %s flag: %v", key, err)
	}
	if env == "" {
		return
	}
	if err := viper.BindEnv(key, env); err != nil {
		logger.Fatalf("Failed to bind %s environment variable: %v", env, err)
	}
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Display version information for hb-emitter",
		Run: func(_ *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			fmt.Printf("hb-emitter %s\n", info.Version)
			fmt.Printf("Commit: %s\n", info.Commit)
			fmt.Printf("Built: %s\n", info.BuildDate)
			fmt.Printf("Go version: %s\n", info.GoVersion)
			fmt.Printf("Platform: %s\n", info.Platform)
		},
	}
}
