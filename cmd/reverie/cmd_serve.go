// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/reverie-ai/reverie/pkg/logging"
	"github.com/reverie-ai/reverie/services/orchestrator"
	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

var serveFlags struct {
	logDir  string
	verbose bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator HTTP server",
	Long: "Reads configuration from the environment (REVERIE_* variables), " +
		"assembles the runtime and serves until SIGINT/SIGTERM.",
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.logDir, "log-dir", "", "also write JSON logs to this directory")
	serveCmd.Flags().BoolVarP(&serveFlags.verbose, "verbose", "v", false, "enable debug logging")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := datatypes.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := buildLogger(ctx, cfg)
	defer logger.Close()
	slogger := logger.Slog()

	svc, err := orchestrator.New(ctx, cfg, slogger)
	if err != nil {
		return fmt.Errorf("failed to assemble runtime: %w", err)
	}

	if err := svc.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slogger.Info("orchestrator stopped")
	return nil
}

// buildLogger picks output format by terminal detection: humans get
// text, pipes and supervisors get JSON.
func buildLogger(ctx context.Context, cfg *datatypes.Config) *logging.Logger {
	logCfg := logging.Config{
		Service: "orchestrator",
		LogDir:  serveFlags.logDir,
		JSON:    !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()),
	}
	if serveFlags.verbose {
		logCfg.Level = logging.LevelDebug
	}
	if cfg.GCSLogBucket != "" {
		exporter, err := logging.NewGCSExporter(ctx, cfg.GCSLogBucket, "orchestrator", "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "GCS log export disabled: %v\n", err)
		} else {
			logCfg.Exporter = exporter
		}
	}
	return logging.New(logCfg)
}
