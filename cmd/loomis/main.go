// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Command loomis runs the synchronization daemon. It loads the layered
// configuration, wires the logging sinks, and hands control to the
// service manager until SIGINT or SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/brikim/loomis/internal/config"
	"github.com/brikim/loomis/internal/logging"
	"github.com/brikim/loomis/internal/notify"
	"github.com/brikim/loomis/internal/service"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("Could not load configuration")
		return 1
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	if cfg.AppriseLogging.Enabled {
		hook := notify.NewAppriseHook(cfg.AppriseLogging)
		defer hook.Close()
		logging.SetLogger(logging.Logger().Hook(hook))
	}

	logging.Info().Msg("Starting Loomis")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := service.New(ctx, cfg).Run(ctx); err != nil {
		logging.Error().Err(err).Msg("Daemon exited with error")
		return 1
	}

	logging.Info().Msg("Shutdown complete")
	return 0
}
