// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package service assembles the daemon: it builds the server registry and
// the enabled synchronizers, registers their tasks with the scheduler, and
// supervises the scheduler and the operational HTTP server until shutdown.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/brikim/loomis/internal/cleanup"
	"github.com/brikim/loomis/internal/config"
	"github.com/brikim/loomis/internal/httpapi"
	"github.com/brikim/loomis/internal/logging"
	"github.com/brikim/loomis/internal/mediaserver"
	"github.com/brikim/loomis/internal/scheduler"
	"github.com/brikim/loomis/internal/syncer/playlist"
	"github.com/brikim/loomis/internal/syncer/watchstate"
)

// Manager owns the process composition.
type Manager struct {
	log       zerolog.Logger
	sched     *scheduler.Scheduler
	sup       *suture.Supervisor
	taskCount int
}

// New wires up the full daemon from configuration: upstream clients and
// path maps, the enabled services, and the supervision tree.
func New(ctx context.Context, cfg *config.Config) *Manager {
	m := &Manager{
		log:   logging.With().Str("component", "service").Logger(),
		sched: scheduler.New(),
	}

	registry := mediaserver.NewRegistry(ctx, cfg)
	registry.LogBanner(ctx)

	var tasks []scheduler.Task
	if cfg.PlaylistSync.Enabled {
		if s := playlist.New(cfg.PlaylistSync, registry); s.Active() {
			tasks = append(tasks, s.Task())
		}
	}
	if cfg.WatchStateSync.Enabled {
		if s := watchstate.New(cfg.WatchStateSync, registry); s.Active() {
			tasks = append(tasks, s.Task())
		}
	}
	if cfg.FolderCleanup.Enabled {
		if s := cleanup.New(cfg.FolderCleanup, registry); s.Active() {
			tasks = append(tasks, s.Task())
		}
	}
	// Maintenance tasks only matter when something consumes their state.
	if len(tasks) > 0 {
		tasks = append(tasks, registry.Tasks()...)
	}

	for _, task := range tasks {
		if err := m.sched.Add(task); err != nil {
			continue
		}
		m.taskCount++
	}

	handler := &sutureslog.Handler{Logger: logging.NewSlogLogger()}
	m.sup = suture.New("loomis", suture.Spec{
		EventHook: handler.MustHook(),
		Timeout:   10 * time.Second,
	})
	m.sup.Add(&schedulerService{sched: m.sched})
	if cfg.HTTP.Enabled {
		m.sup.Add(httpapi.New(cfg.HTTP))
	}

	return m
}

// Run blocks until the context is canceled. With nothing scheduled the
// daemon has no reason to live, so it warns and returns at once.
func (m *Manager) Run(ctx context.Context) error {
	if m.taskCount == 0 {
		m.log.Warn().Msg("No enabled services, nothing to do")
		return nil
	}
	err := m.sup.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// schedulerService adapts the scheduler to suture.Service.
type schedulerService struct {
	sched *scheduler.Scheduler
}

func (s *schedulerService) Serve(ctx context.Context) error {
	if !s.sched.Start() {
		<-ctx.Done()
		return ctx.Err()
	}
	<-ctx.Done()
	s.sched.Shutdown()
	return ctx.Err()
}

func (s *schedulerService) String() string { return "scheduler" }
