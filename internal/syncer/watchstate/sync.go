// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package watchstate propagates watched and in-progress playback state
// between the accounts of one human across several media servers. History
// comes from each server's tracker; state is written back through the
// servers themselves.
package watchstate

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/brikim/loomis/internal/config"
	"github.com/brikim/loomis/internal/logging"
	"github.com/brikim/loomis/internal/mediaserver"
	"github.com/brikim/loomis/internal/scheduler"
)

// Syncer runs the watch-state synchronization cycle over all user groups.
type Syncer struct {
	log    zerolog.Logger
	cron   string
	now    func() time.Time
	groups []*Group
}

// New builds the synchronizer from configuration. Users referencing an
// unknown server or a server without a tracker are dropped with a warning;
// a group left with fewer than two members is dropped entirely.
func New(cfg config.WatchStateSyncConfig, registry *mediaserver.Registry) *Syncer {
	s := &Syncer{
		log:  logging.With().Str("component", "watch-state-sync").Logger(),
		cron: cfg.Cron,
		now:  time.Now,
	}

	for _, ug := range cfg.Users {
		group := &Group{log: s.log}

		for _, su := range ug.Plex {
			bundle := registry.Plex(su.Server)
			if bundle == nil {
				s.log.Warn().Str("server", su.Server).Str("user", su.UserName).
					Msg("No plex server with this name, dropping user")
				continue
			}
			if bundle.Tracker == nil {
				s.log.Warn().Str("server", su.Server).Str("user", su.UserName).
					Msg("No tracker configured for server, required for this service")
				continue
			}
			group.plex = append(group.plex, &PlexUser{
				server:  su.Server,
				account: su.UserName,
				canSync: su.CanSync,
				api:     bundle.Client,
				tracker: bundle.Tracker,
				log:     s.log,
			})
		}

		for _, su := range ug.Emby {
			bundle := registry.Emby(su.Server)
			if bundle == nil {
				s.log.Warn().Str("server", su.Server).Str("user", su.UserName).
					Msg("No emby server with this name, dropping user")
				continue
			}
			if bundle.Tracker == nil {
				s.log.Warn().Str("server", su.Server).Str("user", su.UserName).
					Msg("No tracker configured for server, required for this service")
				continue
			}
			group.emby = append(group.emby, &EmbyUser{
				server:   su.Server,
				account:  su.UserName,
				canSync:  su.CanSync,
				api:      bundle.Client,
				tracker:  bundle.Tracker,
				resolver: bundle.PathMap,
				log:      s.log,
			})
		}

		if !group.active() {
			s.log.Warn().Str("users", group.names()).
				Msg("User group needs at least two resolvable users, dropping")
			continue
		}
		s.groups = append(s.groups, group)
	}

	return s
}

// Active reports whether any user group survived configuration resolution.
func (s *Syncer) Active() bool { return len(s.groups) > 0 }

// Task returns the scheduled cycle.
func (s *Syncer) Task() scheduler.Task {
	return scheduler.Task{Name: "Watch State Sync", Cron: s.cron, Run: s.Run}
}

// Run executes one cycle for every group. A failing group never takes
// down the others.
func (s *Syncer) Run(ctx context.Context) {
	now := s.now()
	for _, g := range s.groups {
		s.syncGroup(ctx, g, now)
	}
}

func (s *Syncer) syncGroup(ctx context.Context, g *Group, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("users", g.names()).Interface("panic", r).
				Msg("User group sync failed")
		}
	}()
	g.sync(ctx, now)
}
