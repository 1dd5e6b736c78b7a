// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package mediaserver assembles the per-server client bundles from the
// configuration and hands out their scheduled maintenance tasks.
package mediaserver

import (
	"context"

	"github.com/brikim/loomis/internal/config"
	"github.com/brikim/loomis/internal/logging"
	"github.com/brikim/loomis/internal/mediaserver/emby"
	"github.com/brikim/loomis/internal/mediaserver/jellystat"
	"github.com/brikim/loomis/internal/mediaserver/plex"
	"github.com/brikim/loomis/internal/mediaserver/tautulli"
	"github.com/brikim/loomis/internal/scheduler"
)

// PlexServer bundles one Plex server's client with its optional tracker.
type PlexServer struct {
	Config  config.ServerConfig
	Client  *plex.Client
	Tracker *tautulli.Client // nil when no tracker is configured
}

// EmbyServer bundles one Emby server's client, its path map, and its
// optional tracker.
type EmbyServer struct {
	Config  config.ServerConfig
	Client  *emby.Client
	PathMap *emby.PathMap
	Tracker *jellystat.Client // nil when no tracker is configured
}

// Registry holds every configured server bundle, in configuration order.
type Registry struct {
	plexServers []*PlexServer
	embyServers []*EmbyServer
}

// NewRegistry builds clients for every configured server. Each Emby server
// gets its path map primed with a startup build; an unreachable server
// simply starts with an empty map and catches up on the next quick check.
func NewRegistry(ctx context.Context, cfg *config.Config) *Registry {
	r := &Registry{}

	for _, sc := range cfg.Plex.Servers {
		bundle := &PlexServer{
			Config: sc,
			Client: plex.New(sc.Name, sc.URL, sc.APIKey, sc.MediaPath),
		}
		if sc.HasTracker() {
			bundle.Tracker = tautulli.New(sc.Name, sc.TrackerURL, sc.TrackerAPIKey)
		}
		r.plexServers = append(r.plexServers, bundle)
	}

	for _, sc := range cfg.Emby.Servers {
		client := emby.New(sc.Name, sc.URL, sc.APIKey, sc.MediaPath)
		bundle := &EmbyServer{
			Config:  sc,
			Client:  client,
			PathMap: emby.NewPathMap(ctx, client),
		}
		if sc.HasTracker() {
			bundle.Tracker = jellystat.New(sc.Name, sc.TrackerURL, sc.TrackerAPIKey)
		}
		r.embyServers = append(r.embyServers, bundle)
	}

	return r
}

// Plex returns the bundle for a configured Plex server name, or nil.
func (r *Registry) Plex(name string) *PlexServer {
	for _, s := range r.plexServers {
		if s.Config.Name == name {
			return s
		}
	}
	return nil
}

// Emby returns the bundle for a configured Emby server name, or nil.
func (r *Registry) Emby(name string) *EmbyServer {
	for _, s := range r.embyServers {
		if s.Config.Name == name {
			return s
		}
	}
	return nil
}

// PlexServers returns all Plex bundles in configuration order.
func (r *Registry) PlexServers() []*PlexServer { return r.plexServers }

// EmbyServers returns all Emby bundles in configuration order.
func (r *Registry) EmbyServers() []*EmbyServer { return r.embyServers }

// Tasks collects the scheduled maintenance work of every bundle: path-map
// refreshes per Emby server and the Tautulli settings update per tracker.
func (r *Registry) Tasks() []scheduler.Task {
	var tasks []scheduler.Task
	for _, s := range r.embyServers {
		tasks = append(tasks, s.PathMap.Tasks()...)
	}
	for _, s := range r.plexServers {
		if s.Tracker != nil {
			tasks = append(tasks, s.Tracker.Tasks()...)
		}
	}
	return tasks
}

// LogBanner pings every server and tracker once and logs what it reports
// about itself. A name differing from the configured one is worth a
// warning; an offline server is not fatal at startup.
func (r *Registry) LogBanner(ctx context.Context) {
	for _, s := range r.plexServers {
		logConnection(ctx, "plex", s.Config.Name, s.Client.Ping(ctx), func() (string, error) {
			return s.Client.ReportedName(ctx)
		})
		if s.Tracker != nil {
			logConnection(ctx, "tautulli", s.Config.Name, s.Tracker.Ping(ctx), func() (string, error) {
				return s.Tracker.ReportedName(ctx)
			})
		}
	}
	for _, s := range r.embyServers {
		logConnection(ctx, "emby", s.Config.Name, s.Client.Ping(ctx), func() (string, error) {
			return s.Client.ReportedName(ctx)
		})
		if s.Tracker != nil {
			// Jellystat exposes no server name of its own.
			logConnection(ctx, "jellystat", s.Config.Name, s.Tracker.Ping(ctx), nil)
		}
	}
}

func logConnection(_ context.Context, family, configured string, online bool, reportedName func() (string, error)) {
	log := logging.With().Str("family", family).Str("server", configured).Logger()
	if !online {
		log.Warn().Msg("Server not reachable at startup")
		return
	}

	if reportedName == nil {
		log.Info().Msg("Connected")
		return
	}
	name, err := reportedName()
	if err != nil {
		log.Warn().Err(err).Msg("Connected but could not read server name")
		return
	}
	if name != configured {
		log.Warn().Str("reported", name).Msg("Server reports a different name than configured")
		return
	}
	log.Info().Str("reported", name).Msg("Connected")
}
