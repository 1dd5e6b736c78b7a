// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package config loads and validates the Loomis configuration.
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (LOOMIS_ prefix, e.g. LOOMIS_LOGGING_LEVEL)
//   - YAML config file (CONFIG_PATH directory, or the default search paths)
//   - Built-in defaults
//
// Structural validation uses go-playground/validator. Invalid individual
// entries (a server missing its URL, a sync block referencing nothing) are
// dropped with a warning so that unrelated entries keep running; only an
// unreadable or unparseable config file is fatal.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/brikim/loomis/internal/logging"
)

// ServerConfig describes one media server plus its optional history tracker.
// For Plex entries the tracker is Tautulli; for Emby entries it is Jellystat.
type ServerConfig struct {
	Name          string `koanf:"name" validate:"required"`
	URL           string `koanf:"url" validate:"required,url"`
	APIKey        string `koanf:"api_key" validate:"required"`
	TrackerURL    string `koanf:"tracker_url" validate:"omitempty,url"`
	TrackerAPIKey string `koanf:"tracker_api_key"`
	MediaPath     string `koanf:"media_path"`
}

// HasTracker reports whether a tracker endpoint is configured.
func (s *ServerConfig) HasTracker() bool {
	return s.TrackerURL != ""
}

// ServerList groups the servers of one family.
type ServerList struct {
	Servers []ServerConfig `koanf:"servers" validate:"dive"`
}

// AppriseConfig configures the optional Apprise notification sink that
// mirrors warn+ log lines.
type AppriseConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url" validate:"required_if=Enabled true,omitempty,url"`
	Key     string `koanf:"key" validate:"required_if=Enabled true"`
	Title   string `koanf:"title"`
}

// PlaylistTarget names one Emby server a collection is mirrored to.
type PlaylistTarget struct {
	Server string `koanf:"server" validate:"required"`
}

// PlaylistCollection maps one Plex collection onto one or more Emby
// playlists of the same name.
type PlaylistCollection struct {
	Server         string           `koanf:"server" validate:"required"`
	Library        string           `koanf:"library" validate:"required"`
	CollectionName string           `koanf:"collection_name" validate:"required"`
	Targets        []PlaylistTarget `koanf:"target_emby_servers" validate:"min=1,dive"`
}

// PlaylistSyncConfig configures the collection→playlist synchronizer.
type PlaylistSyncConfig struct {
	Enabled bool   `koanf:"enabled"`
	Cron    string `koanf:"cron" validate:"required_if=Enabled true"`

	// SettleSeconds is how long Emby gets to index structural playlist
	// changes before the playlist is re-fetched.
	SettleSeconds int `koanf:"time_for_emby_to_update_seconds"`

	// InterSyncSeconds is the pause between consecutive target servers.
	InterSyncSeconds int `koanf:"time_between_syncs_seconds"`

	Collections []PlaylistCollection `koanf:"plex_collection_sync" validate:"dive"`
}

// SyncUser binds one per-server account into a user group. CanSync gates
// whether the user may receive state; it never restricts emitting.
type SyncUser struct {
	Server   string `koanf:"server" validate:"required"`
	UserName string `koanf:"user_name" validate:"required"`
	CanSync  bool   `koanf:"can_sync"`
}

// UserGroup is one human across multiple servers. A group needs at least
// two members in total to be worth syncing.
type UserGroup struct {
	Plex []SyncUser `koanf:"plex" validate:"dive"`
	Emby []SyncUser `koanf:"emby" validate:"dive"`
}

// WatchStateSyncConfig configures the watch-state synchronizer.
type WatchStateSyncConfig struct {
	Enabled bool        `koanf:"enabled"`
	Cron    string      `koanf:"cron" validate:"required_if=Enabled true"`
	Users   []UserGroup `koanf:"users" validate:"dive"`
}

// CleanupServerRef names a server library to rescan after folder deletion.
type CleanupServerRef struct {
	Server  string `koanf:"server" validate:"required"`
	Library string `koanf:"library" validate:"required"`
}

// CleanupPath is one directory tree the folder-cleanup service prunes.
type CleanupPath struct {
	Path string             `koanf:"path" validate:"required"`
	Plex []CleanupServerRef `koanf:"plex" validate:"dive"`
	Emby []CleanupServerRef `koanf:"emby" validate:"dive"`
}

// FolderCleanupConfig configures the empty-folder cleanup service.
type FolderCleanupConfig struct {
	Enabled bool   `koanf:"enabled"`
	Cron    string `koanf:"cron" validate:"required_if=Enabled true"`
	DryRun  bool   `koanf:"dry_run"`

	// IgnoreFiles lists file names that do not count when deciding whether
	// a folder is empty (e.g. cover art left behind by the server).
	IgnoreFiles   []string      `koanf:"ignore_files_in_empty_check"`
	IgnoreFolders []string      `koanf:"ignore_folders_in_empty_check"`
	Paths         []CleanupPath `koanf:"paths_to_check" validate:"dive"`
}

// LoggingConfig controls the zerolog sink.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"omitempty,oneof=console json"`
}

// HTTPConfig controls the operational HTTP surface (/healthz, /metrics).
type HTTPConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port" validate:"omitempty,min=1,max=65535"`
}

// Config is the root configuration document.
type Config struct {
	Plex           ServerList           `koanf:"plex"`
	Emby           ServerList           `koanf:"emby"`
	AppriseLogging AppriseConfig        `koanf:"apprise_logging"`
	PlaylistSync   PlaylistSyncConfig   `koanf:"playlist_sync"`
	WatchStateSync WatchStateSyncConfig `koanf:"watch_state_sync"`
	FolderCleanup  FolderCleanupConfig  `koanf:"folder_cleanup"`
	Logging        LoggingConfig        `koanf:"logging"`
	HTTP           HTTPConfig           `koanf:"http"`
}

// PlexServer returns the Plex server config with the given name.
func (c *Config) PlexServer(name string) *ServerConfig {
	return findServer(c.Plex.Servers, name)
}

// EmbyServer returns the Emby server config with the given name.
func (c *Config) EmbyServer(name string) *ServerConfig {
	return findServer(c.Emby.Servers, name)
}

func findServer(servers []ServerConfig, name string) *ServerConfig {
	for i := range servers {
		if servers[i].Name == name {
			return &servers[i]
		}
	}
	return nil
}

// Validate checks the whole document structurally, then prunes invalid
// server entries so the rest of the process can proceed. It returns an
// error only for conditions that make the document unusable as a whole.
func (c *Config) Validate() error {
	c.Plex.Servers = pruneServers("plex", c.Plex.Servers)
	c.Emby.Servers = pruneServers("emby", c.Emby.Servers)

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if dup := firstDuplicateName(c.Plex.Servers); dup != "" {
		return fmt.Errorf("config validation: duplicate plex server name %q", dup)
	}
	if dup := firstDuplicateName(c.Emby.Servers); dup != "" {
		return fmt.Errorf("config validation: duplicate emby server name %q", dup)
	}
	return nil
}

// pruneServers drops server entries that fail their own validation,
// logging each one. A bad server must not take down its siblings.
func pruneServers(family string, servers []ServerConfig) []ServerConfig {
	v := validator.New(validator.WithRequiredStructEnabled())
	kept := servers[:0]
	for i := range servers {
		if err := v.Struct(&servers[i]); err != nil {
			logging.Warn().
				Str("family", family).
				Str("server", servers[i].Name).
				Err(err).
				Msg("Dropping invalid server entry")
			continue
		}
		kept = append(kept, servers[i])
	}
	return kept
}

func firstDuplicateName(servers []ServerConfig) string {
	seen := make(map[string]struct{}, len(servers))
	for i := range servers {
		if _, ok := seen[servers[i].Name]; ok {
			return servers[i].Name
		}
		seen[servers[i].Name] = struct{}{}
	}
	return ""
}
