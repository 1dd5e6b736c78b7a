// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package cleanup removes empty directories left behind under the media
// roots after files are deleted, then asks the affected server libraries
// to rescan.
package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/brikim/loomis/internal/config"
	"github.com/brikim/loomis/internal/logging"
	"github.com/brikim/loomis/internal/mediaserver"
	"github.com/brikim/loomis/internal/metrics"
	"github.com/brikim/loomis/internal/scheduler"
)

// LibraryScanner is the slice of a media-server client the cleanup service
// needs to trigger a rescan after deleting folders.
type LibraryScanner interface {
	Ping(ctx context.Context) bool
	LibraryID(ctx context.Context, libraryName string) (string, error)
	TriggerScan(ctx context.Context, libraryID string) error
}

type serverRef struct {
	scanner LibraryScanner
	family  string
	server  string
	library string
}

type pathRule struct {
	path string
	refs []serverRef
}

// Service prunes empty folders under the configured paths on a schedule.
type Service struct {
	log           zerolog.Logger
	cron          string
	dryRun        bool
	ignoreFiles   map[string]struct{}
	ignoreFolders map[string]struct{}
	rules         []pathRule
}

// New builds the service from configuration, resolving server references
// against the registry. Unknown servers are dropped with a warning; a
// missing path is only warned about since it may be mounted later.
func New(cfg config.FolderCleanupConfig, registry *mediaserver.Registry) *Service {
	s := &Service{
		log:           logging.With().Str("component", "folder-cleanup").Logger(),
		cron:          cfg.Cron,
		dryRun:        cfg.DryRun,
		ignoreFiles:   lowerSet(cfg.IgnoreFiles),
		ignoreFolders: lowerSet(cfg.IgnoreFolders),
	}

	if s.dryRun {
		s.log.Info().Msg("Dry run mode enabled, no folders will be removed")
	}

	for _, pc := range cfg.Paths {
		if _, err := os.Stat(pc.Path); err != nil {
			s.log.Warn().Str("path", pc.Path).Msg("Cleanup path does not exist")
		}

		rule := pathRule{path: pc.Path}
		for _, ref := range pc.Plex {
			bundle := registry.Plex(ref.Server)
			if bundle == nil {
				s.log.Warn().Str("server", ref.Server).Msg("No plex server with this name, dropping reference")
				continue
			}
			rule.refs = append(rule.refs, serverRef{
				scanner: bundle.Client, family: "plex", server: ref.Server, library: ref.Library,
			})
		}
		for _, ref := range pc.Emby {
			bundle := registry.Emby(ref.Server)
			if bundle == nil {
				s.log.Warn().Str("server", ref.Server).Msg("No emby server with this name, dropping reference")
				continue
			}
			rule.refs = append(rule.refs, serverRef{
				scanner: bundle.Client, family: "emby", server: ref.Server, library: ref.Library,
			})
		}
		s.rules = append(s.rules, rule)
	}

	return s
}

// Active reports whether any cleanup path is configured.
func (s *Service) Active() bool { return len(s.rules) > 0 }

// Task returns the scheduled cycle.
func (s *Service) Task() scheduler.Task {
	return scheduler.Task{Name: "Folder Cleanup", Cron: s.cron, Run: s.Run}
}

// Run prunes every configured path once.
func (s *Service) Run(ctx context.Context) {
	for _, rule := range s.rules {
		s.checkPath(ctx, rule)
	}
}

// checkPath removes empty folders below one configured root, deepest
// first, so a chain of nested empty folders collapses in one pass. The
// root itself is never removed. A deletion while any referenced server is
// offline would leave that server unaware, so the whole path is skipped.
func (s *Service) checkPath(ctx context.Context, rule pathRule) {
	for _, ref := range rule.refs {
		if !ref.scanner.Ping(ctx) {
			s.log.Warn().Str("path", rule.path).Str("server", ref.server).
				Msg("Server offline, skipping cleanup for path")
			return
		}
	}

	if _, err := os.Stat(rule.path); err != nil {
		return
	}

	var subdirs []string
	err := filepath.WalkDir(rule.path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != rule.path {
			subdirs = append(subdirs, path)
		}
		return nil
	})
	if err != nil {
		s.log.Warn().Str("path", rule.path).Err(err).Msg("Failed to walk cleanup path")
		return
	}

	sort.Slice(subdirs, func(i, j int) bool { return len(subdirs[i]) > len(subdirs[j]) })

	removed := false
	for _, dir := range subdirs {
		if !s.folderEmpty(dir) {
			continue
		}
		if s.dryRun {
			s.log.Info().Str("path", dir).Msg("Dry run, would remove empty folder")
			continue
		}
		if err := os.Remove(dir); err != nil {
			s.log.Warn().Str("path", dir).Err(err).Msg("Failed to remove folder")
			continue
		}
		s.log.Info().Str("path", dir).Msg("Removed empty folder")
		metrics.FoldersRemovedTotal.Inc()
		removed = true
	}

	if removed {
		s.notifyServers(ctx, rule)
	}
}

// folderEmpty reports whether a directory holds nothing but hidden entries
// and configured ignorable names. Unreadable directories count as
// non-empty; deletion must err toward keeping.
func (s *Service) folderEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		name := strings.ToLower(entry.Name())
		if strings.HasPrefix(name, ".") {
			continue
		}
		if entry.IsDir() {
			if _, ok := s.ignoreFolders[name]; ok {
				continue
			}
		} else if _, ok := s.ignoreFiles[name]; ok {
			continue
		}
		return false
	}
	return true
}

// notifyServers triggers a library scan on every server referencing the
// cleaned path.
func (s *Service) notifyServers(ctx context.Context, rule pathRule) {
	var notified []string
	for _, ref := range rule.refs {
		libraryID, err := ref.scanner.LibraryID(ctx, ref.library)
		if err != nil {
			s.log.Warn().Str("server", ref.server).Str("library", ref.library).Err(err).
				Msg("Could not resolve library for rescan")
			continue
		}
		if err := ref.scanner.TriggerScan(ctx, libraryID); err != nil {
			s.log.Warn().Str("server", ref.server).Str("library", ref.library).Err(err).
				Msg("Failed to trigger library scan")
			continue
		}
		notified = append(notified, ref.server+":"+ref.library)
	}
	if len(notified) > 0 {
		s.log.Info().Str("servers", strings.Join(notified, ", ")).
			Msg("Notified servers of folder deletion")
	}
}

func lowerSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[strings.ToLower(name)] = struct{}{}
	}
	return set
}
