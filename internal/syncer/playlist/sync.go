// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package playlist reconciles ordered Emby playlists from ordered Plex
// collections: membership first (add/remove), then order, using one move
// per displaced element.
package playlist

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/brikim/loomis/internal/config"
	"github.com/brikim/loomis/internal/logging"
	"github.com/brikim/loomis/internal/mediaserver"
	"github.com/brikim/loomis/internal/metrics"
	"github.com/brikim/loomis/internal/models"
	"github.com/brikim/loomis/internal/scheduler"
)

// movePace is the delay between consecutive playlist moves. The server
// must commit each move before the next one or it applies them out of
// order.
const movePace = 200 * time.Millisecond

// TargetAPI is the slice of the Emby client the synchronizer mutates
// playlists through.
type TargetAPI interface {
	Name() string
	Playlist(ctx context.Context, name string) (*models.Playlist, error)
	CreatePlaylist(ctx context.Context, name string, itemIDs []string) error
	AddToPlaylist(ctx context.Context, playlistID string, itemIDs []string) error
	RemoveFromPlaylist(ctx context.Context, playlistID string, entryIDs []string) error
	MoveInPlaylist(ctx context.Context, playlistID, entryID string, newIndex int) error
}

// PathResolver resolves source-side file paths to target-side item ids.
type PathResolver interface {
	IDFor(path string) (string, bool)
	Empty() bool
}

// binding is one configured collection with its resolved source and
// targets. Entries referencing unknown servers are dropped at startup.
type binding struct {
	source  *mediaserver.PlexServer
	library string
	name    string
	targets []*mediaserver.EmbyServer
}

// Syncer runs the collection-to-playlist synchronization cycle.
type Syncer struct {
	log      zerolog.Logger
	cron     string
	settle   time.Duration
	between  time.Duration
	bindings []binding
}

// New builds the synchronizer from configuration, resolving every server
// reference against the registry. A collection whose source or all targets
// are unknown is dropped with a warning; the rest keep running.
func New(cfg config.PlaylistSyncConfig, registry *mediaserver.Registry) *Syncer {
	s := &Syncer{
		log:     logging.With().Str("component", "playlist-sync").Logger(),
		cron:    cfg.Cron,
		settle:  time.Duration(cfg.SettleSeconds) * time.Second,
		between: time.Duration(cfg.InterSyncSeconds) * time.Second,
	}

	for _, cc := range cfg.Collections {
		source := registry.Plex(cc.Server)
		if source == nil {
			s.log.Warn().
				Str("server", cc.Server).
				Str("collection", cc.CollectionName).
				Msg("No plex server with this name, skipping collection")
			continue
		}

		b := binding{source: source, library: cc.Library, name: cc.CollectionName}
		for _, target := range cc.Targets {
			embyServer := registry.Emby(target.Server)
			if embyServer == nil {
				s.log.Warn().
					Str("server", target.Server).
					Str("collection", cc.CollectionName).
					Msg("No emby server with this name, skipping target")
				continue
			}
			b.targets = append(b.targets, embyServer)
		}

		if len(b.targets) == 0 {
			s.log.Warn().
				Str("server", cc.Server).
				Str("collection", cc.CollectionName).
				Msg("No emby servers to sync, skipping collection")
			continue
		}
		s.bindings = append(s.bindings, b)
	}

	return s
}

// Active reports whether any collection survived configuration resolution.
func (s *Syncer) Active() bool { return len(s.bindings) > 0 }

// Task returns the scheduled cycle.
func (s *Syncer) Task() scheduler.Task {
	return scheduler.Task{Name: "Playlist Sync", Cron: s.cron, Run: s.Run}
}

// Run executes one full cycle: every configured collection against every
// target. A failed target never aborts the others; nothing is retried
// before the next scheduled fire.
func (s *Syncer) Run(ctx context.Context) {
	for _, b := range s.bindings {
		if !b.source.Client.Ping(ctx) {
			s.log.Warn().
				Str("server", b.source.Config.Name).
				Str("collection", b.name).
				Msg("Source server offline, skipping collection this cycle")
			continue
		}

		collection, err := b.source.Client.Collection(ctx, b.library, b.name)
		if err != nil {
			s.log.Warn().
				Str("server", b.source.Config.Name).
				Str("collection", b.name).
				Err(err).
				Msg("Could not fetch collection, skipping this cycle")
			continue
		}

		for i, target := range b.targets {
			if i > 0 {
				sleepCtx(ctx, s.between)
			}
			if !target.Client.Ping(ctx) {
				s.log.Warn().
					Str("server", target.Config.Name).
					Str("collection", b.name).
					Msg("Target server offline, skipping this cycle")
				continue
			}
			s.SyncTarget(ctx, b.source.Config.Name, target.Client, target.PathMap, collection)
		}
	}
}

// SyncTarget reconciles one target playlist against the source collection.
func (s *Syncer) SyncTarget(ctx context.Context, sourceName string, target TargetAPI, resolver PathResolver, collection *models.Collection) {
	if resolver.Empty() && len(collection.Items) > 0 {
		s.log.Warn().
			Str("server", target.Name()).
			Str("source", sourceName).
			Str("collection", collection.Name).
			Msg("Path map is empty, collection can not be synced")
		return
	}

	desired := s.resolveItems(sourceName, target.Name(), resolver, collection)

	current, err := target.Playlist(ctx, collection.Name)
	if err != nil {
		return
	}
	if current == nil {
		if err := target.CreatePlaylist(ctx, collection.Name, desired); err != nil {
			return
		}
		metrics.PlaylistOpsTotal.WithLabelValues(target.Name(), "create").Inc()
		s.log.Info().
			Str("source", sourceName).
			Str("server", target.Name()).
			Str("collection", collection.Name).
			Int("items", len(desired)).
			Msg("Creating playlist")
		return
	}

	s.updatePlaylist(ctx, sourceName, target, *current, desired)
}

// resolveItems maps each collection item onto a target-side id via the
// first candidate path that resolves. Unresolved items are skipped for
// this target this cycle.
func (s *Syncer) resolveItems(sourceName, targetName string, resolver PathResolver, collection *models.Collection) []string {
	desired := make([]string, 0, len(collection.Items))
	for _, item := range collection.Items {
		found := false
		for _, path := range item.Paths {
			if id, ok := resolver.IDFor(path); ok {
				desired = append(desired, id)
				found = true
				break
			}
		}
		if !found {
			s.log.Warn().
				Str("server", targetName).
				Str("source", sourceName).
				Str("collection", collection.Name).
				Str("item", item.Title).
				Msg("Item not found in path map")
		}
	}
	return desired
}

// updatePlaylist applies membership changes, settles, verifies the length,
// and then reorders with at most one move per displaced element.
func (s *Syncer) updatePlaylist(ctx context.Context, sourceName string, target TargetAPI, current models.Playlist, desired []string) {
	added, removed := s.addRemove(ctx, target, &current, desired)

	if added > 0 || removed > 0 {
		// Server-side indexing lags mutation; refetch once after settling.
		sleepCtx(ctx, s.settle)
		refreshed, err := target.Playlist(ctx, current.Name)
		if err != nil || refreshed == nil {
			s.log.Warn().
				Str("server", target.Name()).
				Str("playlist", current.Name).
				Msg("Failed to refetch playlist after membership changes")
			return
		}
		current = *refreshed
	}

	if len(current.Entries) != len(desired) {
		s.log.Warn().
			Str("server", target.Name()).
			Str("source", sourceName).
			Str("collection", current.Name).
			Int("length", len(desired)).
			Int("reported_length", len(current.Entries)).
			Msg("Playlist length mismatch after update, aborting this cycle")
		return
	}

	reordered := s.reorder(ctx, target, &current, desired)

	if added > 0 || removed > 0 || reordered {
		s.log.Info().
			Str("source", sourceName).
			Str("server", target.Name()).
			Str("collection", current.Name).
			Int("added", added).
			Int("removed", removed).
			Bool("reordered", reordered).
			Msg("Synced collection to playlist")
	}
}

// addRemove diffs membership and issues at most one add and one remove
// call. Returns how many items each touched.
func (s *Syncer) addRemove(ctx context.Context, target TargetAPI, current *models.Playlist, desired []string) (added, removed int) {
	have := make(map[string]struct{}, len(current.Entries))
	for _, entry := range current.Entries {
		have[entry.ItemID] = struct{}{}
	}
	want := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		want[id] = struct{}{}
	}

	var addIDs []string
	for _, id := range desired {
		if _, ok := have[id]; !ok {
			addIDs = append(addIDs, id)
		}
	}
	var removeEntryIDs []string
	for _, entry := range current.Entries {
		if _, ok := want[entry.ItemID]; !ok {
			removeEntryIDs = append(removeEntryIDs, entry.EntryID)
		}
	}

	if len(addIDs) > 0 {
		if err := target.AddToPlaylist(ctx, current.ID, addIDs); err != nil {
			s.log.Warn().
				Str("server", target.Name()).
				Str("playlist", current.Name).
				Int("item_count", len(addIDs)).
				Msg("Failed to add items to playlist")
		} else {
			metrics.PlaylistOpsTotal.WithLabelValues(target.Name(), "add").Inc()
		}
	}
	if len(removeEntryIDs) > 0 {
		if err := target.RemoveFromPlaylist(ctx, current.ID, removeEntryIDs); err != nil {
			s.log.Warn().
				Str("server", target.Name()).
				Str("playlist", current.Name).
				Int("item_count", len(removeEntryIDs)).
				Msg("Failed to remove items from playlist")
		} else {
			metrics.PlaylistOpsTotal.WithLabelValues(target.Name(), "remove").Inc()
		}
	}
	return len(addIDs), len(removeEntryIDs)
}

// reorder brings the playlist into the desired order with an online
// selection sort over a local projection: for each position, the matching
// entry further right is moved in, and the projection is updated without a
// refetch. Moves are paced so the server commits them in order.
func (s *Syncer) reorder(ctx context.Context, target TargetAPI, current *models.Playlist, desired []string) bool {
	type slot struct {
		itemID  string
		entryID string
	}
	virt := make([]slot, len(current.Entries))
	for i, entry := range current.Entries {
		virt[i] = slot{itemID: entry.ItemID, entryID: entry.EntryID}
	}

	limiter := rate.NewLimiter(rate.Every(movePace), 1)
	changed := false
	for i := range desired {
		if virt[i].itemID == desired[i] {
			continue
		}

		j := -1
		for k := i + 1; k < len(virt); k++ {
			if virt[k].itemID == desired[i] {
				j = k
				break
			}
		}
		if j < 0 {
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return changed
		}
		if err := target.MoveInPlaylist(ctx, current.ID, virt[j].entryID, i); err != nil {
			s.log.Warn().
				Str("server", target.Name()).
				Str("playlist", current.Name).
				Str("entry", virt[j].entryID).
				Int("index", i).
				Msg("Failed to move playlist entry")
			continue
		}
		metrics.PlaylistOpsTotal.WithLabelValues(target.Name(), "move").Inc()

		moved := virt[j]
		virt = append(virt[:j], virt[j+1:]...)
		virt = append(virt[:i], append([]slot{moved}, virt[i:]...)...)
		changed = true
	}
	return changed
}

// sleepCtx sleeps for d or until the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
