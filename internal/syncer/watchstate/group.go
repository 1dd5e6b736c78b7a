// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

package watchstate

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/brikim/loomis/internal/mediaserver/jellystat"
	"github.com/brikim/loomis/internal/metrics"
	"github.com/brikim/loomis/internal/models"
)

// Group is one human with accounts on several servers. State flows from
// every member to every other member willing to receive it.
type Group struct {
	log  zerolog.Logger
	plex []*PlexUser
	emby []*EmbyUser
}

// active reports whether the group is worth syncing. One account has
// nothing to sync with.
func (g *Group) active() bool { return len(g.plex)+len(g.emby) >= 2 }

// names identifies the group in logs.
func (g *Group) names() string {
	var parts []string
	for _, u := range g.plex {
		parts = append(parts, u.server+":"+u.account)
	}
	for _, u := range g.emby {
		parts = append(parts, u.server+":"+u.account)
	}
	return strings.Join(parts, ", ")
}

// sync runs one cycle for the group: refresh every member, then let each
// member emit its recent history to the others.
func (g *Group) sync(ctx context.Context, now time.Time) {
	for _, u := range g.plex {
		u.refresh(ctx)
	}
	for _, u := range g.emby {
		u.refresh(ctx)
	}

	after := now.AddDate(0, 0, -1).Format("2006-01-02")
	for _, u := range g.plex {
		if u.valid {
			g.syncFromPlex(ctx, u, after)
		}
	}

	cutoff := now.UTC().Add(-24 * time.Hour).Format("2006-01-02T15:04:05.000Z")
	for _, u := range g.emby {
		if u.valid {
			g.syncFromEmby(ctx, u, cutoff)
		}
	}
}

// syncFromPlex pushes one Plex user's recent tracker history onto the
// group's Emby members. Paths come straight from the source server; a path
// the peer's map cannot resolve skips the event for that peer.
func (g *Group) syncFromPlex(ctx context.Context, src *PlexUser, after string) {
	events, err := src.tracker.History(ctx, src.account, after)
	if err != nil {
		g.log.Warn().Str("server", src.server).Str("user", src.account).Err(err).
			Msg("Could not fetch watch history")
		return
	}
	events = consolidateEvents(events)
	if len(events) == 0 {
		return
	}

	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ItemID)
	}
	paths, err := src.api.ItemPaths(ctx, ids)
	if err != nil {
		g.log.Warn().Str("server", src.server).Err(err).
			Msg("Could not resolve history item paths")
		return
	}

	for _, ev := range events {
		path, ok := paths[ev.ItemID]
		if !ok {
			continue
		}
		lastPlayed := time.Unix(ev.StoppedAt, 0).UTC().Format(time.RFC3339)

		var dests []string
		for _, peer := range g.emby {
			if !peer.valid || !peer.canSync {
				continue
			}
			changed, err := peer.apply(ctx, path, ev.Watched, ev.PlaybackPercent, lastPlayed)
			if err != nil {
				g.log.Warn().Str("server", peer.server).Str("item", ev.FullTitle).Err(err).
					Msg("Failed to sync state to server")
				continue
			}
			if changed {
				dests = append(dests, peer.server)
				metrics.WatchStatePropagationsTotal.
					WithLabelValues(src.server, peer.server, propagationKind(ev.Watched)).Inc()
			}
		}
		g.logPropagation(src.server, src.account, ev.FullTitle, ev.Watched, ev.PlaybackPercent, dests)
	}
}

// syncFromEmby pushes one Emby user's recent tracker history onto the
// group's Plex members and onto the other Emby members. The source play
// state supplies the authoritative path and percent.
func (g *Group) syncFromEmby(ctx context.Context, src *EmbyUser, cutoff string) {
	items, err := src.tracker.UserHistory(ctx, src.userID)
	if err != nil {
		g.log.Warn().Str("server", src.server).Str("user", src.account).Err(err).
			Msg("Could not fetch watch history")
		return
	}
	items = consolidateHistory(items, cutoff)

	for _, item := range items {
		state, err := src.api.PlayState(ctx, src.userID, historyItemID(item))
		if err != nil {
			g.log.Warn().Str("server", src.server).Str("item", item.Name).Err(err).
				Msg("Could not read play state for history item")
			continue
		}
		if state == nil || state.Path == "" {
			continue
		}

		watched := state.Played
		percent := int(math.Round(state.PlayedPercent))
		fullTitle := item.Name
		if item.SeriesName != "" {
			fullTitle = item.SeriesName + " - " + item.Name
		}

		var dests []string
		for _, peer := range g.plex {
			if !peer.valid || !peer.canSync {
				continue
			}
			path := rewritePath(state.Path, src.api.MediaPath(), peer.api.MediaPath())
			changed, err := peer.apply(ctx, item.Name, path, watched, percent)
			if err != nil {
				g.log.Warn().Str("server", peer.server).Str("item", fullTitle).Err(err).
					Msg("Failed to sync state to server")
				continue
			}
			if changed {
				dests = append(dests, peer.server)
				metrics.WatchStatePropagationsTotal.
					WithLabelValues(src.server, peer.server, propagationKind(watched)).Inc()
			}
		}
		for _, peer := range g.emby {
			if peer.server == src.server || !peer.valid || !peer.canSync {
				continue
			}
			path := rewritePath(state.Path, src.api.MediaPath(), peer.api.MediaPath())
			changed, err := peer.apply(ctx, path, watched, percent, item.WatchedAtISO)
			if err != nil {
				g.log.Warn().Str("server", peer.server).Str("item", fullTitle).Err(err).
					Msg("Failed to sync state to server")
				continue
			}
			if changed {
				dests = append(dests, peer.server)
				metrics.WatchStatePropagationsTotal.
					WithLabelValues(src.server, peer.server, propagationKind(watched)).Inc()
			}
		}
		g.logPropagation(src.server, src.account, fullTitle, watched, percent, dests)
	}
}

func (g *Group) logPropagation(server, user, title string, watched bool, percent int, dests []string) {
	if len(dests) == 0 {
		return
	}
	list := strings.Join(dests, ", ")
	if watched {
		g.log.Info().Msgf("%s:%s watched %s sync %s watch state", server, user, title, list)
	} else {
		g.log.Info().Msgf("%s:%s played %d%% of %s sync %s play state", server, user, percent, title, list)
	}
}

func propagationKind(watched bool) string {
	if watched {
		return "watch"
	}
	return "play"
}

// historyItemID returns the id to query play state with. Episode rows
// carry the episode's own id separately from the playing item id.
func historyItemID(item jellystat.HistoryItem) string {
	if item.EpisodeID != "" {
		return item.EpisodeID
	}
	return item.ItemID
}

// consolidateEvents keeps only the latest event per item. The result is
// ordered newest first.
func consolidateEvents(events []models.WatchEvent) []models.WatchEvent {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].ItemID != events[j].ItemID {
			return events[i].ItemID < events[j].ItemID
		}
		return events[i].StoppedAt > events[j].StoppedAt
	})

	kept := events[:0]
	for i := range events {
		if i == 0 || events[i].ItemID != events[i-1].ItemID {
			kept = append(kept, events[i])
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].StoppedAt > kept[j].StoppedAt })
	return kept
}

// consolidateHistory drops rows older than the cutoff and keeps only the
// latest row per item. ISO-8601 timestamps compare chronologically as
// strings. The result is ordered newest first.
func consolidateHistory(items []jellystat.HistoryItem, cutoff string) []jellystat.HistoryItem {
	recent := items[:0]
	for _, item := range items {
		if item.WatchedAtISO >= cutoff {
			recent = append(recent, item)
		}
	}

	sort.SliceStable(recent, func(i, j int) bool {
		a, b := historyItemID(recent[i]), historyItemID(recent[j])
		if a != b {
			return a < b
		}
		return recent[i].WatchedAtISO > recent[j].WatchedAtISO
	})

	kept := recent[:0]
	for i := range recent {
		if i == 0 || historyItemID(recent[i]) != historyItemID(recent[i-1]) {
			kept = append(kept, recent[i])
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].WatchedAtISO > kept[j].WatchedAtISO })
	return kept
}
