// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package models defines the transient value types exchanged between the
// upstream server clients and the synchronizers. All of these are
// materialized per sync cycle and discarded; nothing here is persisted.
package models

// ServerKind distinguishes the two media-server families Loomis integrates.
type ServerKind string

const (
	// ServerKindPrimary is the Plex family: exposes collections, positions
	// are expressed in milliseconds.
	ServerKindPrimary ServerKind = "plex"

	// ServerKindSecondary is the Emby family: exposes playlists, positions
	// are expressed in 100ns ticks.
	ServerKindSecondary ServerKind = "emby"
)

// TicksPerMillisecond converts between the Emby tick unit (100ns) and the
// millisecond positions Plex uses.
const TicksPerMillisecond int64 = 10_000

// ServerIdentity describes one configured media server for process lifetime.
// MediaPath is the prefix that file paths returned by this server share; it
// is the basis for cross-server path rewriting.
type ServerIdentity struct {
	Kind      ServerKind
	Name      string
	BaseURL   string
	APIKey    string
	MediaPath string
}

// MediaItemKind classifies a media item.
type MediaItemKind string

const (
	MediaKindMovie   MediaItemKind = "movie"
	MediaKindEpisode MediaItemKind = "episode"
	MediaKindOther   MediaItemKind = "other"
)

// MediaItem is one item as reported by a media server. Path is absolute on
// the server that produced it.
type MediaItem struct {
	ID         string
	Kind       MediaItemKind
	Title      string
	FullTitle  string
	Path       string
	DurationMs int64
	SeriesName string
	SeasonNum  int
	EpisodeNum int
}

// CollectionItem is one entry of an ordered collection. Paths may enumerate
// alternative on-disk files for the same logical item (multi-edition).
type CollectionItem struct {
	Title string
	Paths []string
}

// Collection is an ordered, curator-defined set of media items on a primary
// server.
type Collection struct {
	Name  string
	Items []CollectionItem
}

// PlaylistEntry is one slot of a playlist. EntryID identifies the slot
// itself and is distinct from ItemID, which identifies the referenced media
// item; moves and removals address the slot.
type PlaylistEntry struct {
	Name    string
	ItemID  string
	EntryID string
}

// Playlist is an ordered, user-facing list of media items on a secondary
// server.
type Playlist struct {
	ID      string
	Name    string
	Entries []PlaylistEntry
}

// ItemIDs returns the ordered item ids of the playlist.
func (p *Playlist) ItemIDs() []string {
	ids := make([]string, len(p.Entries))
	for i := range p.Entries {
		ids[i] = p.Entries[i].ItemID
	}
	return ids
}

// WatchEvent is one consolidated history entry produced by a tracker.
type WatchEvent struct {
	ItemID          string
	Title           string
	FullTitle       string
	Watched         bool
	PlaybackPercent int
	StoppedAt       int64  // epoch seconds (Tautulli)
	WatchedAtISO    string // ISO-8601 (Jellystat)
	SeriesName      string
	EpisodeID       string
}

// PlayState is the playback state of one item for one user on a secondary
// server. Runtime and position are in ticks (100ns).
type PlayState struct {
	Path          string
	PlayedPercent float64
	RuntimeTicks  int64
	PositionTicks int64
	PlayCount     int
	Played        bool
}

// User is a per-server account resolved by name.
type User struct {
	ID   string
	Name string
}
