// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

package emby

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brikim/loomis/internal/logging"
	"github.com/brikim/loomis/internal/metrics"
	"github.com/brikim/loomis/internal/scheduler"
)

// Rebuild triggers, used as the metric label.
const (
	triggerStartup    = "startup"
	triggerQuickCheck = "quick_check"
	triggerScheduled  = "scheduled"
)

// PathMap owns the path -> item-id mapping for one Emby server.
//
// Synchronizers resolve source-side file paths through it in O(1) instead of
// one find-by-path request per item. The published map is rebuilt into a
// scratch map and swapped under the mutex; readers never observe a partially
// populated map. A transient empty snapshot never wipes a populated cache.
type PathMap struct {
	client *Client
	log    zerolog.Logger

	mu            sync.Mutex
	published     map[string]string
	lastTimestamp string
}

// NewPathMap creates the path map for a client and primes it with a first
// build. A failed first build is not fatal; the scheduled tasks catch up.
func NewPathMap(ctx context.Context, client *Client) *PathMap {
	m := &PathMap{
		client:    client,
		log:       logging.With().Str("component", "pathmap").Str("server", client.Name()).Logger(),
		published: map[string]string{},
	}
	m.Rebuild(ctx, triggerStartup)
	return m
}

// Tasks returns the scheduled maintenance work for this map: a cheap
// staleness probe every five minutes and an unconditional nightly rebuild.
func (m *PathMap) Tasks() []scheduler.Task {
	return []scheduler.Task{
		{
			Name: "PathMap(" + m.client.Name() + ") quick check",
			Cron: "30 */5 * * * *",
			Run:  func(ctx context.Context) { m.QuickCheck(ctx) },
		},
		{
			Name: "PathMap(" + m.client.Name() + ") full rebuild",
			Cron: "0 45 3 * * *",
			Run:  func(ctx context.Context) { m.Rebuild(ctx, triggerScheduled) },
		},
	}
}

// IDFor resolves a file path to the server's item id.
func (m *PathMap) IDFor(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.published[path]
	return id, ok
}

// Empty reports whether no mapping has been published yet.
func (m *PathMap) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published) == 0
}

// Size returns the number of published entries.
func (m *PathMap) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

// LastTimestamp returns the max DateModified seen by the last swap.
func (m *PathMap) LastTimestamp() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTimestamp
}

// Rebuild performs a full build: dump the library, build a scratch map, and
// swap it in if non-empty. Duplicate paths keep the first id seen, matching
// the server's response order.
func (m *PathMap) Rebuild(ctx context.Context, trigger string) {
	entries, err := m.client.pathMapSnapshot(ctx)
	if err != nil {
		return
	}

	scratch := make(map[string]string, len(entries))
	maxTimestamp := ""
	for _, entry := range entries {
		if entry.ID == "" || entry.Path == "" {
			continue
		}
		if _, exists := scratch[entry.Path]; !exists {
			scratch[entry.Path] = entry.ID
		}
		if entry.DateModified > maxTimestamp {
			maxTimestamp = entry.DateModified
		}
	}

	if len(scratch) == 0 {
		m.log.Warn().Str("trigger", trigger).Msg("Path map build produced no entries, keeping previous map")
		return
	}

	m.mu.Lock()
	m.published = scratch
	m.lastTimestamp = maxTimestamp
	m.mu.Unlock()

	metrics.PathMapSize.WithLabelValues(m.client.Name()).Set(float64(len(scratch)))
	metrics.PathMapRebuildsTotal.WithLabelValues(m.client.Name(), trigger).Inc()
	m.log.Debug().
		Int("entries", len(scratch)).
		Str("last_modified", maxTimestamp).
		Str("trigger", trigger).
		Msg("Path map rebuilt")
}

// QuickCheck probes the single most recently modified item and rebuilds only
// when the library changed since the last build (or nothing is published).
func (m *PathMap) QuickCheck(ctx context.Context) {
	if m.Empty() || m.libraryChanged(ctx) {
		m.Rebuild(ctx, triggerQuickCheck)
	}
}

// libraryChanged compares the newest DateModified against the last build.
// The strings are ISO-8601 shaped, so lexical order is chronological; a
// value that does not parse as a timestamp is rejected rather than compared.
func (m *PathMap) libraryChanged(ctx context.Context) bool {
	newest, err := m.client.newestModified(ctx)
	if err != nil || newest == "" {
		return false
	}
	if _, err := time.Parse(time.RFC3339, newest); err != nil {
		m.log.Warn().Str("date_modified", newest).Msg("Ignoring non-timestamp DateModified value")
		return false
	}
	return newest > m.LastTimestamp()
}
