// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

package watchstate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/brikim/loomis/internal/logging"
	"github.com/brikim/loomis/internal/mediaserver/jellystat"
	"github.com/brikim/loomis/internal/mediaserver/plex"
	"github.com/brikim/loomis/internal/models"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

type fakePlexAPI struct {
	name      string
	mediaPath string
	paths     map[string]string
	results   []plex.SearchResult

	marked    []string
	positions []string
}

func (f *fakePlexAPI) Name() string              { return f.name }
func (f *fakePlexAPI) MediaPath() string         { return f.mediaPath }
func (f *fakePlexAPI) Ping(context.Context) bool { return true }

func (f *fakePlexAPI) ItemPaths(_ context.Context, ratingKeys []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, key := range ratingKeys {
		if path, ok := f.paths[key]; ok {
			out[key] = path
		}
	}
	return out, nil
}
func (f *fakePlexAPI) Search(context.Context, string) ([]plex.SearchResult, error) {
	return f.results, nil
}
func (f *fakePlexAPI) MarkWatched(_ context.Context, ratingKey string) error {
	f.marked = append(f.marked, ratingKey)
	return nil
}
func (f *fakePlexAPI) SetPosition(_ context.Context, ratingKey string, positionMs int64) error {
	f.positions = append(f.positions, fmt.Sprintf("%s:%d", ratingKey, positionMs))
	return nil
}

type fakePlexTracker struct {
	events []models.WatchEvent
}

func (f *fakePlexTracker) FindUser(context.Context, string) (*models.User, error) {
	return &models.User{ID: "t1", Name: "Alice"}, nil
}
func (f *fakePlexTracker) History(context.Context, string, string) ([]models.WatchEvent, error) {
	return f.events, nil
}

type fakeEmbyAPI struct {
	name       string
	mediaPath  string
	watched    map[string]bool
	playStates map[string]*models.PlayState

	setWatched   []string
	setPlayState []string
}

func (f *fakeEmbyAPI) Name() string              { return f.name }
func (f *fakeEmbyAPI) MediaPath() string         { return f.mediaPath }
func (f *fakeEmbyAPI) Ping(context.Context) bool { return true }
func (f *fakeEmbyAPI) FindUser(context.Context, string) (*models.User, error) {
	return &models.User{ID: "u1", Name: "alice"}, nil
}
func (f *fakeEmbyAPI) WatchedStatus(_ context.Context, _, itemID string) (bool, error) {
	return f.watched[itemID], nil
}
func (f *fakeEmbyAPI) SetWatched(_ context.Context, _, itemID string) error {
	f.setWatched = append(f.setWatched, itemID)
	return nil
}
func (f *fakeEmbyAPI) PlayState(_ context.Context, _, itemID string) (*models.PlayState, error) {
	return f.playStates[itemID], nil
}
func (f *fakeEmbyAPI) SetPlayState(_ context.Context, _, itemID string, ticks int64, lastPlayed string) error {
	f.setPlayState = append(f.setPlayState, fmt.Sprintf("%s:%d:%s", itemID, ticks, lastPlayed))
	return nil
}

type fakeEmbyTracker struct {
	items []jellystat.HistoryItem
}

func (f *fakeEmbyTracker) UserHistory(context.Context, string) ([]jellystat.HistoryItem, error) {
	return f.items, nil
}

type fakeResolver map[string]string

func (r fakeResolver) IDFor(path string) (string, bool) {
	id, ok := r[path]
	return id, ok
}

func testLog() Group {
	return Group{log: logging.With().Str("component", "watch-state-sync").Logger()}
}

func newPlexUser(api *fakePlexAPI, tracker *fakePlexTracker, canSync bool) *PlexUser {
	return &PlexUser{
		server:  api.name,
		account: "alice",
		canSync: canSync,
		api:     api,
		tracker: tracker,
		log:     logging.With().Logger(),
	}
}

func newEmbyUser(api *fakeEmbyAPI, tracker *fakeEmbyTracker, resolver fakeResolver, canSync bool) *EmbyUser {
	return &EmbyUser{
		server:   api.name,
		account:  "alice",
		canSync:  canSync,
		api:      api,
		tracker:  tracker,
		resolver: resolver,
		log:      logging.With().Logger(),
	}
}

func TestPlexWatchedEventMarksEmbyPeer(t *testing.T) {
	plexAPI := &fakePlexAPI{name: "plex-a", paths: map[string]string{"11": "/media/Alpha.mkv"}}
	tracker := &fakePlexTracker{events: []models.WatchEvent{
		{ItemID: "11", FullTitle: "Alpha", Watched: true, StoppedAt: testNow.Unix() - 3600},
	}}
	embyAPI := &fakeEmbyAPI{name: "emby-a", watched: map[string]bool{}}

	g := testLog()
	g.plex = []*PlexUser{newPlexUser(plexAPI, tracker, true)}
	g.emby = []*EmbyUser{newEmbyUser(embyAPI, &fakeEmbyTracker{}, fakeResolver{"/media/Alpha.mkv": "e1"}, true)}

	g.sync(context.Background(), testNow)

	if len(embyAPI.setWatched) != 1 || embyAPI.setWatched[0] != "e1" {
		t.Fatalf("setWatched = %v, want [e1]", embyAPI.setWatched)
	}
}

func TestAlreadyWatchedPeerIsSkipped(t *testing.T) {
	plexAPI := &fakePlexAPI{name: "plex-a", paths: map[string]string{"11": "/media/Alpha.mkv"}}
	tracker := &fakePlexTracker{events: []models.WatchEvent{
		{ItemID: "11", FullTitle: "Alpha", Watched: true, StoppedAt: testNow.Unix() - 3600},
	}}
	embyAPI := &fakeEmbyAPI{name: "emby-a", watched: map[string]bool{"e1": true}}

	g := testLog()
	g.plex = []*PlexUser{newPlexUser(plexAPI, tracker, true)}
	g.emby = []*EmbyUser{newEmbyUser(embyAPI, &fakeEmbyTracker{}, fakeResolver{"/media/Alpha.mkv": "e1"}, true)}

	g.sync(context.Background(), testNow)

	if len(embyAPI.setWatched) != 0 {
		t.Fatalf("setWatched = %v, want none", embyAPI.setWatched)
	}
}

func TestInProgressEventSetsEmbyPlayState(t *testing.T) {
	plexAPI := &fakePlexAPI{name: "plex-a", paths: map[string]string{"11": "/media/Alpha.mkv"}}
	tracker := &fakePlexTracker{events: []models.WatchEvent{
		{ItemID: "11", FullTitle: "Alpha", Watched: false, PlaybackPercent: 50, StoppedAt: testNow.Add(-2 * time.Hour).Unix()},
	}}
	embyAPI := &fakeEmbyAPI{name: "emby-a", playStates: map[string]*models.PlayState{
		"e1": {RuntimeTicks: 1_000_000, PlayedPercent: 10},
	}}

	g := testLog()
	g.plex = []*PlexUser{newPlexUser(plexAPI, tracker, true)}
	g.emby = []*EmbyUser{newEmbyUser(embyAPI, &fakeEmbyTracker{}, fakeResolver{"/media/Alpha.mkv": "e1"}, true)}

	g.sync(context.Background(), testNow)

	want := "e1:500000:2026-08-24T10:00:00Z"
	if len(embyAPI.setPlayState) != 1 || embyAPI.setPlayState[0] != want {
		t.Fatalf("setPlayState = %v, want [%s]", embyAPI.setPlayState, want)
	}
}

func TestMatchingPercentIsNotRewritten(t *testing.T) {
	plexAPI := &fakePlexAPI{name: "plex-a", paths: map[string]string{"11": "/media/Alpha.mkv"}}
	tracker := &fakePlexTracker{events: []models.WatchEvent{
		{ItemID: "11", FullTitle: "Alpha", Watched: false, PlaybackPercent: 50, StoppedAt: testNow.Unix()},
	}}
	embyAPI := &fakeEmbyAPI{name: "emby-a", playStates: map[string]*models.PlayState{
		"e1": {RuntimeTicks: 1_000_000, PlayedPercent: 50.3},
	}}

	g := testLog()
	g.plex = []*PlexUser{newPlexUser(plexAPI, tracker, true)}
	g.emby = []*EmbyUser{newEmbyUser(embyAPI, &fakeEmbyTracker{}, fakeResolver{"/media/Alpha.mkv": "e1"}, true)}

	g.sync(context.Background(), testNow)

	if len(embyAPI.setPlayState) != 0 {
		t.Fatalf("setPlayState = %v, want none (50.3%% rounds to the event's 50%%)", embyAPI.setPlayState)
	}
}

func TestEmbyEventPropagatesToPlexPeer(t *testing.T) {
	embyAPI := &fakeEmbyAPI{
		name:      "emby-a",
		mediaPath: "/emby/media",
		playStates: map[string]*models.PlayState{
			"e1": {Path: "/emby/media/Alpha.mkv", Played: true, PlayedPercent: 100},
		},
	}
	embyTracker := &fakeEmbyTracker{items: []jellystat.HistoryItem{
		{Name: "Alpha", ItemID: "e1", WatchedAtISO: "2026-08-24T09:00:00.000Z"},
	}}
	plexAPI := &fakePlexAPI{
		name:      "plex-a",
		mediaPath: "/plex/media",
		results: []plex.SearchResult{
			{RatingKey: "11", Title: "Alpha", Path: "/plex/media/Alpha.mkv"},
		},
	}

	g := testLog()
	g.plex = []*PlexUser{newPlexUser(plexAPI, &fakePlexTracker{}, true)}
	g.emby = []*EmbyUser{newEmbyUser(embyAPI, embyTracker, fakeResolver{}, true)}

	g.sync(context.Background(), testNow)

	if len(plexAPI.marked) != 1 || plexAPI.marked[0] != "11" {
		t.Fatalf("marked = %v, want [11]", plexAPI.marked)
	}
}

func TestStaleEmbyHistoryIsDropped(t *testing.T) {
	embyAPI := &fakeEmbyAPI{
		name: "emby-a",
		playStates: map[string]*models.PlayState{
			"e1": {Path: "/media/Alpha.mkv", Played: true, PlayedPercent: 100},
		},
	}
	embyTracker := &fakeEmbyTracker{items: []jellystat.HistoryItem{
		{Name: "Alpha", ItemID: "e1", WatchedAtISO: "2026-08-20T09:00:00.000Z"},
	}}
	plexAPI := &fakePlexAPI{name: "plex-a", results: []plex.SearchResult{
		{RatingKey: "11", Title: "Alpha", Path: "/media/Alpha.mkv"},
	}}

	g := testLog()
	g.plex = []*PlexUser{newPlexUser(plexAPI, &fakePlexTracker{}, true)}
	g.emby = []*EmbyUser{newEmbyUser(embyAPI, embyTracker, fakeResolver{}, true)}

	g.sync(context.Background(), testNow)

	if len(plexAPI.marked) != 0 {
		t.Fatalf("marked = %v, history older than 24h must not propagate", plexAPI.marked)
	}
}

func TestCrossEmbyPropagationSkipsSameInstance(t *testing.T) {
	srcAPI := &fakeEmbyAPI{
		name:      "emby-a",
		mediaPath: "/a/media",
		playStates: map[string]*models.PlayState{
			"e1": {Path: "/a/media/Alpha.mkv", Played: true, PlayedPercent: 100},
		},
	}
	srcTracker := &fakeEmbyTracker{items: []jellystat.HistoryItem{
		{Name: "Alpha", ItemID: "e1", WatchedAtISO: "2026-08-24T09:00:00.000Z"},
	}}
	destAPI := &fakeEmbyAPI{name: "emby-b", mediaPath: "/b/media", watched: map[string]bool{}}

	g := testLog()
	g.emby = []*EmbyUser{
		newEmbyUser(srcAPI, srcTracker, fakeResolver{"/a/media/Alpha.mkv": "e1"}, true),
		newEmbyUser(destAPI, &fakeEmbyTracker{}, fakeResolver{"/b/media/Alpha.mkv": "x9"}, true),
	}

	g.sync(context.Background(), testNow)

	if len(destAPI.setWatched) != 1 || destAPI.setWatched[0] != "x9" {
		t.Fatalf("dest setWatched = %v, want [x9]", destAPI.setWatched)
	}
	if len(srcAPI.setWatched) != 0 {
		t.Fatalf("source must never receive its own event, got %v", srcAPI.setWatched)
	}
}

func TestCanSyncGatesDestinations(t *testing.T) {
	plexAPI := &fakePlexAPI{name: "plex-a", paths: map[string]string{"11": "/media/Alpha.mkv"}}
	tracker := &fakePlexTracker{events: []models.WatchEvent{
		{ItemID: "11", FullTitle: "Alpha", Watched: true, StoppedAt: testNow.Unix() - 3600},
	}}
	embyAPI := &fakeEmbyAPI{name: "emby-a", watched: map[string]bool{}}

	g := testLog()
	g.plex = []*PlexUser{newPlexUser(plexAPI, tracker, true)}
	g.emby = []*EmbyUser{newEmbyUser(embyAPI, &fakeEmbyTracker{}, fakeResolver{"/media/Alpha.mkv": "e1"}, false)}

	g.sync(context.Background(), testNow)

	if len(embyAPI.setWatched) != 0 {
		t.Fatalf("setWatched = %v, can_sync=false peer must not receive state", embyAPI.setWatched)
	}
}

func TestUnresolvedPathSkipsPeer(t *testing.T) {
	plexAPI := &fakePlexAPI{name: "plex-a", paths: map[string]string{"11": "/media/Alpha.mkv"}}
	tracker := &fakePlexTracker{events: []models.WatchEvent{
		{ItemID: "11", FullTitle: "Alpha", Watched: true, StoppedAt: testNow.Unix() - 3600},
	}}
	embyAPI := &fakeEmbyAPI{name: "emby-a", watched: map[string]bool{}}

	g := testLog()
	g.plex = []*PlexUser{newPlexUser(plexAPI, tracker, true)}
	g.emby = []*EmbyUser{newEmbyUser(embyAPI, &fakeEmbyTracker{}, fakeResolver{}, true)}

	g.sync(context.Background(), testNow)

	if len(embyAPI.setWatched) != 0 {
		t.Fatalf("setWatched = %v, unresolvable path must be skipped", embyAPI.setWatched)
	}
}

func TestConsolidateEventsKeepsLatestPerItem(t *testing.T) {
	events := []models.WatchEvent{
		{ItemID: "11", PlaybackPercent: 40, StoppedAt: 100},
		{ItemID: "22", PlaybackPercent: 90, StoppedAt: 150},
		{ItemID: "11", PlaybackPercent: 80, StoppedAt: 200},
	}

	got := consolidateEvents(events)

	if len(got) != 2 {
		t.Fatalf("consolidated = %d events, want 2", len(got))
	}
	if got[0].ItemID != "11" || got[0].PlaybackPercent != 80 {
		t.Errorf("got[0] = %+v, want the later event for item 11 first", got[0])
	}
	if got[1].ItemID != "22" {
		t.Errorf("got[1] = %+v", got[1])
	}
}

func TestConsolidateHistoryDedupesAndFilters(t *testing.T) {
	cutoff := "2026-08-23T12:00:00.000Z"
	items := []jellystat.HistoryItem{
		{ItemID: "e1", WatchedAtISO: "2026-08-23T18:00:00.000Z"},
		{ItemID: "e1", WatchedAtISO: "2026-08-24T09:00:00.000Z"},
		{ItemID: "e2", WatchedAtISO: "2026-08-22T09:00:00.000Z"},
	}

	got := consolidateHistory(items, cutoff)

	if len(got) != 1 {
		t.Fatalf("consolidated = %d items, want 1 (e1 deduped, e2 stale)", len(got))
	}
	if got[0].ItemID != "e1" || got[0].WatchedAtISO != "2026-08-24T09:00:00.000Z" {
		t.Fatalf("got[0] = %+v", got[0])
	}
}

func TestRewritePath(t *testing.T) {
	if got := rewritePath("/a/media/x.mkv", "/a/media", "/b/media"); got != "/b/media/x.mkv" {
		t.Errorf("rewritePath = %q", got)
	}
	if got := rewritePath("/other/x.mkv", "/a/media", "/b/media"); got != "/other/x.mkv" {
		t.Errorf("non-prefixed path must pass through, got %q", got)
	}
	if got := rewritePath("/a/media/x.mkv", "", "/b/media"); got != "/a/media/x.mkv" {
		t.Errorf("empty source root must pass through, got %q", got)
	}
}
