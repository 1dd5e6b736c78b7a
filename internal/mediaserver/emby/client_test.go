// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

package emby

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brikim/loomis/internal/mediaserver/transport"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("emby-test", srv.URL, "key123", "/mnt/emby")
}

func TestReportedName(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emby/System/Info" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("api_key") != "key123" {
			t.Errorf("missing api_key parameter")
		}
		_, _ = w.Write([]byte(`{"ServerName":"Basement","Version":"4.8"}`))
	})

	name, err := c.ReportedName(context.Background())
	if err != nil {
		t.Fatalf("ReportedName: %v", err)
	}
	if name != "Basement" {
		t.Fatalf("name = %q", name)
	}
}

func TestLibraryID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"Name":"Movies","Id":"lib1"},{"Name":"Shows","Id":"lib2"}]`))
	})

	id, err := c.LibraryID(context.Background(), "Shows")
	if err != nil {
		t.Fatalf("LibraryID: %v", err)
	}
	if id != "lib2" {
		t.Fatalf("id = %q", id)
	}
}

func TestFindItemExactMatchOnly(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("SearchTerm") != "Alpha" {
			t.Errorf("SearchTerm = %q", r.URL.Query().Get("SearchTerm"))
		}
		_, _ = w.Write([]byte(`{"Items":[
			{"Id":"1","Name":"Alphaville","Type":"Movie","Path":"/mnt/emby/av.mkv"},
			{"Id":"2","Name":"Alpha","Type":"Movie","Path":"/mnt/emby/a.mkv","RunTimeTicks":72000000000}
		],"TotalRecordCount":2}`))
	})

	item, err := c.FindItem(context.Background(), SearchByName, "Alpha", nil)
	if err != nil {
		t.Fatalf("FindItem: %v", err)
	}
	if item == nil || item.ID != "2" {
		t.Fatalf("item = %+v, want id 2 (exact name match)", item)
	}
	if item.RunTimeTicks != 72000000000 {
		t.Errorf("RunTimeTicks = %d", item.RunTimeTicks)
	}
}

func TestFindItemNoMatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Items":[],"TotalRecordCount":0}`))
	})

	item, err := c.FindItem(context.Background(), SearchByPath, "/nope.mkv", nil)
	if err != nil {
		t.Fatalf("FindItem: %v", err)
	}
	if item != nil {
		t.Fatalf("item = %+v, want nil", item)
	}
}

func TestFindUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"Id":"u1","Name":"alice"},{"Id":"u2","Name":"bob"}]`))
	})

	user, err := c.FindUser(context.Background(), "bob")
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	if user == nil || user.ID != "u2" {
		t.Fatalf("user = %+v", user)
	}

	missing, err := c.FindUser(context.Background(), "carol")
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	if missing != nil {
		t.Fatalf("missing user = %+v, want nil", missing)
	}
}

func TestWatchedStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emby/Users/u1/Items" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("IsPlayed") != "true" {
			t.Errorf("missing IsPlayed filter")
		}
		_, _ = w.Write([]byte(`{"Items":[{"Id":"42"}],"TotalRecordCount":1}`))
	})

	watched, err := c.WatchedStatus(context.Background(), "u1", "42")
	if err != nil {
		t.Fatalf("WatchedStatus: %v", err)
	}
	if !watched {
		t.Fatal("expected watched = true")
	}
}

func TestPlayState(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Items":[{
			"Id":"42","Type":"Movie","Path":"/mnt/emby/a.mkv","RunTimeTicks":10000000000,
			"UserData":{"PlayedPercentage":30.5,"PlaybackPositionTicks":3050000000,"PlayCount":1,"Played":false}
		}],"TotalRecordCount":1}`))
	})

	state, err := c.PlayState(context.Background(), "u1", "42")
	if err != nil {
		t.Fatalf("PlayState: %v", err)
	}
	if state == nil {
		t.Fatal("state = nil")
	}
	if state.Path != "/mnt/emby/a.mkv" || state.RuntimeTicks != 10000000000 {
		t.Errorf("state = %+v", state)
	}
	if state.PlayedPercent != 30.5 || state.Played {
		t.Errorf("user data = %+v", state)
	}
}

func TestPlayStateIgnoresNonVideoTypes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Items":[{"Id":"42","Type":"Audio"}],"TotalRecordCount":1}`))
	})

	state, err := c.PlayState(context.Background(), "u1", "42")
	if err != nil {
		t.Fatalf("PlayState: %v", err)
	}
	if state != nil {
		t.Fatalf("state = %+v, want nil for non-video item", state)
	}
}

func TestPlaylist(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/emby/Items":
			if r.URL.Query().Get("IncludeItemTypes") != "Playlist" {
				t.Errorf("playlist lookup must filter IncludeItemTypes=Playlist")
			}
			_, _ = w.Write([]byte(`{"Items":[{"Id":"pl1","Name":"Top Ten","Type":"Playlist"}],"TotalRecordCount":1}`))
		case "/emby/Playlists/pl1/Items":
			_, _ = w.Write([]byte(`{"Items":[
				{"Id":"a","Name":"Alpha","PlaylistItemId":"e1"},
				{"Id":"b","Name":"Beta","PlaylistItemId":"e2"}
			],"TotalRecordCount":2}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	playlist, err := c.Playlist(context.Background(), "Top Ten")
	if err != nil {
		t.Fatalf("Playlist: %v", err)
	}
	if playlist == nil || playlist.ID != "pl1" {
		t.Fatalf("playlist = %+v", playlist)
	}
	if len(playlist.Entries) != 2 {
		t.Fatalf("entries = %d", len(playlist.Entries))
	}
	if playlist.Entries[0].ItemID != "a" || playlist.Entries[0].EntryID != "e1" {
		t.Errorf("entry 0 = %+v", playlist.Entries[0])
	}
}

func TestPlaylistAbsent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Items":[],"TotalRecordCount":0}`))
	})

	playlist, err := c.Playlist(context.Background(), "Nothing")
	if err != nil {
		t.Fatalf("Playlist: %v", err)
	}
	if playlist != nil {
		t.Fatalf("playlist = %+v, want nil", playlist)
	}
}

func TestPlaylistMutations(t *testing.T) {
	var calls []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("%s should be POST, got %s", r.URL.Path, r.Method)
		}
		calls = append(calls, r.URL.Path+"?"+r.URL.RawQuery)
		w.WriteHeader(http.StatusNoContent)
	})

	ctx := context.Background()
	if err := c.CreatePlaylist(ctx, "Top Ten", []string{"a", "b"}); err != nil {
		t.Fatalf("CreatePlaylist: %v", err)
	}
	if err := c.AddToPlaylist(ctx, "pl1", []string{"c"}); err != nil {
		t.Fatalf("AddToPlaylist: %v", err)
	}
	if err := c.RemoveFromPlaylist(ctx, "pl1", []string{"e2"}); err != nil {
		t.Fatalf("RemoveFromPlaylist: %v", err)
	}
	if err := c.MoveInPlaylist(ctx, "pl1", "e1", 3); err != nil {
		t.Fatalf("MoveInPlaylist: %v", err)
	}

	want := []string{
		"/emby/Playlists?api_key=key123&Name=Top%20Ten&Ids=a%2Cb&MediaType=Movies",
		"/emby/Playlists/pl1/Items?api_key=key123&Ids=c",
		"/emby/Playlists/pl1/Items/Delete?api_key=key123&EntryIds=e2",
		"/emby/Playlists/pl1/Items/e1/Move/3?api_key=key123",
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestSetPlayState(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/emby/Users/u1/Items/42/UserData" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("PlaybackPositionTicks") != "4200000000" {
			t.Errorf("ticks = %q", r.URL.Query().Get("PlaybackPositionTicks"))
		}
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.SetPlayState(context.Background(), "u1", "42", 4200000000, "2026-08-20T10:00:00Z")
	if err != nil {
		t.Fatalf("SetPlayState: %v", err)
	}
}

func TestFindItemForwardsExtraParams(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("IncludeItemTypes") != "Playlist" {
			t.Errorf("extra params not forwarded: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"Items":[],"TotalRecordCount":0}`))
	})

	_, err := c.FindItem(context.Background(), SearchByName, "x", transport.Params{{Key: "IncludeItemTypes", Value: "Playlist"}})
	if err != nil {
		t.Fatalf("FindItem: %v", err)
	}
}
