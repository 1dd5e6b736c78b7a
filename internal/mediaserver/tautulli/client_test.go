// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

package tautulli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("plex-test", srv.URL, "tkey")
}

func TestReportedName(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("apikey") != "tkey" || q.Get("cmd") != "get_server_info" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"response":{"result":"success","data":{"pms_name":"Living Room"}}}`))
	})

	name, err := c.ReportedName(context.Background())
	if err != nil {
		t.Fatalf("ReportedName: %v", err)
	}
	if name != "Living Room" {
		t.Fatalf("name = %q", name)
	}
}

func TestFindUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"response":{"result":"success","data":[
			{"user_id":10,"username":"alice","friendly_name":"Alice"},
			{"user_id":20,"username":"bob","friendly_name":"Bob"}
		]}}`))
	})

	user, err := c.FindUser(context.Background(), "bob")
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	if user == nil || user.ID != "20" || user.Name != "Bob" {
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

func TestWatchedPercentFromSettings(t *testing.T) {
	var settingsCalls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cmd") != "get_settings" {
			t.Errorf("cmd = %q", r.URL.Query().Get("cmd"))
		}
		if r.URL.Query().Get("key") != "Monitoring" {
			t.Errorf("key = %q", r.URL.Query().Get("key"))
		}
		settingsCalls++
		_, _ = w.Write([]byte(`{"response":{"result":"success","data":{"movie_watched_percent":90}}}`))
	})

	if got := c.WatchedPercent(context.Background()); got != 90 {
		t.Fatalf("WatchedPercent = %d, want 90", got)
	}
	// Second call must use the cache.
	if got := c.WatchedPercent(context.Background()); got != 90 {
		t.Fatalf("WatchedPercent = %d", got)
	}
	if settingsCalls != 1 {
		t.Fatalf("settings fetched %d times, want 1", settingsCalls)
	}
}

func TestWatchedPercentDefault(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})

	if got := c.WatchedPercent(context.Background()); got != 85 {
		t.Fatalf("WatchedPercent = %d, want default 85", got)
	}
}

func TestHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch q.Get("cmd") {
		case "get_settings":
			_, _ = w.Write([]byte(`{"response":{"result":"success","data":{"movie_watched_percent":85}}}`))
		case "get_history":
			if q.Get("user") != "alice" || q.Get("after") != "2026-08-23" {
				t.Errorf("history query = %s", r.URL.RawQuery)
			}
			if q.Get("include_activity") != "0" {
				t.Errorf("include_activity = %q", q.Get("include_activity"))
			}
			_, _ = w.Write([]byte(`{"response":{"result":"success","data":{"data":[
				{"title":"Alpha","full_title":"Alpha","rating_key":11,"percent_complete":96,"stopped":1755900000},
				{"title":"Pilot","full_title":"Some Show - Pilot","rating_key":22,"percent_complete":42,"stopped":1755910000}
			]}}}`))
		default:
			t.Errorf("unexpected cmd %q", q.Get("cmd"))
		}
	})

	events, err := c.History(context.Background(), "alice", "2026-08-23")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d", len(events))
	}

	if events[0].ItemID != "11" || !events[0].Watched || events[0].PlaybackPercent != 96 {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].ItemID != "22" || events[1].Watched {
		t.Errorf("event 1 = %+v, 42%% must not count as watched at threshold 85", events[1])
	}
	if events[1].StoppedAt != 1755910000 {
		t.Errorf("StoppedAt = %d", events[1].StoppedAt)
	}
}
