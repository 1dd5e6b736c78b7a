// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

package jellystat

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/getconfig" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-token") != "jkey" {
			t.Errorf("missing x-api-token header")
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New("emby-test", srv.URL, "jkey")
	if !c.Ping(context.Background()) {
		t.Fatal("Ping should succeed")
	}
}

func TestUserHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/getUserHistory" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"userid":"u1"}` {
			t.Errorf("payload = %s", body)
		}
		_, _ = w.Write([]byte(`{"results":[
			{"NowPlayingItemName":"Alpha","NowPlayingItemId":"a1","UserName":"alice",
			 "ActivityDateInserted":"2026-08-24T09:00:00.000Z","SeriesName":null,"EpisodeId":null},
			{"NowPlayingItemName":"Pilot","NowPlayingItemId":"e9","UserName":"alice",
			 "ActivityDateInserted":"2026-08-23T21:00:00.000Z","SeriesName":"Some Show","EpisodeId":"ep1"}
		]}`))
	}))
	defer srv.Close()

	c := New("emby-test", srv.URL, "jkey")
	items, err := c.UserHistory(context.Background(), "u1")
	if err != nil {
		t.Fatalf("UserHistory: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
	if items[0].ItemID != "a1" || items[0].SeriesName != "" {
		t.Errorf("item 0 = %+v", items[0])
	}
	if items[1].SeriesName != "Some Show" || items[1].EpisodeID != "ep1" {
		t.Errorf("item 1 = %+v", items[1])
	}
	if items[0].WatchedAtISO != "2026-08-24T09:00:00.000Z" {
		t.Errorf("WatchedAtISO = %q", items[0].WatchedAtISO)
	}
}
