// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package jellystat implements the history-tracker client for the Emby
// family. Jellystat authenticates with an x-api-token header and takes its
// parameters as JSON POST bodies.
package jellystat

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/brikim/loomis/internal/mediaserver/transport"
)

const (
	apiBase        = "/api"
	apiGetConfig   = "/getconfig"
	apiUserHistory = "/getUserHistory"
)

// HistoryItem is one raw playback-history row. WatchedAtISO is the
// ISO-8601 insertion timestamp; lexical comparison is chronological.
type HistoryItem struct {
	Name         string
	ItemID       string
	UserName     string
	WatchedAtISO string
	SeriesName   string
	EpisodeID    string
}

// Client talks to one Jellystat instance.
type Client struct {
	name    string
	headers map[string]string
	tr      *transport.Client
}

// New creates a client for the tracker paired with one Emby server.
func New(serverName, baseURL, apiKey string) *Client {
	return &Client{
		name: serverName,
		headers: map[string]string{
			"x-api-token":  apiKey,
			"Content-Type": "application/json",
		},
		tr: transport.New(serverName+"-jellystat", baseURL),
	}
}

// Name returns the paired server's configured name.
func (c *Client) Name() string { return c.name }

// Ping reports whether the tracker is reachable and the token accepted.
// Jellystat has no endpoint that reports a server name.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.tr.Get(ctx, "Ping", c.tr.URL(apiBase+apiGetConfig, nil), c.headers)
	return err == nil
}

// UserHistory fetches the full playback history for one server-side user
// id. Filtering to the recent window is the caller's concern.
func (c *Client) UserHistory(ctx context.Context, userID string) ([]HistoryItem, error) {
	payload, err := json.Marshal(map[string]string{"userid": userID})
	if err != nil {
		return nil, fmt.Errorf("encode history request: %w", err)
	}

	body, err := c.tr.Post(ctx, "UserHistory", c.tr.URL(apiBase+apiUserHistory, nil), c.headers, payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []struct {
			NowPlayingItemName   string  `json:"NowPlayingItemName"`
			NowPlayingItemID     string  `json:"NowPlayingItemId"`
			UserName             string  `json:"UserName"`
			ActivityDateInserted string  `json:"ActivityDateInserted"`
			SeriesName           *string `json:"SeriesName"`
			EpisodeID            *string `json:"EpisodeId"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	items := make([]HistoryItem, 0, len(resp.Results))
	for _, row := range resp.Results {
		item := HistoryItem{
			Name:         row.NowPlayingItemName,
			ItemID:       row.NowPlayingItemID,
			UserName:     row.UserName,
			WatchedAtISO: row.ActivityDateInserted,
		}
		if row.SeriesName != nil {
			item.SeriesName = *row.SeriesName
		}
		if row.EpisodeID != nil {
			item.EpisodeID = *row.EpisodeID
		}
		items = append(items, item)
	}
	return items, nil
}
