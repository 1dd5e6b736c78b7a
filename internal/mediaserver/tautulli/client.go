// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package tautulli implements the history-tracker client for the Plex
// family. All commands go through the single /api/v2 endpoint selected by
// the cmd parameter.
package tautulli

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/goccy/go-json"

	"github.com/brikim/loomis/internal/mediaserver/transport"
	"github.com/brikim/loomis/internal/models"
	"github.com/brikim/loomis/internal/scheduler"
)

const (
	apiBase = "/api/v2"

	cmdServerFriendlyName = "get_server_friendly_name"
	cmdServerInfo         = "get_server_info"
	cmdGetSettings        = "get_settings"
	cmdGetUsers           = "get_users"
	cmdGetHistory         = "get_history"
)

// defaultWatchedPercent applies when the Monitoring settings cannot be read.
const defaultWatchedPercent = 85

var jsonHeaders = map[string]string{"Accept": "application/json"}

// response is the envelope every Tautulli command answers with.
type response[T any] struct {
	Response struct {
		Result  string `json:"result"`
		Message string `json:"message"`
		Data    T      `json:"data"`
	} `json:"response"`
}

// Client talks to one Tautulli instance.
type Client struct {
	name   string
	apiKey string
	tr     *transport.Client

	mu             sync.Mutex
	watchedPercent int // 0 until read from the server
}

// New creates a client for the tracker paired with one Plex server.
func New(serverName, baseURL, apiKey string) *Client {
	return &Client{
		name:   serverName,
		apiKey: apiKey,
		tr:     transport.New(serverName+"-tautulli", baseURL),
	}
}

// Name returns the paired server's configured name.
func (c *Client) Name() string { return c.name }

func (c *Client) url(cmd string, params transport.Params) string {
	all := make(transport.Params, 0, len(params)+2)
	all = append(all,
		transport.Param{Key: "apikey", Value: c.apiKey},
		transport.Param{Key: "cmd", Value: cmd},
	)
	all = append(all, params...)
	return c.tr.URL(apiBase, all)
}

// Tasks returns the daily settings refresh so a changed watched-percent
// threshold is picked up without a restart.
func (c *Client) Tasks() []scheduler.Task {
	return []scheduler.Task{{
		Name: "Tautulli(" + c.name + ") settings update",
		Cron: "0 50 3 * * *",
		Run:  func(ctx context.Context) { c.refreshSettings(ctx) },
	}}
}

// Ping reports whether the tracker is reachable and the key accepted.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.tr.Get(ctx, "Ping", c.url(cmdServerFriendlyName, nil), jsonHeaders)
	return err == nil
}

// ReportedName returns the Plex server name the tracker is bound to.
func (c *Client) ReportedName(ctx context.Context) (string, error) {
	body, err := c.tr.Get(ctx, "ReportedName", c.url(cmdServerInfo, nil), jsonHeaders)
	if err != nil {
		return "", err
	}

	var resp response[struct {
		PMSName string `json:"pms_name"`
	}]
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode server info: %w", err)
	}
	if resp.Response.Data.PMSName == "" {
		return "", fmt.Errorf("tracker reported no server name")
	}
	return resp.Response.Data.PMSName, nil
}

// FindUser resolves a user by account name, or nil when unknown.
func (c *Client) FindUser(ctx context.Context, name string) (*models.User, error) {
	body, err := c.tr.Get(ctx, "FindUser", c.url(cmdGetUsers, nil), jsonHeaders)
	if err != nil {
		return nil, err
	}

	var resp response[[]struct {
		UserID       int    `json:"user_id"`
		Username     string `json:"username"`
		FriendlyName string `json:"friendly_name"`
	}]
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}

	for _, user := range resp.Response.Data {
		if user.Username == name {
			return &models.User{ID: strconv.Itoa(user.UserID), Name: user.FriendlyName}, nil
		}
	}
	return nil, nil
}

// refreshSettings reads the Monitoring settings block and caches the movie
// watched-percent threshold.
func (c *Client) refreshSettings(ctx context.Context) bool {
	reqURL := c.url(cmdGetSettings, transport.Params{{Key: "key", Value: "Monitoring"}})
	body, err := c.tr.Get(ctx, "RefreshSettings", reqURL, jsonHeaders)
	if err != nil {
		return false
	}

	var resp response[struct {
		MovieWatchedPercent int `json:"movie_watched_percent"`
	}]
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	if resp.Response.Data.MovieWatchedPercent <= 0 {
		return false
	}

	c.mu.Lock()
	c.watchedPercent = resp.Response.Data.MovieWatchedPercent
	c.mu.Unlock()
	return true
}

// WatchedPercent returns the completion percentage above which the tracker
// counts an item as watched, reading it lazily from the server and falling
// back to the default when the settings are unavailable.
func (c *Client) WatchedPercent(ctx context.Context) int {
	c.mu.Lock()
	cached := c.watchedPercent
	c.mu.Unlock()
	if cached > 0 {
		return cached
	}

	if c.refreshSettings(ctx) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.watchedPercent
	}
	return defaultWatchedPercent
}

// History fetches a user's playback history since the given date
// (YYYY-MM-DD). The watched flag of each event derives from the tracker's
// watched-percent threshold.
func (c *Client) History(ctx context.Context, user, after string) ([]models.WatchEvent, error) {
	reqURL := c.url(cmdGetHistory, transport.Params{
		{Key: "include_activity", Value: "0"},
		{Key: "user", Value: user},
		{Key: "after", Value: after},
	})
	body, err := c.tr.Get(ctx, "History", reqURL, jsonHeaders)
	if err != nil {
		return nil, err
	}

	var resp response[struct {
		Data []struct {
			Title           string `json:"title"`
			FullTitle       string `json:"full_title"`
			RatingKey       int    `json:"rating_key"`
			PercentComplete int    `json:"percent_complete"`
			Stopped         int64  `json:"stopped"`
		} `json:"data"`
	}]
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	watchedPercent := c.WatchedPercent(ctx)
	events := make([]models.WatchEvent, 0, len(resp.Response.Data.Data))
	for _, item := range resp.Response.Data.Data {
		events = append(events, models.WatchEvent{
			ItemID:          strconv.Itoa(item.RatingKey),
			Title:           item.Title,
			FullTitle:       item.FullTitle,
			Watched:         item.PercentComplete >= watchedPercent,
			PlaybackPercent: item.PercentComplete,
			StoppedAt:       item.Stopped,
		})
	}
	return events, nil
}
