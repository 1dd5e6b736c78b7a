// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package emby implements the secondary-server client and its path-map
// refresher. Emby answers in JSON; the API key travels as the api_key query
// parameter under the /emby API base.
package emby

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/brikim/loomis/internal/mediaserver/transport"
	"github.com/brikim/loomis/internal/models"
)

const (
	apiBase         = "/emby"
	apiSystemInfo   = "/System/Info"
	apiMediaFolders = "/Library/SelectableMediaFolders"
	apiItems        = "/Items"
	apiPlaylists    = "/Playlists"
	apiUsers        = "/Users"

	tokenParam = "api_key"
)

// SearchType selects the /Items filter used by FindItem.
type SearchType int

const (
	SearchByID SearchType = iota
	SearchByName
	SearchByPath
)

func (t SearchType) param() string {
	switch t {
	case SearchByID:
		return "Ids"
	case SearchByPath:
		return "Path"
	default:
		return "SearchTerm"
	}
}

// Item is one media item as Emby reports it. Runtime is in 100ns ticks.
type Item struct {
	ID           string
	Type         string
	Name         string
	Path         string
	RunTimeTicks int64
	SeriesName   string
	SeasonNum    int
	EpisodeNum   int
}

// jsonUserData is the per-user playback block nested in item responses.
type jsonUserData struct {
	PlayedPercentage      float64 `json:"PlayedPercentage"`
	PlaybackPositionTicks int64   `json:"PlaybackPositionTicks"`
	PlayCount             int     `json:"PlayCount"`
	Played                bool    `json:"Played"`
}

type jsonItem struct {
	ID                string       `json:"Id"`
	Type              string       `json:"Type"`
	Name              string       `json:"Name"`
	Path              string       `json:"Path"`
	RunTimeTicks      int64        `json:"RunTimeTicks"`
	SeriesName        string       `json:"SeriesName"`
	ParentIndexNumber int          `json:"ParentIndexNumber"`
	IndexNumber       int          `json:"IndexNumber"`
	DateModified      string       `json:"DateModified"`
	PlaylistItemID    string       `json:"PlaylistItemId"`
	UserData          jsonUserData `json:"UserData"`
}

type jsonItemsResponse struct {
	Items            []jsonItem `json:"Items"`
	TotalRecordCount int        `json:"TotalRecordCount"`
}

// Client talks to one Emby server.
type Client struct {
	name      string
	apiKey    string
	mediaPath string
	tr        *transport.Client
}

// New creates a client for one configured Emby server.
func New(name, baseURL, apiKey, mediaPath string) *Client {
	return &Client{
		name:      name,
		apiKey:    apiKey,
		mediaPath: mediaPath,
		tr:        transport.New(name, baseURL),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// MediaPath returns the path prefix this server's file paths share.
func (c *Client) MediaPath() string { return c.mediaPath }

func (c *Client) url(path string, params transport.Params) string {
	withToken := make(transport.Params, 0, len(params)+1)
	withToken = append(withToken, transport.Param{Key: tokenParam, Value: c.apiKey})
	withToken = append(withToken, params...)
	return c.tr.URL(apiBase+path, withToken)
}

// Ping reports whether the server is reachable and the key accepted.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.tr.Get(ctx, "Ping", c.url(apiSystemInfo, nil), nil)
	return err == nil
}

// ReportedName returns the name the server reports for itself.
func (c *Client) ReportedName(ctx context.Context) (string, error) {
	body, err := c.tr.Get(ctx, "ReportedName", c.url(apiSystemInfo, nil), nil)
	if err != nil {
		return "", err
	}

	var info struct {
		ServerName string `json:"ServerName"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("decode system info: %w", err)
	}
	if info.ServerName == "" {
		return "", fmt.Errorf("server reported no name")
	}
	return info.ServerName, nil
}

// LibraryID resolves a media-folder id by its display name.
func (c *Client) LibraryID(ctx context.Context, libraryName string) (string, error) {
	body, err := c.tr.Get(ctx, "LibraryID", c.url(apiMediaFolders, nil), nil)
	if err != nil {
		return "", err
	}

	var folders []struct {
		Name string `json:"Name"`
		ID   string `json:"Id"`
	}
	if err := json.Unmarshal(body, &folders); err != nil {
		return "", fmt.Errorf("decode media folders: %w", err)
	}
	for _, folder := range folders {
		if folder.Name == libraryName {
			return folder.ID, nil
		}
	}
	return "", fmt.Errorf("library %q not found", libraryName)
}

// FindItem searches /Items and returns the entry matching the query exactly
// under the chosen search type, or nil when nothing matches.
func (c *Client) FindItem(ctx context.Context, searchType SearchType, query string, extra transport.Params) (*Item, error) {
	params := transport.Params{
		{Key: "Recursive", Value: "true"},
		{Key: searchType.param(), Value: query},
		{Key: "Fields", Value: "Path,SeriesName,RunTimeTicks"},
	}
	params = append(params, extra...)

	body, err := c.tr.Get(ctx, "FindItem", c.url(apiItems, params), nil)
	if err != nil {
		return nil, err
	}

	var response jsonItemsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decode items response: %w", err)
	}

	for _, item := range response.Items {
		var match bool
		switch searchType {
		case SearchByID:
			match = item.ID == query
		case SearchByPath:
			match = item.Path == query
		case SearchByName:
			match = item.Name == query
		}
		if match {
			return &Item{
				ID:           item.ID,
				Type:         item.Type,
				Name:         item.Name,
				Path:         item.Path,
				RunTimeTicks: item.RunTimeTicks,
				SeriesName:   item.SeriesName,
				SeasonNum:    item.ParentIndexNumber,
				EpisodeNum:   item.IndexNumber,
			}, nil
		}
	}
	return nil, nil
}

// FindUser resolves a user account by name, or nil when unknown.
func (c *Client) FindUser(ctx context.Context, name string) (*models.User, error) {
	body, err := c.tr.Get(ctx, "FindUser", c.url(apiUsers, nil), nil)
	if err != nil {
		return nil, err
	}

	var users []struct {
		ID   string `json:"Id"`
		Name string `json:"Name"`
	}
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	for _, user := range users {
		if user.Name == name {
			return &models.User{ID: user.ID, Name: user.Name}, nil
		}
	}
	return nil, nil
}

// WatchedStatus reports whether the user has the item marked played.
func (c *Client) WatchedStatus(ctx context.Context, userID, itemID string) (bool, error) {
	reqURL := c.url(apiUsers+"/"+userID+"/Items", transport.Params{
		{Key: "Ids", Value: itemID},
		{Key: "IsPlayed", Value: "true"},
	})
	body, err := c.tr.Get(ctx, "WatchedStatus", reqURL, nil)
	if err != nil {
		return false, err
	}

	var response jsonItemsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return false, fmt.Errorf("decode watched status: %w", err)
	}
	return response.TotalRecordCount > 0, nil
}

// SetWatched marks the item played for the user.
func (c *Client) SetWatched(ctx context.Context, userID, itemID string) error {
	_, err := c.tr.Post(ctx, "SetWatched", c.url(apiUsers+"/"+userID+"/PlayedItems/"+itemID, nil), nil, nil)
	return err
}

// PlayState fetches the user's playback state for one item. Returns nil for
// items that are not movies or episodes.
func (c *Client) PlayState(ctx context.Context, userID, itemID string) (*models.PlayState, error) {
	reqURL := c.url(apiUsers+"/"+userID+"/Items", transport.Params{
		{Key: "Ids", Value: itemID},
		{Key: "Fields", Value: "Path,UserDataLastPlayedDate,UserDataPlayCount"},
	})
	body, err := c.tr.Get(ctx, "PlayState", reqURL, nil)
	if err != nil {
		return nil, err
	}

	var response jsonItemsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decode play state: %w", err)
	}
	if len(response.Items) == 0 {
		return nil, nil
	}

	item := response.Items[0]
	if item.Type != "Movie" && item.Type != "Episode" {
		return nil, nil
	}
	return &models.PlayState{
		Path:          item.Path,
		PlayedPercent: item.UserData.PlayedPercentage,
		RuntimeTicks:  item.RunTimeTicks,
		PositionTicks: item.UserData.PlaybackPositionTicks,
		PlayCount:     item.UserData.PlayCount,
		Played:        item.UserData.Played,
	}, nil
}

// SetPlayState commits a playback position (in ticks) and last-played date
// for the user.
func (c *Client) SetPlayState(ctx context.Context, userID, itemID string, positionTicks int64, lastPlayed string) error {
	reqURL := c.url(apiUsers+"/"+userID+"/Items/"+itemID+"/UserData", transport.Params{
		{Key: "PlaybackPositionTicks", Value: strconv.FormatInt(positionTicks, 10)},
		{Key: "LastPlayedDate", Value: lastPlayed},
	})
	_, err := c.tr.Post(ctx, "SetPlayState", reqURL, nil, nil)
	return err
}

// PlaylistExists reports whether a playlist with this exact name exists.
func (c *Client) PlaylistExists(ctx context.Context, name string) (bool, error) {
	item, err := c.findPlaylist(ctx, name)
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

func (c *Client) findPlaylist(ctx context.Context, name string) (*Item, error) {
	return c.FindItem(ctx, SearchByName, name, transport.Params{{Key: "IncludeItemTypes", Value: "Playlist"}})
}

// Playlist fetches a playlist and its ordered entries by name, or nil when
// no playlist with that name exists.
func (c *Client) Playlist(ctx context.Context, name string) (*models.Playlist, error) {
	item, err := c.findPlaylist(ctx, name)
	if err != nil || item == nil {
		return nil, err
	}

	body, err := c.tr.Get(ctx, "Playlist", c.url(apiPlaylists+"/"+item.ID+"/Items", nil), nil)
	if err != nil {
		return nil, err
	}

	var response jsonItemsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decode playlist items: %w", err)
	}

	playlist := &models.Playlist{ID: item.ID, Name: item.Name}
	playlist.Entries = make([]models.PlaylistEntry, 0, len(response.Items))
	for _, entry := range response.Items {
		playlist.Entries = append(playlist.Entries, models.PlaylistEntry{
			Name:    entry.Name,
			ItemID:  entry.ID,
			EntryID: entry.PlaylistItemID,
		})
	}
	return playlist, nil
}

// CreatePlaylist creates a playlist with the given ordered item ids.
func (c *Client) CreatePlaylist(ctx context.Context, name string, itemIDs []string) error {
	reqURL := c.url(apiPlaylists, transport.Params{
		{Key: "Name", Value: name},
		{Key: "Ids", Value: transport.CommaList(itemIDs)},
		{Key: "MediaType", Value: "Movies"},
	})
	_, err := c.tr.Post(ctx, "CreatePlaylist", reqURL, nil, nil)
	return err
}

// AddToPlaylist appends items to a playlist.
func (c *Client) AddToPlaylist(ctx context.Context, playlistID string, itemIDs []string) error {
	reqURL := c.url(apiPlaylists+"/"+playlistID+"/Items", transport.Params{
		{Key: "Ids", Value: transport.CommaList(itemIDs)},
	})
	_, err := c.tr.Post(ctx, "AddToPlaylist", reqURL, nil, nil)
	return err
}

// RemoveFromPlaylist removes playlist slots by entry id.
func (c *Client) RemoveFromPlaylist(ctx context.Context, playlistID string, entryIDs []string) error {
	reqURL := c.url(apiPlaylists+"/"+playlistID+"/Items/Delete", transport.Params{
		{Key: "EntryIds", Value: transport.CommaList(entryIDs)},
	})
	_, err := c.tr.Post(ctx, "RemoveFromPlaylist", reqURL, nil, nil)
	return err
}

// MoveInPlaylist moves a playlist slot to a new index.
func (c *Client) MoveInPlaylist(ctx context.Context, playlistID, entryID string, newIndex int) error {
	reqURL := c.url(apiPlaylists+"/"+playlistID+"/Items/"+entryID+"/Move/"+strconv.Itoa(newIndex), nil)
	_, err := c.tr.Post(ctx, "MoveInPlaylist", reqURL, nil, nil)
	return err
}

// TriggerScan asks the server to refresh one library.
func (c *Client) TriggerScan(ctx context.Context, libraryID string) error {
	reqURL := c.url("/Items/"+libraryID+"/Refresh", transport.Params{
		{Key: "Recursive", Value: "true"},
		{Key: "ImageRefreshMode", Value: "Default"},
		{Key: "ReplaceAllImages", Value: "false"},
		{Key: "ReplaceAllMetadata", Value: "false"},
	})
	_, err := c.tr.Post(ctx, "TriggerScan", reqURL, map[string]string{"accept": "*/*"}, nil)
	return err
}

// pathEntry is one row of the full library dump used by the path map.
type pathEntry struct {
	ID           string
	Path         string
	DateModified string
}

// pathMapSnapshot dumps every movie and episode with its path and
// modification date. Missing items are excluded.
func (c *Client) pathMapSnapshot(ctx context.Context) ([]pathEntry, error) {
	reqURL := c.url(apiItems, transport.Params{
		{Key: "Recursive", Value: "true"},
		{Key: "IncludeItemTypes", Value: "Movie,Episode"},
		{Key: "Fields", Value: "Path,DateModified"},
		{Key: "IsMissing", Value: "false"},
	})
	body, err := c.tr.Get(ctx, "PathMapSnapshot", reqURL, nil)
	if err != nil {
		return nil, err
	}

	var response jsonItemsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decode path map snapshot: %w", err)
	}

	entries := make([]pathEntry, 0, len(response.Items))
	for _, item := range response.Items {
		entries = append(entries, pathEntry{ID: item.ID, Path: item.Path, DateModified: item.DateModified})
	}
	return entries, nil
}

// newestModified fetches the DateModified of the single most recently
// modified movie or episode, or "" when the library is empty.
func (c *Client) newestModified(ctx context.Context) (string, error) {
	reqURL := c.url(apiItems, transport.Params{
		{Key: "Recursive", Value: "true"},
		{Key: "IncludeItemTypes", Value: "Movie,Episode"},
		{Key: "SortBy", Value: "DateModified"},
		{Key: "SortOrder", Value: "Descending"},
		{Key: "Limit", Value: "1"},
		{Key: "Fields", Value: "DateModified"},
	})
	body, err := c.tr.Get(ctx, "NewestModified", reqURL, nil)
	if err != nil {
		return "", err
	}

	var response jsonItemsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("decode newest item: %w", err)
	}
	if len(response.Items) == 0 {
		return "", nil
	}
	return response.Items[0].DateModified, nil
}
