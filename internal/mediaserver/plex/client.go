// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package plex implements the primary-server client. Plex answers in XML;
// responses are decoded with encoding/xml and mapped onto the shared model
// types. The API token travels as the X-Plex-Token query parameter.
package plex

import (
	"context"
	"encoding/xml"
	"fmt"
	"math"
	"strconv"

	"github.com/brikim/loomis/internal/mediaserver/transport"
	"github.com/brikim/loomis/internal/models"
)

const (
	apiServers     = "/servers"
	apiLibraries   = "/library/sections"
	apiLibraryData = "/library/metadata/"
	apiSearch      = "/hubs/search"

	tokenParam = "X-Plex-Token"

	// Plex search type for collections in /library/sections/{id}/all.
	collectionType = "18"

	// Plex requires a client identifier on the scrobble/progress endpoints.
	plexIdentifier = "com.plexapp.plugins.library"
)

// SearchResult is one hit of a title search, carrying enough state for
// cross-server identity resolution and idempotence checks.
type SearchResult struct {
	RatingKey       string
	Title           string
	LibraryName     string
	Path            string
	DurationMs      int64
	Watched         bool
	PlaybackPercent int
}

// Client talks to one Plex server.
type Client struct {
	name      string
	token     string
	mediaPath string
	tr        *transport.Client
}

// New creates a client for one configured Plex server.
func New(name, baseURL, token, mediaPath string) *Client {
	return &Client{
		name:      name,
		token:     token,
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
	withToken = append(withToken, transport.Param{Key: tokenParam, Value: c.token})
	withToken = append(withToken, params...)
	return c.tr.URL(path, withToken)
}

// Ping reports whether the server is reachable and the token accepted.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.tr.Get(ctx, "Ping", c.url(apiServers, nil), nil)
	return err == nil
}

// serversContainer decodes /servers.
type serversContainer struct {
	XMLName xml.Name `xml:"MediaContainer"`
	Servers []struct {
		Name string `xml:"name,attr"`
	} `xml:"Server"`
}

// ReportedName returns the name the server reports for itself.
func (c *Client) ReportedName(ctx context.Context) (string, error) {
	body, err := c.tr.Get(ctx, "ReportedName", c.url(apiServers, nil), nil)
	if err != nil {
		return "", err
	}

	var container serversContainer
	if err := xml.Unmarshal(body, &container); err != nil {
		return "", fmt.Errorf("decode servers response: %w", err)
	}
	for _, srv := range container.Servers {
		if srv.Name != "" {
			return srv.Name, nil
		}
	}
	return "", fmt.Errorf("no server element with a name attribute")
}

// sectionsContainer decodes /library/sections and collection listings.
type sectionsContainer struct {
	XMLName     xml.Name `xml:"MediaContainer"`
	Directories []struct {
		Title string `xml:"title,attr"`
		Key   string `xml:"key,attr"`
	} `xml:"Directory"`
}

// LibraryID resolves a library section id by its display name.
func (c *Client) LibraryID(ctx context.Context, libraryName string) (string, error) {
	body, err := c.tr.Get(ctx, "LibraryID", c.url(apiLibraries, nil), nil)
	if err != nil {
		return "", err
	}

	var container sectionsContainer
	if err := xml.Unmarshal(body, &container); err != nil {
		return "", fmt.Errorf("decode library sections: %w", err)
	}
	for _, dir := range container.Directories {
		if dir.Title == libraryName && dir.Key != "" {
			return dir.Key, nil
		}
	}
	return "", fmt.Errorf("library %q not found", libraryName)
}

// mediaParts is the Media > Part nesting shared by several responses.
type mediaParts struct {
	Parts []struct {
		File string `xml:"file,attr"`
	} `xml:"Part"`
}

// collectionContainer decodes a collection's children. Plex mixes element
// names here, so every child element is considered.
type collectionContainer struct {
	XMLName xml.Name `xml:"MediaContainer"`
	Items   []struct {
		Title string       `xml:"title,attr"`
		Media []mediaParts `xml:"Media"`
	} `xml:",any"`
}

// Collection fetches the named collection of a library as an ordered list
// of items, each with its alternate on-disk file paths.
func (c *Client) Collection(ctx context.Context, library, collectionName string) (*models.Collection, error) {
	libraryID, err := c.LibraryID(ctx, library)
	if err != nil {
		return nil, err
	}

	listURL := c.url(apiLibraries+"/"+libraryID+"/all", transport.Params{
		{Key: "type", Value: collectionType},
		{Key: "title", Value: collectionName},
	})
	body, err := c.tr.Get(ctx, "Collection", listURL, nil)
	if err != nil {
		return nil, err
	}

	var listing sectionsContainer
	if err := xml.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("decode collection listing: %w", err)
	}

	key := ""
	for _, dir := range listing.Directories {
		if dir.Title == collectionName {
			key = dir.Key
			break
		}
	}
	if key == "" {
		return nil, fmt.Errorf("collection %q not found in library %q", collectionName, library)
	}

	body, err = c.tr.Get(ctx, "Collection", c.url(key, nil), nil)
	if err != nil {
		return nil, err
	}

	var container collectionContainer
	if err := xml.Unmarshal(body, &container); err != nil {
		return nil, fmt.Errorf("decode collection items: %w", err)
	}

	collection := &models.Collection{Name: collectionName}
	for _, item := range container.Items {
		if len(item.Media) == 0 {
			continue
		}
		ci := models.CollectionItem{Title: item.Title}
		for _, media := range item.Media {
			for _, part := range media.Parts {
				if part.File != "" {
					ci.Paths = append(ci.Paths, part.File)
				}
			}
		}
		collection.Items = append(collection.Items, ci)
	}
	return collection, nil
}

// metadataContainer decodes /library/metadata/{ids}.
type metadataContainer struct {
	XMLName xml.Name `xml:"MediaContainer"`
	Videos  []struct {
		RatingKey string       `xml:"ratingKey,attr"`
		Media     []mediaParts `xml:"Media"`
	} `xml:"Video"`
}

// ItemPaths batch-resolves file paths for the given rating keys. Keys the
// server does not answer for are absent from the result.
func (c *Client) ItemPaths(ctx context.Context, ratingKeys []string) (map[string]string, error) {
	body, err := c.tr.Get(ctx, "ItemPaths", c.url(apiLibraryData+transport.CommaList(ratingKeys), nil), nil)
	if err != nil {
		return nil, err
	}

	var container metadataContainer
	if err := xml.Unmarshal(body, &container); err != nil {
		return nil, fmt.Errorf("decode metadata response: %w", err)
	}

	paths := make(map[string]string, len(ratingKeys))
	for _, video := range container.Videos {
		if video.RatingKey == "" || len(video.Media) == 0 {
			continue
		}
		for _, media := range video.Media {
			if len(media.Parts) > 0 && media.Parts[0].File != "" {
				paths[video.RatingKey] = media.Parts[0].File
				break
			}
		}
	}
	return paths, nil
}

// searchContainer decodes /hubs/search. Only movie and episode hubs are
// of interest.
type searchContainer struct {
	XMLName xml.Name `xml:"MediaContainer"`
	Hubs    []struct {
		Type   string `xml:"type,attr"`
		Videos []struct {
			RatingKey           string       `xml:"ratingKey,attr"`
			Title               string       `xml:"title,attr"`
			GrandparentTitle    string       `xml:"grandparentTitle,attr"`
			LibrarySectionTitle string       `xml:"librarySectionTitle,attr"`
			Duration            int64        `xml:"duration,attr"`
			ViewCount           string       `xml:"viewCount,attr"`
			ViewOffset          string       `xml:"viewOffset,attr"`
			Media               []mediaParts `xml:"Media"`
		} `xml:"Video"`
	} `xml:"Hub"`
}

// Search queries the server by title. Episodes are reported as
// "Series - Episode"; the watched flag and playback percent mirror what the
// server exposes through viewCount/viewOffset.
func (c *Client) Search(ctx context.Context, query string) ([]SearchResult, error) {
	body, err := c.tr.Get(ctx, "Search", c.url(apiSearch, transport.Params{{Key: "query", Value: query}}), nil)
	if err != nil {
		return nil, err
	}

	var container searchContainer
	if err := xml.Unmarshal(body, &container); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	var results []SearchResult
	for _, hub := range container.Hubs {
		if hub.Type != "movie" && hub.Type != "episode" {
			continue
		}
		for _, video := range hub.Videos {
			result := SearchResult{
				RatingKey:   video.RatingKey,
				LibraryName: video.LibrarySectionTitle,
				DurationMs:  video.Duration,
				Title:       video.Title,
			}
			if video.GrandparentTitle != "" {
				result.Title = video.GrandparentTitle + " - " + video.Title
			}

			// A view count with no resume offset means fully watched.
			result.Watched = video.ViewCount != "" && video.ViewOffset == ""
			switch {
			case result.Watched:
				result.PlaybackPercent = 100
			case video.Duration > 0:
				offset, _ := strconv.ParseInt(video.ViewOffset, 10, 64)
				result.PlaybackPercent = int(math.Round(float64(offset) / float64(video.Duration) * 100.0))
			}

			if len(video.Media) > 0 && len(video.Media[0].Parts) > 0 {
				result.Path = video.Media[0].Parts[0].File
			}
			results = append(results, result)
		}
	}
	return results, nil
}

// MarkWatched scrobbles the item, marking it fully watched.
func (c *Client) MarkWatched(ctx context.Context, ratingKey string) error {
	reqURL := c.url("/:/scrobble", transport.Params{
		{Key: "identifier", Value: plexIdentifier},
		{Key: "key", Value: ratingKey},
	})
	_, err := c.tr.Get(ctx, "MarkWatched", reqURL, nil)
	return err
}

// SetPosition commits a playback position in milliseconds. The "stopped"
// state is what persists the time server-side.
func (c *Client) SetPosition(ctx context.Context, ratingKey string, positionMs int64) error {
	reqURL := c.url("/:/progress", transport.Params{
		{Key: "identifier", Value: plexIdentifier},
		{Key: "key", Value: ratingKey},
		{Key: "time", Value: strconv.FormatInt(positionMs, 10)},
		{Key: "state", Value: "stopped"},
	})
	_, err := c.tr.Get(ctx, "SetPosition", reqURL, nil)
	return err
}

// TriggerScan asks the server to rescan one library section.
func (c *Client) TriggerScan(ctx context.Context, libraryID string) error {
	_, err := c.tr.Get(ctx, "TriggerScan", c.url(apiLibraries+"/"+libraryID+"/refresh", nil), nil)
	return err
}
