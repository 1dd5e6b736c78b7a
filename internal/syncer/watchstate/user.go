// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

package watchstate

import (
	"context"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/brikim/loomis/internal/mediaserver/jellystat"
	"github.com/brikim/loomis/internal/mediaserver/plex"
	"github.com/brikim/loomis/internal/models"
)

// PrimaryAPI is the slice of the Plex client the synchronizer uses.
type PrimaryAPI interface {
	Name() string
	MediaPath() string
	Ping(ctx context.Context) bool
	ItemPaths(ctx context.Context, ratingKeys []string) (map[string]string, error)
	Search(ctx context.Context, query string) ([]plex.SearchResult, error)
	MarkWatched(ctx context.Context, ratingKey string) error
	SetPosition(ctx context.Context, ratingKey string, positionMs int64) error
}

// PrimaryTracker is the slice of the Tautulli client the synchronizer uses.
type PrimaryTracker interface {
	FindUser(ctx context.Context, name string) (*models.User, error)
	History(ctx context.Context, user, after string) ([]models.WatchEvent, error)
}

// SecondaryAPI is the slice of the Emby client the synchronizer uses.
type SecondaryAPI interface {
	Name() string
	MediaPath() string
	Ping(ctx context.Context) bool
	FindUser(ctx context.Context, name string) (*models.User, error)
	WatchedStatus(ctx context.Context, userID, itemID string) (bool, error)
	SetWatched(ctx context.Context, userID, itemID string) error
	PlayState(ctx context.Context, userID, itemID string) (*models.PlayState, error)
	SetPlayState(ctx context.Context, userID, itemID string, positionTicks int64, lastPlayed string) error
}

// SecondaryTracker is the slice of the Jellystat client the synchronizer uses.
type SecondaryTracker interface {
	UserHistory(ctx context.Context, userID string) ([]jellystat.HistoryItem, error)
}

// PathResolver resolves an Emby-side file path to its item id.
type PathResolver interface {
	IDFor(path string) (string, bool)
}

// PlexUser is one account on one Plex server inside a user group. History is
// read through its Tautulli tracker; state is written through the server.
type PlexUser struct {
	server  string
	account string
	canSync bool
	api     PrimaryAPI
	tracker PrimaryTracker
	log     zerolog.Logger

	valid  bool
	userID string
}

// refresh re-resolves the tracker-side account each cycle. An offline
// server or a missing account invalidates the user for this cycle only.
func (u *PlexUser) refresh(ctx context.Context) {
	u.valid = false
	if !u.api.Ping(ctx) {
		u.log.Warn().Str("server", u.server).Str("user", u.account).
			Msg("Server offline, user skipped this cycle")
		return
	}
	user, err := u.tracker.FindUser(ctx, u.account)
	if err != nil {
		u.log.Warn().Str("server", u.server).Str("user", u.account).Err(err).
			Msg("Could not resolve user on tracker, skipped this cycle")
		return
	}
	if user == nil {
		u.log.Warn().Str("server", u.server).Str("user", u.account).
			Msg("User not found on tracker. Is the user name correct?")
		return
	}
	u.userID = user.ID
	u.valid = true
}

// apply pushes one event onto this Plex user. The path must already be in
// this server's namespace; the item is located by title search and matched
// on the exact path. Returns whether a mutation was issued.
func (u *PlexUser) apply(ctx context.Context, title, path string, watched bool, percent int) (bool, error) {
	results, err := u.api.Search(ctx, title)
	if err != nil {
		return false, err
	}

	var match *plex.SearchResult
	for i := range results {
		if results[i].Path == path {
			match = &results[i]
			break
		}
	}
	if match == nil {
		return false, nil
	}

	if watched {
		if match.Watched {
			return false, nil
		}
		if err := u.api.MarkWatched(ctx, match.RatingKey); err != nil {
			return false, err
		}
		return true, nil
	}

	if match.PlaybackPercent == percent {
		return false, nil
	}
	positionMs := match.DurationMs * int64(percent) / 100
	if err := u.api.SetPosition(ctx, match.RatingKey, positionMs); err != nil {
		return false, err
	}
	return true, nil
}

// EmbyUser is one account on one Emby server inside a user group. History
// is read through its Jellystat tracker; state is written through the
// server, with items resolved through the server's path map.
type EmbyUser struct {
	server   string
	account  string
	canSync  bool
	api      SecondaryAPI
	tracker  SecondaryTracker
	resolver PathResolver
	log      zerolog.Logger

	valid  bool
	userID string
}

func (u *EmbyUser) refresh(ctx context.Context) {
	u.valid = false
	if !u.api.Ping(ctx) {
		u.log.Warn().Str("server", u.server).Str("user", u.account).
			Msg("Server offline, user skipped this cycle")
		return
	}
	user, err := u.api.FindUser(ctx, u.account)
	if err != nil {
		u.log.Warn().Str("server", u.server).Str("user", u.account).Err(err).
			Msg("Could not resolve user, skipped this cycle")
		return
	}
	if user == nil {
		u.log.Warn().Str("server", u.server).Str("user", u.account).
			Msg("User not found. Is the user name correct?")
		return
	}
	u.userID = user.ID
	u.valid = true
}

// apply pushes one event onto this Emby user. The path must already be in
// this server's namespace; a path with no map entry skips the event.
// Returns whether a mutation was issued.
func (u *EmbyUser) apply(ctx context.Context, path string, watched bool, percent int, lastPlayed string) (bool, error) {
	itemID, ok := u.resolver.IDFor(path)
	if !ok {
		return false, nil
	}

	if watched {
		already, err := u.api.WatchedStatus(ctx, u.userID, itemID)
		if err != nil {
			return false, err
		}
		if already {
			return false, nil
		}
		if err := u.api.SetWatched(ctx, u.userID, itemID); err != nil {
			return false, err
		}
		return true, nil
	}

	state, err := u.api.PlayState(ctx, u.userID, itemID)
	if err != nil {
		return false, err
	}
	if state == nil || int(math.Round(state.PlayedPercent)) == percent {
		return false, nil
	}
	ticks := int64(math.Round(float64(state.RuntimeTicks) * float64(percent) / 100.0))
	if err := u.api.SetPlayState(ctx, u.userID, itemID, ticks, lastPlayed); err != nil {
		return false, err
	}
	return true, nil
}

// rewritePath moves a file path from one server's media root into
// another's. A path outside the source root passes through unchanged and
// simply fails to resolve on the peer.
func rewritePath(path, fromRoot, toRoot string) string {
	if fromRoot == "" || !strings.HasPrefix(path, fromRoot) {
		return path
	}
	return toRoot + strings.TrimPrefix(path, fromRoot)
}
