// Package spotify provides the Spotify Web API integration: playback
// snapshots, the recently played log and artist/album metadata.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"playlog/internal/core"
	"playlog/internal/ratelimit"
)

const (
	// FilePermission is the permission for token files.
	FilePermission = 0600
	// RecentlyPlayedPageSize is the maximum page size the service allows.
	RecentlyPlayedPageSize = 50
)

// Client wraps the Spotify Web API. It implements core.SnapshotSource and
// core.MetadataSource; every request is recorded against the rate limiter.
type Client struct {
	config  *core.SpotifyConfig
	logger  *zap.Logger
	client  *spotify.Client
	auth    *spotifyauth.Authenticator
	limiter *ratelimit.Limiter
}

type TokenData struct {
	Token *oauth2.Token `json:"token"`
}

func NewClient(config *core.SpotifyConfig, logger *zap.Logger, limiter *ratelimit.Limiter) *Client {
	auth := spotifyauth.New(
		spotifyauth.WithRedirectURL(config.RedirectURL),
		spotifyauth.WithScopes(
			spotifyauth.ScopeUserReadCurrentlyPlaying,
			spotifyauth.ScopeUserReadPlaybackState,
			spotifyauth.ScopeUserReadRecentlyPlayed,
		),
		spotifyauth.WithClientID(config.ClientID),
		spotifyauth.WithClientSecret(config.ClientSecret),
	)

	return &Client{
		config:  config,
		logger:  logger,
		auth:    auth,
		limiter: limiter,
	}
}

// Authenticate loads the saved token and verifies it against the API. Token
// provisioning (the OAuth flow) happens outside this service; a missing
// token file is a configuration error, an invalid one surfaces on first use.
func (c *Client) Authenticate(ctx context.Context) error {
	token, err := c.loadToken()
	if err != nil {
		return &core.ConfigurationError{
			Setting: "spotify token",
			Reason:  fmt.Sprintf("cannot load %s: %v", c.config.TokenPath, err),
		}
	}

	client := spotify.New(c.auth.Client(ctx, token))
	c.client = client

	user, err := client.CurrentUser(ctx)
	c.limiter.Record(1)
	if err != nil {
		return fmt.Errorf("failed to verify token: %w", err)
	}

	c.logger.Info("Authenticated successfully", zap.String("user", user.DisplayName))
	return nil
}

// CurrentPlayback fetches the current playback snapshot. It returns nil with
// a nil error when nothing is playing.
func (c *Client) CurrentPlayback(ctx context.Context) (*core.Snapshot, error) {
	if c.client == nil {
		return nil, fmt.Errorf("client not authenticated")
	}

	state, err := c.client.PlayerState(ctx)
	c.limiter.Record(1)
	if err != nil {
		return nil, &core.TransientFetchError{Op: "current_playback", Err: err}
	}

	if state == nil || state.Item == nil {
		return nil, nil
	}

	fetchedAt := time.Now().UTC()
	if state.Timestamp > 0 {
		fetchedAt = time.UnixMilli(state.Timestamp).UTC()
	}

	snapshot := &core.Snapshot{
		TrackInfo:   convertFullTrack(state.Item),
		ProgressMS:  int(state.Progress),
		IsPlaying:   state.Playing,
		DeviceName:  state.Device.Name,
		DeviceType:  state.Device.Type,
		ContextType: state.PlaybackContext.Type,
		ContextURI:  string(state.PlaybackContext.URI),
		Shuffle:     state.ShuffleState,
		FetchedAt:   fetchedAt,
	}
	return snapshot, nil
}

// RecentlyPlayed fetches the authoritative recently played log for plays
// after since, oldest first.
func (c *Client) RecentlyPlayed(ctx context.Context, since time.Time) ([]core.PlayRecord, error) {
	if c.client == nil {
		return nil, fmt.Errorf("client not authenticated")
	}

	items, err := c.client.PlayerRecentlyPlayedOpt(ctx, &spotify.RecentlyPlayedOptions{
		Limit:        RecentlyPlayedPageSize,
		AfterEpochMs: since.UnixMilli(),
	})
	c.limiter.Record(1)
	if err != nil {
		return nil, &core.TransientFetchError{Op: "recently_played", Err: err}
	}

	records := make([]core.PlayRecord, 0, len(items))
	for i := range items {
		item := &items[i]
		records = append(records, core.PlayRecord{
			TrackInfo:   convertSimpleTrack(&item.Track),
			PlayedAt:    item.PlayedAt.UTC(),
			ContextType: item.PlaybackContext.Type,
			ContextURI:  string(item.PlaybackContext.URI),
		})
	}

	// The API returns newest first; reconciliation wants oldest first so the
	// watermark advances monotonically through the batch.
	for left, right := 0, len(records)-1; left < right; left, right = left+1, right-1 {
		records[left], records[right] = records[right], records[left]
	}
	return records, nil
}

// Artists fetches metadata for up to 50 artist IDs at once.
func (c *Client) Artists(ctx context.Context, ids []string) ([]core.ArtistDoc, error) {
	if c.client == nil {
		return nil, fmt.Errorf("client not authenticated")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	spotifyIDs := make([]spotify.ID, 0, len(ids))
	for _, id := range ids {
		spotifyIDs = append(spotifyIDs, spotify.ID(id))
	}

	artists, err := c.client.GetArtists(ctx, spotifyIDs...)
	c.limiter.Record(1)
	if err != nil {
		return nil, &core.TransientFetchError{Op: "get_artists", Err: err}
	}

	docs := make([]core.ArtistDoc, 0, len(artists))
	for _, artist := range artists {
		if artist == nil {
			continue
		}
		docs = append(docs, core.ArtistDoc{
			ArtistID:   string(artist.ID),
			Name:       artist.Name,
			Genres:     artist.Genres,
			Popularity: int(artist.Popularity),
			Image:      firstImageURL(artist.Images),
		})
	}
	return docs, nil
}

// Album fetches metadata for one album ID. It returns nil when the service
// has no such album.
func (c *Client) Album(ctx context.Context, id string) (*core.AlbumDoc, error) {
	if c.client == nil {
		return nil, fmt.Errorf("client not authenticated")
	}

	album, err := c.client.GetAlbum(ctx, spotify.ID(id))
	c.limiter.Record(1)
	if err != nil {
		return nil, &core.TransientFetchError{Op: "get_album", Err: err}
	}
	if album == nil {
		return nil, nil
	}

	artistIDs := make([]string, 0, len(album.Artists))
	for _, artist := range album.Artists {
		artistIDs = append(artistIDs, string(artist.ID))
	}

	return &core.AlbumDoc{
		AlbumID:              string(album.ID),
		Name:                 album.Name,
		AlbumType:            album.AlbumType,
		TotalTracks:          album.Tracks.Total,
		ReleaseDate:          album.ReleaseDate,
		ReleaseDatePrecision: album.ReleaseDatePrecision,
		Image:                firstImageURL(album.Images),
		ArtistIDs:            artistIDs,
	}, nil
}

// PersistToken saves the current (possibly refreshed) token back to disk so
// a restart does not need a fresh OAuth grant.
func (c *Client) PersistToken() error {
	if c.client == nil {
		return nil
	}

	token, err := c.client.Token()
	if err != nil {
		return fmt.Errorf("failed to get current token: %w", err)
	}
	return c.saveToken(token)
}

func (c *Client) loadToken() (*oauth2.Token, error) {
	data, err := os.ReadFile(c.config.TokenPath)
	if err != nil {
		return nil, err
	}

	var tokenData TokenData
	if err := json.Unmarshal(data, &tokenData); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	if tokenData.Token == nil {
		return nil, fmt.Errorf("token file contains no token")
	}
	return tokenData.Token, nil
}

func (c *Client) saveToken(token *oauth2.Token) error {
	data, err := json.Marshal(TokenData{Token: token})
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := os.WriteFile(c.config.TokenPath, data, FilePermission); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

func convertFullTrack(track *spotify.FullTrack) core.TrackInfo {
	info := convertSimpleTrack(&track.SimpleTrack)
	info.Popularity = int(track.Popularity)
	info.ISRC = track.ExternalIDs["isrc"]
	if info.Album == "" {
		info.Album = track.Album.Name
		info.AlbumID = string(track.Album.ID)
		info.AlbumArt = firstImageURL(track.Album.Images)
	}
	return info
}

func convertSimpleTrack(track *spotify.SimpleTrack) core.TrackInfo {
	var artists []string
	var artistIDs []string
	for _, artist := range track.Artists {
		artists = append(artists, artist.Name)
		artistIDs = append(artistIDs, string(artist.ID))
	}

	return core.TrackInfo{
		TrackID:     string(track.ID),
		Name:        track.Name,
		Artists:     artists,
		ArtistIDs:   artistIDs,
		Album:       track.Album.Name,
		AlbumID:     string(track.Album.ID),
		AlbumArt:    firstImageURL(track.Album.Images),
		DurationMS:  int(track.Duration),
		Explicit:    track.Explicit,
		DiscNumber:  int(track.DiscNumber),
		TrackNumber: int(track.TrackNumber),
		URL:         track.ExternalURLs["spotify"],
	}
}

func firstImageURL(images []spotify.Image) string {
	if len(images) == 0 {
		return ""
	}
	return images[0].URL
}
