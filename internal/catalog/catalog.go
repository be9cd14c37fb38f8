// Package catalog talks to the external music catalog service. The service
// is a black box with a courtesy rate limit; pacing is the worker's problem,
// this package only classifies outcomes.
package catalog

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoData marks a successful lookup that found nothing. It is not a
// failure; callers record it so future attempts can be skipped.
var ErrNoData = errors.New("catalog: no data available")

// TransientError wraps network errors, timeouts, and 429/5xx responses that
// are worth retrying.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("catalog: transient status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("catalog: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should go through the retry/backoff path.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Album is the catalog's view of a release.
type Album struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	ArtistIDs   []string `json:"artist_ids"`
	ArtistNames []string `json:"artist_names"`
	ReleaseDate string   `json:"release_date"`
	Genres      []string `json:"genres"`
	Popularity  int      `json:"popularity"`
	CoverURL    string   `json:"cover_url"`
	TrackCount  int      `json:"track_count"`
	Label       string   `json:"label"`
}

type Artist struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Genres     []string `json:"genres"`
	Popularity int      `json:"popularity"`
	ImageURL   string   `json:"image_url"`
	Followers  int      `json:"followers"`
}

type Track struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	AlbumID    string   `json:"album_id"`
	ArtistIDs  []string `json:"artist_ids"`
	DurationMs int      `json:"duration_ms"`
	ISRC       string   `json:"isrc"`
	Popularity int      `json:"popularity"`
}

// NewReleasesParams page through recent releases with a country filter.
type NewReleasesParams struct {
	Country string
	Limit   int
	Offset  int
}

// Client is the boundary the worker and correction helpers depend on.
type Client interface {
	GetAlbum(ctx context.Context, id string) (Album, error)
	GetArtist(ctx context.Context, id string) (Artist, error)
	GetTrack(ctx context.Context, id string) (Track, error)
	SearchAlbums(ctx context.Context, query string, limit int) ([]Album, error)
	SearchArtists(ctx context.Context, query string, limit int) ([]Artist, error)
	NewReleases(ctx context.Context, params NewReleasesParams) ([]Album, error)
}
