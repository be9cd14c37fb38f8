package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Marx-A00/rec-sub006/internal/config"
)

// HTTPClient implements Client over the catalog's JSON API.
type HTTPClient struct {
	base       string
	httpClient *http.Client
	userAgent  string
}

// NewHTTPClient builds the production client. Per-call timeouts come from the
// http.Client; the User-Agent carries a contact URL as courtesy etiquette.
func NewHTTPClient(cfg config.Config) *HTTPClient {
	return &HTTPClient{
		base:       cfg.CatalogBaseURL,
		httpClient: &http.Client{Timeout: cfg.CatalogTimeout},
		userAgent:  fmt.Sprintf("rec-enrichment/1.0 (%s)", cfg.CatalogContact),
	}
}

func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, v any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return ErrNoData
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return &TransientError{Status: res.StatusCode, Err: fmt.Errorf("GET %s", path)}
	case res.StatusCode >= 400:
		return fmt.Errorf("catalog: GET %s: status %d", path, res.StatusCode)
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) GetAlbum(ctx context.Context, id string) (Album, error) {
	var album Album
	if err := c.get(ctx, "/albums/"+url.PathEscape(id), nil, &album); err != nil {
		return Album{}, err
	}
	if album.ID == "" {
		return Album{}, ErrNoData
	}
	return album, nil
}

func (c *HTTPClient) GetArtist(ctx context.Context, id string) (Artist, error) {
	var artist Artist
	if err := c.get(ctx, "/artists/"+url.PathEscape(id), nil, &artist); err != nil {
		return Artist{}, err
	}
	if artist.ID == "" {
		return Artist{}, ErrNoData
	}
	return artist, nil
}

func (c *HTTPClient) GetTrack(ctx context.Context, id string) (Track, error) {
	var track Track
	if err := c.get(ctx, "/tracks/"+url.PathEscape(id), nil, &track); err != nil {
		return Track{}, err
	}
	if track.ID == "" {
		return Track{}, ErrNoData
	}
	return track, nil
}

type searchAlbumsResponse struct {
	Albums []Album `json:"albums"`
}

func (c *HTTPClient) SearchAlbums(ctx context.Context, query string, limit int) ([]Album, error) {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var res searchAlbumsResponse
	if err := c.get(ctx, "/search/albums", q, &res); err != nil {
		return nil, err
	}
	return res.Albums, nil
}

type searchArtistsResponse struct {
	Artists []Artist `json:"artists"`
}

func (c *HTTPClient) SearchArtists(ctx context.Context, query string, limit int) ([]Artist, error) {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var res searchArtistsResponse
	if err := c.get(ctx, "/search/artists", q, &res); err != nil {
		return nil, err
	}
	return res.Artists, nil
}

func (c *HTTPClient) NewReleases(ctx context.Context, params NewReleasesParams) ([]Album, error) {
	q := url.Values{}
	if params.Country != "" {
		q.Set("country", params.Country)
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset > 0 {
		q.Set("offset", strconv.Itoa(params.Offset))
	}
	var res searchAlbumsResponse
	if err := c.get(ctx, "/browse/new-releases", q, &res); err != nil {
		return nil, err
	}
	return res.Albums, nil
}
