// Package correction backs the admin disambiguation tools: fuzzy-rank
// catalog candidates for a misattributed artist or album, then enqueue an
// ADMIN-priority re-enrichment for the accepted match.
package correction

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/Marx-A00/rec-sub006/internal/catalog"
	"github.com/Marx-A00/rec-sub006/internal/ledger"
	"github.com/Marx-A00/rec-sub006/internal/models"
	"github.com/Marx-A00/rec-sub006/internal/queue"
)

// Candidate is one ranked match.
type Candidate struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Service wires the catalog search to the queue facade.
type Service struct {
	queue *queue.Queue
	cat   catalog.Client
	log   zerolog.Logger
}

func NewService(q *queue.Queue, cat catalog.Client, log zerolog.Logger) *Service {
	return &Service{
		queue: q,
		cat:   cat,
		log:   log.With().Str("component", "correction").Logger(),
	}
}

// SuggestArtists searches the catalog and ranks candidates by name
// similarity to the query, best first.
func (s *Service) SuggestArtists(ctx context.Context, query string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 10
	}
	artists, err := s.cat.SearchArtists(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search artists: %w", err)
	}
	out := make([]Candidate, 0, len(artists))
	for _, a := range artists {
		out = append(out, Candidate{ID: a.ID, Name: a.Name, Score: Similarity(query, a.Name)})
	}
	rank(out)
	return out, nil
}

// SuggestAlbums is the album flavor of SuggestArtists.
func (s *Service) SuggestAlbums(ctx context.Context, query string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 10
	}
	albums, err := s.cat.SearchAlbums(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search albums: %w", err)
	}
	out := make([]Candidate, 0, len(albums))
	for _, a := range albums {
		out = append(out, Candidate{ID: a.ID, Name: a.Title, Score: Similarity(query, a.Title)})
	}
	rank(out)
	return out, nil
}

// ApplyArtist enqueues an ADMIN-priority re-enrichment for the accepted
// artist. The dedupe key collapses repeated clicks into one job.
func (s *Service) ApplyArtist(ctx context.Context, artistID string) (string, error) {
	id, deduped, err := s.queue.Enqueue(ctx, models.JobEnrichArtist, map[string]any{
		"artistId": artistID,
		"category": ledger.CategoryCorrected,
	}, queue.Options{
		Tier:      models.TierAdmin,
		DedupeKey: "correction:artist:" + artistID,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue correction: %w", err)
	}
	s.log.Info().Str("artist_id", artistID).Str("job_id", id).Bool("deduped", deduped).Msg("artist correction queued")
	return id, nil
}

// ApplyAlbum is the album flavor of ApplyArtist.
func (s *Service) ApplyAlbum(ctx context.Context, albumID string) (string, error) {
	id, deduped, err := s.queue.Enqueue(ctx, models.JobEnrichAlbum, map[string]any{
		"albumId":  albumID,
		"category": ledger.CategoryCorrected,
	}, queue.Options{
		Tier:      models.TierAdmin,
		DedupeKey: "correction:album:" + albumID,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue correction: %w", err)
	}
	s.log.Info().Str("album_id", albumID).Str("job_id", id).Bool("deduped", deduped).Msg("album correction queued")
	return id, nil
}

func rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Score > cands[j].Score
	})
}

// Similarity returns a normalized edit-distance score in [0, 1], 1 for an
// exact match after normalization.
func Similarity(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == nb {
		return 1
	}
	if na == "" || nb == "" {
		return 0
	}
	dist := levenshtein(na, nb)
	longest := len(na)
	if len(nb) > longest {
		longest = len(nb)
	}
	return 1 - float64(dist)/float64(longest)
}

func normalize(s string) string {
	var sb strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				sb.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
