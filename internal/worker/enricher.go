package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Marx-A00/rec-sub006/internal/catalog"
	"github.com/Marx-A00/rec-sub006/internal/config"
	"github.com/Marx-A00/rec-sub006/internal/ledger"
	"github.com/Marx-A00/rec-sub006/internal/models"
	"github.com/Marx-A00/rec-sub006/internal/queue"
	"github.com/Marx-A00/rec-sub006/internal/telemetry"
)

// Enricher holds the metadata enrichment handlers. Each handler consults the
// ledger before doing expensive external work, performs the catalog call,
// appends one ledger entry per attempt, and may enqueue child jobs carrying
// its own id as parent and its root forward.
type Enricher struct {
	queue *queue.Queue
	rec   ledger.Recorder
	cat   catalog.Client
	cfg   config.Config
	log   zerolog.Logger
	now   func() time.Time
}

func NewEnricher(q *queue.Queue, rec ledger.Recorder, cat catalog.Client, cfg config.Config, log zerolog.Logger) *Enricher {
	return &Enricher{
		queue: q,
		rec:   rec,
		cat:   cat,
		cfg:   cfg,
		log:   log.With().Str("component", "enricher").Logger(),
		now:   time.Now,
	}
}

// Register binds every enrichment job type to the processor.
func (e *Enricher) Register(p *Processor) {
	p.RegisterHandler(models.JobEnrichAlbum, e.HandleEnrichAlbum)
	p.RegisterHandler(models.JobEnrichArtist, e.HandleEnrichArtist)
	p.RegisterHandler(models.JobEnrichTrack, e.HandleEnrichTrack)
	p.RegisterHandler(models.JobCheckAlbumEnrichment, e.HandleCheckAlbumEnrichment)
	p.RegisterHandler(models.JobCheckArtistEnrichment, e.HandleCheckArtistEnrichment)
	p.RegisterHandler(models.JobSyncNewReleases, e.HandleSyncNewReleases)
	p.RegisterHandler(models.JobLedgerAudit, e.HandleLedgerAudit)
}

func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// lineage reads parent/root linkage a producer attached to the payload. Both
// are empty for root jobs.
func lineage(job models.Job) (parent, root string) {
	return payloadString(job.Payload, "parentJobId"), payloadString(job.Payload, "rootJobId")
}

// childRoot is the root id children of this job must carry: the job's own
// root if it has one, otherwise the job itself is the root.
func childRoot(job models.Job) string {
	if _, root := lineage(job); root != "" {
		return root
	}
	return job.ID
}

func (e *Enricher) baseEntry(job models.Job, entityType, entityID string) models.LedgerEntry {
	parent, root := lineage(job)
	return models.LedgerEntry{
		EntityType:  entityType,
		EntityID:    entityID,
		Operation:   string(job.Type),
		Category:    payloadString(job.Payload, "category"),
		JobID:       job.ID,
		ParentJobID: parent,
		RootJobID:   root,
	}
}

func (e *Enricher) record(ctx context.Context, entry models.LedgerEntry) {
	if _, err := e.rec.Record(ctx, entry); err != nil {
		e.log.Error().Err(err).Str("job_id", entry.JobID).Msg("ledger write failed")
	}
}

// shouldSkip applies the ledger cooldown checks. The failure cooldown only
// guards fresh submissions; in-flight retries already went through the
// queue's backoff.
func (e *Enricher) shouldSkip(ctx context.Context, job models.Job, entityType, entityID string) (string, bool) {
	noData, err := e.rec.HasRecentNoData(ctx, entityType, entityID, e.cfg.NoDataSkipWindow)
	if err != nil {
		e.log.Warn().Err(err).Msg("no-data check failed")
	} else if noData {
		return "entity recently had no catalog data", true
	}
	if job.Attempts == 0 {
		cooling, err := e.rec.HasRecentFailure(ctx, entityType, entityID, e.cfg.FailureCooldown)
		if err != nil {
			e.log.Warn().Err(err).Msg("cooldown check failed")
		} else if cooling {
			return "entity is in failure cooldown", true
		}
	}
	return "", false
}

func (e *Enricher) HandleEnrichAlbum(ctx context.Context, job models.Job) error {
	albumID := payloadString(job.Payload, "albumId")
	if albumID == "" {
		return errors.New("enrich-album: payload missing albumId")
	}
	start := e.now()
	entry := e.baseEntry(job, "album", albumID)

	if reason, skip := e.shouldSkip(ctx, job, "album", albumID); skip {
		entry.Status = models.LedgerSkipped
		entry.ErrorInfo = reason
		e.record(ctx, entry)
		telemetry.JobSkipped.Inc()
		return nil
	}

	album, err := e.cat.GetAlbum(ctx, albumID)
	entry.DurationMs = e.now().Sub(start).Milliseconds()
	entry.Sources = []string{"catalog"}
	if errors.Is(err, catalog.ErrNoData) {
		entry.Status = models.LedgerNoData
		e.record(ctx, entry)
		telemetry.JobNoData.Inc()
		return nil
	}
	if err != nil {
		entry.Status = models.LedgerFailed
		entry.ErrorInfo = err.Error()
		entry.RetryCount = job.Attempts + 1
		e.record(ctx, entry)
		return err
	}

	entry.Status = models.LedgerSuccess
	entry.FieldsChanged = albumFields(album)
	e.record(ctx, entry)

	root := childRoot(job)
	for _, artistID := range album.ArtistIDs {
		_, _, err := e.queue.Enqueue(ctx, models.JobEnrichArtist, map[string]any{
			"artistId":    artistID,
			"parentJobId": job.ID,
			"rootJobId":   root,
		}, queue.Options{
			Tier:        job.Tier,
			DedupeKey:   "enrich-artist:" + artistID,
			MaxAttempts: e.cfg.MaxAttempts,
		})
		if err != nil {
			e.log.Warn().Err(err).Str("artist_id", artistID).Msg("spawn artist enrichment failed")
		}
	}
	if album.CoverURL != "" {
		e.spawnCacheImage(ctx, job, root, album.CoverURL, "album", albumID)
	}
	return nil
}

func (e *Enricher) HandleEnrichArtist(ctx context.Context, job models.Job) error {
	artistID := payloadString(job.Payload, "artistId")
	if artistID == "" {
		return errors.New("enrich-artist: payload missing artistId")
	}
	start := e.now()
	entry := e.baseEntry(job, "artist", artistID)

	if reason, skip := e.shouldSkip(ctx, job, "artist", artistID); skip {
		entry.Status = models.LedgerSkipped
		entry.ErrorInfo = reason
		e.record(ctx, entry)
		telemetry.JobSkipped.Inc()
		return nil
	}

	artist, err := e.cat.GetArtist(ctx, artistID)
	entry.DurationMs = e.now().Sub(start).Milliseconds()
	entry.Sources = []string{"catalog"}
	if errors.Is(err, catalog.ErrNoData) {
		entry.Status = models.LedgerNoData
		e.record(ctx, entry)
		telemetry.JobNoData.Inc()
		return nil
	}
	if err != nil {
		entry.Status = models.LedgerFailed
		entry.ErrorInfo = err.Error()
		entry.RetryCount = job.Attempts + 1
		e.record(ctx, entry)
		return err
	}

	entry.Status = models.LedgerSuccess
	entry.FieldsChanged = artistFields(artist)
	e.record(ctx, entry)

	if artist.ImageURL != "" {
		e.spawnCacheImage(ctx, job, childRoot(job), artist.ImageURL, "artist", artistID)
	}
	return nil
}

func (e *Enricher) HandleEnrichTrack(ctx context.Context, job models.Job) error {
	trackID := payloadString(job.Payload, "trackId")
	if trackID == "" {
		return errors.New("enrich-track: payload missing trackId")
	}
	start := e.now()
	entry := e.baseEntry(job, "track", trackID)

	if reason, skip := e.shouldSkip(ctx, job, "track", trackID); skip {
		entry.Status = models.LedgerSkipped
		entry.ErrorInfo = reason
		e.record(ctx, entry)
		telemetry.JobSkipped.Inc()
		return nil
	}

	track, err := e.cat.GetTrack(ctx, trackID)
	entry.DurationMs = e.now().Sub(start).Milliseconds()
	entry.Sources = []string{"catalog"}
	if errors.Is(err, catalog.ErrNoData) {
		entry.Status = models.LedgerNoData
		e.record(ctx, entry)
		telemetry.JobNoData.Inc()
		return nil
	}
	if err != nil {
		entry.Status = models.LedgerFailed
		entry.ErrorInfo = err.Error()
		entry.RetryCount = job.Attempts + 1
		e.record(ctx, entry)
		return err
	}

	entry.Status = models.LedgerSuccess
	entry.FieldsChanged = trackFields(track)
	e.record(ctx, entry)
	return nil
}

func (e *Enricher) HandleCheckAlbumEnrichment(ctx context.Context, job models.Job) error {
	return e.handleCheck(ctx, job, "album", "albumId", models.JobEnrichAlbum)
}

func (e *Enricher) HandleCheckArtistEnrichment(ctx context.Context, job models.Job) error {
	return e.handleCheck(ctx, job, "artist", "artistId", models.JobEnrichArtist)
}

// handleCheck decides whether an entity needs enrichment at all, consulting
// the ledger without touching the catalog. It is the cheap front door the web
// layer uses for user-facing requests.
func (e *Enricher) handleCheck(ctx context.Context, job models.Job, entityType, idKey string, enrichType models.JobType) error {
	entityID := payloadString(job.Payload, idKey)
	if entityID == "" {
		return fmt.Errorf("%s: payload missing %s", job.Type, idKey)
	}
	entry := e.baseEntry(job, entityType, entityID)
	entry.Category = ledger.CategoryCreated

	if reason, skip := e.shouldSkip(ctx, job, entityType, entityID); skip {
		entry.Status = models.LedgerSkipped
		entry.ErrorInfo = reason
		e.record(ctx, entry)
		telemetry.JobSkipped.Inc()
		return nil
	}

	_, _, err := e.queue.Enqueue(ctx, enrichType, map[string]any{
		idKey:         entityID,
		"parentJobId": job.ID,
		"rootJobId":   childRoot(job),
	}, queue.Options{
		Tier:        job.Tier,
		DedupeKey:   string(enrichType) + ":" + entityID,
		MaxAttempts: e.cfg.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("spawn enrichment: %w", err)
	}
	entry.Status = models.LedgerSuccess
	e.record(ctx, entry)
	return nil
}

func (e *Enricher) HandleSyncNewReleases(ctx context.Context, job models.Job) error {
	country := payloadString(job.Payload, "country")
	if country == "" {
		country = e.cfg.SyncCountry
	}
	limit, ok := payloadInt(job.Payload, "limit")
	if !ok || limit <= 0 {
		limit = e.cfg.SyncPageLimit
	}
	pages, ok := payloadInt(job.Payload, "pages")
	if !ok || pages <= 0 {
		pages = e.cfg.SyncPageCount
	}

	start := e.now()
	entry := e.baseEntry(job, "sync", "new-releases")
	entry.Category = ledger.CategoryCreated
	entry.Sources = []string{"catalog"}
	root := childRoot(job)

	spawned := 0
	for page := 0; page < pages; page++ {
		albums, err := e.cat.NewReleases(ctx, catalog.NewReleasesParams{
			Country: country,
			Limit:   limit,
			Offset:  page * limit,
		})
		if errors.Is(err, catalog.ErrNoData) {
			break
		}
		if err != nil {
			entry.Status = models.LedgerFailed
			entry.ErrorInfo = err.Error()
			entry.RetryCount = job.Attempts + 1
			entry.DurationMs = e.now().Sub(start).Milliseconds()
			e.record(ctx, entry)
			return err
		}
		for _, album := range albums {
			if album.Popularity < e.cfg.SyncMinPopularity {
				continue
			}
			if !genreMatch(album.Genres, e.cfg.SyncGenres) {
				continue
			}
			_, deduped, err := e.queue.Enqueue(ctx, models.JobEnrichAlbum, map[string]any{
				"albumId":     album.ID,
				"parentJobId": job.ID,
				"rootJobId":   root,
			}, queue.Options{
				Tier:        models.TierBackground,
				DedupeKey:   "enrich-album:" + album.ID,
				MaxAttempts: e.cfg.MaxAttempts,
			})
			if err != nil {
				e.log.Warn().Err(err).Str("album_id", album.ID).Msg("spawn album enrichment failed")
				continue
			}
			if !deduped {
				spawned++
			}
		}
		if len(albums) < limit {
			break
		}
	}

	entry.Status = models.LedgerSuccess
	entry.FieldsChanged = []string{fmt.Sprintf("spawned=%d", spawned)}
	entry.DurationMs = e.now().Sub(start).Milliseconds()
	e.record(ctx, entry)
	e.log.Info().Int("spawned", spawned).Str("country", country).Msg("new release sync complete")
	return nil
}

func (e *Enricher) HandleLedgerAudit(ctx context.Context, job models.Job) error {
	report, err := e.rec.AuditHierarchy(ctx)
	if err != nil {
		return fmt.Errorf("hierarchy audit: %w", err)
	}
	entry := e.baseEntry(job, "ledger", "hierarchy")
	entry.Category = ledger.CategoryCreated
	entry.Status = models.LedgerSuccess
	entry.FieldsChanged = []string{
		fmt.Sprintf("scanned=%d", report.Scanned),
		fmt.Sprintf("orphans=%d", len(report.OrphanParents)),
		fmt.Sprintf("root_mismatch=%d", len(report.RootMismatch)),
	}
	e.record(ctx, entry)
	if !report.Clean() {
		e.log.Warn().
			Strs("orphan_parents", report.OrphanParents).
			Strs("root_mismatch", report.RootMismatch).
			Msg("ledger hierarchy inconsistencies found")
	}
	return nil
}

func (e *Enricher) spawnCacheImage(ctx context.Context, job models.Job, root, sourceURL, entityType, entityID string) {
	_, _, err := e.queue.Enqueue(ctx, models.JobCacheImage, map[string]any{
		"sourceUrl":   sourceURL,
		"entityType":  entityType,
		"entityId":    entityID,
		"parentJobId": job.ID,
		"rootJobId":   root,
	}, queue.Options{
		Tier:        models.TierBackground,
		DedupeKey:   "cache-image:" + entityType + ":" + entityID,
		MaxAttempts: e.cfg.MaxAttempts,
	})
	if err != nil {
		e.log.Warn().Err(err).Str("entity_id", entityID).Msg("spawn image cache failed")
	}
}

func genreMatch(genres, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, g := range genres {
		for _, w := range wanted {
			if g == w {
				return true
			}
		}
	}
	return false
}

func albumFields(a catalog.Album) []string {
	fields := []string{"title", "releaseDate"}
	if len(a.ArtistIDs) > 0 {
		fields = append(fields, "artists")
	}
	if len(a.Genres) > 0 {
		fields = append(fields, "genres")
	}
	if a.CoverURL != "" {
		fields = append(fields, "coverUrl")
	}
	if a.Label != "" {
		fields = append(fields, "label")
	}
	if a.TrackCount > 0 {
		fields = append(fields, "trackCount")
	}
	return fields
}

func artistFields(a catalog.Artist) []string {
	fields := []string{"name"}
	if len(a.Genres) > 0 {
		fields = append(fields, "genres")
	}
	if a.ImageURL != "" {
		fields = append(fields, "imageUrl")
	}
	if a.Followers > 0 {
		fields = append(fields, "followers")
	}
	return fields
}

func trackFields(t catalog.Track) []string {
	fields := []string{"title", "durationMs"}
	if t.ISRC != "" {
		fields = append(fields, "isrc")
	}
	return fields
}
