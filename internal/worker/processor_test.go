package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Marx-A00/rec-sub006/internal/catalog"
	"github.com/Marx-A00/rec-sub006/internal/config"
	"github.com/Marx-A00/rec-sub006/internal/ledger"
	"github.com/Marx-A00/rec-sub006/internal/models"
	"github.com/Marx-A00/rec-sub006/internal/queue"
)

// memLedger is an in-memory Recorder for exercising handler flows without
// Postgres. The clock is injectable so skip-window tests can age entries out.
type memLedger struct {
	mu      sync.Mutex
	clock   func() time.Time
	entries []models.LedgerEntry
}

func (m *memLedger) at() time.Time {
	if m.clock != nil {
		return m.clock()
	}
	return time.Now()
}

func (m *memLedger) Record(_ context.Context, e models.LedgerEntry) (models.LedgerEntry, error) {
	e, err := ledger.Normalize(e)
	if err != nil {
		return e, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.at()
	}
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memLedger) HasRecentNoData(_ context.Context, entityType, entityID string, within time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.EntityType != entityType || e.EntityID != entityID {
			continue
		}
		switch e.Status {
		case models.LedgerSuccess, models.LedgerFailed, models.LedgerNoData:
			return e.Status == models.LedgerNoData && ledger.WithinWindow(e.CreatedAt, m.at(), within), nil
		}
	}
	return false, nil
}

func (m *memLedger) HasRecentFailure(_ context.Context, entityType, entityID string, within time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.EntityType == entityType && e.EntityID == entityID && e.Status == models.LedgerFailed &&
			ledger.WithinWindow(e.CreatedAt, m.at(), within) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memLedger) RetryCount(_ context.Context, entityType, entityID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.EntityType == entityType && e.EntityID == entityID && e.Status == models.LedgerFailed {
			return e.RetryCount, nil
		}
	}
	return 0, nil
}

func (m *memLedger) AuditHierarchy(context.Context) (ledger.AuditReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ledger.AuditReport{Scanned: int64(len(m.entries))}, nil
}

func (m *memLedger) snapshot() []models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.LedgerEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

type stubCatalog struct {
	album    func(ctx context.Context, id string) (catalog.Album, error)
	artist   func(ctx context.Context, id string) (catalog.Artist, error)
	track    func(ctx context.Context, id string) (catalog.Track, error)
	releases func(ctx context.Context, p catalog.NewReleasesParams) ([]catalog.Album, error)
}

func (s *stubCatalog) GetAlbum(ctx context.Context, id string) (catalog.Album, error) {
	if s.album == nil {
		return catalog.Album{}, catalog.ErrNoData
	}
	return s.album(ctx, id)
}

func (s *stubCatalog) GetArtist(ctx context.Context, id string) (catalog.Artist, error) {
	if s.artist == nil {
		return catalog.Artist{}, catalog.ErrNoData
	}
	return s.artist(ctx, id)
}

func (s *stubCatalog) GetTrack(ctx context.Context, id string) (catalog.Track, error) {
	if s.track == nil {
		return catalog.Track{}, catalog.ErrNoData
	}
	return s.track(ctx, id)
}

func (s *stubCatalog) SearchAlbums(context.Context, string, int) ([]catalog.Album, error) {
	return nil, nil
}

func (s *stubCatalog) SearchArtists(context.Context, string, int) ([]catalog.Artist, error) {
	return nil, nil
}

func (s *stubCatalog) NewReleases(ctx context.Context, p catalog.NewReleasesParams) ([]catalog.Album, error) {
	if s.releases == nil {
		return nil, catalog.ErrNoData
	}
	return s.releases(ctx, p)
}

func testConfig() config.Config {
	return config.Config{
		WorkerPollInterval: 5 * time.Millisecond,
		HandlerTimeout:     5 * time.Second,
		MaxAttempts:        3,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         4 * time.Millisecond,
		MaxRestarts:        2,
		RestartDelay:       time.Millisecond,
		PromoteBatchSize:   100,
		NoDataSkipWindow:   time.Hour,
		FailureCooldown:    time.Hour,
		SyncCountry:        "US",
		SyncPageLimit:      10,
		SyncPageCount:      1,
	}
}

func newTestWorker(t *testing.T, cfg config.Config, cat catalog.Client) (*Processor, *queue.Queue, *memLedger) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.NewWithClient(client)
	ml := &memLedger{}
	log := zerolog.Nop()
	p := NewProcessor(cfg, q, nil, log)
	NewEnricher(q, ml, cat, cfg, log).Register(p)
	return p, q, ml
}

// startProcessor runs the dispatch loop until the returned stop func is
// called.
func startProcessor(t *testing.T, p *Processor) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker loop did not stop after cancel")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnrichAlbumSuccessRecordsRootEntry(t *testing.T) {
	ctx := context.Background()
	cat := &stubCatalog{
		album: func(_ context.Context, id string) (catalog.Album, error) {
			return catalog.Album{ID: id, Title: "OK Computer", ReleaseDate: "1997-05-21"}, nil
		},
	}
	p, q, ml := newTestWorker(t, testConfig(), cat)

	jobID, _, err := q.Enqueue(ctx, models.JobEnrichAlbum, map[string]any{"albumId": "alb-1"}, queue.Options{
		Tier: models.TierBackground,
	})
	if err != nil {
		t.Fatal(err)
	}

	stop := startProcessor(t, p)
	defer stop()
	waitFor(t, "ledger entry", func() bool { return len(ml.snapshot()) >= 1 })

	entries := ml.snapshot()
	e := entries[0]
	if e.Status != models.LedgerSuccess {
		t.Fatalf("expected success entry, got %+v", e)
	}
	if e.Category != ledger.CategoryEnriched {
		t.Fatalf("expected enriched category, got %q", e.Category)
	}
	if !e.IsRoot || e.RootJobID != jobID || e.JobID != jobID {
		t.Fatalf("expected root entry for job %s, got %+v", jobID, e)
	}

	waitFor(t, "job completion", func() bool {
		job, err := q.GetJob(ctx, jobID)
		return err == nil && job.Status == models.StatusCompleted
	})
}

func TestAlbumEnrichmentSpawnsArtistChildWithLineage(t *testing.T) {
	ctx := context.Background()
	cat := &stubCatalog{
		album: func(_ context.Context, id string) (catalog.Album, error) {
			return catalog.Album{ID: id, Title: "Blue Train", ArtistIDs: []string{"art-7"}}, nil
		},
		artist: func(_ context.Context, id string) (catalog.Artist, error) {
			return catalog.Artist{ID: id, Name: "John Coltrane"}, nil
		},
	}
	p, q, ml := newTestWorker(t, testConfig(), cat)

	rootID, _, err := q.Enqueue(ctx, models.JobEnrichAlbum, map[string]any{"albumId": "alb-2"}, queue.Options{
		Tier: models.TierBackground,
	})
	if err != nil {
		t.Fatal(err)
	}

	stop := startProcessor(t, p)
	defer stop()
	waitFor(t, "album and artist entries", func() bool { return len(ml.snapshot()) >= 2 })

	var child *models.LedgerEntry
	for _, e := range ml.snapshot() {
		if e.EntityType == "artist" {
			child = &e
			break
		}
	}
	if child == nil {
		t.Fatal("no artist entry recorded")
	}
	if child.Status != models.LedgerSuccess || child.EntityID != "art-7" {
		t.Fatalf("unexpected child entry: %+v", child)
	}
	if child.IsRoot {
		t.Fatal("child entry must not be a root")
	}
	if child.ParentJobID != rootID || child.RootJobID != rootID {
		t.Fatalf("expected lineage back to %s, got parent=%s root=%s", rootID, child.ParentJobID, child.RootJobID)
	}
}

func TestTransientFailuresExhaustAttempts(t *testing.T) {
	ctx := context.Background()
	cat := &stubCatalog{
		album: func(context.Context, string) (catalog.Album, error) {
			return catalog.Album{}, &catalog.TransientError{Status: 503, Err: errors.New("upstream flake")}
		},
	}
	p, q, ml := newTestWorker(t, testConfig(), cat)

	jobID, _, err := q.Enqueue(ctx, models.JobEnrichAlbum, map[string]any{"albumId": "alb-3"}, queue.Options{
		Tier:        models.TierBackground,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatal(err)
	}

	stop := startProcessor(t, p)
	defer stop()
	waitFor(t, "three failed entries", func() bool { return len(ml.snapshot()) >= 3 })
	waitFor(t, "terminal failed status", func() bool {
		job, err := q.GetJob(ctx, jobID)
		return err == nil && job.Status == models.StatusFailed
	})

	entries := ml.snapshot()
	if len(entries) != 3 {
		t.Fatalf("expected exactly 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Status != models.LedgerFailed {
			t.Fatalf("entry %d not failed: %+v", i, e)
		}
		if e.RetryCount != i+1 {
			t.Fatalf("entry %d has retry count %d, want %d", i, e.RetryCount, i+1)
		}
	}

	n, err := ml.RetryCount(ctx, "album", "alb-3")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("retry count = %d, want 3", n)
	}
}

func TestNoDataRecordedWithoutRetry(t *testing.T) {
	ctx := context.Background()
	p, q, ml := newTestWorker(t, testConfig(), &stubCatalog{})

	jobID, _, err := q.Enqueue(ctx, models.JobEnrichArtist, map[string]any{"artistId": "art-0"}, queue.Options{
		Tier: models.TierBackground,
	})
	if err != nil {
		t.Fatal(err)
	}

	stop := startProcessor(t, p)
	defer stop()
	waitFor(t, "no-data entry", func() bool { return len(ml.snapshot()) >= 1 })
	waitFor(t, "job completion", func() bool {
		job, err := q.GetJob(ctx, jobID)
		return err == nil && job.Status == models.StatusCompleted
	})

	entries := ml.snapshot()
	if entries[0].Status != models.LedgerNoData {
		t.Fatalf("expected no_data entry, got %+v", entries[0])
	}
	if len(entries) != 1 {
		t.Fatalf("no-data must not retry, got %d entries", len(entries))
	}
}

func TestRecentNoDataSkipsEnrichment(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.NoDataSkipWindow = 90 * 24 * time.Hour

	catalogCalls := 0
	cat := &stubCatalog{
		album: func(_ context.Context, id string) (catalog.Album, error) {
			catalogCalls++
			return catalog.Album{ID: id, Title: "Found After All"}, nil
		},
	}

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	ml := &memLedger{clock: func() time.Time { return now }}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewWithClient(client)
	e := NewEnricher(q, ml, cat, cfg, zerolog.Nop())

	// A previous attempt found nothing in the catalog.
	_, err := ml.Record(ctx, models.LedgerEntry{
		EntityType: "album",
		EntityID:   "alb-9",
		Operation:  "enrich-album",
		Status:     models.LedgerNoData,
		JobID:      "earlier-job",
	})
	if err != nil {
		t.Fatal(err)
	}

	err = e.HandleEnrichAlbum(ctx, models.Job{
		ID:      "job-skip",
		Type:    models.JobEnrichAlbum,
		Tier:    models.TierBackground,
		Payload: map[string]any{"albumId": "alb-9"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if catalogCalls != 0 {
		t.Fatalf("skip must not touch the catalog, got %d calls", catalogCalls)
	}
	entries := ml.snapshot()
	last := entries[len(entries)-1]
	if last.Status != models.LedgerSkipped || last.JobID != "job-skip" {
		t.Fatalf("expected a skipped entry, got %+v", last)
	}

	// Once the no-data entry ages out of the window, enrichment runs again.
	now = now.Add(cfg.NoDataSkipWindow + time.Hour)
	err = e.HandleEnrichAlbum(ctx, models.Job{
		ID:      "job-retry",
		Type:    models.JobEnrichAlbum,
		Tier:    models.TierBackground,
		Payload: map[string]any{"albumId": "alb-9"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if catalogCalls != 1 {
		t.Fatalf("aged-out no-data should allow a catalog call, got %d", catalogCalls)
	}
	entries = ml.snapshot()
	last = entries[len(entries)-1]
	if last.Status != models.LedgerSuccess || last.JobID != "job-retry" {
		t.Fatalf("expected a fresh success entry, got %+v", last)
	}
}

func TestFailureCooldownSkipsFreshSubmissionsOnly(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.FailureCooldown = 7 * 24 * time.Hour

	cat := &stubCatalog{
		artist: func(_ context.Context, id string) (catalog.Artist, error) {
			return catalog.Artist{ID: id, Name: "Arthur Russell"}, nil
		},
	}
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	ml := &memLedger{clock: func() time.Time { return now }}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	e := NewEnricher(queue.NewWithClient(client), ml, cat, cfg, zerolog.Nop())

	_, err := ml.Record(ctx, models.LedgerEntry{
		EntityType: "artist",
		EntityID:   "art-5",
		Operation:  "enrich-artist",
		Status:     models.LedgerFailed,
		RetryCount: 3,
		JobID:      "failed-job",
	})
	if err != nil {
		t.Fatal(err)
	}

	// A fresh submission during the cooldown is skipped.
	job := models.Job{
		ID:      "job-cool",
		Type:    models.JobEnrichArtist,
		Tier:    models.TierBackground,
		Payload: map[string]any{"artistId": "art-5"},
	}
	if err := e.HandleEnrichArtist(ctx, job); err != nil {
		t.Fatal(err)
	}
	entries := ml.snapshot()
	if last := entries[len(entries)-1]; last.Status != models.LedgerSkipped {
		t.Fatalf("expected skipped entry during cooldown, got %+v", last)
	}

	// An in-flight retry already went through queue backoff and is exempt.
	job.ID = "job-retrying"
	job.Attempts = 1
	if err := e.HandleEnrichArtist(ctx, job); err != nil {
		t.Fatal(err)
	}
	entries = ml.snapshot()
	if last := entries[len(entries)-1]; last.Status != models.LedgerSuccess {
		t.Fatalf("retry should bypass the cooldown, got %+v", last)
	}
}

func TestSyncNewReleasesFiltersAndSpawns(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.SyncMinPopularity = 50

	cat := &stubCatalog{
		releases: func(_ context.Context, p catalog.NewReleasesParams) ([]catalog.Album, error) {
			if p.Offset > 0 {
				return nil, catalog.ErrNoData
			}
			return []catalog.Album{
				{ID: "new-1", Title: "Keeper", Popularity: 80},
				{ID: "new-2", Title: "Obscure", Popularity: 10},
			}, nil
		},
	}
	_, q, ml := newTestWorker(t, cfg, cat)
	e := NewEnricher(q, ml, cat, cfg, zerolog.Nop())

	err := e.HandleSyncNewReleases(ctx, models.Job{
		ID:   "sync-1",
		Type: models.JobSyncNewReleases,
		Tier: models.TierBackground,
	})
	if err != nil {
		t.Fatal(err)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("expected 1 spawned enrichment, got %d waiting", counts.Waiting)
	}

	entries := ml.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected one sync summary entry, got %d", len(entries))
	}
	summary := entries[0]
	if summary.Status != models.LedgerSuccess || summary.Category != ledger.CategoryCreated {
		t.Fatalf("unexpected summary entry: %+v", summary)
	}
	found := false
	for _, f := range summary.FieldsChanged {
		if f == fmt.Sprintf("spawned=%d", 1) {
			found = true
		}
	}
	if !found {
		t.Fatalf("summary fields %v missing spawned count", summary.FieldsChanged)
	}
}

func TestHandlerPanicGoesThroughRetryPath(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	p, q, _ := newTestWorker(t, cfg, &stubCatalog{})
	p.RegisterHandler(models.JobCacheImage, func(context.Context, models.Job) error {
		panic("decoder blew up")
	})

	jobID, _, err := q.Enqueue(ctx, models.JobCacheImage, map[string]any{
		"sourceUrl":  "https://img/x.jpg",
		"entityType": "album",
		"entityId":   "alb-x",
	}, queue.Options{
		Tier:        models.TierBackground,
		MaxAttempts: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	stop := startProcessor(t, p)
	defer stop()
	waitFor(t, "terminal failure after panics", func() bool {
		job, err := q.GetJob(ctx, jobID)
		return err == nil && job.Status == models.StatusFailed
	})

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(job.LastError, "panic") {
		t.Fatalf("last error %q does not mention the panic", job.LastError)
	}
}

func TestSupervisePropagatesCancelAsNil(t *testing.T) {
	p, _, _ := newTestWorker(t, testConfig(), &stubCatalog{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Supervise(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("supervise returned %v on shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervise did not return after cancel")
	}
}
