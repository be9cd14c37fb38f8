package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	neturl "net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/Marx-A00/rec-sub006/internal/config"
	"github.com/Marx-A00/rec-sub006/internal/ledger"
	"github.com/Marx-A00/rec-sub006/internal/models"
)

type artUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// CoverArtHandler serves the cache-image job type: download cover art or an
// artist image, normalize it to a bounded JPEG, and store it where the web
// layer serves images from (S3 when configured, local disk otherwise).
type CoverArtHandler struct {
	cfg        config.Config
	rec        ledger.Recorder
	httpClient *http.Client
	dest       artUploader
	log        zerolog.Logger
	now        func() time.Time
}

type coverArtPayload struct {
	sourceURL  string
	entityType string
	entityID   string
	width      int
	height     int
}

// NewCoverArtHandler picks the destination once at startup.
func NewCoverArtHandler(ctx context.Context, cfg config.Config, rec ledger.Recorder, log zerolog.Logger) (*CoverArtHandler, error) {
	timeout := cfg.ArtDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var dest artUploader
	if cfg.ArtS3Bucket != "" {
		client, err := newArtS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		dest = &s3ArtUploader{client: client, bucket: cfg.ArtS3Bucket}
	} else {
		baseDir := cfg.ArtLocalDir
		if baseDir == "" {
			baseDir = "./artcache"
		}
		dest = &localArtUploader{baseDir: baseDir}
	}

	return &CoverArtHandler{
		cfg:        cfg,
		rec:        rec,
		httpClient: &http.Client{Timeout: timeout},
		dest:       dest,
		log:        log.With().Str("component", "cover-art").Logger(),
		now:        time.Now,
	}, nil
}

func newArtS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtS3Region),
	}
	if cfg.ArtS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtS3Endpoint,
					HostnameImmutable: cfg.ArtS3PathStyle,
					SigningRegion:     cfg.ArtS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtS3PathStyle
	}), nil
}

// Register binds the handler to the processor.
func (h *CoverArtHandler) Register(p *Processor) {
	p.RegisterHandler(models.JobCacheImage, h.Handle)
}

// Handle downloads, resizes, and stores one image, then writes a ledger
// entry for the attempt.
func (h *CoverArtHandler) Handle(ctx context.Context, job models.Job) error {
	payload, err := h.decodePayload(job)
	if err != nil {
		return err
	}
	start := h.now()
	parent, root := lineage(job)
	entry := models.LedgerEntry{
		EntityType:  payload.entityType,
		EntityID:    payload.entityID,
		Operation:   string(job.Type),
		Category:    ledger.CategoryCached,
		Sources:     []string{sourceHost(payload.sourceURL)},
		JobID:       job.ID,
		ParentJobID: parent,
		RootJobID:   root,
	}

	url, err := h.cacheImage(ctx, payload)
	entry.DurationMs = h.now().Sub(start).Milliseconds()
	if err != nil {
		entry.Status = models.LedgerFailed
		entry.ErrorInfo = err.Error()
		entry.RetryCount = job.Attempts + 1
		h.recordEntry(ctx, entry)
		return err
	}

	entry.Status = models.LedgerSuccess
	entry.FieldsChanged = []string{"cachedImageUrl"}
	h.recordEntry(ctx, entry)
	h.log.Debug().Str("entity_id", payload.entityID).Str("url", url).Msg("image cached")
	return nil
}

func (h *CoverArtHandler) cacheImage(ctx context.Context, payload coverArtPayload) (string, error) {
	data, err := h.download(ctx, payload.sourceURL)
	if err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	img = imaging.Resize(img, payload.width, payload.height, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	key := fmt.Sprintf("%ss/%s.jpg", payload.entityType, payload.entityID)
	url, err := h.dest.Upload(ctx, key, buf.Bytes(), "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return url, nil
}

func (h *CoverArtHandler) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := h.cfg.ArtMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, nil
}

func (h *CoverArtHandler) decodePayload(job models.Job) (coverArtPayload, error) {
	payload := coverArtPayload{
		sourceURL:  payloadString(job.Payload, "sourceUrl"),
		entityType: payloadString(job.Payload, "entityType"),
		entityID:   payloadString(job.Payload, "entityId"),
		width:      h.cfg.ArtDefaultWidth,
		height:     h.cfg.ArtDefaultHeight,
	}
	if w, ok := payloadInt(job.Payload, "width"); ok && w > 0 {
		payload.width = w
	}
	if ht, ok := payloadInt(job.Payload, "height"); ok && ht > 0 {
		payload.height = ht
	}
	if payload.sourceURL == "" {
		return payload, errors.New("cache-image: payload missing sourceUrl")
	}
	if payload.entityType == "" || payload.entityID == "" {
		return payload, errors.New("cache-image: payload missing entity reference")
	}
	if payload.width == 0 && payload.height == 0 {
		payload.width = 640
	}
	return payload, nil
}

func (h *CoverArtHandler) recordEntry(ctx context.Context, entry models.LedgerEntry) {
	if _, err := h.rec.Record(ctx, entry); err != nil {
		h.log.Error().Err(err).Str("job_id", entry.JobID).Msg("ledger write failed")
	}
}

func sourceHost(raw string) string {
	if u, err := neturl.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return "unknown"
}

type localArtUploader struct {
	baseDir string
}

func (l *localArtUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.Clean(strings.TrimPrefix(key, "/")))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3ArtUploader struct {
	client *s3.Client
	bucket string
}

func (s *s3ArtUploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
