// Package media stores media objects content-addressed by sha256, with
// per-tenant quota enforcement and gzip JSON artifacts for derivative
// data (vision summaries, crawl snapshots).
package media

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/teleforge/teleforge/pkg/metrics"
)

// ErrQuotaExceeded is returned by Put when the tenant's cached usage plus
// the new object would exceed the per-tenant limit.
var ErrQuotaExceeded = errors.New("quota_exceeded")

// ErrNotFound is returned by Get and Head for missing keys.
var ErrNotFound = errors.New("object not found")

// S3API is the slice of the S3 client the store uses.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// PutResult identifies a stored object.
type PutResult struct {
	SHA256 string
	Key    string
	Size   int64
}

// SweepFunc frees unreferenced objects for one tenant and reports how
// many were deleted.
type SweepFunc func(ctx context.Context, tenant string) (int, error)

// Store is the content-addressed object store.
type Store struct {
	s3         S3API
	rdb        *redis.Client
	bucket     string
	quotaBytes int64
	sweep      SweepFunc
}

// NewStore creates a store. quotaGB <= 0 disables quota checks.
func NewStore(client S3API, rdb *redis.Client, bucket string, quotaGB float64) *Store {
	return &Store{
		s3:         client,
		rdb:        rdb,
		bucket:     bucket,
		quotaBytes: int64(quotaGB * (1 << 30)),
	}
}

// MediaKey builds media/{tenant}/{sha256[:2]}/{sha256}.{ext}. The prefix
// byte spreads keys across partitions.
func MediaKey(tenant, sha, ext string) string {
	return fmt.Sprintf("media/%s/%s/%s.%s", tenant, sha[:2], sha, ext)
}

// VisionCacheKey builds the vision result cache key for one media file.
func VisionCacheKey(tenant, sha, provider, model string, schema int) string {
	return fmt.Sprintf("vision/%s/%s_%s_%s_v%d.json", tenant, sha, provider, model, schema)
}

// CrawlKey builds the crawl artifact key for one canonical URL hash.
func CrawlKey(tenant, hash, ext string) string {
	return fmt.Sprintf("crawl/%s/%s/%s.%s", tenant, hash[:2], hash, ext)
}

// AlbumSummaryKey builds the aggregated album vision summary key.
func AlbumSummaryKey(tenant, albumID string, schema int) string {
	return fmt.Sprintf("album/%s/%s_vision_summary_v%d.json", tenant, albumID, schema)
}

// extFromMIME maps the MIME types Telegram media actually carries; the
// fallback is "bin".
func extFromMIME(mime string) string {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "video/mp4":
		return "mp4"
	case "video/webm":
		return "webm"
	case "application/pdf":
		return "pdf"
	case "text/html":
		return "html"
	case "application/json":
		return "json"
	}
	return "bin"
}

func usageKey(tenant string) string {
	return "storage:usage_bytes:" + tenant
}

// Put stores bytes under their content hash. An object that already
// exists is success without a second upload. Fails with ErrQuotaExceeded
// before any write when the tenant is over budget.
func (s *Store) Put(ctx context.Context, tenant string, data []byte, mime string) (PutResult, error) {
	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])
	key := MediaKey(tenant, sha, extFromMIME(mime))
	res := PutResult{SHA256: sha, Key: key, Size: int64(len(data))}

	// Head first: identical bytes share one key, re-upload is a no-op.
	if _, err := s.Head(ctx, key); err == nil {
		return res, nil
	} else if !errors.Is(err, ErrNotFound) {
		return PutResult{}, err
	}

	if err := s.checkQuota(ctx, tenant, int64(len(data))); err != nil {
		if !errors.Is(err, ErrQuotaExceeded) {
			return PutResult{}, err
		}
		// Emergency path: try to free refs_count=0 objects of this tenant,
		// then re-check once.
		if err := s.emergencySweep(ctx, tenant, int64(len(data))); err != nil {
			return PutResult{}, err
		}
	}

	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(mime),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return PutResult{}, fmt.Errorf("failed to put object %s: %w", key, err)
	}

	// Best-effort usage bump; the sweep reconciles drift.
	if s.rdb != nil {
		if err := s.rdb.IncrBy(ctx, usageKey(tenant), int64(len(data))).Err(); err != nil {
			slog.Warn("Failed to bump cached storage usage", "tenant", tenant, "error", err)
		}
	}
	return res, nil
}

// OnQuotaExceeded installs the emergency sweep Put invokes when a tenant
// hits its quota.
func (s *Store) OnQuotaExceeded(fn SweepFunc) {
	s.sweep = fn
}

// emergencySweep frees the tenant's unreferenced objects and re-checks the
// quota. The original rejection stands when nothing could be freed.
func (s *Store) emergencySweep(ctx context.Context, tenant string, addBytes int64) error {
	metrics.PolicyDenied.WithLabelValues("storage", "quota_exceeded").Inc()
	if s.sweep == nil {
		return fmt.Errorf("tenant %s over storage quota: %w", tenant, ErrQuotaExceeded)
	}

	freed, err := s.sweep(ctx, tenant)
	if err != nil {
		slog.Warn("Emergency media sweep failed", "tenant", tenant, "error", err)
		return fmt.Errorf("tenant %s over storage quota: %w", tenant, ErrQuotaExceeded)
	}
	if freed == 0 {
		return fmt.Errorf("tenant %s over storage quota, nothing to free: %w", tenant, ErrQuotaExceeded)
	}
	slog.Info("Emergency media sweep freed objects", "tenant", tenant, "freed", freed)
	return s.checkQuota(ctx, tenant, addBytes)
}

// checkQuota compares the cached tenant usage against the limit. A
// missing counter counts as zero; the sweep fills it in.
func (s *Store) checkQuota(ctx context.Context, tenant string, addBytes int64) error {
	if s.quotaBytes <= 0 || s.rdb == nil {
		return nil
	}
	used, err := s.rdb.Get(ctx, usageKey(tenant)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("Failed to read cached storage usage, allowing put", "tenant", tenant, "error", err)
		return nil
	}
	if used+addBytes > s.quotaBytes {
		return fmt.Errorf("tenant %s at %d bytes, adding %d exceeds %d: %w",
			tenant, used, addBytes, s.quotaBytes, ErrQuotaExceeded)
	}
	return nil
}

// Head returns the object size, or ErrNotFound.
func (s *Store) Head(ctx context.Context, key string) (int64, error) {
	out, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to head object %s: %w", key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Get returns the raw object bytes, transparently gunzipping when the
// object was stored with Content-Encoding gzip.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer out.Body.Close()

	var r io.Reader = out.Body
	if aws.ToString(out.ContentEncoding) == "gzip" {
		gz, err := gzip.NewReader(out.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip reader for %s: %w", key, err)
		}
		defer gz.Close()
		r = gz
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Delete removes one object. Callers must have verified refs_count == 0;
// the store itself has no view of the reference table.
func (s *Store) Delete(ctx context.Context, tenant, key string, size int64) error {
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	if s.rdb != nil && size > 0 {
		if err := s.rdb.DecrBy(ctx, usageKey(tenant), size).Err(); err != nil {
			slog.Warn("Failed to decrement cached storage usage", "tenant", tenant, "error", err)
		}
	}
	return nil
}

// PutJSON stores a JSON artifact, gzipped, under an explicit key.
func (s *Store) PutJSON(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode artifact %s: %w", key, err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return fmt.Errorf("failed to compress artifact %s: %w", key, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to compress artifact %s: %w", key, err)
	}

	_, err = s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
		ContentLength:   aws.Int64(int64(buf.Len())),
	})
	if err != nil {
		return fmt.Errorf("failed to put artifact %s: %w", key, err)
	}
	return nil
}

// PutGzip stores an arbitrary artifact gzipped under an explicit key,
// used for crawl HTML snapshots.
func (s *Store) PutGzip(ctx context.Context, key string, data []byte, contentType string) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("failed to compress artifact %s: %w", key, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to compress artifact %s: %w", key, err)
	}

	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String(contentType),
		ContentEncoding: aws.String("gzip"),
		ContentLength:   aws.Int64(int64(buf.Len())),
	})
	if err != nil {
		return fmt.Errorf("failed to put artifact %s: %w", key, err)
	}
	return nil
}

// GetJSON reads a gzip JSON artifact into out. ErrNotFound when missing.
func (s *Store) GetJSON(ctx context.Context, key string, out any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode artifact %s: %w", key, err)
	}
	return nil
}

// isNotFound matches both the typed NotFound/NoSuchKey errors and the
// smithy error strings, which differ between Head and Get.
func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NotFound") ||
		strings.Contains(msg, "NoSuchKey") ||
		strings.Contains(msg, "status code: 404")
}
