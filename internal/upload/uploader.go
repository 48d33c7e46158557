// Package upload pushes finished artifacts (frames, keograms, star trails,
// timelapses) to an S3-compatible object store and marks them uploaded in
// the metadata store.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/mikeyg42/allsky/internal/config"
)

// Metrics tracks uploader operations.
type Metrics struct {
	TotalUploads  atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	ActiveUploads atomic.Int32
	QueueDrops    atomic.Uint64
}

// Marker records upload completion; the metadata store implements it.
type Marker interface {
	MarkUploaded(path string) error
}

// Uploader runs a fixed worker pool over a bounded queue of file paths.
type Uploader struct {
	client *minio.Client
	cfg    config.UploadConfig
	marker Marker
	log    *zap.Logger

	metrics Metrics

	queue chan string
	wg    sync.WaitGroup
}

// New creates the client and ensures the bucket exists.
func New(cfg config.UploadConfig, marker Marker) (*Uploader, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	u := &Uploader{
		client: client,
		cfg:    cfg,
		marker: marker,
		log:    zap.L().Named("uploader"),
		queue:  make(chan string, 256),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		u.log.Info("created bucket", zap.String("bucket", cfg.Bucket))
	}

	return u, nil
}

// Start launches the worker pool.
func (u *Uploader) Start(ctx context.Context) {
	for i := 0; i < u.cfg.Workers; i++ {
		u.wg.Add(1)
		go u.worker(ctx)
	}
}

// Enqueue queues a file. When the queue is full the file is skipped and
// counted; the catch-up pass from the store's pending list picks it up
// later.
func (u *Uploader) Enqueue(path string) {
	select {
	case u.queue <- path:
	default:
		u.metrics.QueueDrops.Add(1)
		u.log.Warn("upload queue full, deferring", zap.String("path", path))
	}
}

// Wait blocks until every worker has exited.
func (u *Uploader) Wait() { u.wg.Wait() }

// Snapshot returns current counter values for logging.
func (u *Uploader) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"total_uploads": u.metrics.TotalUploads.Load(),
		"upload_bytes":  u.metrics.UploadBytes.Load(),
		"upload_errors": u.metrics.UploadErrors.Load(),
		"queue_drops":   u.metrics.QueueDrops.Load(),
	}
}

func (u *Uploader) worker(ctx context.Context) {
	defer u.wg.Done()
	for {
		select {
		case path := <-u.queue:
			if err := u.uploadFile(ctx, path); err != nil {
				u.log.Error("upload failed", zap.String("path", path), zap.Error(err))
				continue
			}
			if u.marker != nil {
				if err := u.marker.MarkUploaded(path); err != nil {
					u.log.Warn("upload not recorded", zap.String("path", path), zap.Error(err))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (u *Uploader) uploadFile(ctx context.Context, path string) error {
	u.metrics.ActiveUploads.Add(1)
	defer u.metrics.ActiveUploads.Add(-1)

	file, err := os.Open(path)
	if err != nil {
		u.metrics.UploadErrors.Add(1)
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		u.metrics.UploadErrors.Add(1)
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	key := u.objectKey(path)
	putOpts := minio.PutObjectOptions{ContentType: detectContentType(path)}

	ebo := backoff.NewExponentialBackOff()
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
			}
		}
		info, err := u.client.PutObject(ctx, u.cfg.Bucket, key, file, stat.Size(), putOpts)
		if err != nil {
			u.metrics.UploadErrors.Add(1)
			return err
		}
		u.metrics.TotalUploads.Add(1)
		u.metrics.UploadBytes.Add(uint64(info.Size))
		u.log.Debug("object uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	return backoff.Retry(op,
		backoff.WithContext(backoff.WithMaxRetries(ebo, 5), ctx))
}

// objectKey maps a local path to its object key, keeping the
// <YYYYMMDD>/<day|night>/... layout under the configured prefix.
func (u *Uploader) objectKey(path string) string {
	key := filepath.ToSlash(path)
	if i := strings.LastIndex(key, "/"); i >= 0 {
		if m := dayDirIndex(key); m >= 0 {
			key = key[m:]
		} else {
			key = key[i+1:]
		}
	}
	if u.cfg.Prefix != "" {
		key = strings.TrimSuffix(u.cfg.Prefix, "/") + "/" + key
	}
	return key
}

// dayDirIndex finds the start of the YYYYMMDD path component.
func dayDirIndex(key string) int {
	parts := strings.Split(key, "/")
	off := 0
	for _, p := range parts {
		if len(p) == 8 && isDigits(p) {
			return off
		}
		off += len(p) + 1
	}
	return -1
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func detectContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
