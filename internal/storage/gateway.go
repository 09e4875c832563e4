// Package storage implements the resilient storage gateway: uploads,
// retrievals and deletions against object storage, CDN URL construction,
// provider error classification and retry, and best-effort media
// optimization.
package storage

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mediaops/mediaops/internal/circuit"
	"github.com/mediaops/mediaops/internal/config"
	"github.com/mediaops/mediaops/pkg/errors"
	"github.com/mediaops/mediaops/pkg/retry"
)

// Storage keys for the live CDN/storage configuration pointer and its
// last-known-good snapshot. The rollback restore phase copies the snapshot
// back over the live pointer.
const (
	LiveConfigKey      = "system/config/live.json"
	LastKnownGoodKey   = "system/config/lkg.json"
	defaultContentType = "application/octet-stream"
)

// S3API is the subset of the S3 client the gateway uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Recorder receives operation outcomes for error-rate and latency tracking.
type Recorder interface {
	RecordOperation(source string, duration time.Duration, success bool)
}

// StorageObject describes a successfully stored object. The CDN URL is
// derived from the key and the configured domain, never stored separately.
type StorageObject struct {
	Key          string    `json:"key"`
	ContentType  string    `json:"contentType"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	WasOptimized bool      `json:"wasOptimized"`
	CDNURL       string    `json:"cdnUrl"`
	Attempts     int       `json:"attempts"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

// ObjectInfo describes stored object metadata.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"lastModified"`
}

// UploadMetadata carries caller-supplied attributes for an upload.
type UploadMetadata struct {
	ContentType string
	Fields      map[string]string
}

// Gateway is the storage gateway service object. Uploads run with bounded
// concurrency; operations are otherwise stateless.
type Gateway struct {
	api       S3API
	bucket    string
	cdnDomain string
	cfg       config.StorageConfig

	retryer   *retry.Retryer
	optimizer *Optimizer
	recorder  Recorder
	breaker   *circuit.Breaker
	logger    *slog.Logger

	sem chan struct{}
}

// NewGateway creates a storage gateway.
func NewGateway(api S3API, cfg config.StorageConfig, cdnDomain string, recorder Recorder) *Gateway {
	retryCfg := retry.DefaultConfig()
	if cfg.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.MaxRetries
	}

	maxConcurrent := cfg.MaxFilesPerRequest
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}

	return &Gateway{
		api:       api,
		bucket:    cfg.Bucket,
		cdnDomain: cdnDomain,
		cfg:       cfg,
		retryer:   retry.New(retryCfg),
		optimizer: NewOptimizer(),
		recorder:  recorder,
		breaker:   circuit.NewBreaker("s3", circuit.Config{}),
		logger:    slog.Default().With("component", "storage-gateway", "bucket", cfg.Bucket),
		sem:       make(chan struct{}, maxConcurrent),
	}
}

// Upload stores a buffer under the given key. Media buffers go through a
// best-effort compression pass first; transient provider failures retry
// with exponential backoff up to the configured ceiling. The returned
// StorageObject records the number of attempts the final outcome took.
func (g *Gateway) Upload(ctx context.Context, buf []byte, key string, meta UploadMetadata) (*StorageObject, error) {
	if key == "" {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "storage key must not be empty").
			WithComponent("storage-gateway").WithOperation("Upload")
	}
	if len(buf) == 0 {
		return nil, errors.New(errors.ErrCodeMissingFile, "upload buffer is empty").
			WithComponent("storage-gateway").WithOperation("Upload").
			WithContext("key", key)
	}
	if int64(len(buf)) > g.cfg.MaxFileSize {
		return nil, errors.New(errors.ErrCodeFileTooLarge,
			fmt.Sprintf("file size %d exceeds limit %d", len(buf), g.cfg.MaxFileSize)).
			WithComponent("storage-gateway").WithOperation("Upload").
			WithContext("key", key).
			WithDetail("size", len(buf)).
			WithDetail("limit", g.cfg.MaxFileSize)
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = DetectContentType(key)
	}
	if !supportedContentType(contentType) {
		return nil, errors.New(errors.ErrCodeUnsupportedType,
			fmt.Sprintf("content type %q is not supported", contentType)).
			WithComponent("storage-gateway").WithOperation("Upload").
			WithContext("key", key)
	}

	body := buf
	wasOptimized := false
	if g.cfg.OptimizationEnabled && g.optimizer.Eligible(contentType) {
		body, wasOptimized = g.optimizer.Optimize(buf, contentType)
		if !wasOptimized {
			body = buf
		}
	}

	cdnURL, err := BuildCDNURL(g.cdnDomain, key)
	if err != nil {
		return nil, err
	}

	g.sem <- struct{}{}
	defer func() { <-g.sem }()

	start := time.Now()
	var etag string
	attempts, err := g.retryer.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.requestTimeout())
		defer cancel()

		input := &s3.PutObjectInput{
			Bucket:        aws.String(g.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
			ContentType:   aws.String(contentType),
			Metadata:      meta.Fields,
		}
		if wasOptimized {
			input.ContentEncoding = aws.String("gzip")
		}

		return g.breaker.Do(func() error {
			out, putErr := g.api.PutObject(callCtx, input)
			if putErr != nil {
				return ClassifyProviderError(putErr, "Upload", key).
					WithContext("bucket", g.bucket)
			}
			etag = aws.ToString(out.ETag)
			return nil
		})
	})
	g.record("upload", time.Since(start), err == nil)
	if err != nil {
		g.logClassified(err, "upload failed", key, attempts)
		return nil, err
	}

	g.logger.Debug("object uploaded",
		"key", key, "size", len(body), "optimized", wasOptimized, "attempts", attempts)

	return &StorageObject{
		Key:          key,
		ContentType:  contentType,
		Size:         int64(len(body)),
		ETag:         etag,
		WasOptimized: wasOptimized,
		CDNURL:       cdnURL,
		Attempts:     attempts,
		UploadedAt:   time.Now(),
	}, nil
}

// Download retrieves an object's contents.
func (g *Gateway) Download(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "storage key must not be empty").
			WithComponent("storage-gateway").WithOperation("Download")
	}

	start := time.Now()
	var data []byte
	_, err := g.retryer.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.requestTimeout())
		defer cancel()

		return g.breaker.Do(func() error {
			out, getErr := g.api.GetObject(callCtx, &s3.GetObjectInput{
				Bucket: aws.String(g.bucket),
				Key:    aws.String(key),
			})
			if getErr != nil {
				return ClassifyProviderError(getErr, "Download", key).
					WithContext("bucket", g.bucket)
			}
			defer out.Body.Close()

			body, readErr := io.ReadAll(out.Body)
			if readErr != nil {
				return errors.New(errors.ErrCodeNetworkError, "failed to read object body").
					WithComponent("storage-gateway").WithOperation("Download").
					WithContext("key", key).WithCause(readErr)
			}
			data = body
			return nil
		})
	})
	g.record("storage", time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// FileExists reports whether an object exists under the key.
func (g *Gateway) FileExists(ctx context.Context, key string) (bool, error) {
	_, err := g.GetFileInfo(ctx, key)
	if err != nil {
		if stderr.Is(err, errors.New(errors.ErrCodeObjectNotFound, "")) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetFileInfo returns object metadata.
func (g *Gateway) GetFileInfo(ctx context.Context, key string) (*ObjectInfo, error) {
	if key == "" {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "storage key must not be empty").
			WithComponent("storage-gateway").WithOperation("GetFileInfo")
	}

	start := time.Now()
	var info *ObjectInfo
	_, err := g.retryer.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.requestTimeout())
		defer cancel()

		return g.breaker.Do(func() error {
			out, headErr := g.api.HeadObject(callCtx, &s3.HeadObjectInput{
				Bucket: aws.String(g.bucket),
				Key:    aws.String(key),
			})
			if headErr != nil {
				return ClassifyProviderError(headErr, "GetFileInfo", key).
					WithContext("bucket", g.bucket)
			}
			info = &ObjectInfo{
				Key:          key,
				Size:         aws.ToInt64(out.ContentLength),
				ContentType:  aws.ToString(out.ContentType),
				ETag:         aws.ToString(out.ETag),
				LastModified: aws.ToTime(out.LastModified),
			}
			return nil
		})
	})
	g.record("storage", time.Since(start), err == nil || isNotFound(err))
	if err != nil {
		return nil, err
	}
	return info, nil
}

// DeleteFile removes an object.
func (g *Gateway) DeleteFile(ctx context.Context, key string) error {
	if key == "" {
		return errors.New(errors.ErrCodeInvalidArgument, "storage key must not be empty").
			WithComponent("storage-gateway").WithOperation("DeleteFile")
	}

	start := time.Now()
	_, err := g.retryer.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.requestTimeout())
		defer cancel()

		return g.breaker.Do(func() error {
			_, delErr := g.api.DeleteObject(callCtx, &s3.DeleteObjectInput{
				Bucket: aws.String(g.bucket),
				Key:    aws.String(key),
			})
			if delErr != nil {
				return ClassifyProviderError(delErr, "DeleteFile", key).
					WithContext("bucket", g.bucket)
			}
			return nil
		})
	})
	g.record("storage", time.Since(start), err == nil)
	return err
}

// BuildCDNURL derives the CDN URL for a key using the configured domain.
func (g *Gateway) BuildCDNURL(key string) (string, error) {
	return BuildCDNURL(g.cdnDomain, key)
}

// BreakerState reports the provider circuit breaker state.
func (g *Gateway) BreakerState() string {
	return g.breaker.State().String()
}

// HealthCheck verifies the bucket is reachable with current credentials.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, g.requestTimeout())
	defer cancel()

	return g.breaker.Do(func() error {
		_, err := g.api.HeadBucket(callCtx, &s3.HeadBucketInput{
			Bucket: aws.String(g.bucket),
		})
		if err != nil {
			return ClassifyProviderError(err, "HealthCheck", "").
				WithContext("bucket", g.bucket)
		}
		return nil
	})
}

// PublishLiveConfig updates the live configuration pointer, snapshotting the
// previous value to the last-known-good key first. The snapshot is what the
// rollback restore phase reverts to.
func (g *Gateway) PublishLiveConfig(ctx context.Context, payload []byte) error {
	current, err := g.Download(ctx, LiveConfigKey)
	if err != nil && !isNotFound(err) {
		return err
	}
	if len(current) > 0 {
		if _, err := g.Upload(ctx, current, LastKnownGoodKey, UploadMetadata{ContentType: "application/json"}); err != nil {
			return err
		}
	}
	_, err = g.Upload(ctx, payload, LiveConfigKey, UploadMetadata{ContentType: "application/json"})
	return err
}

// RestoreLastKnownGood copies the last-known-good configuration snapshot
// back over the live pointer.
func (g *Gateway) RestoreLastKnownGood(ctx context.Context) error {
	snapshot, err := g.Download(ctx, LastKnownGoodKey)
	if err != nil {
		if isNotFound(err) {
			return errors.New(errors.ErrCodeRollbackValidation,
				"no last-known-good configuration snapshot exists").
				WithComponent("storage-gateway").WithOperation("RestoreLastKnownGood")
		}
		return err
	}
	_, err = g.Upload(ctx, snapshot, LiveConfigKey, UploadMetadata{ContentType: "application/json"})
	return err
}

func (g *Gateway) requestTimeout() time.Duration {
	if g.cfg.RequestTimeout > 0 {
		return g.cfg.RequestTimeout
	}
	return 30 * time.Second
}

func (g *Gateway) record(source string, d time.Duration, success bool) {
	if g.recorder != nil {
		g.recorder.RecordOperation(source, d, success)
	}
}

func (g *Gateway) logClassified(err error, msg, key string, attempts int) {
	var classified *errors.Error
	if stderr.As(err, &classified) {
		g.logger.Error(msg,
			"key", key,
			"code", classified.Code,
			"retryable", classified.Retryable,
			"attempts", attempts,
			"hint", classified.Recommendation())
		return
	}
	g.logger.Error(msg, "key", key, "error", err, "attempts", attempts)
}

func isNotFound(err error) bool {
	return stderr.Is(err, errors.New(errors.ErrCodeObjectNotFound, ""))
}

// DetectContentType infers a content type from the key extension.
func DetectContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".gif"):
		return "image/gif"
	case strings.HasSuffix(key, ".webp"):
		return "image/webp"
	case strings.HasSuffix(key, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(key, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(key, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(key, ".webm"):
		return "video/webm"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain"
	case strings.HasSuffix(key, ".pdf"):
		return "application/pdf"
	default:
		return defaultContentType
	}
}

func supportedContentType(contentType string) bool {
	for _, prefix := range []string{"image/", "audio/", "video/", "text/"} {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	switch contentType {
	case "application/json", "application/pdf", defaultContentType:
		return true
	}
	return false
}
