package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sony/gobreaker"

	"github.com/oggyb/muzz-connect/internal/config"
)

const maxMediaBytes = 20 << 20

// objectPutter is the subset of *minio.Client used for uploads.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader *bytes.Reader, size int64, contentType string) error
}

type minioPutter struct{ c *minio.Client }

func (p minioPutter) PutObject(ctx context.Context, bucket, object string, reader *bytes.Reader, size int64, contentType string) error {
	_, err := p.c.PutObject(ctx, bucket, object, reader, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

// MinioMediaStore uploads attachments to an S3-compatible bucket. Thumbnails
// are produced downstream by the transcoding pipeline; images reuse the
// original URL until then.
type MinioMediaStore struct {
	put     objectPutter
	bucket  string
	baseURL string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// NewMinioMediaStore connects to MinIO and makes sure the bucket exists.
func NewMinioMediaStore(ctx context.Context, cfg config.MinIOConfig, log *slog.Logger) (*MinioMediaStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("minio endpoint is empty")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(checkCtx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.BucketName)
	}
	return newMediaStore(minioPutter{c: client}, cfg.BucketName, baseURL, cfg.UploadTimeout, log), nil
}

func newMediaStore(put objectPutter, bucket, baseURL string, timeout time.Duration, log *slog.Logger) *MinioMediaStore {
	return &MinioMediaStore{
		put:     put,
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		cb:      newBreaker("minio-media", log),
		log:     log,
	}
}

func (s *MinioMediaStore) UploadMedia(ctx context.Context, data []byte, kind string) (MediaRef, error) {
	if len(data) == 0 {
		return MediaRef{}, errors.New("empty media payload")
	}
	if len(data) > maxMediaBytes {
		return MediaRef{}, fmt.Errorf("media payload exceeds %d bytes", maxMediaBytes)
	}

	contentType := http.DetectContentType(data)
	object := fmt.Sprintf("messages/%s/%s/%s", kind, time.Now().UTC().Format("2006/01/02"), uuid.NewString())

	uploadCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		uploadCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.put.PutObject(uploadCtx, s.bucket, object, bytes.NewReader(data), int64(len(data)), contentType)
	})
	if err != nil {
		s.log.Error("media upload failed", "object", object, "content_type", contentType, "err", err)
		return MediaRef{}, err
	}

	ref := MediaRef{URL: s.baseURL + "/" + object}
	if kind == "image" {
		ref.ThumbnailURL = ref.URL
	}
	return ref, nil
}
