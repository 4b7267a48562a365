package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// BlobStore is the object storage surface the pipeline uses: verify
// checks existence, OCR downloads raw images, export uploads artifacts.
type BlobStore interface {
	Exists(ctx context.Context, key string) (bool, int64, error)
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
	Close() error
}

type gcsBlobStore struct {
	client     *storage.Client
	bucketName string
	cdnDomain  string
	log        *logger.Logger
}

// NewGCSBlobStore connects to the bucket named by GCS_BUCKET_NAME using
// the credentials file at GOOGLE_APPLICATION_CREDENTIALS_JSON, or
// application default credentials when that is unset.
func NewGCSBlobStore(ctx context.Context, baseLog *logger.Logger) (BlobStore, error) {
	bucketName := strings.TrimSpace(os.Getenv("GCS_BUCKET_NAME"))
	if bucketName == "" {
		return nil, fmt.Errorf("GCS_BUCKET_NAME is not set")
	}

	var opts []option.ClientOption
	if credsPath := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")); credsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credsPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	return &gcsBlobStore{
		client:     client,
		bucketName: bucketName,
		cdnDomain:  strings.TrimSpace(os.Getenv("CDN_DOMAIN")),
		log:        baseLog.With("service", "BlobStore"),
	}, nil
}

func (s *gcsBlobStore) Exists(ctx context.Context, key string) (bool, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	attrs, err := s.client.Bucket(s.bucketName).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, 0, nil
		}
		return false, 0, s.wrap("stat", key, err)
	}
	return true, attrs.Size, nil
}

func (s *gcsBlobStore) Download(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	r, err := s.client.Bucket(s.bucketName).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, faults.Newf(faults.KindInvalidInput, "object %s does not exist", key)
		}
		return nil, s.wrap("open", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, s.wrap("read", key, err)
	}
	return data, nil
}

func (s *gcsBlobStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucketName).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return s.wrap("write", key, err)
	}
	if err := w.Close(); err != nil {
		return s.wrap("close", key, err)
	}
	s.log.Debug("object uploaded", "key", key, "bytes", len(data), "content_type", contentType)
	return nil
}

func (s *gcsBlobStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.client.Bucket(s.bucketName).Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return s.wrap("delete", key, err)
	}
	return nil
}

func (s *gcsBlobStore) PublicURL(key string) string {
	if s.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", s.cdnDomain, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucketName, key)
}

func (s *gcsBlobStore) Close() error {
	return s.client.Close()
}

func (s *gcsBlobStore) wrap(op, key string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Newf(faults.KindTimeout, "%s %s: %v", op, key, err)
	}
	return faults.New(faults.KindBackendUnavailable, fmt.Errorf("%s %s: %w", op, key, err))
}
