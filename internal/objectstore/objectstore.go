// Package objectstore stores tasting images in S3-compatible object storage.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Defaults for MinioStore.
const (
	DefaultBucket        = "tasting-images"
	DefaultRegion        = "us-east-1"
	DefaultPresignExpiry = 24 * time.Hour
)

// ObjectStore provides access to object storage.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// Opts holds configuration for MinioStore.
type Opts struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	UseSSL        bool
	PublicBaseURL string // when set, URL returns unsigned public links under this base
}

// Option configures MinioStore.
type Option func(*Opts)

// WithEndpoint sets the host[:port] of the S3 endpoint.
func WithEndpoint(endpoint string) Option {
	return func(o *Opts) { o.Endpoint = endpoint }
}

// WithCredentials sets the static access key pair.
func WithCredentials(accessKey, secretKey string) Option {
	return func(o *Opts) { o.AccessKey, o.SecretKey = accessKey, secretKey }
}

// WithBucket sets the bucket name.
func WithBucket(bucket string) Option {
	return func(o *Opts) { o.Bucket = bucket }
}

// WithRegion sets the bucket region.
func WithRegion(region string) Option {
	return func(o *Opts) { o.Region = region }
}

// WithSSL toggles TLS to the endpoint.
func WithSSL(useSSL bool) Option {
	return func(o *Opts) { o.UseSSL = useSSL }
}

// WithPublicBaseURL makes URL return public links, e.g. a Supabase public bucket URL.
func WithPublicBaseURL(base string) Option {
	return func(o *Opts) { o.PublicBaseURL = strings.TrimRight(base, "/") }
}

// MinioStore implements ObjectStore for MinIO/S3 compatible storage.
type MinioStore struct {
	client     *minio.Client
	bucket     string
	publicBase string
}

// NewMinioStore connects to the endpoint and ensures the bucket exists.
func NewMinioStore(opts ...Option) (*MinioStore, error) {
	cfg := Opts{Bucket: DefaultBucket, Region: DefaultRegion}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
		slog.Info("MinioStore.New: created bucket", "bucket", cfg.Bucket)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, publicBase: cfg.PublicBaseURL}, nil
}

// Put uploads an object.
func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	slog.Debug("MinioStore.Put: stored object", "key", key, "size", size, "contentType", contentType)
	return nil
}

// PresignGet generates a pre-signed GET URL.
func (m *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return url.String(), nil
}

// Delete removes an object.
func (m *MinioStore) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// URL returns the link stored on an image record: a public URL when a public base is
// configured, otherwise a presigned URL valid for DefaultPresignExpiry.
func (m *MinioStore) URL(ctx context.Context, key string) (string, error) {
	if m.publicBase != "" {
		return m.publicBase + "/" + m.bucket + "/" + key, nil
	}
	return m.PresignGet(ctx, key, DefaultPresignExpiry)
}

// TastingImageKey returns a fresh object key for an image attached to a tasting.
func TastingImageKey(tastingID, contentType string) string {
	ext := ".jpg"
	switch contentType {
	case "image/png":
		ext = ".png"
	case "image/webp":
		ext = ".webp"
	}
	return path.Join("tastings", tastingID, uuid.NewString()+ext)
}
