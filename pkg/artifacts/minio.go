// Package artifacts publishes build outputs to S3-compatible object storage.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/polisai/vivado-bridge/pkg/telemetry"
)

// Config holds object storage settings.
type Config struct {
	Enabled   bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	Endpoint  string `yaml:"endpoint" json:"endpoint" toml:"endpoint"`
	Bucket    string `yaml:"bucket" json:"bucket" toml:"bucket"`
	Prefix    string `yaml:"prefix" json:"prefix" toml:"prefix"`
	AccessKey string `yaml:"access_key" json:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key" toml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl" toml:"use_ssl"`
	Region    string `yaml:"region" json:"region" toml:"region"`
}

// Validate checks the settings needed to publish.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("artifacts endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("artifacts bucket is required")
	}
	return nil
}

// objectStore is the subset of *minio.Client the publisher uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, key, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioPublisher uploads bitstreams to a bucket.
type MinioPublisher struct {
	store  objectStore
	bucket string
	prefix string
	region string
	now    func() time.Time

	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewMinioClient builds a client for cfg.
func NewMinioClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// NewMinioPublisher creates a publisher for cfg.
func NewMinioPublisher(cfg Config, logger *slog.Logger) (*MinioPublisher, error) {
	client, err := NewMinioClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return newPublisher(client, cfg, logger), nil
}

func newPublisher(store objectStore, cfg Config, logger *slog.Logger) *MinioPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MinioPublisher{
		store:  store,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		region: cfg.Region,
		now:    time.Now,
		logger: logger,
	}
}

// SetMetrics sets the metrics instance for recording uploads.
func (p *MinioPublisher) SetMetrics(metrics *telemetry.Metrics) { p.metrics = metrics }

// Publish uploads the file at filePath under
// <prefix>/<project>/<timestamp>/<file> and returns its s3:// URI.
func (p *MinioPublisher) Publish(ctx context.Context, project, filePath string) (string, error) {
	if p == nil || p.store == nil {
		return "", errors.New("artifact publisher not initialized")
	}
	if err := p.ensureBucket(ctx); err != nil {
		p.metrics.RecordArtifact(false)
		return "", fmt.Errorf("ensure bucket %s: %w", p.bucket, err)
	}

	key := p.Key(project, filepath.Base(filePath))
	info, err := p.store.FPutObject(ctx, p.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		p.metrics.RecordArtifact(false)
		return "", fmt.Errorf("upload %s: %w", filePath, err)
	}
	p.metrics.RecordArtifact(true)

	uri := fmt.Sprintf("s3://%s/%s", p.bucket, key)
	p.logger.Info("Published bitstream", "uri", uri, "size", info.Size)
	return uri, nil
}

// Key returns the object key for file produced by project.
func (p *MinioPublisher) Key(project, file string) string {
	stamp := p.now().UTC().Format("20060102T150405Z")
	parts := []string{project, stamp, file}
	if p.prefix != "" {
		parts = append([]string{p.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (p *MinioPublisher) ensureBucket(ctx context.Context) error {
	exists, err := p.store.BucketExists(ctx, p.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return p.store.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{Region: p.region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
