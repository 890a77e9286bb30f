// Package storage mirrors checkpoint files to S3-compatible object storage.
package storage

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Config locates the bucket.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string // key prefix inside the bucket
}

// objectAPI is the part of *minio.Client the mirror uses.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
}

// Mirror copies local files into a bucket under a key prefix.
type Mirror struct {
	client objectAPI
	bucket string
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	hasBkt bool
}

// New connects to the endpoint in cfg. No request is made until the first
// upload.
func New(cfg Config, log *zap.Logger) (*Mirror, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return newMirror(client, cfg.Bucket, cfg.Prefix, log), nil
}

func newMirror(client objectAPI, bucket, prefix string, log *zap.Logger) *Mirror {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{client: client, bucket: bucket, prefix: prefix, log: log}
}

// Key returns the object key of a file name.
func (m *Mirror) Key(name string) string {
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

func (m *Mirror) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasBkt {
		return nil
	}
	ok, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("storage: check bucket %s: %w", m.bucket, err)
	}
	if !ok {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("storage: create bucket %s: %w", m.bucket, err)
		}
		m.log.Info("bucket created", zap.String("bucket", m.bucket))
	}
	m.hasBkt = true
	return nil
}

// Put uploads the file at filePath as name.
func (m *Mirror) Put(ctx context.Context, name, filePath string) error {
	if err := m.ensureBucket(ctx); err != nil {
		return err
	}
	info, err := m.client.FPutObject(ctx, m.bucket, m.Key(name), filePath, minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("storage: upload %s: %w", name, err)
	}
	m.log.Debug("checkpoint mirrored", zap.String("key", info.Key), zap.Int64("size", info.Size))
	return nil
}

// Delete removes name from the bucket.
func (m *Mirror) Delete(ctx context.Context, name string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, m.Key(name), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("storage: delete %s: %w", name, err)
	}
	return nil
}

// Fetch downloads name to filePath.
func (m *Mirror) Fetch(ctx context.Context, name, filePath string) error {
	if err := m.client.FGetObject(ctx, m.bucket, m.Key(name), filePath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("storage: download %s: %w", name, err)
	}
	return nil
}
