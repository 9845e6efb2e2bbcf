// Package publish uploads generated artifacts to an S3-compatible bucket.
package publish

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/zeebo/blake3"
)

type Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// objectStore is the subset of *minio.Client the publisher uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Publisher struct {
	store  objectStore
	bucket string
	prefix string
	region string
}

func New(cfg Config) (*Publisher, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("publish: endpoint and bucket are required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	return &Publisher{store: client, bucket: cfg.Bucket, prefix: cfg.Prefix, region: cfg.Region}, nil
}

// Publish uploads files under <prefix>/<runID>/<digest>/ and returns the
// object keys in name order. The digest covers every file so identical
// outputs share a key.
func (p *Publisher) Publish(ctx context.Context, runID string, files map[string][]byte) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if err := p.ensureBucket(ctx); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	digest := Digest(names, files)

	keys := make([]string, 0, len(names))
	for _, name := range names {
		key := ObjectKey(p.prefix, runID, digest, name)
		body := files[name]
		_, err := p.store.PutObject(ctx, p.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
			ContentType: contentType(name),
		})
		if err != nil {
			return keys, fmt.Errorf("publish %s: %w", key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (p *Publisher) ensureBucket(ctx context.Context) error {
	ok, err := p.store.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("publish: check bucket %s: %w", p.bucket, err)
	}
	if ok {
		return nil
	}
	if err := p.store.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{Region: p.region}); err != nil {
		return fmt.Errorf("publish: create bucket %s: %w", p.bucket, err)
	}
	return nil
}

// Digest is a short blake3 hash over the named files.
func Digest(names []string, files map[string][]byte) string {
	h := blake3.New()
	for _, name := range names {
		_, _ = h.Write([]byte(name))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(files[name])
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

func ObjectKey(prefix, runID, digest, name string) string {
	return strings.TrimPrefix(path.Join(strings.Trim(prefix, "/"), runID, digest, name), "/")
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".py":
		return "text/x-python"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}
