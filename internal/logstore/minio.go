package logstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/haatos/hookci/internal"
	"github.com/haatos/hookci/internal/types"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore writes logs locally and uploads them to an S3 compatible bucket
// when the job is archived.
type MinIOStore struct {
	local  *LocalStore
	client *minio.Client
	bucket string
	region string
}

func NewMinIOClient(cfg internal.ObjectStoreConfig) (*minio.Client, error) {
	if strings.Contains(cfg.Endpoint, "://") {
		return nil, fmt.Errorf("object store endpoint must not include scheme: %q", cfg.Endpoint)
	}
	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

func NewMinIOStore(
	ctx context.Context,
	local *LocalStore,
	cfg internal.ObjectStoreConfig,
) (*MinIOStore, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	s := &MinIOStore{local: local, client: client, bucket: cfg.Bucket, region: cfg.Region}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure log bucket: %w", err)
	}
	return s, nil
}

func (s *MinIOStore) Create(jobID string, stage types.Stage) (io.WriteCloser, string, error) {
	return s.local.Create(jobID, stage)
}

func (s *MinIOStore) Archive(ctx context.Context, jobID string) (string, error) {
	dir := s.local.JobDir(jobID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	prefix := filepath.Base(dir)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key := path.Join(prefix, e.Name())
		if _, err := s.client.FPutObject(
			ctx, s.bucket, key, filepath.Join(dir, e.Name()),
			minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"},
		); err != nil {
			return "", fmt.Errorf("upload %s: %w", key, err)
		}
	}
	return fmt.Sprintf("s3://%s/%s/", s.bucket, prefix), nil
}

func (s *MinIOStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
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
