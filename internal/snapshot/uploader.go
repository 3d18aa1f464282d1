package snapshot

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
)

// UploaderConfig configures S3-compatible archive storage (MinIO, AWS S3, R2).
type UploaderConfig struct {
	// Endpoint is host[:port], optionally prefixed with http:// or https://.
	// A scheme overrides UseSSL.
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// Prefix is prepended to object keys.
	Prefix string
}

// Uploader copies archives to an S3-compatible bucket.
type Uploader struct {
	client *minio.Client
	bucket string
	region string
	prefix string
}

// NewUploader creates an Uploader.
func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errs.New(errs.ErrInvalid, "snapshot bucket is required")
	}
	endpoint, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrInvalid, "init object storage client", err)
	}
	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// splitEndpoint strips a URL scheme from endpoint and reports whether TLS applies.
func splitEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint, useSSL = strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint, useSSL = strings.TrimPrefix(endpoint, "http://"), false
	}
	endpoint = strings.TrimSuffix(endpoint, "/")
	if endpoint == "" || strings.Contains(endpoint, "/") {
		return "", false, errs.Newf(errs.ErrInvalid, "invalid object storage endpoint %q", endpoint)
	}
	return endpoint, useSSL, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return errs.Wrap(errs.ErrSnapshotFailed, "check bucket "+u.bucket, err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
		return errs.Wrap(errs.ErrSnapshotFailed, "make bucket "+u.bucket, err)
	}
	return nil
}

// Key returns the object key for an archive file name.
func (u *Uploader) Key(name string) string {
	if u.prefix == "" {
		return name
	}
	return path.Join(u.prefix, name)
}

// Upload stores size bytes from r under key.
func (u *Uploader) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if _, err := u.client.PutObject(ctx, u.bucket, key, r, size, opts); err != nil {
		return errs.Wrap(errs.ErrSnapshotFailed, "upload "+key, err)
	}
	return nil
}

// UploadFile uploads the archive at p under its base name and returns the key.
func (u *Uploader) UploadFile(ctx context.Context, p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.NotFound("snapshot", p)
		}
		return "", errs.Wrap(errs.ErrSnapshotFailed, "open archive", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", errs.Wrap(errs.ErrSnapshotFailed, "stat archive", err)
	}
	key := u.Key(filepath.Base(p))
	if err := u.Upload(ctx, key, f, fi.Size()); err != nil {
		return "", err
	}
	return key, nil
}
