package export

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// UploadConfig locates the object store that receives run artifacts.
type UploadConfig struct {
	Endpoint        string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
}

// Uploader copies run artifacts to an S3-compatible bucket.
type Uploader struct {
	client *minio.Client
	cfg    UploadConfig
}

// NewUploader builds a MinIO client. The endpoint may be a bare host:port or
// a URL; an https scheme forces TLS.
func NewUploader(cfg UploadConfig) (*Uploader, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("export: upload endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("export: upload bucket is required")
	}
	host, useSSL, err := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("export: minio client: %w", err)
	}
	return &Uploader{client: client, cfg: cfg}, nil
}

func parseEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("export: invalid endpoint %q: %w", endpoint, err)
	}
	host := u.Host
	if host == "" {
		host = endpoint
	}
	if u.Scheme == "https" {
		useSSL = true
	}
	return host, useSSL, nil
}

// ObjectKey is the bucket key for a local file uploaded under runID.
func (u *Uploader) ObjectKey(runID, file string) string {
	return objectKey(u.cfg.Prefix, runID, file)
}

func objectKey(prefix, runID, file string) string {
	return path.Join(prefix, "run="+runID, filepath.Base(file))
}

// Upload ensures the bucket exists and uploads every file under
// prefix/run=<runID>/. It returns the object keys written.
func (u *Uploader) Upload(ctx context.Context, runID string, files []string) ([]string, error) {
	exists, err := u.client.BucketExists(ctx, u.cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("export: bucket %s: %w", u.cfg.Bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.cfg.Bucket, minio.MakeBucketOptions{Region: u.cfg.Region}); err != nil {
			return nil, fmt.Errorf("export: create bucket %s: %w", u.cfg.Bucket, err)
		}
	}
	keys := make([]string, 0, len(files))
	for _, file := range files {
		key := u.ObjectKey(runID, file)
		info, err := u.client.FPutObject(ctx, u.cfg.Bucket, key, file, minio.PutObjectOptions{ContentType: contentType(file)})
		if err != nil {
			return keys, fmt.Errorf("export: upload %s: %w", file, err)
		}
		log.Printf("uploaded file=%s bucket=%s key=%s bytes=%d", file, u.cfg.Bucket, key, info.Size)
		keys = append(keys, key)
	}
	return keys, nil
}

func contentType(file string) string {
	switch filepath.Ext(file) {
	case ".png":
		return "image/png"
	case ".parquet":
		return "application/vnd.apache.parquet"
	case ".msgpack":
		return "application/msgpack"
	default:
		return "application/octet-stream"
	}
}
