package archive

import (
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/veridoc/veridoc-ops/internal/config"
)

// Uploader copies finished archives to S3-compatible offsite storage.
type Uploader struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewUploaderFromConfig builds an uploader from the remote section of the
// configuration. Returns nil when no endpoint is configured.
func NewUploaderFromConfig(cfg *config.RemoteConfig) (*Uploader, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("remote client: %w", err)
	}
	return &Uploader{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Upload puts one local archive into the bucket under the configured
// prefix and returns the object key.
func (u *Uploader) Upload(ctx context.Context, localPath, name string) (string, error) {
	key := path.Join(u.prefix, name)
	_, err := u.client.FPutObject(ctx, u.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return key, nil
}
