// Package mirror copies finished assets to object storage or a local
// directory. The database stays the source of truth; the mirror is a
// convenience for CDNs and offline inspection.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"shaggydog/internal/config"
	"shaggydog/internal/models"
)

// Uploader stores body under key and returns where it went.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Mirror names objects <prefix>/<job>/<kind>.<ext>.
type Mirror struct {
	up     Uploader
	prefix string
}

func New(up Uploader, prefix string) *Mirror {
	return &Mirror{up: up, prefix: strings.Trim(prefix, "/")}
}

// FromConfig picks S3 when a bucket is configured, a local directory when
// ASSET_MIRROR_DIR is set, and returns nil when neither is.
func FromConfig(ctx context.Context, cfg config.Config) (*Mirror, error) {
	switch {
	case cfg.AssetS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return New(&S3Uploader{client: client, bucket: cfg.AssetS3Bucket}, cfg.AssetS3Prefix), nil
	case cfg.AssetMirrorDir != "":
		return New(&LocalUploader{BaseDir: cfg.AssetMirrorDir}, cfg.AssetS3Prefix), nil
	}
	return nil, nil
}

// Put uploads one asset.
func (m *Mirror) Put(ctx context.Context, jobID string, kind models.AssetKind, mimeType string, data []byte) (string, error) {
	return m.up.Upload(ctx, Key(m.prefix, jobID, kind, mimeType), data, mimeType)
}

// Key builds the object key for an asset.
func Key(prefix, jobID string, kind models.AssetKind, mimeType string) string {
	name := string(kind) + "." + extension(mimeType)
	if prefix == "" {
		return path.Join(jobID, name)
	}
	return path.Join(prefix, jobID, name)
}

func extension(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AssetS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AssetS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AssetS3Endpoint)
		}
		o.UsePathStyle = cfg.AssetS3PathStyle
	}), nil
}

// LocalUploader writes under BaseDir, creating directories as needed.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.BaseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

func sanitizeKey(key string) string {
	key = path.Clean("/" + key)
	return strings.TrimPrefix(key, "/")
}

type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
