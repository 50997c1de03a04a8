// Package artifact archives completed memos to object storage.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/smallbiznis/memora/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Memo struct {
	JobID    string
	OrgID    string
	Standard string
	Body     string
	At       time.Time
}

type Archiver interface {
	Archive(ctx context.Context, memo Memo) (string, error)
}

// ObjectKey places memos under org/year/month so listings stay small.
func ObjectKey(memo Memo) string {
	at := memo.At.UTC()
	org := slug.Make(memo.OrgID)
	if org == "" {
		org = "unknown"
	}
	standard := slug.Make(memo.Standard)
	if standard == "" {
		standard = "memo"
	}
	return fmt.Sprintf("%s/%04d/%02d/%s-%s.md", org, at.Year(), int(at.Month()), standard, strings.TrimSpace(memo.JobID))
}

type MinioArchiver struct {
	client *minio.Client
	bucket string
}

func NewMinioArchiver(cfg config.StorageConfig) (*MinioArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioArchiver{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (a *MinioArchiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (a *MinioArchiver) Archive(ctx context.Context, memo Memo) (string, error) {
	key := ObjectKey(memo)
	body := []byte(memo.Body)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "text/markdown; charset=utf-8",
		UserMetadata: map[string]string{
			"job-id":   memo.JobID,
			"standard": memo.Standard,
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload memo: %w", err)
	}
	return key, nil
}

// Nop discards memos. It is used when no storage endpoint is configured.
type Nop struct{}

func (Nop) Archive(context.Context, Memo) (string, error) { return "", nil }

func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Archiver, error) {
	if !cfg.Storage.Enabled() {
		log.Info("memo archival disabled")
		return Nop{}, nil
	}
	archiver, err := NewMinioArchiver(cfg.Storage)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return archiver.EnsureBucket(ctx)
		},
	})
	return archiver, nil
}

var Module = fx.Module("artifact",
	fx.Provide(New),
)
