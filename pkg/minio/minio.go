package minio

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"taskpilot/pkg/config"
)

var Client = fx.Module("minio.client",
	fx.Provide(
		registerClient,
		NewBucket,
	),
)

// registerClient returns a nil client when MINIO.ENDPOINT is empty.
func registerClient(lc fx.Lifecycle, c *config.Config) (*minio.Client, error) {
	if c.Minio.Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(c.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Minio.AccessKey, c.Minio.SecretKey, ""),
		Secure: c.Minio.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			exists, err := client.BucketExists(ctx, c.Minio.BucketName)
			if err != nil {
				return fmt.Errorf("check bucket %s: %w", c.Minio.BucketName, err)
			}
			if !exists {
				if err := client.MakeBucket(ctx, c.Minio.BucketName, minio.MakeBucketOptions{}); err != nil {
					return fmt.Errorf("create bucket %s: %w", c.Minio.BucketName, err)
				}
			}
			zap.L().Info("MinIO client initialized",
				zap.String("endpoint", c.Minio.Endpoint),
				zap.String("bucket", c.Minio.BucketName),
				zap.Bool("bucketExisted", exists),
			)
			return nil
		},
	})
	return client, nil
}

// Bucket stores screenshot objects in MINIO.BUCKET_NAME.
type Bucket struct {
	client *minio.Client
	name   string
}

func NewBucket(client *minio.Client, c *config.Config) *Bucket {
	if client == nil {
		return nil
	}
	return &Bucket{client: client, name: c.Minio.BucketName}
}

// Put uploads data under key and returns the bucket-qualified location.
func (b *Bucket) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	_, err := b.client.PutObject(ctx, b.name, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return b.name + "/" + key, nil
}

// Remove deletes the object at key.
func (b *Bucket) Remove(ctx context.Context, key string) error {
	return b.client.RemoveObject(ctx, b.name, key, minio.RemoveObjectOptions{})
}
