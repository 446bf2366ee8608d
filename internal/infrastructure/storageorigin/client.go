// Package storageorigin implements repository.StorageOrigin: the
// storage-service collaborator FallbackPipeline step 3 consults when both
// the upstream transformer and a direct origin fetch have failed. It reads
// source bytes from a second MinIO bucket holding the original, untransformed
// media, distinct from the artifact cache bucket blobkv writes to.
package storageorigin

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
)

// objectReader abstracts minio.Object for testability; *minio.Object
// satisfies this interface.
type objectReader interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// minioClient is the subset of *minio.Client operations this package uses.
type minioClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (objectReader, error)
}

type minioClientAdapter struct {
	client *minio.Client
}

func (a *minioClientAdapter) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return a.client.BucketExists(ctx, bucketName)
}

func (a *minioClientAdapter) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (objectReader, error) {
	return a.client.GetObject(ctx, bucketName, objectName, opts)
}

// ClientConfig holds MinIO connection settings for the source-media bucket.
type ClientConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Client implements repository.StorageOrigin over a MinIO bucket.
type Client struct {
	client minioClient
	bucket string
}

var _ repository.StorageOrigin = (*Client)(nil)

// New creates a Client, verifying the bucket exists so misconfiguration
// fails fast at startup.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newClientWithMinioClient(ctx, &minioClientAdapter{client: client}, cfg.Bucket)
}

func newClientWithMinioClient(ctx context.Context, client minioClient, bucket string) (*Client, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", repository.ErrBucketNotFound, bucket)
	}
	return &Client{client: client, bucket: bucket}, nil
}

// Fetch retrieves sourcePath's raw bytes from the source-media bucket.
func (c *Client) Fetch(ctx context.Context, sourcePath string) (*repository.TransformResult, error) {
	key := strings.TrimLeft(sourcePath, "/")

	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}

	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return &repository.TransformResult{StatusCode: 404, ErrorBody: "source not found in storage"}, nil
		}
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}

	return &repository.TransformResult{
		StatusCode:    200,
		ContentType:   stat.ContentType,
		ContentLength: stat.Size,
		Body:          obj,
	}, nil
}
