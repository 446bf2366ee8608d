// Package blobkv implements repository.RawBlobStore over MinIO: the raw,
// chunk-agnostic KV layer that the chunked blob store builds its manifest
// and chunk-entry scheme on top of. Uses an interface-wrapped client
// (minioClient/objectReader) for testability, narrowed to bucket-exists/
// put/get/stat/copy/delete, since this proxy never hands clients a direct
// upload URL.
package blobkv

import (
	"context"
	"fmt"
	"io"
	"time"

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

// minioClient is the subset of *minio.Client operations blobkv uses. The
// abstraction exists so tests can substitute a fake.
type minioClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (objectReader, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
}

type minioClientAdapter struct {
	client *minio.Client
}

func (a *minioClientAdapter) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return a.client.BucketExists(ctx, bucketName)
}

func (a *minioClientAdapter) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return a.client.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}

func (a *minioClientAdapter) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (objectReader, error) {
	return a.client.GetObject(ctx, bucketName, objectName, opts)
}

func (a *minioClientAdapter) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return a.client.StatObject(ctx, bucketName, objectName, opts)
}

func (a *minioClientAdapter) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	return a.client.RemoveObject(ctx, bucketName, objectName, opts)
}

func (a *minioClientAdapter) CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	return a.client.CopyObject(ctx, dst, src)
}

// ClientConfig holds MinIO connection settings for the artifact bucket.
type ClientConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store implements repository.RawBlobStore over a MinIO bucket.
type Store struct {
	client minioClient
	bucket string
}

// NewStore creates a Store, verifying the bucket exists during
// initialization so misconfiguration fails fast at startup rather than on
// the first request.
func NewStore(ctx context.Context, cfg ClientConfig) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newStoreWithClient(ctx, &minioClientAdapter{client: client}, cfg.Bucket)
}

func newStoreWithClient(ctx context.Context, client minioClient, bucket string) (*Store, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", repository.ErrBucketNotFound, bucket)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// Put stores an object. ttl is accepted for interface symmetry with the
// Redis-backed stores, which have native per-key expiry; MinIO has none at
// the object level, so expiry here is enforced purely at the application
// layer via ArtifactMetadata.ExpiresAt (checked by the orchestrator on
// read).
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string, ttl time.Duration) error {
	if size < 0 {
		size = -1
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, repository.ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, repository.ObjectInfo{}, fmt.Errorf("get object %s: %w", key, err)
	}

	// GetObject returns a lazy reader that doesn't fail on a missing key
	// until read; Stat forces that check up front so a missing key surfaces
	// immediately rather than on the first Read.
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, repository.ObjectInfo{}, repository.ErrObjectNotFound
		}
		return nil, repository.ObjectInfo{}, fmt.Errorf("stat object %s: %w", key, err)
	}

	return obj, toObjectInfo(stat), nil
}

func (s *Store) Stat(ctx context.Context, key string) (repository.ObjectInfo, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return repository.ObjectInfo{}, repository.ErrObjectNotFound
		}
		return repository.ObjectInfo{}, fmt.Errorf("stat object %s: %w", key, err)
	}
	return toObjectInfo(stat), nil
}

// RewriteMetadata implements repository.MetadataRewriter via MinIO's
// server-side CopyObject with ReplaceMetadata: the object's bytes are
// never re-transferred, satisfying the TTL refresher's metadata-only
// rewrite rule.
func (s *Store) RewriteMetadata(ctx context.Context, key string, metadata map[string]string, ttl time.Duration) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: key, UserMetadata: metadata, ReplaceMetadata: true},
		minio.CopySrcOptions{Bucket: s.bucket, Object: key},
	)
	if err != nil {
		return fmt.Errorf("rewrite metadata for %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func toObjectInfo(stat minio.ObjectInfo) repository.ObjectInfo {
	return repository.ObjectInfo{
		Key:          stat.Key,
		Size:         stat.Size,
		ContentType:  stat.ContentType,
		LastModified: stat.LastModified,
		Metadata:     stat.UserMetadata,
	}
}
