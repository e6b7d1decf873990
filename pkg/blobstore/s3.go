package blobstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/commoncrawl-tools/ccpointer/pkg/s3"
)

const (
	otelPackageName = "github.com/commoncrawl-tools/ccpointer/pkg/blobstore"

	s3NoSuchKey = "NoSuchKey"
)

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// S3Store mirrors blobs to an S3-compatible bucket, optionally under a
// path prefix (so parquet_root and duckdb_root can share one bucket).
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Store creates a new S3-backed Store.
func NewS3Store(ctx context.Context, cfg s3.Config) (*S3Store, error) {
	if err := s3.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	useSSL := s3.IsHTTPS(cfg.Endpoint)
	endpoint := s3.GetEndpointWithoutScheme(cfg.Endpoint)

	bucketLookup := minio.BucketLookupAuto
	if cfg.ForcePathStyle {
		bucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       useSSL,
		Region:       cfg.Region,
		BucketLookup: bucketLookup,
		Transport:    cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating MinIO client: %w", err)
	}

	if err := testBucketAccess(ctx, client, cfg.Bucket); err != nil {
		return nil, fmt.Errorf("error testing bucket access: %w", err)
	}

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}

	return path.Join(s.prefix, key)
}

// Has returns true if the store has an object at key.
func (s *S3Store) Has(ctx context.Context, key string) bool {
	_, span := tracer.Start(ctx, "blobstore.Has", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	_, err := s.client.StatObject(ctx, s.bucket, s.objectKey(key), minio.StatObjectOptions{})

	return err == nil
}

// Get returns the object's size and a reader for it.
func (s *S3Store) Get(ctx context.Context, key string) (int64, io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "blobstore.Get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	objKey := s.objectKey(key)

	obj, err := s.client.GetObject(ctx, s.bucket, objKey, minio.GetObjectOptions{})
	if err != nil {
		return 0, nil, fmt.Errorf("error getting %q from S3: %w", key, err)
	}

	info, err := obj.Stat()
	if err != nil {
		obj.Close()

		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return 0, nil, ErrNotFound
		}

		return 0, nil, fmt.Errorf("error statting %q in S3: %w", key, err)
	}

	return info.Size, obj, nil
}

// Put uploads body to key.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64) (int64, error) {
	ctx, span := tracer.Start(ctx, "blobstore.Put", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	objKey := s.objectKey(key)

	_, err := s.client.StatObject(ctx, s.bucket, objKey, minio.StatObjectOptions{})
	if err == nil {
		return 0, ErrAlreadyExists
	}

	if minio.ToErrorResponse(err).Code != s3NoSuchKey {
		return 0, fmt.Errorf("error checking if %q exists in S3: %w", key, err)
	}

	info, err := s.client.PutObject(ctx, s.bucket, objKey, body, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, fmt.Errorf("error putting %q to S3: %w", key, err)
	}

	return info.Size, nil
}

// Delete removes the object at key.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "blobstore.Delete", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	objKey := s.objectKey(key)

	_, err := s.client.StatObject(ctx, s.bucket, objKey, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return ErrNotFound
		}

		return fmt.Errorf("error checking if %q exists in S3: %w", key, err)
	}

	if err := s.client.RemoveObject(ctx, s.bucket, objKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("error deleting %q from S3: %w", key, err)
	}

	return nil
}

// Walk calls fn for every object key under prefix.
func (s *S3Store) Walk(ctx context.Context, prefix string, fn func(key string) error) error {
	_, span := tracer.Start(ctx, "blobstore.Walk", trace.WithAttributes(attribute.String("prefix", prefix)))
	defer span.End()

	opts := minio.ListObjectsOptions{
		Prefix:    s.objectKey(prefix),
		Recursive: true,
	}

	root := s.prefix + "/"

	for object := range s.client.ListObjects(ctx, s.bucket, opts) {
		if object.Err != nil {
			return object.Err
		}

		key := object.Key
		if s.prefix != "" {
			key = strings.TrimPrefix(key, root)
		}

		if err := fn(key); err != nil {
			return err
		}
	}

	return nil
}

func testBucketAccess(ctx context.Context, client *minio.Client, bucket string) error {
	log := zerolog.Ctx(ctx)

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		log.Error().Err(err).Str("bucket", bucket).Msg("error checking bucket existence")

		return fmt.Errorf("error checking bucket existence: %w", err)
	}

	if !exists {
		log.Error().Str("bucket", bucket).Msg("bucket does not exist")

		return fmt.Errorf("%w: bucket %s not found", ErrNotFound, bucket)
	}

	return nil
}
