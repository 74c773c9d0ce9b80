package cas

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store is an S3-backed blob store, usable directly or as a replica target.
// Blobs are stored under their hex digest.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string // Optional key prefix (e.g., "blobs/")
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string
}

// NewS3Store creates an S3-backed blob store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("cas: load AWS config: %w", err)
	}
	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}
	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) key(h Hash) string {
	return s.prefix + h.Hex()
}

// PutBlob implements Store. Existing objects are left untouched.
func (s *S3Store) PutBlob(ctx context.Context, data []byte) (Hash, error) {
	h := Sum(data)
	key := s.key(h)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return h, nil
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return Hash{}, fmt.Errorf("cas: s3 put: %w", err)
	}
	return h, nil
}

// GetBlob implements Store.
func (s *S3Store) GetBlob(ctx context.Context, h Hash) ([]byte, error) {
	if h.IsZero() {
		return nil, ErrZeroHash
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(h)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("cas: s3 read: %w", err)
	}
	if Sum(data) != h {
		return nil, fmt.Errorf("%w: %s", ErrCorruption, h)
	}
	return data, nil
}

// Has implements Store.
func (s *S3Store) Has(ctx context.Context, h Hash) bool {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(h)),
	})
	return err == nil
}
