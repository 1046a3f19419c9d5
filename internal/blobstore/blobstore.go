// Package blobstore is the coordinator's opaque key/value blob backend,
// generalizing perkeep's storage-adapter split (pkg/blobserver/s3) into a
// single S3-compatible client. Blob contents are meaningless to this
// package: compression, patching, and key construction are the callers'
// (internal/version, internal/objects) concern.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AddressStyle selects how bucket addressing is encoded in request URLs,
// matching spec.md's ADDRESS_STYLE configuration knob.
type AddressStyle string

const (
	AddressStyleVirtual AddressStyle = "virtual"
	AddressStylePath    AddressStyle = "path"
)

// Config holds the S3_* environment-derived settings.
type Config struct {
	PublicKey    string
	PrivateKey   string
	Region       string
	Endpoint     string
	Bucket       string
	AddressStyle AddressStyle
}

// Store is an S3-compatible blob backend. A nil *Store should never be
// constructed outside tests; use New.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds an S3 client from cfg, following the credentials/config
// package split the aws-sdk-go-v2 ecosystem uses for static-credential
// S3-compatible endpoints (minio, R2, Backblaze B2, etc).
func New(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.PublicKey, cfg.PrivateKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.AddressStyle == AddressStylePath
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Put writes data at key, overwriting any existing object -- used both for
// fresh blobs and for overwriting a demoted HEAD's blob in place with its
// reverse delta.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("putting blob %q: %w", key, err)
	}
	return nil
}

// Get fetches the full contents at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting blob %q: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading blob %q: %w", key, err)
	}
	return data, nil
}

// Delete removes the object at key. Nothing in this module calls it: the
// coordinator's own request paths never delete blobs, since orphaned writes
// after a rollback are tolerated by design.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting blob %q: %w", key, err)
	}
	return nil
}

// WorkKey builds the content-addressed key for a work version blob.
func WorkKey(workID int64, sha1 string) string {
	return fmt.Sprintf("%d_%s", workID, sha1)
}

// ObjectKey builds the content-addressed key for a supporting-object blob.
func ObjectKey(sha1 string) string {
	return "obj_" + sha1
}
