// Package blobstore offloads job payloads and outputs too large to sit
// comfortably in a JSONB column to S3, leaving a small reference behind
// in their place. It is adapted from the teacher's file storage
// service, trimmed to the one provider that matters for this use case.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Ref is what gets stored in a job's payload/output column in place of
// an oversized value.
type Ref struct {
	Blob     bool   `json:"__blob__"`
	Key      string `json:"key"`
	Checksum string `json:"checksum"`
	Size     int    `json:"size"`
}

// Config configures the S3-compatible endpoint backing a Store.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // set for MinIO or other S3-compatible services
	Prefix   string
}

// Store offloads and rehydrates oversized job data.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// New constructs a Store from cfg, loading AWS credentials the default
// way (environment, shared config, or instance profile).
func New(ctx context.Context, cfg Config) (*Store, error) {
	var awsCfg aws.Config
	var err error

	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint, SigningRegion: cfg.Region, HostnameImmutable: true}, nil
		})
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region), config.WithEndpointResolverWithOptions(resolver))
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})

	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// MaxInline is the size past which Offload actually uploads to S3
// instead of returning the value unchanged.
const MaxInline = 256 * 1024

// Offload marshals v; if the result exceeds MaxInline it is uploaded to
// S3 and a Ref is returned in its place, otherwise v is returned as-is
// so small payloads never pay the round trip.
func (s *Store) Offload(ctx context.Context, v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("blobstore: marshal: %w", err)
	}
	if len(raw) <= MaxInline {
		return v, nil
	}

	sum := sha256.Sum256(raw)
	checksum := hex.EncodeToString(sum[:])
	key := s.objectKey(uuid.NewString())

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(raw),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: put object: %w", err)
	}

	return Ref{Blob: true, Key: key, Checksum: checksum, Size: len(raw)}, nil
}

// Rehydrate reverses Offload: if v is a Ref (as it round-trips through
// JSON, a map with __blob__: true), the referenced object is fetched
// and unmarshalled back into the caller's target; otherwise v is
// assigned to target directly.
func (s *Store) Rehydrate(ctx context.Context, v any, target any) error {
	ref, ok := asRef(v)
	if !ok {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, target)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return fmt.Errorf("blobstore: get object: %w", err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("blobstore: read object: %w", err)
	}
	return json.Unmarshal(raw, target)
}

// Delete removes the blob a Ref points to; safe to call with a
// non-blob value, which is a no-op.
func (s *Store) Delete(ctx context.Context, v any) error {
	ref, ok := asRef(v)
	if !ok {
		return nil
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref.Key),
	})
	return err
}

func (s *Store) objectKey(id string) string {
	if s.prefix == "" {
		return id
	}
	return s.prefix + "/" + id
}

func asRef(v any) (Ref, bool) {
	switch t := v.(type) {
	case Ref:
		return t, true
	case map[string]any:
		if blob, ok := t["__blob__"].(bool); ok && blob {
			key, _ := t["key"].(string)
			checksum, _ := t["checksum"].(string)
			size, _ := t["size"].(float64)
			return Ref{Blob: true, Key: key, Checksum: checksum, Size: int(size)}, true
		}
	}
	return Ref{}, false
}
