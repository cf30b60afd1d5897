package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bcodmo/regressoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// s3Store implements ObjectStore against S3-compatible storage. A single
// client is shared across all workers; access is serialized with a mutex
// since the interrupt supervisor and workers hit it concurrently.
type s3Store struct {
	log    logrus.FieldLogger
	cfg    *config.StorageConfig
	client *s3.Client
	mu     sync.Mutex
}

// Ensure interface compliance.
var _ ObjectStore = (*s3Store)(nil)

// NewS3Store creates a new S3-backed ObjectStore from the given
// configuration.
func NewS3Store(log logrus.FieldLogger, cfg *config.StorageConfig) ObjectStore {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &s3Store{
		log:    log.WithField("component", "s3-store"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}
}

// ListFiles lists keys directly under prefix with the given suffix,
// using a delimiter so nested objects are excluded.
func (s *s3Store) ListFiles(ctx context.Context, prefix, suffix string) ([]string, error) {
	prefix = ensureDirPrefix(prefix)

	var keys []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		s.mu.Lock()
		page, err := paginator.NextPage(ctx)
		s.mu.Unlock()

		if err != nil {
			return nil, fmt.Errorf("listing objects under %q: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}

			if suffix == "" || strings.HasSuffix(*obj.Key, suffix) {
				keys = append(keys, *obj.Key)
			}
		}
	}

	return keys, nil
}

// HasObjects reports whether at least one object exists under prefix.
func (s *s3Store) HasObjects(ctx context.Context, prefix string) (bool, error) {
	prefix = ensureDirPrefix(prefix)

	s.mu.Lock()
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.Bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	s.mu.Unlock()

	if err != nil {
		return false, fmt.Errorf("checking objects under %q: %w", prefix, err)
	}

	return len(out.Contents) > 0, nil
}

// Head returns the object's ETag (quotes stripped), size and mtime.
func (s *s3Store) Head(ctx context.Context, key string) (*ObjectMeta, error) {
	s.mu.Lock()
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	s.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("heading object %q: %w", key, err)
	}

	meta := &ObjectMeta{
		ETag: strings.Trim(aws.ToString(out.ETag), `"`),
		Size: aws.ToInt64(out.ContentLength),
	}

	if out.LastModified != nil {
		meta.LastModified = *out.LastModified
	}

	return meta, nil
}

// Get returns the full contents of the object at key.
func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	s.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}
