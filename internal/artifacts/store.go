// Package artifacts stores the files a job produces, keyed by
// "<job id>/<filename>", on the local disk or in S3.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"fileforge/internal/config"
)

// Store persists job outputs and serves them back for download.
type Store interface {
	// Save writes the artifact and returns the key it is retrievable under.
	Save(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	// Open returns a reader over a previously saved artifact.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// RemovePrefix deletes every artifact whose key starts with prefix.
	RemovePrefix(ctx context.Context, prefix string) error
}

// New selects a backend from the configuration.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch strings.ToLower(cfg.ArtifactBackend) {
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("artifact backend s3 requires S3_BUCKET")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &s3Store{client: client, bucket: cfg.S3Bucket}, nil
	case "local", "":
		return &localStore{baseDir: cfg.ResultDir()}, nil
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

type localStore struct {
	baseDir string
}

func (l *localStore) Save(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	key = sanitizeKey(key)
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return key, nil
}

func (l *localStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(l.baseDir, filepath.FromSlash(sanitizeKey(key))))
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

func (l *localStore) RemovePrefix(_ context.Context, prefix string) error {
	prefix = sanitizeKey(prefix)
	if prefix == "" || prefix == "." {
		return fmt.Errorf("refusing to remove empty prefix")
	}
	if err := os.RemoveAll(filepath.Join(l.baseDir, filepath.FromSlash(prefix))); err != nil {
		return fmt.Errorf("remove artifacts: %w", err)
	}
	return nil
}

type s3Store struct {
	client *s3.Client
	bucket string
}

func (s *s3Store) Save(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

func (s *s3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(sanitizeKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

func (s *s3Store) RemovePrefix(ctx context.Context, prefix string) error {
	prefix = sanitizeKey(prefix)
	if prefix == "" || prefix == "." {
		return fmt.Errorf("refusing to remove empty prefix")
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				return fmt.Errorf("delete object: %w", err)
			}
		}
	}
	return nil
}
