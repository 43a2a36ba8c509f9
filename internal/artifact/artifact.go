// Package artifact persists generated drafts outside the job record.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores an artifact body under key and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// S3Config describes an S3-compatible bucket.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// New picks S3 when a bucket is configured, otherwise a local directory.
func New(ctx context.Context, dir string, s3cfg S3Config) (Uploader, error) {
	if s3cfg.Bucket != "" {
		client, err := newS3Client(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		return &S3Uploader{client: client, bucket: s3cfg.Bucket}, nil
	}
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "governance-artifacts")
	}
	return &LocalUploader{BaseDir: dir}, nil
}

// AttemptKey is where the draft of one generation attempt lives.
func AttemptKey(jobID string, attempt int) string {
	return SanitizeKey(path.Join("jobs", jobID, fmt.Sprintf("attempt-%d.html", attempt)))
}

// SanitizeKey cleans key and strips leading separators and parent references.
func SanitizeKey(key string) string {
	key = path.Clean("/" + filepath.ToSlash(key))
	return strings.TrimPrefix(key, "/")
}

func newS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// LocalUploader writes artifacts below BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = SanitizeKey(key)
	if key == "" || key == "." {
		return "", errors.New("empty artifact key")
	}
	p := filepath.Join(l.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

// S3Uploader writes artifacts to a bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = SanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
