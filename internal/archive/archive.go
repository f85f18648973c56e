package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"outreach-scheduler/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Options selects the archive backend. Bucket wins over Dir; with neither set
// archiving is disabled.
type Options struct {
	Dir string

	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	AccessKey string
	SecretKey string
}

// Archive stores a JSON copy of every dispatched message.
type Archive struct {
	up uploader
}

// New builds the archive for the configured backend. It returns nil, nil when
// archiving is not configured.
func New(ctx context.Context, opts Options) (*Archive, error) {
	switch {
	case opts.Bucket != "":
		client, err := newS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		return &Archive{up: &s3Uploader{client: client, bucket: opts.Bucket}}, nil
	case opts.Dir != "":
		return NewLocal(opts.Dir), nil
	}
	return nil, nil
}

// NewLocal archives into a directory tree on disk.
func NewLocal(dir string) *Archive {
	return &Archive{up: &localUploader{baseDir: dir}}
}

func newS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
}

// Key is the object key of an archived message: <owner>/<campaign>/<trackingId>.json.
func Key(m models.ArchivedMessage) string {
	return sanitizeSegment(m.OwnerID) + "/" + sanitizeSegment(m.CampaignID) + "/" + sanitizeSegment(m.TrackingID) + ".json"
}

// Put writes the message and returns its location (file path or s3:// URL).
func (a *Archive) Put(ctx context.Context, m models.ArchivedMessage) (string, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal archived message: %w", err)
	}
	return a.up.Upload(ctx, Key(m), body, "application/json")
}

func sanitizeSegment(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_").Replace(strings.TrimSpace(s))
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
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
