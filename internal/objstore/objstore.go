// Package objstore uploads original documents to S3-compatible storage.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
)

// Uploader stores an object and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Config holds S3 connection settings.
type Config struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Endpoint  string
	CDNURL    string
	PathStyle bool
}

// Enabled reports whether enough settings are present to build a client.
func (c Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// S3 uploads to an S3-compatible bucket.
type S3 struct {
	client *s3.S3
	cfg    Config
}

// NewS3 creates an S3 uploader.
func NewS3(cfg Config) (*S3, error) {
	awsCfg := &aws.Config{
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.PathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create S3 session: %w", err)
	}
	return &S3{client: s3.New(sess), cfg: cfg}, nil
}

// Upload puts the object with a public-read ACL.
func (s *S3) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ACL:         aws.String(s3.ObjectCannedACLPublicRead),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return s.PublicURL(key), nil
}

// PublicURL returns the CDN URL when configured, otherwise the bucket URL.
func (s *S3) PublicURL(key string) string {
	if s.cfg.CDNURL != "" {
		return strings.TrimRight(s.cfg.CDNURL, "/") + "/" + key
	}
	endpoint := s.cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://s3.%s.amazonaws.com", s.cfg.Region)
	}
	scheme, host, ok := strings.Cut(endpoint, "://")
	if !ok {
		scheme, host = "https", endpoint
	}
	if s.cfg.PathStyle {
		return fmt.Sprintf("%s://%s/%s/%s", scheme, host, s.cfg.Bucket, key)
	}
	return fmt.Sprintf("%s://%s.%s/%s", scheme, s.cfg.Bucket, host, key)
}

// Noop is used when storage is not configured; it stores nothing.
type Noop struct{}

// Upload returns an empty URL.
func (Noop) Upload(context.Context, string, []byte, string) (string, error) { return "", nil }

// ObjectKey builds a unique key such as "papers/<uuid>.pdf".
func ObjectKey(prefix, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".pdf"
	}
	return path.Join(prefix, uuid.NewString()+ext)
}
