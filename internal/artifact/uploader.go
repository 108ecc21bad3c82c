package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI is the part of the S3 client the uploader needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// UploaderConfig configures an S3-compatible bucket (R2, MinIO, AWS).
type UploaderConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	KeyPrefix       string
	PublicBaseURL   string
	AccessKeyID     string
	SecretAccessKey string
}

// Uploader stores processed images and returns their public URL.
type Uploader struct {
	client     PutObjectAPI
	bucket     string
	prefix     string
	publicBase string
	now        func() time.Time
}

// NewS3Uploader creates an uploader backed by an S3 client with static
// credentials and path-style addressing.
func NewS3Uploader(cfg UploaderConfig) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("storage credentials are required")
	}

	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return NewUploader(s3.New(opts), cfg), nil
}

// NewUploader wraps an existing client.
func NewUploader(client PutObjectAPI, cfg UploaderConfig) *Uploader {
	publicBase := cfg.PublicBaseURL
	if publicBase == "" && cfg.Endpoint != "" {
		publicBase = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	return &Uploader{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.KeyPrefix, "/"),
		publicBase: strings.TrimRight(publicBase, "/"),
		now:        time.Now,
	}
}

// Upload writes data under {prefix}/{userID}/{jobID}_{unixMilli}.{ext}.
func (u *Uploader) Upload(ctx context.Context, userID, jobID string, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("upload: empty body")
	}

	key := u.objectKey(userID, jobID, mimeType)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	return u.publicBase + "/" + key, nil
}

func (u *Uploader) objectKey(userID, jobID, mimeType string) string {
	name := fmt.Sprintf("%s/%s_%d.%s", userID, jobID, u.now().UnixMilli(), extensionFor(mimeType))
	if u.prefix == "" {
		return name
	}
	return u.prefix + "/" + name
}

func extensionFor(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "bin"
	}
}
