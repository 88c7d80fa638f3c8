package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vespid-ai/gateway/internal/common/config"
)

// ErrS3NotConfigured is surfaced to dispatches that need snapshot URLs when
// no bucket has been configured.
var ErrS3NotConfigured = errors.New("workspace: s3 not configured")

// Presigner signs time-limited download/upload URLs for workspace snapshot
// objects. Signing is local; no request leaves the process until an executor
// uses the URL.
type Presigner struct {
	presign *s3.PresignClient
	bucket  string
	expires time.Duration
}

// NewPresigner builds a presigner for the configured bucket. It returns
// (nil, nil) when no bucket is configured so callers can wire the coordinator
// unconditionally and fail per-dispatch instead.
func NewPresigner(ctx context.Context, cfg config.WorkspaceConfig) (*Presigner, error) {
	if !cfg.S3Configured() {
		return nil, nil
	}

	region := strings.TrimSpace(cfg.S3Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.S3Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.S3UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Presigner{
		presign: s3.NewPresignClient(client),
		bucket:  cfg.S3Bucket,
		expires: cfg.PresignExpires(),
	}, nil
}

// PresignDownload signs a GET for an existing snapshot object.
func (p *Presigner) PresignDownload(ctx context.Context, objectKey string) (string, error) {
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(p.expires))
	if err != nil {
		return "", fmt.Errorf("presign download %s: %w", objectKey, err)
	}
	return req.URL, nil
}

// PresignUpload signs a PUT for the next snapshot object.
func (p *Presigner) PresignUpload(ctx context.Context, objectKey string) (string, error) {
	req, err := p.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(p.expires))
	if err != nil {
		return "", fmt.Errorf("presign upload %s: %w", objectKey, err)
	}
	return req.URL, nil
}
