// Package s3 implements the S3-compatible storage provider. It is tuned for
// self-hosted endpoints (MinIO, SeaweedFS) as well as AWS proper.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/storage"
)

const maxPresignTTL = time.Hour

type Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

type Provider struct {
	name    string
	bucket  string
	api     *awss3.Client
	presign *awss3.PresignClient
	log     *logger.Logger
}

func New(ctx context.Context, name string, cfg Config, log *logger.Logger) (*Provider, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 provider %q: bucket required", name)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 2 * time.Minute}),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 provider %q: load config: %w", name, err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if ep := strings.TrimSpace(cfg.Endpoint); ep != "" {
			if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
				ep = "https://" + ep
			}
			o.BaseEndpoint = aws.String(ep)
		}
	})

	return &Provider{
		name:    name,
		bucket:  cfg.Bucket,
		api:     client,
		presign: awss3.NewPresignClient(client),
		log:     log.With("provider", name),
	}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Put(ctx context.Context, key string, r io.Reader, contentType string) (storage.StoredObject, error) {
	in := &awss3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := p.api.PutObject(ctx, in); err != nil {
		return storage.StoredObject{}, p.wrap("put", key, err)
	}
	head, err := p.api.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return storage.StoredObject{}, p.wrap("put", key, err)
	}
	return storage.StoredObject{Key: key, SizeBytes: aws.ToInt64(head.ContentLength)}, nil
}

func (p *Provider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := p.api.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, storage.NewNotFound(p.name, key)
		}
		return nil, p.wrap("get", key, err)
	}
	return out.Body, nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	_, err := p.api.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// DeleteObject on a missing key already succeeds; anything else
		// surfaces.
		return p.wrap("delete", key, err)
	}
	return nil
}

func (p *Provider) PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > maxPresignTTL {
		ttl = maxPresignTTL
	}
	req, err := p.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, func(opts *awss3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", p.wrap("presign", key, err)
	}
	return req.URL, nil
}

// wrap classifies S3 failures: throttling and 5xx API errors are transient,
// other API faults are permanent, bare transport errors retryable.
func (p *Provider) wrap(op, key string, err error) *storage.Error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return storage.NewTransient(p.name, op, key, err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return storage.NewTransient(p.name, op, key, err)
		}
		return storage.NewPermanent(p.name, op, key, err)
	}
	return storage.NewTransient(p.name, op, key, err)
}
