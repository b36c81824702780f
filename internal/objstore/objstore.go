// Package objstore serves the object resource kind from S3-compatible storage.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/schaermu/hostedit/internal/remote"
	"github.com/schaermu/hostedit/internal/resource"
)

// Config describes one bucket profile.
type Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	AccessKeyID  string
	SecretKey    string
	UsePathStyle bool
	HTTPClient   *http.Client
}

// Client reads and writes objects in one bucket.
type Client struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewClient creates an S3 client for cfg. Without static keys the default
// AWS credential chain (environment, shared config, instance roles) is used.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	configure := func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		if cfg.Region != "" {
			o.Region = cfg.Region
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
	}

	var client *s3.Client
	if cfg.AccessKeyID != "" {
		opts := s3.Options{
			Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		}
		configure(&opts)
		client = s3.New(opts)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		client = s3.NewFromConfig(awsCfg, configure)
	}

	return &Client{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// buildKey constructs the full object key with prefix
func (c *Client) buildKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return path.Join(c.prefix, key)
}

// GetContents downloads an object into opts.File. Objects carry no text
// conversion, so Binary and Encoding have no effect.
func (c *Client) GetContents(ctx context.Context, key string, opts remote.GetOptions) (*remote.Response, error) {
	if opts.File == "" {
		return nil, fmt.Errorf("get contents: destination file is required")
	}
	ctx, cancel := withResponseTimeout(ctx, opts.ResponseTimeout)
	defer cancel()

	fullKey := c.buildKey(key)
	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", fullKey, classify(err))
	}
	defer func() {
		_ = result.Body.Close()
	}()

	if err := remote.WriteFileAtomic(opts.File, result.Body, 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", opts.File, err)
	}

	out := &remote.Response{}
	if opts.ReturnEtag {
		out.Etag = aws.ToString(result.ETag)
	}
	return out, nil
}

// PutContents uploads opts.File, conditional on opts.Etag when set.
func (c *Client) PutContents(ctx context.Context, key string, opts remote.PutOptions) (*remote.Response, error) {
	ctx, cancel := withResponseTimeout(ctx, opts.ResponseTimeout)
	defer cancel()

	f, err := os.Open(opts.File)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload source: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	fullKey := c.buildKey(key)
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(fullKey),
		Body:   f,
	}
	if opts.Etag != "" {
		input.IfMatch = aws.String(opts.Etag)
	}

	result, err := c.client.PutObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", fullKey, classify(err))
	}
	return &remote.Response{Etag: aws.ToString(result.ETag)}, nil
}

func withResponseTimeout(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	if seconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
}

// classify attaches a category to S3 API errors while keeping the SDK error
// in the chain.
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	var category resource.Category
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		category = resource.CategoryNotFound
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		category = resource.CategoryAuth
	case "PreconditionFailed", "ConditionalRequestConflict":
		category = resource.CategoryConflict
	default:
		return err
	}
	return &categorizedError{category: category, err: err}
}

type categorizedError struct {
	category resource.Category
	err      error
}

func (e *categorizedError) Error() string               { return e.err.Error() }
func (e *categorizedError) Unwrap() error               { return e.err }
func (e *categorizedError) Category() resource.Category { return e.category }
