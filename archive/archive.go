// Package archive durably stores execution artifacts in S3.
//
// The dispatcher's boundary output is a page source string returned in
// memory; nothing requires retention of it past the call. Client.Put gives
// operators that retention when they want it, keyed by session and script so
// a later audit can retrieve exactly what a given execution produced.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config configures the S3 archive client.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not
	// subdomain). Required by most S3-compatible providers.
	UsePathStyle bool
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("archive: S3 bucket is required")
	}
	return nil
}

// Client uploads execution artifacts to a configured S3 bucket.
type Client struct {
	cfg Config
	s3  *s3.Client
}

// New creates an S3-backed archive client using the AWS SDK default
// credential chain (env vars, shared config, IAM role).
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Client{cfg: cfg, s3: s3.NewFromConfig(awsConfig, s3Opts...)}, nil
}

// Kind discriminates the artifact being archived, used as a path segment.
// Declared as an alias (not a distinct type) so callers that hold a kind as
// a plain string, such as the dispatcher's Archiver interface, satisfy
// Client's method set without importing this package.
type Kind = string

const (
	// KindPageSource archives the final page source of a completed execution.
	KindPageSource Kind = "page_source"
	// KindFailureContext archives the page source captured at the point an
	// assertion or command failed.
	KindFailureContext Kind = "failure_context"
)

// Put uploads an artifact body under
// <prefix>/<script_id>/<session_id>/<timestamp>-<kind>.html, and returns the
// resulting key.
func (c *Client) Put(ctx context.Context, scriptID, sessionID string, kind Kind, body []byte, at time.Time) (string, error) {
	key := c.key(scriptID, sessionID, kind, at)

	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/html; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}

	return key, nil
}

func (c *Client) key(scriptID, sessionID string, kind Kind, at time.Time) string {
	segments := []string{scriptID, sessionID, fmt.Sprintf("%d-%s.html", at.UTC().Unix(), kind)}
	if c.cfg.Prefix != "" {
		segments = append([]string{strings.TrimSuffix(c.cfg.Prefix, "/")}, segments...)
	}
	return strings.Join(segments, "/")
}
