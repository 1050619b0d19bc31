package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Client is a thin wrapper around the AWS SDK v2 S3 client used to archive run reports.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
}

// NewClient builds a Client from a resolved AWS configuration. Path-style
// addressing is forced when an endpoint override is present so S3-compatible
// stores such as LocalStack or SeaweedFS work without DNS tricks.
func NewClient(cfg aws.Config) *Client {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = aws.ToString(cfg.BaseEndpoint) != ""
	})
	return &Client{
		api:     client,
		presign: s3.NewPresignClient(client),
	}
}

// PutJSON encodes v as indented JSON and uploads it to bucket/key with a
// SHA-256 checksum. It returns the hex digest of the uploaded body.
func (c *Client) PutJSON(ctx context.Context, bucket, key string, v any) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}
	if strings.TrimSpace(bucket) == "" || strings.TrimSpace(key) == "" {
		return "", errors.New("bucket and key are required")
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}

	sum := sha256.Sum256(data)
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	size := int64(len(data))

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &bucket,
		Key:               &key,
		Body:              bytes.NewReader(data),
		ContentLength:     &size,
		ContentType:       aws.String("application/json"),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata: map[string]string{
			"sha256": fmt.Sprintf("%x", sum),
		},
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sum), nil
}

// PresignGet generates a presigned GET URL for the provided key and TTL.
func (c *Client) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", err
	}

	return req.URL, nil
}
