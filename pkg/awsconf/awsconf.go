package awsconf

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
)

const (
	defaultRegion      = "us-east-1"
	defaultSessionName = "appctl"
	defaultHTTPTimeout = 30 * time.Second
)

// Options controls how the shared AWS configuration is resolved.
//
// Region falls back to us-east-1. Endpoint overrides every service endpoint
// (useful against LocalStack). When AccessKey and SecretKey are both set they
// replace the default credential chain. AssumeRoleARN, when set, wraps the
// resolved credentials in an STS assume-role provider.
type Options struct {
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	AssumeRoleARN string
	SessionName   string
	HTTPTimeout   time.Duration
}

// Load resolves an aws.Config for the EC2, SSM and S3 clients used by appctl.
// SDK calls are traced through otelaws middleware. The HTTP client stays a
// BuildableClient so the SDK can still apply AWS_CA_BUNDLE / ca_bundle.
func Load(ctx context.Context, opts Options) (aws.Config, error) {
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = defaultRegion
	}
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	loaders := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(timeout)),
	}

	accessKey := strings.TrimSpace(opts.AccessKey)
	secretKey := strings.TrimSpace(opts.SecretKey)
	switch {
	case accessKey != "" && secretKey != "":
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	case accessKey != "" || secretKey != "":
		return aws.Config{}, errors.New("awsconf: access key and secret key must be set together")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("awsconf: load default config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
		cfg.BaseEndpoint = aws.String(normalizeEndpoint(endpoint))
	}

	if roleARN := strings.TrimSpace(opts.AssumeRoleARN); roleARN != "" {
		sessionName := strings.TrimSpace(opts.SessionName)
		if sessionName == "" {
			sessionName = defaultSessionName
		}
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), roleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = sessionName
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return cfg, nil
}

// normalizeEndpoint adds an https scheme to bare host:port endpoints.
func normalizeEndpoint(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return "https://" + endpoint
}
