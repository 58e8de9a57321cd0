package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/pkg/errors"
)

// S3Options holds S3 connection configuration
type S3Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Endpoint        string // For S3-compatible services
	UsePathStyle    bool   // For S3-compatible services
	Profile         string // AWS profile name
}

// s3API is the subset of the S3 client used for ranged reads.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Fetcher reads object ranges from s3://bucket/key URLs.
type S3Fetcher struct {
	client s3API
	log    logrus.FieldLogger
}

// NewS3Fetcher loads AWS configuration and creates an S3 client.
func NewS3Fetcher(ctx context.Context, opts S3Options, log logrus.FieldLogger) (*S3Fetcher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	var (
		awsConfig aws.Config
		err       error
	)

	switch {
	case opts.Profile != "":
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(opts.Region),
			config.WithSharedConfigProfile(opts.Profile),
		)
	case opts.AccessKeyID != "" && opts.SecretAccessKey != "":
		creds := credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(opts.Region),
			config.WithCredentialsProvider(creds),
		)
	default:
		awsConfig, err = config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return &S3Fetcher{client: client, log: log.WithField("component", "fetch.s3")}, nil
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", errors.WrapErrorWithURL(err, errors.CodeInvalidURL, "invalid S3 URL", rawURL)
	}

	if u.Scheme != "s3" {
		return "", "", errors.NewValidationError("url", "scheme must be s3, got "+u.Scheme)
	}

	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", errors.NewValidationError("url", "S3 URL needs both bucket and key")
	}

	return bucket, key, nil
}

// Probe returns the object size from HeadObject.
func (f *S3Fetcher) Probe(ctx context.Context, rawURL string) (int64, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return -1, err
	}

	out, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return -1, errors.WrapErrorWithURL(err, errors.CodeNetworkError, "head object", rawURL)
	}

	if out.ContentLength == nil {
		return -1, nil
	}

	return *out.ContentLength, nil
}

// Fetch reads [start, end] with a ranged GetObject.
func (f *S3Fetcher) Fetch(ctx context.Context, rawURL string, start, end int64) ([]byte, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, err
	}

	rangeHeader := fmt.Sprintf("bytes=%d-", start)
	if end >= 0 {
		rangeHeader = fmt.Sprintf("bytes=%d-%d", start, end)
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WrapErrorWithURL(ctx.Err(), errors.CodeCancelled, "get object aborted", rawURL)
		}
		return nil, errors.WrapErrorWithURL(err, errors.CodeNetworkError, "get object range", rawURL)
	}
	defer func() {
		if err := out.Body.Close(); err != nil {
			f.log.WithError(err).Debug("closing S3 body")
		}
	}()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.WrapErrorWithURL(err, errors.CodeNetworkError, "reading object range", rawURL)
	}

	if err := checkLength(rawURL, data, start, end); err != nil {
		return nil, err
	}

	return data, nil
}
