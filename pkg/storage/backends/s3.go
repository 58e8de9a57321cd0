package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/forest6511/offline/pkg/storage"
)

// s3API is the subset of the S3 client the backend uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3Backend stores payloads in AWS S3 or an S3-compatible service.
type S3Backend struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Backend creates an S3 backend; call Init before use.
func NewS3Backend() *S3Backend {
	return &S3Backend{}
}

// Init requires "bucket"; "prefix", "region", "profile", "accessKeyId",
// "secretAccessKey", "sessionToken", "endpoint" and "usePathStyle" are optional.
func (s3b *S3Backend) Init(config map[string]interface{}) error {
	bucket, ok := config["bucket"].(string)
	if !ok || bucket == "" {
		return fmt.Errorf("%w: bucket is required for S3 backend", storage.ErrInvalidConfig)
	}
	s3b.bucket = bucket

	if prefix, ok := config["prefix"].(string); ok {
		s3b.prefix = strings.TrimSuffix(prefix, "/")
	}

	if err := s3b.initClient(config); err != nil {
		return fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	return nil
}

func (s3b *S3Backend) initClient(config map[string]interface{}) error {
	ctx := context.Background()

	region, _ := config["region"].(string)
	if region == "" {
		region = "us-east-1"
	}

	var (
		awsConfig aws.Config
		err       error
	)

	if profile, ok := config["profile"].(string); ok && profile != "" {
		awsConfig, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithSharedConfigProfile(profile),
		)
	} else if accessKey, _ := config["accessKeyId"].(string); accessKey != "" {
		secretKey, _ := config["secretAccessKey"].(string)
		sessionToken, _ := config["sessionToken"].(string)

		creds := credentials.NewStaticCredentialsProvider(accessKey, secretKey, sessionToken)
		awsConfig, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(creds),
		)
	} else {
		awsConfig, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3b.client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if endpoint, ok := config["endpoint"].(string); ok && endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if usePathStyle, ok := config["usePathStyle"].(bool); ok {
			o.UsePathStyle = usePathStyle
		}
	})

	return nil
}

func (s3b *S3Backend) ready() error {
	if s3b.client == nil {
		return storage.ErrBackendNotReady
	}
	return nil
}

// isNotFound recognises both the typed NoSuchKey error and the bare 404
// HeadObject returns.
func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}

// Save uploads the payload.
func (s3b *S3Backend) Save(ctx context.Context, key string, data io.Reader) error {
	if err := s3b.ready(); err != nil {
		return err
	}
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	fullKey := s3b.buildKey(key)
	_, err := s3b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s3b.bucket),
		Key:    aws.String(fullKey),
		Body:   data,
	})
	if err != nil {
		return fmt.Errorf("failed to save object to S3 s3://%s/%s: %w", s3b.bucket, fullKey, err)
	}

	return nil
}

// Load streams the payload.
func (s3b *S3Backend) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := s3b.ready(); err != nil {
		return nil, err
	}

	fullKey := s3b.buildKey(key)
	out, err := s3b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s3b.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get object from S3 s3://%s/%s: %w", s3b.bucket, fullKey, err)
	}

	return out.Body, nil
}

// Delete removes the object. S3 deletes are idempotent, so existence is
// checked first to report ErrKeyNotFound.
func (s3b *S3Backend) Delete(ctx context.Context, key string) error {
	exists, err := s3b.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return storage.ErrKeyNotFound
	}

	fullKey := s3b.buildKey(key)
	_, err = s3b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s3b.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3 s3://%s/%s: %w", s3b.bucket, fullKey, err)
	}

	return nil
}

// Exists issues HeadObject.
func (s3b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	if err := s3b.ready(); err != nil {
		return false, err
	}

	fullKey := s3b.buildKey(key)
	_, err := s3b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s3b.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence in S3 s3://%s/%s: %w", s3b.bucket, fullKey, err)
	}

	return true, nil
}

// List pages through ListObjectsV2.
func (s3b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s3b.ready(); err != nil {
		return nil, err
	}

	paginator := s3.NewListObjectsV2Paginator(s3b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s3b.bucket),
		Prefix: aws.String(s3b.buildKey(prefix)),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in S3 bucket %s: %w", s3b.bucket, err)
		}

		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, s3b.stripPrefix(*obj.Key))
			}
		}
	}

	return keys, nil
}

// Close is a no-op; the SDK client holds no persistent connections to release.
func (s3b *S3Backend) Close() error {
	return nil
}

func (s3b *S3Backend) buildKey(key string) string {
	if s3b.prefix == "" {
		return key
	}
	return s3b.prefix + "/" + strings.TrimPrefix(key, "/")
}

func (s3b *S3Backend) stripPrefix(s3Key string) string {
	if s3b.prefix == "" {
		return s3Key
	}
	return strings.TrimPrefix(s3Key, s3b.prefix+"/")
}
