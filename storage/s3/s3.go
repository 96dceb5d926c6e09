// Package s3 implements messaging.BlobStore on Amazon S3 and S3-compatible
// services. A container is a bucket and a blob name is an object key.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/glimte/mmate-largemsg/messaging"
)

// Config options for the S3 store
type Config struct {
	Region          string // AWS region
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	Endpoint        string // Optional custom endpoint for S3-compatible services
	UsePathStyle    bool   // Use path-style addressing
	Prefix          string // Key prefix applied to every blob name

	// Server-side encryption options
	EnableSSE    bool   // Enable server-side encryption
	SSEAlgorithm string // SSE algorithm (AES256 or aws:kms)
	SSEKMSKeyID  string // Optional KMS key ID for aws:kms algorithm

	// CreateBuckets creates a bucket the first time EnsureBucket sees it missing
	CreateBuckets bool
}

// API is the subset of the S3 client the store calls
type API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Presigner generates time-limited GET URLs
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store is an S3 implementation of messaging.BlobStore
type Store struct {
	client    API
	presigner Presigner
	uploader  *manager.Uploader
	config    Config
	logger    *slog.Logger
}

// Option configures the Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New loads AWS configuration and creates a store
func New(ctx context.Context, config Config, options ...Option) (*Store, error) {
	if config.Region == "" {
		config.Region = "us-east-1"
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if config.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.UsePathStyle
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Options...)
	return NewWithClient(client, s3.NewPresignClient(client), config, options...), nil
}

// NewWithClient creates a store over an existing client
func NewWithClient(client API, presigner Presigner, config Config, options ...Option) *Store {
	s := &Store{
		client:    client,
		presigner: presigner,
		uploader:  manager.NewUploader(client),
		config:    config,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) key(name string) string {
	return s.config.Prefix + name
}

func (s *Store) name(key string) string {
	return strings.TrimPrefix(key, s.config.Prefix)
}

// EnsureBucket checks that bucket exists and, when CreateBuckets is set, creates it
func (s *Store) EnsureBucket(ctx context.Context, bucket string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) && !hasErrorCode(err, "NoSuchBucket", "BadRequest") {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if !s.config.CreateBuckets {
		return fmt.Errorf("bucket %s does not exist", bucket)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if s.config.Region != "" && s.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.config.Region),
		}
	}

	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		if hasErrorCode(err, "BucketAlreadyExists", "BucketAlreadyOwnedByYou") {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}

	s.logger.Info("bucket created", "bucket", bucket)
	return nil
}

// CheckContainer reports whether bucket is reachable with a single HeadBucket
func (s *Store) CheckContainer(ctx context.Context, bucket string) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	return nil
}

// Put implements messaging.BlobStore
func (s *Store) Put(ctx context.Context, container, name string, data []byte, contentType string, metadata map[string]string) (contracts.BlobPointer, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(container),
		Key:           aws.String(s.key(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      metadata,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if s.config.EnableSSE {
		switch s.config.SSEAlgorithm {
		case "AES256":
			input.ServerSideEncryption = types.ServerSideEncryptionAes256
		case "aws:kms":
			input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
			if s.config.SSEKMSKeyID != "" {
				input.SSEKMSKeyId = aws.String(s.config.SSEKMSKeyID)
			}
		}
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return contracts.BlobPointer{}, fmt.Errorf("failed to upload to S3: %w", err)
	}

	return contracts.NewBlobPointer(container, name), nil
}

// Get implements messaging.BlobStore
func (s *Store) Get(ctx context.Context, pointer contracts.BlobPointer) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(pointer.ContainerName),
		Key:    aws.String(s.key(pointer.BlobName)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", pointer, messaging.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return data, nil
}

// Delete implements messaging.BlobStore. S3 reports success for missing keys.
func (s *Store) Delete(ctx context.Context, pointer contracts.BlobPointer) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(pointer.ContainerName),
		Key:    aws.String(s.key(pointer.BlobName)),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", pointer, messaging.ErrBlobNotFound)
		}
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// List implements messaging.BlobStore
func (s *Store) List(ctx context.Context, container string) ([]messaging.BlobInfo, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(container)}
	if s.config.Prefix != "" {
		input.Prefix = aws.String(s.config.Prefix)
	}

	var blobs []messaging.BlobInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			info := messaging.BlobInfo{
				Pointer: contracts.NewBlobPointer(container, s.name(aws.ToString(obj.Key))),
				Size:    aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			blobs = append(blobs, info)
		}
	}
	return blobs, nil
}

// Metadata implements messaging.BlobStore. S3 returns metadata keys in lower case.
func (s *Store) Metadata(ctx context.Context, pointer contracts.BlobPointer) (map[string]string, error) {
	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(pointer.ContainerName),
		Key:    aws.String(s.key(pointer.BlobName)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", pointer, messaging.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("failed to get object metadata: %w", err)
	}

	metadata := make(map[string]string, len(result.Metadata))
	for k, v := range result.Metadata {
		metadata[k] = v
	}
	return metadata, nil
}

// ReadURI implements messaging.BlobStore with a presigned GET URL
func (s *Store) ReadURI(ctx context.Context, pointer contracts.BlobPointer, ttl time.Duration) (string, error) {
	result, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(pointer.ContainerName),
		Key:    aws.String(s.key(pointer.BlobName)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned read URL: %w", err)
	}
	return result.URL, nil
}

// isNotFound handles the typed errors and the bare codes some S3-compatible services send
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	return hasErrorCode(err, "NoSuchKey", "NotFound", "404")
}

func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}
