package sink

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
)

const gzipContentType = "application/gzip"

// PutObjectAPI is the subset of the S3 client used by S3Sink.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes blobs as objects in an S3 (or S3-compatible) bucket.
// PutObject is atomic, so a failed write never exposes a partial object.
type S3Sink struct {
	client  PutObjectAPI
	bucket  string
	prefix  string
	logger  *slog.Logger
	metrics *Metrics
}

// S3SinkOption configures an S3Sink.
type S3SinkOption func(*S3Sink)

// WithS3Client sets the S3 client.
func WithS3Client(client PutObjectAPI) S3SinkOption {
	return func(s *S3Sink) {
		s.client = client
	}
}

// WithS3Bucket sets the destination bucket.
func WithS3Bucket(bucket string) S3SinkOption {
	return func(s *S3Sink) {
		s.bucket = bucket
	}
}

// WithS3Prefix sets a key prefix prepended to every object name.
func WithS3Prefix(prefix string) S3SinkOption {
	return func(s *S3Sink) {
		s.prefix = strings.Trim(prefix, "/")
	}
}

// WithS3Logger sets the logger.
func WithS3Logger(logger *slog.Logger) S3SinkOption {
	return func(s *S3Sink) {
		s.logger = logger
	}
}

// WithS3Metrics sets the metrics.
func WithS3Metrics(metrics *Metrics) S3SinkOption {
	return func(s *S3Sink) {
		s.metrics = metrics
	}
}

// NewS3Sink creates a new S3Sink with the given options.
// The client and bucket must be configured via WithS3Client and WithS3Bucket.
func NewS3Sink(opts ...S3SinkOption) (*S3Sink, error) {
	s := &S3Sink{
		metrics: NewMetrics(nil), // Always set, unregistered by default
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		return nil, fmt.Errorf("s3 client is required: use WithS3Client")
	}
	if s.bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required: use WithS3Bucket")
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return s, nil
}

// Put uploads data under name, below the configured prefix.
func (s *S3Sink) Put(ctx context.Context, name string, data []byte) error {
	key := s.objectKey(name)
	contentMD5 := computeMD5(data)

	timer := prometheus.NewTimer(s.metrics.PutDuration)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentMD5:    aws.String(contentMD5),
		ContentType:   aws.String(gzipContentType),
	})
	if err != nil {
		s.metrics.PutErrors.Inc()
		return fmt.Errorf("error putting s3 object %s/%s: %w", s.bucket, key, err)
	}
	timer.ObserveDuration()

	s.metrics.Puts.Inc()
	s.metrics.BytesWritten.Add(float64(len(data)))

	s.logger.Debug("wrote object to s3", "bucket", s.bucket, "key", key, "bytes", len(data))
	return nil
}

func (s *S3Sink) objectKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// computeMD5 returns the base64-encoded MD5 digest S3 expects in Content-MD5.
func computeMD5(data []byte) string {
	hash := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(hash[:])
}

// S3ClientConfig holds what is needed to build an S3 client from static credentials.
type S3ClientConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Endpoint overrides the S3 endpoint, e.g. for MinIO. Path-style
	// addressing is used when set.
	Endpoint string
}

// NewS3Client creates an S3 client using static credentials.
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*s3.Client, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.Endpoint == "" {
		return s3.NewFromConfig(awsCfg), nil
	}
	endpoint := cfg.Endpoint
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = &endpoint
		o.UsePathStyle = true // Required for MinIO and similar services
	}), nil
}
