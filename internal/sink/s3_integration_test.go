package sink_test

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/malbeclabs/packet-writer/internal/sink"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
)

func TestSink_S3Sink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	minioContainer, err := minio.Run(ctx, "minio/minio:latest",
		minio.WithUsername("minioadmin"),
		minio.WithPassword("minioadmin"),
	)
	testcontainers.CleanupContainer(t, minioContainer)
	require.NoError(t, err)

	// Use 127.0.0.1 instead of localhost to avoid DNS resolution issues
	host, err := minioContainer.Host(ctx)
	require.NoError(t, err)
	if host == "localhost" {
		host = "127.0.0.1"
	}
	port, err := minioContainer.MappedPort(ctx, "9000")
	require.NoError(t, err)

	client, err := sink.NewS3Client(ctx, sink.S3ClientConfig{
		Region:          "us-east-1",
		AccessKeyID:     minioContainer.Username,
		SecretAccessKey: minioContainer.Password,
		Endpoint:        fmt.Sprintf("http://%s:%s", host, port.Port()),
	})
	require.NoError(t, err)

	bucket := "collector-messages"
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	require.NoError(t, err)

	s, err := sink.NewS3Sink(
		sink.WithS3Client(client),
		sink.WithS3Bucket(bucket),
		sink.WithS3Prefix("dev"),
		sink.WithS3Logger(log),
	)
	require.NoError(t, err)

	data, err := sink.EncodeNDJSONGzip([]map[string]any{{"data_collector_id": 999, "n": 1}, {"data_collector_id": 999, "n": 2}})
	require.NoError(t, err)

	name := sink.ObjectName("999", time.Date(2020, 2, 1, 10, 15, 0, 0, time.UTC))
	require.NoError(t, s.Put(ctx, name, data))

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String("dev/" + name),
	})
	require.NoError(t, err)
	defer out.Body.Close()

	got, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	require.Equal(t, data, got)
}
