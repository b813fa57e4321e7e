// Package cloudtest backs the cloudintegration test suites with a local
// moto server, so checkpoint-store and dataset-listing behavior can be
// exercised against a real S3 API without AWS credentials.
//
// Tests importing this package carry the cloudintegration build tag and
// start by skipping when no server is up:
//
//	cloudtest.SkipIfUnavailable(t)
//	bucket := cloudtest.CreateBucket(t, ctx)
//	cloudtest.PutObjects(t, ctx, bucket, []string{"train/shard-000.tfrecord"})
package cloudtest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	// DefaultEndpoint is where make moto-start listens. Port 5555 stays
	// clear of macOS AirTunes on 5000.
	DefaultEndpoint = "http://localhost:5555"

	// DefaultRegion is the region test buckets are created in.
	DefaultRegion = "us-east-1"

	// TestAccessKeyID is accepted by moto as any non-empty key.
	TestAccessKeyID = "testing"

	// TestSecretAccessKey pairs with TestAccessKeyID.
	TestSecretAccessKey = "testing"
)

var (
	// Endpoint is the moto endpoint, overridable via MOTO_ENDPOINT.
	Endpoint = envOr("MOTO_ENDPOINT", DefaultEndpoint)

	// Region is the test region, overridable via MOTO_REGION.
	Region = envOr("MOTO_REGION", DefaultRegion)

	client     *s3.Client
	clientOnce sync.Once
	clientErr  error
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// SkipIfUnavailable skips the test when no moto server answers at Endpoint.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !available() {
		t.Skipf("moto server not available at %s (start with: make moto-start)", Endpoint)
	}
}

func available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// ClientT returns the shared S3 client, failing the test when the AWS config
// cannot be assembled.
func ClientT(t *testing.T) *s3.Client {
	t.Helper()

	clientOnce.Do(func() {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				TestAccessKeyID, TestSecretAccessKey, "")),
		)
		if err != nil {
			clientErr = fmt.Errorf("load config: %w", err)
			return
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		})
	})
	if clientErr != nil {
		t.Fatalf("create S3 client: %v", clientErr)
	}
	return client
}

// CreateBucket creates a bucket named after the test and registers cleanup
// that empties and removes it.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()

	c := ClientT(t)

	name := strings.ToLower(t.Name())
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, "_", "-")
	if len(name) > 50 {
		// Bucket names cap at 63 characters; leave room for the suffix.
		name = name[:50]
	}
	name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)

	_, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)})
	if err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}

	t.Cleanup(func() { deleteBucket(t, context.Background(), name) })
	return name
}

func deleteBucket(t *testing.T, ctx context.Context, bucket string) {
	t.Helper()

	c := ClientT(t)

	paginator := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			t.Logf("warning: list objects in %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			_, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    obj.Key,
			})
			if err != nil {
				t.Logf("warning: delete object %s: %v", *obj.Key, err)
			}
		}
	}

	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("warning: delete bucket %s: %v", bucket, err)
	}
}

// PutObject writes one object, for seeding checkpoint or dataset fixtures.
func PutObject(t *testing.T, ctx context.Context, bucket, key string, content []byte) {
	t.Helper()

	c := ClientT(t)
	_, err := c.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(string(content)),
	})
	if err != nil {
		t.Fatalf("put object %s/%s: %v", bucket, key, err)
	}
}

// PutObjects seeds a dataset layout: one small object per key.
func PutObjects(t *testing.T, ctx context.Context, bucket string, keys []string) {
	t.Helper()
	for _, key := range keys {
		PutObject(t, ctx, bucket, key, []byte("sample content for "+key))
	}
}

// PutBucketPolicy applies a policy, for access-denied preflight scenarios.
func PutBucketPolicy(t *testing.T, ctx context.Context, bucket, policyJSON string) {
	t.Helper()

	c := ClientT(t)
	_, err := c.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(bucket),
		Policy: aws.String(policyJSON),
	})
	if err != nil {
		t.Fatalf("put bucket policy for %s: %v", bucket, err)
	}
}
