// Package storage reads backup archives from S3 buckets.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/clonestick/clonestick/pkg/errors"
)

// DefaultRegion is used when the configuration names none.
const DefaultRegion = "us-east-1"

// ObjectAPI is the subset of the S3 API the client needs.
type ObjectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Location is a parsed s3://bucket/key reference.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string { return "s3://" + l.Bucket + "/" + l.Key }

// IsURI reports whether source uses the s3 scheme.
func IsURI(source string) bool {
	return strings.HasPrefix(source, "s3://")
}

// ParseURI splits an s3://bucket/key reference.
func ParseURI(source string) (Location, error) {
	if !IsURI(source) {
		return Location{}, errors.Validation(fmt.Sprintf("%s is not an s3:// reference", source), "use s3://bucket/key")
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(source, "s3://"), "/")
	if !ok || bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return Location{}, errors.Validation(fmt.Sprintf("%s does not name an object", source), "use s3://bucket/key")
	}
	return Location{Bucket: bucket, Key: key}, nil
}

// Client provides S3 storage operations
type Client struct {
	api ObjectAPI
}

// NewClient creates a new S3 client for anonymous access
func NewClient(ctx context.Context, region string) (*Client, error) {
	if region == "" {
		region = DefaultRegion
	}
	slog.Info("s3_client_init", "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{api: s3.NewFromConfig(cfg)}, nil
}

// NewClientWithAPI wraps an existing API implementation.
func NewClientWithAPI(api ObjectAPI) *Client {
	return &Client{api: api}
}

// Size returns the object's content length, or 0 when unknown.
func (c *Client) Size(ctx context.Context, loc Location) (uint64, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		slog.Error("s3_head_object_failed", "object", loc.String(), "error", err)
		return 0, errors.Classify(errors.KindEnvironment, err, "cannot stat "+loc.String(),
			"check the bucket and key, and that the object is publicly readable")
	}
	if out.ContentLength == nil || *out.ContentLength < 0 {
		return 0, nil
	}
	return uint64(*out.ContentLength), nil
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Download streams an object to localPath and computes its SHA256.
func (c *Client) Download(ctx context.Context, loc Location, localPath string) (*DownloadResult, error) {
	slog.Info("s3_download_start", "bucket", loc.Bucket, "s3_key", loc.Key)

	result, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Cancelled("download interrupted", ctx.Err())
		}
		slog.Error("s3_get_object_failed", "s3_key", loc.Key, "error", err)
		return nil, errors.Transient("failed to get "+loc.String(), "check connectivity and run again", err)
	}
	defer result.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), result.Body)
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", loc.Key, "error", err)
		if ctx.Err() != nil {
			return nil, errors.Cancelled("download interrupted", ctx.Err())
		}
		return nil, errors.Transient("failed to download "+loc.String(), "check connectivity and run again", err)
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	slog.Info("s3_download_complete",
		"s3_key", loc.Key,
		"size_mb", size/1024/1024,
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)

	return &DownloadResult{
		LocalPath: localPath,
		SHA256:    checksum,
		Size:      size,
	}, nil
}
