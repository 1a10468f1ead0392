package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/custody-switch/interfaces"
)

// S3Config locates a bucket and prefix. Without static credentials the
// default AWS credential chain applies.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// PathStyle is required by most S3-compatible servers such as MinIO.
	PathStyle bool
}

// S3Backend stores content in Amazon S3 or a compatible service. Objects are
// private and encrypted at rest with SSE-S3.
type S3Backend struct {
	client      *s3.S3
	bucket      string
	prefix      string
	log         *slog.Logger
	locationURI string
}

func NewS3Backend(cfg S3Config, log *slog.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", interfaces.ErrInvalidArchiveLocation)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg := aws.NewConfig().WithRegion(cfg.Region).WithS3ForcePathStyle(cfg.PathStyle)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	uri := fmt.Sprintf("s3://%s/%s?region=%s", cfg.Bucket, cfg.Prefix, cfg.Region)
	if cfg.Endpoint != "" {
		uri += "&endpoint=" + cfg.Endpoint
	}

	return &S3Backend{
		client:      s3.New(sess),
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

func (b *S3Backend) Fetch(ctx context.Context, id interfaces.ContentID, kind interfaces.ArchiveKind) ([]byte, error) {
	start := time.Now()
	key := b.objectKey(id, kind)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to get object from S3",
			slog.String("bucket", b.bucket),
			slog.String("key", key),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	if interfaces.ComputeID(data) != id {
		return nil, fmt.Errorf("%w: content hash mismatch", interfaces.ErrIntegrity)
	}

	b.log.Debug("Fetched content from S3",
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

func (b *S3Backend) Store(ctx context.Context, data []byte, kind interfaces.ArchiveKind) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	key := b.objectKey(id, kind)

	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(b.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ACL:                  aws.String(s3.ObjectCannedACLPrivate),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
		ContentType:          aws.String("application/octet-stream"),
	})
	if err != nil {
		return id, fmt.Errorf("%w: failed to upload object: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored content in S3", slog.String("key", key))
	return id, nil
}

func (b *S3Backend) Delete(ctx context.Context, id interfaces.ContentID, kind interfaces.ArchiveKind) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(id, kind)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("%w: failed to delete object: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (b *S3Backend) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		b.log.Warn("S3 backend unavailable", slog.String("bucket", b.bucket), "err", err)
		return false
	}
	return true
}

func (b *S3Backend) Name() string {
	return "s3-" + b.bucket
}

func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

// objectKey lays objects out as <prefix>/<content type>/<hex id>.
func (b *S3Backend) objectKey(id interfaces.ContentID, kind interfaces.ArchiveKind) string {
	return path.Join(b.prefix, kind.String(), id.String())
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
