// Package s3 finalizes uploads into an S3 (or S3-compatible) bucket.
// The blob carries the measurement bytes; the metadata document goes to
// the Mongo metadata collection, whose unique index is the durable
// backstop for the one-object-per-measurement rule.
package s3

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/velotrace/collector/internal/logger"
	"github.com/velotrace/collector/pkg/model"
	"github.com/velotrace/collector/pkg/storage"
	"github.com/velotrace/collector/pkg/storage/metastore"
)

// minPartSize is the S3 minimum for all but the last multipart part.
const minPartSize = 5 * 1024 * 1024

// Config holds the bucket coordinates and client credentials.
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	KeyPrefix       string
	// PartSize for multipart uploads. Uploads smaller than this go up
	// in a single PutObject call. Minimum 5MiB.
	PartSize int64
	// ForcePathStyle is needed for most S3-compatible endpoints.
	ForcePathStyle bool
}

// NewClient builds an S3 client from configuration parameters.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return client, nil
}

// Backend stores finalized uploads as S3 objects plus metadata records.
type Backend struct {
	client    *s3.Client
	meta      *metastore.Store
	bucket    string
	keyPrefix string
	partSize  int64
}

// New verifies bucket access and prepares the metadata indexes.
func New(ctx context.Context, client *s3.Client, meta *metastore.Store, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	partSize := cfg.PartSize
	if partSize == 0 {
		partSize = minPartSize
	}
	if partSize < minPartSize {
		return nil, fmt.Errorf("part size must be at least 5MiB, got %d bytes", partSize)
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("accessing bucket %q: %w", cfg.Bucket, err)
	}
	if err := meta.EnsureIndexes(ctx); err != nil {
		return nil, err
	}

	return &Backend{
		client:    client,
		meta:      meta,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		partSize:  partSize,
	}, nil
}

// objectKey derives the blob key from the uniqueness tuple so the
// bucket layout is human-readable.
func (b *Backend) objectKey(meta metastore.ObjectMetadata) string {
	return fmt.Sprintf("%s%s/%d/%s", b.keyPrefix, meta.DeviceID, meta.MeasurementID, meta.FileType)
}

// Finalize streams the temp file into the bucket, then inserts the
// metadata document. When the insert hits the uniqueness index the blob
// is rolled back so a lost race leaves no orphan object.
func (b *Backend) Finalize(ctx context.Context, tempPath string, size int64, meta storage.UploadMetadata) error {
	doc := metastore.Document{
		Metadata:    metastore.NewObjectMetadata(meta),
		UserID:      meta.UserID,
		Username:    meta.Username,
		CompletedAt: time.Now().UTC(),
		ByteSize:    size,
	}
	key := b.objectKey(doc.Metadata)
	doc.Location = key

	f, err := os.Open(tempPath)
	if err != nil {
		return fmt.Errorf("opening temp file for %s: %w", meta.ID, err)
	}
	defer f.Close()

	if size < b.partSize {
		if err := b.putObject(ctx, key, f, size); err != nil {
			return err
		}
	} else {
		if err := b.multipartUpload(ctx, key, f, size); err != nil {
			return err
		}
	}

	if err := b.meta.Insert(ctx, doc); err != nil {
		if delErr := b.deleteObject(ctx, key); delErr != nil {
			logger.Warn("rolling back blob after metadata failure", "key", key, "error", delErr)
		}
		return err
	}

	logger.Info("upload finalized",
		"upload", meta.ID, "bucket", b.bucket, "key", key, "bytes", size)
	return nil
}

func (b *Backend) putObject(ctx context.Context, key string, f *os.File, size int64) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("putting object %s: %w", key, err)
	}
	return nil
}

// multipartUpload streams the file in partSize slices. Parts go up
// sequentially; the source is a local file, so parallelism would only
// contend on disk.
func (b *Backend) multipartUpload(ctx context.Context, key string, f *os.File, size int64) error {
	created, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("creating multipart upload for %s: %w", key, err)
	}
	uploadID := created.UploadId

	abort := func() {
		_, abortErr := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(b.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
		if abortErr != nil {
			logger.Warn("aborting multipart upload failed", "key", key, "error", abortErr)
		}
	}

	var completed []types.CompletedPart
	var offset int64
	for partNumber := int32(1); offset < size; partNumber++ {
		partLen := b.partSize
		if remaining := size - offset; remaining < partLen {
			partLen = remaining
		}

		part, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNumber),
			Body:          io.NewSectionReader(f, offset, partLen),
			ContentLength: aws.Int64(partLen),
		})
		if err != nil {
			abort()
			return fmt.Errorf("uploading part %d of %s: %w", partNumber, key, err)
		}

		completed = append(completed, types.CompletedPart{
			ETag:       part.ETag,
			PartNumber: aws.Int32(partNumber),
		})
		offset += partLen
	}

	_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		abort()
		return fmt.Errorf("completing multipart upload for %s: %w", key, err)
	}
	return nil
}

func (b *Backend) deleteObject(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	return err
}

// IsStored answers the dedup query from the metadata collection.
func (b *Backend) IsStored(ctx context.Context, deviceID string, measurementID uint64, fileType model.FileType) (bool, error) {
	n, err := b.meta.Count(ctx, deviceID, measurementID, fileType)
	if err != nil {
		return false, err
	}
	switch {
	case n == 0:
		return false, nil
	case n == 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: device %s measurement %d type %s matched %d objects",
			storage.ErrDuplicatesInDatabase, deviceID, measurementID, fileType, n)
	}
}
