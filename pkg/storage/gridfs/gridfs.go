// Package gridfs finalizes uploads into a MongoDB GridFS bucket. Each
// stored object becomes an (fs.files, fs.chunks) pair; the declared
// upload metadata rides along in the files document, where a unique
// compound index enforces one object per
// (deviceId, measurementId, fileType).
package gridfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/velotrace/collector/internal/logger"
	"github.com/velotrace/collector/pkg/model"
	"github.com/velotrace/collector/pkg/storage"
	"github.com/velotrace/collector/pkg/storage/metastore"
)

const filesCollection = "fs.files"

// Backend stores finalized uploads in a GridFS bucket.
type Backend struct {
	db     *mongo.Database
	bucket *mongo.GridFSBucket
}

// New opens the bucket and creates the uniqueness index. Index creation
// is idempotent, so every startup runs it.
func New(ctx context.Context, db *mongo.Database) (*Backend, error) {
	b := &Backend{db: db, bucket: db.GridFSBucket()}
	if err := b.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) ensureIndexes(ctx context.Context) error {
	_, err := b.db.Collection(filesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "metadata.metadata.deviceId", Value: 1},
				{Key: "metadata.metadata.measurementId", Value: 1},
				{Key: "metadata.metadata.fileType", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("unique_measurement"),
		},
		{
			Keys:    bson.D{{Key: "metadata.userId", Value: 1}},
			Options: options.Index().SetName("by_user"),
		},
	})
	if err != nil {
		return fmt.Errorf("creating gridfs indexes: %w", err)
	}
	return nil
}

// Finalize streams the completed temp file into the bucket with the
// metadata document attached.
func (b *Backend) Finalize(ctx context.Context, tempPath string, size int64, meta storage.UploadMetadata) error {
	f, err := os.Open(tempPath)
	if err != nil {
		return fmt.Errorf("opening temp file for %s: %w", meta.ID, err)
	}
	defer f.Close()

	doc := metastore.Document{
		Metadata:    metastore.NewObjectMetadata(meta),
		UserID:      meta.UserID,
		Username:    meta.Username,
		CompletedAt: time.Now().UTC(),
		ByteSize:    size,
	}

	filename := fmt.Sprintf("%s_%d.%s", doc.Metadata.DeviceID, doc.Metadata.MeasurementID, doc.Metadata.FileType)
	stream, err := b.bucket.OpenUploadStream(ctx, filename, options.GridFSUpload().SetMetadata(doc))
	if err != nil {
		return fmt.Errorf("opening gridfs upload stream: %w", err)
	}

	if _, err := io.Copy(stream, f); err != nil {
		if abortErr := stream.Abort(); abortErr != nil {
			logger.Warn("aborting gridfs upload failed", "upload", meta.ID, "error", abortErr)
		}
		return fmt.Errorf("streaming upload %s into bucket: %w", meta.ID, err)
	}

	if err := stream.Close(); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: device %s measurement %d type %s", storage.ErrDuplicate,
				doc.Metadata.DeviceID, doc.Metadata.MeasurementID, doc.Metadata.FileType)
		}
		return fmt.Errorf("committing upload %s to bucket: %w", meta.ID, err)
	}

	logger.Info("upload finalized",
		"upload", meta.ID, "device", doc.Metadata.DeviceID,
		"measurement", doc.Metadata.MeasurementID, "type", doc.Metadata.FileType, "bytes", size)
	return nil
}

// IsStored answers the dedup query against the files collection.
func (b *Backend) IsStored(ctx context.Context, deviceID string, measurementID uint64, fileType model.FileType) (bool, error) {
	n, err := b.db.Collection(filesCollection).CountDocuments(ctx, bson.M{
		"metadata.metadata.deviceId":      deviceID,
		"metadata.metadata.measurementId": measurementID,
		"metadata.metadata.fileType":      string(fileType),
	})
	if err != nil {
		return false, fmt.Errorf("querying stored measurements: %w", err)
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
