// Package metastore holds the metadata documents the s3 and local
// backends write for each stored object. The GridFS backend keeps the
// same document shape inside fs.files metadata instead.
package metastore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/velotrace/collector/pkg/model"
	"github.com/velotrace/collector/pkg/storage"
)

// ObjectMetadata is the per-object metadata embedded in every stored
// document. Its first three fields form the uniqueness tuple.
type ObjectMetadata struct {
	DeviceID           string              `bson:"deviceId"`
	MeasurementID      uint64              `bson:"measurementId"`
	FileType           string              `bson:"fileType"`
	OSVersion          string              `bson:"osVersion"`
	DeviceType         string              `bson:"deviceType"`
	ApplicationVersion string              `bson:"applicationVersion"`
	Length             float64             `bson:"length"`
	LocationCount      int64               `bson:"locationCount"`
	StartLocation      *model.GeoLocation  `bson:"startLocation,omitempty"`
	EndLocation        *model.GeoLocation  `bson:"endLocation,omitempty"`
	Modality           string              `bson:"modality"`
	FormatVersion      int                 `bson:"formatVersion"`
	AttachmentID       uint64              `bson:"attachmentId,omitempty"`
	LogCount           int64               `bson:"logCount,omitempty"`
	ImageCount         int64               `bson:"imageCount,omitempty"`
	VideoCount         int64               `bson:"videoCount,omitempty"`
	FilesSize          int64               `bson:"filesSize,omitempty"`
}

// Document is one metadata record per stored object.
type Document struct {
	Metadata    ObjectMetadata `bson:"metadata"`
	UserID      string         `bson:"userId"`
	Username    string         `bson:"username"`
	CompletedAt time.Time      `bson:"completedAt"`
	// Location is the backend's object handle: the S3 key or the local
	// file path. GridFS carries the file id instead.
	Location string `bson:"location,omitempty"`
	ByteSize int64  `bson:"byteSize"`
}

// NewObjectMetadata flattens an upload's declared metadata into the
// stored form.
func NewObjectMetadata(meta storage.UploadMetadata) ObjectMetadata {
	m := meta.MetaData
	om := ObjectMetadata{
		DeviceID:           m.DeviceID,
		MeasurementID:      m.MeasurementNumber(),
		FileType:           string(meta.FileType),
		OSVersion:          m.OSVersion,
		DeviceType:         m.DeviceType,
		ApplicationVersion: m.ApplicationVersion,
		Length:             m.Length,
		LocationCount:      m.LocationCount,
		StartLocation:      m.StartLocation,
		EndLocation:        m.EndLocation,
		Modality:           m.Modality,
		FormatVersion:      m.FormatVersion,
	}
	if a := meta.Attachment; a != nil {
		om.AttachmentID = a.AttachmentNumber()
		om.LogCount = a.LogCount
		om.ImageCount = a.ImageCount
		om.VideoCount = a.VideoCount
		om.FilesSize = a.FilesSize
	}
	return om
}

// Store wraps the Mongo metadata collection.
type Store struct {
	coll *mongo.Collection
}

// New returns a store over the named collection.
func New(db *mongo.Database, collection string) *Store {
	return &Store{coll: db.Collection(collection)}
}

// EnsureIndexes creates the unique compound index enforcing one stored
// object per (deviceId, measurementId, fileType), and the secondary
// username index. Safe to call on every startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "metadata.deviceId", Value: 1},
				{Key: "metadata.measurementId", Value: 1},
				{Key: "metadata.fileType", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("unique_measurement"),
		},
		{
			Keys:    bson.D{{Key: "userId", Value: 1}},
			Options: options.Index().SetName("by_user"),
		},
	})
	if err != nil {
		return fmt.Errorf("creating metadata indexes: %w", err)
	}
	return nil
}

// Insert writes one metadata document. A uniqueness violation maps to
// storage.ErrDuplicate.
func (s *Store) Insert(ctx context.Context, doc Document) error {
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: device %s measurement %d type %s",
				storage.ErrDuplicate, doc.Metadata.DeviceID, doc.Metadata.MeasurementID, doc.Metadata.FileType)
		}
		return fmt.Errorf("inserting metadata document: %w", err)
	}
	return nil
}

// Count returns the number of stored objects matching the tuple.
func (s *Store) Count(ctx context.Context, deviceID string, measurementID uint64, fileType model.FileType) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{
		"metadata.deviceId":      deviceID,
		"metadata.measurementId": measurementID,
		"metadata.fileType":      string(fileType),
	})
	if err != nil {
		return 0, fmt.Errorf("counting stored objects: %w", err)
	}
	return n, nil
}

// Delete removes the metadata document for the tuple. Used to roll back
// a half-finished finalize.
func (s *Store) Delete(ctx context.Context, deviceID string, measurementID uint64, fileType model.FileType) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{
		"metadata.deviceId":      deviceID,
		"metadata.measurementId": measurementID,
		"metadata.fileType":      string(fileType),
	})
	return err
}
