// Package local finalizes uploads into a directory tree on the server's
// filesystem. Metadata still goes to the Mongo metadata collection so
// dedup works identically to the blob backends.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/velotrace/collector/internal/logger"
	"github.com/velotrace/collector/pkg/model"
	"github.com/velotrace/collector/pkg/storage"
	"github.com/velotrace/collector/pkg/storage/metastore"
)

// metaStore is the slice of the metadata collection this backend needs.
type metaStore interface {
	EnsureIndexes(ctx context.Context) error
	Insert(ctx context.Context, doc metastore.Document) error
	Count(ctx context.Context, deviceID string, measurementID uint64, fileType model.FileType) (int64, error)
}

// Backend copies finalized uploads into a data directory.
type Backend struct {
	dir  string
	meta metaStore
}

// New creates the data directory and prepares the metadata indexes.
func New(ctx context.Context, dir string, meta metaStore) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dir, err)
	}
	if err := meta.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return &Backend{dir: dir, meta: meta}, nil
}

// objectPath groups files per device so directories stay listable.
func (b *Backend) objectPath(meta metastore.ObjectMetadata) string {
	return filepath.Join(b.dir, meta.DeviceID, fmt.Sprintf("%d.%s", meta.MeasurementID, meta.FileType))
}

// Finalize copies the temp file into the data directory, then records
// the metadata document. The copy goes through a .part file so a crash
// mid-copy never leaves a plausible-looking final file behind.
func (b *Backend) Finalize(ctx context.Context, tempPath string, size int64, meta storage.UploadMetadata) error {
	doc := metastore.Document{
		Metadata:    metastore.NewObjectMetadata(meta),
		UserID:      meta.UserID,
		Username:    meta.Username,
		CompletedAt: time.Now().UTC(),
		ByteSize:    size,
	}
	dest := b.objectPath(doc.Metadata)
	doc.Location = dest

	// A file already at the destination means the tuple was stored by an
	// earlier session. Never overwrite it.
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%w: device %s measurement %d type %s", storage.ErrDuplicate,
			doc.Metadata.DeviceID, doc.Metadata.MeasurementID, doc.Metadata.FileType)
	}

	if err := copyFile(tempPath, dest); err != nil {
		return fmt.Errorf("storing upload %s: %w", meta.ID, err)
	}

	if err := b.meta.Insert(ctx, doc); err != nil {
		if rmErr := os.Remove(dest); rmErr != nil {
			logger.Warn("rolling back file after metadata failure", "path", dest, "error", rmErr)
		}
		return err
	}

	logger.Info("upload finalized", "upload", meta.ID, "path", dest, "bytes", size)
	return nil
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	part := dest + ".part"
	out, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(part)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(part)
		return err
	}
	return os.Rename(part, dest)
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
