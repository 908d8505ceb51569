// Package storage persists resumable uploads: it stages chunk bytes in
// per-upload temp files and finalizes completed uploads into a backend
// (GridFS bucket, S3 blob store, or local directory) plus a metadata
// record.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/velotrace/collector/internal/logger"
	"github.com/velotrace/collector/pkg/model"
	"github.com/velotrace/collector/pkg/upload"
)

// StatusType says whether a Store call completed the upload.
type StatusType int

const (
	// StatusIncomplete: bytes staged, more chunks expected.
	StatusIncomplete StatusType = iota
	// StatusComplete: the upload finalized into a stored object.
	StatusComplete
)

// Status is the outcome of accepting one chunk.
type Status struct {
	Type     StatusType
	UploadID string
	// ByteSize is the staged length after the write.
	ByteSize int64
}

// UploadMetadata carries everything a backend needs to finalize an
// upload into a stored object and its metadata record.
type UploadMetadata struct {
	ID         string
	FileType   model.FileType
	MetaData   model.RequestMetaData
	Attachment *model.AttachmentMetaData
	UserID     string
	Username   string
}

// Backend finalizes completed uploads and answers dedup queries. The
// surrounding Service owns the temp-file lifecycle.
type Backend interface {
	// Finalize streams the completed temp file into durable storage and
	// writes the metadata record. A uniqueness violation on
	// (deviceId, measurementId, fileType) returns ErrDuplicate.
	Finalize(ctx context.Context, tempPath string, size int64, meta UploadMetadata) error

	// IsStored reports whether a stored object exists for the tuple.
	// More than one match returns ErrDuplicatesInDatabase.
	IsStored(ctx context.Context, deviceID string, measurementID uint64, fileType model.FileType) (bool, error)
}

// Service is the storage engine in front of a Backend.
type Service struct {
	stage        *Stage
	backend      Backend
	payloadLimit int64
}

// NewService wires a backend to the temp-file stage.
// payloadLimit caps the declared size of a single chunk.
func NewService(stage *Stage, backend Backend, payloadLimit int64) *Service {
	return &Service{stage: stage, backend: backend, payloadLimit: payloadLimit}
}

// Store appends one chunk to the staged bytes for meta.ID. When the
// staged length reaches rng.Total the upload is finalized through the
// backend and the temp file is released.
//
// The source reader is streamed straight to disk; no chunk is buffered
// in memory.
func (s *Service) Store(ctx context.Context, source io.Reader, meta UploadMetadata, rng upload.ContentRange) (Status, error) {
	status := Status{Type: StatusIncomplete, UploadID: meta.ID}

	if rng.Size() > s.payloadLimit {
		return status, ErrPayloadTooLarge
	}

	n, err := s.stage.Append(ctx, meta.ID, source, rng)
	status.ByteSize = n
	if err != nil {
		if errors.Is(err, ErrContentRangeMismatch) {
			// The staged bytes no longer line up with what the client
			// declared; the upload cannot be resumed.
			if cleanErr := s.Clean(ctx, meta.ID); cleanErr != nil {
				logger.Warn("cleaning inconsistent upload failed", "upload", meta.ID, "error", cleanErr)
			}
		}
		return status, err
	}

	if n < rng.Total {
		return status, nil
	}

	if err := s.backend.Finalize(ctx, s.stage.Path(meta.ID), n, meta); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// The object exists; the staged bytes will never be needed.
			if cleanErr := s.Clean(ctx, meta.ID); cleanErr != nil {
				logger.Warn("cleaning duplicate upload failed", "upload", meta.ID, "error", cleanErr)
			}
		}
		return status, err
	}

	if err := s.Clean(ctx, meta.ID); err != nil {
		// The object is durable; losing only the temp file is harmless.
		logger.Warn("removing finalized temp file failed", "upload", meta.ID, "error", err)
	}

	status.Type = StatusComplete
	return status, nil
}

// BytesUploaded returns the staged length for uploadID. An upload with
// no temp file yet reports zero, which also covers the janitor race
// where the file vanished under a live session.
func (s *Service) BytesUploaded(ctx context.Context, uploadID string) (int64, error) {
	return s.stage.Size(uploadID)
}

// IsStored delegates the dedup query to the backend.
func (s *Service) IsStored(ctx context.Context, deviceID string, measurementID uint64, fileType model.FileType) (bool, error) {
	return s.backend.IsStored(ctx, deviceID, measurementID, fileType)
}

// Clean deletes the staged bytes for uploadID.
func (s *Service) Clean(ctx context.Context, uploadID string) error {
	return s.stage.Remove(uploadID)
}

// StartPeriodicCleaning sweeps the upload folder every expiry interval,
// removing temp files whose last modification is older than expiry.
// onRemoved runs for each removed upload so the caller can drop the
// matching session. The first sweep runs immediately to flush leftovers
// from a previous run.
func (s *Service) StartPeriodicCleaning(ctx context.Context, expiry time.Duration, onRemoved func(uploadID string)) {
	go func() {
		s.sweep(expiry, onRemoved)

		ticker := time.NewTicker(expiry)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(expiry, onRemoved)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Service) sweep(expiry time.Duration, onRemoved func(uploadID string)) {
	removed, err := s.stage.Sweep(expiry)
	if err != nil {
		logger.Warn("upload folder sweep failed", "error", err)
		return
	}
	for _, id := range removed {
		if onRemoved != nil {
			onRemoved(id)
		}
	}
	if len(removed) > 0 {
		logger.Info("removed expired uploads", "count", len(removed))
	}
}
