package storage

import "errors"

// Failure kinds the HTTP layer maps to status codes. Backends wrap these
// with context; callers match with errors.Is.
var (
	// ErrPayloadTooLarge: a chunk declares or delivers more bytes than
	// the configured ceiling. The session cannot be resumed with a
	// malformed chunk, so callers clean it.
	ErrPayloadTooLarge = errors.New("payload exceeds the configured upload limit")

	// ErrWrongChunkOffset: the chunk's start offset does not match the
	// bytes already staged. The client resynchronizes via the canonical
	// Range header; nothing was written.
	ErrWrongChunkOffset = errors.New("chunk offset does not match staged bytes")

	// ErrContentRangeMismatch: after the write the staged file length
	// disagrees with the declared range. Server-side inconsistency; the
	// session is cleaned.
	ErrContentRangeMismatch = errors.New("content range does not match staged file size")

	// ErrDuplicate: finalize hit the uniqueness index on
	// (deviceId, measurementId, fileType). Terminal for the session.
	ErrDuplicate = errors.New("measurement already stored")

	// ErrDuplicatesInDatabase: a dedup query matched more than one
	// stored object. Operators must reconcile the store.
	ErrDuplicatesInDatabase = errors.New("more than one stored object matches")

	// ErrConcurrentChunk: another chunk for the same upload holds the
	// temp file. At most one concurrent writer wins.
	ErrConcurrentChunk = errors.New("another chunk for this upload is in flight")

	// ErrUploadNotFound: no staged bytes or session exist for the
	// identifier.
	ErrUploadNotFound = errors.New("unknown upload identifier")
)
