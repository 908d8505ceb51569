package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/velotrace/collector/internal/logger"
	"github.com/velotrace/collector/pkg/metrics"
	"github.com/velotrace/collector/pkg/storage"
	"github.com/velotrace/collector/pkg/upload"
)

// statusResumeIncomplete is 308 as used by the resumable-upload
// protocol: "here is what I have, continue from there".
const statusResumeIncomplete = http.StatusPermanentRedirect

// UploadHandler serves the pre-request, status, and chunk operations of
// the resumable upload protocol.
type UploadHandler struct {
	sessions *upload.Store
	svc      *storage.Service
	rec      *metrics.Recorder

	// sessionDir is the upload folder; session records live next to the
	// temp chunk files there.
	sessionDir string

	// endpoint is the API base path, used to build Location URLs.
	endpoint string
}

// NewUploadHandler wires the upload protocol to its session store and
// storage service. rec may be nil when metrics are disabled.
func NewUploadHandler(sessions *upload.Store, svc *storage.Service, rec *metrics.Recorder, sessionDir, endpoint string) *UploadHandler {
	return &UploadHandler{
		sessions:   sessions,
		svc:        svc,
		rec:        rec,
		sessionDir: sessionDir,
		endpoint:   endpoint,
	}
}

// Upload handles PUT on an upload URL. The Content-Range header selects
// between the resume query ("bytes */<total>") and a chunk
// ("bytes <from>-<to>/<total>").
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if !upload.ValidID(sid) {
		NotFound(w, "unknown upload")
		return
	}
	sess := h.sessions.Get(sid)
	if sess == nil {
		NotFound(w, "unknown upload")
		return
	}

	contentRange := r.Header.Get("Content-Range")
	if upload.IsStatusRange(contentRange) {
		h.status(w, r, sess)
		return
	}
	h.chunk(w, r, sess, contentRange)
}

// status answers the resume query: 200 when the object is already
// stored, otherwise 308 with the canonical Range of the staged bytes.
func (h *UploadHandler) status(w http.ResponseWriter, r *http.Request, sess *upload.Session) {
	ctx := r.Context()

	stored, err := h.svc.IsStored(ctx, sess.MetaData.DeviceID, sess.MetaData.MeasurementNumber(), sess.FileType)
	if err != nil {
		h.storedQueryError(w, err)
		return
	}
	if stored {
		w.WriteHeader(http.StatusOK)
		return
	}

	n, err := h.svc.BytesUploaded(ctx, sess.ID)
	if err != nil {
		logger.Error("reading staged size failed", "upload", sess.ID, "error", err)
		InternalError(w)
		return
	}

	h.rec.SessionResumed()
	writeResumeIncomplete(w, n)
}

// chunk appends one byte range to the staged upload and finalizes it
// when the last byte arrives.
func (h *UploadHandler) chunk(w http.ResponseWriter, r *http.Request, sess *upload.Session, contentRange string) {
	rng, err := upload.ParseChunkRange(contentRange)
	if err != nil {
		UnprocessableEntity(w, err.Error())
		return
	}

	sess.Lock()
	defer sess.Unlock()

	switch sess.State() {
	case upload.StateCommitted, upload.StateAbandoned:
		NotFound(w, "upload already closed")
		return
	}

	ctx := r.Context()

	n, err := h.svc.BytesUploaded(ctx, sess.ID)
	if err != nil {
		logger.Error("reading staged size failed", "upload", sess.ID, "error", err)
		InternalError(w)
		return
	}
	if rng.From != n {
		// Out of order. Nothing is written; the canonical Range lets the
		// client resynchronize.
		writeResumeIncomplete(w, n)
		return
	}

	if rng.IsLast() {
		if err := sess.Advance(upload.StateCommitting); err != nil {
			logger.Error("session transition failed", "upload", sess.ID, "error", err)
			InternalError(w)
			return
		}
	}

	// The body may not exceed the declared range; one extra byte is
	// enough for the stage to notice the mismatch.
	body := io.LimitReader(r.Body, rng.Size()+1)
	status, err := h.svc.Store(ctx, body, uploadMetadata(sess), rng)
	if err != nil {
		h.chunkError(w, sess, rng, err)
		return
	}

	h.rec.ChunkReceived(rng.Size())
	sess.Touch()

	if status.Type == storage.StatusComplete {
		if err := sess.Advance(upload.StateCommitted); err != nil {
			logger.Error("session transition failed", "upload", sess.ID, "error", err)
		}
		h.dropSession(sess)
		h.rec.UploadCompleted(string(sess.FileType))
		logger.Info("upload committed", "upload", sess.ID,
			"device", sess.MetaData.DeviceID, "measurement", sess.MetaData.MeasurementID,
			"type", sess.FileType, "bytes", status.ByteSize)
		w.WriteHeader(http.StatusCreated)
		return
	}

	if err := sess.Advance(upload.StateOpenPartial); err != nil {
		logger.Error("session transition failed", "upload", sess.ID, "error", err)
	}
	writeResumeIncomplete(w, status.ByteSize)
}

// chunkError maps storage failures to protocol responses. The caller
// holds the session lock.
func (h *UploadHandler) chunkError(w http.ResponseWriter, sess *upload.Session, rng upload.ContentRange, err error) {
	switch {
	case errors.Is(err, storage.ErrPayloadTooLarge):
		// The client cannot resume a chunk it declared too big; the
		// whole upload is torn down.
		h.abandonSession(sess)
		h.rec.UploadRejected("too_large")
		UnprocessableEntity(w, fmt.Sprintf("chunk of %d bytes exceeds the payload limit", rng.Size()))

	case errors.Is(err, storage.ErrWrongChunkOffset):
		// Lost a race between the offset check and the append.
		n, sizeErr := h.svc.BytesUploaded(context.Background(), sess.ID)
		if sizeErr != nil {
			n = 0
		}
		writeResumeIncomplete(w, n)

	case errors.Is(err, storage.ErrContentRangeMismatch):
		// The staged bytes no longer match what the client declared; the
		// service already dropped them.
		h.abandonSession(sess)
		logger.Warn("upload abandoned after content range mismatch", "upload", sess.ID)
		InternalError(w)

	case errors.Is(err, storage.ErrDuplicate):
		h.abandonSession(sess)
		h.rec.UploadRejected("duplicate")
		Conflict(w, "measurement already stored")

	case errors.Is(err, storage.ErrConcurrentChunk):
		h.rec.UploadRejected("conflict")
		Conflict(w, "another chunk for this upload is in flight")

	default:
		// Transient backend or I/O failure. The staged bytes survive so
		// the client can resume after recovery.
		if sess.State() == upload.StateCommitting {
			if rollbackErr := sess.Advance(upload.StateOpenPartial); rollbackErr != nil {
				logger.Error("session rollback failed", "upload", sess.ID, "error", rollbackErr)
			}
		}
		logger.Error("storing chunk failed", "upload", sess.ID, "error", err)
		InternalError(w)
	}
}

// abandonSession tears down a session whose upload can never complete:
// staged bytes, the in-memory record, and the on-disk session file.
// The caller holds the session lock.
func (h *UploadHandler) abandonSession(sess *upload.Session) {
	if err := sess.Advance(upload.StateAbandoned); err != nil {
		logger.Error("session transition failed", "upload", sess.ID, "error", err)
	}
	if err := h.svc.Clean(context.Background(), sess.ID); err != nil {
		logger.Warn("cleaning abandoned upload failed", "upload", sess.ID, "error", err)
	}
	h.dropSession(sess)
}

// dropSession removes the session record in memory and on disk.
func (h *UploadHandler) dropSession(sess *upload.Session) {
	h.sessions.Remove(sess.ID)
	if err := upload.RemoveSessionFile(h.sessionDir, sess.ID); err != nil {
		logger.Warn("removing session file failed", "upload", sess.ID, "error", err)
	}
	h.rec.SetActiveSessions(h.sessions.Len())
}

// storedQueryError maps dedup-query failures. More than one stored
// object for a tuple is an operator problem, reported distinctly.
func (h *UploadHandler) storedQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrDuplicatesInDatabase) {
		logger.Error("duplicate stored objects detected", "error", err)
		WriteProblem(w, http.StatusInternalServerError, "Duplicate Stored Objects",
			"more than one stored object matches this measurement; manual reconciliation required")
		return
	}
	logger.Error("dedup query failed", "error", err)
	InternalError(w)
}

// writeResumeIncomplete writes the 308 response: the canonical Range of
// the staged bytes, or no Range at all when nothing has arrived yet.
func writeResumeIncomplete(w http.ResponseWriter, size int64) {
	if size > 0 {
		w.Header().Set("Range", upload.RangeHeader(size))
	}
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(statusResumeIncomplete)
}

// uploadMetadata flattens a session into what the storage service needs
// to finalize.
func uploadMetadata(sess *upload.Session) storage.UploadMetadata {
	return storage.UploadMetadata{
		ID:         sess.ID,
		FileType:   sess.FileType,
		MetaData:   sess.MetaData,
		Attachment: sess.Attachment,
		UserID:     sess.UserID,
		Username:   sess.Username,
	}
}
