package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/velotrace/collector/internal/logger"
	"github.com/velotrace/collector/pkg/api/middleware"
	"github.com/velotrace/collector/pkg/model"
	"github.com/velotrace/collector/pkg/upload"
)

// preRequestBodyLimit caps the metadata envelope. The envelope is a
// handful of short strings and two optional coordinates; anything
// bigger is not a pre-request.
const preRequestBodyLimit = 1 << 10

// PreRequest handles POST /measurements: validates the declared
// metadata, refuses duplicates, and opens an upload session.
func (h *UploadHandler) PreRequest(w http.ResponseWriter, r *http.Request) {
	var meta model.RequestMetaData
	if !h.decodeMetaData(w, r, &meta) {
		return
	}

	if !h.checkNotStored(w, r, meta.DeviceID, meta.MeasurementNumber(), model.FileTypeMeasurement) {
		return
	}

	p, _ := middleware.PrincipalFrom(r.Context())
	sess := upload.NewSession(meta, p.UserID, p.Username)
	h.openSession(w, r, sess, "/measurements/("+sess.ID+")/")
}

// AttachmentPreRequest handles
// POST /measurements/{deviceId}/{measurementId}/attachments. The URL
// names the parent measurement; the body must agree with it.
func (h *UploadHandler) AttachmentPreRequest(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	measurementID := chi.URLParam(r, "measurementId")

	var meta model.AttachmentMetaData
	if !h.decodeAttachmentMetaData(w, r, &meta) {
		return
	}
	if meta.DeviceID != deviceID || meta.MeasurementID != measurementID {
		h.rec.UploadRejected("invalid_metadata")
		UnprocessableEntity(w, "metadata does not match the measurement in the URL")
		return
	}

	if !h.checkNotStored(w, r, meta.DeviceID, meta.MeasurementNumber(), meta.FileType) {
		return
	}

	p, _ := middleware.PrincipalFrom(r.Context())
	sess := upload.NewAttachmentSession(meta, p.UserID, p.Username)
	h.openSession(w, r, sess,
		"/measurements/"+deviceID+"/"+measurementID+"/attachments/("+sess.ID+")/")
}

func (h *UploadHandler) decodeMetaData(w http.ResponseWriter, r *http.Request, meta *model.RequestMetaData) bool {
	r.Body = http.MaxBytesReader(w, r.Body, preRequestBodyLimit)
	if err := json.NewDecoder(r.Body).Decode(meta); err != nil {
		h.rec.UploadRejected("invalid_metadata")
		UnprocessableEntity(w, "malformed metadata envelope")
		return false
	}
	if err := meta.Validate(); err != nil {
		h.rec.UploadRejected("invalid_metadata")
		UnprocessableEntity(w, err.Error())
		return false
	}
	return true
}

func (h *UploadHandler) decodeAttachmentMetaData(w http.ResponseWriter, r *http.Request, meta *model.AttachmentMetaData) bool {
	r.Body = http.MaxBytesReader(w, r.Body, preRequestBodyLimit)
	if err := json.NewDecoder(r.Body).Decode(meta); err != nil {
		h.rec.UploadRejected("invalid_metadata")
		UnprocessableEntity(w, "malformed metadata envelope")
		return false
	}
	if err := meta.Validate(); err != nil {
		h.rec.UploadRejected("invalid_metadata")
		UnprocessableEntity(w, err.Error())
		return false
	}
	return true
}

// checkNotStored refuses the pre-request when the tuple already has a
// stored object.
func (h *UploadHandler) checkNotStored(w http.ResponseWriter, r *http.Request, deviceID string, measurementID uint64, fileType model.FileType) bool {
	stored, err := h.svc.IsStored(r.Context(), deviceID, measurementID, fileType)
	if err != nil {
		h.storedQueryError(w, err)
		return false
	}
	if stored {
		h.rec.UploadRejected("duplicate")
		Conflict(w, "measurement already stored")
		return false
	}
	return true
}

// openSession registers the session, persists its on-disk record, and
// answers with the upload URL.
func (h *UploadHandler) openSession(w http.ResponseWriter, r *http.Request, sess *upload.Session, path string) {
	if err := upload.SaveSessionFile(h.sessionDir, sess); err != nil {
		logger.Error("persisting session failed", "upload", sess.ID, "error", err)
		InternalError(w)
		return
	}
	h.sessions.Put(sess)
	h.rec.SessionOpened()
	h.rec.SetActiveSessions(h.sessions.Len())

	logger.Info("upload session opened", "upload", sess.ID,
		"device", sess.MetaData.DeviceID, "measurement", sess.MetaData.MeasurementID,
		"type", sess.FileType, "user", sess.Username)

	w.Header().Set("Location", requestScheme(r)+"://"+r.Host+h.endpoint+path)
	w.WriteHeader(http.StatusOK)
}

// requestScheme honors the proxy protocol header so Location URLs keep
// the client-facing scheme.
func requestScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
