package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velotrace/collector/pkg/api"
	"github.com/velotrace/collector/pkg/api/handlers"
	"github.com/velotrace/collector/pkg/model"
	"github.com/velotrace/collector/pkg/storage"
	"github.com/velotrace/collector/pkg/upload"
)

const testDeviceID = "78370516-4f7e-11ed-bdc3-0242ac120002"

// memBackend keeps finalized uploads in memory.
type memBackend struct {
	mu        sync.Mutex
	finalized map[string][]byte // dedup tuple -> bytes
}

func newMemBackend() *memBackend {
	return &memBackend{finalized: make(map[string][]byte)}
}

func backendKey(deviceID string, measurementID uint64, fileType model.FileType) string {
	return fmt.Sprintf("%s/%d/%s", deviceID, measurementID, fileType)
}

func (b *memBackend) Finalize(_ context.Context, tempPath string, size int64, meta storage.UploadMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := backendKey(meta.MetaData.DeviceID, meta.MetaData.MeasurementNumber(), meta.FileType)
	if _, ok := b.finalized[key]; ok {
		return storage.ErrDuplicate
	}
	data, err := os.ReadFile(tempPath)
	if err != nil {
		return err
	}
	b.finalized[key] = data
	return nil
}

func (b *memBackend) IsStored(_ context.Context, deviceID string, measurementID uint64, fileType model.FileType) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.finalized[backendKey(deviceID, measurementID, fileType)]
	return ok, nil
}

type testCollector struct {
	srv     *httptest.Server
	backend *memBackend
	dir     string
}

func newTestCollector(t *testing.T) *testCollector {
	t.Helper()
	dir := t.TempDir()
	stage, err := storage.NewStage(dir)
	require.NoError(t, err)

	backend := newMemBackend()
	svc := storage.NewService(stage, backend, 1<<20)
	sessions := upload.NewStore()

	uh := handlers.NewUploadHandler(sessions, svc, nil, dir, "/api/v4")
	hh := handlers.NewHealthHandler(nil)
	router := api.NewRouter("/api/v4", time.Minute, uh, hh)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testCollector{srv: srv, backend: backend, dir: dir}
}

func validMetaData(measurementID string) map[string]any {
	return map[string]any{
		"deviceId":           testDeviceID,
		"measurementId":      measurementID,
		"osVersion":          "Android 13",
		"deviceType":         "Pixel 6",
		"applicationVersion": "3.2.1",
		"length":             0.0,
		"locationCount":      0,
		"modality":           "BICYCLE",
		"formatVersion":      model.CurrentTransferFileFormatVersion,
	}
}

func (c *testCollector) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	req.Header.Set("X-User-Id", "user-1")
	req.Header.Set("X-User-Name", "tester")
	resp, err := c.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (c *testCollector) preRequest(t *testing.T, meta map[string]any) *http.Response {
	t.Helper()
	body, err := json.Marshal(meta)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, c.srv.URL+"/api/v4/measurements", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	return c.do(t, req)
}

func (c *testCollector) put(t *testing.T, url, contentRange, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", contentRange)
	return c.do(t, req)
}

var locationPattern = regexp.MustCompile(`^http://[^/]+/api/v4/measurements/\(([a-f0-9]{32})\)/$`)

func TestPreRequestOpensSession(t *testing.T) {
	c := newTestCollector(t)

	resp := c.preRequest(t, validMetaData("1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	loc := resp.Header.Get("Location")
	assert.Regexp(t, locationPattern, loc)
}

func TestStatusOnEmptySession(t *testing.T) {
	c := newTestCollector(t)
	loc := c.preRequest(t, validMetaData("1")).Header.Get("Location")

	resp := c.put(t, loc, "bytes */20", "")
	assert.Equal(t, 308, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Range"))
}

func TestChunkedUploadRoundTrip(t *testing.T) {
	c := newTestCollector(t)
	loc := c.preRequest(t, validMetaData("1")).Header.Get("Location")

	resp := c.put(t, loc, "bytes 0-4/15", "hello")
	assert.Equal(t, 308, resp.StatusCode)
	assert.Equal(t, "bytes=0-4", resp.Header.Get("Range"))

	resp = c.put(t, loc, "bytes 5-9/15", " worl")
	assert.Equal(t, 308, resp.StatusCode)
	assert.Equal(t, "bytes=0-9", resp.Header.Get("Range"))

	resp = c.put(t, loc, "bytes 10-14/15", "d !!!")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	key := backendKey(testDeviceID, 1, model.FileTypeMeasurement)
	assert.Equal(t, "hello world !!!", string(c.backend.finalized[key]))
}

func TestPreRequestAfterCommitConflicts(t *testing.T) {
	c := newTestCollector(t)
	loc := c.preRequest(t, validMetaData("1")).Header.Get("Location")
	c.put(t, loc, "bytes 0-4/5", "hello")

	resp := c.preRequest(t, validMetaData("1"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestOutOfOrderChunkLeavesPositionUnchanged(t *testing.T) {
	c := newTestCollector(t)
	loc := c.preRequest(t, validMetaData("1")).Header.Get("Location")

	c.put(t, loc, "bytes 0-4/15", "hello")

	resp := c.put(t, loc, "bytes 10-14/15", "d !!!")
	assert.Equal(t, 308, resp.StatusCode)
	assert.Equal(t, "bytes=0-4", resp.Header.Get("Range"))

	// The staged position really did not move.
	resp = c.put(t, loc, "bytes */15", "")
	assert.Equal(t, 308, resp.StatusCode)
	assert.Equal(t, "bytes=0-4", resp.Header.Get("Range"))
}

func TestStatusIdempotent(t *testing.T) {
	c := newTestCollector(t)
	loc := c.preRequest(t, validMetaData("1")).Header.Get("Location")
	c.put(t, loc, "bytes 0-4/15", "hello")

	first := c.put(t, loc, "bytes */15", "")
	second := c.put(t, loc, "bytes */15", "")
	assert.Equal(t, first.Header.Get("Range"), second.Header.Get("Range"))
}

func TestStatusOnStoredUploadReturnsOK(t *testing.T) {
	c := newTestCollector(t)
	loc := c.preRequest(t, validMetaData("1")).Header.Get("Location")
	c.put(t, loc, "bytes 0-4/5", "hello")

	// A second session for the same tuple cannot be opened; simulate a
	// crash-restored stale session by inserting the object behind the
	// open session's back.
	loc2 := c.preRequest(t, validMetaData("2")).Header.Get("Location")
	c.backend.mu.Lock()
	c.backend.finalized[backendKey(testDeviceID, 2, model.FileTypeMeasurement)] = []byte("x")
	c.backend.mu.Unlock()

	resp := c.put(t, loc2, "bytes */5", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPreRequestRejectsLocationPairViolation(t *testing.T) {
	c := newTestCollector(t)
	meta := validMetaData("1")
	meta["locationCount"] = 1 // declared but no start/end locations

	resp := c.preRequest(t, meta)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestPreRequestRejectsWrongFormatVersion(t *testing.T) {
	c := newTestCollector(t)
	meta := validMetaData("1")
	meta["formatVersion"] = model.CurrentTransferFileFormatVersion + 1

	resp := c.preRequest(t, meta)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestMissingIdentityHeadersUnauthorized(t *testing.T) {
	c := newTestCollector(t)
	body, _ := json.Marshal(validMetaData("1"))
	resp, err := http.Post(c.srv.URL+"/api/v4/measurements", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownSessionNotFound(t *testing.T) {
	c := newTestCollector(t)
	url := c.srv.URL + "/api/v4/measurements/(ffffffffffffffffffffffffffffffff)/"
	resp := c.put(t, url, "bytes 0-4/5", "hello")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMalformedContentRangeRejected(t *testing.T) {
	c := newTestCollector(t)
	loc := c.preRequest(t, validMetaData("1")).Header.Get("Location")

	resp := c.put(t, loc, "bytes five-ten/15", "hello")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSessionURLAfterCommitNotFound(t *testing.T) {
	c := newTestCollector(t)
	loc := c.preRequest(t, validMetaData("1")).Header.Get("Location")
	c.put(t, loc, "bytes 0-4/5", "hello")

	resp := c.put(t, loc, "bytes 0-4/5", "hello")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAttachmentUploadRoundTrip(t *testing.T) {
	c := newTestCollector(t)

	// Parent measurement must exist first.
	loc := c.preRequest(t, validMetaData("1")).Header.Get("Location")
	c.put(t, loc, "bytes 0-4/5", "hello")

	attach := validMetaData("1")
	attach["attachmentId"] = "7"
	attach["fileType"] = "log"
	attach["logCount"] = 1
	attach["imageCount"] = 0
	attach["videoCount"] = 0
	attach["filesSize"] = 9

	body, err := json.Marshal(attach)
	require.NoError(t, err)
	url := fmt.Sprintf("%s/api/v4/measurements/%s/1/attachments", c.srv.URL, testDeviceID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	resp := c.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	attachLoc := resp.Header.Get("Location")
	assert.Contains(t, attachLoc, "/attachments/(")

	resp = c.put(t, attachLoc, "bytes 0-8/9", "log bytes")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	key := backendKey(testDeviceID, 1, model.FileTypeLog)
	assert.Equal(t, "log bytes", string(c.backend.finalized[key]))
}

func TestAttachmentMetadataMustMatchURL(t *testing.T) {
	c := newTestCollector(t)

	attach := validMetaData("2") // URL says measurement 1
	attach["attachmentId"] = "7"
	attach["fileType"] = "log"

	body, err := json.Marshal(attach)
	require.NoError(t, err)
	url := fmt.Sprintf("%s/api/v4/measurements/%s/1/attachments", c.srv.URL, testDeviceID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	resp := c.do(t, req)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSessionFileWrittenAndRemoved(t *testing.T) {
	c := newTestCollector(t)
	loc := c.preRequest(t, validMetaData("1")).Header.Get("Location")

	sid := locationPattern.FindStringSubmatch(loc)[1]
	_, err := os.Stat(upload.SessionFilePath(c.dir, sid))
	require.NoError(t, err, "session file missing after pre-request")

	c.put(t, loc, "bytes 0-4/5", "hello")
	_, err = os.Stat(upload.SessionFilePath(c.dir, sid))
	assert.True(t, os.IsNotExist(err), "session file should be removed after commit")
}

func TestHealthEndpoints(t *testing.T) {
	c := newTestCollector(t)

	resp, err := http.Get(c.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(c.srv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
