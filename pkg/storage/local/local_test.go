package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/velotrace/collector/pkg/model"
	"github.com/velotrace/collector/pkg/storage"
	"github.com/velotrace/collector/pkg/storage/metastore"
)

type fakeMetaStore struct {
	docs      map[string]int
	insertErr error
}

func newFakeMetaStore() *fakeMetaStore {
	return &fakeMetaStore{docs: make(map[string]int)}
}

func metaKey(deviceID string, measurementID uint64, fileType string) string {
	return fmt.Sprintf("%s/%d/%s", deviceID, measurementID, fileType)
}

func (f *fakeMetaStore) EnsureIndexes(context.Context) error { return nil }

func (f *fakeMetaStore) Insert(_ context.Context, doc metastore.Document) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	key := metaKey(doc.Metadata.DeviceID, doc.Metadata.MeasurementID, doc.Metadata.FileType)
	if f.docs[key] > 0 {
		return storage.ErrDuplicate
	}
	f.docs[key]++
	return nil
}

func (f *fakeMetaStore) Count(_ context.Context, deviceID string, measurementID uint64, fileType model.FileType) (int64, error) {
	return int64(f.docs[metaKey(deviceID, measurementID, string(fileType))]), nil
}

func testMeta(id string) storage.UploadMetadata {
	return storage.UploadMetadata{
		ID:       id,
		FileType: model.FileTypeMeasurement,
		MetaData: model.RequestMetaData{
			DeviceID:      "78370516-4f7e-11ed-bdc3-0242ac120002",
			MeasurementID: "42",
			FormatVersion: model.CurrentTransferFileFormatVersion,
		},
		UserID:   "user-1",
		Username: "tester",
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "abcdef0123456789abcdef0123456789")
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFinalizeCopiesFileAndRecordsMetadata(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	meta := newFakeMetaStore()
	b, err := New(ctx, dir, meta)
	if err != nil {
		t.Fatal(err)
	}

	temp := writeTemp(t, "measurement bytes")
	um := testMeta("abcdef0123456789abcdef0123456789")
	if err := b.Finalize(ctx, temp, 17, um); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, um.MetaData.DeviceID, "42.ccyf")
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("final file missing: %v", err)
	}
	if string(data) != "measurement bytes" {
		t.Errorf("stored bytes = %q", data)
	}

	stored, err := b.IsStored(ctx, um.MetaData.DeviceID, 42, model.FileTypeMeasurement)
	if err != nil || !stored {
		t.Errorf("IsStored = %v, %v; want true, nil", stored, err)
	}
}

func TestFinalizeRefusesDuplicateTuple(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	meta := newFakeMetaStore()
	b, err := New(ctx, dir, meta)
	if err != nil {
		t.Fatal(err)
	}

	um := testMeta("abcdef0123456789abcdef0123456789")
	if err := b.Finalize(ctx, writeTemp(t, "first"), 5, um); err != nil {
		t.Fatal(err)
	}

	// A second session for the same tuple must not touch the stored file.
	err = b.Finalize(ctx, writeTemp(t, "second"), 6, um)
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("error = %v, want ErrDuplicate", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, um.MetaData.DeviceID, "42.ccyf"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first" {
		t.Errorf("stored bytes = %q, want the first upload preserved", data)
	}
}

func TestFinalizeRollsBackFileOnMetadataFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	meta := newFakeMetaStore()
	b, err := New(ctx, dir, meta)
	if err != nil {
		t.Fatal(err)
	}

	meta.insertErr = errors.New("mongo unavailable")
	um := testMeta("abcdef0123456789abcdef0123456789")
	if err := b.Finalize(ctx, writeTemp(t, "bytes"), 5, um); err == nil {
		t.Fatal("expected metadata failure")
	}
	if _, statErr := os.Stat(filepath.Join(dir, um.MetaData.DeviceID, "42.ccyf")); !os.IsNotExist(statErr) {
		t.Errorf("rolled-back file still present")
	}
}

func TestFinalizeLeavesNoPartFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := New(ctx, dir, newFakeMetaStore())
	if err != nil {
		t.Fatal(err)
	}

	um := testMeta("abcdef0123456789abcdef0123456789")
	if err := b.Finalize(ctx, writeTemp(t, "bytes"), 5, um); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, um.MetaData.DeviceID))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".part" {
			t.Errorf("leftover part file %s", e.Name())
		}
	}
}
