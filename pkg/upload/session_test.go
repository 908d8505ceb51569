package upload

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/velotrace/collector/pkg/model"
)

func testMetaData() model.RequestMetaData {
	return model.RequestMetaData{
		DeviceID:           "78370516-4f7e-11ed-bdc3-0242ac120002",
		MeasurementID:      "1",
		OSVersion:          "Android 13",
		DeviceType:         "Pixel 6",
		ApplicationVersion: "3.2.1",
		Modality:           "BICYCLE",
		FormatVersion:      model.CurrentTransferFileFormatVersion,
	}
}

func TestNewID(t *testing.T) {
	id := NewID()
	if !ValidID(id) {
		t.Errorf("NewID() = %q, not a 32-char lowercase hex token", id)
	}
	if id == NewID() {
		t.Error("two identifiers collided")
	}
}

func TestValidID(t *testing.T) {
	valid := "abcdef0123456789abcdef0123456789"
	if !ValidID(valid) {
		t.Errorf("ValidID(%q) = false", valid)
	}
	for _, id := range []string{"", "short", "ABCDEF0123456789ABCDEF0123456789", "zzcdef0123456789abcdef0123456789"} {
		if ValidID(id) {
			t.Errorf("ValidID(%q) = true", id)
		}
	}
}

func TestStateTransitions(t *testing.T) {
	s := NewSession(testMetaData(), "user-1", "tester")
	if s.State() != StateOpenEmpty {
		t.Fatalf("new session state = %v", s.State())
	}

	steps := []State{StateOpenPartial, StateOpenPartial, StateCommitting, StateCommitted}
	for _, next := range steps {
		if err := s.Advance(next); err != nil {
			t.Fatalf("Advance(%v) from %v: %v", next, s.State(), err)
		}
	}

	// Terminal states accept nothing further.
	if err := s.Advance(StateOpenPartial); err == nil {
		t.Error("transition out of COMMITTED was allowed")
	}
}

func TestCommitFailureRollsBackToPartial(t *testing.T) {
	s := NewSession(testMetaData(), "user-1", "tester")
	mustAdvance(t, s, StateOpenPartial, StateCommitting)

	if err := s.Advance(StateOpenPartial); err != nil {
		t.Fatalf("transient finalize failure must return to OPEN_PARTIAL: %v", err)
	}
	mustAdvance(t, s, StateCommitting, StateAbandoned)
}

func TestDirectCommitNotAllowed(t *testing.T) {
	s := NewSession(testMetaData(), "user-1", "tester")
	if err := s.Advance(StateCommitted); err == nil {
		t.Error("OPEN_EMPTY -> COMMITTED was allowed")
	}
}

func mustAdvance(t *testing.T, s *Session, states ...State) {
	t.Helper()
	for _, next := range states {
		if err := s.Advance(next); err != nil {
			t.Fatalf("Advance(%v) from %v: %v", next, s.State(), err)
		}
	}
}

func TestStoreExpiry(t *testing.T) {
	st := NewStore()

	old := NewSession(testMetaData(), "user-1", "tester")
	old.lastTouched.Store(time.Now().Add(-2 * time.Hour).UnixMilli())
	fresh := NewSession(testMetaData(), "user-1", "tester")
	st.Put(old)
	st.Put(fresh)

	expired := st.ExpiredBefore(time.Now().Add(-time.Hour))
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("ExpiredBefore returned %d sessions, want only the stale one", len(expired))
	}

	st.Remove(old.ID)
	if st.Get(old.ID) != nil {
		t.Error("removed session still present")
	}
	if st.Len() != 1 {
		t.Errorf("Len() = %d, want 1", st.Len())
	}
}

func TestSessionPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := NewAttachmentSession(model.AttachmentMetaData{
		RequestMetaData: testMetaData(),
		AttachmentID:    "3",
		FileType:        model.FileTypeLog,
		LogCount:        1,
	}, "user-1", "tester")

	if err := SaveSessionFile(dir, s); err != nil {
		t.Fatalf("SaveSessionFile: %v", err)
	}

	st := NewStore()
	n, err := LoadSessions(dir, st)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if n != 1 {
		t.Fatalf("loaded %d sessions, want 1", n)
	}

	got := st.Get(s.ID)
	if got == nil {
		t.Fatal("session missing after reload")
	}
	if got.FileType != model.FileTypeLog || got.Attachment == nil || got.Attachment.AttachmentID != "3" {
		t.Errorf("attachment metadata lost in round trip: %+v", got)
	}
	if got.MetaData.DeviceID != s.MetaData.DeviceID {
		t.Errorf("device id lost in round trip")
	}
	if got.State() != StateOpenEmpty {
		t.Errorf("reloaded state = %v, want OPEN_EMPTY", got.State())
	}

	if err := RemoveSessionFile(dir, s.ID); err != nil {
		t.Fatalf("RemoveSessionFile: %v", err)
	}
	// Second removal is a no-op.
	if err := RemoveSessionFile(dir, s.ID); err != nil {
		t.Fatalf("RemoveSessionFile (missing): %v", err)
	}
}

func TestLoadSessionsSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "garbage.session"), []byte("{not json"), 0o640); err != nil {
		t.Fatal(err)
	}

	st := NewStore()
	n, err := LoadSessions(dir, st)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if n != 0 || st.Len() != 0 {
		t.Errorf("corrupt session file was loaded")
	}
}
