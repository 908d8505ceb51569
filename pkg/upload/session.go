package upload

import (
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/velotrace/collector/pkg/model"
)

// State is the lifecycle position of an upload session.
type State int

const (
	// StateOpenEmpty: pre-request accepted, no bytes received yet.
	StateOpenEmpty State = iota
	// StateOpenPartial: at least one chunk accepted, bytes < total.
	StateOpenPartial
	// StateCommitting: all bytes received, backend finalize in flight.
	StateCommitting
	// StateCommitted: the stored object exists; terminal.
	StateCommitted
	// StateAbandoned: janitor sweep or explicit abort; terminal.
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateOpenEmpty:
		return "OPEN_EMPTY"
	case StateOpenPartial:
		return "OPEN_PARTIAL"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	case StateAbandoned:
		return "ABANDONED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// validTransitions encodes the session state machine. A transition absent
// here is a programming error, surfaced instead of silently applied.
var validTransitions = map[State][]State{
	StateOpenEmpty:   {StateOpenPartial, StateCommitting, StateAbandoned},
	StateOpenPartial: {StateOpenPartial, StateCommitting, StateAbandoned},
	StateCommitting:  {StateCommitted, StateOpenPartial, StateAbandoned},
}

// Session binds an upload identifier to the metadata declared in the
// pre-request and the principal that issued it. A session exclusively
// owns its temp chunk file; chunk handling for one session is serialized
// through Lock.
type Session struct {
	ID       string                    `json:"id"`
	FileType model.FileType            `json:"fileType"`
	MetaData model.RequestMetaData     `json:"metaData"`
	// Attachment is set only for attachment uploads.
	Attachment *model.AttachmentMetaData `json:"attachment,omitempty"`

	UserID     string    `json:"userId"`
	Username   string    `json:"username"`
	AcceptedAt time.Time `json:"acceptedAt"`

	mu    sync.Mutex
	state State
	// lastTouched is unix milliseconds, kept atomic so the janitor can
	// read it without taking the chunk-serializing session lock.
	lastTouched atomic.Int64
}

// NewID allocates a random 128-bit upload identifier, rendered as the
// 32-char lowercase-hex token embedded in upload URLs.
func NewID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// ValidID reports whether id is a well-formed session identifier.
func ValidID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// NewSession creates an OPEN_EMPTY session for a measurement upload.
func NewSession(meta model.RequestMetaData, userID, username string) *Session {
	now := time.Now()
	s := &Session{
		ID:         NewID(),
		FileType:   model.FileTypeMeasurement,
		MetaData:   meta,
		UserID:     userID,
		Username:   username,
		AcceptedAt: now,
		state:      StateOpenEmpty,
	}
	s.lastTouched.Store(now.UnixMilli())
	return s
}

// NewAttachmentSession creates an OPEN_EMPTY session for an attachment.
func NewAttachmentSession(meta model.AttachmentMetaData, userID, username string) *Session {
	s := NewSession(meta.RequestMetaData, userID, username)
	s.FileType = meta.FileType
	s.Attachment = &meta
	return s
}

// Lock serializes chunk handling and finalize for this session. Two
// concurrent chunks with the same offset contend here; the loser
// re-reads the acknowledged size and self-heals.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session.
func (s *Session) Unlock() { s.mu.Unlock() }

// State returns the current lifecycle state. Callers that need the state
// to stay put must hold Lock.
func (s *Session) State() State {
	return s.state
}

// Advance moves the session to next, rejecting transitions the state
// machine does not allow. Callers must hold Lock.
func (s *Session) Advance(next State) error {
	for _, allowed := range validTransitions[s.state] {
		if next == allowed {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("upload session %s: illegal transition %s -> %s", s.ID, s.state, next)
}

// Touch records byte-append activity so the janitor keeps the session.
func (s *Session) Touch() {
	s.lastTouched.Store(time.Now().UnixMilli())
}

// LastTouched returns the time of the last accepted byte append (or
// session creation).
func (s *Session) LastTouched() time.Time {
	return time.UnixMilli(s.lastTouched.Load())
}
