package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/velotrace/collector/internal/logger"
	"github.com/velotrace/collector/pkg/upload"
)

const lockFileSuffix = ".lock"

// Stage manages the per-upload temp chunk files in the upload folder.
// One file per upload identifier, append-only: the file length always
// equals the highest acknowledged contiguous byte offset plus one.
type Stage struct {
	dir string
}

// NewStage opens the upload folder, creating it if needed.
func NewStage(dir string) (*Stage, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating upload folder %s: %w", dir, err)
	}
	return &Stage{dir: dir}, nil
}

// Dir returns the upload folder path.
func (st *Stage) Dir() string {
	return st.dir
}

// Path returns the temp chunk file path for id.
func (st *Stage) Path(id string) string {
	return filepath.Join(st.dir, id)
}

// Append streams source onto the end of the temp file for id. The
// chunk's start offset must equal the current file length; otherwise
// nothing is written and ErrWrongChunkOffset is returned.
//
// A file lock makes the append exclusive: when two chunks for one
// upload race, exactly one of them writes, the other gets
// ErrConcurrentChunk.
func (st *Stage) Append(ctx context.Context, id string, source io.Reader, rng upload.ContentRange) (int64, error) {
	fl := flock.New(st.Path(id) + lockFileSuffix)
	locked, err := fl.TryLock()
	if err != nil {
		return 0, fmt.Errorf("locking temp file for %s: %w", id, err)
	}
	if !locked {
		return 0, ErrConcurrentChunk
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			logger.Warn("unlocking temp file failed", "upload", id, "error", err)
		}
	}()

	size, err := st.Size(id)
	if err != nil {
		return 0, err
	}
	if size != rng.From {
		return size, ErrWrongChunkOffset
	}

	f, err := os.OpenFile(st.Path(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return size, fmt.Errorf("opening temp file for %s: %w", id, err)
	}

	// Stream straight to disk; the write path never holds a full chunk
	// in memory.
	written, copyErr := io.Copy(f, source)
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = err
	}

	newSize := size + written
	if copyErr != nil {
		// Keep whatever bytes were flushed: the client resumes from the
		// acknowledged offset after a dropped connection.
		return newSize, fmt.Errorf("writing chunk for %s: %w", id, copyErr)
	}

	if newSize-1 != rng.To {
		return newSize, fmt.Errorf("%w: staged %d bytes, chunk declared end %d", ErrContentRangeMismatch, newSize, rng.To)
	}
	return newSize, nil
}

// Size returns the staged length for id; zero when no temp file exists.
func (st *Stage) Size(id string) (int64, error) {
	info, err := os.Stat(st.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading temp file size for %s: %w", id, err)
	}
	return info.Size(), nil
}

// Remove deletes the temp file and its lock file for id.
func (st *Stage) Remove(id string) error {
	if err := os.Remove(st.Path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing temp file for %s: %w", id, err)
	}
	if err := os.Remove(st.Path(id) + lockFileSuffix); err != nil && !os.IsNotExist(err) {
		logger.Warn("removing lock file failed", "upload", id, "error", err)
	}
	return nil
}

// List returns the upload identifiers that have staged bytes.
func (st *Stage) List() ([]string, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("scanning upload folder %s: %w", st.dir, err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !isChunkFile(e.Name()) {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// Sweep removes temp files whose last modification is older than maxAge
// and returns the identifiers it removed.
func (st *Stage) Sweep(maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("scanning upload folder %s: %w", st.dir, err)
	}

	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for _, e := range entries {
		if e.IsDir() || !isChunkFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := st.Remove(e.Name()); err != nil {
			logger.Warn("removing expired temp file failed", "upload", e.Name(), "error", err)
			continue
		}
		logger.Info("removed expired temp file",
			"upload", e.Name(), "age", time.Since(info.ModTime()).Round(time.Minute))
		removed = append(removed, e.Name())
	}
	return removed, nil
}

// isChunkFile filters out the lock and session bookkeeping files living
// next to the chunk files in the flat upload folder.
func isChunkFile(name string) bool {
	return upload.ValidID(name) && !strings.Contains(name, ".")
}
