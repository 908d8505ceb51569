package upload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/velotrace/collector/internal/logger"
)

// sessionFileSuffix marks the on-disk session records written next to
// the temp chunk files. The pair (chunk file, session file) is what
// makes an interrupted upload resumable across a process restart.
const sessionFileSuffix = ".session"

// SessionFilePath returns the on-disk session record path for id.
func SessionFilePath(dir, id string) string {
	return filepath.Join(dir, id+sessionFileSuffix)
}

// SaveSessionFile writes the session record for s into dir.
func SaveSessionFile(dir string, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", s.ID, err)
	}
	path := SessionFilePath(dir, s.ID)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("writing session file %s: %w", path, err)
	}
	return nil
}

// RemoveSessionFile deletes the on-disk record for id. Missing files are
// fine; the janitor and the commit path race benignly here.
func RemoveSessionFile(dir, id string) error {
	err := os.Remove(SessionFilePath(dir, id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadSessions scans dir for session records and rebuilds the in-memory
// store from them. Corrupt records are skipped with a warning so one bad
// file does not block startup.
func LoadSessions(dir string, st *Store) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("scanning upload folder %s: %w", dir, err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), sessionFileSuffix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable session file", "path", path, "error", err)
			continue
		}

		var s Session
		if err := json.Unmarshal(data, &s); err != nil || !ValidID(s.ID) {
			logger.Warn("skipping corrupt session file", "path", path, "error", err)
			continue
		}
		s.state = StateOpenEmpty
		s.Touch()

		st.Put(&s)
		loaded++
	}
	return loaded, nil
}
