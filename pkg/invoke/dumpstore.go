package invoke

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DumpStore persists full payload bodies to disk so preview clipping never
// loses data. Files land under the configured directory as
// session_<id>_<kind>_<timestamp>.txt.
type DumpStore struct {
	dir string
	now func() time.Time
}

// NewDumpStore creates a store rooted at dir. The directory is created on
// first save.
func NewDumpStore(dir string) *DumpStore {
	return &DumpStore{dir: dir, now: time.Now}
}

// Save writes one payload and returns the file path.
func (s *DumpStore) Save(sessionID, kind, body string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("dump store: %w", err)
	}
	safeID := strings.ReplaceAll(sessionID, string(os.PathSeparator), "_")
	name := fmt.Sprintf("session_%s_%s_%s.txt", safeID, kind, s.now().Format("20060102-150405"))
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("dump store: %w", err)
	}
	return path, nil
}
