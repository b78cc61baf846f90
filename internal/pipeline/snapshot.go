package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// snapshot is the on-disk form of the store. Claims are runtime-only and are
// not persisted.
type snapshot struct {
	SavedAt time.Time      `json:"saved_at"`
	Records []TrackedIssue `json:"records"`
}

// SaveSnapshot writes the current records to path as JSON, atomically (temp
// file in the same directory, then rename). Persistence is best-effort: the
// store is authoritative in memory and a failed save loses nothing.
func (s *Store) SaveSnapshot(path string) error {
	snap := snapshot{
		SavedAt: time.Now().UTC(),
		Records: s.List(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	data = append(data, '\n')
	return writeAtomic(path, data)
}

// LoadSnapshot restores records from a snapshot file. A missing file is not
// an error: the store simply starts empty. Records that fail their invariant
// checks are skipped and reported in the returned count of loaded records'
// companion error; loading never partially mutates an already-populated
// record.
func (s *Store) LoadSnapshot(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("unmarshal snapshot %s: %w", path, err)
	}
	loaded := 0
	var firstErr error
	for _, rec := range snap.Records {
		if err := rec.CheckInvariants(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.mu.Lock()
		if _, ok := s.records[rec.ID]; !ok {
			cp := rec
			s.records[rec.ID] = &cp
			loaded++
		}
		s.mu.Unlock()
	}
	return loaded, firstErr
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up temp file on any error path.
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	tmpName = "" // prevent deferred removal
	return nil
}
