// Package checkpoint persists run progress as a single JSON document,
// read once at startup and overwritten atomically on every save.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/permitlead/harvester/internal/extract"
)

// Store reads and writes the checkpoint file.
type Store struct {
	path string
}

// NewStore creates a Store at path, creating parent directories as needed.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create checkpoint dir %s: %w", dir, err)
		}
	}
	return &Store{path: path}, nil
}

// Load reads the stored checkpoint. Absence means a fresh run and is
// reported without error.
func (s *Store) Load() (extract.Checkpoint, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return extract.Checkpoint{}, false, nil
		}
		return extract.Checkpoint{}, false, fmt.Errorf("read checkpoint %s: %w", s.path, err)
	}
	var cp extract.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return extract.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", s.path, err)
	}
	return cp, true, nil
}

// Save overwrites the durable record. Write-then-rename keeps a crash
// mid-save from leaving a partial file behind.
func (s *Store) Save(cp extract.Checkpoint) error {
	payload, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace checkpoint %s: %w", s.path, err)
	}
	return nil
}
