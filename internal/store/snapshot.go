package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ledgerline/gatehouse/internal/domain"
)

const snapshotFile = "flags.json"

// Snapshot persists the registry's flag set to local disk so an instance
// can boot with its last known policy when the database is unreachable.
// It is a bootstrap fallback, never the source of truth.
type Snapshot struct {
	dir string
}

// NewSnapshot creates the snapshot directory if needed.
func NewSnapshot(dir string) (*Snapshot, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Snapshot{dir: dir}, nil
}

// Save writes the flag set atomically (write to temp file, then rename).
func (s *Snapshot) Save(flags []domain.Flag) error {
	data, err := json.MarshalIndent(flags, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := filepath.Join(s.dir, snapshotFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, snapshotFile)); err != nil {
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	return nil
}

// Load reads the last saved flag set. A missing snapshot returns an empty
// set, not an error.
func (s *Snapshot) Load() ([]domain.Flag, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var flags []domain.Flag
	if err := json.Unmarshal(data, &flags); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return flags, nil
}
