package license

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// snapshotFile is the on-disk persistence format. It exists so a restart
// does not lose bindings or balances when no external registry is
// configured; the in-memory state always wins while the process is up.
type snapshotFile struct {
	SavedAt  time.Time `json:"saved_at"`
	Licenses []License `json:"licenses"`
}

func (m *MemoryStore) writeSnapshot() error {
	m.mu.RLock()
	snap := snapshotFile{
		SavedAt:  m.now(),
		Licenses: make([]License, 0, len(m.licenses)),
	}
	for _, lic := range m.licenses {
		snap.Licenses = append(snap.Licenses, lic)
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	// Write-then-rename so a crash mid-write never truncates the previous
	// snapshot.
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (m *MemoryStore) restoreSnapshot() error {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if dir := filepath.Dir(m.snapshotPath); dir != "." {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return fmt.Errorf("create snapshot dir: %w", err)
				}
			}
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lic := range snap.Licenses {
		m.licenses[lic.Key] = lic
		if lic.Duration == DurationTrial && lic.Fingerprint != "" {
			m.trials[lic.Fingerprint] = lic.Key
		}
	}
	return nil
}
