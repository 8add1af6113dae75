package devicecache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tether/internal/policy"
)

const snapshotFile = "policy.json"

// snapshot is the durable copy of the device's last known-good policy.
// It survives restarts so locks keep gating writes while offline.
type snapshot struct {
	Settings     map[string]any                `json:"settings"`
	Locks        map[string]policy.SettingLock `json:"locks"`
	GroupID      string                        `json:"group_id,omitempty"`
	GroupName    string                        `json:"group_name,omitempty"`
	LastSyncedAt *time.Time                    `json:"last_synced_at,omitempty"`
	SavedAt      time.Time                     `json:"saved_at"`
}

func snapshotPath(dataDir string) string {
	return filepath.Join(dataDir, snapshotFile)
}

// loadSnapshot reads the persisted policy, returning nil when none exists.
func loadSnapshot(dataDir string) (*snapshot, error) {
	data, err := os.ReadFile(snapshotPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read policy snapshot: %w", err)
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse policy snapshot: %w", err)
	}
	return &s, nil
}

// saveSnapshot writes the snapshot atomically: a temp file in the same
// directory, then rename. A crash mid-write never corrupts the old copy.
func saveSnapshot(dataDir string, s *snapshot) error {
	s.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy snapshot: %w", err)
	}
	path := snapshotPath(dataDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write policy snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace policy snapshot: %w", err)
	}
	return nil
}

// removeSnapshot deletes the persisted policy, if any.
func removeSnapshot(dataDir string) error {
	err := os.Remove(snapshotPath(dataDir))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
