package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"keybridge.io/internal/obs"
)

// snapshotFile is the on-disk form of the request registry.
type snapshotFile struct {
	SavedAt  time.Time                  `json:"saved_at"`
	Requests map[string]*PendingRequest `json:"requests"`
}

// persistRequestsLocked writes the request registry snapshot with an atomic
// replace, so a crash mid-write never leaves a corrupt file. Callers must
// hold requestsMu. Failures are logged and counted, not propagated; the
// in-memory registry stays authoritative until the next write.
func (s *Store) persistRequestsLocked() {
	if s.snapshotPath == "" {
		return
	}
	snap := snapshotFile{
		SavedAt:  s.clock().UTC(),
		Requests: s.requests,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Printf("snapshot marshal failed: %v", err)
		obs.SnapshotFailed()
		return
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Printf("snapshot write failed: %v", err)
		obs.SnapshotFailed()
		return
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		log.Printf("snapshot rename failed: %v", err)
		obs.SnapshotFailed()
		return
	}
}

// loadSnapshot rehydrates the request registry. A missing file is a fresh
// start; an unreadable one is an error the caller must surface.
func (s *Store) loadSnapshot() error {
	if s.snapshotPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0o700); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	data, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}
	if snap.Requests != nil {
		s.requests = snap.Requests
	}
	return nil
}
