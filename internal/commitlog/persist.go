package commitlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// StoredLog is the on-disk form of a session's commit log.
type StoredLog struct {
	SessionID string    `json:"session_id"`
	Epoch     int       `json:"epoch"`
	SavedAt   time.Time `json:"saved_at"`
	Count     int       `json:"count"`
	Records   []Record  `json:"records"`
}

// WriteSnapshot persists the current records to dir/<sid>.json via a
// write-then-rename, so readers never observe a torn file.
func (l *Log) WriteSnapshot(dir, sid string, epoch int, savedAt time.Time) error {
	l.mu.RLock()
	stored := StoredLog{
		SessionID: sid,
		Epoch:     epoch,
		SavedAt:   savedAt.UTC(),
		Count:     len(l.records),
		Records:   append([]Record(nil), l.records...),
	}
	l.mu.RUnlock()

	b, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal commit log %s: %w", sid, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create commit log dir: %w", err)
	}
	path := filepath.Join(dir, sid+".json")
	if err := renameio.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write commit log %s: %w", path, err)
	}
	return nil
}

// ReadSnapshot loads a previously written commit log snapshot.
func ReadSnapshot(dir, sid string) (*StoredLog, error) {
	path := filepath.Join(dir, sid+".json")
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read commit log %s: %w", path, err)
	}
	var stored StoredLog
	if err := json.Unmarshal(b, &stored); err != nil {
		return nil, fmt.Errorf("parse commit log %s: %w", path, err)
	}
	return &stored, nil
}
