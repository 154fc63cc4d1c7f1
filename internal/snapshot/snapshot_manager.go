// ============================================================================
// Status Snapshot Manager - scheduler status on disk
// ============================================================================
//
// Package: internal/snapshot
// File: snapshot_manager.go
// Purpose: Periodically persist the scheduler status so `digestd status`
//          can read it from another process.
//
// File format (JSON, indented):
//   {
//     "schema_ver": 1,
//     "written_at": "...",
//     "pid": 4242,
//     "worker": { ...types.WorkerStatus... },
//     "quarantined": [12, 40]
//   }
//
// Atomic write:
//   1. write <path>.tmp
//   2. rename over <path>
//   A reader sees either the previous document or the new one, never a
//   partial file.
//
// ============================================================================

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

// SchemaVersion is written into every document.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("status file is corrupted")
	ErrIncompatibleVersion = errors.New("status file schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("status file not found")
)

// Status is the persisted document.
type Status struct {
	SchemaVer   int                `json:"schema_ver"`
	WrittenAt   time.Time          `json:"written_at"`
	PID         int                `json:"pid"`
	Worker      types.WorkerStatus `json:"worker"`
	Quarantined []int64            `json:"quarantined"`
}

// Manager reads and writes one status file.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically replaces the status file. SchemaVer, PID and WrittenAt are
// filled in when unset.
func (m *Manager) Write(st Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st.SchemaVer = SchemaVersion
	if st.WrittenAt.IsZero() {
		st.WrittenAt = time.Now()
	}
	if st.PID == 0 {
		st.PID = os.Getpid()
	}
	if st.Quarantined == nil {
		st.Quarantined = []int64{}
	}

	jsonBytes, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create status dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp status: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename status: %w", err)
	}
	return nil
}

// Load reads the status file.
func (m *Manager) Load() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Status
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return st, fmt.Errorf("failed to read status: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &st); err != nil {
		return st, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if st.SchemaVer != SchemaVersion {
		return st, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, st.SchemaVer, SchemaVersion)
	}
	return st, nil
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *Manager) GetPath() string {
	return m.path
}

// Run writes source() every interval until ctx is cancelled, then writes one
// final document.
func (m *Manager) Run(ctx context.Context, interval time.Duration, source func() Status, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	write := func() {
		if err := m.Write(source()); err != nil {
			log.Error().Err(err).Str("path", m.path).Msg("failed to write status file")
		}
	}

	write()
	for {
		select {
		case <-ctx.Done():
			write()
			return
		case <-ticker.C:
			write()
		}
	}
}
