package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

func sampleStatus() Status {
	last := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	return Status{
		WrittenAt: last.Add(time.Second),
		Worker: types.WorkerStatus{
			Running:      true,
			PendingJobs:  3,
			MaxQueueSize: 500,
			LastRunAt:    &last,
			Interval:     time.Minute,
			Quarantined:  1,
		},
		Quarantined: []int64{42},
	}
}

func TestNewManager(t *testing.T) {
	manager := NewManager("status.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "status.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "status.json")
	manager := NewManager(path)

	original := sampleStatus()
	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, os.Getpid(), loaded.PID)
	assert.True(t, original.WrittenAt.Equal(loaded.WrittenAt))
	assert.Equal(t, original.Worker.PendingJobs, loaded.Worker.PendingJobs)
	assert.Equal(t, original.Worker.Interval, loaded.Worker.Interval)
	assert.True(t, original.Worker.LastRunAt.Equal(*loaded.Worker.LastRunAt))
	assert.Nil(t, loaded.Worker.OldestJobAt)
	assert.Equal(t, []int64{42}, loaded.Quarantined)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")
}

func TestLoad_NotFound(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	assert.False(t, manager.Exists())

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	manager := NewManager(path)

	doc := sampleStatus()
	doc.SchemaVer = 2
	jsonBytes, err := json.MarshalIndent(doc, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, jsonBytes, 0o644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 1, "worker": {"running": tr`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0o555))
	defer os.Chmod(readOnlyDir, 0o755)

	err := NewManager(filepath.Join(readOnlyDir, "status.json")).Write(sampleStatus())
	assert.Error(t, err)
}

func TestConcurrentWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	manager := NewManager(path)
	require.NoError(t, manager.Write(sampleStatus()))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			st := sampleStatus()
			st.Worker.PendingJobs = n
			assert.NoError(t, manager.Write(st))
		}(i)
		go func() {
			defer wg.Done()
			_, err := manager.Load()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	manager := NewManager(path)

	var calls atomic.Int32
	source := func() Status {
		st := sampleStatus()
		st.Worker.PendingJobs = int(calls.Add(1))
		return st
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		manager.Run(ctx, 10*time.Millisecond, source, zerolog.Nop())
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, int(calls.Load()), loaded.Worker.PendingJobs, "final write happens on shutdown")
}
