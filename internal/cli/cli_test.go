package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/digest-scheduler/internal/config"
	"github.com/ChuLiYu/digest-scheduler/internal/discovery"
	"github.com/ChuLiYu/digest-scheduler/internal/scheduler"
	"github.com/ChuLiYu/digest-scheduler/internal/server"
	"github.com/ChuLiYu/digest-scheduler/internal/snapshot"
	"github.com/ChuLiYu/digest-scheduler/internal/store"
	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// writeConfig writes a config that keeps every file inside dir.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	body := fmt.Sprintf(`
store:
  driver: sqlite
  path: %s
status:
  path: %s
  interval: 1s
log:
  level: error
`, filepath.Join(dir, "digest.db"), filepath.Join(dir, "status.json"))
	path := filepath.Join(dir, "digest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// ============================================================================
// Command Construction
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "digestd", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
	}
	assert.Len(t, commandNames, 6)
	for _, name := range []string{"run", "tick", "enqueue", "status", "import", "list"} {
		assert.True(t, commandNames[name], "missing %q command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE)
}

func TestBuildEnqueueCommand(t *testing.T) {
	cmd := buildEnqueueCommand()

	assert.Equal(t, "enqueue", cmd.Use)

	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag, "Should have --file flag")
	assert.Equal(t, "f", fileFlag.Shorthand)

	for _, name := range []string{"admin", "subscription", "user", "reason"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s", name)
	}
	assert.Equal(t, "manual", cmd.Flags().Lookup("reason").DefValue)
}

func TestBuildImportCommand_RequiresFile(t *testing.T) {
	_, err := execute(t, "import")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file")
}

func TestAdminURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8090", "http://localhost:8090"},
		{"127.0.0.1:9000", "http://127.0.0.1:9000"},
		{"http://admin.internal:8090", "http://admin.internal:8090"},
		{"https://admin.example.com", "https://admin.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, adminURL(tt.addr))
		})
	}
}

// ============================================================================
// import / list
// ============================================================================

func TestImportSubscriptions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(24 * time.Hour)

	subs := []types.Subscription{
		{ID: 1, UserID: 10, Category: " Job ", Query: "go", Frequency: "DAILY"},
		{ID: 2, UserID: 20, Category: types.CategoryPeople, Query: "ana", Frequency: types.FrequencyWeekly, NextRunAt: &later},
	}

	n, err := importSubscriptions(ctx, st, subs, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first, err := st.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.CategoryJob, first.Category)
	assert.Equal(t, types.FrequencyDaily, first.Frequency)
	require.NotNil(t, first.NextRunAt)
	assert.True(t, first.NextRunAt.Equal(now), "missing next_run_at defaults to now")

	second, err := st.FindByID(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, second.NextRunAt)
	assert.True(t, second.NextRunAt.Equal(later))

	due, err := st.FindDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].ID)
}

func TestImportSubscriptions_StopsOnInvalid(t *testing.T) {
	st := store.NewMemory()
	subs := []types.Subscription{
		{ID: 1, UserID: 10, Category: types.CategoryGig},
		{ID: 2, UserID: 0, Category: types.CategoryGig},
		{ID: 3, UserID: 30, Category: types.CategoryGig},
	}

	n, err := importSubscriptions(context.Background(), st, subs, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrInvalid)
	assert.Equal(t, 1, n)
}

func TestImportAndListCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	subsPath := filepath.Join(dir, "subs.json")
	data, err := json.Marshal([]types.Subscription{
		{ID: 7, UserID: 70, Category: types.CategoryProject, Query: "rust compilers", Frequency: types.FrequencyDaily},
		{ID: 8, UserID: 80, Category: types.CategoryMixed, Query: "design", Frequency: types.FrequencyImmediate},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(subsPath, data, 0o644))

	out, err := execute(t, "-c", cfgPath, "import", "-f", subsPath)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 2 of 2 subscriptions")

	out, err = execute(t, "-c", cfgPath, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "CATEGORY")
	assert.Contains(t, out, "rust compilers")
	assert.Contains(t, out, "mixed")
}

// ============================================================================
// status
// ============================================================================

func TestStatusCommand_FromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	out, err := execute(t, "-c", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "no status file")

	last := time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)
	mgr := snapshot.NewManager(filepath.Join(dir, "status.json"))
	require.NoError(t, mgr.Write(snapshot.Status{
		Worker: types.WorkerStatus{
			Running:      true,
			PendingJobs:  3,
			MaxQueueSize: 500,
			LastRunAt:    &last,
			Interval:     time.Minute,
			Quarantined:  1,
		},
		Quarantined: []int64{42},
	}))

	out, err = execute(t, "-c", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "running (interval 1m0s)")
	assert.Contains(t, out, "3 / 500")
	assert.Contains(t, out, "2026-02-02T08:00:00Z")
	assert.Contains(t, out, "42")
}

func TestStatusCommand_Live(t *testing.T) {
	ts, sched := newAdminServer(t)
	for id := int64(1); id <= 3; id++ {
		_, err := sched.EnqueueJob(id, 10, types.ReasonManual)
		require.NoError(t, err)
	}

	out, err := execute(t, "status", "--admin", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "live "+ts.URL)
	assert.Contains(t, out, "stopped")
	assert.Contains(t, out, "3 / 500")
}

func TestStatusCommand_LiveQuarantined(t *testing.T) {
	st := store.NewMemory()
	due := time.Now().Add(-time.Minute)
	_, err := st.Upsert(context.Background(), types.Subscription{
		ID: 42, UserID: 7, Category: types.CategoryJob, Query: "go", Frequency: types.FrequencyDaily, NextRunAt: &due,
	})
	require.NoError(t, err)

	// the empty registry fails every search, so one tick quarantines 42
	ts, sched := newAdminServerWith(t, scheduler.Config{Retry: scheduler.RetryPolicy{MaxConsecutiveFailures: 1}}, st)
	_, err = sched.RunTick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{42}, sched.Quarantined())

	out, err := execute(t, "status", "--admin", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Quarantined:     1")
	assert.Contains(t, out, "IDs:          42")
}

// ============================================================================
// enqueue
// ============================================================================

func newAdminServer(t *testing.T) (*httptest.Server, *scheduler.Scheduler) {
	t.Helper()
	return newAdminServerWith(t, scheduler.Config{Interval: time.Minute}, store.NewMemory())
}

func newAdminServerWith(t *testing.T, cfg scheduler.Config, st store.Store) (*httptest.Server, *scheduler.Scheduler) {
	t.Helper()
	sched, err := scheduler.New(cfg, scheduler.Dependencies{
		Store:     st,
		Discovery: discovery.NewRegistry(),
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(server.NewAdmin(sched, server.AdminOptions{Logger: zerolog.Nop()}).Handler())
	t.Cleanup(ts.Close)
	return ts, sched
}

func TestEnqueueRemote(t *testing.T) {
	ts, sched := newAdminServer(t)

	var out bytes.Buffer
	err := enqueueRemote(&out, newAdminClient(ts.URL), []server.EnqueueRequest{
		{SubscriptionID: 5, UserID: 50},
		{SubscriptionID: 0, UserID: 50},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out.String(), "✓ subscription 5 queued")
	assert.Contains(t, out.String(), "✗ subscription 0")
	assert.Contains(t, out.String(), "(400)")
	assert.Equal(t, 1, sched.QueueSnapshot().Pending)
}

func TestEnqueueCommand_FromFile(t *testing.T) {
	ts, sched := newAdminServer(t)

	path := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"subscription_id": 1, "user_id": 10},
		{"subscription_id": 2, "user_id": 20, "priority": 1, "payload": {"source": "cli"}}
	]`), 0o644))

	out, err := execute(t, "enqueue", "-f", path, "--admin", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "subscription 2 queued")

	jobs := sched.DrainJobs(10)
	require.Len(t, jobs, 2)
	assert.Equal(t, 1, jobs[1].Priority)
	assert.Equal(t, "cli", jobs[1].Payload["source"])
}

func TestEnqueueCommand_Flags(t *testing.T) {
	ts, sched := newAdminServer(t)

	_, err := execute(t, "enqueue", "--admin", ts.URL, "--subscription", "9", "--user", "90", "--reason", "scheduled_run")
	require.NoError(t, err)

	jobs := sched.DrainJobs(1)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(9), jobs[0].SubscriptionID)
	assert.Equal(t, types.ReasonScheduledRun, jobs[0].Reason)
}

// ============================================================================
// App
// ============================================================================

func TestApp_RunTick(t *testing.T) {
	var calls atomic.Int32
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/search/job", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":1},{"id":2}],"total":2}`))
	}))
	defer search.Close()

	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Discovery.BaseURL = search.URL
	cfg.Status.Path = filepath.Join(t.TempDir(), "status.json")

	ctx := context.Background()
	app, err := NewApp(ctx, cfg, "", zerolog.Nop())
	require.NoError(t, err)
	defer app.Close()

	now := time.Now().Add(-time.Minute)
	_, err = importSubscriptions(ctx, app.Store, []types.Subscription{
		{ID: 1, UserID: 10, Category: types.CategoryJob, Query: "go", Frequency: types.FrequencyDaily, NextRunAt: &now},
	}, now)
	require.NoError(t, err)

	report, err := app.Scheduler.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)
	assert.Equal(t, 1, report.Executed)
	assert.Equal(t, int32(1), calls.Load())

	sub, err := app.Store.FindByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, sub.LastTriggeredAt)
	require.NotNil(t, sub.NextRunAt)
	assert.True(t, sub.NextRunAt.After(*sub.LastTriggeredAt))

	require.NoError(t, app.Status.Write(app.snapshot()))
	doc, err := app.Status.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Worker.PendingJobs)
}

func TestApp_ApplyConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "memory"

	app, err := NewApp(context.Background(), cfg, "", zerolog.Nop())
	require.NoError(t, err)
	defer app.Close()

	for id := int64(1); id <= 4; id++ {
		_, err := app.Scheduler.EnqueueJob(id, 1, types.ReasonManual)
		require.NoError(t, err)
	}

	next := config.Default()
	next.Queue.MaxSize = 2
	next.Log.Level = "warn"
	app.ApplyConfig(next)
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	snap := app.Scheduler.QueueSnapshot()
	assert.Equal(t, 2, snap.MaxSize)
	assert.Equal(t, 2, snap.Pending)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestRunDaemon_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "digest.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
scheduler:
  interval: 1h
store:
  driver: memory
metrics:
  enabled: false
admin:
  enabled: false
status:
  path: %s
  interval: 1h
log:
  level: error
`, filepath.Join(dir, "status.json"))), 0o644))
	configFile = cfgPath

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runDaemon(ctx) }()

	statusPath := filepath.Join(dir, "status.json")
	require.Eventually(t, func() bool {
		_, err := os.Stat(statusPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runDaemon did not return after cancel")
	}

	doc, err := snapshot.NewManager(statusPath).Load()
	require.NoError(t, err)
	assert.False(t, doc.Worker.Running, "final status is written after the loop stops")
}

func TestApp_Run_GRPCPortTaken(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	adminAddr := free.Addr().String()
	require.NoError(t, free.Close())

	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Metrics.Enabled = false
	cfg.Admin.Enabled = true
	cfg.Admin.Addr = adminAddr
	cfg.GRPC.Enabled = true
	cfg.GRPC.Addr = taken.Addr().String()
	cfg.Scheduler.Autostart = true
	cfg.Status.Path = ""

	app, err := NewApp(context.Background(), cfg, "", zerolog.Nop())
	require.NoError(t, err)
	defer app.Close()

	done := make(chan error, 1)
	go func() { done <- app.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), taken.Addr().String())
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not fail on a taken grpc port")
	}

	conn, err := net.DialTimeout("tcp", adminAddr, 200*time.Millisecond)
	if err == nil {
		conn.Close()
	}
	assert.Error(t, err, "admin server must not be left listening")
	assert.False(t, app.Scheduler.Status().Running)
}
