// ============================================================================
// Digest Scheduler - periodic saved-search executor
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: Turn persisted subscriptions into timed digest searches
//
// Tick (every Interval, or on demand through RunTick):
//
//   Phase A - enqueue due subscriptions
//     Store.FindDue(now, BatchSize) -> Queue.Enqueue(id, user, scheduled_run)
//     Subscriptions that are in flight or quarantined are skipped. Enqueue
//     failures (queue full) are logged and the phase moves on.
//
//   Phase B - process pending jobs
//     Queue.Drain(BatchSize) -> Store.FindByID -> Discovery.Search
//       success: Store.Update(lastTriggeredAt=now, nextRunAt) + Observer
//       failure: job dropped, nothing persisted. NextRunAt still lies in the
//                past, so the next Phase A queues it again. That is the only
//                retry path.
//
//   A failing FindDue does not prevent Phase B from running.
//
// Concurrency:
//   - One loop goroutine selects on the ticker and stopCh.
//   - Each tick runs on its own goroutine behind the busy flag. A tick that
//     fires while the previous one is running is skipped, not queued.
//   - Stop only ends the loop. A tick already executing runs to completion
//     with its own context.
//   - Start and Stop are serialised by lifeMu. Each run owns its stopCh and
//     loopDone, so a restart never waits on the previous run's state.
//   - inFlight holds the subscriptions currently inside Discovery.Search.
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/digest-scheduler/internal/logging"
	"github.com/ChuLiYu/digest-scheduler/internal/queue"
	"github.com/ChuLiYu/digest-scheduler/internal/schedule"
	"github.com/ChuLiYu/digest-scheduler/internal/store"
	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

const (
	DefaultInterval  = 60 * time.Second
	DefaultBatchSize = 10
	DefaultPageSize  = 10
)

// ============================================================================
// Collaborators
// ============================================================================

// SubscriptionStore is the persistence the scheduler needs.
type SubscriptionStore interface {
	FindDue(ctx context.Context, now time.Time, limit int) ([]types.DueSubscription, error)
	FindByID(ctx context.Context, id int64) (types.Subscription, error)
	Update(ctx context.Context, id int64, upd types.ScheduleUpdate) error
}

// Discovery executes a search on the surface for category.
type Discovery interface {
	Search(ctx context.Context, category types.Category, req types.SearchRequest) (types.SearchResult, error)
}

// Observer receives one record per successful digest search.
type Observer interface {
	RecordSearchExecution(types.SearchExecution)
}

// Optional observer hooks, detected by type assertion.
type (
	tickObserver interface {
		RecordTick(took time.Duration)
		RecordTickSkipped()
	}
	failureObserver interface {
		RecordSearchFailure(category types.Category)
		RecordEnqueueFailure(reason string)
	}
	queueObserver interface {
		UpdateQueueStats(types.QueueSnapshot)
	}
	workerObserver interface {
		SetWorkerRunning(running bool)
	}
)

type nopObserver struct{}

func (nopObserver) RecordSearchExecution(types.SearchExecution) {}

// ============================================================================
// Configuration
// ============================================================================

// RetryPolicy bounds the implicit retry of failing subscriptions.
//
// MaxConsecutiveFailures == 0 retries on every tick without limit. A positive
// value quarantines a subscription after that many failures in a row: Phase A
// stops queuing it until a run succeeds or ReleaseQuarantine is called.
type RetryPolicy struct {
	MaxConsecutiveFailures int
}

type Config struct {
	Interval  time.Duration // default for Start(0)
	BatchSize int           // FindDue limit and Drain limit per tick
	PageSize  int           // page size of every digest search
	Retry     RetryPolicy

	// OnStateChange is called after the loop starts or stops.
	OnStateChange func(running bool)
}

type Dependencies struct {
	Store     SubscriptionStore
	Discovery Discovery
	Observer  Observer     // optional
	Queue     *queue.Queue // optional; a default-sized queue is created
	Logger    zerolog.Logger
	Clock     func() time.Time // optional; defaults to time.Now
}

// TickReport summarises one tick.
type TickReport struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Due           int           `json:"due"`
	Enqueued      int           `json:"enqueued"`
	EnqueueFailed int           `json:"enqueue_failed"`
	Skipped       int           `json:"skipped"`
	Drained       int           `json:"drained"`
	Executed      int           `json:"executed"`
	Failed        int           `json:"failed"`
	Missing       int           `json:"missing"`
	UpdateFailed  int           `json:"update_failed"`
	FindDueError  string        `json:"find_due_error,omitempty"`
}

// ============================================================================
// Scheduler
// ============================================================================

type Scheduler struct {
	cfg       Config
	store     SubscriptionStore
	discovery Discovery
	observer  Observer
	queue     *queue.Queue
	log       zerolog.Logger
	now       func() time.Time
	warnLimit *rate.Limiter

	// lifeMu serialises Start and Stop, including their state callbacks, so
	// observers see transitions in order.
	lifeMu sync.Mutex

	mu        sync.Mutex // guards the fields below
	running   bool
	stopCh    chan struct{}
	loopDone  chan struct{} // closed when the current loop goroutine exits
	tickDone  chan struct{} // closed when the last loop-started tick finishes
	interval  time.Duration
	lastRunAt *time.Time

	busy atomic.Bool

	stateMu     sync.Mutex // guards inFlight, failures, quarantined
	inFlight    map[int64]struct{}
	failures    map[int64]int
	quarantined map[int64]struct{}
}

// New wires a scheduler. Store and Discovery are required.
func New(cfg Config, deps Dependencies) (*Scheduler, error) {
	if deps.Store == nil || deps.Discovery == nil {
		return nil, ErrMissingDependency
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Retry.MaxConsecutiveFailures < 0 {
		cfg.Retry.MaxConsecutiveFailures = 0
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Queue == nil {
		deps.Queue = queue.New(queue.DefaultMaxSize)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Scheduler{
		cfg:         cfg,
		store:       deps.Store,
		discovery:   deps.Discovery,
		observer:    deps.Observer,
		queue:       deps.Queue,
		log:         logging.Component(deps.Logger, "scheduler"),
		now:         deps.Clock,
		warnLimit:   rate.NewLimiter(rate.Every(time.Second), 5),
		interval:    cfg.Interval,
		inFlight:    make(map[int64]struct{}),
		failures:    make(map[int64]int),
		quarantined: make(map[int64]struct{}),
	}, nil
}

// Start launches the tick loop. A non-positive interval uses the configured
// default. It returns false when the loop is already running.
func (s *Scheduler) Start(interval time.Duration) bool {
	if interval <= 0 {
		interval = s.cfg.Interval
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}
	stopCh, done := make(chan struct{}), make(chan struct{})
	s.running = true
	s.interval = interval
	s.stopCh = stopCh
	s.loopDone = done
	s.mu.Unlock()

	go s.loop(interval, stopCh, done)

	s.log.Info().Dur("interval", interval).Msg("scheduler started")
	s.notifyState(true)
	return true
}

// Stop ends the tick loop. It returns false when the loop is not running.
func (s *Scheduler) Stop() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	s.running = false
	close(s.stopCh)
	done := s.loopDone
	s.mu.Unlock()

	<-done
	s.log.Info().Msg("scheduler stopped")
	s.notifyState(false)
	return true
}

// Wait blocks until the last tick started by the loop has finished.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.tickDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Scheduler) loop(interval time.Duration, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			// the ticker and stopCh may be ready together
			select {
			case <-stopCh:
				return
			default:
			}
			s.trigger()
		}
	}
}

// trigger runs a tick in the background unless one is already running.
func (s *Scheduler) trigger() {
	if !s.busy.CompareAndSwap(false, true) {
		s.log.Warn().Msg("previous tick still running; skipping")
		if o, ok := s.observer.(tickObserver); ok {
			o.RecordTickSkipped()
		}
		return
	}
	// at most one loop tick runs at a time, so one channel is enough
	done := make(chan struct{})
	s.mu.Lock()
	s.tickDone = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		defer s.busy.Store(false)
		s.tick(context.Background())
	}()
}

// RunTick executes one tick synchronously. It shares the busy flag with the
// loop and fails with ErrTickInProgress instead of overlapping a running tick.
func (s *Scheduler) RunTick(ctx context.Context) (TickReport, error) {
	if !s.busy.CompareAndSwap(false, true) {
		if o, ok := s.observer.(tickObserver); ok {
			o.RecordTickSkipped()
		}
		return TickReport{}, ErrTickInProgress
	}
	defer s.busy.Store(false)
	return s.tick(ctx), nil
}

func (s *Scheduler) tick(ctx context.Context) TickReport {
	started := time.Now()
	now := s.now()
	report := TickReport{StartedAt: now}

	s.mu.Lock()
	s.lastRunAt = &now
	s.mu.Unlock()

	s.enqueueDue(ctx, now, &report)
	s.processPending(ctx, &report)

	report.Duration = time.Since(started)
	if o, ok := s.observer.(tickObserver); ok {
		o.RecordTick(report.Duration)
	}
	s.publishQueueStats()

	ev := s.log.Debug()
	if report.Executed+report.Failed+report.EnqueueFailed > 0 {
		ev = s.log.Info()
	}
	ev.Int("due", report.Due).
		Int("enqueued", report.Enqueued).
		Int("drained", report.Drained).
		Int("executed", report.Executed).
		Int("failed", report.Failed).
		Dur("took", report.Duration).
		Msg("tick done")
	return report
}

// ============================================================================
// Phase A
// ============================================================================

func (s *Scheduler) enqueueDue(ctx context.Context, now time.Time, report *TickReport) {
	due, err := s.store.FindDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		report.FindDueError = err.Error()
		s.log.Error().Err(err).Msg("failed to load due subscriptions")
		return
	}
	report.Due = len(due)

	for _, d := range due {
		if s.isInFlight(d.ID) || s.isQuarantined(d.ID) {
			report.Skipped++
			continue
		}
		if _, err := s.queue.Enqueue(d.ID, d.UserID, types.ReasonScheduledRun); err != nil {
			report.EnqueueFailed++
			s.throttledWarn().Err(err).Int64("subscription_id", d.ID).Msg("failed to enqueue due subscription")
			if o, ok := s.observer.(failureObserver); ok {
				o.RecordEnqueueFailure(enqueueFailureReason(err))
			}
			continue
		}
		report.Enqueued++
	}
}

func enqueueFailureReason(err error) string {
	switch {
	case errors.Is(err, queue.ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, queue.ErrValidation):
		return "validation"
	default:
		return "other"
	}
}

// throttledWarn returns a warn event, or a debug event once the warning
// budget for the current second is spent.
func (s *Scheduler) throttledWarn() *zerolog.Event {
	if s.warnLimit.Allow() {
		return s.log.Warn()
	}
	return s.log.Debug().Bool("throttled", true)
}

// ============================================================================
// Phase B
// ============================================================================

func (s *Scheduler) processPending(ctx context.Context, report *TickReport) {
	jobs := s.queue.Drain(s.cfg.BatchSize)
	report.Drained = len(jobs)
	for _, job := range jobs {
		s.execute(ctx, job, report)
	}
}

func (s *Scheduler) execute(ctx context.Context, job types.SubscriptionJob, report *TickReport) {
	log := s.log.With().Int64("subscription_id", job.SubscriptionID).Str("job_id", job.ID).Logger()

	sub, err := s.store.FindByID(ctx, job.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		report.Missing++
		log.Info().Msg("subscription no longer exists; dropping job")
		return
	}
	if err != nil {
		report.Failed++
		log.Error().Err(err).Msg("failed to load subscription")
		return
	}

	if !s.markInFlight(sub.ID) {
		report.Skipped++
		log.Debug().Msg("subscription already executing; dropping job")
		return
	}
	defer s.clearInFlight(sub.ID)

	started := time.Now()
	res, err := s.discovery.Search(ctx, sub.Category, types.SearchRequest{
		Query:    sub.Query,
		Filters:  sub.Filters,
		Page:     1,
		PageSize: s.cfg.PageSize,
	})
	took := time.Since(started)
	if err != nil {
		report.Failed++
		execErr := &ExecutionError{SubscriptionID: sub.ID, Category: sub.Category, Err: err}
		log.Warn().Err(execErr).Str("category", string(sub.Category)).Msg("digest search failed; will retry next tick")
		if o, ok := s.observer.(failureObserver); ok {
			o.RecordSearchFailure(sub.Category)
		}
		s.recordFailure(sub.ID, log)
		return
	}
	s.recordSuccess(sub.ID)

	now := s.now()
	next := schedule.NextRunAt(sub.Frequency, now)
	if sub.NextRunAt != nil && sub.NextRunAt.After(now) {
		// someone already moved it forward; do not advance twice
		next = *sub.NextRunAt
	}
	if err := s.store.Update(ctx, sub.ID, types.ScheduleUpdate{LastTriggeredAt: now, NextRunAt: next}); err != nil {
		report.UpdateFailed++
		log.Error().Err(err).Msg("failed to persist schedule")
	}

	s.observer.RecordSearchExecution(types.SearchExecution{
		Surface:     types.SurfaceSubscriptionDigest,
		Category:    sub.Category,
		DurationMs:  took.Milliseconds(),
		ResultCount: len(res.Items),
		UserID:      sub.UserID,
	})
	report.Executed++
	log.Debug().
		Str("category", string(sub.Category)).
		Int("results", len(res.Items)).
		Time("next_run_at", next).
		Msg("digest search done")
}

// ============================================================================
// In-flight and retry bookkeeping
// ============================================================================

func (s *Scheduler) markInFlight(id int64) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if _, ok := s.inFlight[id]; ok {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) clearInFlight(id int64) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	delete(s.inFlight, id)
}

func (s *Scheduler) isInFlight(id int64) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	_, ok := s.inFlight[id]
	return ok
}

func (s *Scheduler) isQuarantined(id int64) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	_, ok := s.quarantined[id]
	return ok
}

func (s *Scheduler) recordFailure(id int64, log zerolog.Logger) {
	limit := s.cfg.Retry.MaxConsecutiveFailures
	if limit == 0 {
		return
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.failures[id]++
	if _, ok := s.quarantined[id]; ok || s.failures[id] < limit {
		return
	}
	s.quarantined[id] = struct{}{}
	log.Warn().Int("failures", s.failures[id]).Msg("subscription quarantined after repeated failures")
}

func (s *Scheduler) recordSuccess(id int64) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	delete(s.failures, id)
	delete(s.quarantined, id)
}

// ReleaseQuarantine lets Phase A queue id again. It reports whether id was
// quarantined.
func (s *Scheduler) ReleaseQuarantine(id int64) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	_, ok := s.quarantined[id]
	delete(s.quarantined, id)
	delete(s.failures, id)
	return ok
}

// Quarantined lists quarantined subscription ids in ascending order.
func (s *Scheduler) Quarantined() []int64 {
	s.stateMu.Lock()
	ids := make([]int64, 0, len(s.quarantined))
	for id := range s.quarantined {
		ids = append(ids, id)
	}
	s.stateMu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Scheduler) notifyState(running bool) {
	if o, ok := s.observer.(workerObserver); ok {
		o.SetWorkerRunning(running)
	}
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(running)
	}
}

func (s *Scheduler) publishQueueStats() {
	if o, ok := s.observer.(queueObserver); ok {
		o.UpdateQueueStats(s.queue.Snapshot())
	}
}
