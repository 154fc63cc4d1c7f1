package scheduler

import (
	"time"

	"github.com/ChuLiYu/digest-scheduler/internal/queue"
	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

// Management surface used by the admin API and the CLI.

// EnqueueJob queues a digest run for subscriptionID.
func (s *Scheduler) EnqueueJob(subscriptionID, userID int64, reason types.Reason, opts ...queue.EnqueueOption) (types.SubscriptionJob, error) {
	job, err := s.queue.Enqueue(subscriptionID, userID, reason, opts...)
	if err != nil {
		return job, err
	}
	s.log.Debug().
		Int64("subscription_id", subscriptionID).
		Str("reason", string(job.Reason)).
		Msg("job enqueued")
	s.publishQueueStats()
	return job, nil
}

// DrainJobs removes up to limit jobs without executing them.
func (s *Scheduler) DrainJobs(limit int) []types.SubscriptionJob {
	jobs := s.queue.Drain(limit)
	s.publishQueueStats()
	return jobs
}

func (s *Scheduler) QueueSnapshot() types.QueueSnapshot {
	return s.queue.Snapshot()
}

// ConfigureQueue changes the queue capacity and returns any jobs trimmed from
// the front.
func (s *Scheduler) ConfigureQueue(sizeCap int) ([]types.SubscriptionJob, error) {
	trimmed, err := s.queue.Configure(sizeCap)
	if err != nil {
		return nil, err
	}
	ev := s.log.Info().Int("size_cap", sizeCap)
	if len(trimmed) > 0 {
		ev = s.log.Warn().Int("size_cap", sizeCap).Int("trimmed", len(trimmed))
	}
	ev.Msg("queue capacity changed")
	s.publishQueueStats()
	return trimmed, nil
}

// ResetQueue empties the queue and restores the default capacity.
func (s *Scheduler) ResetQueue() {
	s.queue.Reset()
	s.publishQueueStats()
}

// Status reports the loop state, the queue and the last tick time.
func (s *Scheduler) Status() types.WorkerStatus {
	snap := s.queue.Snapshot()

	s.mu.Lock()
	st := types.WorkerStatus{
		Running:        s.running,
		PendingJobs:    snap.Pending,
		MaxQueueSize:   snap.MaxSize,
		OldestJobAt:    snap.OldestEnqueuedAt,
		NewestJobAt:    snap.NewestEnqueuedAt,
		LastRunAt:      copyTime(s.lastRunAt),
		Interval:       s.interval,
		TickInProgress: s.busy.Load(),
	}
	s.mu.Unlock()

	s.stateMu.Lock()
	st.Quarantined = len(s.quarantined)
	s.stateMu.Unlock()
	return st
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
