// Package types defines the domain model shared by the digest scheduler:
// queued digest jobs, persisted saved-search subscriptions and the
// status views exposed to operators.
package types

import (
	"time"
)

// Reason records why a digest job was enqueued.
type Reason string

const (
	ReasonManual       Reason = "manual"        // operator or user asked for a run now
	ReasonScheduledRun Reason = "scheduled_run" // the subscription became due
)

// Category selects the discovery surface a subscription searches.
type Category string

const (
	CategoryJob          Category = "job"
	CategoryGig          Category = "gig"
	CategoryProject      Category = "project"
	CategoryLaunchpad    Category = "launchpad"
	CategoryVolunteering Category = "volunteering"
	CategoryPeople       Category = "people"
	CategoryMixed        Category = "mixed"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryJob,
	CategoryGig,
	CategoryProject,
	CategoryLaunchpad,
	CategoryVolunteering,
	CategoryPeople,
	CategoryMixed,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Frequency is the desired digest cadence of a subscription.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
)

// SurfaceSubscriptionDigest tags search executions triggered by the scheduler.
const SurfaceSubscriptionDigest = "subscription_digest"

// SubscriptionJob is a pending digest run held by the in-process queue.
type SubscriptionJob struct {
	ID             string         `json:"id"`
	SubscriptionID int64          `json:"subscription_id"`
	UserID         int64          `json:"user_id"`
	Reason         Reason         `json:"reason"`
	Priority       int            `json:"priority"` // stored only, never used for ordering
	Payload        map[string]any `json:"payload"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
	Attempts       int            `json:"attempts"`
}

// Subscription is a persisted saved search plus its notification cadence.
type Subscription struct {
	ID              int64          `json:"id"`
	UserID          int64          `json:"user_id"`
	Category        Category       `json:"category"`
	Query           string         `json:"query"`
	Filters         map[string]any `json:"filters,omitempty"`
	Frequency       Frequency      `json:"frequency"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// DueSubscription is the projection returned by a due-time query.
type DueSubscription struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	NextRunAt time.Time `json:"next_run_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduleUpdate is written back after a successful digest run.
type ScheduleUpdate struct {
	LastTriggeredAt time.Time `json:"last_triggered_at"`
	NextRunAt       time.Time `json:"next_run_at"`
}

// QueueSnapshot describes the digest queue at a point in time.
type QueueSnapshot struct {
	Pending          int        `json:"pending"`
	MaxSize          int        `json:"max_size"`
	OldestEnqueuedAt *time.Time `json:"oldest_enqueued_at"`
	NewestEnqueuedAt *time.Time `json:"newest_enqueued_at"`
}

// WorkerStatus is the operator view of the scheduler.
type WorkerStatus struct {
	Running        bool          `json:"running"`
	PendingJobs    int           `json:"pending_jobs"`
	MaxQueueSize   int           `json:"max_queue_size"`
	OldestJobAt    *time.Time    `json:"oldest_job_at"`
	NewestJobAt    *time.Time    `json:"newest_job_at"`
	LastRunAt      *time.Time    `json:"last_run_at"`
	Interval       time.Duration `json:"interval"`
	TickInProgress bool          `json:"tick_in_progress"`
	Quarantined    int           `json:"quarantined"`
}

// SearchRequest is handed to a discovery surface.
type SearchRequest struct {
	Query    string         `json:"query"`
	Filters  map[string]any `json:"filters,omitempty"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// SearchResult is what a discovery surface returns.
type SearchResult struct {
	Items   []map[string]any `json:"items"`
	Total   int              `json:"total"`
	Metrics map[string]any   `json:"metrics,omitempty"`
}

// SearchExecution is reported to observability after each digest search.
type SearchExecution struct {
	Surface     string   `json:"surface"`
	Category    Category `json:"category"`
	DurationMs  int64    `json:"duration_ms"`
	ResultCount int      `json:"result_count"`
	UserID      int64    `json:"user_id"`
}
