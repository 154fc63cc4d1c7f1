// Package store persists saved-search subscriptions and answers the
// due-time queries the scheduler runs every tick.
//
// Driver values:
//   - "memory": map guarded by a mutex, for tests and the demo
//   - "sqlite": database file via modernc.org/sqlite
//   - "redis":  JSON documents plus a ZSET due index
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/digest-scheduler/internal/logging"
	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

var (
	// ErrNotFound is returned when a subscription id does not exist.
	ErrNotFound = errors.New("subscription not found")
	// ErrInvalid is returned by Upsert for a malformed subscription.
	ErrInvalid = errors.New("invalid subscription")
)

// Store is implemented by every backend.
type Store interface {
	// FindDue returns subscriptions whose NextRunAt is at or before now,
	// ordered by NextRunAt then UpdatedAt, at most limit of them.
	FindDue(ctx context.Context, now time.Time, limit int) ([]types.DueSubscription, error)
	FindByID(ctx context.Context, id int64) (types.Subscription, error)
	Update(ctx context.Context, id int64, upd types.ScheduleUpdate) error

	Upsert(ctx context.Context, sub types.Subscription) (types.Subscription, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context) ([]types.Subscription, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver        string
	Path          string        // sqlite
	BusyTimeout   time.Duration // sqlite; 0 keeps the driver default
	RedisAddr     string
	RedisDB       int
	RedisPassword string
}

// Open initialises the configured backend.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = logging.Component(log, "store").With().Str("driver", driver).Logger()

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg, log)
	case "redis":
		return OpenRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown store driver: %q", cfg.Driver)
	}
}

// prepare validates sub and fills CreatedAt/UpdatedAt.
func prepare(sub types.Subscription, now time.Time) (types.Subscription, error) {
	switch {
	case sub.ID <= 0:
		return sub, fmt.Errorf("%w: id must be positive", ErrInvalid)
	case sub.UserID <= 0:
		return sub, fmt.Errorf("%w: user_id must be positive", ErrInvalid)
	case !sub.Category.Valid():
		return sub, fmt.Errorf("%w: unknown category %q", ErrInvalid, sub.Category)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}
	return sub, nil
}

func dueOf(sub types.Subscription) types.DueSubscription {
	return types.DueSubscription{
		ID:        sub.ID,
		UserID:    sub.UserID,
		NextRunAt: *sub.NextRunAt,
		UpdatedAt: sub.UpdatedAt,
	}
}

func sortDue(due []types.DueSubscription) {
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if !a.NextRunAt.Equal(b.NextRunAt) {
			return a.NextRunAt.Before(b.NextRunAt)
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}

func sortByID(subs []types.Subscription) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
}

func timePtr(t time.Time) *time.Time { return &t }
