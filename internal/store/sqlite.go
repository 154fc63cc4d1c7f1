package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLite stores subscriptions in a single table. Times are unix milliseconds.
type SQLite struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSQLite opens (and migrates) the database at cfg.Path. ":memory:" is
// accepted for tests.
func OpenSQLite(ctx context.Context, cfg Config, log zerolog.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection: SQLite serialises writers anyway, and ":memory:" is per connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	s := &SQLite{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug().Str("path", path).Msg("sqlite store ready")
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) FindDue(ctx context.Context, now time.Time, limit int) ([]types.DueSubscription, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, next_run_at, updated_at
		   FROM subscriptions
		  WHERE next_run_at IS NOT NULL AND next_run_at <= ?
		  ORDER BY next_run_at ASC, updated_at ASC, id ASC
		  LIMIT ?`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := make([]types.DueSubscription, 0)
	for rows.Next() {
		var (
			d                  types.DueSubscription
			nextRun, updatedAt int64
		)
		if err := rows.Scan(&d.ID, &d.UserID, &nextRun, &updatedAt); err != nil {
			return nil, err
		}
		d.NextRunAt = fromMillis(nextRun)
		d.UpdatedAt = fromMillis(updatedAt)
		due = append(due, d)
	}
	return due, rows.Err()
}

const selectSubscription = `SELECT id, user_id, category, query, filters, frequency,
       next_run_at, last_triggered_at, created_at, updated_at
  FROM subscriptions`

func (s *SQLite) FindByID(ctx context.Context, id int64) (types.Subscription, error) {
	row := s.db.QueryRowContext(ctx, selectSubscription+` WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Subscription{}, ErrNotFound
	}
	return sub, err
}

func (s *SQLite) Update(ctx context.Context, id int64, upd types.ScheduleUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
		    SET last_triggered_at = ?, next_run_at = ?, updated_at = ?
		  WHERE id = ?`,
		upd.LastTriggeredAt.UnixMilli(), upd.NextRunAt.UnixMilli(), upd.LastTriggeredAt.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Upsert(ctx context.Context, sub types.Subscription) (types.Subscription, error) {
	sub, err := prepare(sub, time.Now())
	if err != nil {
		return types.Subscription{}, err
	}
	filters, err := json.Marshal(nonNilFilters(sub.Filters))
	if err != nil {
		return types.Subscription{}, fmt.Errorf("encode filters: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(id, user_id, category, query, filters, frequency,
		                           next_run_at, last_triggered_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id=excluded.user_id, category=excluded.category, query=excluded.query,
		   filters=excluded.filters, frequency=excluded.frequency,
		   next_run_at=excluded.next_run_at, last_triggered_at=excluded.last_triggered_at,
		   updated_at=excluded.updated_at`,
		sub.ID, sub.UserID, string(sub.Category), sub.Query, string(filters), string(sub.Frequency),
		nullMillis(sub.NextRunAt), nullMillis(sub.LastTriggeredAt),
		sub.CreatedAt.UnixMilli(), sub.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return types.Subscription{}, err
	}
	return s.FindByID(ctx, sub.ID)
}

func (s *SQLite) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]types.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, selectSubscription+` ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (types.Subscription, error) {
	var (
		sub                  types.Subscription
		category, frequency  string
		filters              string
		nextRun, lastTrigger sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := r.Scan(&sub.ID, &sub.UserID, &category, &sub.Query, &filters, &frequency,
		&nextRun, &lastTrigger, &createdAt, &updatedAt); err != nil {
		return types.Subscription{}, err
	}
	sub.Category = types.Category(category)
	sub.Frequency = types.Frequency(frequency)
	if filters != "" {
		if err := json.Unmarshal([]byte(filters), &sub.Filters); err != nil {
			return types.Subscription{}, fmt.Errorf("decode filters for %d: %w", sub.ID, err)
		}
	}
	if nextRun.Valid {
		sub.NextRunAt = timePtr(fromMillis(nextRun.Int64))
	}
	if lastTrigger.Valid {
		sub.LastTriggeredAt = timePtr(fromMillis(lastTrigger.Int64))
	}
	sub.CreatedAt = fromMillis(createdAt)
	sub.UpdatedAt = fromMillis(updatedAt)
	return sub, nil
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nonNilFilters(f map[string]any) map[string]any {
	if f == nil {
		return map[string]any{}
	}
	return f
}
