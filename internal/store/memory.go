package store

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

// Memory keeps subscriptions in a map. Values are copied in and out.
type Memory struct {
	mu   sync.RWMutex
	subs map[int64]types.Subscription
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[int64]types.Subscription)}
}

func (m *Memory) FindDue(_ context.Context, now time.Time, limit int) ([]types.DueSubscription, error) {
	m.mu.RLock()
	due := make([]types.DueSubscription, 0)
	for _, sub := range m.subs {
		if sub.NextRunAt != nil && !sub.NextRunAt.After(now) {
			due = append(due, dueOf(sub))
		}
	}
	m.mu.RUnlock()

	sortDue(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) FindByID(_ context.Context, id int64) (types.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return types.Subscription{}, ErrNotFound
	}
	return clone(sub), nil
}

func (m *Memory) Update(_ context.Context, id int64, upd types.ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.LastTriggeredAt = timePtr(upd.LastTriggeredAt)
	sub.NextRunAt = timePtr(upd.NextRunAt)
	sub.UpdatedAt = upd.LastTriggeredAt
	m.subs[id] = sub
	return nil
}

func (m *Memory) Upsert(_ context.Context, sub types.Subscription) (types.Subscription, error) {
	sub, err := prepare(sub, time.Now())
	if err != nil {
		return types.Subscription{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.subs[sub.ID]; ok {
		sub.CreatedAt = prev.CreatedAt
	}
	m.subs[sub.ID] = clone(sub)
	return clone(sub), nil
}

func (m *Memory) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *Memory) List(_ context.Context) ([]types.Subscription, error) {
	m.mu.RLock()
	out := make([]types.Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, clone(sub))
	}
	m.mu.RUnlock()
	sortByID(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func clone(sub types.Subscription) types.Subscription {
	sub.Filters = maps.Clone(sub.Filters)
	if sub.NextRunAt != nil {
		sub.NextRunAt = timePtr(*sub.NextRunAt)
	}
	if sub.LastTriggeredAt != nil {
		sub.LastTriggeredAt = timePtr(*sub.LastTriggeredAt)
	}
	return sub
}
