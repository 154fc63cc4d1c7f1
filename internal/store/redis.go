package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

// Redis key layout:
//
//	digest:sub:<id>  JSON document of the subscription
//	digest:due       ZSET id -> NextRunAt (unix ms); absent when NextRunAt is nil
//	digest:all       SET of every id
const (
	redisSubPrefix = "digest:sub:"
	redisDueKey    = "digest:due"
	redisAllKey    = "digest:all"
)

// Redis stores subscriptions as JSON documents with a ZSET due index.
type Redis struct {
	rdb *redis.Client
	log zerolog.Logger
}

// OpenRedis dials cfg.RedisAddr and verifies the connection.
func OpenRedis(ctx context.Context, cfg Config, log zerolog.Logger) (*Redis, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	log.Debug().Str("addr", cfg.RedisAddr).Int("db", cfg.RedisDB).Msg("redis store ready")
	return NewRedis(rdb, log), nil
}

// NewRedis wraps an existing client. Close closes the client.
func NewRedis(rdb *redis.Client, log zerolog.Logger) *Redis {
	return &Redis{rdb: rdb, log: log}
}

func (s *Redis) Close() error { return s.rdb.Close() }

func subKey(id int64) string { return redisSubPrefix + strconv.FormatInt(id, 10) }

func (s *Redis) FindDue(ctx context.Context, now time.Time, limit int) ([]types.DueSubscription, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, redisDueKey, rng).Result()
	if err != nil {
		return nil, err
	}
	if len(zs) == 0 {
		return []types.DueSubscription{}, nil
	}

	ids := make([]string, 0, len(zs))
	seen := make(map[string]struct{}, len(zs))
	for _, z := range zs {
		m := z.Member.(string)
		ids = append(ids, m)
		seen[m] = struct{}{}
	}

	// A full page may cut through members sharing the last score; pull all of
	// them so the UpdatedAt tie-break sees the whole group.
	if limit > 0 && len(zs) == limit {
		edge := strconv.FormatFloat(zs[len(zs)-1].Score, 'f', -1, 64)
		more, err := s.rdb.ZRangeByScore(ctx, redisDueKey, &redis.ZRangeBy{Min: edge, Max: edge}).Result()
		if err != nil {
			return nil, err
		}
		for _, m := range more {
			if _, ok := seen[m]; !ok {
				ids = append(ids, m)
				seen[m] = struct{}{}
			}
		}
	}

	subs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	due := make([]types.DueSubscription, 0, len(subs))
	for _, sub := range subs {
		if sub.NextRunAt != nil && !sub.NextRunAt.After(now) {
			due = append(due, dueOf(sub))
		}
	}
	sortDue(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Redis) FindByID(ctx context.Context, id int64) (types.Subscription, error) {
	raw, err := s.rdb.Get(ctx, subKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Subscription{}, ErrNotFound
	}
	if err != nil {
		return types.Subscription{}, err
	}
	var sub types.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return types.Subscription{}, fmt.Errorf("decode subscription %d: %w", id, err)
	}
	return sub, nil
}

func (s *Redis) Update(ctx context.Context, id int64, upd types.ScheduleUpdate) error {
	sub, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	sub.LastTriggeredAt = timePtr(upd.LastTriggeredAt)
	sub.NextRunAt = timePtr(upd.NextRunAt)
	sub.UpdatedAt = upd.LastTriggeredAt
	return s.save(ctx, sub)
}

func (s *Redis) Upsert(ctx context.Context, sub types.Subscription) (types.Subscription, error) {
	sub, err := prepare(sub, time.Now())
	if err != nil {
		return types.Subscription{}, err
	}
	if prev, err := s.FindByID(ctx, sub.ID); err == nil {
		sub.CreatedAt = prev.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return types.Subscription{}, err
	}
	if err := s.save(ctx, sub); err != nil {
		return types.Subscription{}, err
	}
	return sub, nil
}

func (s *Redis) Delete(ctx context.Context, id int64) error {
	member := strconv.FormatInt(id, 10)
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, subKey(id))
		p.ZRem(ctx, redisDueKey, member)
		p.SRem(ctx, redisAllKey, member)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Redis) List(ctx context.Context) ([]types.Subscription, error) {
	ids, err := s.rdb.SMembers(ctx, redisAllKey).Result()
	if err != nil {
		return nil, err
	}
	subs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortByID(subs)
	return subs, nil
}

func (s *Redis) save(ctx context.Context, sub types.Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription %d: %w", sub.ID, err)
	}
	member := strconv.FormatInt(sub.ID, 10)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, subKey(sub.ID), raw, 0)
		p.SAdd(ctx, redisAllKey, member)
		if sub.NextRunAt != nil {
			p.ZAdd(ctx, redisDueKey, redis.Z{Score: float64(sub.NextRunAt.UnixMilli()), Member: member})
		} else {
			p.ZRem(ctx, redisDueKey, member)
		}
		return nil
	})
	return err
}

// load fetches documents for ids; ids whose document vanished are skipped.
func (s *Redis) load(ctx context.Context, ids []string) ([]types.Subscription, error) {
	if len(ids) == 0 {
		return []types.Subscription{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisSubPrefix + id
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.Subscription, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			s.log.Debug().Str("key", keys[i]).Msg("indexed subscription has no document")
			continue
		}
		var sub types.Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out = append(out, sub)
	}
	return out, nil
}
