// Package redis backs the task statistics and the outbound sync queue with
// Redis hashes and lists.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/iota-uz/taskflow/modules/tasks/handlers"
)

const DefaultPrefix = "taskflow:"

var (
	_ handlers.StatsSink   = (*Stats)(nil)
	_ handlers.StatsReader = (*Stats)(nil)
	_ handlers.SyncQueue   = (*SyncQueue)(nil)
)

// Stats keeps one hash per day, e.g. taskflow:stats:2026-03-01.
type Stats struct {
	client *redis.Client
	prefix string
}

func NewStats(client *redis.Client, prefix string) *Stats {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Stats{client: client, prefix: prefix}
}

func (s *Stats) key(day string) string {
	return s.prefix + "stats:" + day
}

// Incr bumps all fields of one call inside a single MULTI/EXEC.
func (s *Stats) Incr(ctx context.Context, day string, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	key := s.key(day)
	fields := slices.Sorted(maps.Keys(deltas))
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, field := range fields {
			pipe.HIncrBy(ctx, key, field, deltas[field])
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("stats incr %s %v: %w", day, fields, err)
	}
	return nil
}

func (s *Stats) Day(ctx context.Context, day string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, s.key(day)).Result()
	if err != nil {
		return nil, fmt.Errorf("stats read %s: %w", day, err)
	}
	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("stats read %s/%s: %w", day, field, err)
		}
		out[field] = n
	}
	return out, nil
}

// SyncQueue is a FIFO list drained by the sync worker.
type SyncQueue struct {
	client *redis.Client
	key    string
}

func NewSyncQueue(client *redis.Client, prefix string) *SyncQueue {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &SyncQueue{client: client, key: prefix + "sync:queue"}
}

func (q *SyncQueue) Push(ctx context.Context, item handlers.SyncItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.key, data).Err()
}

func (q *SyncQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Pop removes the oldest item. ok is false when the queue is empty.
func (q *SyncQueue) Pop(ctx context.Context) (item handlers.SyncItem, ok bool, err error) {
	data, err := q.client.LPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return handlers.SyncItem{}, false, nil
	}
	if err != nil {
		return handlers.SyncItem{}, false, err
	}
	if err := json.Unmarshal(data, &item); err != nil {
		return handlers.SyncItem{}, false, fmt.Errorf("sync queue decode: %w", err)
	}
	return item, true, nil
}
