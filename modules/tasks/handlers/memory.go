package handlers

import (
	"context"
	"maps"
	"sync"
)

// MemoryStats is the StatsSink used when no Redis is configured.
type MemoryStats struct {
	mu   sync.Mutex
	days map[string]map[string]int64
}

func NewMemoryStats() *MemoryStats {
	return &MemoryStats{days: make(map[string]map[string]int64)}
}

func (s *MemoryStats) Incr(_ context.Context, day string, deltas map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.days[day] == nil {
		s.days[day] = make(map[string]int64)
	}
	for field, by := range deltas {
		s.days[day][field] += by
	}
	return nil
}

func (s *MemoryStats) Day(_ context.Context, day string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.days[day]))
	maps.Copy(out, s.days[day])
	return out, nil
}

type MemorySyncQueue struct {
	mu    sync.Mutex
	items []SyncItem
}

func NewMemorySyncQueue() *MemorySyncQueue {
	return &MemorySyncQueue{}
}

func (q *MemorySyncQueue) Push(_ context.Context, item SyncItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func (q *MemorySyncQueue) Items() []SyncItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]SyncItem, len(q.items))
	copy(out, q.items)
	return out
}
