package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	stamps []time.Time
	window time.Duration
}

// MemoryBackend is the in-process fallback. State is per process.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*memoryEntry)}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Check(_ context.Context, key string, now time.Time, window time.Duration, max int) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &memoryEntry{}
		b.entries[key] = e
	}
	e.window = window
	e.stamps = prune(e.stamps, now.Add(-window))

	var first *time.Time
	if len(e.stamps) > 0 {
		t := e.stamps[0]
		first = &t
	}
	res := decide(len(e.stamps), first, now, window, max)
	e.stamps = append(e.stamps, now)
	return res, nil
}

func (b *MemoryBackend) Reset(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
	return nil
}

// Sweep drops keys whose attempts all fell out of their window and returns
// how many were evicted.
func (b *MemoryBackend) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	evicted := 0
	for key, e := range b.entries {
		e.stamps = prune(e.stamps, now.Add(-e.window))
		if len(e.stamps) == 0 {
			delete(b.entries, key)
			evicted++
		}
	}
	return evicted
}

func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// prune drops stamps at or before cutoff; stamps are kept in insertion order.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
