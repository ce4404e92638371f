package repository

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	list      []string
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryCoordinator keeps coordination state in process. It is the fallback when Redis is down
// and the store used by tests.
type MemoryCoordinator struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// load returns a live entry; the caller holds mu.
func (r *MemoryCoordinator) load(key string) (*memoryEntry, bool) {
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(r.now()) {
		delete(r.entries, key)
		return nil, false
	}
	return e, true
}

func (r *MemoryCoordinator) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return r.now().Add(ttl)
}

func (r *MemoryCoordinator) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.load(key); ok {
		return false, nil
	}
	r.entries[key] = &memoryEntry{value: LockRunning, expiresAt: r.expiry(ttl)}
	return true, nil
}

func (r *MemoryCoordinator) MarkDone(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.load(key); ok {
		e.value = LockDone
	}
	return nil
}

func (r *MemoryCoordinator) LockState(ctx context.Context, key string) (string, error) {
	v, _, err := r.Get(ctx, key)
	return v, err
}

func (r *MemoryCoordinator) ReleaseLock(ctx context.Context, key string) error {
	return r.Delete(ctx, key)
}

func (r *MemoryCoordinator) Get(ctx context.Context, key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.load(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (r *MemoryCoordinator) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = &memoryEntry{value: value, expiresAt: r.expiry(ttl)}
	return nil
}

func (r *MemoryCoordinator) Delete(ctx context.Context, keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		delete(r.entries, k)
	}
	return nil
}

func (r *MemoryCoordinator) AppendList(ctx context.Context, key, value string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.load(key)
	if !ok {
		e = &memoryEntry{}
		r.entries[key] = e
	}
	e.list = append(e.list, value)
	if ttl > 0 {
		e.expiresAt = r.expiry(ttl)
	}
	return nil
}

func (r *MemoryCoordinator) List(ctx context.Context, key string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.load(key)
	if !ok {
		return nil, nil
	}
	return append([]string(nil), e.list...), nil
}

func (r *MemoryCoordinator) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rlKey := "rate_limit:" + key
	e, ok := r.load(rlKey)
	if !ok {
		e = &memoryEntry{expiresAt: r.expiry(window)}
		r.entries[rlKey] = e
	}
	e.list = append(e.list, "")
	return len(e.list) <= limit, nil
}
