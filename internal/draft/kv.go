package draft

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// KV is the string key/value backend behind a Store.
// *store.Store satisfies it.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemoryKV is a process-local KV. Its contents do not survive restart.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryKV returns an empty in-memory backend.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryKV) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Fallback writes through to a durable KV and keeps an in-memory mirror.
// After the first durable failure it degrades to memory only for the rest
// of the process lifetime, so the run keeps working without persistence.
type Fallback struct {
	durable  KV
	mem      *MemoryKV
	degraded atomic.Bool
}

// NewFallback wraps durable with an in-memory mirror.
func NewFallback(durable KV) *Fallback {
	return &Fallback{durable: durable, mem: NewMemoryKV()}
}

// Degraded reports whether the durable backend has been abandoned.
func (f *Fallback) Degraded() bool {
	return f.degraded.Load()
}

func (f *Fallback) degrade(op, key string, err error) {
	if f.degraded.CompareAndSwap(false, true) {
		slog.Warn("local storage unavailable, continuing in memory",
			"op", op,
			"key", key,
			"error", err,
		)
	}
}

func (f *Fallback) Get(ctx context.Context, key string) (string, bool, error) {
	if v, ok, _ := f.mem.Get(ctx, key); ok || f.Degraded() {
		return v, ok, nil
	}
	v, ok, err := f.durable.Get(ctx, key)
	if err != nil {
		f.degrade("get", key, err)
		return "", false, nil
	}
	if ok {
		_ = f.mem.Put(ctx, key, v)
	}
	return v, ok, nil
}

func (f *Fallback) Put(ctx context.Context, key, value string) error {
	_ = f.mem.Put(ctx, key, value)
	if f.Degraded() {
		return nil
	}
	if err := f.durable.Put(ctx, key, value); err != nil {
		f.degrade("put", key, err)
	}
	return nil
}

func (f *Fallback) Delete(ctx context.Context, key string) error {
	_ = f.mem.Delete(ctx, key)
	if f.Degraded() {
		return nil
	}
	if err := f.durable.Delete(ctx, key); err != nil {
		f.degrade("delete", key, err)
	}
	return nil
}
