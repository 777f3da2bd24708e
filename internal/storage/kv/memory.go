package kv

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type memItem struct {
	value     []byte
	expiresAt time.Time
}

// Memory — потокобезопасная in-memory реализация Store.
// Истечение проверяется при каждом чтении, janitor периодически
// вычищает истёкшие ключи, чтобы не копить память.
type Memory struct {
	mu     sync.RWMutex
	items  map[string]memItem
	index  map[string]IndexEntry
	now    func() time.Time
	logger *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
	janitor bool
}

// MemoryOption — опция конструктора Memory.
type MemoryOption func(*Memory)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory создаёт пустое in-memory хранилище.
func NewMemory(logger *slog.Logger, opts ...MemoryOption) *Memory {
	m := &Memory{
		items:  make(map[string]memItem),
		index:  make(map[string]IndexEntry),
		now:    time.Now,
		logger: logger.With(slog.String("component", "kv_memory")),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartJanitor запускает фоновую очистку истёкших ключей.
// Останавливается через Close.
func (m *Memory) StartJanitor(interval time.Duration) {
	m.mu.Lock()
	if m.janitor {
		m.mu.Unlock()
		return
	}
	m.janitor = true
	m.mu.Unlock()

	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				if n := m.evictExpired(); n > 0 {
					m.logger.Debug("Очищены истёкшие ключи", slog.Int("count", n))
				}
			}
		}
	}()
}

func (m *Memory) evictExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for k, it := range m.items {
		if !now.Before(it.expiresAt) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// Put записывает копию значения с TTL.
func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	copied := make([]byte, len(value))
	copy(copied, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memItem{value: copied, expiresAt: m.now().Add(ttl)}
	return nil
}

// Get возвращает копию значения или ErrNotFound для отсутствующего
// и истёкшего ключа.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[key]
	if !ok || !m.now().Before(it.expiresAt) {
		return nil, ErrNotFound
	}
	copied := make([]byte, len(it.value))
	copy(copied, it.value)
	return copied, nil
}

// Delete удаляет ключи. Истёкшие, но физически присутствующие ключи
// не считаются удалёнными, как и в Redis.
func (m *Memory) Delete(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, k := range keys {
		it, ok := m.items[k]
		if !ok {
			continue
		}
		delete(m.items, k)
		if now.Before(it.expiresAt) {
			n++
		}
	}
	return n, nil
}

// Schedule добавляет ключ в индекс истечения.
func (m *Memory) Schedule(_ context.Context, key string, at time.Time, payload []byte) error {
	copied := make([]byte, len(payload))
	copy(copied, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.index[key] = IndexEntry{Key: key, At: at, Payload: copied}
	return nil
}

// Unschedule убирает ключ из индекса истечения.
func (m *Memory) Unschedule(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.index, key)
	return nil
}

// Expired возвращает элементы индекса с At <= before по возрастанию At.
func (m *Memory) Expired(_ context.Context, before time.Time, limit int) ([]IndexEntry, error) {
	m.mu.RLock()
	result := make([]IndexEntry, 0)
	for _, e := range m.index {
		if e.At.After(before) {
			continue
		}
		payload := make([]byte, len(e.Payload))
		copy(payload, e.Payload)
		result = append(result, IndexEntry{Key: e.Key, At: e.At, Payload: payload})
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].At.Equal(result[j].At) {
			return result[i].Key < result[j].Key
		}
		return result[i].At.Before(result[j].At)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Ping всегда успешен.
func (m *Memory) Ping(_ context.Context) error { return nil }

// Close останавливает janitor, если он был запущен.
func (m *Memory) Close() error {
	m.once.Do(func() {
		close(m.stopCh)
	})
	m.mu.RLock()
	started := m.janitor
	m.mu.RUnlock()
	if started {
		<-m.doneCh
	}
	return nil
}

// Len возвращает количество живых ключей.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	n := 0
	for _, it := range m.items {
		if now.Before(it.expiresAt) {
			n++
		}
	}
	return n
}
