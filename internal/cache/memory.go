package cache

import (
	"context"
	"sync"
	"time"
)

// Memory implements Backend with a sync.Map and a periodic sweep.
type Memory struct {
	data            sync.Map
	cleanupInterval time.Duration
	stopCh          chan struct{}
	closeOnce       sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemory creates a new in-memory cache backend.
func NewMemory(cleanupInterval time.Duration) *Memory {
	m := &Memory{
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, ok := m.data.Load(key)
	if !ok {
		return nil, false, nil
	}
	entry := val.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		m.data.Delete(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.data.Store(key, &memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.data.Delete(key)
	return nil
}

func (m *Memory) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	now := time.Now()
	for _, key := range keys {
		val, ok := m.data.Load(key)
		if !ok {
			continue
		}
		entry := val.(*memoryEntry)
		if now.After(entry.expiresAt) {
			m.data.Delete(key)
			continue
		}
		result[key] = entry.value
	}
	return result, nil
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.stopCh) })
	return nil
}

func (m *Memory) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			m.data.Range(func(key, value interface{}) bool {
				if now.After(value.(*memoryEntry).expiresAt) {
					m.data.Delete(key)
				}
				return true
			})
		}
	}
}
