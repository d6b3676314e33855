package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory ObjectStore used by tests and local
// development runs without an object-store endpoint.
type MemStore struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte

	// FailPut, when set, is returned by Put. Lets tests exercise the
	// transient-error paths.
	FailPut error
	// FailGet, when set, is returned by Get.
	FailGet error
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{buckets: make(map[string]map[string][]byte)}
}

func (m *MemStore) Put(_ context.Context, bucket, key string, data []byte, _ string, _ map[string]string) error {
	if m.FailPut != nil {
		return m.FailPut
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[bucket] = b
	}
	b[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	if m.FailGet != nil {
		return nil, m.FailGet
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s/%s", bucket, key)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemStore) Exists(_ context.Context, bucket, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buckets[bucket][key]
	return ok, nil
}

func (m *MemStore) EnsureBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

func (m *MemStore) HealthCheck(context.Context) error { return nil }

// Keys returns the object keys present in a bucket, for assertions.
func (m *MemStore) Keys(bucket string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.buckets[bucket] {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of objects in a bucket.
func (m *MemStore) Len(bucket string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets[bucket])
}
