package storage

import (
	"context"
	"crypto/md5" //nolint:gosec // mirrors S3 ETag semantics, not used for security
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory ObjectStore. It backs tests and local dry runs
// and mimics S3 semantics: delimiter-style listing and MD5 ETags.
type Memory struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
	getCalls map[string]int
}

// Ensure interface compliance.
var _ ObjectStore = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		objects:  make(map[string][]byte),
		modified: make(map[string]time.Time),
		getCalls: make(map[string]int),
	}
}

// Put stores an object.
func (m *Memory) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = data
	m.modified[key] = time.Now().UTC()
}

// GetCalls returns how many times Get was invoked for key.
func (m *Memory) GetCalls(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.getCalls[key]
}

// ListFiles lists keys directly under prefix with the given suffix.
func (m *Memory) ListFiles(_ context.Context, prefix, suffix string) ([]string, error) {
	prefix = ensureDirPrefix(prefix)

	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string

	for key := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		// Delimiter behavior: skip objects in nested "directories".
		rest := strings.TrimPrefix(key, prefix)
		if strings.Contains(rest, "/") {
			continue
		}

		if suffix == "" || strings.HasSuffix(key, suffix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

// HasObjects reports whether at least one object exists under prefix.
func (m *Memory) HasObjects(_ context.Context, prefix string) (bool, error) {
	prefix = ensureDirPrefix(prefix)

	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			return true, nil
		}
	}

	return false, nil
}

// Head returns metadata for a single object.
func (m *Memory) Head(_ context.Context, key string) (*ObjectMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, &NotFoundError{Key: key}
	}

	sum := md5.Sum(data) //nolint:gosec

	return &ObjectMeta{
		ETag:         hex.EncodeToString(sum[:]),
		Size:         int64(len(data)),
		LastModified: m.modified[key],
	}, nil
}

// Get returns the contents of a single object.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, &NotFoundError{Key: key}
	}

	m.getCalls[key]++

	out := make([]byte, len(data))
	copy(out, data)

	return out, nil
}

// NotFoundError indicates the requested key does not exist.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return "object not found: " + e.Key
}
