package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JSONFileStateBackend stores the queue blob as a single JSON file, written
// atomically via tmp+rename. When minFreeBytes is set, Save preflights the
// filesystem and fails with ErrStorageQuota instead of filling the disk.
type JSONFileStateBackend struct {
	path         string
	minFreeBytes uint64
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{path: path}
}

func NewJSONFileStateBackendWithQuota(path string, minFreeBytes uint64) *JSONFileStateBackend {
	return &JSONFileStateBackend{path: path, minFreeBytes: minFreeBytes}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if b.minFreeBytes > 0 {
		free, ok := diskFree(dir)
		if ok && free < b.minFreeBytes+uint64(len(data)) {
			return fmt.Errorf("%w: %d bytes free on %s", ErrStorageQuota, free, dir)
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

// InMemoryStateBackend keeps the blob in memory, round-tripped through JSON
// so callers never share references with the stored snapshot.
type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	var state persistedState
	if err := json.Unmarshal(b.snapshot, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = data
	return nil
}

// BuildStateBackendFromDSN resolves a backend from a DSN scheme: file paths
// (bare or file://), memory://, or postgres://. Registered factories take
// precedence so deployments can plug in their own schemes.
func BuildStateBackendFromDSN(dsn string, minFreeBytes uint64) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: state backend dsn is required", ErrInvalidInput)
	}
	scheme, rest := splitDSNScheme(dsn)
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		if rest == "" {
			return nil, fmt.Errorf("%w: empty state file path", ErrInvalidInput)
		}
		if minFreeBytes > 0 {
			return NewJSONFileStateBackendWithQuota(rest, minFreeBytes), nil
		}
		return NewJSONFileStateBackend(rest), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "mysql", "sqlite", "redis":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func splitDSNScheme(dsn string) (scheme, rest string) {
	idx := strings.Index(dsn, "://")
	if idx < 0 {
		return "", dsn
	}
	return strings.ToLower(dsn[:idx]), dsn[idx+3:]
}
