package dupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinoosan/mirrord/internal/engine"
	"github.com/tinoosan/mirrord/internal/fp"
)

// Guard decides whether a job whose name just resolved duplicates content
// that was already mirrored. A non-empty message aborts the job.
type Guard interface {
	Check(ctx context.Context, name string) (string, error)
}

// GuardFunc adapts a function to Guard.
type GuardFunc func(ctx context.Context, name string) (string, error)

func (f GuardFunc) Check(ctx context.Context, name string) (string, error) { return f(ctx, name) }

// Entry is one mirrored item.
type Entry struct {
	Name      string
	Kind      engine.Kind
	CreatedAt time.Time
}

// Index remembers the names of completed transfers.
type Index interface {
	Has(ctx context.Context, name string) (bool, error)
	Add(ctx context.Context, e Entry) error
}

// IndexGuard reports a duplicate whenever the index already holds the name.
type IndexGuard struct {
	Index Index
}

func (g IndexGuard) Check(ctx context.Context, name string) (string, error) {
	if g.Index == nil || fp.NormalizeName(name) == "" {
		return "", nil
	}
	ok, err := g.Index.Has(ctx, name)
	if err != nil {
		return "", fmt.Errorf("dupe lookup: %w", err)
	}
	if !ok {
		return "", nil
	}
	return fmt.Sprintf("%s is already mirrored.", name), nil
}

// MemoryIndex is a process-local Index.
type MemoryIndex struct {
	mu    sync.RWMutex
	items map[string]Entry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{items: make(map[string]Entry)}
}

func (m *MemoryIndex) Has(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[fp.NameKey(name)]
	return ok, nil
}

// Add keeps the first entry for a name.
func (m *MemoryIndex) Add(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := fp.NameKey(e.Name)
	if _, ok := m.items[k]; ok {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.items[k] = e
	return nil
}
