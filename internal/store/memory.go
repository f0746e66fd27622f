package store

import (
	"context"
	"sync"
	"time"

	"github.com/ledgerline/gatehouse/internal/domain"
)

// MemoryStore is an in-process FlagStore for tests and embedded use.
type MemoryStore struct {
	mu       sync.RWMutex
	flags    map[string]domain.Flag
	bindings map[string][]domain.Binding
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flags:    make(map[string]domain.Flag),
		bindings: make(map[string][]domain.Binding),
	}
}

func (m *MemoryStore) LoadAllFlags(ctx context.Context) ([]domain.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flags := make([]domain.Flag, 0, len(m.flags))
	for _, f := range m.flags {
		flags = append(flags, copyFlag(f))
	}
	return flags, nil
}

func (m *MemoryStore) GetFlag(ctx context.Context, name string) (*domain.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.flags[name]
	if !ok {
		return nil, domain.NewNotFoundError("flag", name)
	}
	out := copyFlag(f)
	return &out, nil
}

func (m *MemoryStore) UpsertFlag(ctx context.Context, flag domain.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.flags[flag.Name]; ok {
		flag.CreatedAt = existing.CreatedAt
	} else if flag.CreatedAt.IsZero() {
		flag.CreatedAt = now
	}
	flag.UpdatedAt = now

	m.flags[flag.Name] = copyFlag(flag)
	return nil
}

func (m *MemoryStore) GetRequirements(ctx context.Context, operationKey string) ([]domain.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return copyBindings(m.bindings[operationKey]), nil
}

func (m *MemoryStore) UpsertRequirements(ctx context.Context, operationKey string, bindings []domain.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(bindings) == 0 {
		delete(m.bindings, operationKey)
		return nil
	}

	now := time.Now().UTC()
	stored := copyBindings(bindings)
	for i := range stored {
		stored[i].OperationKey = operationKey
		if stored[i].CreatedAt.IsZero() {
			stored[i].CreatedAt = now
		}
		stored[i].UpdatedAt = now
	}
	m.bindings[operationKey] = stored
	return nil
}

func (m *MemoryStore) ListBindingsByFlag(ctx context.Context, flagName string) ([]domain.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Binding
	for _, set := range m.bindings {
		for _, b := range set {
			for _, name := range b.RequiredFlags {
				if name == flagName {
					out = append(out, copyBindings([]domain.Binding{b})[0])
					break
				}
			}
		}
	}
	return out, nil
}

func copyFlag(f domain.Flag) domain.Flag {
	out := f
	if f.AllowedSegments != nil {
		out.AllowedSegments = append([]string(nil), f.AllowedSegments...)
	}
	return out
}

func copyBindings(bindings []domain.Binding) []domain.Binding {
	if bindings == nil {
		return nil
	}
	out := make([]domain.Binding, len(bindings))
	for i, b := range bindings {
		out[i] = b
		out[i].RequiredFlags = append([]string(nil), b.RequiredFlags...)
	}
	return out
}
