package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/sir_venger/databank/internal/models"
)

// MemoryStore хранит каталог только в оперативной памяти; удобно для тестов и одиночного узла без БД.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]models.OwnershipEntry // namespace -> file_id -> entry
}

// NewMemoryStore создаёт пустой in-memory каталог.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]map[string]models.OwnershipEntry{}}
}

var _ Catalog = (*MemoryStore)(nil)

func (s *MemoryStore) Add(_ context.Context, e models.OwnershipEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.entries[e.Namespace]
	if !ok {
		ns = map[string]models.OwnershipEntry{}
		s.entries[e.Namespace] = ns
	}
	if _, exists := ns[e.FileID]; exists {
		return false, nil
	}
	ns[e.FileID] = e

	return true, nil
}

func (s *MemoryStore) Remove(_ context.Context, namespace, fileID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.entries[namespace]
	if !ok {
		return false, nil
	}
	if _, exists := ns[fileID]; !exists {
		return false, nil
	}
	delete(ns, fileID)
	if len(ns) == 0 {
		delete(s.entries, namespace)
	}

	return true, nil
}

func (s *MemoryStore) Owners(_ context.Context, fileID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for name, ns := range s.entries {
		if _, ok := ns[fileID]; ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)

	return out, nil
}

func (s *MemoryStore) List(_ context.Context, namespace string) ([]models.OwnershipEntry, error) {
	s.mu.RLock()
	out := make([]models.OwnershipEntry, 0, len(s.entries[namespace]))
	for _, e := range s.entries[namespace] {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].FileID < out[j].FileID
	})

	return out, nil
}

func (s *MemoryStore) Namespaces(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)

	return out, nil
}

func (s *MemoryStore) Close() {}
