package whitelist

import (
	"context"
	"sort"
	"sync"

	"github.com/telanks/wallet-guard/internal/syncutil"
)

// MemoryStore keeps whitelists in process memory. Readers run concurrently;
// mutations for the same owner are serialized.
type MemoryStore struct {
	mu     sync.RWMutex
	lists  map[string]map[string]struct{}
	owners syncutil.ShardedMutex
}

// NewMemoryStore creates an empty in-memory whitelist store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lists: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Get(_ context.Context, owner string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.lists[owner]
	out := make([]string, 0, len(set))
	for sp := range set {
		out = append(out, sp)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, owner string, spenders []string) error {
	unlock := m.owners.Lock(owner)
	defer unlock()

	set := make(map[string]struct{}, len(spenders))
	for _, sp := range spenders {
		set[sp] = struct{}{}
	}

	m.mu.Lock()
	m.lists[owner] = set
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Add(_ context.Context, owner, spender string) error {
	unlock := m.owners.Lock(owner)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.lists[owner]
	if !ok {
		set = make(map[string]struct{})
		m.lists[owner] = set
	}
	if _, exists := set[spender]; exists {
		return ErrDuplicate
	}
	set[spender] = struct{}{}
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, owner, spender string) error {
	unlock := m.owners.Lock(owner)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.lists[owner], spender)
	return nil
}

func (m *MemoryStore) Contains(_ context.Context, owner, spender string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.lists[owner][spender]
	return ok, nil
}
