package risk

import (
	"context"
	"sync"
)

// DefaultHistoryLimit bounds how many events the memory store keeps per owner.
const DefaultHistoryLimit = 200

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[string][]*Event // owner → events, oldest first
	perOwner int
}

// NewMemoryStore creates an in-memory risk event store that keeps at most
// perOwner events for each owner. perOwner <= 0 uses DefaultHistoryLimit.
func NewMemoryStore(perOwner int) *MemoryStore {
	if perOwner <= 0 {
		perOwner = DefaultHistoryLimit
	}
	return &MemoryStore{
		events:   make(map[string][]*Event),
		perOwner: perOwner,
	}
}

func (s *MemoryStore) Record(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.events[event.Owner], event.clone())
	if over := len(list) - s.perOwner; over > 0 {
		list = append([]*Event(nil), list[over:]...)
	}
	s.events[event.Owner] = list
	return nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, owner string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[owner]
	if len(all) == 0 {
		return nil, nil
	}

	// Return most recent first, up to limit
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}

	result := make([]*Event, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, all[i].clone())
	}
	return result, nil
}
