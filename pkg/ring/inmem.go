package ring

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryStore is a MembershipStore backed by a process-local map. With a
// single node this is the configured store; it also backs the tests.
type InMemoryStore struct {
	mtx       sync.RWMutex
	instances map[string]InstanceDesc
}

// NewInMemoryStore returns an empty in-memory membership store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{instances: map[string]InstanceDesc{}}
}

// Register adds or replaces the instance under id.
func (s *InMemoryStore) Register(_ context.Context, id string, desc InstanceDesc) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.instances[id] = desc
	return nil
}

// Heartbeat bumps the instance timestamp and sets its state.
func (s *InMemoryStore) Heartbeat(_ context.Context, id string, state State, now time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	desc, ok := s.instances[id]
	if !ok {
		return errors.Errorf("instance %s not registered", id)
	}
	desc.State = state
	desc.Timestamp = now.Unix()
	s.instances[id] = desc
	return nil
}

// Deregister removes the instance from the ring.
func (s *InMemoryStore) Deregister(_ context.Context, id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.instances, id)
	return nil
}

// Get returns the instance registered under id, if any.
func (s *InMemoryStore) Get(_ context.Context, id string) (InstanceDesc, bool, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	desc, ok := s.instances[id]
	return desc, ok, nil
}

// All returns a copy of every registered instance.
func (s *InMemoryStore) All(_ context.Context) (map[string]InstanceDesc, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make(map[string]InstanceDesc, len(s.instances))
	for id, desc := range s.instances {
		out[id] = desc
	}
	return out, nil
}
