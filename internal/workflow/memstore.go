package workflow

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/lifecycle/model"
)

// MemoryStore is an in-memory Store for tests and single-process use. One
// mutex guards entities and audit entries, so CommitTransition is atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[model.EntityRef]model.GovernedEntity
	audit    map[model.EntityRef][]model.AuditEntry
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[model.EntityRef]model.GovernedEntity),
		audit:    make(map[model.EntityRef][]model.AuditEntry),
		now:      time.Now,
	}
}

// Create registers a new entity.
func (s *MemoryStore) Create(_ context.Context, entity model.GovernedEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[entity.EntityRef]; exists {
		return model.NewConflictError(
			fmt.Sprintf("%s %q already exists", entity.EntityType, entity.EntityID),
		)
	}
	s.entities[entity.EntityRef] = entity
	return nil
}

// GetStatus returns the stored status.
func (s *MemoryStore) GetStatus(_ context.Context, ref model.EntityRef) (model.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entities[ref]
	if !exists {
		return "", notFound(ref)
	}
	return e.Status, nil
}

// CompareAndSetStatus sets the status to next if it equals expected.
func (s *MemoryStore) CompareAndSetStatus(_ context.Context, ref model.EntityRef, expected, next model.State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casLocked(ref, expected, next)
}

func (s *MemoryStore) casLocked(ref model.EntityRef, expected, next model.State) (bool, error) {
	e, exists := s.entities[ref]
	if !exists {
		return false, notFound(ref)
	}
	if e.Status != expected {
		return false, nil
	}
	e.Status = next
	e.UpdatedAt = s.now().UTC()
	s.entities[ref] = e
	return true, nil
}

// Append adds an entry to the audit trail of its entity.
func (s *MemoryStore) Append(_ context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := entry.Ref()
	s.audit[ref] = append(s.audit[ref], entry)
	return nil
}

// CommitTransition applies the conditional write, stamps entry and appends
// it under one lock.
func (s *MemoryStore) CommitTransition(_ context.Context, ref model.EntityRef, expected, next model.State, entry model.AuditEntry, now func() time.Time) (model.AuditEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	won, err := s.casLocked(ref, expected, next)
	if err != nil || !won {
		return entry, won, err
	}
	entry.Timestamp = commitTime(now)
	s.audit[ref] = append(s.audit[ref], entry)
	return entry, true, nil
}

// History returns a copy of the entity's audit trail in append order.
func (s *MemoryStore) History(_ context.Context, ref model.EntityRef) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.entities[ref]; !exists {
		return nil, notFound(ref)
	}
	return slices.Clone(s.audit[ref]), nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored entities. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// AuditLen returns the number of audit entries across all entities,
// including entries for refs that were never created. For testing.
func (s *MemoryStore) AuditLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, entries := range s.audit {
		n += len(entries)
	}
	return n
}

// commitTime reads the commit clock in UTC. A nil clock means time.Now.
func commitTime(now func() time.Time) time.Time {
	if now == nil {
		now = time.Now
	}
	return now().UTC()
}

func notFound(ref model.EntityRef) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("%s %q not found", ref.EntityType, ref.EntityID))
}
