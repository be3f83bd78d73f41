package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/lifecycle/internal/resilience"
	"github.com/pitabwire/lifecycle/model"
)

// BreakerStore guards a Store with a circuit breaker. While the breaker is
// open every call fails fast with STORAGE_UNAVAILABLE. Only infrastructure
// errors count as failures; NOT_FOUND and CONFLICT are answers from a
// healthy backend.
type BreakerStore struct {
	next    Store
	breaker *resilience.Breaker
}

// NewBreakerStore wraps next.
func NewBreakerStore(next Store, breaker *resilience.Breaker) *BreakerStore {
	return &BreakerStore{next: next, breaker: breaker}
}

func (s *BreakerStore) guard(op string, fn func() error) error {
	if err := s.breaker.Allow(); err != nil {
		return model.NewStorageUnavailableError(op, err)
	}
	err := fn()
	if backendFailure(err) {
		s.breaker.Failure()
	} else {
		s.breaker.Success()
	}
	return err
}

func backendFailure(err error) bool {
	if err == nil {
		return false
	}
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == model.ErrStorageUnavailable
	}
	// A caller giving up is not the backend's fault.
	return !errors.Is(err, context.Canceled)
}

// Create registers a new entity through the breaker.
func (s *BreakerStore) Create(ctx context.Context, entity model.GovernedEntity) error {
	return s.guard("create entity", func() error {
		return s.next.Create(ctx, entity)
	})
}

// GetStatus reads the stored status through the breaker.
func (s *BreakerStore) GetStatus(ctx context.Context, ref model.EntityRef) (state model.State, err error) {
	err = s.guard("read status", func() error {
		state, err = s.next.GetStatus(ctx, ref)
		return err
	})
	return state, err
}

// CompareAndSetStatus performs the conditional write through the breaker. A
// lost write is not a failure.
func (s *BreakerStore) CompareAndSetStatus(ctx context.Context, ref model.EntityRef, expected, next model.State) (won bool, err error) {
	err = s.guard("compare and set status", func() error {
		won, err = s.next.CompareAndSetStatus(ctx, ref, expected, next)
		return err
	})
	return won, err
}

// Append writes an audit entry through the breaker.
func (s *BreakerStore) Append(ctx context.Context, entry model.AuditEntry) error {
	return s.guard("append audit entry", func() error {
		return s.next.Append(ctx, entry)
	})
}

// CommitTransition commits status and audit entry through the breaker and
// returns the entry as the backend stamped it.
func (s *BreakerStore) CommitTransition(ctx context.Context, ref model.EntityRef, expected, next model.State, entry model.AuditEntry, now func() time.Time) (committed model.AuditEntry, won bool, err error) {
	committed = entry
	err = s.guard("commit transition", func() error {
		committed, won, err = s.next.CommitTransition(ctx, ref, expected, next, entry, now)
		return err
	})
	return committed, won, err
}

// History reads the audit trail through the breaker.
func (s *BreakerStore) History(ctx context.Context, ref model.EntityRef) (entries []model.AuditEntry, err error) {
	err = s.guard("read history", func() error {
		entries, err = s.next.History(ctx, ref)
		return err
	})
	return entries, err
}

// Ping bypasses the breaker so readiness reports the backend itself.
func (s *BreakerStore) Ping(ctx context.Context) error {
	if hc, ok := s.next.(HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}
