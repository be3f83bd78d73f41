package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/lifecycle/model"
)

// EntityStore reads and conditionally writes the status of governed
// entities. Lookups are scoped by the full EntityRef: an entity owned by a
// different organization is reported as NOT_FOUND.
type EntityStore interface {
	// Create registers a new entity. Returns CONFLICT if the ref already
	// exists.
	Create(ctx context.Context, entity model.GovernedEntity) error

	// GetStatus returns the stored status. Returns NOT_FOUND if the entity
	// does not exist in the ref's organization.
	GetStatus(ctx context.Context, ref model.EntityRef) (model.State, error)

	// CompareAndSetStatus sets the status to next only if it currently
	// equals expected. It returns false with a nil error when the stored
	// status differs, and NOT_FOUND when the entity does not exist.
	CompareAndSetStatus(ctx context.Context, ref model.EntityRef, expected, next model.State) (bool, error)
}

// AuditSink is the append-only audit port. Entries are never updated or
// deleted.
type AuditSink interface {
	Append(ctx context.Context, entry model.AuditEntry) error
}

// AuditReader reads back the audit trail of one entity, oldest first.
type AuditReader interface {
	History(ctx context.Context, ref model.EntityRef) ([]model.AuditEntry, error)
}

// TransactionalStore is implemented by stores that can commit the status
// change and its audit entry as one unit. The entry is written only when the
// compare-and-set succeeds. Its timestamp is taken from now after the
// compare-and-set has won and before any other write to the entity can
// commit, so timestamp order matches commit order. The committed entry is
// returned.
type TransactionalStore interface {
	CommitTransition(ctx context.Context, ref model.EntityRef, expected, next model.State, entry model.AuditEntry, now func() time.Time) (model.AuditEntry, bool, error)
}

// Store is a backend that provides every port. All bundled stores implement it.
type Store interface {
	EntityStore
	AuditSink
	AuditReader
	TransactionalStore
}

// HealthChecker is implemented by stores that can report their availability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
