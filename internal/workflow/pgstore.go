package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/lifecycle/model"
)

// pgSchema creates the entity and audit tables. audit_entries has no UPDATE
// or DELETE path in this package; seq orders entries that share a timestamp.
const pgSchema = `
CREATE TABLE IF NOT EXISTS governed_entities (
	entity_type     TEXT        NOT NULL,
	organization_id TEXT        NOT NULL,
	entity_id       TEXT        NOT NULL,
	status          TEXT        NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_type, organization_id, entity_id)
);

CREATE TABLE IF NOT EXISTS audit_entries (
	seq              BIGSERIAL   PRIMARY KEY,
	id               TEXT        NOT NULL UNIQUE,
	entity_type      TEXT        NOT NULL,
	organization_id  TEXT        NOT NULL,
	entity_id        TEXT        NOT NULL,
	from_state       TEXT        NOT NULL,
	to_state         TEXT        NOT NULL,
	actor_id         TEXT        NOT NULL,
	actor_role       TEXT        NOT NULL,
	comment          TEXT        NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	outcome          TEXT        NOT NULL,
	rejection_reason TEXT        NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS audit_entries_entity_idx
	ON audit_entries (entity_type, organization_id, entity_id, created_at, seq);
`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate lifecycle schema: %w", err)
	}
	return nil
}

// Ping checks the pool can reach the database.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new entity.
func (s *PgStore) Create(ctx context.Context, e model.GovernedEntity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO governed_entities (
			entity_type, organization_id, entity_id, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.EntityType, e.OrganizationID, e.EntityID, string(e.Status), e.CreatedAt, e.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("%s %q already exists", e.EntityType, e.EntityID))
	}
	if err != nil {
		return fmt.Errorf("insert governed entity: %w", err)
	}
	return nil
}

// GetStatus returns the stored status, scoped to the ref's organization.
func (s *PgStore) GetStatus(ctx context.Context, ref model.EntityRef) (model.State, error) {
	return pgStatus(ctx, s.pool, ref)
}

// CompareAndSetStatus performs the conditional status update.
func (s *PgStore) CompareAndSetStatus(ctx context.Context, ref model.EntityRef, expected, next model.State) (bool, error) {
	return pgCAS(ctx, s.pool, ref, expected, next)
}

// Append inserts an audit entry.
func (s *PgStore) Append(ctx context.Context, entry model.AuditEntry) error {
	return pgAppend(ctx, s.pool, entry)
}

// CommitTransition runs the conditional update and the audit insert in one
// transaction. A lost update rolls back without writing the entry. The entry
// is stamped while the UPDATE holds the row lock.
func (s *PgStore) CommitTransition(ctx context.Context, ref model.EntityRef, expected, next model.State, entry model.AuditEntry, now func() time.Time) (model.AuditEntry, bool, error) {
	var won bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		won, err = pgCAS(ctx, tx, ref, expected, next)
		if err != nil || !won {
			return err
		}
		entry.Timestamp = commitTime(now)
		return pgAppend(ctx, tx, entry)
	})
	if err != nil {
		return entry, false, err
	}
	return entry, won, nil
}

// History returns the entity's audit trail, oldest first.
func (s *PgStore) History(ctx context.Context, ref model.EntityRef) ([]model.AuditEntry, error) {
	if _, err := pgStatus(ctx, s.pool, ref); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, entity_type, organization_id, entity_id, from_state, to_state,
		       actor_id, actor_role, comment, created_at, outcome, rejection_reason
		FROM audit_entries
		WHERE entity_type = $1 AND organization_id = $2 AND entity_id = $3
		ORDER BY created_at ASC, seq ASC`,
		ref.EntityType, ref.OrganizationID, ref.EntityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var (
			e                       model.AuditEntry
			from, to, role, outcome string
		)
		if err := rows.Scan(
			&e.ID, &e.EntityType, &e.OrganizationID, &e.EntityID, &from, &to,
			&e.ActorID, &role, &e.Comment, &e.Timestamp, &outcome, &e.RejectionReason,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.FromState, e.ToState = model.State(from), model.State(to)
		e.ActorRole, e.Outcome = model.Role(role), model.Outcome(outcome)
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgStatus(ctx context.Context, q pgQuerier, ref model.EntityRef) (model.State, error) {
	var status string
	err := q.QueryRow(ctx, `
		SELECT status FROM governed_entities
		WHERE entity_type = $1 AND organization_id = $2 AND entity_id = $3`,
		ref.EntityType, ref.OrganizationID, ref.EntityID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", notFound(ref)
	}
	if err != nil {
		return "", fmt.Errorf("query entity status: %w", err)
	}
	return model.State(status), nil
}

func pgCAS(ctx context.Context, q pgQuerier, ref model.EntityRef, expected, next model.State) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE governed_entities SET status = $1, updated_at = $2
		WHERE entity_type = $3 AND organization_id = $4 AND entity_id = $5 AND status = $6`,
		string(next), time.Now().UTC(),
		ref.EntityType, ref.OrganizationID, ref.EntityID, string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("update entity status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// Zero rows: either the status moved on or the entity does not exist.
	if _, err := pgStatus(ctx, q, ref); err != nil {
		return false, err
	}
	return false, nil
}

func pgAppend(ctx context.Context, q pgQuerier, e model.AuditEntry) error {
	_, err := q.Exec(ctx, `
		INSERT INTO audit_entries (
			id, entity_type, organization_id, entity_id, from_state, to_state,
			actor_id, actor_role, comment, created_at, outcome, rejection_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.EntityType, e.OrganizationID, e.EntityID, string(e.FromState), string(e.ToState),
		e.ActorID, string(e.ActorRole), e.Comment, e.Timestamp, string(e.Outcome), e.RejectionReason,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
