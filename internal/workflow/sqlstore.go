package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/pitabwire/lifecycle/model"
)

// sqlTimeLayout is fixed-width so timestamps sort lexicographically.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS governed_entities (
		entity_type     TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		entity_id       TEXT NOT NULL,
		status          TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		PRIMARY KEY (entity_type, organization_id, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
		id               TEXT NOT NULL UNIQUE,
		entity_type      TEXT NOT NULL,
		organization_id  TEXT NOT NULL,
		entity_id        TEXT NOT NULL,
		from_state       TEXT NOT NULL,
		to_state         TEXT NOT NULL,
		actor_id         TEXT NOT NULL,
		actor_role       TEXT NOT NULL,
		comment          TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		outcome          TEXT NOT NULL,
		rejection_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS audit_entries_entity_idx
		ON audit_entries (entity_type, organization_id, entity_id, created_at, seq)`,
}

// SQLStore is a database/sql Store. It is used with the pure-Go SQLite
// driver for single-node deployments and the admin CLI.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) a SQLite database file and returns a
// migrated store. path may be ":memory:".
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases shared across calls.
	db.SetMaxOpenConns(1)
	s, err := NewSQLStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps db and creates the tables if they do not exist.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range sqlSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate lifecycle schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new entity. An existing ref yields CONFLICT.
func (s *SQLStore) Create(ctx context.Context, e model.GovernedEntity) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO governed_entities (
			entity_type, organization_id, entity_id, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		e.EntityType, e.OrganizationID, e.EntityID, string(e.Status),
		formatSQLTime(e.CreatedAt), formatSQLTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert governed entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert governed entity: %w", err)
	}
	if n == 0 {
		return model.NewConflictError(fmt.Sprintf("%s %q already exists", e.EntityType, e.EntityID))
	}
	return nil
}

// GetStatus returns the stored status, scoped to the ref's organization.
func (s *SQLStore) GetStatus(ctx context.Context, ref model.EntityRef) (model.State, error) {
	return sqlStatus(ctx, s.db, ref)
}

// CompareAndSetStatus performs the conditional status update.
func (s *SQLStore) CompareAndSetStatus(ctx context.Context, ref model.EntityRef, expected, next model.State) (bool, error) {
	return sqlCAS(ctx, s.db, ref, expected, next, s.now())
}

// Append inserts an audit entry.
func (s *SQLStore) Append(ctx context.Context, entry model.AuditEntry) error {
	return sqlAppend(ctx, s.db, entry)
}

// CommitTransition runs the conditional update and the audit insert in one
// transaction. The entry is stamped once the UPDATE has taken the write lock.
func (s *SQLStore) CommitTransition(ctx context.Context, ref model.EntityRef, expected, next model.State, entry model.AuditEntry, now func() time.Time) (_ model.AuditEntry, won bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entry, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil || !won {
			_ = tx.Rollback()
		}
	}()

	won, err = sqlCAS(ctx, tx, ref, expected, next, s.now())
	if err != nil || !won {
		return entry, false, err
	}
	entry.Timestamp = commitTime(now)
	if err = sqlAppend(ctx, tx, entry); err != nil {
		return entry, false, err
	}
	if err = tx.Commit(); err != nil {
		return entry, false, fmt.Errorf("commit transition: %w", err)
	}
	return entry, true, nil
}

// History returns the entity's audit trail, oldest first.
func (s *SQLStore) History(ctx context.Context, ref model.EntityRef) ([]model.AuditEntry, error) {
	if _, err := sqlStatus(ctx, s.db, ref); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, organization_id, entity_id, from_state, to_state,
		       actor_id, actor_role, comment, created_at, outcome, rejection_reason
		FROM audit_entries
		WHERE entity_type = ? AND organization_id = ? AND entity_id = ?
		ORDER BY created_at ASC, seq ASC`,
		ref.EntityType, ref.OrganizationID, ref.EntityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.AuditEntry
	for rows.Next() {
		var (
			e                                  model.AuditEntry
			from, to, role, outcome, createdAt string
		)
		if err := rows.Scan(
			&e.ID, &e.EntityType, &e.OrganizationID, &e.EntityID, &from, &to,
			&e.ActorID, &role, &e.Comment, &createdAt, &outcome, &e.RejectionReason,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		ts, err := time.Parse(sqlTimeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", createdAt, err)
		}
		e.Timestamp = ts.UTC()
		e.FromState, e.ToState = model.State(from), model.State(to)
		e.ActorRole, e.Outcome = model.Role(role), model.Outcome(outcome)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// sqlExecer is satisfied by both *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqlStatus(ctx context.Context, q sqlExecer, ref model.EntityRef) (model.State, error) {
	var status string
	err := q.QueryRowContext(ctx, `
		SELECT status FROM governed_entities
		WHERE entity_type = ? AND organization_id = ? AND entity_id = ?`,
		ref.EntityType, ref.OrganizationID, ref.EntityID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound(ref)
	}
	if err != nil {
		return "", fmt.Errorf("query entity status: %w", err)
	}
	return model.State(status), nil
}

func sqlCAS(ctx context.Context, q sqlExecer, ref model.EntityRef, expected, next model.State, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE governed_entities SET status = ?, updated_at = ?
		WHERE entity_type = ? AND organization_id = ? AND entity_id = ? AND status = ?`,
		string(next), formatSQLTime(now),
		ref.EntityType, ref.OrganizationID, ref.EntityID, string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("update entity status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update entity status: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := sqlStatus(ctx, q, ref); err != nil {
		return false, err
	}
	return false, nil
}

func sqlAppend(ctx context.Context, q sqlExecer, e model.AuditEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_entries (
			id, entity_type, organization_id, entity_id, from_state, to_state,
			actor_id, actor_role, comment, created_at, outcome, rejection_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EntityType, e.OrganizationID, e.EntityID, string(e.FromState), string(e.ToState),
		e.ActorID, string(e.ActorRole), e.Comment, formatSQLTime(e.Timestamp), string(e.Outcome), e.RejectionReason,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func formatSQLTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}
