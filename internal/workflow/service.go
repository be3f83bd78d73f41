package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/lifecycle/internal/observability"
	"github.com/pitabwire/lifecycle/model"
)

// TransitionMetrics receives one observation per Transition call.
// *observability.Metrics implements it.
type TransitionMetrics interface {
	RecordTransition(entityType, outcome, reason string, duration time.Duration)
	RecordAuditAppendFailure(entityType string)
}

type nopMetrics struct{}

func (nopMetrics) RecordTransition(string, string, string, time.Duration) {}
func (nopMetrics) RecordAuditAppendFailure(string)                        {}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger. The default discards everything.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m TransitionMetrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source used for audit timestamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// Service is the public entry point of the lifecycle engine. It holds no
// mutable state of its own; all concurrency control is the conditional
// write of the EntityStore.
type Service struct {
	catalog  Catalog
	store    EntityStore
	sink     AuditSink
	tx       TransactionalStore
	recorder *Recorder
	logger   *zap.Logger
	metrics  TransitionMetrics
	now      func() time.Time
}

// NewService wires a service. When sink is nil the store must also implement
// AuditSink and is used for both. Status change and audit entry commit in one
// transaction only when the store implements TransactionalStore and is also
// the audit sink; otherwise the service writes them in sequence and undoes
// the status change if the audit append fails.
//
// NewService panics when sink is nil and store is not an AuditSink, since
// such a service could not audit any call.
func NewService(catalog Catalog, store EntityStore, sink AuditSink, opts ...ServiceOption) *Service {
	if sink == nil {
		backend, ok := store.(AuditSink)
		if !ok {
			panic(fmt.Sprintf("workflow: %T does not implement AuditSink and no audit sink was given", store))
		}
		sink = backend
	}
	s := &Service{
		catalog: catalog,
		store:   store,
		sink:    sink,
		logger:  zap.NewNop(),
		metrics: nopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if tx, ok := store.(TransactionalStore); ok {
		if backend, ok := sink.(EntityStore); ok && backend == store {
			s.tx = tx
		}
	}
	s.recorder = NewRecorder(sink, s.now)
	return s
}

func (s *Service) registry(entityType string) (*Registry, error) {
	reg, ok := s.catalog.Registry(entityType)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("entity type %q is not governed", entityType))
	}
	return reg, nil
}

// Rules returns the transition table of an entity type.
func (s *Service) Rules(entityType string) ([]model.TransitionRule, error) {
	reg, err := s.registry(entityType)
	if err != nil {
		return nil, err
	}
	return reg.Rules(), nil
}

// AvailableTransitions lists the states actor may move an entity of
// entityType to from currentState, in rule declaration order. Only the role
// check is applied. It writes no audit entry.
func (s *Service) AvailableTransitions(entityType string, currentState model.State, actor model.Actor) ([]model.State, error) {
	reg, err := s.registry(entityType)
	if err != nil {
		return nil, err
	}
	targets := []model.State{}
	for _, rule := range reg.RulesFor(currentState) {
		if Permits(rule, actor) {
			targets = append(targets, rule.To)
		}
	}
	return targets, nil
}

// Create registers a new entity in its entity type's initial state. Creation
// is not a transition and is not audited; replay starts from the initial
// state.
func (s *Service) Create(ctx context.Context, ref model.EntityRef) (model.GovernedEntity, error) {
	reg, err := s.registry(ref.EntityType)
	if err != nil {
		return model.GovernedEntity{}, err
	}
	if ref.EntityID == "" || ref.OrganizationID == "" {
		return model.GovernedEntity{}, model.NewBadRequestError("entity id and organization id are required")
	}

	now := s.now().UTC()
	entity := model.GovernedEntity{
		EntityRef: ref,
		Status:    reg.InitialState(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, entity); err != nil {
		return model.GovernedEntity{}, storageError("create entity", err)
	}

	observability.RequestLogger(ctx, s.logger).With(observability.EntityFields(ref)...).
		Info("entity created", zap.String("status", string(entity.Status)))
	return entity, nil
}

// Status returns the stored status of an entity.
func (s *Service) Status(ctx context.Context, ref model.EntityRef) (model.State, error) {
	if _, err := s.registry(ref.EntityType); err != nil {
		return "", err
	}
	st, err := s.store.GetStatus(ctx, ref)
	if err != nil {
		return "", storageError("read status", err)
	}
	return st, nil
}

// History returns the audit trail of an entity, oldest first.
func (s *Service) History(ctx context.Context, ref model.EntityRef) ([]model.AuditEntry, error) {
	if _, err := s.Status(ctx, ref); err != nil {
		return nil, err
	}
	reader, ok := s.sink.(AuditReader)
	if !ok {
		return nil, &model.ErrorEnvelope{
			Code:    model.ErrInternalError,
			Message: "the configured audit sink cannot be read back",
		}
	}
	entries, err := reader.History(ctx, ref)
	if err != nil {
		return nil, storageError("read history", err)
	}
	SortEntries(entries)
	return entries, nil
}

// Verify replays an entity's history and compares the result with the stored
// status. It returns the stored status, or INTEGRITY_VIOLATION when the two
// disagree or the history contains a success entry that does not start where
// the previous one ended.
func (s *Service) Verify(ctx context.Context, ref model.EntityRef) (model.State, error) {
	reg, err := s.registry(ref.EntityType)
	if err != nil {
		return "", err
	}
	stored, err := s.Status(ctx, ref)
	if err != nil {
		return "", err
	}
	entries, err := s.History(ctx, ref)
	if err != nil {
		return "", err
	}

	replayed, broken := replayChain(reg.InitialState(), entries)
	if broken != nil {
		return stored, &model.ErrorEnvelope{
			Code: model.ErrIntegrityViolation,
			Message: fmt.Sprintf("audit entry %s moves from %q but the history had reached a different state",
				broken.ID, broken.FromState),
		}
	}
	if replayed != stored {
		return stored, model.NewIntegrityViolationError(ref, stored, replayed)
	}
	return stored, nil
}

// Transition moves an entity from req.CurrentState to req.TargetState.
//
// The rule lookup and guard run first; a rejection is audited and returned
// without touching the entity. The status is then written only if it still
// equals req.CurrentState. Every call for a governed entity type appends
// exactly one audit entry, except when storage itself fails.
func (s *Service) Transition(ctx context.Context, req model.TransitionRequest) (result model.TransitionResult, err error) {
	start := time.Now()
	ref := req.Entity

	ctx, span := observability.StartTransitionSpan(ctx, req)
	defer func() { observability.EndTransitionSpan(span, err) }()

	logger := observability.RequestLogger(ctx, s.logger).With(observability.EntityFields(ref)...).With(
		zap.String("from_state", string(req.CurrentState)),
		zap.String("to_state", string(req.TargetState)),
		zap.String("actor_id", req.Actor.ID),
		zap.String("actor_role", string(req.Actor.Role)),
	)

	reg, err := s.registry(ref.EntityType)
	if err != nil {
		return model.TransitionResult{}, err
	}

	defer func() {
		outcome, reason := string(model.OutcomeSuccess), ""
		if err != nil {
			outcome, reason = string(model.OutcomeRejected), model.CodeOf(err)
			if reason == model.ErrStorageUnavailable {
				outcome = "error"
			}
		}
		s.metrics.RecordTransition(ref.EntityType, outcome, reason, time.Since(start))
	}()

	entry := model.AuditEntry{
		EntityType:     ref.EntityType,
		EntityID:       ref.EntityID,
		OrganizationID: ref.OrganizationID,
		FromState:      req.CurrentState,
		ToState:        req.TargetState,
		ActorID:        req.Actor.ID,
		ActorRole:      req.Actor.Role,
		Comment:        req.Comment,
	}

	if _, gerr := reg.Evaluate(req.CurrentState, req.TargetState, req.Actor, req.Comment); gerr != nil {
		logger.Warn("transition rejected by guard", zap.String("reason", model.CodeOf(gerr)))
		return model.TransitionResult{}, s.reject(ctx, logger, entry, gerr)
	}

	// The timestamp is assigned only once the conditional write has won, so
	// a call that waited on the store is not dated before writes it follows.
	entry.Outcome = model.OutcomeSuccess
	entry.ID = uuid.NewString()

	var won bool
	if s.tx != nil {
		entry, won, err = s.tx.CommitTransition(ctx, ref, req.CurrentState, req.TargetState, entry, s.now)
		if err != nil && !model.IsCode(err, model.ErrNotFound) {
			logger.Error("transition commit failed", zap.Error(err))
			return model.TransitionResult{}, storageError("commit transition", err)
		}
	} else {
		won, err = s.store.CompareAndSetStatus(ctx, ref, req.CurrentState, req.TargetState)
		if err != nil && !model.IsCode(err, model.ErrNotFound) {
			logger.Error("status write failed", zap.Error(err))
			return model.TransitionResult{}, storageError("compare and set status", err)
		}
		if err == nil && won {
			entry = s.recorder.Stamp(entry)
			if aerr := s.sink.Append(ctx, entry); aerr != nil {
				s.metrics.RecordAuditAppendFailure(ref.EntityType)
				s.compensate(ctx, logger, ref, req)
				logger.Error("audit append failed after status write", zap.Error(aerr))
				return model.TransitionResult{}, model.NewStorageUnavailableError("append audit entry", aerr)
			}
		}
	}

	if err != nil {
		// The entity does not exist in this organization.
		logger.Warn("transition on unknown entity")
		entry.ID, entry.Timestamp = "", time.Time{}
		return model.TransitionResult{}, s.reject(ctx, logger, entry, err)
	}
	if !won {
		logger.Warn("transition lost conditional write")
		entry.ID, entry.Timestamp = "", time.Time{}
		return model.TransitionResult{}, s.reject(ctx, logger, entry,
			model.NewConcurrentModificationError(ref, req.CurrentState))
	}

	logger.Info("transition committed", zap.String("audit_id", entry.ID))
	return model.TransitionResult{
		Entity:    ref,
		FromState: req.CurrentState,
		ToState:   req.TargetState,
		AuditID:   entry.ID,
		Timestamp: entry.Timestamp,
	}, nil
}

// reject audits a rejected attempt and returns cause. If the audit append
// fails the call fails with STORAGE_UNAVAILABLE instead.
func (s *Service) reject(ctx context.Context, logger *zap.Logger, entry model.AuditEntry, cause error) error {
	entry.Outcome = model.OutcomeRejected
	entry.RejectionReason = model.CodeOf(cause)
	if _, err := s.recorder.Record(ctx, entry); err != nil {
		s.metrics.RecordAuditAppendFailure(entry.EntityType)
		logger.Error("rejected transition could not be audited",
			zap.String("reason", entry.RejectionReason), zap.Error(err))
		return err
	}
	return cause
}

// compensate restores the previous status after the audit append failed.
// A failure here leaves drift that Verify reports.
func (s *Service) compensate(ctx context.Context, logger *zap.Logger, ref model.EntityRef, req model.TransitionRequest) {
	restored, err := s.store.CompareAndSetStatus(ctx, ref, req.TargetState, req.CurrentState)
	switch {
	case err != nil:
		logger.Error("compensating status write failed", zap.Error(err))
	case !restored:
		logger.Error("compensating status write lost: entity moved again before it could be restored")
	default:
		logger.Warn("status change compensated")
	}
}

// storageError passes envelopes through and wraps anything else as
// STORAGE_UNAVAILABLE.
func storageError(op string, err error) error {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return err
	}
	return model.NewStorageUnavailableError(op, err)
}
