package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/lifecycle/model"
)

// TransitionFunc performs the underlying transition.
type TransitionFunc func(ctx context.Context, req model.TransitionRequest) (model.TransitionResult, error)

// ReplayMetrics records requests answered from the store.
type ReplayMetrics interface {
	RecordIdempotentReplay(entityType string)
}

// Guard wraps a TransitionFunc with idempotency-key deduplication.
type Guard struct {
	store   Store
	ttl     time.Duration
	logger  *zap.Logger
	metrics ReplayMetrics
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithLogger sets the logger used for best-effort save failures.
func WithLogger(logger *zap.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// WithMetrics sets the replay metrics sink.
func WithMetrics(m ReplayMetrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// NewGuard creates a Guard. A nil store disables deduplication.
func NewGuard(store Store, ttl time.Duration, opts ...GuardOption) *Guard {
	g := &Guard{store: store, ttl: ttl, logger: zap.NewNop()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Transition runs fn unless a result for clientKey is already stored. An
// empty clientKey bypasses the store. Only committed transitions are saved;
// rejected requests are retried in full. The bool reports a replay.
func (g *Guard) Transition(ctx context.Context, clientKey string, req model.TransitionRequest, fn TransitionFunc) (model.TransitionResult, bool, error) {
	if g == nil || g.store == nil || clientKey == "" {
		res, err := fn(ctx, req)
		return res, false, err
	}

	key := Key(req.Entity, clientKey)
	hash := HashRequest(req)

	cached, found, err := g.store.Check(ctx, key, hash)
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			return model.TransitionResult{}, false, err
		}
		return model.TransitionResult{}, false, model.NewStorageUnavailableError("idempotency check", err)
	}
	if found && cached != nil {
		if g.metrics != nil {
			g.metrics.RecordIdempotentReplay(req.Entity.EntityType)
		}
		return *cached, true, nil
	}

	res, err := fn(ctx, req)
	if err != nil {
		return res, false, err
	}

	if err := g.store.Save(ctx, key, hash, res, g.ttl); err != nil {
		g.logger.Warn("idempotency save failed",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
	}
	return res, false, nil
}
