package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/lifecycle/model"
)

func testRef() model.EntityRef {
	return model.EntityRef{EntityType: "voucher", EntityID: "v-1", OrganizationID: "org-1"}
}

func testResult() model.TransitionResult {
	return model.TransitionResult{
		Entity:    testRef(),
		FromState: "draft",
		ToState:   "pending_approval",
		AuditID:   "audit-1",
		Timestamp: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func assertConflict(t *testing.T, err error) {
	t.Helper()
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T, want *model.ErrorEnvelope", err)
	}
	if envErr.Code != model.ErrConflict {
		t.Errorf("error code = %s, want %s", envErr.Code, model.ErrConflict)
	}
}

// --- Key and HashRequest ---

func TestKey(t *testing.T) {
	got := Key(testRef(), "client-key-1")
	want := "idem:org-1:voucher:v-1:client-key-1"
	if got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}

func TestHashRequest(t *testing.T) {
	base := model.TransitionRequest{
		Entity:       testRef(),
		CurrentState: "draft",
		TargetState:  "pending_approval",
		Actor:        model.Actor{ID: "u-1", Role: "preparer", OrganizationID: "org-1"},
	}
	if HashRequest(base) != HashRequest(base) {
		t.Fatal("hash should be deterministic")
	}

	variants := map[string]func(*model.TransitionRequest){
		"target":  func(r *model.TransitionRequest) { r.TargetState = "cancelled" },
		"current": func(r *model.TransitionRequest) { r.CurrentState = "approved" },
		"role":    func(r *model.TransitionRequest) { r.Actor.Role = "admin" },
		"actor":   func(r *model.TransitionRequest) { r.Actor.ID = "u-2" },
		"comment": func(r *model.TransitionRequest) { r.Comment = "why" },
	}
	for name, mutate := range variants {
		req := base
		mutate(&req)
		if HashRequest(req) == HashRequest(base) {
			t.Errorf("changing %s should change the hash", name)
		}
	}
}

// --- MemoryStore ---

func TestMemoryStore_CheckNotFound(t *testing.T) {
	store := NewMemoryStore()

	result, found, err := store.Check(context.Background(), "idem:k", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found || result != nil {
		t.Errorf("Check() = %+v, %v; want nil, false", result, found)
	}
}

func TestMemoryStore_SaveAndCheck(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, "idem:k", "hash-abc", testResult(), 5*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	result, found, err := store.Check(ctx, "idem:k", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || result == nil {
		t.Fatal("stored result not found")
	}
	if result.AuditID != "audit-1" || result.ToState != "pending_approval" {
		t.Errorf("result = %+v", result)
	}
}

func TestMemoryStore_ConflictOnHashMismatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Save(ctx, "idem:k", "hash-abc", testResult(), 5*time.Minute)

	_, found, err := store.Check(ctx, "idem:k", "hash-different")
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !found {
		t.Error("found = false, want true (key exists)")
	}
	assertConflict(t, err)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.Save(ctx, "idem:k", "hash-abc", testResult(), time.Minute)
	now = now.Add(2 * time.Minute)

	result, found, err := store.Check(ctx, "idem:k", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found || result != nil {
		t.Error("expired entry should not be found")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (expired entry removed)", store.Len())
	}
}

func TestMemoryStore_Ping(t *testing.T) {
	if err := NewMemoryStore().Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}
}

// --- RedisStore ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisStore(client)
}

func TestRedisStore_CheckNotFound(t *testing.T) {
	_, store := newTestRedis(t)

	result, found, err := store.Check(context.Background(), "idem:k", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found || result != nil {
		t.Errorf("Check() = %+v, %v; want nil, false", result, found)
	}
}

func TestRedisStore_SaveAndCheck(t *testing.T) {
	mr, store := newTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, "idem:k", "hash-abc", testResult(), 5*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if ttl := mr.TTL("idem:k"); ttl != 5*time.Minute {
		t.Errorf("TTL = %v, want 5m", ttl)
	}

	result, found, err := store.Check(ctx, "idem:k", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || result == nil {
		t.Fatal("stored result not found")
	}
	if result.Entity != testRef() {
		t.Errorf("Entity = %+v, want %+v", result.Entity, testRef())
	}
	if !result.Timestamp.Equal(testResult().Timestamp) {
		t.Errorf("Timestamp = %v, want %v", result.Timestamp, testResult().Timestamp)
	}
}

func TestRedisStore_ConflictOnHashMismatch(t *testing.T) {
	_, store := newTestRedis(t)
	ctx := context.Background()
	_ = store.Save(ctx, "idem:k", "hash-abc", testResult(), 5*time.Minute)

	_, found, err := store.Check(ctx, "idem:k", "hash-different")
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !found {
		t.Error("found = false, want true")
	}
	assertConflict(t, err)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr, store := newTestRedis(t)
	ctx := context.Background()
	_ = store.Save(ctx, "idem:k", "hash-abc", testResult(), time.Second)

	mr.FastForward(2 * time.Second)

	_, found, err := store.Check(ctx, "idem:k", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false (expired)")
	}
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	mr, store := newTestRedis(t)
	if err := mr.Set("idem:k", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, _, err := store.Check(context.Background(), "idem:k", "hash-abc")
	if err == nil {
		t.Fatal("expected unmarshal error")
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, store := newTestRedis(t)
	mr.Close()

	if err := store.Ping(context.Background()); err == nil {
		t.Error("Ping() should fail when redis is down")
	}
	if _, _, err := store.Check(context.Background(), "idem:k", "h"); err == nil {
		t.Error("Check() should fail when redis is down")
	}
	if err := store.Save(context.Background(), "idem:k", "h", testResult(), time.Minute); err == nil {
		t.Error("Save() should fail when redis is down")
	}
}

func TestRedisStore_Ping(t *testing.T) {
	_, store := newTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}
}

// --- Guard ---

type countingMetrics struct{ replays map[string]int }

func (m *countingMetrics) RecordIdempotentReplay(entityType string) {
	if m.replays == nil {
		m.replays = map[string]int{}
	}
	m.replays[entityType]++
}

type brokenStore struct{ err error }

func (s brokenStore) Check(context.Context, string, string) (*model.TransitionResult, bool, error) {
	return nil, false, s.err
}
func (s brokenStore) Save(context.Context, string, string, model.TransitionResult, time.Duration) error {
	return s.err
}
func (s brokenStore) Ping(context.Context) error { return s.err }

func testRequest() model.TransitionRequest {
	return model.TransitionRequest{
		Entity:       testRef(),
		CurrentState: "draft",
		TargetState:  "pending_approval",
		Actor:        model.Actor{ID: "u-1", Role: "preparer", OrganizationID: "org-1"},
	}
}

func TestGuard_replays_committed_result(t *testing.T) {
	metrics := &countingMetrics{}
	g := NewGuard(NewMemoryStore(), time.Hour, WithMetrics(metrics))
	calls := 0
	fn := func(context.Context, model.TransitionRequest) (model.TransitionResult, error) {
		calls++
		return testResult(), nil
	}

	first, replayed, err := g.Transition(context.Background(), "k1", testRequest(), fn)
	if err != nil || replayed {
		t.Fatalf("first call = %v, replayed=%v", err, replayed)
	}
	second, replayed, err := g.Transition(context.Background(), "k1", testRequest(), fn)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if !replayed {
		t.Error("second call should be a replay")
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
	if second.AuditID != first.AuditID {
		t.Errorf("replayed AuditID = %q, want %q", second.AuditID, first.AuditID)
	}
	if metrics.replays["voucher"] != 1 {
		t.Errorf("replays = %v, want voucher:1", metrics.replays)
	}
}

func TestGuard_conflicting_reuse(t *testing.T) {
	g := NewGuard(NewMemoryStore(), time.Hour)
	fn := func(context.Context, model.TransitionRequest) (model.TransitionResult, error) {
		return testResult(), nil
	}
	if _, _, err := g.Transition(context.Background(), "k1", testRequest(), fn); err != nil {
		t.Fatalf("first call error = %v", err)
	}

	other := testRequest()
	other.TargetState = "cancelled"
	other.Comment = "duplicate"
	_, _, err := g.Transition(context.Background(), "k1", other, fn)
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("error = %v, want CONFLICT", err)
	}
}

func TestGuard_rejections_not_cached(t *testing.T) {
	store := NewMemoryStore()
	g := NewGuard(store, time.Hour)
	calls := 0
	fn := func(context.Context, model.TransitionRequest) (model.TransitionResult, error) {
		calls++
		return model.TransitionResult{}, model.NewCommentRequiredError("draft", "cancelled")
	}

	for i := 0; i < 2; i++ {
		_, replayed, err := g.Transition(context.Background(), "k1", testRequest(), fn)
		if !model.IsCode(err, model.ErrCommentRequired) || replayed {
			t.Fatalf("call %d = %v, replayed=%v", i, err, replayed)
		}
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}
}

func TestGuard_bypass(t *testing.T) {
	calls := 0
	fn := func(context.Context, model.TransitionRequest) (model.TransitionResult, error) {
		calls++
		return testResult(), nil
	}

	g := NewGuard(NewMemoryStore(), time.Hour)
	_, _, _ = g.Transition(context.Background(), "", testRequest(), fn)
	_, _, _ = g.Transition(context.Background(), "", testRequest(), fn)

	var disabled *Guard
	_, _, _ = disabled.Transition(context.Background(), "k1", testRequest(), fn)

	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestGuard_store_failure(t *testing.T) {
	cause := errors.New("redis down")
	g := NewGuard(brokenStore{err: cause}, time.Hour)
	called := false
	fn := func(context.Context, model.TransitionRequest) (model.TransitionResult, error) {
		called = true
		return testResult(), nil
	}

	_, _, err := g.Transition(context.Background(), "k1", testRequest(), fn)
	if !model.IsCode(err, model.ErrStorageUnavailable) {
		t.Errorf("error = %v, want STORAGE_UNAVAILABLE", err)
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be preserved")
	}
	if called {
		t.Error("fn must not run when the idempotency check fails")
	}
}
