package workflow

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/lifecycle/model"
)

// Recorder appends audit entries through an AuditSink.
type Recorder struct {
	sink AuditSink
	now  func() time.Time
}

// NewRecorder creates a Recorder. now defaults to time.Now.
func NewRecorder(sink AuditSink, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{sink: sink, now: now}
}

// Stamp fills in the entry ID and timestamp when they are absent.
// Timestamps are always stored in UTC.
func (r *Recorder) Stamp(entry model.AuditEntry) model.AuditEntry {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	return entry
}

// Record stamps and appends entry. Sink failures are returned as
// STORAGE_UNAVAILABLE wrapping the cause.
func (r *Recorder) Record(ctx context.Context, entry model.AuditEntry) (model.AuditEntry, error) {
	entry = r.Stamp(entry)
	if err := r.sink.Append(ctx, entry); err != nil {
		return entry, model.NewStorageUnavailableError("append audit entry", err)
	}
	return entry, nil
}

// SortEntries orders entries by timestamp. Entries with equal timestamps
// keep their relative order, which is their append order.
func SortEntries(entries []model.AuditEntry) {
	slices.SortStableFunc(entries, func(a, b model.AuditEntry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

// Replay reconstructs the current status from an entity's history by
// folding its successful entries in timestamp order. Rejected entries never
// change state.
func Replay(initial model.State, entries []model.AuditEntry) model.State {
	state, _ := replayChain(initial, entries)
	return state
}

// replayChain is Replay that also reports the first successful entry whose
// FromState does not match the state reached so far.
func replayChain(initial model.State, entries []model.AuditEntry) (model.State, *model.AuditEntry) {
	ordered := slices.Clone(entries)
	SortEntries(ordered)

	state := initial
	var broken *model.AuditEntry
	for i := range ordered {
		e := ordered[i]
		if e.Outcome != model.OutcomeSuccess {
			continue
		}
		if e.FromState != state && broken == nil {
			broken = &ordered[i]
		}
		state = e.ToState
	}
	return state, broken
}
