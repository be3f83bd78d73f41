package workflow

import (
	"sync"
	"testing"

	"github.com/pitabwire/lifecycle/model"
)

func TestNewRegistry_voucher(t *testing.T) {
	reg, err := NewRegistry("voucher", StateDraft, VoucherRules())
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	if reg.EntityType() != "voucher" {
		t.Errorf("EntityType() = %q, want voucher", reg.EntityType())
	}
	if reg.InitialState() != StateDraft {
		t.Errorf("InitialState() = %q, want draft", reg.InitialState())
	}
	if got := len(reg.Rules()); got != 7 {
		t.Errorf("len(Rules()) = %d, want 7", got)
	}
	if got := len(reg.States()); got != 6 {
		t.Errorf("len(States()) = %d, want 6", got)
	}
}

func TestNewRegistry_rejectsInvalidTables(t *testing.T) {
	roles := []model.Role{RoleAdmin}
	tests := []struct {
		name       string
		entityType string
		initial    model.State
		rules      []model.TransitionRule
	}{
		{"empty entity type", "", "draft", nil},
		{"empty initial state", "voucher", "", nil},
		{"duplicate edge", "voucher", "draft", []model.TransitionRule{
			{From: "draft", To: "approved", AllowedRoles: roles},
			{From: "draft", To: "approved", AllowedRoles: roles, RequiresComment: true},
		}},
		{"empty from", "voucher", "draft", []model.TransitionRule{{To: "approved", AllowedRoles: roles}}},
		{"empty to", "voucher", "draft", []model.TransitionRule{{From: "draft", AllowedRoles: roles}}},
		{"no roles", "voucher", "draft", []model.TransitionRule{{From: "draft", To: "approved"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.entityType, tt.initial, tt.rules); err == nil {
				t.Error("NewRegistry() error = nil, want error")
			}
		})
	}
}

func TestMustRegistry_panicsOnInvalidTable(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustRegistry with duplicate rules did not panic")
		}
	}()
	rule := model.TransitionRule{From: "a", To: "b", AllowedRoles: []model.Role{RoleAdmin}}
	MustRegistry("x", "a", []model.TransitionRule{rule, rule})
}

func TestRegistry_RulesFor_declarationOrder(t *testing.T) {
	reg := VoucherRegistry()
	rules := reg.RulesFor(StatePendingApproval)
	want := []model.State{StateApproved, StateDraft, StateCancelled}
	if len(rules) != len(want) {
		t.Fatalf("RulesFor(pending_approval) length = %d, want %d", len(rules), len(want))
	}
	for i, r := range rules {
		if r.To != want[i] {
			t.Errorf("rules[%d].To = %q, want %q", i, r.To, want[i])
		}
	}
}

func TestRegistry_RuleFor(t *testing.T) {
	reg := VoucherRegistry()

	rule, ok := reg.RuleFor(StatePosted, StateCorrection)
	if !ok {
		t.Fatal("RuleFor(posted, correction) not found")
	}
	if !rule.RequiresComment {
		t.Error("posted -> correction should require a comment")
	}

	if _, ok := reg.RuleFor(StateCancelled, StateDraft); ok {
		t.Error("RuleFor(cancelled, draft) found, want none")
	}
	if _, ok := reg.RuleFor(StateDraft, StateApproved); ok {
		t.Error("RuleFor(draft, approved) found, want none")
	}
}

func TestRegistry_IsTerminal(t *testing.T) {
	reg := VoucherRegistry()
	for _, s := range []model.State{StateCancelled, StateCorrection} {
		if !reg.IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = false, want true", s)
		}
	}
	for _, s := range []model.State{StateDraft, StatePendingApproval, StateApproved, StatePosted} {
		if reg.IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true, want false", s)
		}
	}
}

func TestRegistry_isolatedFromCallerMutation(t *testing.T) {
	rules := []model.TransitionRule{
		{From: "draft", To: "approved", AllowedRoles: []model.Role{RoleAdmin}},
	}
	reg := MustRegistry("doc", "draft", rules)

	rules[0].AllowedRoles[0] = RolePreparer
	rules[0].To = "posted"

	rule, ok := reg.RuleFor("draft", "approved")
	if !ok {
		t.Fatal("rule lost after caller mutated its slice")
	}
	if rule.AllowedRoles[0] != RoleAdmin {
		t.Errorf("AllowedRoles[0] = %q, want admin", rule.AllowedRoles[0])
	}

	// Results are copies too.
	got := reg.RulesFor("draft")
	got[0].AllowedRoles[0] = RolePreparer
	again, _ := reg.RuleFor("draft", "approved")
	if again.AllowedRoles[0] != RoleAdmin {
		t.Error("mutating a RulesFor result changed the registry")
	}
}

func TestRegistry_concurrentReads(t *testing.T) {
	reg := VoucherRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, s := range reg.States() {
				_ = reg.RulesFor(s)
				_ = reg.IsTerminal(s)
			}
			_, _ = reg.RuleFor(StateDraft, StatePendingApproval)
		}()
	}
	wg.Wait()
}

func TestRegistry_Evaluate_undefinedEdgeNamesStates(t *testing.T) {
	reg := VoucherRegistry()
	_, err := reg.Evaluate(StateCancelled, StateDraft, model.Actor{Role: RoleAdmin}, "reopen")
	assertCode(t, err, model.ErrUndefinedTransition)
}

func TestStaticCatalog(t *testing.T) {
	voucher := VoucherRegistry()
	risk := MustRegistry("risk", "identified", []model.TransitionRule{
		{From: "identified", To: "assessed", AllowedRoles: []model.Role{"risk_owner"}},
	})
	cat := NewStaticCatalog(voucher, risk)

	if got, ok := cat.Registry("risk"); !ok || got != risk {
		t.Error("Registry(risk) did not return the risk registry")
	}
	if _, ok := cat.Registry("budget"); ok {
		t.Error("Registry(budget) found, want none")
	}
}

// assertCode fails the test unless err carries the given envelope code.
func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want %s", code)
	}
	if got := model.CodeOf(err); got != code {
		t.Fatalf("error code = %q (%v), want %q", got, err, code)
	}
}
