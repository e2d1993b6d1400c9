package policy

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coreos/pkg/audit"
	"coreos/pkg/clock"
	"coreos/pkg/governance"
	"coreos/pkg/metrics"
	"coreos/pkg/models"
)

type fixture struct {
	engine *Engine
	clock  *clock.Manual
	audit  *audit.Logger
	gov    *governance.Engine
	reg    *metrics.Registry
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	log := audit.NewLogger(500, "test-policy", clk)
	gov := governance.New(governance.DefaultThresholds(), clk, log)
	reg := metrics.NewRegistry()
	e := New(cfg, Deps{Audit: log, Violations: gov, Modes: gov, Metrics: reg, Clock: clk})
	return fixture{engine: e, clock: clk, audit: log, gov: gov, reg: reg}
}

func argsHash(t *testing.T, args map[string]any) string {
	t.Helper()
	h, err := models.ArgsHash(args)
	if err != nil {
		t.Fatalf("args hash: %v", err)
	}
	return h
}

func input(tool string, action models.ActionType, scope string, role models.Role, nonce string) models.PolicyInput {
	return models.PolicyInput{
		ToolName:   tool,
		ActionType: action,
		AppScope:   scope,
		ActorRole:  role,
		Nonce:      nonce,
		ArgsHash:   "h-" + nonce,
	}
}

func mustEval(t *testing.T, e *Engine, in models.PolicyInput) models.PolicyDecision {
	t.Helper()
	d, err := e.Evaluate(in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	assertDecisionConsistent(t, d)
	return d
}

func assertDecisionConsistent(t *testing.T, d models.PolicyDecision) {
	t.Helper()
	blocking := 0
	for _, r := range d.Reasons {
		if r.Blocking {
			blocking++
		}
	}
	if d.Decision == models.Deny && blocking == 0 {
		t.Fatalf("DENY without blocking reason: %+v", d)
	}
	if d.Decision == models.Allow && blocking != 0 {
		t.Fatalf("ALLOW with blocking reason: %+v", d)
	}
}

func TestScenarioScopeMismatch(t *testing.T) {
	f := newFixture(t, Config{})
	d := mustEval(t, f.engine, input("deploy_app_update", models.ActionRead, "core.notes", models.RoleOwner, "n1"))
	if d.Decision != models.Deny || !d.Has(models.RuleScopeMismatch) {
		t.Fatalf("expected SCOPE_MISMATCH deny, got %+v", d)
	}
}

func TestScenarioReplay(t *testing.T) {
	f := newFixture(t, Config{})
	in := input("read_notes_list", models.ActionRead, "core.notes", models.RoleUser, "nonce-1")
	if d := mustEval(t, f.engine, in); d.Decision != models.Allow {
		t.Fatalf("first call should allow: %+v", d)
	}
	d := mustEval(t, f.engine, in)
	if d.Decision != models.Deny || !d.Has(models.RuleNonceReplay) {
		t.Fatalf("second call should be NONCE_REPLAY: %+v", d)
	}
	in.Nonce = "nonce-2"
	if d := mustEval(t, f.engine, in); d.Decision != models.Allow {
		t.Fatalf("fresh nonce should allow: %+v", d)
	}
}

func TestScenarioHashMismatch(t *testing.T) {
	f := newFixture(t, Config{})
	in := input("read_notes_list", models.ActionRead, "core.notes", models.RoleUser, "n1")
	in.ArgsHash = argsHash(t, map[string]any{"limit": 9999})
	in.ApprovalArgsHash = argsHash(t, map[string]any{"limit": 10})
	d := mustEval(t, f.engine, in)
	if d.Decision != models.Deny || !d.Has(models.RuleArgsHashMismatch) {
		t.Fatalf("expected ARGS_HASH_MISMATCH deny, got %+v", d)
	}
	if got := f.gov.State().Violations.IntegrityFailure; got != 1 {
		t.Fatalf("expected integrity failure signal, got %d", got)
	}
}

func TestScenarioRateLimit(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 1; i <= 8; i++ {
		d := mustEval(t, f.engine, input("deploy_app_update", models.ActionExecute, "core.ops", models.RoleAdmin, fmt.Sprintf("n%d", i)))
		if i <= 5 && d.Decision != models.Allow {
			t.Fatalf("call %d should allow: %+v", i, d)
		}
		if i > 5 && (d.Decision != models.Deny || !d.Has(models.RuleRateLimit)) {
			t.Fatalf("call %d should be RATE_LIMIT: %+v", i, d)
		}
	}
	f.clock.Advance(time.Minute)
	if d := mustEval(t, f.engine, input("deploy_app_update", models.ActionExecute, "core.ops", models.RoleAdmin, "n9")); d.Decision != models.Allow {
		t.Fatalf("new window should allow: %+v", d)
	}
}

func TestAllBlockingReasonsCollected(t *testing.T) {
	f := newFixture(t, Config{})
	first := input("deploy_app_update", models.ActionDestructive, "core.notes", models.RoleUser, "dup")
	mustEval(t, f.engine, first)
	second := first
	second.ApprovalArgsHash = "something-else"
	d := mustEval(t, f.engine, second)
	for _, rule := range []string{
		models.RuleScopeMismatch,
		models.RuleRoleInsufficient,
		models.RuleNonceReplay,
		models.RuleArgsHashMismatch,
		models.RuleDestructiveNoApproval,
	} {
		if !d.Has(rule) {
			t.Fatalf("missing %s in %+v", rule, d.RuleIDs())
		}
	}
	if d.RiskLevel != models.RiskHigh {
		t.Fatalf("expected high risk, got %s", d.RiskLevel)
	}
}

func TestRoleMatrix(t *testing.T) {
	cases := []struct {
		action models.ActionType
		role   models.Role
		deny   bool
	}{
		{models.ActionRead, models.RoleUser, false},
		{models.ActionPropose, models.RoleUser, false},
		{models.ActionExecute, models.RoleUser, true},
		{models.ActionExecute, models.RoleAdmin, false},
		{models.ActionDestructive, models.RoleAdmin, true},
		{models.ActionDestructive, models.RoleOwner, false},
	}
	f := newFixture(t, Config{})
	for i, tc := range cases {
		d := mustEval(t, f.engine, input("files_delete", tc.action, "core.files", tc.role, fmt.Sprintf("role-%d", i)))
		if d.Has(models.RuleRoleInsufficient) != tc.deny {
			t.Fatalf("%s/%s: unexpected role outcome %+v", tc.action, tc.role, d)
		}
	}
}

func TestDestructiveApproval(t *testing.T) {
	f := newFixture(t, Config{Ceilings: map[models.ActionType]int{models.ActionDestructive: 10}})
	hash := argsHash(t, map[string]any{"id": "42"})

	in := input("files_purge", models.ActionDestructive, "core.files", models.RoleAdmin, "d1")
	in.ArgsHash = hash
	d := mustEval(t, f.engine, in)
	if !d.Has(models.RuleDestructiveNoApproval) {
		t.Fatalf("admin without approval must be blocked: %+v", d)
	}

	in.Nonce = "d2"
	in.ApprovalArgsHash = hash
	d = mustEval(t, f.engine, in)
	if d.Has(models.RuleDestructiveNoApproval) {
		t.Fatalf("matching approval satisfies the destructive rule: %+v", d)
	}
	if !d.Has(RuleApprovalVerified) {
		t.Fatalf("expected advisory approval reason: %+v", d)
	}
	// role rule still applies to a non-owner
	if !d.Has(models.RuleRoleInsufficient) {
		t.Fatalf("admin still lacks the owner role: %+v", d)
	}

	owner := input("files_purge", models.ActionDestructive, "core.files", models.RoleOwner, "d3")
	if d := mustEval(t, f.engine, owner); d.Decision != models.Allow {
		t.Fatalf("owner destructive without approval should allow: %+v", d)
	}
}

func TestDeniedCallsConsumeRateBudget(t *testing.T) {
	f := newFixture(t, Config{Ceilings: map[models.ActionType]int{models.ActionExecute: 2}})
	// two scope-mismatched calls use up the EXECUTE budget
	for i := 0; i < 2; i++ {
		mustEval(t, f.engine, input("deploy_app_update", models.ActionExecute, "core.notes", models.RoleAdmin, fmt.Sprintf("p%d", i)))
	}
	d := mustEval(t, f.engine, input("deploy_app_update", models.ActionExecute, "core.ops", models.RoleAdmin, "ok"))
	if !d.Has(models.RuleRateLimit) {
		t.Fatalf("expected probing to exhaust the budget: %+v", d)
	}
}

func TestToolGranularity(t *testing.T) {
	f := newFixture(t, Config{Granularity: GranularityTool, Ceilings: map[models.ActionType]int{models.ActionRead: 1}})
	if d := mustEval(t, f.engine, input("read_notes_list", models.ActionRead, "core.notes", models.RoleUser, "a")); d.Decision != models.Allow {
		t.Fatalf("unexpected deny: %+v", d)
	}
	if d := mustEval(t, f.engine, input("read_files_list", models.ActionRead, "core.files", models.RoleUser, "b")); d.Decision != models.Allow {
		t.Fatalf("another tool has its own bucket: %+v", d)
	}
	if d := mustEval(t, f.engine, input("read_notes_list", models.ActionRead, "core.notes", models.RoleUser, "c")); !d.Has(models.RuleRateLimit) {
		t.Fatalf("same tool should hit the ceiling: %+v", d)
	}
}

func TestInvalidInput(t *testing.T) {
	f := newFixture(t, Config{})
	in := input("read_notes_list", models.ActionRead, "core.notes", models.RoleUser, "")
	if _, err := f.engine.Evaluate(in); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if f.audit.Len() != 0 {
		t.Fatal("invalid input must not be recorded")
	}
}

func TestEveryEvaluationIsAudited(t *testing.T) {
	f := newFixture(t, Config{})
	mustEval(t, f.engine, input("read_notes_list", models.ActionRead, "core.notes", models.RoleUser, "a1"))
	mustEval(t, f.engine, input("read_notes_list", models.ActionRead, "core.notes", models.RoleUser, "a1"))
	s := f.audit.Summary()
	if s.TotalEvents != 2 || s.Allowed != 1 || s.Blocked != 1 || s.ReplayBlocked != 1 {
		t.Fatalf("unexpected audit summary: %+v", s)
	}
	last := f.audit.Recent(1)[0]
	if last.EventType != audit.EventPolicyEval || last.Mode != string(governance.Normal) {
		t.Fatalf("unexpected audit event: %+v", last)
	}
	snap := f.reg.Snapshot()
	if snap.Decisions["ALLOW"] != 1 || snap.Rules[models.RuleNonceReplay] != 1 {
		t.Fatalf("unexpected metrics: %+v", snap.Decisions)
	}
}

func TestDenialsEscalateGovernance(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < 6; i++ {
		mustEval(t, f.engine, input("deploy_app_update", models.ActionRead, "core.notes", models.RoleUser, fmt.Sprintf("x%d", i)))
	}
	if f.gov.Mode() != governance.Throttled {
		t.Fatalf("expected THROTTLED after 6 denials, got %s", f.gov.Mode())
	}
	in := input("read_notes_list", models.ActionRead, "core.notes", models.RoleUser, "r")
	mustEval(t, f.engine, in)
	for i := 0; i < 4; i++ {
		mustEval(t, f.engine, in)
	}
	if f.gov.Mode() != governance.SoftLock {
		t.Fatalf("expected SOFT_LOCK after 4 replays, got %s", f.gov.Mode())
	}
}

func TestConcurrentSameNonceYieldsOneFreshEvaluation(t *testing.T) {
	f := newFixture(t, Config{Ceilings: map[models.ActionType]int{models.ActionRead: 1000}})
	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.engine.Evaluate(input("read_notes_list", models.ActionRead, "core.notes", models.RoleUser, "shared"))
			if err != nil {
				t.Errorf("evaluate: %v", err)
				return
			}
			if !d.Has(models.RuleNonceReplay) {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	if fresh.Load() != 1 {
		t.Fatalf("expected exactly one non-replay evaluation, got %d", fresh.Load())
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, Config{Version: "v-test"})
	mustEval(t, f.engine, input("read_notes_list", models.ActionRead, "core.notes", models.RoleUser, "s1"))
	st := f.engine.Status()
	if st.PolicyVersion != "v-test" || st.NoncePoolSize != 1 {
		t.Fatalf("unexpected status header: %+v", st)
	}
	if st.RateLimits.Ceilings["EXECUTE"] != 5 || st.RateLimits.Granularity != GranularityAction || st.RateLimits.Window != "1m0s" {
		t.Fatalf("unexpected rate limits: %+v", st.RateLimits)
	}
	if len(st.Scopes) == 0 || len(st.EnforcementLayers) == 0 || len(st.ActiveGates) != 8 {
		t.Fatalf("unexpected status lists: %+v", st)
	}
	if st.Audit.TotalEvents != 1 {
		t.Fatalf("unexpected audit summary: %+v", st.Audit)
	}

	bare := New(Config{}, Deps{})
	if bare.Status().Audit.RecentEvents == nil {
		t.Fatal("recentEvents should serialize as an empty list")
	}
}
