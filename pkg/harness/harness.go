//go:build devharness

// Package harness runs self-checks of the policy and governance gates
// against fresh engines on a manual clock. It is compiled only with the
// devharness build tag.
package harness

import (
	"fmt"
	"time"

	"coreos/pkg/audit"
	"coreos/pkg/clock"
	"coreos/pkg/governance"
	"coreos/pkg/models"
	"coreos/pkg/policy"
	"coreos/pkg/workerguard"
)

type GateResult struct {
	Gate   string `json:"gate"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

type Report struct {
	Suite   string       `json:"suite"`
	Passed  int          `json:"passed"`
	Total   int          `json:"total"`
	Results []GateResult `json:"results"`
}

func newReport(suite string, results []GateResult) Report {
	r := Report{Suite: suite, Total: len(results), Results: results}
	for _, g := range results {
		if g.Passed {
			r.Passed++
		}
	}
	return r
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	clock  *clock.Manual
	gov    *governance.Engine
	audit  *audit.Logger
	engine *policy.Engine
	seq    int
}

func newFixture() *fixture {
	clk := clock.NewManual(epoch)
	log := audit.NewLogger(audit.DefaultCapacity, policy.DefaultVersion, clk)
	gov := governance.New(governance.DefaultThresholds(), clk, log)
	eng := policy.New(policy.Config{}, policy.Deps{Audit: log, Violations: gov, Modes: gov, Clock: clk})
	return &fixture{clock: clk, gov: gov, audit: log, engine: eng}
}

func (f *fixture) input(tool string, action models.ActionType, scope string, role models.Role) models.PolicyInput {
	f.seq++
	return models.PolicyInput{
		ToolName:   tool,
		ActionType: action,
		AppScope:   scope,
		ActorRole:  role,
		Nonce:      fmt.Sprintf("harness-%d", f.seq),
		ArgsHash:   "args-hash",
		Timestamp:  f.clock.Now(),
	}
}

func (f *fixture) eval(in models.PolicyInput) models.PolicyDecision {
	d, err := f.engine.Evaluate(in)
	if err != nil {
		return models.PolicyDecision{Decision: models.Deny, Reasons: []models.Reason{{RuleID: "INVALID_INPUT", Message: err.Error(), Blocking: true}}}
	}
	return d
}

func expectRule(gate string, d models.PolicyDecision, rule string) GateResult {
	ok := d.Decision == models.Deny && d.Has(rule)
	return GateResult{Gate: gate, Passed: ok, Detail: fmt.Sprintf("decision=%s rules=%v", d.Decision, d.RuleIDs())}
}

// PolicyGates exercises each blocking rule of the policy engine once, plus
// the clean ALLOW path.
func PolicyGates() Report {
	var out []GateResult

	f := newFixture()
	out = append(out, expectRule("scope_mismatch", f.eval(f.input("read_notes_list", models.ActionRead, "core.files", models.RoleUser)), models.RuleScopeMismatch))

	f = newFixture()
	out = append(out, expectRule("unknown_tool_fails_closed", f.eval(f.input("mystery_tool", models.ActionRead, "core.notes", models.RoleOwner)), models.RuleScopeMismatch))

	f = newFixture()
	out = append(out, expectRule("role_insufficient", f.eval(f.input("deploy_service", models.ActionExecute, "core.ops", models.RoleUser)), models.RuleRoleInsufficient))

	f = newFixture()
	in := f.input("read_notes_list", models.ActionRead, "core.notes", models.RoleUser)
	first := f.eval(in)
	replay := expectRule("nonce_replay", f.eval(in), models.RuleNonceReplay)
	replay.Passed = replay.Passed && first.Allowed()
	out = append(out, replay)

	f = newFixture()
	in = f.input("write_notes_update", models.ActionPropose, "core.notes", models.RoleUser)
	in.ApprovalArgsHash = "approved-other-args"
	out = append(out, expectRule("args_hash_mismatch", f.eval(in), models.RuleArgsHashMismatch))

	f = newFixture()
	var last models.PolicyDecision
	for i := 0; i < 3; i++ {
		in := f.input("system_purge_cache", models.ActionDestructive, "core.system", models.RoleOwner)
		last = f.eval(in)
	}
	out = append(out, expectRule("rate_limit", last, models.RuleRateLimit))

	f = newFixture()
	out = append(out, expectRule("destructive_requires_approval", f.eval(f.input("system_purge_cache", models.ActionDestructive, "core.system", models.RoleAdmin)), models.RuleDestructiveNoApproval))

	f = newFixture()
	d := f.eval(f.input("deploy_service", models.ActionExecute, "core.ops", models.RoleAdmin))
	out = append(out, GateResult{
		Gate:   "clean_allow",
		Passed: d.Allowed() && f.audit.Summary().Allowed == 1,
		Detail: fmt.Sprintf("decision=%s audit=%d", d.Decision, f.audit.Len()),
	})

	return newReport("policy", out)
}

// GovernanceGates exercises the reaction engine's transitions and the
// worker guard's execution-time re-check.
func GovernanceGates() Report {
	var out []GateResult

	f := newFixture()
	st := f.gov.EvaluateIntegrity(governance.IntegritySignal{HashValid: false})
	out = append(out, GateResult{Gate: "integrity_failure_freezes", Passed: st.Mode == governance.HardFreeze, Detail: "mode=" + string(st.Mode)})

	f = newFixture()
	for i := 0; i < 6; i++ {
		f.gov.RecordPolicyDeny()
	}
	out = append(out, GateResult{Gate: "deny_burst_throttles", Passed: f.gov.Mode() == governance.Throttled, Detail: "mode=" + string(f.gov.Mode())})

	f = newFixture()
	for i := 0; i < 4; i++ {
		f.gov.RecordNonceReplay()
	}
	st = f.gov.State()
	out = append(out, GateResult{
		Gate:   "replay_burst_soft_locks",
		Passed: st.Mode == governance.SoftLock && st.LockExpiresAt != nil,
		Detail: "mode=" + string(st.Mode),
	})

	f.clock.Advance(5 * time.Minute)
	st = f.gov.State()
	out = append(out, GateResult{Gate: "soft_lock_expires", Passed: st.Mode == governance.Normal && st.LockExpiresAt == nil, Detail: "mode=" + string(st.Mode)})

	f = newFixture()
	parity := f.gov.CheckLedgerParity("aaa", "bbb")
	st = f.gov.State()
	out = append(out, GateResult{
		Gate:   "ledger_mismatch_blocks_promotion",
		Passed: !parity && st.PromotionBlocked && st.Mode == governance.Normal,
		Detail: fmt.Sprintf("promotionBlocked=%t mode=%s", st.PromotionBlocked, st.Mode),
	})

	_, _ = f.gov.OwnerOverride(governance.HardFreeze, "harness")
	st, err := f.gov.OwnerOverride(governance.Normal, "harness")
	out = append(out, GateResult{
		Gate:   "owner_override_restores",
		Passed: err == nil && st.Mode == governance.Normal && !st.PromotionBlocked,
		Detail: fmt.Sprintf("mode=%s promotionBlocked=%t", st.Mode, st.PromotionBlocked),
	})

	f = newFixture()
	d := f.eval(f.input("deploy_service", models.ActionExecute, "core.ops", models.RoleAdmin))
	f.gov.EvaluateIntegrity(governance.IntegritySignal{HashValid: false})
	guard := workerguard.New(workerguard.Config{}, workerguard.Deps{Modes: f.gov, Audit: f.audit, Clock: f.clock})
	res := guard.Verify(workerguard.Request{ToolName: d.ToolName, Nonce: d.Nonce, ArgsHash: d.ArgsHash, PolicyDecision: d})
	out = append(out, GateResult{
		Gate:   "worker_guard_blocks_stale_allow",
		Passed: d.Allowed() && !res.Permitted && res.RuleID == models.RuleGovernanceBlock,
		Detail: fmt.Sprintf("decision=%s permitted=%t rule=%s", d.Decision, res.Permitted, res.RuleID),
	})

	for i := 0; i < 6; i++ {
		f.gov.RecordPolicyDeny()
	}
	out = append(out, GateResult{Gate: "escalation_never_lowers", Passed: f.gov.Mode() == governance.HardFreeze, Detail: "mode=" + string(f.gov.Mode())})

	return newReport("governance", out)
}
