// Package policy decides, per privileged tool call, whether it may proceed.
package policy

import (
	"fmt"
	"time"

	"coreos/pkg/audit"
	"coreos/pkg/clock"
	"coreos/pkg/firewall"
	"coreos/pkg/governance"
	"coreos/pkg/metrics"
	"coreos/pkg/models"
	"coreos/pkg/noncepool"
	"coreos/pkg/ratelimit"
)

const (
	DefaultVersion = "exec-policy-1.0"

	GranularityAction = "action"
	GranularityTool   = "tool"

	// advisory, never blocking
	RuleApprovalVerified = "APPROVAL_VERIFIED"
)

// DefaultMinRoles is the role/action authorization matrix.
func DefaultMinRoles() map[models.ActionType]models.Role {
	return map[models.ActionType]models.Role{
		models.ActionRead:        models.RoleUser,
		models.ActionPropose:     models.RoleUser,
		models.ActionExecute:     models.RoleAdmin,
		models.ActionDestructive: models.RoleOwner,
	}
}

type Config struct {
	Version     string
	Ceilings    ratelimit.Ceilings
	Window      time.Duration
	Granularity string
	MinRoles    map[models.ActionType]models.Role
}

// AuditLog is where evaluations are recorded; *audit.Logger satisfies it.
type AuditLog interface {
	Record(audit.Event) audit.Event
	Summary() audit.Summary
}

// ViolationSink receives denial signals; *governance.Engine satisfies it.
type ViolationSink interface {
	RecordPolicyDeny()
	RecordNonceReplay()
	RecordIntegrityFailure()
}

type ModeReader interface {
	Mode() governance.Mode
}

// Deps are the collaborators of an Engine. Nil fields get in-memory defaults
// (firewall, nonce pool, limiter, clock) or are skipped (audit, violations,
// modes, metrics).
type Deps struct {
	Firewall   *firewall.Firewall
	Nonces     noncepool.Checker
	Limiter    ratelimit.Limiter
	Audit      AuditLog
	Violations ViolationSink
	Modes      ModeReader
	Metrics    *metrics.Registry
	Clock      clock.Clock
}

type Engine struct {
	cfg        Config
	firewall   *firewall.Firewall
	nonces     noncepool.Checker
	limiter    ratelimit.Limiter
	audit      AuditLog
	violations ViolationSink
	modes      ModeReader
	metrics    *metrics.Registry
	clock      clock.Clock
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Ceilings == nil {
		cfg.Ceilings = ratelimit.DefaultCeilings()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Granularity != GranularityTool {
		cfg.Granularity = GranularityAction
	}
	if cfg.MinRoles == nil {
		cfg.MinRoles = DefaultMinRoles()
	}
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Firewall == nil {
		deps.Firewall = firewall.New(nil)
	}
	if deps.Nonces == nil {
		deps.Nonces = noncepool.New(noncepool.DefaultCapacity, deps.Clock)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewInMemoryWithClock(cfg.Window, deps.Clock)
	}
	return &Engine{
		cfg:        cfg,
		firewall:   deps.Firewall,
		nonces:     deps.Nonces,
		limiter:    deps.Limiter,
		audit:      deps.Audit,
		violations: deps.Violations,
		modes:      deps.Modes,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
	}
}

func (e *Engine) Version() string { return e.cfg.Version }

// Evaluate runs every rule and collects all blocking reasons; it never stops
// at the first failure. The only error is models.ErrInvalidInput.
func (e *Engine) Evaluate(in models.PolicyInput) (models.PolicyDecision, error) {
	if err := in.Validate(); err != nil {
		return models.PolicyDecision{}, err
	}
	start := time.Now()
	var reasons []models.Reason
	block := func(rule, msg string) {
		reasons = append(reasons, models.Reason{RuleID: rule, Message: msg, Blocking: true})
	}

	fw := e.firewall.Check(in.ToolName, in.Args, in.AppScope)
	for _, c := range fw.Checks {
		if c.Passed {
			continue
		}
		switch c.Name {
		case firewall.CheckScopeMatch:
			block(models.RuleScopeMismatch, c.Detail)
		case firewall.CheckArgsSchema:
			block(models.RuleArgsSchemaInvalid, c.Detail)
		}
	}

	required := e.minRole(in.ActionType)
	if in.ActorRole.Rank() < required.Rank() {
		block(models.RuleRoleInsufficient, fmt.Sprintf("%s actions require role %s; actor role is %s", in.ActionType, required, in.ActorRole))
	}

	replay := e.nonces.CheckAndInsert(in.ToolName, in.Nonce)
	if replay {
		block(models.RuleNonceReplay, fmt.Sprintf("nonce already used for tool %s", in.ToolName))
	}

	hashMismatch := in.ApprovalArgsHash != "" && in.ApprovalArgsHash != in.ArgsHash
	if hashMismatch {
		block(models.RuleArgsHashMismatch, "arguments do not match the approved arguments")
	}

	ceiling := e.cfg.Ceilings.For(in.ActionType)
	rate := e.limiter.Allow(e.rateKey(in), ceiling)
	if !rate.Allowed {
		block(models.RuleRateLimit, fmt.Sprintf("rate limit exceeded for %s: %d calls, ceiling %d per %s", e.rateSubject(in), rate.Count, ceiling, e.cfg.Window))
	}

	if in.ActionType == models.ActionDestructive && in.ActorRole != models.RoleOwner &&
		(in.ApprovalArgsHash == "" || hashMismatch) {
		block(models.RuleDestructiveNoApproval, "destructive actions require the owner role or a matching approval")
	}

	if in.ApprovalArgsHash != "" && !hashMismatch {
		reasons = append(reasons, models.Reason{RuleID: RuleApprovalVerified, Message: "arguments match the approved arguments"})
	}

	d := models.PolicyDecision{
		Decision:      models.Decide(reasons),
		Reasons:       reasons,
		RiskLevel:     models.RiskFor(in.ActionType),
		ActionType:    in.ActionType,
		ToolName:      in.ToolName,
		Nonce:         in.Nonce,
		ArgsHash:      in.ArgsHash,
		CorrelationID: in.CorrelationID,
		PolicyVersion: e.cfg.Version,
		EvaluatedAt:   e.clock.Now(),
	}
	if d.Reasons == nil {
		d.Reasons = []models.Reason{}
	}
	d.DecisionID = d.Digest()

	if e.audit != nil {
		mode := ""
		if e.modes != nil {
			mode = string(e.modes.Mode())
		}
		e.audit.Record(audit.FromDecision(in, d, mode))
	}
	if d.Decision == models.Deny && e.violations != nil {
		e.violations.RecordPolicyDeny()
		if replay {
			e.violations.RecordNonceReplay()
		}
		if hashMismatch {
			e.violations.RecordIntegrityFailure()
		}
	}
	if e.metrics != nil {
		e.metrics.ObserveDecision(string(d.Decision), d.RuleIDs(), time.Since(start))
		e.metrics.SetGauge("nonce_pool_size", float64(e.nonces.Size()))
	}
	return d, nil
}

func (e *Engine) minRole(a models.ActionType) models.Role {
	if r, ok := e.cfg.MinRoles[a]; ok && r.Valid() {
		return r
	}
	return models.RoleOwner
}

func (e *Engine) rateKey(in models.PolicyInput) string {
	if e.cfg.Granularity == GranularityTool {
		return "tool:" + in.ToolName
	}
	return "action:" + string(in.ActionType)
}

func (e *Engine) rateSubject(in models.PolicyInput) string {
	if e.cfg.Granularity == GranularityTool {
		return in.ToolName
	}
	return string(in.ActionType)
}
