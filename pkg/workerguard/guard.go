// Package workerguard is the last gate before a side-effecting call runs.
// It re-reads governance at execution time, so an ALLOW issued before a
// freeze or lock does not carry through.
package workerguard

import (
	"fmt"
	"time"

	"coreos/pkg/audit"
	"coreos/pkg/clock"
	"coreos/pkg/governance"
	"coreos/pkg/metrics"
	"coreos/pkg/models"
	"coreos/pkg/noncepool"
)

const (
	FreezeMessage = "system is in a protective HARD_FREEZE state; execution suspended by governance"

	// RuleDecisionMissing is used when no usable policy decision accompanies
	// the request.
	RuleDecisionMissing = "DECISION_MISSING"

	outcomePermitted = "PERMITTED"
)

// ModeSource yields one consistent governance snapshot; *governance.Engine
// satisfies it and applies lock expiry on read.
type ModeSource interface {
	State() governance.State
}

type Recorder interface {
	Record(audit.Event) audit.Event
}

// ScopeResolver maps a tool to the scope a ticket must carry; *firewall.Firewall
// satisfies it.
type ScopeResolver interface {
	RequiredScope(toolName string) (string, bool)
}

type Request struct {
	ToolName       string                `json:"toolName"`
	Nonce          string                `json:"nonce"`
	ScopeToken     string                `json:"scopeToken,omitempty"`
	ArgsHash       string                `json:"argsHash"`
	ActionType     models.ActionType     `json:"actionType,omitempty"`
	PolicyDecision models.PolicyDecision `json:"policyDecision"`
	CorrelationID  string                `json:"correlationId,omitempty"`
}

// action is the class the policy decision was issued for. The request's own
// ActionType is a claim checked against it, never a substitute.
func (r Request) action() models.ActionType {
	return r.PolicyDecision.ActionType
}

type Result struct {
	Permitted   bool            `json:"permitted"`
	RuleID      string          `json:"ruleId,omitempty"`
	BlockReason string          `json:"blockReason,omitempty"`
	Mode        governance.Mode `json:"mode"`
}

type Config struct {
	Keys          KeySet
	RequireTicket bool
	// ExecutedCapacity bounds the executed-nonce memory.
	ExecutedCapacity int
}

type Deps struct {
	Modes   ModeSource
	Scopes  ScopeResolver
	Audit   Recorder
	Metrics *metrics.Registry
	Clock   clock.Clock
	// Executed remembers nonces that already ran. Defaults to a process-local
	// pool; pass a shared one for partitioned deployments.
	Executed noncepool.Checker
}

type Guard struct {
	cfg      Config
	modes    ModeSource
	scopes   ScopeResolver
	audit    Recorder
	metrics  *metrics.Registry
	clock    clock.Clock
	executed noncepool.Checker
}

func New(cfg Config, deps Deps) *Guard {
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Modes == nil {
		deps.Modes = governance.New(governance.DefaultThresholds(), deps.Clock, nil)
	}
	if deps.Executed == nil {
		deps.Executed = noncepool.New(cfg.ExecutedCapacity, deps.Clock)
	}
	return &Guard{
		cfg:      cfg,
		modes:    deps.Modes,
		scopes:   deps.Scopes,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		executed: deps.Executed,
	}
}

// TicketsEnabled reports whether scope tokens are checked at all.
func (g *Guard) TicketsEnabled() bool { return len(g.cfg.Keys) > 0 }

func (g *Guard) Verify(req Request) Result {
	state := g.modes.State()
	res := g.verify(req, state)
	res.Mode = state.Mode
	g.record(req, res)
	return res
}

func (g *Guard) verify(req Request, state governance.State) Result {
	switch state.Mode {
	case governance.HardFreeze:
		return blocked(models.RuleGovernanceBlock, FreezeMessage)
	case governance.SoftLock:
		// An unknown class is treated as mutating.
		if a := req.action(); a.Mutating() || !a.Valid() {
			class := string(a)
			if !a.Valid() {
				class = "unclassified"
			}
			msg := fmt.Sprintf("system is in SOFT_LOCK; %s actions are suspended", class)
			if state.LockExpiresAt != nil {
				msg += " until " + state.LockExpiresAt.UTC().Format(time.RFC3339)
			}
			return blocked(models.RuleGovernanceBlock, msg)
		}
	}

	if req.ActionType != "" && req.ActionType != req.action() {
		return blocked(models.RuleScopeTokenInvalid, fmt.Sprintf("request claims %s but the policy decision was issued for %s", req.ActionType, req.action()))
	}

	if req.ScopeToken != "" || g.cfg.RequireTicket {
		if err := g.checkTicket(req); err != nil {
			return blocked(models.RuleScopeTokenInvalid, err.Error())
		}
	}

	d := req.PolicyDecision
	if d.Decision == "" {
		return blocked(RuleDecisionMissing, "no policy decision supplied")
	}
	if !d.Allowed() {
		if r, ok := d.FirstBlocking(); ok {
			return blocked(r.RuleID, r.Message)
		}
		return blocked(RuleDecisionMissing, "policy decision is DENY without a blocking reason")
	}
	if d.ToolName != "" && d.ToolName != req.ToolName {
		return blocked(models.RuleScopeMismatch, fmt.Sprintf("policy decision was issued for tool %s", d.ToolName))
	}
	if d.ArgsHash != "" && d.ArgsHash != req.ArgsHash {
		return blocked(models.RuleArgsHashMismatch, "arguments changed after policy evaluation")
	}

	if g.executed.CheckAndInsert(req.ToolName, req.Nonce) {
		return blocked(models.RuleNonceReplay, fmt.Sprintf("nonce already executed for tool %s", req.ToolName))
	}
	return Result{Permitted: true}
}

func (g *Guard) checkTicket(req Request) error {
	if req.ScopeToken == "" {
		return ErrTicketMissing
	}
	if !g.TicketsEnabled() {
		return fmt.Errorf("%w: no verification keys configured", ErrUnknownKey)
	}
	t, err := g.cfg.Keys.VerifyTicket(req.ScopeToken, g.clock.Now())
	if err != nil {
		return err
	}
	switch {
	case t.ToolName != req.ToolName:
		return fmt.Errorf("%w: tool", ErrTicketMismatch)
	case t.Nonce != req.Nonce:
		return fmt.Errorf("%w: nonce", ErrTicketMismatch)
	case t.ArgsHash != req.ArgsHash:
		return fmt.Errorf("%w: argsHash", ErrTicketMismatch)
	case t.PolicyDecisionID != req.PolicyDecision.Digest():
		return fmt.Errorf("%w: policy decision", ErrTicketMismatch)
	}
	if g.scopes != nil {
		if want, ok := g.scopes.RequiredScope(req.ToolName); !ok || want != t.Scope {
			return fmt.Errorf("%w: scope %q", ErrTicketMismatch, t.Scope)
		}
	}
	return nil
}

func (g *Guard) record(req Request, res Result) {
	outcome := outcomePermitted
	verdict := models.Allow
	var rules []string
	if !res.Permitted {
		outcome = res.RuleID
		verdict = models.Deny
		rules = []string{res.RuleID}
	}
	if g.metrics != nil {
		g.metrics.IncGuard(outcome)
	}
	if g.audit == nil {
		return
	}
	detail := map[string]any{"ticket": req.ScopeToken != ""}
	if res.BlockReason != "" {
		detail["blockReason"] = res.BlockReason
	}
	if req.PolicyDecision.DecisionID != "" {
		detail["policyDecisionId"] = req.PolicyDecision.DecisionID
	}
	g.audit.Record(audit.Event{
		EventType:     audit.EventWorkerGuard,
		ToolName:      req.ToolName,
		ActionType:    string(req.action()),
		Decision:      string(verdict),
		RiskLevel:     string(models.RiskFor(req.action())),
		RuleIDs:       rules,
		Nonce:         req.Nonce,
		CorrelationID: req.CorrelationID,
		Mode:          string(res.Mode),
		Detail:        detail,
	})
}

func blocked(rule, reason string) Result {
	return Result{RuleID: rule, BlockReason: reason}
}
