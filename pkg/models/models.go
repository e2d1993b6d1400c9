package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidInput marks malformed evaluation requests. It is the only error
// the policy path returns; rule failures are DENY decisions.
var ErrInvalidInput = errors.New("invalid input")

// ActionType classifies a tool call by risk. Declaration order is severity order.
type ActionType string

const (
	ActionRead        ActionType = "READ"
	ActionPropose     ActionType = "PROPOSE"
	ActionExecute     ActionType = "EXECUTE"
	ActionDestructive ActionType = "DESTRUCTIVE"
)

// ActionTypes lists every action class from least to most severe.
var ActionTypes = []ActionType{ActionRead, ActionPropose, ActionExecute, ActionDestructive}

// Rank is 0 for unknown action types.
func (a ActionType) Rank() int {
	switch a {
	case ActionRead:
		return 1
	case ActionPropose:
		return 2
	case ActionExecute:
		return 3
	case ActionDestructive:
		return 4
	}
	return 0
}

func (a ActionType) Valid() bool { return a.Rank() > 0 }

// Mutating reports whether the action class changes state outside the caller.
func (a ActionType) Mutating() bool { return a == ActionExecute || a == ActionDestructive }

func ParseActionType(s string) (ActionType, error) {
	a := ActionType(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown action type %q", ErrInvalidInput, s)
	}
	return a, nil
}

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
	RoleOwner Role = "owner"
)

func (r Role) Rank() int {
	switch r {
	case RoleUser:
		return 1
	case RoleAdmin:
		return 2
	case RoleOwner:
		return 3
	}
	return 0
}

func (r Role) Valid() bool { return r.Rank() > 0 }

// HighestRole picks the most privileged known role from a claim list.
// The empty role is returned when none is recognized.
func HighestRole(roles []string) Role {
	var best Role
	for _, raw := range roles {
		r := Role(strings.ToLower(strings.TrimSpace(raw)))
		if r.Rank() > best.Rank() {
			best = r
		}
	}
	return best
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func RiskFor(a ActionType) RiskLevel {
	switch a {
	case ActionExecute:
		return RiskMedium
	case ActionDestructive:
		return RiskHigh
	}
	return RiskLow
}

type Verdict string

const (
	Allow Verdict = "ALLOW"
	Deny  Verdict = "DENY"
)

// Rule identifiers attached to reasons.
const (
	RuleScopeMismatch         = "SCOPE_MISMATCH"
	RuleArgsSchemaInvalid     = "ARGS_SCHEMA_INVALID"
	RuleRoleInsufficient      = "ROLE_INSUFFICIENT"
	RuleNonceReplay           = "NONCE_REPLAY"
	RuleArgsHashMismatch      = "ARGS_HASH_MISMATCH"
	RuleRateLimit             = "RATE_LIMIT"
	RuleDestructiveNoApproval = "DESTRUCTIVE_NO_APPROVAL"
	RuleGovernanceBlock       = "GOVERNANCE_BLOCK"
	RuleScopeTokenInvalid     = "SCOPE_TOKEN_INVALID"
)

type Reason struct {
	RuleID   string `json:"ruleId"`
	Message  string `json:"message"`
	Blocking bool   `json:"blocking"`
}

// PolicyInput is one evaluation request. ApprovalArgsHash is empty when no
// prior approval exists.
type PolicyInput struct {
	ToolName         string         `json:"toolName"`
	ActionType       ActionType     `json:"actionType"`
	AppScope         string         `json:"appScope"`
	ActorRole        Role           `json:"actorRole"`
	Environment      string         `json:"environment,omitempty"`
	RequestSource    string         `json:"requestSource,omitempty"`
	Nonce            string         `json:"nonce"`
	ArgsHash         string         `json:"argsHash"`
	ApprovalArgsHash string         `json:"approvalArgsHash,omitempty"`
	CorrelationID    string         `json:"correlationId,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	Args             map[string]any `json:"args,omitempty"`
}

func (in PolicyInput) Validate() error {
	switch {
	case strings.TrimSpace(in.ToolName) == "":
		return fmt.Errorf("%w: toolName required", ErrInvalidInput)
	case !in.ActionType.Valid():
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidInput, in.ActionType)
	case !in.ActorRole.Valid():
		return fmt.Errorf("%w: unknown actor role %q", ErrInvalidInput, in.ActorRole)
	case strings.TrimSpace(in.Nonce) == "":
		return fmt.Errorf("%w: nonce required", ErrInvalidInput)
	case strings.TrimSpace(in.ArgsHash) == "":
		return fmt.Errorf("%w: argsHash required", ErrInvalidInput)
	}
	return nil
}

type PolicyDecision struct {
	DecisionID    string     `json:"decisionId"`
	Decision      Verdict    `json:"decision"`
	Reasons       []Reason   `json:"reasons"`
	RiskLevel     RiskLevel  `json:"riskLevel"`
	ActionType    ActionType `json:"actionType"`
	ToolName      string     `json:"toolName"`
	Nonce         string     `json:"nonce"`
	ArgsHash      string     `json:"argsHash"`
	CorrelationID string     `json:"correlationId,omitempty"`
	PolicyVersion string     `json:"policyVersion"`
	EvaluatedAt   time.Time  `json:"evaluatedAt"`
}

// Decide derives the verdict from the reasons: DENY iff any reason blocks.
func Decide(reasons []Reason) Verdict {
	for _, r := range reasons {
		if r.Blocking {
			return Deny
		}
	}
	return Allow
}

func (d PolicyDecision) Allowed() bool { return d.Decision == Allow }

// FirstBlocking returns the first blocking reason, if any.
func (d PolicyDecision) FirstBlocking() (Reason, bool) {
	for _, r := range d.Reasons {
		if r.Blocking {
			return r, true
		}
	}
	return Reason{}, false
}

func (d PolicyDecision) Has(ruleID string) bool {
	for _, r := range d.Reasons {
		if r.RuleID == ruleID {
			return true
		}
	}
	return false
}

// RuleIDs returns the rule ids of all blocking reasons in order.
func (d PolicyDecision) RuleIDs() []string {
	out := make([]string, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		if r.Blocking {
			out = append(out, r.RuleID)
		}
	}
	return out
}

// Digest identifies a decision by content. DecisionID is excluded so a
// stored id can be checked against a fresh digest.
func (d PolicyDecision) Digest() string {
	canon, err := CanonicalMarshal(struct {
		Decision      Verdict    `json:"decision"`
		ActionType    ActionType `json:"actionType"`
		ToolName      string     `json:"toolName"`
		Nonce         string     `json:"nonce"`
		ArgsHash      string     `json:"argsHash"`
		PolicyVersion string     `json:"policyVersion"`
		EvaluatedAt   int64      `json:"evaluatedAt"`
		Rules         []string   `json:"rules"`
	}{d.Decision, d.ActionType, d.ToolName, d.Nonce, d.ArgsHash, d.PolicyVersion, d.EvaluatedAt.UnixNano(), d.RuleIDs()})
	if err != nil {
		return ""
	}
	return SHA256Hex(canon)
}
