package audit

import (
	"time"

	"coreos/pkg/models"
)

// Event types recorded by the engine.
const (
	EventPolicyEval                 = "POLICY_EVAL"
	EventWorkerGuard                = "WORKER_GUARD"
	EventGovernanceModeChange       = "GOVERNANCE_MODE_CHANGE"
	EventGovernanceIntegrity        = "GOVERNANCE_INTEGRITY"
	EventGovernancePromotionBlocked = "GOVERNANCE_PROMOTION_BLOCKED"
	EventGovernanceOverride         = "GOVERNANCE_OVERRIDE"
	EventGovernanceLockExpired      = "GOVERNANCE_LOCK_EXPIRED"
)

type Event struct {
	ID            string          `json:"id"`
	EventType     string          `json:"eventType"`
	Timestamp     time.Time       `json:"timestamp"`
	ToolName      string          `json:"toolName,omitempty"`
	AppScope      string          `json:"appScope,omitempty"`
	ActionType    string          `json:"actionType,omitempty"`
	ActorRole     string          `json:"actorRole,omitempty"`
	Decision      string          `json:"decision,omitempty"`
	RiskLevel     string          `json:"riskLevel,omitempty"`
	RuleIDs       []string        `json:"ruleIds,omitempty"`
	Reasons       []models.Reason `json:"reasons,omitempty"`
	Nonce         string          `json:"nonce,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Mode          string          `json:"mode,omitempty"`
	Detail        map[string]any  `json:"detail,omitempty"`
}

func (e Event) hasRule(id string) bool {
	for _, r := range e.RuleIDs {
		if r == id {
			return true
		}
	}
	return false
}

// FromDecision builds the POLICY_EVAL event for one evaluation.
func FromDecision(in models.PolicyInput, d models.PolicyDecision, mode string) Event {
	return Event{
		EventType:     EventPolicyEval,
		Timestamp:     d.EvaluatedAt,
		ToolName:      in.ToolName,
		AppScope:      in.AppScope,
		ActionType:    string(in.ActionType),
		ActorRole:     string(in.ActorRole),
		Decision:      string(d.Decision),
		RiskLevel:     string(d.RiskLevel),
		RuleIDs:       d.RuleIDs(),
		Reasons:       d.Reasons,
		Nonce:         in.Nonce,
		CorrelationID: in.CorrelationID,
		Mode:          mode,
	}
}
