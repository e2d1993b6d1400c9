package policy

import (
	"coreos/pkg/audit"
	"coreos/pkg/models"
)

var enforcementLayers = []string{
	"TOOL_FIREWALL",
	"ROLE_MATRIX",
	"NONCE_REPLAY_GUARD",
	"ARGS_HASH_BINDING",
	"RATE_LIMITER",
	"DESTRUCTIVE_APPROVAL",
	"WORKER_GUARD",
	"GOVERNANCE_REACTION",
}

var activeGates = []string{
	models.RuleScopeMismatch,
	models.RuleArgsSchemaInvalid,
	models.RuleRoleInsufficient,
	models.RuleNonceReplay,
	models.RuleArgsHashMismatch,
	models.RuleRateLimit,
	models.RuleDestructiveNoApproval,
	models.RuleGovernanceBlock,
}

type RateLimits struct {
	Window      string         `json:"window"`
	Granularity string         `json:"granularity"`
	Ceilings    map[string]int `json:"ceilings"`
}

type Status struct {
	PolicyVersion     string        `json:"policyVersion"`
	EnforcementLayers []string      `json:"enforcementLayers"`
	ActiveGates       []string      `json:"activeGates"`
	NoncePoolSize     int           `json:"noncePoolSize"`
	Scopes            []string      `json:"scopes"`
	RateLimits        RateLimits    `json:"rateLimits"`
	Audit             audit.Summary `json:"audit"`
}

func (e *Engine) Status() Status {
	ceilings := make(map[string]int, len(models.ActionTypes))
	for _, a := range models.ActionTypes {
		ceilings[string(a)] = e.cfg.Ceilings.For(a)
	}
	st := Status{
		PolicyVersion:     e.cfg.Version,
		EnforcementLayers: append([]string(nil), enforcementLayers...),
		ActiveGates:       append([]string(nil), activeGates...),
		NoncePoolSize:     e.nonces.Size(),
		Scopes:            e.firewall.Scopes(),
		RateLimits: RateLimits{
			Window:      e.cfg.Window.String(),
			Granularity: e.cfg.Granularity,
			Ceilings:    ceilings,
		},
	}
	if e.audit != nil {
		st.Audit = e.audit.Summary()
	} else {
		st.Audit.RecentEvents = []audit.Event{}
	}
	return st
}
