package governance

import (
	"fmt"
	"sync"
	"time"

	"coreos/pkg/audit"
	"coreos/pkg/clock"
)

// Reaction triggers.
const (
	TriggerIntegrityFailure = "INTEGRITY_FAILURE"
	TriggerPolicyDenies     = "POLICY_DENY_THRESHOLD"
	TriggerNonceReplays     = "NONCE_REPLAY_THRESHOLD"
	TriggerLedgerMismatch   = "LEDGER_MISMATCH"
	TriggerOwnerOverride    = "OWNER_OVERRIDE"
	TriggerLockExpired      = "LOCK_EXPIRED"
)

type Thresholds struct {
	Window          time.Duration `yaml:"window" json:"window"`
	DenyThreshold   int           `yaml:"denyThreshold" json:"denyThreshold"`
	ReplayThreshold int           `yaml:"replayThreshold" json:"replayThreshold"`
	LockDuration    time.Duration `yaml:"lockDuration" json:"lockDuration"`
	ReactionLogSize int           `yaml:"reactionLogSize" json:"reactionLogSize"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Window:          time.Minute,
		DenyThreshold:   6,
		ReplayThreshold: 4,
		LockDuration:    5 * time.Minute,
		ReactionLogSize: 200,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.Window <= 0 {
		t.Window = d.Window
	}
	if t.DenyThreshold <= 0 {
		t.DenyThreshold = d.DenyThreshold
	}
	if t.ReplayThreshold <= 0 {
		t.ReplayThreshold = d.ReplayThreshold
	}
	if t.LockDuration <= 0 {
		t.LockDuration = d.LockDuration
	}
	if t.ReactionLogSize <= 0 {
		t.ReactionLogSize = d.ReactionLogSize
	}
	return t
}

type IntegritySignal struct {
	HashValid    bool `json:"hashValid"`
	KernelFrozen bool `json:"kernelFrozen"`
}

type IntegrityCheck struct {
	HashValid    bool      `json:"hashValid"`
	KernelFrozen bool      `json:"kernelFrozen"`
	CheckedAt    time.Time `json:"checkedAt"`
}

// Violations are cumulative since start or the last override to NORMAL.
type Violations struct {
	PolicyDeny       int `json:"policyDeny"`
	NonceReplay      int `json:"nonceReplay"`
	IntegrityFailure int `json:"integrityFailure"`
	LedgerMismatch   int `json:"ledgerMismatch"`
}

type State struct {
	Mode               Mode            `json:"mode"`
	Reason             string          `json:"reason"`
	TriggeredAt        time.Time       `json:"triggeredAt"`
	TriggeredBy        string          `json:"triggeredBy"`
	PromotionBlocked   bool            `json:"promotionBlocked"`
	LockExpiresAt      *time.Time      `json:"lockExpiresAt"`
	Violations         Violations      `json:"violations"`
	LastIntegrityCheck *IntegrityCheck `json:"lastIntegrityCheck"`
}

func (s State) clone() State {
	if s.LockExpiresAt != nil {
		t := *s.LockExpiresAt
		s.LockExpiresAt = &t
	}
	if s.LastIntegrityCheck != nil {
		c := *s.LastIntegrityCheck
		s.LastIntegrityCheck = &c
	}
	return s
}

type ReactionLogEntry struct {
	Trigger      string    `json:"trigger"`
	Actions      []string  `json:"actions"`
	Severity     string    `json:"severity"`
	Timestamp    time.Time `json:"timestamp"`
	Detail       string    `json:"detail"`
	PreviousMode Mode      `json:"previousMode"`
	NewMode      Mode      `json:"newMode"`
}

// Recorder is the audit side of the engine; *audit.Logger satisfies it.
type Recorder interface {
	Record(audit.Event) audit.Event
}

// Engine watches violation signals and moves the protective mode. All
// state lives behind one mutex; audit events and listener callbacks are
// delivered after it is released.
type Engine struct {
	mu        sync.Mutex
	clock     clock.Clock
	cfg       Thresholds
	recorder  Recorder
	state     State
	denies    []time.Time
	replays   []time.Time
	reactions []ReactionLogEntry
	listeners []func(ReactionLogEntry)
}

// effects collects what a locked section produced so it can be published
// once the lock is dropped.
type effects struct {
	events    []audit.Event
	reactions []ReactionLogEntry
}

func New(cfg Thresholds, clk clock.Clock, rec Recorder) *Engine {
	if clk == nil {
		clk = clock.System()
	}
	e := &Engine{clock: clk, cfg: cfg.withDefaults(), recorder: rec}
	e.state = initialState(clk.Now())
	return e
}

func initialState(now time.Time) State {
	return State{
		Mode:        Normal,
		Reason:      "initial state",
		TriggeredAt: now,
		TriggeredBy: "system",
	}
}

func (e *Engine) Thresholds() Thresholds { return e.cfg }

// OnReaction registers fn for every reaction appended after the call.
func (e *Engine) OnReaction(fn func(ReactionLogEntry)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// EvaluateIntegrity records an integrity check. An invalid hash freezes the
// system immediately, regardless of counters.
func (e *Engine) EvaluateIntegrity(sig IntegritySignal) State {
	var fx effects
	e.mu.Lock()
	now := e.clock.Now()
	e.expireLocked(now, &fx)
	e.state.LastIntegrityCheck = &IntegrityCheck{HashValid: sig.HashValid, KernelFrozen: sig.KernelFrozen, CheckedAt: now}
	if !sig.HashValid {
		e.state.Violations.IntegrityFailure++
		prev := e.state.Mode
		detail := fmt.Sprintf("control state hash invalid (kernelFrozen=%t)", sig.KernelFrozen)
		if prev != HardFreeze {
			e.setModeLocked(HardFreeze, "integrity check failed", TriggerIntegrityFailure, now)
			e.reactLocked(&fx, TriggerIntegrityFailure, []string{"mode:" + string(HardFreeze), "suspend_all_execution"}, prev, detail, now)
		} else {
			e.reactLocked(&fx, TriggerIntegrityFailure, []string{"reconfirm"}, prev, detail, now)
		}
		fx.events = append(fx.events, audit.Event{
			EventType: audit.EventGovernanceIntegrity,
			Timestamp: now,
			Mode:      string(e.state.Mode),
			Detail: map[string]any{
				"hashValid":    sig.HashValid,
				"kernelFrozen": sig.KernelFrozen,
				"previousMode": string(prev),
			},
		})
	}
	out := e.state.clone()
	e.mu.Unlock()
	e.publish(fx)
	return out
}

// RecordPolicyDeny counts one denied evaluation; DenyThreshold denials
// within Window raise the mode to THROTTLED.
func (e *Engine) RecordPolicyDeny() {
	var fx effects
	e.mu.Lock()
	now := e.clock.Now()
	e.expireLocked(now, &fx)
	e.state.Violations.PolicyDeny++
	e.denies = e.pruneLocked(append(e.denies, now), now)
	if len(e.denies) >= e.cfg.DenyThreshold {
		detail := fmt.Sprintf("%d policy denials within %s", len(e.denies), e.cfg.Window)
		e.denies = nil
		e.escalateLocked(&fx, Throttled, TriggerPolicyDenies, "repeated policy denials", detail, []string{"mode:" + string(Throttled), "throttle_execution"}, now)
	}
	e.mu.Unlock()
	e.publish(fx)
}

// RecordNonceReplay counts one replay; ReplayThreshold replays within Window
// lock mutating execution for LockDuration.
func (e *Engine) RecordNonceReplay() {
	var fx effects
	e.mu.Lock()
	now := e.clock.Now()
	e.expireLocked(now, &fx)
	e.state.Violations.NonceReplay++
	e.replays = e.pruneLocked(append(e.replays, now), now)
	if len(e.replays) >= e.cfg.ReplayThreshold {
		detail := fmt.Sprintf("%d nonce replays within %s", len(e.replays), e.cfg.Window)
		e.replays = nil
		if e.escalateLocked(&fx, SoftLock, TriggerNonceReplays, "repeated nonce replays", detail, []string{"mode:" + string(SoftLock), "block_mutating_execution", "arm_lock_expiry"}, now) ||
			e.state.Mode == SoftLock {
			exp := now.Add(e.cfg.LockDuration)
			e.state.LockExpiresAt = &exp
		}
	}
	e.mu.Unlock()
	e.publish(fx)
}

// RecordIntegrityFailure counts an argument-hash mismatch. It never changes mode.
func (e *Engine) RecordIntegrityFailure() {
	var fx effects
	e.mu.Lock()
	e.expireLocked(e.clock.Now(), &fx)
	e.state.Violations.IntegrityFailure++
	e.mu.Unlock()
	e.publish(fx)
}

// CheckLedgerParity compares two ledger digests. A mismatch blocks promotion
// without touching the execution mode. It returns whether the digests match.
func (e *Engine) CheckLedgerParity(expectedSHA, actualSHA string) bool {
	if expectedSHA == actualSHA {
		return true
	}
	var fx effects
	e.mu.Lock()
	now := e.clock.Now()
	e.expireLocked(now, &fx)
	e.state.Violations.LedgerMismatch++
	e.state.PromotionBlocked = true
	detail := fmt.Sprintf("ledger digest mismatch: expected %s, got %s", expectedSHA, actualSHA)
	mode := e.state.Mode
	e.appendReactionLocked(&fx, ReactionLogEntry{
		Trigger:      TriggerLedgerMismatch,
		Actions:      []string{"block_promotion"},
		Severity:     "high",
		Timestamp:    now,
		Detail:       detail,
		PreviousMode: mode,
		NewMode:      mode,
	})
	fx.events = append(fx.events, audit.Event{
		EventType: audit.EventGovernancePromotionBlocked,
		Timestamp: now,
		Mode:      string(mode),
		Detail:    map[string]any{"expectedSha": expectedSHA, "actualSha": actualSHA},
	})
	e.mu.Unlock()
	e.publish(fx)
	return false
}

// OwnerOverride sets the mode unconditionally. Overriding to NORMAL also
// lifts promotion blocking and clears counters and windows; overriding to
// SOFT_LOCK arms a fresh lock expiry.
func (e *Engine) OwnerOverride(target Mode, actor string) (State, error) {
	if !target.Valid() {
		return State{}, ErrInvalidMode
	}
	if actor == "" {
		actor = "owner"
	}
	var fx effects
	e.mu.Lock()
	now := e.clock.Now()
	e.expireLocked(now, &fx)
	prev := e.state.Mode
	e.setModeLocked(target, "owner override by "+actor, actor, now)
	actions := []string{"mode:" + string(target)}
	switch target {
	case Normal:
		e.state.PromotionBlocked = false
		e.state.Violations = Violations{}
		e.denies, e.replays = nil, nil
		actions = append(actions, "clear_counters", "unblock_promotion")
	case SoftLock:
		exp := now.Add(e.cfg.LockDuration)
		e.state.LockExpiresAt = &exp
		actions = append(actions, "arm_lock_expiry")
	}
	e.reactLocked(&fx, TriggerOwnerOverride, actions, prev, fmt.Sprintf("%s set mode %s -> %s", actor, prev, target), now)
	fx.events = append(fx.events, audit.Event{
		EventType: audit.EventGovernanceOverride,
		Timestamp: now,
		ActorRole: "owner",
		Mode:      string(target),
		Detail:    map[string]any{"previousMode": string(prev), "actor": actor},
	})
	out := e.state.clone()
	e.mu.Unlock()
	e.publish(fx)
	return out, nil
}

func (e *Engine) IsPromotionBlocked() bool {
	return e.State().PromotionBlocked
}

// State returns a consistent snapshot, applying lock expiry first.
func (e *Engine) State() State {
	var fx effects
	e.mu.Lock()
	e.expireLocked(e.clock.Now(), &fx)
	out := e.state.clone()
	e.mu.Unlock()
	e.publish(fx)
	return out
}

func (e *Engine) Mode() Mode { return e.State().Mode }

// RecentReactions returns up to n of the newest reactions, oldest first.
func (e *Engine) RecentReactions(n int) []ReactionLogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recentLocked(n)
}

func (e *Engine) recentLocked(n int) []ReactionLogEntry {
	if n > len(e.reactions) || n < 0 {
		n = len(e.reactions)
	}
	out := make([]ReactionLogEntry, n)
	copy(out, e.reactions[len(e.reactions)-n:])
	return out
}

type Status struct {
	State
	RecentReactions []ReactionLogEntry `json:"recentReactions"`
}

// Status is State plus the newest n reactions, read under one lock.
func (e *Engine) Status(n int) Status {
	var fx effects
	e.mu.Lock()
	e.expireLocked(e.clock.Now(), &fx)
	out := Status{State: e.state.clone(), RecentReactions: e.recentLocked(n)}
	e.mu.Unlock()
	e.publish(fx)
	return out
}

func (e *Engine) expireLocked(now time.Time, fx *effects) {
	if e.state.Mode != SoftLock || e.state.LockExpiresAt == nil || now.Before(*e.state.LockExpiresAt) {
		return
	}
	expiredAt := *e.state.LockExpiresAt
	e.setModeLocked(Normal, "soft lock expired", "system", now)
	e.replays = nil
	e.reactLocked(fx, TriggerLockExpired, []string{"mode:" + string(Normal), "clear_replay_window"}, SoftLock,
		"lock expired at "+expiredAt.UTC().Format(time.RFC3339), now)
	fx.events = append(fx.events, audit.Event{
		EventType: audit.EventGovernanceLockExpired,
		Timestamp: now,
		Mode:      string(Normal),
		Detail:    map[string]any{"lockExpiresAt": expiredAt.UTC().Format(time.RFC3339Nano)},
	})
}

// escalateLocked raises the mode to target when that increases severity and
// otherwise appends a re-confirmation. It reports whether the mode changed.
func (e *Engine) escalateLocked(fx *effects, target Mode, trigger, reason, detail string, actions []string, now time.Time) bool {
	prev := e.state.Mode
	next, err := Escalate(prev, target)
	if err != nil {
		e.reactLocked(fx, trigger, []string{"reconfirm"}, prev, detail, now)
		return false
	}
	e.setModeLocked(next, reason, trigger, now)
	e.reactLocked(fx, trigger, actions, prev, detail, now)
	fx.events = append(fx.events, audit.Event{
		EventType: audit.EventGovernanceModeChange,
		Timestamp: now,
		Mode:      string(next),
		Detail:    map[string]any{"previousMode": string(prev), "trigger": trigger, "detail": detail},
	})
	return true
}

func (e *Engine) setModeLocked(m Mode, reason, by string, now time.Time) {
	e.state.Mode = m
	e.state.Reason = reason
	e.state.TriggeredBy = by
	e.state.TriggeredAt = now
	if m != SoftLock {
		e.state.LockExpiresAt = nil
	}
}

func (e *Engine) reactLocked(fx *effects, trigger string, actions []string, prev Mode, detail string, now time.Time) {
	e.appendReactionLocked(fx, ReactionLogEntry{
		Trigger:      trigger,
		Actions:      actions,
		Severity:     severityOf(e.state.Mode),
		Timestamp:    now,
		Detail:       detail,
		PreviousMode: prev,
		NewMode:      e.state.Mode,
	})
}

func (e *Engine) appendReactionLocked(fx *effects, entry ReactionLogEntry) {
	if len(e.reactions) >= e.cfg.ReactionLogSize {
		drop := len(e.reactions) - e.cfg.ReactionLogSize + 1
		e.reactions = append(e.reactions[:0], e.reactions[drop:]...)
	}
	e.reactions = append(e.reactions, entry)
	fx.reactions = append(fx.reactions, entry)
}

// pruneLocked drops timestamps that fell out of the sliding window.
func (e *Engine) pruneLocked(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-e.cfg.Window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

func (e *Engine) publish(fx effects) {
	if len(fx.events) == 0 && len(fx.reactions) == 0 {
		return
	}
	if e.recorder != nil {
		for _, ev := range fx.events {
			e.recorder.Record(ev)
		}
	}
	e.mu.Lock()
	listeners := e.listeners
	e.mu.Unlock()
	for _, r := range fx.reactions {
		for _, fn := range listeners {
			fn(r)
		}
	}
}
