package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"coreos/pkg/clock"
	"coreos/pkg/models"
)

const (
	DefaultCapacity = 500
	summaryRecent   = 10
)

// Sink receives every recorded event. Sinks are called synchronously after
// the logger's lock is released, so a slow sink slows Record; wrap it in an
// AsyncSink when it does I/O.
type Sink interface {
	Accept(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Accept(ev Event) { f(ev) }

// Logger is a fixed-capacity ring of recent events. It is a diagnostic
// window: once full, each new event evicts the oldest.
type Logger struct {
	mu            sync.Mutex
	clock         clock.Clock
	policyVersion string
	buf           []Event
	head          int
	count         int
	sinks         []Sink
}

func NewLogger(capacity int, policyVersion string, clk clock.Clock) *Logger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Logger{
		clock:         clk,
		policyVersion: policyVersion,
		buf:           make([]Event, capacity),
	}
}

// AddSink registers s for all events recorded after the call.
func (l *Logger) AddSink(s Sink) {
	if s == nil {
		return
	}
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

// Record stamps ev with an id and timestamp when missing and appends it.
func (l *Logger) Record(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.clock.Now()
	}
	l.mu.Lock()
	if l.count == len(l.buf) {
		l.buf[l.head] = ev
		l.head = (l.head + 1) % len(l.buf)
	} else {
		l.buf[(l.head+l.count)%len(l.buf)] = ev
		l.count++
	}
	sinks := l.sinks
	l.mu.Unlock()
	for _, s := range sinks {
		s.Accept(ev)
	}
	return ev
}

// All returns the buffered events oldest first.
func (l *Logger) All() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastLocked(l.count)
}

// Recent returns up to n of the newest events, oldest first.
func (l *Logger) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastLocked(n)
}

func (l *Logger) lastLocked(n int) []Event {
	if n > l.count {
		n = l.count
	}
	if n <= 0 {
		return []Event{}
	}
	out := make([]Event, 0, n)
	start := l.head + l.count - n
	for i := 0; i < n; i++ {
		out = append(out, l.buf[(start+i)%len(l.buf)])
	}
	return out
}

func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.buf {
		l.buf[i] = Event{}
	}
	l.head = 0
	l.count = 0
}

func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *Logger) Capacity() int { return len(l.buf) }

func (l *Logger) PolicyVersion() string { return l.policyVersion }

type Summary struct {
	TotalEvents    int     `json:"totalEvents"`
	Allowed        int     `json:"allowed"`
	Blocked        int     `json:"blocked"`
	ReplayBlocked  int     `json:"replayBlocked"`
	HashMismatches int     `json:"hashMismatches"`
	RateLimitHits  int     `json:"rateLimitHits"`
	RecentEvents   []Event `json:"recentEvents"`
}

// Summary aggregates the POLICY_EVAL events currently in the window.
// RecentEvents holds the newest events of any type.
func (l *Logger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.summaryLocked()
}

func (l *Logger) summaryLocked() Summary {
	var s Summary
	for i := 0; i < l.count; i++ {
		ev := l.buf[(l.head+i)%len(l.buf)]
		if ev.EventType != EventPolicyEval {
			continue
		}
		s.TotalEvents++
		switch models.Verdict(ev.Decision) {
		case models.Allow:
			s.Allowed++
		case models.Deny:
			s.Blocked++
		}
		if ev.hasRule(models.RuleNonceReplay) {
			s.ReplayBlocked++
		}
		if ev.hasRule(models.RuleArgsHashMismatch) {
			s.HashMismatches++
		}
		if ev.hasRule(models.RuleRateLimit) {
			s.RateLimitHits++
		}
	}
	s.RecentEvents = l.lastLocked(summaryRecent)
	return s
}

type EvidencePack struct {
	PackID        string    `json:"packId"`
	GeneratedAt   time.Time `json:"generatedAt"`
	PolicyVersion string    `json:"policyVersion"`
	Summary       Summary   `json:"summary"`
	Events        []Event   `json:"events"`
	EventsSHA256  string    `json:"eventsSha256"`
}

// EvidencePack snapshots the window for operator review. EventsSHA256 is
// taken over the canonical JSON of Events so a reviewer can recompute it.
func (l *Logger) EvidencePack() (EvidencePack, error) {
	l.mu.Lock()
	events := l.lastLocked(l.count)
	summary := l.summaryLocked()
	l.mu.Unlock()

	sum, err := EventsDigest(events)
	if err != nil {
		return EvidencePack{}, err
	}
	return EvidencePack{
		PackID:        uuid.NewString(),
		GeneratedAt:   l.clock.Now().UTC(),
		PolicyVersion: l.policyVersion,
		Summary:       summary,
		Events:        events,
		EventsSHA256:  sum,
	}, nil
}

func EventsDigest(events []Event) (string, error) {
	canon, err := models.CanonicalMarshal(events)
	if err != nil {
		return "", err
	}
	return models.SHA256Hex(canon), nil
}
