package governance

import (
	"errors"
	"strings"
)

// Mode is the system-wide protective posture.
type Mode string

const (
	Normal     Mode = "NORMAL"
	Throttled  Mode = "THROTTLED"
	SoftLock   Mode = "SOFT_LOCK"
	HardFreeze Mode = "HARD_FREEZE"
)

var (
	ErrInvalidMode       = errors.New("invalid mode")
	ErrInvalidTransition = errors.New("invalid governance transition")
)

// Modes lists every mode from least to most severe.
var Modes = []Mode{Normal, Throttled, SoftLock, HardFreeze}

func (m Mode) Rank() int {
	switch m {
	case Normal:
		return 1
	case Throttled:
		return 2
	case SoftLock:
		return 3
	case HardFreeze:
		return 4
	}
	return 0
}

func (m Mode) Valid() bool { return m.Rank() > 0 }

func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", ErrInvalidMode
	}
	return m, nil
}

// CanEscalate reports whether an automatic trigger may move from one mode to
// another. Automatic transitions only ever raise severity.
func CanEscalate(from, to Mode) bool {
	return from.Valid() && to.Valid() && to.Rank() > from.Rank()
}

// Escalate returns to when CanEscalate allows it, otherwise from and
// ErrInvalidTransition.
func Escalate(from, to Mode) (Mode, error) {
	if !CanEscalate(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func severityOf(m Mode) string {
	switch m {
	case Throttled:
		return "warning"
	case SoftLock:
		return "high"
	case HardFreeze:
		return "critical"
	}
	return "info"
}
