package clock

import (
	"sync"
	"testing"
	"time"
)

func TestManualAdvanceAndSet(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewManual(start)
	if !m.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, m.Now())
	}
	m.Advance(90 * time.Second)
	if got := m.Now().Sub(start); got != 90*time.Second {
		t.Fatalf("expected 90s elapsed, got %v", got)
	}
	later := start.Add(time.Hour)
	m.Set(later)
	if !m.Now().Equal(later) {
		t.Fatalf("expected %v after Set, got %v", later, m.Now())
	}
}

func TestManualZeroStartUsesFixedEpoch(t *testing.T) {
	if NewManual(time.Time{}).Now().IsZero() {
		t.Fatal("zero start should be replaced")
	}
}

func TestManualConcurrentAdvance(t *testing.T) {
	m := NewManual(time.Time{})
	start := m.Now()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Advance(time.Millisecond)
		}()
	}
	wg.Wait()
	if got := m.Now().Sub(start); got != 50*time.Millisecond {
		t.Fatalf("expected 50ms, got %v", got)
	}
}

func TestSystemIsMonotonic(t *testing.T) {
	c := System()
	a := c.Now()
	b := c.Now()
	if b.Before(a) {
		t.Fatalf("system clock went backwards: %v then %v", a, b)
	}
}
