package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAsyncSinkDeliversAndDrains(t *testing.T) {
	var mu sync.Mutex
	var got []string
	s := NewAsyncSink("test", 16, time.Second, func(ctx context.Context, ev Event) error {
		mu.Lock()
		got = append(got, ev.ID)
		mu.Unlock()
		return nil
	})
	for _, id := range []string{"a", "b", "c"} {
		s.Accept(Event{ID: id})
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(got) != 3 || got[2] != "c" {
		t.Fatalf("unexpected delivered events: %v", got)
	}
	if st := s.Stats(); st.Delivered != 3 || st.Dropped != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	// accept after close is ignored
	s.Accept(Event{ID: "late"})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestAsyncSinkDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	s := NewAsyncSink("slow", 1, time.Second, func(ctx context.Context, ev Event) error {
		<-release
		return nil
	})
	for i := 0; i < 10; i++ {
		s.Accept(Event{ID: "x"})
	}
	if s.Stats().Dropped == 0 {
		t.Fatal("expected drops on a full queue")
	}
	close(release)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestAsyncSinkCountsFailures(t *testing.T) {
	s := NewAsyncSink("failing", 4, time.Second, func(ctx context.Context, ev Event) error {
		return errors.New("boom")
	})
	s.Accept(Event{ID: "a"})
	_ = s.Close(context.Background())
	if st := s.Stats(); st.Failed != 1 || st.Delivered != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestAsyncSinkCloseHonorsContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	s := NewAsyncSink("stuck", 4, time.Second, func(ctx context.Context, ev Event) error {
		<-block
		return nil
	})
	s.Accept(Event{ID: "a"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
