package proc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/disgoorg/snowflake/v2"
)

func TestSessionRunsOpsInOrder(t *testing.T) {
	s := newSession(testGuild, &Engine{})
	ctx := context.Background()

	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if !s.post(func() {
			defer wg.Done()
			got = append(got, i)
		}) {
			t.Fatal("post refused on an open session")
		}
	}
	wg.Wait()

	n, err := call(ctx, s, func() (int, error) { return len(got), nil })
	if err != nil || n != 100 {
		t.Fatalf("expected 100 ops, got %d %v", n, err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("op %d ran out of order", i)
		}
	}
}

func TestSessionClosedRefusesWork(t *testing.T) {
	s := newSession(testGuild, &Engine{})
	ctx := context.Background()

	if err := s.do(ctx, func() {
		s.closed = true
		s.closeMailbox()
	}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !s.Closed() {
		t.Fatal("expected closed")
	}
	if s.post(func() {}) {
		t.Error("post accepted after close")
	}
	if _, err := s.Snapshot(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSessionRecoversFromPanickingOp(t *testing.T) {
	s := newSession(testGuild, &Engine{})
	ctx := context.Background()
	_ = s.do(ctx, func() { panic("boom") })

	if _, err := s.Snapshot(ctx); err != nil {
		t.Errorf("expected the session to keep running, got %v", err)
	}
}

func TestRegistryReplacesClosedSession(t *testing.T) {
	e := &Engine{}
	r := NewRegistry(func(guildID snowflake.ID) *Session { return newSession(guildID, e) })

	first := r.GetOrCreate(testGuild)
	if again := r.GetOrCreate(testGuild); again != first {
		t.Fatal("expected the same live session")
	}
	_ = first.do(context.Background(), func() {
		first.closed = true
		first.closeMailbox()
	})

	if _, ok := r.Get(testGuild); ok {
		t.Error("closed session still returned")
	}
	if r.Len() != 0 {
		t.Errorf("expected no live sessions, got %d", r.Len())
	}
	if next := r.GetOrCreate(testGuild); next == first {
		t.Error("expected a fresh session")
	}

	r.remove(testGuild, first)
	if r.Len() != 1 {
		t.Error("removing a stale session dropped the live one")
	}
}
