package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
)

func testSession(t *testing.T, srv *Server) *Session {
	t.Helper()
	return newSession(context.Background(), nil, srv)
}

func TestRegistryInsertDuplicate(t *testing.T) {
	srv := NewServer(Options{Dispatcher: NewDispatcher(&fakeStore{}, 0, slog.Default())})
	r := NewRegistry(slog.Default())
	s1, s2 := testSession(t, srv), testSession(t, srv)

	if err := r.Insert("C1", s1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := r.Insert("C1", s2); !errors.Is(err, ErrDuplicateCall) {
		t.Fatalf("second Insert = %v, want ErrDuplicateCall", err)
	}
	if got := r.Get("C1"); got != s1 {
		t.Error("duplicate insert replaced the existing session")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestRegistryRemoveOnlySameSession(t *testing.T) {
	srv := NewServer(Options{Dispatcher: NewDispatcher(&fakeStore{}, 0, slog.Default())})
	r := NewRegistry(slog.Default())
	s1, s2 := testSession(t, srv), testSession(t, srv)

	r.Insert("C1", s1)
	if r.Remove("C1", s2) {
		t.Fatal("Remove with a different session removed the entry")
	}
	if r.Get("C1") != s1 {
		t.Fatal("entry lost after foreign Remove")
	}
	if !r.Remove("C1", s1) {
		t.Fatal("Remove with the owning session failed")
	}
	if r.Get("C1") != nil || r.Count() != 0 {
		t.Error("entry still present after Remove")
	}
	if r.Remove("C1", s1) {
		t.Error("second Remove reported removal")
	}
}

func TestRegistryConcurrentInsert(t *testing.T) {
	srv := NewServer(Options{Dispatcher: NewDispatcher(&fakeStore{}, 0, slog.Default())})
	r := NewRegistry(slog.Default())

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := testSession(t, srv)
			// Every worker races for the same call; each also owns a unique one.
			if r.Insert("shared", s) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
			r.Insert(fmt.Sprintf("own-%d", i), s)
			_ = r.Get("shared")
			r.Count()
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d sessions won the shared call id, want 1", wins)
	}
	if r.Count() != workers+1 {
		t.Errorf("Count() = %d, want %d", r.Count(), workers+1)
	}
}

func TestRegistryCloseAll(t *testing.T) {
	srv := NewServer(Options{Dispatcher: NewDispatcher(&fakeStore{}, 0, slog.Default())})
	r := NewRegistry(slog.Default())
	s1, s2 := testSession(t, srv), testSession(t, srv)
	r.Insert("C1", s1)
	r.Insert("C2", s2)

	if n := r.CloseAll(); n != 2 {
		t.Fatalf("CloseAll() = %d, want 2", n)
	}
	for _, s := range []*Session{s1, s2} {
		if s.ctx.Err() == nil {
			t.Error("session context not cancelled by CloseAll")
		}
	}
}
