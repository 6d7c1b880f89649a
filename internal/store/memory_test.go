package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type childRecorder struct {
	mu       sync.Mutex
	children []Child
	notify   chan struct{}
}

func newChildRecorder() *childRecorder {
	return &childRecorder{notify: make(chan struct{}, 64)}
}

func (r *childRecorder) record(c Child) {
	r.mu.Lock()
	r.children = append(r.children, c)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *childRecorder) waitFor(t *testing.T, n int) []Child {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.children) >= n {
			out := append([]Child(nil), r.children...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d children", n)
		}
	}
}

func TestMemoryStore_SubscribeReplaysExistingThenNew(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	if err := s.Write(ctx, "rooms/r1/inbox/b", []byte("B")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(ctx, "rooms/r1/inbox/a", []byte("A")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Grandchildren are not direct children.
	if err := s.Write(ctx, "rooms/r1/inbox/a/nested", []byte("N")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rec := newChildRecorder()
	unsubscribe, err := s.SubscribeNewChildren(ctx, "rooms/r1/inbox", rec.record)
	if err != nil {
		t.Fatalf("SubscribeNewChildren: %v", err)
	}
	defer unsubscribe()

	if err := s.Write(ctx, "rooms/r1/inbox/c", []byte("C")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := rec.waitFor(t, 3)
	want := []string{"a", "b", "c"}
	for i, key := range want {
		if got[i].Key != key {
			t.Fatalf("child[%d].Key=%q, want %q (all: %+v)", i, got[i].Key, key, got)
		}
	}
	if string(got[2].Value) != "C" {
		t.Fatalf("child[2].Value=%q, want %q", got[2].Value, "C")
	}
}

func TestMemoryStore_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	rec := newChildRecorder()
	unsubscribe, err := s.SubscribeNewChildren(ctx, "rooms/r1/inbox", rec.record)
	if err != nil {
		t.Fatalf("SubscribeNewChildren: %v", err)
	}
	if err := s.Write(ctx, "rooms/r1/inbox/a", []byte("A")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rec.waitFor(t, 1)

	unsubscribe()
	unsubscribe()

	if err := s.Write(ctx, "rooms/r1/inbox/b", []byte("B")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.children) != 1 {
		t.Fatalf("children=%d, want 1 after unsubscribe", len(rec.children))
	}
}

func TestMemoryStore_ContextCancelUnsubscribes(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	rec := newChildRecorder()
	if _, err := s.SubscribeNewChildren(ctx, "rooms/r1/inbox", rec.record); err != nil {
		t.Fatalf("SubscribeNewChildren: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.subs)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscription still registered after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryStore_DeleteAndRemove(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	for _, p := range []string{
		"rooms/r1/signals/a/offers/b",
		"rooms/r1/signals/a/answers/b",
		"rooms/r1/signals/b/offers/a",
	} {
		if err := s.Write(ctx, p, []byte("x")); err != nil {
			t.Fatalf("Write(%q): %v", p, err)
		}
	}

	if err := s.Delete(ctx, "rooms/r1/signals/a/offers/b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get("rooms/r1/signals/a/offers/b"); ok {
		t.Fatalf("record still present after Delete")
	}
	if err := s.Delete(ctx, "rooms/r1/signals/a/offers/missing"); err != nil {
		t.Fatalf("Delete(missing): %v", err)
	}

	if err := s.Remove(ctx, "rooms/r1/signals/a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("Len=%d, want 1", got)
	}
	if _, ok := s.Get("rooms/r1/signals/b/offers/a"); !ok {
		t.Fatalf("Remove deleted a sibling subtree")
	}
}

func TestMemoryStore_CallbackMayWriteBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	rec := newChildRecorder()
	unsubscribe, err := s.SubscribeNewChildren(ctx, "rooms/r1/inbox", func(c Child) {
		rec.record(c)
		if c.Key == "ping" {
			_ = s.Write(ctx, "rooms/r1/inbox/pong", []byte("pong"))
		}
	})
	if err != nil {
		t.Fatalf("SubscribeNewChildren: %v", err)
	}
	defer unsubscribe()

	if err := s.Write(ctx, "rooms/r1/inbox/ping", []byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := rec.waitFor(t, 2)
	if got[1].Key != "pong" {
		t.Fatalf("second child=%q, want pong", got[1].Key)
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	s.Close()
	s.Close()

	if err := s.Write(context.Background(), "a/b", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write after Close err=%v, want ErrClosed", err)
	}
	if _, err := s.SubscribeNewChildren(context.Background(), "a", func(Child) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after Close err=%v, want ErrClosed", err)
	}
}

func TestValidatePath(t *testing.T) {
	valid := []string{"a", "rooms/r1/signals/p-1/offers/p_2", "rooms/r.1/x:y/u@h"}
	for _, p := range valid {
		if err := ValidatePath(p); err != nil {
			t.Fatalf("ValidatePath(%q) = %v, want nil", p, err)
		}
	}
	invalid := []string{"", "/a", "a/", "a//b", "a/../b", "a/b c", "a/\x00"}
	for _, p := range invalid {
		if err := ValidatePath(p); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("ValidatePath(%q) = %v, want ErrInvalidPath", p, err)
		}
	}
}
