package server

import (
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSessionBind(t *testing.T) {
	r := NewSessionRegistry()
	id := r.Register()

	if _, ok := r.IdentityOf(id); ok {
		t.Fatalf("new session should be unbound")
	}
	if err := r.Bind(id, 7, "alice"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := r.Bind(id, 7, "alice"); err != nil {
		t.Fatalf("rebind same user: expected nil, got %v", err)
	}
	if err := r.Bind(id, 8, "bob"); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("rebind other user: expected ErrAlreadyBound, got %v", err)
	}
	ident, ok := r.Identity(id)
	if !ok || ident != (Identity{UserID: 7, Username: "alice"}) {
		t.Fatalf("Identity: unexpected %+v (ok %v)", ident, ok)
	}
	if err := r.Bind("missing", 1, "x"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("Bind unknown: expected ErrUnknownConnection, got %v", err)
	}
}

func TestSessionConnectionsOf(t *testing.T) {
	r := NewSessionRegistry()
	a1, a2, b := r.Register(), r.Register(), r.Register()
	unbound := r.Register()
	_ = r.Bind(a1, 1, "alice")
	_ = r.Bind(a2, 1, "alice")
	_ = r.Bind(b, 2, "bob")

	got := r.ConnectionsOf(1)
	sort.Strings(got)
	want := []string{a1, a2}
	sort.Strings(want)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ConnectionsOf mismatch (-want +got):\n%s", diff)
	}
	if r.Count() != 4 || !r.Registered(unbound) {
		t.Fatalf("Count: expected 4 live connections, got %d", r.Count())
	}
}

func TestSessionDestroyRunsHooksOnce(t *testing.T) {
	r := NewSessionRegistry()
	var mu sync.Mutex
	var calls []string
	r.OnDestroy(func(id string) {
		mu.Lock()
		calls = append(calls, "first:"+id)
		mu.Unlock()
	})
	r.OnDestroy(func(id string) {
		mu.Lock()
		calls = append(calls, "second:"+id)
		mu.Unlock()
	})

	id := r.Register()
	var wg sync.WaitGroup
	var destroyed sync.Map
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Destroy(id) {
				destroyed.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	n := 0
	destroyed.Range(func(_, _ any) bool { n++; return true })
	if n != 1 {
		t.Fatalf("Destroy: expected exactly one winner, got %d", n)
	}
	if diff := cmp.Diff([]string{"first:" + id, "second:" + id}, calls); diff != "" {
		t.Fatalf("hooks mismatch (-want +got):\n%s", diff)
	}
	if r.Registered(id) {
		t.Fatalf("destroyed session still registered")
	}
	if err := r.Bind(id, 1, "alice"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("Bind after destroy: expected ErrUnknownConnection, got %v", err)
	}
}
