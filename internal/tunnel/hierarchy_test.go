package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/signalsfoundry/pce-controller/internal/kv"
)

// noErr returns a helper that fails the test on error and passes the
// boolean result through.
func noErr(t *testing.T) func(bool, error) bool {
	return func(ok bool, err error) bool {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return ok
	}
}

func TestParentActivatesOnlyWhenAllChildrenActive(t *testing.T) {
	mr := miniredis.RunT(t)
	redisSub := kv.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "tunnel-test:")
	t.Cleanup(func() { _ = redisSub.Close() })

	for name, sub := range map[string]kv.Substrate{"memory": kv.NewMemory(), "redis": redisSub} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			must := noErr(t)
			h := New(sub)

			if !must(h.RegisterParent(ctx, "T1", Init)) {
				t.Fatalf("expected T1 registration")
			}
			if must(h.AllChildrenActive(ctx, "T1")) {
				t.Fatalf("parent without children must not be all-active")
			}
			if !must(h.AddChild(ctx, "T1", "T2", Down)) {
				t.Fatalf("expected T2 to be added")
			}
			if must(h.AllChildrenActive(ctx, "T1")) {
				t.Fatalf("DOWN child must keep parent inactive")
			}
			if !must(h.SetStatus(ctx, "T2", Active)) {
				t.Fatalf("expected T2 status update")
			}
			if !must(h.AllChildrenActive(ctx, "T1")) {
				t.Fatalf("all children ACTIVE must report true")
			}

			st, ok, err := h.StatusOf(ctx, "T1")
			if err != nil || !ok || st != Init {
				t.Fatalf("T1 own status = %v ok=%v err=%v, want INIT", st, ok, err)
			}
		})
	}
}

func TestRegisterParentFirstWins(t *testing.T) {
	ctx := context.Background()
	must := noErr(t)
	h := New(kv.NewMemory())

	must(h.RegisterParent(ctx, "P", Init))
	must(h.AddChild(ctx, "P", "C", Active))

	if must(h.RegisterParent(ctx, "P", Down)) {
		t.Fatalf("second registration must return false")
	}
	children, ok, err := h.ChildrenOf(ctx, "P")
	if err != nil || !ok {
		t.Fatalf("children: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(map[string]State{"C": Active}, children); diff != "" {
		t.Fatalf("children changed by duplicate registration (-want +got):\n%s", diff)
	}
	if st, _, _ := h.StatusOf(ctx, "P"); st != Init {
		t.Fatalf("duplicate registration must not change own status, got %v", st)
	}
	if must(h.RegisterParent(ctx, "C", Init)) {
		t.Fatalf("a child must not be registered as a parent")
	}
}

func TestStatusOfChildlessParentIsOwnStatus(t *testing.T) {
	ctx := context.Background()
	must := noErr(t)
	h := New(kv.NewMemory())

	must(h.RegisterParent(ctx, "P", Active))
	st, ok, err := h.StatusOf(ctx, "P")
	if err != nil || !ok || st != Active {
		t.Fatalf("StatusOf(P) = %v ok=%v err=%v, want ACTIVE", st, ok, err)
	}
	if must(h.AllChildrenActive(ctx, "P")) {
		t.Fatalf("a parent without children is never all-active")
	}
	if st, ok, _ := h.StatusOf(ctx, "missing"); ok || st != Init {
		t.Fatalf("unknown tunnel = %v ok=%v, want INIT false", st, ok)
	}
}

func TestParentOfRoundTrip(t *testing.T) {
	ctx := context.Background()
	must := noErr(t)
	h := New(kv.NewMemory())

	must(h.RegisterParent(ctx, "P1", Init))
	must(h.RegisterParent(ctx, "P2", Init))
	must(h.AddChild(ctx, "P2", "C", Established))

	parent, ok, err := h.ParentOf(ctx, "C")
	if err != nil || !ok || parent != "P2" {
		t.Fatalf("ParentOf(C) = %q ok=%v err=%v", parent, ok, err)
	}
	if parent, _, _ := h.ParentOf(ctx, "P1"); parent != "P1" {
		t.Fatalf("ParentOf(parent) must return itself, got %q", parent)
	}
	if _, ok, _ := h.ParentOf(ctx, "nope"); ok {
		t.Fatalf("unknown tunnel must have no parent")
	}
	if st, ok, _ := h.StatusOf(ctx, "nope"); ok || st != Init {
		t.Fatalf("unknown tunnel status = %v ok=%v", st, ok)
	}
}

func TestParentOfSurvivesStaleHint(t *testing.T) {
	ctx := context.Background()
	must := noErr(t)
	sub := kv.NewMemory()
	h := New(sub)

	must(h.RegisterParent(ctx, "P1", Init))
	must(h.RegisterParent(ctx, "P2", Init))
	must(h.AddChild(ctx, "P1", "C", Down))

	// Point the hint at the wrong parent; lookups must fall back to a scan.
	if _, err := kv.NewMap[string](sub, familyParentHint).Put(ctx, "C", "P2"); err != nil {
		t.Fatalf("seed stale hint: %v", err)
	}
	parent, ok, err := h.ParentOf(ctx, "C")
	if err != nil || !ok || parent != "P1" {
		t.Fatalf("ParentOf(C) = %q ok=%v err=%v, want P1", parent, ok, err)
	}
}

func TestAddChildRejectsConflicts(t *testing.T) {
	ctx := context.Background()
	must := noErr(t)
	h := New(kv.NewMemory())

	if must(h.AddChild(ctx, "missing", "C", Init)) {
		t.Fatalf("unknown parent must return false")
	}
	must(h.RegisterParent(ctx, "P1", Init))
	must(h.RegisterParent(ctx, "P2", Init))

	if must(h.AddChild(ctx, "P1", "P1", Init)) {
		t.Fatalf("self-parenting must be rejected")
	}
	if must(h.AddChild(ctx, "P1", "P2", Init)) {
		t.Fatalf("a parent must not become a child")
	}
	must(h.AddChild(ctx, "P1", "C", Init))
	if must(h.AddChild(ctx, "P2", "C", Init)) {
		t.Fatalf("a child must belong to one parent")
	}
	if !must(h.AddChild(ctx, "P1", "C", Active)) {
		t.Fatalf("re-adding under the same parent updates the status")
	}
	if _, err := h.AddChild(ctx, "", "C", Init); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRemoveChildAndParent(t *testing.T) {
	ctx := context.Background()
	must := noErr(t)
	h := New(kv.NewMemory())

	if must(h.RemoveChild(ctx, "P", "C")) {
		t.Fatalf("unknown parent must return false")
	}
	must(h.RegisterParent(ctx, "P", Init))
	must(h.AddChild(ctx, "P", "C1", Active))
	must(h.AddChild(ctx, "P", "C2", Active))

	if !must(h.RemoveChild(ctx, "P", "C1")) {
		t.Fatalf("expected C1 removal")
	}
	if _, ok, _ := h.ParentOf(ctx, "C1"); ok {
		t.Fatalf("removed child must have no parent")
	}

	if err := h.RemoveParent(ctx, "P"); err != nil {
		t.Fatalf("remove parent: %v", err)
	}
	if err := h.RemoveParent(ctx, "P"); err != nil {
		t.Fatalf("remove parent must be idempotent: %v", err)
	}
	if _, ok, _ := h.ChildrenOf(ctx, "P"); ok {
		t.Fatalf("removed parent must have no children")
	}
	if must(h.SetStatus(ctx, "C2", Down)) {
		t.Fatalf("orphaned child must be unknown")
	}
	// C2 is free again and may become a parent.
	if !must(h.RegisterParent(ctx, "C2", Init)) {
		t.Fatalf("expected C2 to register as parent")
	}
}

func TestUpdateChildStatusPropagates(t *testing.T) {
	ctx := context.Background()
	must := noErr(t)
	var (
		mu      sync.Mutex
		changes []ParentStatusChange
	)
	h := New(kv.NewMemory(), WithListener(func(_ context.Context, c ParentStatusChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	}))

	must(h.RegisterParent(ctx, "P", Init))
	must(h.AddChild(ctx, "P", "W", Down))
	must(h.AddChild(ctx, "P", "B", Down))

	must(h.UpdateChildStatus(ctx, "W", Active))
	must(h.UpdateChildStatus(ctx, "B", Active))
	must(h.UpdateChildStatus(ctx, "B", Down))

	want := []ParentStatusChange{
		{Parent: "P", Child: "W", From: Init, To: Down},
		{Parent: "P", Child: "B", From: Down, To: Active},
		{Parent: "P", Child: "B", From: Active, To: Down},
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, changes); diff != "" {
		t.Fatalf("unexpected status changes (-want +got):\n%s", diff)
	}
	if must(h.UpdateChildStatus(ctx, "ghost", Active)) {
		t.Fatalf("unknown child must return false")
	}
}

func TestConcurrentChildUpdates(t *testing.T) {
	ctx := context.Background()
	must := noErr(t)
	h := New(kv.NewMemory(), WithRetries(1000))
	must(h.RegisterParent(ctx, "P", Init))

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			child := fmt.Sprintf("C%d", i)
			if _, err := h.AddChild(ctx, "P", child, Down); err != nil {
				t.Errorf("add %s: %v", child, err)
				return
			}
			if _, err := h.SetStatus(ctx, child, Active); err != nil {
				t.Errorf("set %s: %v", child, err)
			}
		}(i)
	}
	wg.Wait()

	children, _, err := h.ChildrenOf(ctx, "P")
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != n {
		t.Fatalf("expected %d children, got %d", n, len(children))
	}
	if !must(h.AllChildrenActive(ctx, "P")) {
		t.Fatalf("expected every child active: %v", children)
	}
}

func TestStateString(t *testing.T) {
	if Active.String() != "ACTIVE" || State(42).String() != "State(42)" {
		t.Fatalf("unexpected names: %s %s", Active, State(42))
	}
}
