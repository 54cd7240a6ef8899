// Package tunnel tracks parent/child tunnel relationships and the status
// rules between them: a parent may only be reported active once every one
// of its children is active.
package tunnel

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/pce-controller/internal/kv"
	"github.com/signalsfoundry/pce-controller/internal/logging"
	"github.com/signalsfoundry/pce-controller/internal/pcep"
)

// ErrInvalidArgument is returned for empty tunnel ids.
var ErrInvalidArgument = pcep.ErrInvalidArgument

const (
	familyHierarchy  = "tunnel-hierarchy"
	familyParentHint = "tunnel-parent-hint"
)

// State is a tunnel's operational status.
type State uint8

const (
	Init State = iota
	Established
	Active
	Down
	Failed
	Unstable
)

var stateNames = [...]string{
	Init:        "INIT",
	Established: "ESTABLISHED",
	Active:      "ACTIVE",
	Down:        "DOWN",
	Failed:      "FAILED",
	Unstable:    "UNSTABLE",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Entry is one parent tunnel: its own status and its real children.
type Entry struct {
	SelfStatus State
	Children   map[string]State
}

// ParentStatusChange is emitted when a child status update moves the
// parent's aggregate status.
type ParentStatusChange struct {
	Parent string
	Child  string
	From   State
	To     State
}

// Listener receives parent status changes.
type Listener func(ctx context.Context, change ParentStatusChange)

// Option customises a Hierarchy.
type Option func(*Hierarchy)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(h *Hierarchy) {
		if log != nil {
			h.log = log
		}
	}
}

// WithListener registers fn for parent status changes.
func WithListener(fn Listener) Option {
	return func(h *Hierarchy) {
		h.listener = fn
	}
}

// WithConflictObserver reports lost compare-and-swap rounds.
func WithConflictObserver(fn kv.ConflictObserver) Option {
	return func(h *Hierarchy) {
		h.observer = fn
	}
}

// WithRetries bounds per-entry compare-and-swap retries.
func WithRetries(n int) Option {
	return func(h *Hierarchy) {
		h.retries = n
	}
}

// Hierarchy is the shared parent/child tunnel table. Each parent entry is
// updated atomically; a child->parent hint index speeds up ParentOf and is
// always verified against the parent entry before it is trusted.
type Hierarchy struct {
	log      logging.Logger
	listener Listener
	observer kv.ConflictObserver
	retries  int

	entries *kv.Map[Entry]
	hints   *kv.Map[string]
}

// New builds a Hierarchy over sub.
func New(sub kv.Substrate, opts ...Option) *Hierarchy {
	h := &Hierarchy{log: logging.Noop(), retries: kv.DefaultRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	mapOpts := []kv.MapOption{kv.WithRetries(h.retries), kv.WithConflictObserver(h.observer)}
	h.entries = kv.NewMap[Entry](sub, familyHierarchy, mapOpts...)
	h.hints = kv.NewMap[string](sub, familyParentHint, mapOpts...)
	return h
}

func invalid(what string) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, what)
}

// RegisterParent creates a parent entry with the given own status. It
// returns false when id is already a parent or already somebody's child.
func (h *Hierarchy) RegisterParent(ctx context.Context, id string, status State) (bool, error) {
	if id == "" {
		return false, invalid("tunnel id is empty")
	}
	parent, isChild, err := h.parentOfChild(ctx, id)
	if err != nil {
		return false, err
	}
	if isChild {
		h.log.Debug(ctx, "refusing to register child tunnel as parent",
			logging.String("tunnel_id", id),
			logging.String("parent_id", parent),
		)
		return false, nil
	}
	return h.entries.PutIfAbsent(ctx, id, Entry{SelfStatus: status, Children: map[string]State{}})
}

// ParentOf returns id itself when id is a parent, otherwise the parent
// whose children contain id.
func (h *Hierarchy) ParentOf(ctx context.Context, id string) (string, bool, error) {
	if id == "" {
		return "", false, invalid("tunnel id is empty")
	}
	ok, err := h.entries.Contains(ctx, id)
	if err != nil {
		return "", false, err
	}
	if ok {
		return id, true, nil
	}
	return h.parentOfChild(ctx, id)
}

// parentOfChild finds the parent holding child, consulting the hint index
// first and falling back to a scan of every parent.
func (h *Hierarchy) parentOfChild(ctx context.Context, child string) (string, bool, error) {
	hint, _, ok, err := h.hints.Get(ctx, child)
	if err != nil {
		return "", false, err
	}
	if ok {
		entry, _, found, err := h.entries.Get(ctx, hint)
		if err != nil {
			return "", false, err
		}
		if found {
			if _, isChild := entry.Children[child]; isChild {
				return hint, true, nil
			}
		}
	}

	var parent string
	err = h.entries.Range(ctx, func(key string, entry Entry, _ uint64) bool {
		if _, isChild := entry.Children[child]; isChild {
			parent = key
			return false
		}
		return true
	})
	if err != nil || parent == "" {
		return "", false, err
	}
	if _, err := h.hints.Put(ctx, child, parent); err != nil {
		h.log.Warn(ctx, "failed to repair parent hint",
			logging.String("tunnel_id", child),
			logging.Err(err),
		)
	}
	return parent, true, nil
}

// ChildrenOf returns a copy of parent's child map.
func (h *Hierarchy) ChildrenOf(ctx context.Context, parent string) (map[string]State, bool, error) {
	if parent == "" {
		return nil, false, invalid("tunnel id is empty")
	}
	entry, _, ok, err := h.entries.Get(ctx, parent)
	if err != nil || !ok {
		return nil, false, err
	}
	out := make(map[string]State, len(entry.Children))
	for id, st := range entry.Children {
		out[id] = st
	}
	return out, true, nil
}

// AddChild puts child under parent with status. It returns false when
// parent is not registered, when child is itself a parent, or when child
// already belongs to a different parent.
func (h *Hierarchy) AddChild(ctx context.Context, parent, child string, status State) (bool, error) {
	if parent == "" || child == "" {
		return false, invalid("tunnel id is empty")
	}
	if parent == child {
		return false, nil
	}
	childIsParent, err := h.entries.Contains(ctx, child)
	if err != nil || childIsParent {
		return false, err
	}
	owner, owned, err := h.parentOfChild(ctx, child)
	if err != nil {
		return false, err
	}
	if owned && owner != parent {
		h.log.Debug(ctx, "child tunnel already has a parent",
			logging.String("tunnel_id", child),
			logging.String("parent_id", owner),
		)
		return false, nil
	}

	applied, err := h.entries.Mutate(ctx, parent, func(cur Entry, exists bool) (Entry, kv.Op, error) {
		if !exists {
			return cur, kv.Keep, nil
		}
		if cur.Children == nil {
			cur.Children = make(map[string]State)
		}
		cur.Children[child] = status
		return cur, kv.Write, nil
	})
	if err != nil || !applied {
		return false, err
	}
	if _, err := h.hints.Put(ctx, child, parent); err != nil {
		return true, fmt.Errorf("record parent hint for %q: %w", child, err)
	}
	return true, nil
}

// RemoveChild drops child from parent. It returns false only when parent is
// not registered.
func (h *Hierarchy) RemoveChild(ctx context.Context, parent, child string) (bool, error) {
	if parent == "" || child == "" {
		return false, invalid("tunnel id is empty")
	}
	var known bool
	_, err := h.entries.Mutate(ctx, parent, func(cur Entry, exists bool) (Entry, kv.Op, error) {
		known = exists
		if !exists {
			return cur, kv.Keep, nil
		}
		if _, ok := cur.Children[child]; !ok {
			return cur, kv.Keep, nil
		}
		delete(cur.Children, child)
		return cur, kv.Write, nil
	})
	if err != nil || !known {
		return false, err
	}
	if err := h.dropHint(ctx, child, parent); err != nil {
		return true, err
	}
	return true, nil
}

// dropHint removes child's hint only while it still points at parent.
func (h *Hierarchy) dropHint(ctx context.Context, child, parent string) error {
	_, err := h.hints.Mutate(ctx, child, func(cur string, exists bool) (string, kv.Op, error) {
		if !exists || cur != parent {
			return cur, kv.Keep, nil
		}
		return cur, kv.Delete, nil
	})
	return err
}

// SetStatus sets a parent's own status, or a child's status inside its
// parent's entry. It returns false when id is unknown.
func (h *Hierarchy) SetStatus(ctx context.Context, id string, status State) (bool, error) {
	if id == "" {
		return false, invalid("tunnel id is empty")
	}
	applied, err := h.entries.Mutate(ctx, id, func(cur Entry, exists bool) (Entry, kv.Op, error) {
		if !exists || cur.SelfStatus == status {
			return cur, kv.Keep, nil
		}
		cur.SelfStatus = status
		return cur, kv.Write, nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		return true, nil
	}
	isParent, err := h.entries.Contains(ctx, id)
	if err != nil || isParent {
		return isParent, err
	}
	ok, _, err := h.setChildStatus(ctx, id, status)
	return ok, err
}

// setChildStatus writes child's status into its parent entry and returns
// the parent id.
func (h *Hierarchy) setChildStatus(ctx context.Context, child string, status State) (bool, string, error) {
	parent, ok, err := h.parentOfChild(ctx, child)
	if err != nil || !ok {
		return false, "", err
	}
	var found bool
	_, err = h.entries.Mutate(ctx, parent, func(cur Entry, exists bool) (Entry, kv.Op, error) {
		_, found = cur.Children[child]
		if !exists || !found {
			return cur, kv.Keep, nil
		}
		if cur.Children[child] == status {
			return cur, kv.Keep, nil
		}
		cur.Children[child] = status
		return cur, kv.Write, nil
	})
	if err != nil {
		return false, "", err
	}
	return found, parent, nil
}

// StatusOf returns a parent's own status or a child's status. Unknown
// tunnels report Init with ok=false.
func (h *Hierarchy) StatusOf(ctx context.Context, id string) (State, bool, error) {
	if id == "" {
		return Init, false, invalid("tunnel id is empty")
	}
	entry, _, ok, err := h.entries.Get(ctx, id)
	if err != nil {
		return Init, false, err
	}
	if ok {
		return entry.SelfStatus, true, nil
	}
	parent, ok, err := h.parentOfChild(ctx, id)
	if err != nil || !ok {
		return Init, false, err
	}
	entry, _, ok, err = h.entries.Get(ctx, parent)
	if err != nil || !ok {
		return Init, false, err
	}
	st, ok := entry.Children[id]
	if !ok {
		return Init, false, nil
	}
	return st, true, nil
}

// AllChildrenActive reports whether parent has at least one child and
// every child is Active.
func (h *Hierarchy) AllChildrenActive(ctx context.Context, parent string) (bool, error) {
	if parent == "" {
		return false, invalid("tunnel id is empty")
	}
	entry, _, ok, err := h.entries.Get(ctx, parent)
	if err != nil || !ok {
		return false, err
	}
	return allActive(parent, entry.Children), nil
}

func allActive(parent string, children map[string]State) bool {
	n := 0
	for id, st := range children {
		if id == parent {
			continue
		}
		if st != Active {
			return false
		}
		n++
	}
	return n > 0
}

// RemoveParent deletes parent and the hints of its children. Removing an
// unknown parent succeeds.
func (h *Hierarchy) RemoveParent(ctx context.Context, parent string) error {
	if parent == "" {
		return invalid("tunnel id is empty")
	}
	var children []string
	_, err := h.entries.Mutate(ctx, parent, func(cur Entry, exists bool) (Entry, kv.Op, error) {
		children = children[:0]
		for id := range cur.Children {
			children = append(children, id)
		}
		return cur, kv.Delete, nil
	})
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := h.dropHint(ctx, child, parent); err != nil {
			return err
		}
	}
	return nil
}

// UpdateChildStatus sets child's status and recomputes its parent's own
// status: Active when every child is Active, Down otherwise. A change of
// the parent status is passed to the listener. It returns false when child
// does not belong to any parent.
func (h *Hierarchy) UpdateChildStatus(ctx context.Context, child string, status State) (bool, error) {
	if child == "" {
		return false, invalid("tunnel id is empty")
	}
	ok, parent, err := h.setChildStatus(ctx, child, status)
	if err != nil || !ok {
		return false, err
	}

	var from, to State
	var changed bool
	_, err = h.entries.Mutate(ctx, parent, func(cur Entry, exists bool) (Entry, kv.Op, error) {
		changed = false
		if !exists {
			return cur, kv.Keep, nil
		}
		from = cur.SelfStatus
		to = Down
		if allActive(parent, cur.Children) {
			to = Active
		}
		if from == to {
			return cur, kv.Keep, nil
		}
		changed = true
		cur.SelfStatus = to
		return cur, kv.Write, nil
	})
	if err != nil {
		return true, err
	}
	if changed {
		h.log.Info(ctx, "parent tunnel status changed",
			logging.String("parent_id", parent),
			logging.String("child_id", child),
			logging.String("from", from.String()),
			logging.String("to", to.String()),
		)
		if h.listener != nil {
			h.listener(ctx, ParentStatusChange{Parent: parent, Child: child, From: from, To: to})
		}
	}
	return true, nil
}

// Parents snapshots every parent entry.
func (h *Hierarchy) Parents(ctx context.Context) (map[string]Entry, error) {
	return h.entries.Snapshot(ctx)
}
