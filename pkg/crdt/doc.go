// Package crdt implements the replicated text sequence shared by all
// participants of a room. It is an RGA (Replicated Growable Array): every
// atom carries a globally unique (site, counter) id and is positioned
// relative to the atom to its left at insertion time. Merging the same set
// of operations in any order, any number of times, converges to the same
// text on every replica.
//
// The Doc itself is not goroutine safe; the owning session serializes all
// access.
package crdt

import (
	"errors"
	"fmt"
)

// ErrConflictUnresolvable reports an update whose causal dependencies can
// provably never be satisfied, e.g. an atom anchored on a later operation of
// its own site. It indicates a protocol bug upstream, not a normal conflict.
var ErrConflictUnresolvable = errors.New("crdt: causal dependencies can never be satisfied")

// ID identifies one operation. Counter values start at 1 and act as a
// Lamport clock: each site stamps new operations with a counter greater
// than every counter it has observed from any site.
type ID struct {
	Site    string
	Counter uint64
}

// IsZero reports whether the id is the document head sentinel.
func (a ID) IsZero() bool { return a.Counter == 0 && a.Site == "" }

func (a ID) String() string { return fmt.Sprintf("%s:%d", a.Site, a.Counter) }

// OpKind discriminates operation payloads.
type OpKind byte

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
)

// Op is a single operation. Insert anchors a new atom to the right of
// Origin (zero Origin = document head); Delete tombstones Target. Ext
// carries unrecognized trailing payload bytes through re-encoding so older
// peers do not strip extensions added by newer ones.
type Op struct {
	Kind   OpKind
	ID     ID
	Origin ID
	Target ID
	Ch     rune
	Ext    []byte
}

// Update is an immutable batch of operations from one site, applied
// atomically in order.
type Update struct {
	Site string
	Ops  []Op
}

// StateVector summarizes applied operations as the highest counter seen per
// site. It is what a rejoining client sends to receive a minimal diff.
type StateVector map[string]uint64

// Covers reports whether the vector includes the given operation id.
func (sv StateVector) Covers(id ID) bool { return id.Counter <= sv[id.Site] }

// Clone returns a copy of the vector.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for s, c := range sv {
		out[s] = c
	}
	return out
}

type item struct {
	id       ID
	ch       rune
	ext      []byte // unrecognized trailing payload, echoed back on diffs
	deleted  bool
	parent   *item
	children []*item // items anchored on this one, in sibling order
}

// tombstone remembers a delete operation so diffs can replay it verbatim,
// extension bytes included.
type tombstone struct {
	target ID
	ext    []byte
}

// Doc is one replica of the shared sequence.
type Doc struct {
	site    string
	clock   uint64 // highest counter observed from any site
	root    *item  // head sentinel, never rendered
	items   map[ID]*item
	applied StateVector                    // contiguous frontier per site
	staged  map[string]map[uint64]struct{} // applied counters beyond the frontier
	deletes map[ID]tombstone               // delete op id -> record, for diffing and idempotence
	pending []Op                           // remote ops waiting for their dependencies
	visible int
}

// New creates an empty document for the given site id.
func New(site string) *Doc {
	return &Doc{
		site:    site,
		root:    &item{},
		items:   map[ID]*item{},
		applied: StateVector{},
		staged:  map[string]map[uint64]struct{}{},
		deletes: map[ID]tombstone{},
	}
}

// Site returns the local site id.
func (d *Doc) Site() string { return d.site }

// Len returns the number of visible characters.
func (d *Doc) Len() int { return d.visible }

// StateVector returns a copy of the applied-operation summary.
func (d *Doc) StateVector() StateVector { return d.applied.Clone() }

// PendingOps reports how many remote operations are buffered waiting for
// dependencies.
func (d *Doc) PendingOps() int { return len(d.pending) }

func (d *Doc) nextID() ID {
	d.clock++
	return ID{Site: d.site, Counter: d.clock}
}

// walk visits every item in document order (tombstones included); fn
// returning false stops the walk.
func (d *Doc) walk(fn func(*item) bool) {
	stack := make([]*item, 0, 64)
	for i := len(d.root.children) - 1; i >= 0; i-- {
		stack = append(stack, d.root.children[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(n) {
			return
		}
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
}

// Text renders the visible sequence. O(document size).
func (d *Doc) Text() string {
	out := make([]rune, 0, d.visible)
	d.walk(func(it *item) bool {
		if !it.deleted {
			out = append(out, it.ch)
		}
		return true
	})
	return string(out)
}

// atomAt returns the visible atom at index i (0-based), or nil.
func (d *Doc) atomAt(i int) *item {
	var found *item
	n := 0
	d.walk(func(it *item) bool {
		if it.deleted {
			return true
		}
		if n == i {
			found = it
			return false
		}
		n++
		return true
	})
	return found
}

// InsertAt generates and applies a local insertion of text before visible
// position pos, returning the update to broadcast.
func (d *Doc) InsertAt(pos int, text string) (*Update, error) {
	if pos < 0 || pos > d.visible {
		return nil, fmt.Errorf("crdt: insert position %d out of range [0,%d]", pos, d.visible)
	}
	if text == "" {
		return nil, fmt.Errorf("crdt: empty insertion")
	}
	origin := ID{}
	if pos > 0 {
		origin = d.atomAt(pos - 1).id
	}
	u := &Update{Site: d.site}
	for _, r := range text {
		op := Op{Kind: OpInsert, ID: d.nextID(), Origin: origin, Ch: r}
		d.applyOp(op)
		u.Ops = append(u.Ops, op)
		origin = op.ID // chain subsequent runes
	}
	return u, nil
}

// DeleteAt generates and applies a local deletion of n visible characters
// starting at pos, returning the update to broadcast.
func (d *Doc) DeleteAt(pos, n int) (*Update, error) {
	if n <= 0 || pos < 0 || pos+n > d.visible {
		return nil, fmt.Errorf("crdt: delete range [%d,%d) out of range [0,%d]", pos, pos+n, d.visible)
	}
	// collect targets first; tombstoning shifts visible indexes
	targets := make([]ID, 0, n)
	i := 0
	d.walk(func(it *item) bool {
		if it.deleted {
			return true
		}
		if i >= pos && i < pos+n {
			targets = append(targets, it.id)
		}
		i++
		return i < pos+n
	})
	u := &Update{Site: d.site}
	for _, t := range targets {
		op := Op{Kind: OpDelete, ID: d.nextID(), Target: t}
		d.applyOp(op)
		u.Ops = append(u.Ops, op)
	}
	return u, nil
}

// ApplyRemote merges an update produced elsewhere (or a duplicate of a
// local one). Operations whose dependencies have not arrived yet are
// buffered and merged once they are satisfiable. Merging is commutative and
// idempotent; a malformed update is rejected wholesale with
// ErrConflictUnresolvable before any of it is applied.
func (d *Doc) ApplyRemote(u *Update) error {
	if u == nil {
		return nil
	}
	for _, op := range u.Ops {
		if err := checkResolvable(op); err != nil {
			return err
		}
	}
	for _, op := range u.Ops {
		if !d.depsMet(op) {
			d.pending = append(d.pending, op)
			continue
		}
		d.applyOp(op)
	}
	d.drainPending()
	return nil
}

// checkResolvable rejects operations that no future delivery can ever make
// applicable: a site's dependencies always precede the operation on that
// site's own clock.
func checkResolvable(op Op) error {
	if op.ID.Counter == 0 {
		return fmt.Errorf("%w: zero operation id", ErrConflictUnresolvable)
	}
	switch op.Kind {
	case OpInsert:
		if op.Origin.Site == op.ID.Site && op.Origin.Counter >= op.ID.Counter {
			return fmt.Errorf("%w: op %s anchored on own future %s", ErrConflictUnresolvable, op.ID, op.Origin)
		}
	case OpDelete:
		if op.Target.IsZero() {
			return fmt.Errorf("%w: delete without target", ErrConflictUnresolvable)
		}
		if op.Target.Site == op.ID.Site && op.Target.Counter >= op.ID.Counter {
			return fmt.Errorf("%w: op %s deletes own future %s", ErrConflictUnresolvable, op.ID, op.Target)
		}
	default:
		// unknown kinds were already skipped by the codec; carried ones are
		// ignored here rather than rejected so older replicas stay compatible
	}
	return nil
}

func (d *Doc) depsMet(op Op) bool {
	switch op.Kind {
	case OpInsert:
		return op.Origin.IsZero() || d.items[op.Origin] != nil
	case OpDelete:
		return d.items[op.Target] != nil
	}
	return true
}

func (d *Doc) drainPending() {
	for {
		progress := false
		rest := d.pending[:0]
		for _, op := range d.pending {
			if d.depsMet(op) {
				d.applyOp(op)
				progress = true
			} else {
				rest = append(rest, op)
			}
		}
		d.pending = rest
		if !progress || len(d.pending) == 0 {
			return
		}
	}
}

// applyOp integrates one operation whose dependencies are present.
// Duplicate applications are no-ops.
func (d *Doc) applyOp(op Op) {
	if op.ID.Counter > d.clock {
		d.clock = op.ID.Counter
	}
	d.recordApplied(op.ID)
	switch op.Kind {
	case OpInsert:
		if d.items[op.ID] != nil {
			return // duplicate
		}
		parent := d.root
		if !op.Origin.IsZero() {
			parent = d.items[op.Origin]
		}
		it := &item{id: op.ID, ch: op.Ch, ext: op.Ext, parent: parent}
		parent.children = insertSibling(parent.children, it)
		d.items[op.ID] = it
		d.visible++
	case OpDelete:
		if _, dup := d.deletes[op.ID]; dup {
			return
		}
		d.deletes[op.ID] = tombstone{target: op.Target, ext: op.Ext}
		t := d.items[op.Target]
		if !t.deleted {
			t.deleted = true
			d.visible--
		}
	}
}

// recordApplied advances the per-site frontier. The frontier only moves
// over contiguous counters so the exported state vector never claims an
// operation that is still buffered; counters applied ahead of a gap are
// staged until it closes.
func (d *Doc) recordApplied(id ID) {
	c := id.Counter
	front := d.applied[id.Site]
	if c <= front {
		return
	}
	if c == front+1 {
		front = c
		st := d.staged[id.Site]
		for {
			if _, ok := st[front+1]; !ok {
				break
			}
			delete(st, front+1)
			front++
		}
		d.applied[id.Site] = front
		return
	}
	st := d.staged[id.Site]
	if st == nil {
		st = map[uint64]struct{}{}
		d.staged[id.Site] = st
	}
	st[c] = struct{}{}
}

// insertSibling places it among atoms sharing the same origin. Order:
// higher counter first, equal counters broken by lower site id. This is the
// total order that makes concurrent same-position inserts deterministic.
func insertSibling(siblings []*item, it *item) []*item {
	i := 0
	for ; i < len(siblings); i++ {
		s := siblings[i]
		if it.id.Counter > s.id.Counter ||
			(it.id.Counter == s.id.Counter && it.id.Site < s.id.Site) {
			break
		}
	}
	siblings = append(siblings, nil)
	copy(siblings[i+1:], siblings[i:])
	siblings[i] = it
	return siblings
}

// HasOp reports whether an operation has already been integrated.
func (d *Doc) HasOp(op Op) bool {
	switch op.Kind {
	case OpInsert:
		return d.items[op.ID] != nil
	case OpDelete:
		_, ok := d.deletes[op.ID]
		return ok
	}
	return false
}

// DiffSince returns an update carrying every applied operation the given
// state vector does not cover, in dependency-safe order (inserts in
// document order, then deletes). Applying it to the remote replica brings
// it up to date; re-applying covered operations elsewhere stays harmless.
func (d *Doc) DiffSince(sv StateVector) *Update {
	if sv == nil {
		sv = StateVector{}
	}
	u := &Update{Site: d.site}
	d.walk(func(it *item) bool {
		if !sv.Covers(it.id) {
			u.Ops = append(u.Ops, Op{Kind: OpInsert, ID: it.id, Origin: d.originOf(it), Ch: it.ch, Ext: it.ext})
		}
		return true
	})
	for opID, tomb := range d.deletes {
		if !sv.Covers(opID) {
			u.Ops = append(u.Ops, Op{Kind: OpDelete, ID: opID, Target: tomb.target, Ext: tomb.ext})
		}
	}
	return u
}

func (d *Doc) originOf(it *item) ID {
	if it.parent == nil || it.parent == d.root {
		return ID{}
	}
	return it.parent.id
}
