package crdt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustInsert(t *testing.T, d *Doc, pos int, text string) *Update {
	t.Helper()
	u, err := d.InsertAt(pos, text)
	require.NoError(t, err)
	return u
}

func mustDelete(t *testing.T, d *Doc, pos, n int) *Update {
	t.Helper()
	u, err := d.DeleteAt(pos, n)
	require.NoError(t, err)
	return u
}

func TestLocalEditing(t *testing.T) {
	d := New("a")
	mustInsert(t, d, 0, "hello")
	require.Equal(t, "hello", d.Text())
	mustInsert(t, d, 5, " world")
	require.Equal(t, "hello world", d.Text())
	mustInsert(t, d, 5, ",")
	require.Equal(t, "hello, world", d.Text())
	mustDelete(t, d, 0, 7)
	require.Equal(t, "world", d.Text())
	require.Equal(t, 5, d.Len())
}

func TestInsertOutOfRange(t *testing.T) {
	d := New("a")
	_, err := d.InsertAt(1, "x")
	require.Error(t, err)
	_, err = d.InsertAt(-1, "x")
	require.Error(t, err)
	_, err = d.DeleteAt(0, 1)
	require.Error(t, err)
}

func TestRemoteApplyConverges(t *testing.T) {
	a := New("a")
	b := New("b")

	u1 := mustInsert(t, a, 0, "abc")
	require.NoError(t, b.ApplyRemote(u1))
	require.Equal(t, "abc", b.Text())

	u2 := mustInsert(t, b, 1, "XY")
	require.NoError(t, a.ApplyRemote(u2))
	require.Equal(t, a.Text(), b.Text())
	require.Equal(t, "aXYbc", a.Text())
}

func TestConcurrentInsertTieBreak(t *testing.T) {
	a := New("a")
	b := New("b")

	ua := mustInsert(t, a, 0, "hello")
	ub := mustInsert(t, b, 0, "world")

	require.NoError(t, a.ApplyRemote(ub))
	require.NoError(t, b.ApplyRemote(ua))

	require.Equal(t, a.Text(), b.Text())
	require.Equal(t, "helloworld", a.Text())
}

func TestConvergenceUnderPermutedDelivery(t *testing.T) {
	// three sites generate interleaved edits; every delivery order of the
	// resulting updates must converge to the same text
	src := []*Doc{New("a"), New("b"), New("c")}
	var updates []*Update
	updates = append(updates, mustInsert(t, src[0], 0, "base"))
	for _, d := range src[1:] {
		require.NoError(t, d.ApplyRemote(updates[0]))
	}
	updates = append(updates, mustInsert(t, src[1], 4, " text"))
	updates = append(updates, mustInsert(t, src[2], 0, ">> "))
	updates = append(updates, mustDelete(t, src[0], 0, 1))

	rng := rand.New(rand.NewSource(7))
	var reference string
	for trial := 0; trial < 20; trial++ {
		order := rng.Perm(len(updates))
		d := New("observer")
		for _, i := range order {
			require.NoError(t, d.ApplyRemote(updates[i]))
		}
		require.Equal(t, 0, d.PendingOps())
		if trial == 0 {
			reference = d.Text()
		}
		require.Equal(t, reference, d.Text(), "order %v", order)
	}
}

func TestIdempotentRedelivery(t *testing.T) {
	a := New("a")
	b := New("b")
	u := mustInsert(t, a, 0, "dup")
	require.NoError(t, b.ApplyRemote(u))
	require.NoError(t, b.ApplyRemote(u))
	require.NoError(t, b.ApplyRemote(u))
	require.Equal(t, "dup", b.Text())
	require.Equal(t, 3, b.Len())
}

func TestDeleteIdempotent(t *testing.T) {
	a := New("a")
	b := New("b")
	require.NoError(t, b.ApplyRemote(mustInsert(t, a, 0, "xyz")))
	del := mustDelete(t, a, 1, 1)
	require.NoError(t, b.ApplyRemote(del))
	require.NoError(t, b.ApplyRemote(del))
	require.Equal(t, "xz", b.Text())
	require.Equal(t, 2, b.Len())
}

func TestOutOfOrderBuffering(t *testing.T) {
	a := New("a")
	u1 := mustInsert(t, a, 0, "first")
	u2 := mustInsert(t, a, 5, " second")

	b := New("b")
	require.NoError(t, b.ApplyRemote(u2))
	require.Equal(t, "", b.Text())
	require.NotZero(t, b.PendingOps())

	require.NoError(t, b.ApplyRemote(u1))
	require.Equal(t, "first second", b.Text())
	require.Zero(t, b.PendingOps())
}

func TestUnresolvableUpdateRejectedWholesale(t *testing.T) {
	b := New("b")
	good := Op{Kind: OpInsert, ID: ID{Site: "a", Counter: 1}, Ch: 'x'}
	// anchored on its own future: can never be satisfied
	bad := Op{Kind: OpInsert, ID: ID{Site: "a", Counter: 2}, Origin: ID{Site: "a", Counter: 9}, Ch: 'y'}
	err := b.ApplyRemote(&Update{Site: "a", Ops: []Op{good, bad}})
	require.ErrorIs(t, err, ErrConflictUnresolvable)
	// nothing from the rejected update applied, not even the valid op
	require.Equal(t, "", b.Text())
	require.Zero(t, b.StateVector()["a"])
}

func TestUnresolvableDeleteWithoutTarget(t *testing.T) {
	b := New("b")
	err := b.ApplyRemote(&Update{Site: "a", Ops: []Op{{Kind: OpDelete, ID: ID{Site: "a", Counter: 1}}}})
	require.ErrorIs(t, err, ErrConflictUnresolvable)
}

func TestStateVectorTracksContiguousFrontier(t *testing.T) {
	a := New("a")
	u1 := mustInsert(t, a, 0, "1")
	u2 := mustInsert(t, a, 1, "2")

	b := New("b")
	require.NoError(t, b.ApplyRemote(u2))
	// u2 is buffered; the frontier must not claim it yet
	require.Zero(t, b.StateVector()["a"])
	require.NoError(t, b.ApplyRemote(u1))
	require.Equal(t, uint64(2), b.StateVector()["a"])
}

func TestDiffSinceFullSync(t *testing.T) {
	a := New("a")
	mustInsert(t, a, 0, "shared state")
	mustDelete(t, a, 0, 7)

	fresh := New("b")
	diff := a.DiffSince(fresh.StateVector())
	require.NoError(t, fresh.ApplyRemote(diff))
	require.Equal(t, a.Text(), fresh.Text())
	require.Equal(t, "state", fresh.Text())
}

func TestDiffSinceIncremental(t *testing.T) {
	a := New("a")
	b := New("b")
	require.NoError(t, b.ApplyRemote(mustInsert(t, a, 0, "one")))

	mustInsert(t, a, 3, " two")
	diff := a.DiffSince(b.StateVector())
	// only the missing ops travel
	require.Len(t, diff.Ops, 4)
	require.NoError(t, b.ApplyRemote(diff))
	require.Equal(t, "one two", b.Text())
}

func TestDiffSinceCarriesTombstones(t *testing.T) {
	a := New("a")
	mustInsert(t, a, 0, "abc")
	mustDelete(t, a, 1, 1)

	b := New("b")
	require.NoError(t, b.ApplyRemote(a.DiffSince(nil)))
	require.Equal(t, "ac", b.Text())

	// a late insert anchored on the tombstoned atom must still resolve
	c := New("c")
	require.NoError(t, c.ApplyRemote(a.DiffSince(nil)))
	require.NoError(t, a.ApplyRemote(mustInsert(t, c, 1, "X")))
	require.Equal(t, a.Text(), c.Text())
}

func TestDiffSincePreservesExtensionBytes(t *testing.T) {
	a := New("a")
	mustInsert(t, a, 0, "ab")

	// a newer peer sends ops carrying trailing extension payloads
	ins := Op{Kind: OpInsert, ID: ID{Site: "b", Counter: 1}, Ch: 'x', Ext: []byte{0xCA, 0xFE}}
	del := Op{Kind: OpDelete, ID: ID{Site: "b", Counter: 2}, Target: ins.ID, Ext: []byte{0xBE, 0xEF}}
	require.NoError(t, a.ApplyRemote(&Update{Site: "b", Ops: []Op{ins, del}}))

	exts := map[ID][]byte{}
	for _, op := range a.DiffSince(nil).Ops {
		exts[op.ID] = op.Ext
	}
	require.Equal(t, ins.Ext, exts[ins.ID])
	require.Equal(t, del.Ext, exts[del.ID])
}

func TestHasOp(t *testing.T) {
	a := New("a")
	u := mustInsert(t, a, 0, "z")
	b := New("b")
	require.False(t, b.HasOp(u.Ops[0]))
	require.NoError(t, b.ApplyRemote(u))
	require.True(t, b.HasOp(u.Ops[0]))
}

func TestConcurrentDeleteAndInsertAtSameSpot(t *testing.T) {
	a := New("a")
	b := New("b")
	seed := mustInsert(t, a, 0, "ab")
	require.NoError(t, b.ApplyRemote(seed))

	ua := mustDelete(t, a, 0, 1)     // delete 'a'
	ub := mustInsert(t, b, 1, "X")   // insert after 'a'

	require.NoError(t, a.ApplyRemote(ub))
	require.NoError(t, b.ApplyRemote(ua))
	require.Equal(t, a.Text(), b.Text())
	require.Equal(t, "Xb", a.Text())
}
