package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notesync/pkg/crdt"
	"notesync/pkg/logger"
	"notesync/pkg/wire"
)

func init() { logger.Init() }

// fakeConn records every frame the session sends it.
type fakeConn struct {
	id     string
	frames [][]byte
	fail   bool
}

func (f *fakeConn) ParticipantID() string { return f.id }

func (f *fakeConn) Send(frame []byte) error {
	if f.fail {
		return assert.AnError
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) framesWithTag(t *testing.T, tag byte) [][]byte {
	t.Helper()
	var out [][]byte
	for _, fr := range f.frames {
		gotTag, payload, err := wire.SplitFrame(fr)
		require.NoError(t, err)
		if gotTag == tag {
			out = append(out, payload)
		}
	}
	return out
}

// replica builds a client-side document synced from a state-response frame.
func replica(t *testing.T, site string, stateFrame []byte) *crdt.Doc {
	t.Helper()
	tag, payload, err := wire.SplitFrame(stateFrame)
	require.NoError(t, err)
	require.Equal(t, wire.FrameStateResponse, tag)
	sp, err := wire.DecodeStatePayload(payload)
	require.NoError(t, err)
	u, err := wire.DecodeUpdate(sp.Update)
	require.NoError(t, err)
	d := crdt.New(site)
	require.NoError(t, d.ApplyRemote(u))
	return d
}

func TestJoinDeliversSeededState(t *testing.T) {
	s := newSession("n1", "seed text", time.Second, 3)
	c := &fakeConn{id: "alice"}
	frame := s.Join(c)

	d := replica(t, "alice", frame)
	assert.Equal(t, "seed text", d.Text())
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 1, s.Participants())
}

func TestApplyUpdateMergesAndRelays(t *testing.T) {
	s := newSession("n1", "ab", time.Second, 3)
	alice := &fakeConn{id: "alice"}
	bob := &fakeConn{id: "bob"}
	aliceDoc := replica(t, "alice", s.Join(alice))
	s.Join(bob)

	u, err := aliceDoc.InsertAt(2, "!")
	require.NoError(t, err)
	require.NoError(t, s.ApplyUpdate(wire.EncodeUpdate(u), "alice"))

	assert.Equal(t, "ab!", s.Text())
	assert.Equal(t, 1, s.DirtyOps())

	// relayed to bob, not echoed to alice
	assert.Len(t, bob.framesWithTag(t, wire.FrameUpdate), 1)
	assert.Empty(t, alice.framesWithTag(t, wire.FrameUpdate))
}

func TestDuplicateUpdateNotRelayed(t *testing.T) {
	s := newSession("n1", "", time.Second, 3)
	alice := &fakeConn{id: "alice"}
	bob := &fakeConn{id: "bob"}
	aliceDoc := replica(t, "alice", s.Join(alice))
	s.Join(bob)

	u, err := aliceDoc.InsertAt(0, "x")
	require.NoError(t, err)
	payload := wire.EncodeUpdate(u)
	require.NoError(t, s.ApplyUpdate(payload, "alice"))
	require.NoError(t, s.ApplyUpdate(payload, "alice"))

	assert.Equal(t, "x", s.Text())
	assert.Equal(t, 1, s.DirtyOps())
	assert.Len(t, bob.framesWithTag(t, wire.FrameUpdate), 1)
}

func TestApplyUpdateMalformed(t *testing.T) {
	s := newSession("n1", "", time.Second, 3)
	err := s.ApplyUpdate([]byte{0xFF, 0x00}, "alice")
	require.ErrorIs(t, err, wire.ErrMalformedUpdate)
	assert.Zero(t, s.DirtyOps())
}

func TestUnresolvableUpdateLeavesStateUntouched(t *testing.T) {
	s := newSession("n1", "", time.Second, 3)
	before := s.StateVector()
	bad := &crdt.Update{Site: "alice", Ops: []crdt.Op{
		{Kind: crdt.OpInsert, ID: crdt.ID{Site: "alice", Counter: 1}, Origin: crdt.ID{Site: "alice", Counter: 5}, Ch: 'x'},
	}}
	err := s.ApplyUpdate(wire.EncodeUpdate(bad), "alice")
	require.ErrorIs(t, err, crdt.ErrConflictUnresolvable)
	assert.Equal(t, before, s.StateVector())
	assert.Zero(t, s.DirtyOps())
}

func TestLeaveLastParticipantDrains(t *testing.T) {
	s := newSession("n1", "", time.Second, 3)
	alice := &fakeConn{id: "alice"}
	bob := &fakeConn{id: "bob"}
	s.Join(alice)
	s.Join(bob)

	assert.False(t, s.Leave(alice))
	assert.Equal(t, StateActive, s.State())

	assert.True(t, s.Leave(bob))
	assert.Equal(t, StateDraining, s.State())

	// a join during the grace period reactivates the same session
	s.Join(&fakeConn{id: "carol"})
	assert.Equal(t, StateActive, s.State())
}

func TestLeaveBroadcastsAwarenessRemoval(t *testing.T) {
	s := newSession("n1", "", time.Second, 3)
	alice := &fakeConn{id: "alice"}
	bob := &fakeConn{id: "bob"}
	s.Join(alice)
	s.Join(bob)
	require.NoError(t, s.ApplyAwareness("alice", []byte(`{"name":"Ada","cursor":1}`)))

	s.Leave(alice)
	removals := bob.framesWithTag(t, wire.FrameAwareness)
	require.NotEmpty(t, removals)
	last, err := wire.DecodeAwareness(removals[len(removals)-1])
	require.NoError(t, err)
	assert.Equal(t, "alice", last.ID)
	assert.Empty(t, last.Data)
}

func TestStaleLeaveAfterReconnectKeepsSessionLive(t *testing.T) {
	s := newSession("n1", "ab", time.Second, 3)
	first := &fakeConn{id: "alice"}
	s.Join(first)

	// the client reconnects before the old socket finishes tearing down
	second := &fakeConn{id: "alice"}
	doc := replica(t, "alice", s.Join(second))

	assert.False(t, s.Leave(first))
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 1, s.Participants())

	// the surviving connection still receives relayed traffic
	bob := &fakeConn{id: "bob"}
	bobDoc := replica(t, "bob", s.Join(bob))
	u, err := bobDoc.InsertAt(2, "!")
	require.NoError(t, err)
	require.NoError(t, s.ApplyUpdate(wire.EncodeUpdate(u), "bob"))
	relayed := second.framesWithTag(t, wire.FrameUpdate)
	require.Len(t, relayed, 1)
	ru, err := wire.DecodeUpdate(relayed[0])
	require.NoError(t, err)
	require.NoError(t, doc.ApplyRemote(ru))
	assert.Equal(t, "ab!", doc.Text())

	assert.False(t, s.Leave(bob))
	assert.True(t, s.Leave(second))
	assert.Equal(t, StateDraining, s.State())
}

func TestAwarenessRelayedWithForcedIdentity(t *testing.T) {
	s := newSession("n1", "", time.Second, 3)
	alice := &fakeConn{id: "alice"}
	bob := &fakeConn{id: "bob"}
	s.Join(alice)
	s.Join(bob)

	require.NoError(t, s.ApplyAwareness("alice", []byte(`{"id":"impostor","name":"Ada"}`)))
	frames := bob.framesWithTag(t, wire.FrameAwareness)
	require.Len(t, frames, 1)
	entry, err := wire.DecodeAwareness(frames[0])
	require.NoError(t, err)
	assert.Equal(t, "alice", entry.ID)
	assert.Empty(t, alice.framesWithTag(t, wire.FrameAwareness))
}

func TestSweepPresenceBroadcastsRemovals(t *testing.T) {
	s := newSession("n1", "", 10*time.Millisecond, 3)
	alice := &fakeConn{id: "alice"}
	bob := &fakeConn{id: "bob"}
	s.Join(alice)
	s.Join(bob)
	require.NoError(t, s.ApplyAwareness("alice", []byte(`{"name":"Ada"}`)))

	removed := s.SweepPresence(time.Now().Add(time.Second))
	assert.Equal(t, []string{"alice"}, removed)
	// the removal reaches everyone, the stale participant included
	require.NotEmpty(t, alice.framesWithTag(t, wire.FrameAwareness))
}

func TestCaptureSnapshot(t *testing.T) {
	s := newSession("n1", "", time.Second, 3)
	aliceDoc := replica(t, "alice", s.Join(&fakeConn{id: "alice"}))

	_, _, ok := s.CaptureSnapshot()
	assert.False(t, ok, "clean session has nothing to capture")

	u, err := aliceDoc.InsertAt(0, "hi")
	require.NoError(t, err)
	require.NoError(t, s.ApplyUpdate(wire.EncodeUpdate(u), "alice"))

	content, contributor, ok := s.CaptureSnapshot()
	require.True(t, ok)
	assert.Equal(t, "hi", content)
	assert.Equal(t, "alice", contributor)
	assert.Zero(t, s.DirtyOps())

	_, _, ok = s.CaptureSnapshot()
	assert.False(t, ok, "second capture without new edits")
}

func TestSubscribeNotifiedOnDocChange(t *testing.T) {
	s := newSession("n1", "", time.Second, 3)
	aliceDoc := replica(t, "alice", s.Join(&fakeConn{id: "alice"}))

	var events []Event
	token := s.Subscribe(func(ev Event) { events = append(events, ev) })

	u, err := aliceDoc.InsertAt(0, "x")
	require.NoError(t, err)
	require.NoError(t, s.ApplyUpdate(wire.EncodeUpdate(u), "alice"))
	assert.Contains(t, events, EventDocChanged)

	s.Unsubscribe(token)
	n := len(events)
	u, err = aliceDoc.InsertAt(1, "y")
	require.NoError(t, err)
	require.NoError(t, s.ApplyUpdate(wire.EncodeUpdate(u), "alice"))
	assert.Len(t, events, n)
}

func TestBroadcastSurvivesFailingConn(t *testing.T) {
	s := newSession("n1", "", time.Second, 3)
	dead := &fakeConn{id: "dead", fail: true}
	live := &fakeConn{id: "live"}
	aliceDoc := replica(t, "alice", s.Join(&fakeConn{id: "alice"}))
	s.Join(dead)
	s.Join(live)

	u, err := aliceDoc.InsertAt(0, "z")
	require.NoError(t, err)
	require.NoError(t, s.ApplyUpdate(wire.EncodeUpdate(u), "alice"))
	assert.Len(t, live.framesWithTag(t, wire.FrameUpdate), 1)
}
