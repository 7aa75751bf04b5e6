package scada_test

import (
	"testing"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/scada"
	"github.com/gridprime/gridprime/testing/assert"
	"github.com/gridprime/gridprime/testing/require"
)

func ord(n uint32) types.Ordinal {
	return types.Ordinal{OrdNum: n, EventIdx: 1, EventTot: 1}
}

func TestApplyProducesReply(t *testing.T) {
	fu := scada.NewFieldUnit()
	cmd := scada.NewCommand(1, types.PoSeq{Incarnation: 1, SeqNum: 1}, "set_point", 2, 42)
	reply, kind := fu.Apply(ord(1), cmd)
	assert.Equal(t, scada.KindReply, kind)
	require.NotNil(t, reply)
}

func TestApplyDuplicateSuppression(t *testing.T) {
	fu := scada.NewFieldUnit()
	cmd := scada.NewCommand(1, types.PoSeq{Incarnation: 1, SeqNum: 1}, "trip_breaker", 3, 0)
	_, kind := fu.Apply(ord(1), cmd)
	require.Equal(t, scada.KindReply, kind)
	_, kind = fu.Apply(ord(2), cmd)
	assert.Equal(t, scada.KindDuplicate, kind)

	// A later sequence from the same client applies again.
	next := scada.NewCommand(1, types.PoSeq{Incarnation: 1, SeqNum: 2}, "close_breaker", 3, 0)
	_, kind = fu.Apply(ord(3), next)
	assert.Equal(t, scada.KindReply, kind)
}

func TestApplyEmptyIsNoOp(t *testing.T) {
	fu := scada.NewFieldUnit()
	_, kind := fu.Apply(ord(1), nil)
	assert.Equal(t, scada.KindNoOp, kind)
	_, kind = fu.Apply(ord(2), []byte("not json"))
	assert.Equal(t, scada.KindNoOp, kind)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	fu := scada.NewFieldUnit()
	for i := uint32(1); i <= 4; i++ {
		cmd := scada.NewCommand(1, types.PoSeq{Incarnation: 1, SeqNum: i}, "set_point", i, int32(i*10))
		_, kind := fu.Apply(ord(i), cmd)
		require.Equal(t, scada.KindReply, kind)
	}
	snap, err := fu.Snapshot()
	require.NoError(t, err)

	other := scada.NewFieldUnit()
	require.NoError(t, other.Restore(snap))
	otherSnap, err := other.Snapshot()
	require.NoError(t, err)
	assert.DeepEqual(t, snap, otherSnap)

	// The restored unit keeps suppressing already applied sequences.
	dup := scada.NewCommand(1, types.PoSeq{Incarnation: 1, SeqNum: 4}, "set_point", 1, 1)
	_, kind := other.Apply(ord(5), dup)
	assert.Equal(t, scada.KindDuplicate, kind)
}

func TestDeterministicAcrossReplicas(t *testing.T) {
	a := scada.NewFieldUnit()
	b := scada.NewFieldUnit()
	for i := uint32(1); i <= 6; i++ {
		cmd := scada.NewCommand(2, types.PoSeq{Incarnation: 3, SeqNum: i}, "set_point", i%8, int32(i))
		ra, ka := a.Apply(ord(i), cmd)
		rb, kb := b.Apply(ord(i), cmd)
		assert.Equal(t, ka, kb)
		assert.DeepEqual(t, ra, rb)
	}
	sa, err := a.Snapshot()
	require.NoError(t, err)
	sb, err := b.Snapshot()
	require.NoError(t, err)
	assert.DeepEqual(t, sa, sb)
}
