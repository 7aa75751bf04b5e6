package prime

import (
	"testing"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/testing/assert"
	"github.com/gridprime/gridprime/testing/require"
	"github.com/gridprime/gridprime/wire"
)

func TestProofAruTakesF1thLargest(t *testing.T) {
	tc := newTestCluster(t, 4, 1, 0)
	r := tc.replica(1)

	mk := func(vals ...uint32) *wire.PoAruMsg {
		v := types.NewPoSeqVector(4)
		for i, s := range vals {
			v[i] = types.PoSeq{Incarnation: 1, SeqNum: s}
		}
		return &wire.PoAruMsg{CumAru: v}
	}
	// Column 1 (origin 1) across the four rows: 5, 3, 9, 1. With f = 1
	// the second largest, 5, is the value at least f+1 replicas vouch for.
	rows := []*wire.PoAruMsg{mk(5), mk(3), mk(9), mk(1)}
	got := r.proofAru(1, rows)
	assert.Equal(t, types.PoSeq{Incarnation: 1, SeqNum: 5}, got)
}

func TestProofAruNeedsF1Rows(t *testing.T) {
	tc := newTestCluster(t, 4, 1, 0)
	r := tc.replica(1)
	rows := make([]*wire.PoAruMsg, 4)
	rows[0] = &wire.PoAruMsg{CumAru: types.NewPoSeqVector(4)}
	assert.Equal(t, types.PoSeq{}, r.proofAru(1, rows))
}

func TestPoSeqConsecutive(t *testing.T) {
	assert.True(t, poSeqConsecutive(types.PoSeq{Incarnation: 1, SeqNum: 4}, types.PoSeq{Incarnation: 1, SeqNum: 5}))
	assert.False(t, poSeqConsecutive(types.PoSeq{Incarnation: 1, SeqNum: 4}, types.PoSeq{Incarnation: 1, SeqNum: 6}))
	// A fresh incarnation restarts the stream at one.
	assert.True(t, poSeqConsecutive(types.PoSeq{Incarnation: 1, SeqNum: 4}, types.PoSeq{Incarnation: 9, SeqNum: 1}))
	assert.False(t, poSeqConsecutive(types.PoSeq{Incarnation: 1, SeqNum: 4}, types.PoSeq{Incarnation: 9, SeqNum: 2}))
	assert.False(t, poSeqConsecutive(types.PoSeq{Incarnation: 9, SeqNum: 1}, types.PoSeq{Incarnation: 1, SeqNum: 2}))
}

func TestDuplicateClientUpdatesIgnored(t *testing.T) {
	tc := newTestCluster(t, 4, 1, 0)
	tc.bootNormal()
	r := tc.replica(2)

	tc.submit(2, 1, types.PoSeq{Incarnation: 100, SeqNum: 1}, []byte("x"))
	seqAfterFirst := r.po.seq
	// Same client sequence again: no new PO-Request may form.
	tc.submit(2, 1, types.PoSeq{Incarnation: 100, SeqNum: 1}, []byte("x"))
	assert.Equal(t, seqAfterFirst, r.po.seq)
	// An older sequence is equally ignored.
	tc.submit(2, 1, types.PoSeq{Incarnation: 99, SeqNum: 7}, []byte("y"))
	assert.Equal(t, seqAfterFirst, r.po.seq)
}

func TestConflictingPoRequestIgnored(t *testing.T) {
	tc := newTestCluster(t, 4, 1, 0)
	tc.bootNormal()
	r1 := tc.replica(1)
	r2 := tc.replica(2)

	seq := types.PoSeq{Incarnation: r2.inc, SeqNum: 1}
	a, err := wire.NewEnvelope(wire.TypePoRequest, 2, r2.inc, &wire.PoRequestMsg{Seq: seq, Events: [][]byte{{1}}})
	require.NoError(t, err)
	require.NoError(t, tc.signers[1].Sign(a))
	b, err := wire.NewEnvelope(wire.TypePoRequest, 2, r2.inc, &wire.PoRequestMsg{Seq: seq, Events: [][]byte{{2}}})
	require.NoError(t, err)
	require.NoError(t, tc.signers[1].Sign(b))

	r1.Process(a)
	slot := r1.poSlotIfExists(2, seq)
	require.NotNil(t, slot)
	first := slot.digest

	// The conflicting request for the occupied slot changes nothing.
	r1.Process(b)
	assert.Equal(t, first, r1.poSlotIfExists(2, seq).digest)
}
