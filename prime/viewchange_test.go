package prime

import (
	"testing"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/testing/assert"
	"github.com/gridprime/gridprime/testing/require"
	"github.com/gridprime/gridprime/wire"
)

func TestSuspicionRule(t *testing.T) {
	tc := newTestCluster(t, 4, 1, 0)
	tc.bootNormal()

	tc.cfg.KLat = 2.5
	r := tc.replica(2)
	// tat_acceptable = 10ms, K_LAT = 2.5, pre-prepare period 10ms: the
	// suspicion line sits at 35ms.
	for i := range r.sus.tatUBs {
		r.sus.tatUBs[i] = 0.010
	}
	for i := range r.sus.reportedTats {
		r.sus.reportedTats[i] = 0.030
	}
	r.evaluateSuspicion()
	assert.False(t, r.sus.suspected, "under the line must not suspect")

	for i := range r.sus.reportedTats {
		r.sus.reportedTats[i] = 0.050
	}
	r.evaluateSuspicion()
	assert.True(t, r.sus.suspected, "over the line must suspect")
}

func TestLeaderNeverSuspectsItself(t *testing.T) {
	tc := newTestCluster(t, 4, 1, 0)
	tc.bootNormal()
	r := tc.replica(1)
	for i := range r.sus.tatUBs {
		r.sus.tatUBs[i] = 0.001
	}
	for i := range r.sus.reportedTats {
		r.sus.reportedTats[i] = 10
	}
	r.evaluateSuspicion()
	assert.False(t, r.sus.suspected)
}

func TestViewChangeInstallsNextLeader(t *testing.T) {
	tc := newTestCluster(t, 4, 1, 0)
	tc.bootNormal()

	// Order one update so the replay starts above a non-trivial ARU.
	tc.submit(2, 1, types.PoSeq{Incarnation: 100, SeqNum: 1}, []byte("before"))
	require.True(t, tc.settle(50, func() bool {
		for _, r := range tc.replicas {
			if len(tc.updates(r.id)) < 1 {
				return false
			}
		}
		return true
	}))

	// Every non-leader suspects; the vote quorum replaces the leader.
	for _, id := range []types.ReplicaID{2, 3, 4} {
		tc.replica(id).suspectLeader()
	}
	ok := tc.settle(100, func() bool {
		for _, r := range tc.replicas {
			if r.View() != 2 || r.vc.inProgress {
				return false
			}
		}
		return true
	})
	require.True(t, ok, "view 2 was not installed everywhere")

	for _, r := range tc.replicas {
		assert.Equal(t, types.ReplicaID(2), r.leader(), "replica %d leader", r.id)
	}

	// The new leader resumes ordering from the replay start sequence.
	tc.submit(3, 1, types.PoSeq{Incarnation: 100, SeqNum: 2}, []byte("after"))
	ok = tc.settle(100, func() bool {
		for _, r := range tc.replicas {
			if len(tc.updates(r.id)) < 2 {
				return false
			}
		}
		return true
	})
	require.True(t, ok, "ordering did not resume in view 2")
	for _, r := range tc.replicas {
		events := tc.updates(r.id)
		last := events[len(events)-1]
		assert.True(t, last.ord.OrdNum >= 2, "replica %d resumed ordinal", r.id)
	}
}

func TestConflictingPrePreparesTriggerSuspicion(t *testing.T) {
	tc := newTestCluster(t, 4, 1, 0)
	tc.bootNormal()
	tc.submit(2, 1, types.PoSeq{Incarnation: 100, SeqNum: 1}, []byte("a"))
	require.True(t, tc.settle(50, func() bool { return tc.replica(3).Aru() >= 1 }))

	r := tc.replica(3)
	slot := r.ordSlotIfExists(1)
	require.NotNil(t, slot)
	require.True(t, slot.collected)

	// Forge a second proposal for the same (seq, view) with different
	// content, signed by the real leader key.
	forged := *slot.partBodies[0]
	forged.LastExecuted = slot.partBodies[0].LastExecuted.Clone()
	forged.Rows = make([][]byte, len(slot.partBodies[0].Rows))
	fEnv, err := newSignedPrePrepare(tc, 1, &forged)
	require.NoError(t, err)
	r.Process(fEnv)
	assert.True(t, r.sus.suspected, "conflicting proposals must raise suspicion")
}

// newSignedPrePrepare builds a proposal fragment signed by a replica's
// real key, for fault injection.
func newSignedPrePrepare(tc *testCluster, from types.ReplicaID, body *wire.PrePrepareMsg) (*wire.Envelope, error) {
	env, err := wire.NewEnvelope(wire.TypePrePrepare, from, tc.replica(from).inc, body)
	if err != nil {
		return nil, err
	}
	if err := tc.signers[from-1].Sign(env); err != nil {
		return nil, err
	}
	return env, nil
}
