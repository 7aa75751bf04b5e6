package prime

import (
	"testing"
	"time"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/testing/assert"
	"github.com/gridprime/gridprime/testing/require"
	"github.com/gridprime/gridprime/wire"
)

func TestSystemResetAllStartup(t *testing.T) {
	tc := newTestCluster(t, 4, 1, 0)
	tc.bootNormal()

	first := tc.replica(1)
	for _, r := range tc.replicas {
		assert.Equal(t, types.View(1), r.View(), "replica %d view", r.id)
		assert.Equal(t, first.pr.proposalDigest, r.pr.proposalDigest, "replica %d proposal digest", r.id)
		assert.True(t, r.pr.proposalDigest != [32]byte{}, "proposal digest must be set")
		assert.True(t, first.pr.installed.Equal(r.pr.installed), "replica %d installed incarnations", r.id)
	}
}

func TestSingleOrdering(t *testing.T) {
	tc := newTestCluster(t, 4, 1, 0)
	tc.bootNormal()

	tc.submit(2, 1, types.PoSeq{Incarnation: 100, SeqNum: 1}, []byte("open breaker 3"))
	ok := tc.settle(50, func() bool {
		for _, r := range tc.replicas {
			if len(tc.updates(r.id)) < 1 {
				return false
			}
		}
		return true
	})
	require.True(t, ok, "update was not ordered")

	for _, r := range tc.replicas {
		events := tc.updates(r.id)
		require.Equal(t, 1, len(events), "replica %d update deliveries", r.id)
		assert.Equal(t, uint32(1), events[0].ord.EventIdx)
		assert.Equal(t, uint32(1), events[0].ord.EventTot)
		body := &wire.UpdateMsg{}
		require.NoError(t, wire.Unmarshal(events[0].env.Body, body))
		assert.Equal(t, types.ClientID(1), body.Client)
		assert.DeepEqual(t, []byte("open breaker 3"), body.Payload)
	}
}

func TestOrderingInvariants(t *testing.T) {
	tc := newTestCluster(t, 4, 1, 0)
	tc.bootNormal()

	for i := uint32(1); i <= 3; i++ {
		tc.submit(types.ReplicaID(i%4+1), 1, types.PoSeq{Incarnation: 100, SeqNum: i}, []byte{byte(i)})
		ok := tc.settle(50, func() bool {
			for _, r := range tc.replicas {
				if len(tc.updates(r.id)) < int(i) {
					return false
				}
			}
			return true
		})
		require.True(t, ok, "update %d was not ordered", i)
	}

	r := tc.replica(1)
	for seq := uint32(1); seq <= r.Aru(); seq++ {
		slot := r.ordSlotIfExists(seq)
		require.NotNil(t, slot, "slot %d", seq)
		// made_eligible never regresses below last_executed.
		assert.True(t, slot.madeEligible.Covers(slot.lastExecuted), "slot %d eligible", seq)
		if next := r.ordSlotIfExists(seq + 1); next != nil && next.executed {
			// Consecutive slots chain exactly.
			assert.True(t, next.lastExecuted.Equal(slot.madeEligible), "slot %d chain", seq)
		}
	}

	// Identical delivery sets in identical order on every replica.
	ref := tc.delivered[1]
	for _, other := range tc.replicas[1:] {
		events := tc.delivered[other.id]
		require.Equal(t, len(ref), len(events), "replica %d delivery count", other.id)
		for i := range ref {
			assert.Equal(t, ref[i].ord, events[i].ord, "replica %d ordinal %d", other.id, i)
			assert.Equal(t, ref[i].env.BodyDigest(), events[i].env.BodyDigest(), "replica %d event %d", other.id, i)
		}
	}
}

func TestReplayedMessagesAreIdempotent(t *testing.T) {
	tc := newTestCluster(t, 4, 1, 0)
	tc.bootNormal()
	tc.submit(2, 1, types.PoSeq{Incarnation: 100, SeqNum: 1}, []byte("x"))
	require.True(t, tc.settle(50, func() bool { return tc.replica(1).Aru() >= 1 }))

	r := tc.replica(1)
	slot := r.ordSlotIfExists(r.Aru())
	require.NotNil(t, slot)
	aru := r.Aru()
	commitCount := len(slot.commits)
	deliveries := len(tc.delivered[1])

	// Replay every stored commit and the assembled proposal fragments.
	for _, env := range slot.commits {
		r.Process(env)
	}
	for _, env := range slot.parts {
		r.Process(env)
	}
	assert.Equal(t, aru, r.Aru())
	assert.Equal(t, commitCount, len(slot.commits))
	assert.Equal(t, deliveries, len(tc.delivered[1]))
}

func TestSingleReplicaOrders(t *testing.T) {
	tc := newTestCluster(t, 1, 0, 0)
	tc.bootNormal()

	tc.submit(1, 1, types.PoSeq{Incarnation: 7, SeqNum: 1}, []byte("solo"))
	require.True(t, tc.settle(50, func() bool { return len(tc.updates(1)) >= 1 }))
	events := tc.updates(1)
	require.Equal(t, 1, len(events))
	assert.Equal(t, uint32(1), events[0].ord.EventIdx)
	assert.Equal(t, uint32(1), events[0].ord.EventTot)
}

func TestFlowControlDetachesIntake(t *testing.T) {
	tc := newTestCluster(t, 4, 1, 0)
	tc.cfg.MaxPoInFlight = 2
	tc.bootNormal()

	r := tc.replica(2)
	// Submit without letting ordering advance: only replica 2 processes.
	for i := uint32(1); i <= 4; i++ {
		tc.submit(2, 1, types.PoSeq{Incarnation: 100, SeqNum: i}, []byte{byte(i)})
	}
	// The window admits two outstanding PO-Requests, the rest waits.
	assert.Equal(t, uint32(2), r.po.seq.SeqNum)
	assert.True(t, r.po.intakeDetached)

	ok := tc.settle(100, func() bool {
		for _, rep := range tc.replicas {
			if len(tc.updates(rep.id)) < 4 {
				return false
			}
		}
		return true
	})
	require.True(t, ok, "flow controlled updates were not all ordered")
	assert.False(t, r.po.intakeDetached)
}

func TestLocalResetClearsState(t *testing.T) {
	tc := newTestCluster(t, 4, 1, 0)
	tc.bootNormal()
	tc.submit(2, 1, types.PoSeq{Incarnation: 100, SeqNum: 1}, []byte("x"))
	require.True(t, tc.settle(50, func() bool { return tc.replica(1).Aru() >= 1 }))

	r := tc.replica(1)
	r.localReset()
	assert.Equal(t, uint32(0), r.Aru())
	assert.Equal(t, types.View(1), r.View())
	assert.Equal(t, StatusStartup, r.Status())
	assert.Equal(t, 0, len(r.ord.slots))
	assert.Equal(t, 0, len(r.po.slots))
}

func TestEveryStopsAfterReset(t *testing.T) {
	tc := newTestCluster(t, 4, 1, 0)
	r := tc.replica(1)
	fired := 0
	r.every(10*time.Millisecond, func() { fired++ })
	tc.clock.Advance(10 * time.Millisecond)
	r.FireDue()
	require.Equal(t, 1, fired)

	// A reset bumps the generation; the old chain must not re-arm again.
	r.localReset()
	tc.clock.Advance(50 * time.Millisecond)
	r.FireDue()
	assert.Equal(t, 1, fired)
}
