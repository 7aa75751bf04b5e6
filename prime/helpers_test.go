package prime

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gridprime/gridprime/config/params"
	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/crypto/threshold"
	"github.com/gridprime/gridprime/network"
	"github.com/gridprime/gridprime/testing/require"
	"github.com/gridprime/gridprime/wire"
)

// fakeClock is the injectable time source of a test cluster; every
// replica shares one instance.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

var (
	vcGroupMu    sync.Mutex
	vcGroupCache = map[string][]*threshold.KeyGroup{}
)

// testVcGroups deals (and caches) small threshold groups per cluster
// dimensioning; key generation is the slow part of these tests.
func testVcGroups(t *testing.T, k, n uint16) []*threshold.KeyGroup {
	t.Helper()
	vcGroupMu.Lock()
	defer vcGroupMu.Unlock()
	key := fmt.Sprintf("%d-%d", k, n)
	if g, ok := vcGroupCache[key]; ok {
		return g
	}
	g, err := threshold.GenerateSize(512, k, n)
	require.NoError(t, err)
	vcGroupCache[key] = g
	return g
}

type deliveredEvent struct {
	ord types.Ordinal
	env *wire.Envelope
}

// testCluster owns a roster of in-process replicas on one loopback
// switchboard with a shared fake clock. Tests drive it deterministically
// through pump and advance.
type testCluster struct {
	t         *testing.T
	cfg       *params.ProtocolConfig
	clock     *fakeClock
	net       *network.LoopbackNet
	replicas  []*Replica
	signers   []*wire.Signer
	clients   []*wire.Signer
	delivered map[types.ReplicaID][]deliveredEvent
}

func testConfig(n, f, k uint32) *params.ProtocolConfig {
	cfg := params.DefaultConfig()
	cfg.NumServers = n
	cfg.Faults = f
	cfg.Recovering = k
	cfg.PoAruPeriod = 10 * time.Millisecond
	cfg.ProofMatrixPeriod = 10 * time.Millisecond
	cfg.PrePreparePeriod = 10 * time.Millisecond
	cfg.PoRetransPeriod = 50 * time.Millisecond
	cfg.SuspectPingPeriod = 50 * time.Millisecond
	cfg.TatMeasurePeriod = 50 * time.Millisecond
	cfg.CatchupPeriod = 200 * time.Millisecond
	cfg.SystemResetMinWait = 100 * time.Millisecond
	cfg.RecoveryUpdateTimestamp = 100 * time.Millisecond
	// Scheduling jitter under the stepped test clock dwarfs real network
	// variability; a generous factor keeps suspicion out of tests that
	// do not provoke it.
	cfg.KLat = 100
	return cfg
}

func newTestCluster(t *testing.T, n, f, k uint32) *testCluster {
	t.Helper()
	cfg := testConfig(n, f, k)
	require.NoError(t, cfg.Validate())
	signers, clients, err := wire.NewTestRoster(n, 2)
	require.NoError(t, err)
	vcGroups := testVcGroups(t, uint16(f+1), uint16(n))

	tc := &testCluster{
		t:         t,
		cfg:       cfg,
		clock:     newFakeClock(),
		net:       network.NewLoopbackNet(),
		signers:   signers,
		clients:   clients,
		delivered: make(map[types.ReplicaID][]deliveredEvent),
	}
	for i := uint32(1); i <= n; i++ {
		tc.replicas = append(tc.replicas, tc.buildReplica(types.ReplicaID(i), vcGroups[i-1]))
	}
	return tc
}

func (tc *testCluster) buildReplica(id types.ReplicaID, vcKey *threshold.KeyGroup) *Replica {
	tc.t.Helper()
	r, err := New(&Config{
		Protocol: tc.cfg,
		ID:       id,
		Signer:   tc.signers[id-1],
		VcKey:    vcKey,
		Net:      tc.net.Attach(id),
		Clock:    tc.clock.Now,
		Deliver: func(ord types.Ordinal, env *wire.Envelope) {
			tc.delivered[id] = append(tc.delivered[id], deliveredEvent{ord: ord, env: env})
		},
	})
	require.NoError(tc.t, err)
	r.startTimers()
	return r
}

// replica returns the live replica with the given id.
func (tc *testCluster) replica(id types.ReplicaID) *Replica {
	for _, r := range tc.replicas {
		if r.id == id {
			return r
		}
	}
	tc.t.Fatalf("no replica %d", id)
	return nil
}

// pump processes queued datagrams on every listed replica (all when none
// given) until the network is quiet.
func (tc *testCluster) pump(only ...types.ReplicaID) {
	include := func(id types.ReplicaID) bool {
		if len(only) == 0 {
			return true
		}
		for _, o := range only {
			if o == id {
				return true
			}
		}
		return false
	}
	for progress := true; progress; {
		progress = false
		for _, r := range tc.replicas {
			if !include(r.id) {
				continue
			}
			select {
			case dg := <-r.net.Recv():
				r.handleRaw(dg.Payload)
				progress = true
			default:
			}
		}
	}
}

// discard drops everything queued for one replica, simulating loss.
func (tc *testCluster) discard(id types.ReplicaID) {
	r := tc.replica(id)
	for {
		select {
		case <-r.net.Recv():
		default:
			return
		}
	}
}

// advance moves the shared clock in steps, firing due timers and pumping
// the network after each step.
func (tc *testCluster) advance(total, step time.Duration) {
	tc.advanceOnly(total, step)
}

// advanceOnly is advance restricted to a subset of replicas; the rest
// neither fire timers nor drain their queues.
func (tc *testCluster) advanceOnly(total, step time.Duration, only ...types.ReplicaID) {
	include := func(id types.ReplicaID) bool {
		if len(only) == 0 {
			return true
		}
		for _, o := range only {
			if o == id {
				return true
			}
		}
		return false
	}
	for moved := time.Duration(0); moved < total; moved += step {
		tc.clock.Advance(step)
		for _, r := range tc.replicas {
			if include(r.id) {
				r.FireDue()
			}
		}
		tc.pump(only...)
	}
}

// bootNormal drives the fresh-system reset until every replica is
// participating.
func (tc *testCluster) bootNormal() {
	tc.t.Helper()
	for _, r := range tc.replicas {
		r.Start()
	}
	tc.pump()
	tc.advance(4*tc.cfg.SystemResetMinWait, tc.cfg.SystemResetMinWait/4)
	for _, r := range tc.replicas {
		require.Equal(tc.t, StatusNormal, r.Status(), "replica %d not normal", r.id)
	}
}

// submit signs a client update and hands it to one replica.
func (tc *testCluster) submit(to types.ReplicaID, client types.ClientID, seq types.PoSeq, payload []byte) {
	tc.t.Helper()
	env, err := wire.NewEnvelope(wire.TypeUpdate, 0, seq.Incarnation, &wire.UpdateMsg{
		Client:  client,
		Seq:     seq,
		Payload: payload,
	})
	require.NoError(tc.t, err)
	require.NoError(tc.t, tc.clients[client-1].SignAsClient(env))
	tc.replica(to).Process(env)
}

// updates filters a replica's deliveries down to client update events;
// empty ordinals deliver synthetic no-ops that interleave freely.
func (tc *testCluster) updates(id types.ReplicaID) []deliveredEvent {
	var out []deliveredEvent
	for _, ev := range tc.delivered[id] {
		if ev.env.Type == wire.TypeUpdate {
			out = append(out, ev)
		}
	}
	return out
}

// settle runs protocol periods until the predicate holds or the deadline
// of rounds passes.
func (tc *testCluster) settle(rounds int, pred func() bool) bool {
	for i := 0; i < rounds; i++ {
		if pred() {
			return true
		}
		tc.advance(tc.cfg.PrePreparePeriod, tc.cfg.PrePreparePeriod)
	}
	return pred()
}
