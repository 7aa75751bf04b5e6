package itrc

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gridprime/gridprime/config/params"
	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/crypto/threshold"
	"github.com/gridprime/gridprime/network"
	"github.com/gridprime/gridprime/scada"
	"github.com/gridprime/gridprime/testing/assert"
	"github.com/gridprime/gridprime/testing/require"
	"github.com/gridprime/gridprime/wire"
)

var (
	tcGroupMu    sync.Mutex
	tcGroupCache = map[string][]*threshold.KeyGroup{}
)

func testGroups(t *testing.T, k, n uint16) []*threshold.KeyGroup {
	t.Helper()
	tcGroupMu.Lock()
	defer tcGroupMu.Unlock()
	key := fmt.Sprintf("%d-%d", k, n)
	if g, ok := tcGroupCache[key]; ok {
		return g
	}
	g, err := threshold.GenerateSize(512, k, n)
	require.NoError(t, err)
	tcGroupCache[key] = g
	return g
}

// masterCluster is a roster of master tasks on one loopback overlay.
type masterCluster struct {
	t       *testing.T
	cfg     *params.ProtocolConfig
	net     *network.LoopbackNet
	masters []*Master
	ports   []*network.LoopbackTransport
	apps    []*scada.FieldUnit
	finals  map[types.ReplicaID][]*wire.TCFinalMsg
}

func testMasterConfig(n, f, k uint32) *params.ProtocolConfig {
	cfg := params.DefaultConfig()
	cfg.NumServers = n
	cfg.Faults = f
	cfg.Recovering = k
	cfg.CheckpointPeriod = 2
	cfg.TcHistory = 16
	return cfg
}

func newMasterCluster(t *testing.T, n, f, k uint32) *masterCluster {
	t.Helper()
	cfg := testMasterConfig(n, f, k)
	signers, _, err := wire.NewTestRoster(n, 1)
	require.NoError(t, err)
	groups := testGroups(t, uint16(f+1), uint16(n))
	shared := []byte("0123456789abcdef0123456789abcdef")

	mc := &masterCluster{
		t:      t,
		cfg:    cfg,
		net:    network.NewLoopbackNet(),
		finals: make(map[types.ReplicaID][]*wire.TCFinalMsg),
	}
	for i := uint32(1); i <= n; i++ {
		id := types.ReplicaID(i)
		port := mc.net.Attach(id)
		app := scada.NewFieldUnit()
		m, err := NewMaster(&MasterConfig{
			Protocol:      cfg,
			ID:            id,
			Signer:        signers[i-1],
			PostKey:       groups[i-1],
			Net:           port,
			App:           app,
			SharedKey:     shared,
			EmitFinal:     func(msg *wire.TCFinalMsg) { mc.finals[id] = append(mc.finals[id], msg) },
			LatestUpdates: app.LatestUpdates,
		})
		require.NoError(t, err)
		mc.masters = append(mc.masters, m)
		mc.ports = append(mc.ports, port)
		mc.apps = append(mc.apps, app)
	}
	return mc
}

// pump drains every master's overlay queue to quiescence, pumping the
// bounded transfer outbox between rounds.
func (mc *masterCluster) pump(skip ...types.ReplicaID) {
	skipped := func(id types.ReplicaID) bool {
		for _, s := range skip {
			if s == id {
				return true
			}
		}
		return false
	}
	for progress := true; progress; {
		progress = false
		for i, m := range mc.masters {
			if skipped(m.id) {
				continue
			}
			if m.OutboxLen() > 0 {
				m.PumpOutbox()
				progress = true
			}
			select {
			case dg := <-mc.ports[i].Recv():
				env, err := wire.Decode(dg.Payload)
				if err == nil {
					m.ProcessPeer(env)
				}
				progress = true
			default:
			}
		}
	}
}

func (mc *masterCluster) discard(id types.ReplicaID) {
	for i, m := range mc.masters {
		if m.id != id {
			continue
		}
		for {
			select {
			case <-mc.ports[i].Recv():
			default:
				return
			}
		}
	}
}

func ordAt(n uint32) types.Ordinal {
	return types.Ordinal{OrdNum: n, EventIdx: 1, EventTot: 1}
}

func updateEnv(t *testing.T, client types.ClientID, seq uint32, payload []byte) *wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(wire.TypeUpdate, 0, 0, &wire.UpdateMsg{
		Client:  client,
		Seq:     types.PoSeq{Incarnation: 1, SeqNum: seq},
		Payload: payload,
	})
	require.NoError(t, err)
	return env
}

// feed applies one ordinal on a set of masters (all when none given).
func (mc *masterCluster) feed(ord types.Ordinal, env *wire.Envelope, only ...types.ReplicaID) {
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
	for _, m := range mc.masters {
		if include(m.id) {
			m.ProcessOrdinal(ord, env)
		}
	}
}

func TestTCFinalEmission(t *testing.T) {
	mc := newMasterCluster(t, 4, 1, 0)
	for i := uint32(1); i <= 3; i++ {
		payload := scada.NewCommand(1, types.PoSeq{Incarnation: 1, SeqNum: i}, "set_point", i%8, int32(i))
		mc.feed(ordAt(i), updateEnv(t, 1, i, payload))
		mc.pump()
	}
	for _, m := range mc.masters {
		finals := mc.finals[m.id]
		require.Equal(t, 3, len(finals), "replica %d finals", m.id)
		for i, f := range finals {
			// Strict ordinal contiguity, one final per ordinal.
			assert.Equal(t, uint32(i+1), f.Ord.OrdNum, "replica %d final %d", m.id, i)
			require.NoError(t, m.postKey.VerifyFinal(OrdinalDoc(f.Ord, wire.Digest(f.Payload)), f.Signature))
		}
	}
}

func TestTCFinalEmittedOncePerOrdinal(t *testing.T) {
	mc := newMasterCluster(t, 4, 1, 0)
	payload := scada.NewCommand(1, types.PoSeq{Incarnation: 1, SeqNum: 1}, "set_point", 1, 5)
	env := updateEnv(t, 1, 1, payload)
	mc.feed(ordAt(1), env)
	mc.pump()
	// Replaying the same ordinal and the same peer shares changes nothing.
	mc.feed(ordAt(1), env)
	mc.pump()
	for _, m := range mc.masters {
		assert.Equal(t, 1, len(mc.finals[m.id]), "replica %d finals", m.id)
	}
}

func TestNoOpOrdinalsAreSkipped(t *testing.T) {
	mc := newMasterCluster(t, 4, 1, 0)
	noop := &wire.Envelope{Type: wire.TypeClientNoOp}
	mc.feed(ordAt(1), noop)
	payload := scada.NewCommand(1, types.PoSeq{Incarnation: 1, SeqNum: 1}, "set_point", 2, 9)
	mc.feed(ordAt(2), updateEnv(t, 1, 1, payload))
	mc.pump()
	for _, m := range mc.masters {
		finals := mc.finals[m.id]
		require.Equal(t, 1, len(finals), "replica %d finals", m.id)
		// The skip consumed ordinal one; the reply rides ordinal two.
		assert.Equal(t, uint32(2), finals[0].Ord.OrdNum)
	}
}

func TestCheckpointStabilisation(t *testing.T) {
	mc := newMasterCluster(t, 4, 1, 0)
	for i := uint32(1); i <= 2; i++ {
		payload := scada.NewCommand(1, types.PoSeq{Incarnation: 1, SeqNum: i}, "set_point", i, int32(i))
		mc.feed(ordAt(i), updateEnv(t, 1, i, payload))
		mc.pump()
	}
	m := mc.masters[0]
	assert.Equal(t, ordAt(2), m.lastStable, "checkpoint at period 2 must be stable")
	// Updates at or below the stable line are purged.
	for ord := range m.updates {
		assert.True(t, ord.Compare(ordAt(2)) > 0, "update %d survived the purge", ord.OrdNum)
	}

	// Stability is monotone: an older checkpoint never replaces it.
	stale := m.lastStable
	old := &wire.CheckpointMsg{Ord: ordAt(1), IV: checkpointIV(ordAt(1)), Payload: []byte("old")}
	env, err := wire.NewEnvelope(wire.TypeCheckpoint, 2, 0, old)
	require.NoError(t, err)
	m.processCheckpoint(env)
	assert.Equal(t, stale, m.lastStable)
}

func TestCheckpointEncryptRoundTrip(t *testing.T) {
	shared := []byte("0123456789abcdef0123456789abcdef")
	iv := checkpointIV(ordAt(100))
	plain := []byte(`{"points":[1,2,3],"breakers":[true,false]}`)
	enc, err := EncryptCheckpoint(shared, iv, plain)
	require.NoError(t, err)
	dec, err := DecryptCheckpoint(shared, iv, enc)
	require.NoError(t, err)
	assert.DeepEqual(t, plain, dec)

	// Identical inputs yield identical ciphertext on every replica.
	enc2, err := EncryptCheckpoint(shared, iv, plain)
	require.NoError(t, err)
	assert.DeepEqual(t, enc, enc2)

	_, err = DecryptCheckpoint(shared, []byte("short"), enc)
	assert.ErrorContains(t, "iv must be", err)
}

func TestUpdateTransferRecovery(t *testing.T) {
	mc := newMasterCluster(t, 4, 1, 0)
	live := []types.ReplicaID{1, 2, 3}

	for i := uint32(1); i <= 5; i++ {
		payload := scada.NewCommand(1, types.PoSeq{Incarnation: 1, SeqNum: i}, "set_point", i%8, int32(i))
		mc.feed(ordAt(i), updateEnv(t, 1, i, payload), live...)
		mc.pump(4)
	}
	mc.discard(4)
	recovering := mc.masters[3]
	require.Equal(t, uint32(0), recovering.AppliedOrd().OrdNum)

	// The engine jumps: ordinal five lands with a gap.
	payload := scada.NewCommand(1, types.PoSeq{Incarnation: 1, SeqNum: 5}, "set_point", 5, 5)
	recovering.ProcessOrdinal(ordAt(5), updateEnv(t, 1, 5, payload))
	require.True(t, recovering.Collecting())

	// Peers answer with their stable checkpoint plus the update log;
	// several pump rounds drain the burst-limited outbox.
	for i := 0; i < 20; i++ {
		mc.pump()
	}
	require.False(t, recovering.Collecting(), "transfer did not complete")
	assert.Equal(t, uint32(5), recovering.AppliedOrd().OrdNum)

	// The restored state machine matches the live ones byte for byte.
	want, err := mc.apps[0].Snapshot()
	require.NoError(t, err)
	got, err := mc.apps[3].Snapshot()
	require.NoError(t, err)
	assert.DeepEqual(t, want, got)
}
