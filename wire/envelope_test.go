package wire_test

import (
	"testing"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/testing/assert"
	"github.com/gridprime/gridprime/testing/require"
	"github.com/gridprime/gridprime/wire"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := wire.NewEnvelope(wire.TypePoRequest, 3, 100, &wire.PoRequestMsg{
		Seq:    types.PoSeq{Incarnation: 100, SeqNum: 1},
		Events: [][]byte{{1, 2, 3}},
	})
	require.NoError(t, err)
	env.SiteID = 7
	env.MonotonicCounter = 42

	decoded, err := wire.Decode(env.Encode())
	require.NoError(t, err)
	assert.Equal(t, wire.TypePoRequest, decoded.Type)
	assert.Equal(t, types.ReplicaID(3), decoded.MachineID)
	assert.Equal(t, uint32(100), decoded.Incarnation)
	assert.Equal(t, uint32(7), decoded.SiteID)
	assert.Equal(t, uint64(42), decoded.MonotonicCounter)
	assert.Equal(t, env.BodyDigest(), decoded.BodyDigest())

	body := &wire.PoRequestMsg{}
	require.NoError(t, wire.Unmarshal(decoded.Body, body))
	assert.Equal(t, uint32(1), body.Seq.SeqNum)
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, err := wire.Decode(make([]byte, 10))
	assert.ErrorContains(t, "short frame", err)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	env, err := wire.NewEnvelope(wire.TypeCommit, 1, 0, &wire.CommitMsg{Seq: 1})
	require.NoError(t, err)
	raw := env.Encode()
	_, err = wire.Decode(raw[:len(raw)-1])
	assert.ErrorContains(t, "length mismatch", err)
}

func TestSignVerify(t *testing.T) {
	servers, clients, err := wire.NewTestRoster(2, 1)
	require.NoError(t, err)

	env, err := wire.NewEnvelope(wire.TypePrepare, 1, 0, &wire.PrepareMsg{Seq: 9})
	require.NoError(t, err)
	require.NoError(t, servers[0].Sign(env))
	require.NoError(t, servers[1].Verify(env))

	// Tampering with the body breaks the signature.
	env.Body[0] ^= 0xff
	assert.ErrorContains(t, "verification failed", servers[1].Verify(env))

	// A client signature verifies only under the client key.
	cEnv, err := wire.NewEnvelope(wire.TypeUpdate, 0, 0, &wire.UpdateMsg{Client: 1})
	require.NoError(t, err)
	require.NoError(t, clients[0].SignAsClient(cEnv))
	require.NoError(t, servers[0].VerifyClient(1, cEnv))
}

func TestVerifyUnknownReplica(t *testing.T) {
	servers, _, err := wire.NewTestRoster(1, 0)
	require.NoError(t, err)
	env, err := wire.NewEnvelope(wire.TypeCommit, 5, 0, &wire.CommitMsg{})
	require.NoError(t, err)
	assert.ErrorContains(t, "unknown replica", servers[0].Verify(env))
}

func TestReplayFilter(t *testing.T) {
	f, err := wire.NewReplayFilter(8)
	require.NoError(t, err)
	env, err := wire.NewEnvelope(wire.TypeCommit, 1, 0, &wire.CommitMsg{Seq: 3})
	require.NoError(t, err)
	assert.False(t, f.Seen(env))
	assert.True(t, f.Seen(env))

	other, err := wire.NewEnvelope(wire.TypeCommit, 1, 0, &wire.CommitMsg{Seq: 4})
	require.NoError(t, err)
	assert.False(t, f.Seen(other))
}

func TestTypeNames(t *testing.T) {
	assert.Equal(t, "PRE_PREPARE", wire.TypePrePrepare.String())
	assert.Equal(t, "TC_SHARE_SMENCRYPT", wire.TypeTCShareSM.String())
	assert.Equal(t, "UNKNOWN", wire.MessageType(9999).String())
}
