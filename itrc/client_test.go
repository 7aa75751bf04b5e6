package itrc

import (
	"testing"

	"github.com/niclabs/tcrsa"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/testing/assert"
	"github.com/gridprime/gridprime/testing/require"
	"github.com/gridprime/gridprime/wire"
)

func TestClientVerifiesFinal(t *testing.T) {
	groups := testGroups(t, 2, 4)
	ord := types.Ordinal{OrdNum: 9, EventIdx: 1, EventTot: 1}
	payload := []byte("reply payload")
	doc := OrdinalDoc(ord, wire.Digest(payload))
	s1, err := groups[0].SignShare(doc)
	require.NoError(t, err)
	s2, err := groups[1].SignShare(doc)
	require.NoError(t, err)
	sig, err := groups[0].Combine(doc, []*tcrsa.SigShare{s1, s2})
	require.NoError(t, err)

	var got []*wire.TCFinalMsg
	c, err := NewClient(groups[0].Meta, func(m *wire.TCFinalMsg) { got = append(got, m) })
	require.NoError(t, err)
	msg := &wire.TCFinalMsg{Ord: ord, Payload: payload, Signature: sig}
	require.NoError(t, c.ProcessFinal(msg))
	require.Equal(t, 1, len(got))

	// Replays are absorbed.
	require.NoError(t, c.ProcessFinal(msg))
	assert.Equal(t, 1, len(got))

	// A tampered payload fails verification.
	bad := &wire.TCFinalMsg{Ord: ord, Payload: []byte("forged"), Signature: sig}
	assert.ErrorContains(t, "threshold verification", c.ProcessFinal(bad))
}

func TestClientProcessRaw(t *testing.T) {
	groups := testGroups(t, 2, 4)
	ord := types.Ordinal{OrdNum: 3, EventIdx: 1, EventTot: 1}
	payload := []byte("raw frame reply")
	doc := OrdinalDoc(ord, wire.Digest(payload))
	s1, err := groups[0].SignShare(doc)
	require.NoError(t, err)
	s2, err := groups[1].SignShare(doc)
	require.NoError(t, err)
	sig, err := groups[0].Combine(doc, []*tcrsa.SigShare{s1, s2})
	require.NoError(t, err)

	count := 0
	c, err := NewClient(groups[0].Meta, func(*wire.TCFinalMsg) { count++ })
	require.NoError(t, err)
	env, err := wire.NewEnvelope(wire.TypeTCFinal, 1, 0, &wire.TCFinalMsg{Ord: ord, Payload: payload, Signature: sig})
	require.NoError(t, err)
	require.NoError(t, c.ProcessRaw(env.Encode()))
	assert.Equal(t, 1, count)

	wrong, err := wire.NewEnvelope(wire.TypeCommit, 1, 0, &wire.CommitMsg{})
	require.NoError(t, err)
	assert.ErrorContains(t, "unexpected message type", c.ProcessRaw(wrong.Encode()))
}
