package threshold_test

import (
	"sync"
	"testing"

	"github.com/niclabs/tcrsa"

	"github.com/gridprime/gridprime/crypto/threshold"
	"github.com/gridprime/gridprime/testing/assert"
	"github.com/gridprime/gridprime/testing/require"
)

var (
	groupOnce sync.Once
	group     []*threshold.KeyGroup
	groupErr  error
)

// testGroup deals one small 2-of-4 group shared by every test.
func testGroup(t *testing.T) []*threshold.KeyGroup {
	groupOnce.Do(func() {
		group, groupErr = threshold.GenerateSize(512, 2, 4)
	})
	require.NoError(t, groupErr)
	return group
}

func TestExactThresholdSuffices(t *testing.T) {
	g := testGroup(t)
	doc := []byte("ordinal 17 reply payload")

	shares := make([]*tcrsa.SigShare, 0, 2)
	for i := 0; i < 2; i++ {
		s, err := g[i].SignShare(doc)
		require.NoError(t, err)
		require.NoError(t, g[3].VerifyShare(doc, s))
		shares = append(shares, s)
	}
	sig, err := g[0].Combine(doc, shares)
	require.NoError(t, err)
	require.NoError(t, g[2].VerifyFinal(doc, sig))
	require.NoError(t, threshold.VerifyDetached(g[0].Meta, doc, sig))
}

func TestBelowThresholdFails(t *testing.T) {
	g := testGroup(t)
	doc := []byte("under-threshold document")
	s, err := g[0].SignShare(doc)
	require.NoError(t, err)
	_, err = g[0].Combine(doc, []*tcrsa.SigShare{s})
	assert.ErrorContains(t, "need 2 shares", err)
}

func TestFinalRejectsWrongDocument(t *testing.T) {
	g := testGroup(t)
	doc := []byte("signed document")
	s1, err := g[0].SignShare(doc)
	require.NoError(t, err)
	s2, err := g[1].SignShare(doc)
	require.NoError(t, err)
	sig, err := g[0].Combine(doc, []*tcrsa.SigShare{s1, s2})
	require.NoError(t, err)
	assert.ErrorContains(t, "invalid threshold signature", g[0].VerifyFinal([]byte("other document"), sig))
}

func TestShareVerifyRejectsWrongDocument(t *testing.T) {
	g := testGroup(t)
	s, err := g[0].SignShare([]byte("doc a"))
	require.NoError(t, err)
	assert.ErrorContains(t, "invalid signature share", g[1].VerifyShare([]byte("doc b"), s))
}

func TestStoreLoadRoundTrip(t *testing.T) {
	g := testGroup(t)
	dir := t.TempDir()
	require.NoError(t, threshold.StoreGroups(dir, "postprime", g))

	loaded, err := threshold.LoadGroup(dir, "postprime", 2)
	require.NoError(t, err)
	doc := []byte("persisted share still signs")
	s, err := loaded.SignShare(doc)
	require.NoError(t, err)
	require.NoError(t, g[0].VerifyShare(doc, s))

	meta, err := threshold.LoadMeta(dir, "postprime")
	require.NoError(t, err)
	assert.Equal(t, g[0].Meta.K, meta.K)
	assert.Equal(t, g[0].Meta.L, meta.L)
}
