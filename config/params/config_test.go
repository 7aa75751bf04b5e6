package params_test

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/gridprime/gridprime/config/params"
	"github.com/gridprime/gridprime/testing/assert"
	"github.com/gridprime/gridprime/testing/require"
)

func TestQuorums(t *testing.T) {
	cfg := params.DefaultConfig()
	cfg.NumServers = 6
	cfg.Faults = 1
	cfg.Recovering = 1
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(6), cfg.MinMembership())
	assert.Equal(t, uint32(4), cfg.QuorumSize())
	assert.Equal(t, uint32(3), cfg.PrepareQuorum())
	assert.Equal(t, uint32(2), cfg.ThresholdShares())
	assert.Equal(t, uint32(3), cfg.AbortQuorum())
}

func TestValidateRejectsSmallMembership(t *testing.T) {
	cfg := params.DefaultConfig()
	cfg.NumServers = 5
	cfg.Faults = 1
	cfg.Recovering = 1
	assert.ErrorContains(t, "below 3f+2k+1", cfg.Validate())
}

func TestMinimumMembershipBoundary(t *testing.T) {
	cfg := params.DefaultConfig()
	cfg.Faults = 2
	cfg.Recovering = 1
	cfg.NumServers = 3*2 + 2*1 + 1
	require.NoError(t, cfg.Validate())
}

func TestSingleReplicaBoundary(t *testing.T) {
	cfg := params.DefaultConfig()
	cfg.Faults = 0
	cfg.Recovering = 0
	cfg.NumServers = 1
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(1), cfg.QuorumSize())
	assert.Equal(t, uint32(1), cfg.ThresholdShares())
}

func TestGcWidthClamp(t *testing.T) {
	cfg := params.DefaultConfig()
	cfg.CatchupHistory = 0
	assert.Equal(t, uint32(1), cfg.GcWidth())
	cfg.CatchupHistory = 500
	assert.Equal(t, uint32(500), cfg.GcWidth())
}

func TestLoadMembership(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "membership.yaml")
	raw := []byte(`global_config_num: 1
replicas:
  - id: 1
    site_id: 1
    addr: "127.0.0.1:7100"
    ext_addr: "127.0.0.1:8100"
    control_center: true
  - id: 2
    site_id: 1
    addr: "127.0.0.1:7101"
`)
	require.NoError(t, ioutil.WriteFile(path, raw, 0644))
	m, err := params.LoadMembership(path)
	require.NoError(t, err)
	assert.Equal(t, 2, len(m.Replicas))
	cc := m.ByID(1)
	require.NotNil(t, cc)
	assert.True(t, cc.IsCC)
	assert.Equal(t, "127.0.0.1:7100", cc.Addr)
	assert.True(t, m.ByID(3) == nil)
}

func TestLoadMembershipRejectsBadID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "membership.yaml")
	raw := []byte("replicas:\n  - id: 9\n    addr: \"x\"\n")
	require.NoError(t, ioutil.WriteFile(path, raw, 0644))
	_, err := params.LoadMembership(path)
	assert.ErrorContains(t, "invalid id", err)
}
