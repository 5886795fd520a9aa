package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNodeID = "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1"

func TestDefaultProducesValidConfigOnceNodeIdentitySet(t *testing.T) {
	cfg := Default()
	cfg.Node.ID = testNodeID
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingNodeID(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsMalformedNodeID(t *testing.T) {
	cfg := Default()
	cfg.Node.ID = "not-hex"
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsSQLBackendWithoutDSN(t *testing.T) {
	cfg := Default()
	cfg.Node.ID = testNodeID
	cfg.Storage.Kind = StorageSQL
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestLoadMergesOverridesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	yamlContent := `
node:
  id: ` + testNodeID + `
  bind_addr: 10.0.0.5:7950
  region: us-east
epidemic:
  fanout: 6
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, testNodeID, cfg.Node.ID)
	assert.Equal(t, "10.0.0.5:7950", cfg.Node.BindAddr)
	assert.Equal(t, "us-east", cfg.Node.Region)
	assert.Equal(t, 6, cfg.Epidemic.Fanout)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().Epidemic.GossipInterval, cfg.Epidemic.GossipInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadReturnsErrorForInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node: [unterminated"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestConvertersPreserveOverriddenValues(t *testing.T) {
	cfg := Default()
	cfg.Node.ID = testNodeID
	cfg.Topology.BucketSize = 40
	cfg.Cluster.MaxNodes = 4
	cfg.Reconcile.MaxConcurrent = 8

	assert.Equal(t, 40, cfg.TopologyConfig().BucketSize)
	assert.Equal(t, 4, cfg.ClusterConfig().MaxNodes)
	assert.Equal(t, 8, cfg.ReconcileConfig().MaxConcurrent)
	assert.Equal(t, testNodeID, cfg.EpidemicConfig().NodeID)
}
