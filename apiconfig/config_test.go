package apiconfig

import (
	"testing"

	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYaml = `
env: production
api:
  port: 9090
chain:
  rpc_url: http://chain:8545
  oracle_private_key: abcd
timing:
  report_interval_blocks: 600
`

func TestReadConfigMergesFileOverDefaults(t *testing.T) {
	manager := ConfigManager{KoanProvider: rawbytes.Provider([]byte(testYaml))}
	require.NoError(t, manager.Load())
	config := manager.GetConfig()

	assert.Equal(t, 9090, config.Api.Port)
	assert.Equal(t, "http://chain:8545", config.Chain.RpcUrl)
	assert.Equal(t, uint64(600), config.Timing.ReportIntervalBlocks)
	// Untouched keys keep their defaults.
	assert.Equal(t, int64(30_000), config.Timing.MonitorIntervalMs)
	assert.Equal(t, int64(600_000), config.Timing.HeartbeatTimeoutMs)
	assert.True(t, config.IsProduction())
}

func TestFlatEnvOverridesWin(t *testing.T) {
	t.Setenv("RPC_URL", "http://override:8545")
	t.Setenv("API_PORT", "7000")
	t.Setenv("REPORT_INTERVAL_BLOCKS", "2400")
	t.Setenv("ORACLE_API_KEY", "k")

	manager := ConfigManager{KoanProvider: rawbytes.Provider([]byte(testYaml))}
	require.NoError(t, manager.Load())
	config := manager.GetConfig()

	assert.Equal(t, "http://override:8545", config.Chain.RpcUrl)
	assert.Equal(t, 7000, config.Api.Port)
	assert.Equal(t, uint64(2400), config.Timing.ReportIntervalBlocks)
	assert.Equal(t, "k", config.Api.ApiKey)
}

func TestValidateRequiresSignerKey(t *testing.T) {
	config := DefaultConfig()
	assert.Error(t, config.Validate())

	config.Chain.OraclePrivateKey = "abcd"
	assert.NoError(t, config.Validate())
}

func TestValidateProductionRequiresContractAddresses(t *testing.T) {
	config := DefaultConfig()
	config.Env = "production"
	config.Chain.OraclePrivateKey = "abcd"
	assert.Error(t, config.Validate())

	config.Chain.AgentRegistryAddress = "0x01"
	config.Chain.RewardPoolAddress = "0x02"
	config.Chain.ChallengeManagerAddress = "0x03"
	assert.NoError(t, config.Validate())
}

func TestIntervalConversions(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "30s", config.Timing.MonitorInterval().String())
	assert.Equal(t, "10m0s", config.Timing.HeartbeatTimeout().String())
	assert.Equal(t, "1m0s", config.Timing.FreshnessWindow().String())
	assert.Equal(t, "2m0s", config.Timing.NodeOfflineGrace().String())
	assert.Equal(t, "5m0s", config.Timing.ClusterMinAge().String())
}
