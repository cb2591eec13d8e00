package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumeraProtocol/trainpool/coordinator/services/faulttolerance"
	"github.com/LumeraProtocol/trainpool/coordinator/services/reward"
	"github.com/LumeraProtocol/trainpool/p2p/kademlia"
)

func TestDefaultsMatchServiceDefaults(t *testing.T) {
	cfg := DefaultConfig()

	ft := cfg.FaultToleranceOptions()
	assert.Equal(t, faulttolerance.DefaultHealthCheckInterval, ft.HealthCheckInterval)
	assert.Equal(t, faulttolerance.DefaultSilenceThreshold, ft.SilenceThreshold)
	assert.Equal(t, faulttolerance.DefaultFailureWindow, ft.FailureWindow)
	assert.Equal(t, faulttolerance.DefaultQuarantineDuration, ft.QuarantineDuration)
	assert.Equal(t, faulttolerance.DefaultMaxFailuresPerNode, ft.MaxFailuresPerNode)
	assert.Equal(t, faulttolerance.DefaultMaxCheckpointsPerSession, ft.MaxCheckpointsPerSession)
	assert.Equal(t, faulttolerance.DefaultReconnectBaseDelay, ft.ReconnectBaseDelay)

	r := cfg.RewardOptions()
	assert.Equal(t, reward.DefaultBatchSize, r.BatchSize)
	assert.Equal(t, reward.DefaultBatchPause, r.BatchPause)
	assert.Equal(t, reward.DefaultRetryInterval, r.RetryInterval)
	assert.Zero(t, r.MaxRetryAttempts)

	opts := cfg.DHTOptions(kademlia.NodeID{}, "")
	assert.Equal(t, kademlia.K, opts.K)
	assert.Equal(t, kademlia.Alpha, opts.Alpha)
	assert.Equal(t, 24*time.Hour, opts.DefaultTTL)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)

	cfg := DefaultConfig()
	cfg.Node.ID = kademlia.NewRandomID().String()
	cfg.Node.Port = 5000
	cfg.Node.BootstrapPeers = []string{"10.0.0.1:4445", "10.0.0.2:4445"}
	cfg.Reward.MaxRetryAttempts = 24
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Node.ID, loaded.Node.ID)
	assert.Equal(t, uint16(5000), loaded.Node.Port)
	assert.Equal(t, cfg.Node.BootstrapPeers, loaded.Node.BootstrapPeers)
	assert.Equal(t, 24, loaded.RewardOptions().MaxRetryAttempts)
	assert.Equal(t, dir, loaded.BaseDir)
	assert.Equal(t, filepath.Join(dir, DefaultDataDir, DefaultLedgerFile), loaded.LedgerPath())
	assert.DirExists(t, loaded.DataDirPath())
}

func TestLoadFillsMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  port: 4600\nfault_tolerance:\n  max_failures: 5\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(4600), cfg.Node.Port)
	assert.Equal(t, DefaultListenHost, cfg.Node.ListenAddress)
	assert.Equal(t, 5, cfg.FaultToleranceOptions().MaxFailuresPerNode)
	assert.Equal(t, faulttolerance.DefaultProbeTimeout, cfg.FaultToleranceOptions().ProbeTimeout)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel())
}

func TestLoadEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.yml")
	require.NoError(t, Save(DefaultConfig(), path))
	t.Setenv("TRAINPOOL_NODE_PORT", "4700")
	t.Setenv("TRAINPOOL_REWARD_BATCH_SIZE", "25")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(4700), cfg.Node.Port)
	assert.Equal(t, 25, cfg.Reward.BatchSize)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	for name, body := range map[string]string{
		"bad id":       "node:\n  id: not-hex\n",
		"bad peer":     "node:\n  bootstrap_peers: [\"nohostport\"]\n",
		"share":        "reward:\n  base_share_percent: 120\n",
		"quality":      "fault_tolerance:\n  low_quality_threshold: 101\n",
		"negative cap": "node:\n  capacity: -1\n",
		"missing port": "node:\n  port: 0\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
