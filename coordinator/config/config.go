package config

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/LumeraProtocol/trainpool/coordinator/services/faulttolerance"
	"github.com/LumeraProtocol/trainpool/coordinator/services/reward"
	"github.com/LumeraProtocol/trainpool/p2p/kademlia"
	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
)

// Config represents the YAML configuration structure
type Config struct {
	Node           NodeConfig           `yaml:"node" mapstructure:"node"`
	DHT            DHTConfig            `yaml:"dht" mapstructure:"dht"`
	FaultTolerance FaultToleranceConfig `yaml:"fault_tolerance" mapstructure:"fault_tolerance"`
	Reward         RewardConfig         `yaml:"reward" mapstructure:"reward"`
	Log            LogConfig            `yaml:"log" mapstructure:"log"`

	// BaseDir is where relative paths are resolved. Not persisted.
	BaseDir string `yaml:"-" mapstructure:"-"`
}

// NodeConfig identifies the local node
type NodeConfig struct {
	// ID is the hex DHT node id; a random one is used when empty
	ID             string   `yaml:"id" mapstructure:"id"`
	ListenAddress  string   `yaml:"listen_address" mapstructure:"listen_address"`
	Port           uint16   `yaml:"port" mapstructure:"port"`
	DataDir        string   `yaml:"data_dir" mapstructure:"data_dir"`
	BootstrapPeers []string `yaml:"bootstrap_peers" mapstructure:"bootstrap_peers"`
	// KeySeed derives a stable signing key. A random key is used when empty.
	KeySeed string `yaml:"key_seed" mapstructure:"key_seed"`
	// Standby registers the node as a failover candidate
	Standby bool `yaml:"standby" mapstructure:"standby"`
	// Capacity overrides the probed host capacity when positive
	Capacity float64 `yaml:"capacity" mapstructure:"capacity"`
}

// DHTConfig tunes the routing layer. Intervals are in seconds.
type DHTConfig struct {
	K                int `yaml:"k" mapstructure:"k"`
	Alpha            int `yaml:"alpha" mapstructure:"alpha"`
	DefaultTTL       int `yaml:"default_ttl" mapstructure:"default_ttl"`
	RefreshInterval  int `yaml:"refresh_interval" mapstructure:"refresh_interval"`
	ExpiryInterval   int `yaml:"expiry_interval" mapstructure:"expiry_interval"`
	LivenessInterval int `yaml:"liveness_interval" mapstructure:"liveness_interval"`
	RequestTimeout   int `yaml:"request_timeout" mapstructure:"request_timeout"`
	MaxPeerFailures  int `yaml:"max_peer_failures" mapstructure:"max_peer_failures"`
}

// FaultToleranceConfig tunes failure handling. Durations are in seconds.
type FaultToleranceConfig struct {
	HealthCheckInterval   int     `yaml:"health_check_interval" mapstructure:"health_check_interval"`
	SilenceThreshold      int     `yaml:"silence_threshold" mapstructure:"silence_threshold"`
	PruneInterval         int     `yaml:"prune_interval" mapstructure:"prune_interval"`
	FailureWindow         int     `yaml:"failure_window" mapstructure:"failure_window"`
	FailureRetention      int     `yaml:"failure_retention" mapstructure:"failure_retention"`
	MaxFailures           int     `yaml:"max_failures" mapstructure:"max_failures"`
	QuarantineDuration    int     `yaml:"quarantine_duration" mapstructure:"quarantine_duration"`
	CheckpointInterval    int     `yaml:"checkpoint_interval" mapstructure:"checkpoint_interval"`
	CheckpointRetention   int     `yaml:"checkpoint_retention" mapstructure:"checkpoint_retention"`
	ProbeTimeout          int     `yaml:"probe_timeout" mapstructure:"probe_timeout"`
	ReconnectAttempts     int     `yaml:"reconnect_attempts" mapstructure:"reconnect_attempts"`
	ReconnectBaseDelay    int     `yaml:"reconnect_base_delay" mapstructure:"reconnect_base_delay"`
	LowQualityThreshold   float64 `yaml:"low_quality_threshold" mapstructure:"low_quality_threshold"`
	EndedSessionRetention int     `yaml:"ended_session_retention" mapstructure:"ended_session_retention"`
}

// RewardConfig tunes settlement
type RewardConfig struct {
	BatchSize        int `yaml:"batch_size" mapstructure:"batch_size"`
	BatchPauseMillis int `yaml:"batch_pause_ms" mapstructure:"batch_pause_ms"`
	// RetryInterval in seconds
	RetryInterval    int    `yaml:"retry_interval" mapstructure:"retry_interval"`
	MaxRetryAttempts int    `yaml:"max_retry_attempts" mapstructure:"max_retry_attempts"`
	SettlementRate   int    `yaml:"settlement_rate" mapstructure:"settlement_rate"`
	BaseSharePercent int64  `yaml:"base_share_percent" mapstructure:"base_share_percent"`
	LedgerPath       string `yaml:"ledger_path" mapstructure:"ledger_path"`
}

// LogConfig selects the log level and encoder
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	Env   string `yaml:"env" mapstructure:"env"`
}

func secs(d time.Duration) int {
	return int(d / time.Second)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// DefaultConfig returns a configuration holding every default
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ListenAddress: DefaultListenHost,
			Port:          DefaultPort,
			DataDir:       DefaultDataDir,
		},
		DHT: DHTConfig{
			K:                DefaultK,
			Alpha:            DefaultAlpha,
			DefaultTTL:       secs(24 * time.Hour),
			RefreshInterval:  secs(time.Minute),
			ExpiryInterval:   secs(30 * time.Second),
			LivenessInterval: secs(2 * time.Minute),
			RequestTimeout:   DefaultRequestSecs,
			MaxPeerFailures:  DefaultMaxPeerFails,
		},
		FaultTolerance: FaultToleranceConfig{
			HealthCheckInterval:   secs(faulttolerance.DefaultHealthCheckInterval),
			SilenceThreshold:      secs(faulttolerance.DefaultSilenceThreshold),
			PruneInterval:         secs(faulttolerance.DefaultPruneInterval),
			FailureWindow:         secs(faulttolerance.DefaultFailureWindow),
			FailureRetention:      secs(faulttolerance.DefaultFailureRetention),
			MaxFailures:           faulttolerance.DefaultMaxFailuresPerNode,
			QuarantineDuration:    secs(faulttolerance.DefaultQuarantineDuration),
			CheckpointInterval:    secs(faulttolerance.DefaultCheckpointInterval),
			CheckpointRetention:   faulttolerance.DefaultMaxCheckpointsPerSession,
			ProbeTimeout:          secs(faulttolerance.DefaultProbeTimeout),
			ReconnectAttempts:     faulttolerance.DefaultReconnectAttempts,
			ReconnectBaseDelay:    secs(faulttolerance.DefaultReconnectBaseDelay),
			LowQualityThreshold:   faulttolerance.DefaultLowQualityThreshold,
			EndedSessionRetention: secs(faulttolerance.DefaultEndedSessionRetention),
		},
		Reward: RewardConfig{
			BatchSize:        reward.DefaultBatchSize,
			BatchPauseMillis: int(reward.DefaultBatchPause / time.Millisecond),
			RetryInterval:    secs(reward.DefaultRetryInterval),
			SettlementRate:   reward.DefaultSettlementRate,
			BaseSharePercent: reward.DefaultBaseSharePercent,
			LedgerPath:       DefaultLedgerFile,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
			Env:   DefaultLogEnv,
		},
	}
}

// Load reads the YAML file at path over the defaults. Keys can be
// overridden from the environment, e.g. TRAINPOOL_NODE_PORT.
func Load(path string) (*Config, error) {
	ctx := context.Background()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("error getting absolute path for config file: %w", err)
	}
	logtrace.Info(ctx, "Loading configuration", logtrace.Fields{"path": absPath})

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file %s does not exist", absPath)
	}

	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load config defaults: %w", err)
	}
	v.SetConfigFile(absPath)
	if err := v.MergeInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", absPath, err)
	}
	v.SetEnvPrefix(DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.BaseDir = filepath.Dir(absPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDirPath(), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logtrace.Info(ctx, "Configuration loaded successfully", logtrace.Fields{
		"node_id":   cfg.Node.ID,
		"listen":    cfg.ListenAddr(),
		"bootstrap": len(cfg.Node.BootstrapPeers),
	})
	return &cfg, nil
}

// Save writes cfg to path as YAML
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the values that have no usable default
func (c *Config) Validate() error {
	if c.Node.ID != "" {
		if _, err := kademlia.ParseID(c.Node.ID); err != nil {
			return fmt.Errorf("node.id: %w", err)
		}
	}
	if c.Node.Port == 0 {
		return fmt.Errorf("node.port is required")
	}
	if c.Node.Capacity < 0 {
		return fmt.Errorf("node.capacity must not be negative")
	}
	if c.Reward.BaseSharePercent < 0 || c.Reward.BaseSharePercent > 100 {
		return fmt.Errorf("reward.base_share_percent must be within 0-100")
	}
	if c.FaultTolerance.LowQualityThreshold < 0 || c.FaultTolerance.LowQualityThreshold > 100 {
		return fmt.Errorf("fault_tolerance.low_quality_threshold must be within 0-100")
	}
	for _, peer := range c.Node.BootstrapPeers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return fmt.Errorf("bootstrap peer %q: %w", peer, err)
		}
	}
	return nil
}

// ListenAddr returns host:port of the DHT listener
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Node.ListenAddress, strconv.Itoa(int(c.Node.Port)))
}

// DataDirPath returns the absolute data directory
func (c *Config) DataDirPath() string {
	return c.resolve(c.Node.DataDir)
}

// LedgerPath returns the absolute path of the reward ledger database
func (c *Config) LedgerPath() string {
	p := c.Reward.LedgerPath
	if p == "" {
		p = DefaultLedgerFile
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDirPath(), p)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) || c.BaseDir == "" {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

// DHTOptions converts the dht section
func (c *Config) DHTOptions(id kademlia.NodeID, address string) kademlia.Options {
	return kademlia.Options{
		ID:               id,
		Address:          address,
		K:                c.DHT.K,
		Alpha:            c.DHT.Alpha,
		DefaultTTL:       seconds(c.DHT.DefaultTTL),
		RefreshInterval:  seconds(c.DHT.RefreshInterval),
		ExpiryInterval:   seconds(c.DHT.ExpiryInterval),
		LivenessInterval: seconds(c.DHT.LivenessInterval),
		MaxPeerFailures:  c.DHT.MaxPeerFailures,
	}
}

// RequestTimeout returns the per-RPC timeout of the DHT network
func (c *Config) RequestTimeout() time.Duration {
	return seconds(c.DHT.RequestTimeout)
}

// FaultToleranceOptions converts the fault_tolerance section
func (c *Config) FaultToleranceOptions() faulttolerance.Config {
	ft := c.FaultTolerance
	return faulttolerance.Config{
		MaxFailuresPerNode:       ft.MaxFailures,
		FailureWindow:            seconds(ft.FailureWindow),
		QuarantineDuration:       seconds(ft.QuarantineDuration),
		FailureRetention:         seconds(ft.FailureRetention),
		HealthCheckInterval:      seconds(ft.HealthCheckInterval),
		SilenceThreshold:         seconds(ft.SilenceThreshold),
		PruneInterval:            seconds(ft.PruneInterval),
		ProbeTimeout:             seconds(ft.ProbeTimeout),
		ReconnectAttempts:        ft.ReconnectAttempts,
		ReconnectBaseDelay:       seconds(ft.ReconnectBaseDelay),
		MaxCheckpointsPerSession: ft.CheckpointRetention,
		CheckpointInterval:       seconds(ft.CheckpointInterval),
		EndedSessionRetention:    seconds(ft.EndedSessionRetention),
		LowQualityThreshold:      ft.LowQualityThreshold,
	}
}

// RewardOptions converts the reward section
func (c *Config) RewardOptions() reward.Config {
	r := c.Reward
	return reward.Config{
		BatchSize:        r.BatchSize,
		BatchPause:       time.Duration(r.BatchPauseMillis) * time.Millisecond,
		RetryInterval:    seconds(r.RetryInterval),
		MaxRetryAttempts: r.MaxRetryAttempts,
		SettlementRate:   r.SettlementRate,
		BaseSharePercent: r.BaseSharePercent,
	}
}

// LogLevel returns the configured level, info when unset
func (c *Config) LogLevel() string {
	if c.Log.Level == "" {
		return DefaultLogLevel
	}
	return c.Log.Level
}
