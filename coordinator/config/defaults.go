package config

// Centralized default values for configuration

const (
	DefaultBaseDir      = ".trainpool"
	DefaultConfigFile   = "config.yml"
	DefaultListenHost   = "0.0.0.0"
	DefaultPort         = 4445
	DefaultDataDir      = "data"
	DefaultLedgerFile   = "ledger.db"
	DefaultLogLevel     = "info"
	DefaultLogEnv       = "prod"
	DefaultEnvPrefix    = "TRAINPOOL"
	DefaultK            = 20
	DefaultAlpha        = 3
	DefaultRequestSecs  = 10
	DefaultMaxPeerFails = 3
)
