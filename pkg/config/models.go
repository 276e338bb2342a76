package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Store     StoreConfig
	Audit     AuditConfig
	LogLevel  string `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Address         string
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

// StoreConfig selects the event log backend. An empty URI selects the
// in-memory store, which keeps nothing across restarts.
type StoreConfig struct {
	MongoURI string `mapstructure:"mongoUri"`
	Database string `mapstructure:"database"`
}

type AuditConfig struct {
	BufferSize int           `mapstructure:"bufferSize"`
	MaxRetries int           `mapstructure:"maxRetries"`
	RetryDelay time.Duration `mapstructure:"retryDelay"`
}
