// Package config holds the process-wide defaults a Station falls back to
// when its template does not specify its own value.
package config

import "time"

// Config represents the global application configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// LoggingConfig controls the ambient slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`   // debug, info, warn, error
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text"` // json or text
}

// DefaultsConfig holds the global fallbacks referenced in spec.md §5:
// "connectionTimeout (WS handshake), RPC timeout (CALL response), heartbeat
// interval, ping interval, reset time, reconnect backoff. All configurable
// via template or global config."
type DefaultsConfig struct {
	ConnectionTimeout   time.Duration `yaml:"connection_timeout" env:"CONNECTION_TIMEOUT" env-default:"30s"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout" env:"RPC_TIMEOUT" env-default:"30s"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL" env-default:"60s"`
	BootRetryInterval   time.Duration `yaml:"boot_retry_interval" env:"BOOT_RETRY_INTERVAL" env-default:"30s"`
	ResetTime           time.Duration `yaml:"reset_time" env:"RESET_TIME" env-default:"5s"`
	ReconnectBackoffMin time.Duration `yaml:"reconnect_backoff_min" env:"RECONNECT_BACKOFF_MIN" env-default:"1s"`
	ReconnectBackoffMax time.Duration `yaml:"reconnect_backoff_max" env:"RECONNECT_BACKOFF_MAX" env-default:"60s"`
	PingInterval        time.Duration `yaml:"ping_interval" env:"PING_INTERVAL" env-default:"30s"`
	MeterValueInterval  time.Duration `yaml:"meter_value_interval" env:"METER_VALUE_INTERVAL" env-default:"60s"`
}
