package config

import (
	"time"
)

// Config holds the configuration of the bulkmerge CLI.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Bulk          BulkConfig          `mapstructure:"bulk"`
	Job           JobConfig           `mapstructure:"job"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// PoolConfig holds connection pool parameters.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// DatabaseTLSConfig holds TLS settings for the database connection.
type DatabaseTLSConfig struct {
	// Mode controls TLS behavior:
	//   - "off": plaintext
	//   - "skip-verify": TLS without server certificate verification
	//   - "verify-ca": TLS with CA verification but no hostname check
	//   - "verify-full": TLS with full verification including hostname
	Mode string `mapstructure:"mode"`
	// CAFile is required for verify-ca and verify-full.
	CAFile   string `mapstructure:"ca_file"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// ServerName overrides the host name checked in verify-full mode.
	ServerName string `mapstructure:"server_name"`
}

// DatabaseConfig holds database connection parameters.
type DatabaseConfig struct {
	// Driver selects both the database/sql driver and the dialect adapter:
	// mysql, postgres, sqlserver or sqlite.
	Driver string `mapstructure:"driver"`
	// DSN is a complete driver-specific data source name. When set it
	// overrides the discrete connection fields.
	DSN string `mapstructure:"dsn"`
	// DSNFile is read into DSN; "@-" reads stdin.
	DSNFile string `mapstructure:"dsn_file"`

	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PasswordFile   string `mapstructure:"password_file"`
	PasswordPrompt bool   `mapstructure:"password_prompt"`
	// Database is the database name, or the file path for sqlite.
	Database string `mapstructure:"database"`

	TLS  DatabaseTLSConfig `mapstructure:"tls"`
	Pool PoolConfig        `mapstructure:"pool"`

	// ConnectionTimeout bounds the initial ping.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	// SessionSetup statements run on the pinned connection of every call.
	SessionSetup []string `mapstructure:"session_setup"`
}

// BulkConfig holds the defaults of every bulk call made by the CLI.
type BulkConfig struct {
	BatchSize              int           `mapstructure:"batch_size"`
	Timeout                time.Duration `mapstructure:"timeout"`
	PreserveInsertionOrder bool          `mapstructure:"preserve_insertion_order"`
	RequestOutputs         bool          `mapstructure:"request_outputs"`
	CalculateStats         bool          `mapstructure:"calculate_stats"`
	NativeTempTable        bool          `mapstructure:"native_temp_table"`
	HoldLock               bool          `mapstructure:"hold_lock"`
	// BulkLoad enables LOAD DATA LOCAL INFILE staging on MySQL.
	BulkLoad       bool   `mapstructure:"bulk_load"`
	KeepIdentity   bool   `mapstructure:"keep_identity"`
	SkipStaleRows  bool   `mapstructure:"skip_stale_rows"`
	ConflictPolicy string `mapstructure:"conflict_policy"` // error, replace, ignore
	// PostOperationSQL runs inside the transaction after the merge.
	PostOperationSQL string `mapstructure:"post_operation_sql"`
}

// JobConfig describes the load run by the CLI.
type JobConfig struct {
	Table     string   `mapstructure:"table"`
	Schema    string   `mapstructure:"schema"`
	Operation string   `mapstructure:"operation"`
	Input     string   `mapstructure:"input"`  // file path or "-" for stdin
	Format    string   `mapstructure:"format"` // jsonl, csv
	MatchBy   []string `mapstructure:"match_by"`
	// Output receives records read back or written back, as JSON lines.
	// "-" is stdout; empty disables output.
	Output string `mapstructure:"output"`
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`           // debug, info, warn, error
	Format         string `mapstructure:"format"`          // json, text
	ExportsEnabled bool   `mapstructure:"exports_enabled"` // Enable OTLP log export
}

// ObservabilityConfig holds observability parameters.
type ObservabilityConfig struct {
	ServiceName         string        `mapstructure:"service_name"`
	ServiceVersion      string        `mapstructure:"service_version"`
	Environment         string        `mapstructure:"environment"`
	MetricsEnabled      bool          `mapstructure:"metrics_enabled"`
	MetricsAddr         string        `mapstructure:"metrics_addr"`
	TracingEnabled      bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio    float64       `mapstructure:"trace_sample_ratio"`
	SQLCommenterEnabled bool          `mapstructure:"sqlcommenter_enabled"` // Inject trace context into SQL queries
	Logging             LoggingConfig `mapstructure:"logging"`

	// Global OTLP settings (defaults for all signals)
	OTLP OTLPConfig `mapstructure:"otlp"`

	// Signal-specific overrides (optional)
	Traces *OTLPConfig `mapstructure:"traces,omitempty"`
	Logs   *OTLPConfig `mapstructure:"logs,omitempty"`
}

// OTLPConfig holds OTLP exporter configuration
type OTLPConfig struct {
	Endpoint          string            `mapstructure:"endpoint"`
	Protocol          string            `mapstructure:"protocol"` // "grpc", "http/protobuf"
	Insecure          bool              `mapstructure:"insecure"`
	TLSCertFile       string            `mapstructure:"tls_cert_file"`
	TLSClientCertFile string            `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string            `mapstructure:"tls_client_key_file"`
	Headers           map[string]string `mapstructure:"headers"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Compression       string            `mapstructure:"compression"` // "none", "gzip"
	RetryEnabled      bool              `mapstructure:"retry_enabled"`
	RetryMaxAttempts  int               `mapstructure:"retry_max_attempts"`
}

// GetTracesConfig returns the effective OTLP config for traces
func (c *ObservabilityConfig) GetTracesConfig() OTLPConfig {
	if c.Traces != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Traces)
	}
	return c.OTLP
}

// GetLogsConfig returns the effective OTLP config for logs
func (c *ObservabilityConfig) GetLogsConfig() OTLPConfig {
	if c.Logs != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Logs)
	}
	return c.OTLP
}

// mergeOTLPConfigs lays the set fields of a signal override over the global settings.
func mergeOTLPConfigs(base OTLPConfig, override OTLPConfig) OTLPConfig {
	result := base

	if override.Endpoint != "" {
		result.Endpoint = override.Endpoint
	}
	if override.Protocol != "" {
		result.Protocol = override.Protocol
	}
	// An explicit override section always decides Insecure.
	result.Insecure = override.Insecure

	if override.TLSCertFile != "" {
		result.TLSCertFile = override.TLSCertFile
	}
	if override.TLSClientCertFile != "" {
		result.TLSClientCertFile = override.TLSClientCertFile
	}
	if override.TLSClientKeyFile != "" {
		result.TLSClientKeyFile = override.TLSClientKeyFile
	}
	if override.Headers != nil {
		result.Headers = make(map[string]string, len(base.Headers)+len(override.Headers))
		for k, v := range base.Headers {
			result.Headers[k] = v
		}
		for k, v := range override.Headers {
			result.Headers[k] = v
		}
	}
	if override.Timeout != 0 {
		result.Timeout = override.Timeout
	}
	if override.Compression != "" {
		result.Compression = override.Compression
	}
	if override.RetryMaxAttempts != 0 {
		result.RetryEnabled = override.RetryEnabled
		result.RetryMaxAttempts = override.RetryMaxAttempts
	}
	return result
}
