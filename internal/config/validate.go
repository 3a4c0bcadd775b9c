package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"bulkmerge/internal/options"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) fail(field, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Hint: hint})
}

func (r *ValidationResult) warn(field, message, hint string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: message, Hint: hint})
}

// Validate checks the configuration and returns fatal errors and warnings.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}
	c.Database.validate(result)
	c.Bulk.validate(result, &c.Database)
	c.Job.validate(result, &c.Bulk)
	c.Observability.validate(result)
	return result
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	switch strings.ToLower(d.Driver) {
	case "mysql", "tidb", "postgres", "postgresql", "sqlserver", "mssql", "sqlite", "sqlite3":
	default:
		result.fail("database.driver", fmt.Sprintf("unsupported driver %q", d.Driver),
			"valid values are: mysql, postgres, sqlserver, sqlite")
	}

	if d.DSN == "" {
		if d.DriverName() == "sqlite" {
			if strings.TrimSpace(d.Database) == "" {
				result.fail("database.database", "sqlite needs a database file path", "set database.database or database.dsn")
			}
		} else if d.Port < 0 || d.Port > 65535 {
			result.fail("database.port", fmt.Sprintf("port %d is out of valid range (1-65535)", d.Port), "")
		}
	} else if d.DriverName() == "mysql" {
		if _, err := d.mysqlDSN(); err != nil {
			result.fail("database.dsn", err.Error(), "use user:password@tcp(host:port)/database")
		}
	}

	d.TLS.validate(result)

	if d.Pool.MaxOpen < 0 {
		result.fail("database.pool.max_open", "max_open cannot be negative", "")
	}
	if d.Pool.MaxIdle < 0 {
		result.fail("database.pool.max_idle", "max_idle cannot be negative", "")
	}
	if d.Pool.MaxIdle > d.Pool.MaxOpen && d.Pool.MaxOpen > 0 {
		result.warn("database.pool.max_idle", "max_idle is greater than max_open",
			"idle connections will be limited to max_open")
	}
	if d.ConnectionTimeout < 0 {
		result.fail("database.connection_timeout", "connection_timeout cannot be negative", "")
	}
}

func (t *DatabaseTLSConfig) validate(result *ValidationResult) {
	validModes := map[string]bool{"": true, "off": true, "skip-verify": true, "verify-ca": true, "verify-full": true}
	if !validModes[t.Mode] {
		result.fail("database.tls.mode", fmt.Sprintf("invalid TLS mode %q", t.Mode),
			"valid values are: off, skip-verify, verify-ca, verify-full")
	}
	if t.Mode == "verify-ca" && t.CAFile == "" {
		result.fail("database.tls.ca_file", "CA file is required for verify-ca mode",
			"set database.tls.ca_file to the CA certificate")
	}
	if (t.CertFile == "") != (t.KeyFile == "") {
		result.fail("database.tls.cert_file", "both cert_file and key_file must be specified for client certificate authentication",
			"provide both cert_file and key_file, or neither")
	}
	if t.Mode == "skip-verify" {
		result.warn("database.tls.mode", "skip-verify mode does not verify server certificates",
			"use verify-ca or verify-full in production")
	}
}

func (b *BulkConfig) validate(result *ValidationResult, db *DatabaseConfig) {
	if b.BatchSize < 0 {
		result.fail("bulk.batch_size", "batch_size cannot be negative", "")
	}
	if b.Timeout < 0 {
		result.fail("bulk.timeout", "timeout cannot be negative", "")
	}
	if _, ok := options.ParseConflictPolicy(b.ConflictPolicy); !ok {
		result.fail("bulk.conflict_policy", fmt.Sprintf("invalid conflict policy %q", b.ConflictPolicy),
			"valid values are: error, replace, ignore")
	}
	if b.BulkLoad && db.DriverName() != "mysql" {
		result.warn("bulk.bulk_load", "bulk_load only changes MySQL staging",
			"other engines always use their native bulk loader")
	}
	if b.HoldLock && db.DriverName() != "sqlserver" {
		result.warn("bulk.hold_lock", "hold_lock only applies to SQL Server", "")
	}
}

func (j *JobConfig) validate(result *ValidationResult, bulk *BulkConfig) {
	kind, err := j.Kind()
	if err != nil {
		result.fail("job.operation", err.Error(), "valid values are: insert, update, upsert, sync, delete, read, truncate")
		return
	}
	if strings.TrimSpace(j.Table) == "" {
		result.fail("job.table", "table is required", "pass --table")
	}
	if kind == options.Truncate {
		return
	}
	if strings.TrimSpace(j.Input) == "" {
		result.fail("job.input", "input is required", "pass --input with a file path or - for stdin")
	}
	switch j.Format {
	case "jsonl", "csv":
	default:
		result.fail("job.format", fmt.Sprintf("invalid input format %q", j.Format), "valid values are: jsonl, csv")
	}
	if kind != options.Insert && bulk.ConflictPolicy != "" && bulk.ConflictPolicy != "error" {
		result.fail("bulk.conflict_policy", "conflict_policy only applies to insert", "")
	}
	if j.Output != "" && kind != options.Read && !bulk.RequestOutputs {
		result.warn("job.output", "output is set but bulk.request_outputs is off",
			"only read writes records without request_outputs")
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.fail("observability.logging.level", fmt.Sprintf("invalid log level %q", o.Logging.Level),
			"valid values are: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.fail("observability.logging.format", fmt.Sprintf("invalid log format %q", o.Logging.Format),
			"valid values are: json, text")
	}

	if o.MetricsEnabled {
		if _, _, err := net.SplitHostPort(o.MetricsAddr); err != nil {
			result.fail("observability.metrics_addr", fmt.Sprintf("invalid listen address %q", o.MetricsAddr),
				"use host:port or :port")
		}
	}
	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.fail("observability.trace_sample_ratio", "trace_sample_ratio must be within [0,1]", "")
	}
	if o.SQLCommenterEnabled && !o.TracingEnabled {
		result.warn("observability.sqlcommenter_enabled", "sqlcommenter requires tracing",
			"enable observability.tracing_enabled")
	}

	if o.TracingEnabled || o.Logging.ExportsEnabled {
		o.OTLP.validate("observability.otlp", result)
	}
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	validProtocols := map[string]bool{"": true, "grpc": true, "http/protobuf": true}
	if !validProtocols[o.Protocol] {
		result.fail(prefix+".protocol", fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			"valid values are: grpc, http/protobuf")
	}
	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		result.fail(prefix+".endpoint", fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint),
			"use host:port or a full URL")
	}
	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.fail(prefix+".compression", fmt.Sprintf("invalid OTLP compression %q", o.Compression),
			"valid values are: none, gzip")
	}
	if o.RetryMaxAttempts < 0 {
		result.fail(prefix+".retry_max_attempts", "retry_max_attempts cannot be negative", "")
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
