// Package config loads the bulkmerge CLI configuration from files, env vars
// and flags, and validates it.
//
// Precedence, highest first: explicit overrides (secrets read from files or
// a prompt), flags, BULKMERGE_* environment variables, bulkmerge.yaml,
// defaults.
package config

import (
	"fmt"

	"bulkmerge/internal/observability"
	"bulkmerge/internal/options"
)

// Kind returns the operation of the configured job.
func (j *JobConfig) Kind() (options.Kind, error) {
	kind, ok := options.ParseKind(j.Operation)
	if !ok {
		return 0, fmt.Errorf("unknown operation %q", j.Operation)
	}
	return kind, nil
}

// Options builds the per-call options of the configured job.
func (c *Config) Options() (options.Options, error) {
	policy, ok := options.ParseConflictPolicy(c.Bulk.ConflictPolicy)
	if !ok {
		return options.Options{}, fmt.Errorf("unknown conflict policy %q", c.Bulk.ConflictPolicy)
	}
	return options.Options{
		BatchSize:               c.Bulk.BatchSize,
		Timeout:                 c.Bulk.Timeout,
		PreserveInsertionOrder:  c.Bulk.PreserveInsertionOrder,
		RequestGeneratedOutputs: c.Bulk.RequestOutputs,
		CalculateStats:          c.Bulk.CalculateStats,
		MatchBy:                 c.Job.MatchBy,
		ConflictPolicy:          policy,
		PostOperationSQL:        c.Bulk.PostOperationSQL,
		SkipStaleRows:           c.Bulk.SkipStaleRows,
		KeepIdentity:            c.Bulk.KeepIdentity,
		NativeTempTable:         c.Bulk.NativeTempTable,
		HoldLock:                c.Bulk.HoldLock,
	}, nil
}

// Telemetry returns the provider settings for one signal.
func (o *ObservabilityConfig) Telemetry(signal OTLPConfig) observability.Config {
	return observability.Config{
		ServiceName:      o.ServiceName,
		ServiceVersion:   o.ServiceVersion,
		Environment:      o.Environment,
		TraceSampleRatio: o.TraceSampleRatio,
		OTLPConfig: observability.OTLPExporterConfig{
			Endpoint:          signal.Endpoint,
			Protocol:          signal.Protocol,
			Insecure:          signal.Insecure,
			TLSCertFile:       signal.TLSCertFile,
			TLSClientCertFile: signal.TLSClientCertFile,
			TLSClientKeyFile:  signal.TLSClientKeyFile,
			Headers:           signal.Headers,
			Timeout:           signal.Timeout,
			Compression:       signal.Compression,
			RetryEnabled:      signal.RetryEnabled,
			RetryMaxAttempts:  signal.RetryMaxAttempts,
		},
	}
}
