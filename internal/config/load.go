package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

const envPrefix = "BULKMERGE"

// jobFlags are short flag names for the job section.
var jobFlags = map[string]string{
	"table":     "job.table",
	"schema":    "job.schema",
	"operation": "job.operation",
	"input":     "job.input",
	"format":    "job.format",
	"match-by":  "job.match_by",
	"output":    "job.output",
}

var defineFlagsOnce sync.Once

// stdin is swapped by tests.
var stdin io.Reader = os.Stdin

// Load loads configuration from the process command line.
func Load() (*Config, error) {
	defineFlagsOnce.Do(func() { defineFlags(pflag.CommandLine) })
	if !pflag.Parsed() {
		pflag.Parse()
	}
	return load(pflag.CommandLine)
}

// LoadFlags loads configuration from args parsed with a fresh flag set.
func LoadFlags(args []string) (*Config, *pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("bulkmerge", pflag.ContinueOnError)
	defineFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	cfg, err := load(fs)
	return cfg, fs, err
}

func load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	cfgPath, _ := fs.GetString("config")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("bulkmerge")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/bulkmerge/")
		v.AddConfigPath("$HOME/.bulkmerge")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if cfgPath != "" {
			return nil, fmt.Errorf("failed to read config file %q: %w", cfgPath, err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Env vars: BULKMERGE_DATABASE_POOL_MAX_OPEN
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	bindChangedFlagsToViper(fs, v)
	if err := validateSingleStdinSource(v); err != nil {
		return nil, err
	}

	if v.GetString("database.dsn") == "" && v.GetString("database.dsn_file") != "" {
		dsn, err := readSecretFile(v.GetString("database.dsn_file"))
		if err != nil {
			return nil, fmt.Errorf("failed to read database DSN file: %w", err)
		}
		v.Set("database.dsn", dsn)
	}
	if v.GetString("database.password") == "" && v.GetString("database.password_file") != "" {
		pwd, err := readSecretFile(v.GetString("database.password_file"))
		if err != nil {
			return nil, fmt.Errorf("failed to read database password file: %w", err)
		}
		v.Set("database.password", pwd)
	}
	if v.GetString("database.password") == "" && v.GetBool("database.password_prompt") {
		pwd, err := promptPassword()
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		v.Set("database.password", pwd)
	}

	// YAML turns an unquoted off into a boolean.
	if raw := v.Get("database.tls.mode"); raw != nil {
		if b, ok := raw.(bool); ok {
			mode := "off"
			if b {
				mode = "verify-full"
			}
			v.Set("database.tls.mode", mode)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(
		&cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				stringToStringSliceHookFunc(","),
			),
		),
	); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// bindChangedFlagsToViper copies only explicitly-set flags into Viper,
// preserving precedence: flags > env > file > defaults.
func bindChangedFlagsToViper(fs *pflag.FlagSet, v *viper.Viper) {
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "version" {
			return
		}
		key := f.Name
		if alias, ok := jobFlags[key]; ok {
			key = alias
		}

		switch f.Value.Type() {
		case "string":
			val, _ := fs.GetString(f.Name)
			v.Set(key, val)
		case "int":
			val, _ := fs.GetInt(f.Name)
			v.Set(key, val)
		case "bool":
			val, _ := fs.GetBool(f.Name)
			v.Set(key, val)
		case "float64":
			val, _ := fs.GetFloat64(f.Name)
			v.Set(key, val)
		case "duration":
			val, _ := fs.GetDuration(f.Name)
			v.Set(key, val)
		case "stringSlice":
			val, _ := fs.GetStringSlice(f.Name)
			v.Set(key, val)
		default:
			v.Set(key, f.Value.String())
		}
	})
}

// defineFlags defines the job flags and the canonical snake_case config flags.
func defineFlags(fs *pflag.FlagSet) {
	fs.String("table", "", "Target table")
	fs.String("schema", "", "Schema of the target table")
	fs.String("operation", "", "Operation: insert, update, upsert, sync, delete, read, truncate")
	fs.StringP("input", "i", "", "Input file, or - for stdin")
	fs.String("format", "", "Input format: jsonl, csv")
	fs.StringSlice("match-by", nil, "Columns that match input records to table rows (comma-separated or repeated)")
	fs.StringP("output", "o", "", "Write read-back or generated values as JSON lines to this file, or - for stdout")

	fs.String("database.driver", "", "Database driver: mysql, postgres, sqlserver, sqlite")
	fs.String("database.dsn", "", "Driver data source name (overrides discrete fields)")
	fs.String("database.dsn_file", "", "Path to file containing the DSN (use @- for stdin)")
	fs.String("database.host", "", "Database host")
	fs.Int("database.port", 0, "Database port")
	fs.String("database.user", "", "Database user")
	fs.String("database.password", "", "Database password")
	fs.String("database.password_file", "", "Path to file containing database password (use @- for stdin)")
	fs.Bool("database.password_prompt", false, "Prompt for database password securely")
	fs.String("database.database", "", "Database name, or file path for sqlite")
	fs.String("database.tls.mode", "", "TLS mode: off, skip-verify, verify-ca, verify-full")
	fs.String("database.tls.ca_file", "", "CA certificate for server verification")
	fs.String("database.tls.cert_file", "", "Client certificate for mTLS")
	fs.String("database.tls.key_file", "", "Client key for mTLS")
	fs.String("database.tls.server_name", "", "Server name override for verify-full")
	fs.Int("database.pool.max_open", 0, "Maximum open database connections")
	fs.Int("database.pool.max_idle", 0, "Maximum idle connections in pool")
	fs.Duration("database.pool.max_lifetime", 0, "Connection max lifetime (e.g. 5m, 30s)")
	fs.Duration("database.connection_timeout", 0, "Maximum time to wait for the database on startup")
	fs.StringSlice("database.session_setup", nil, "Statements run on the connection of every call")

	fs.Int("bulk.batch_size", 0, "Rows per staging batch")
	fs.Duration("bulk.timeout", 0, "Timeout of the bulk call")
	fs.Bool("bulk.preserve_insertion_order", false, "Write outputs back onto input records in input order")
	fs.Bool("bulk.request_outputs", false, "Read back generated identities, defaults and computed columns")
	fs.Bool("bulk.calculate_stats", false, "Report inserted, updated and deleted counts")
	fs.Bool("bulk.native_temp_table", false, "Stage into an engine-native temporary table")
	fs.Bool("bulk.hold_lock", false, "Hold range locks on the target during the merge")
	fs.Bool("bulk.bulk_load", false, "Stage through the engine bulk loader where optional (MySQL LOAD DATA)")
	fs.Bool("bulk.keep_identity", false, "Write identity values from the input as-is")
	fs.Bool("bulk.skip_stale_rows", false, "Skip rows whose concurrency token is stale")
	fs.String("bulk.conflict_policy", "", "Insert conflict policy: error, replace, ignore")
	fs.String("bulk.post_operation_sql", "", "SQL run in the transaction after the merge")

	fs.String("observability.service_name", "", "Service name for observability")
	fs.String("observability.service_version", "", "Service version for observability")
	fs.String("observability.environment", "", "Environment name (dev, staging, prod)")
	fs.Bool("observability.metrics_enabled", false, "Enable metrics collection")
	fs.String("observability.metrics_addr", "", "Listen address of the Prometheus /metrics endpoint")
	fs.Bool("observability.tracing_enabled", false, "Enable distributed tracing")
	fs.Float64("observability.trace_sample_ratio", 0, "Trace sampling ratio in [0,1]")
	fs.Bool("observability.sqlcommenter_enabled", false, "Inject trace context into SQL queries")
	fs.String("observability.logging.level", "", "Log level (debug, info, warn, error)")
	fs.String("observability.logging.format", "", "Log format (json, text)")
	fs.Bool("observability.logging.exports_enabled", false, "Enable OTLP log export")
	fs.String("observability.otlp.endpoint", "", "OTLP endpoint for all signals (e.g., localhost:4317)")
	fs.String("observability.otlp.protocol", "", "OTLP protocol for all signals (grpc, http/protobuf)")
	fs.Bool("observability.otlp.insecure", false, "Use insecure connection (no TLS)")
	fs.String("observability.otlp.tls_cert_file", "", "Path to TLS certificate file for server verification")
	fs.String("observability.otlp.tls_client_cert_file", "", "Path to client certificate file for mTLS")
	fs.String("observability.otlp.tls_client_key_file", "", "Path to client key file for mTLS")
	fs.Duration("observability.otlp.timeout", 0, "OTLP export timeout")
	fs.String("observability.otlp.compression", "", "OTLP compression (none, gzip)")
	fs.Bool("observability.otlp.retry_enabled", false, "Enable retry on transient errors")
	fs.Int("observability.otlp.retry_max_attempts", 0, "Maximum retry attempts")

	fs.StringP("config", "c", "", "Config file path")
	fs.Bool("version", false, "Print version and exit")
}

// setDefaults sets default values (lowest precedence).
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.dsn_file", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.password_file", "")
	v.SetDefault("database.password_prompt", false)
	v.SetDefault("database.database", "")
	v.SetDefault("database.tls.mode", "off")
	v.SetDefault("database.tls.ca_file", "")
	v.SetDefault("database.tls.cert_file", "")
	v.SetDefault("database.tls.key_file", "")
	v.SetDefault("database.tls.server_name", "")
	// A bulk call pins one connection; the pool stays small.
	v.SetDefault("database.pool.max_open", 4)
	v.SetDefault("database.pool.max_idle", 2)
	v.SetDefault("database.pool.max_lifetime", 5*time.Minute)
	v.SetDefault("database.connection_timeout", 30*time.Second)
	v.SetDefault("database.session_setup", []string{})

	v.SetDefault("bulk.batch_size", 2000)
	v.SetDefault("bulk.timeout", time.Duration(0))
	v.SetDefault("bulk.preserve_insertion_order", true)
	v.SetDefault("bulk.request_outputs", false)
	v.SetDefault("bulk.calculate_stats", true)
	v.SetDefault("bulk.native_temp_table", false)
	v.SetDefault("bulk.hold_lock", false)
	v.SetDefault("bulk.bulk_load", false)
	v.SetDefault("bulk.keep_identity", false)
	v.SetDefault("bulk.skip_stale_rows", false)
	v.SetDefault("bulk.conflict_policy", "error")
	v.SetDefault("bulk.post_operation_sql", "")

	v.SetDefault("job.table", "")
	v.SetDefault("job.schema", "")
	v.SetDefault("job.operation", "upsert")
	v.SetDefault("job.input", "-")
	v.SetDefault("job.format", "jsonl")
	v.SetDefault("job.match_by", []string{})
	v.SetDefault("job.output", "")

	v.SetDefault("observability.service_name", "bulkmerge")
	v.SetDefault("observability.service_version", "")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.metrics_enabled", false)
	v.SetDefault("observability.metrics_addr", ":9464")
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.trace_sample_ratio", 1.0)
	v.SetDefault("observability.sqlcommenter_enabled", false)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "text")
	v.SetDefault("observability.logging.exports_enabled", false)
	v.SetDefault("observability.otlp.endpoint", "localhost:4317")
	v.SetDefault("observability.otlp.protocol", "grpc")
	v.SetDefault("observability.otlp.insecure", false)
	v.SetDefault("observability.otlp.tls_cert_file", "")
	v.SetDefault("observability.otlp.tls_client_cert_file", "")
	v.SetDefault("observability.otlp.tls_client_key_file", "")
	v.SetDefault("observability.otlp.timeout", 10*time.Second)
	v.SetDefault("observability.otlp.compression", "gzip")
	v.SetDefault("observability.otlp.retry_enabled", true)
	v.SetDefault("observability.otlp.retry_max_attempts", 3)
}

// promptPassword prompts the user for a password without echoing to terminal.
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Enter database password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(bytePassword), nil
}

func readSecretFile(path string) (string, error) {
	var data []byte
	var err error

	if path == "@-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// validateSingleStdinSource rejects configurations where more than one
// setting would consume stdin, including job input "-".
func validateSingleStdinSource(v *viper.Viper) error {
	var configured []string
	for _, key := range []string{"database.dsn_file", "database.password_file"} {
		if strings.TrimSpace(v.GetString(key)) == "@-" {
			configured = append(configured, key)
		}
	}
	if strings.TrimSpace(v.GetString("job.input")) == "-" && !noInput(v.GetString("job.operation")) {
		configured = append(configured, "job.input")
	}
	if v.GetBool("database.password_prompt") && v.GetString("database.password") == "" &&
		v.GetString("database.password_file") == "" {
		configured = append(configured, "database.password_prompt")
	}

	if len(configured) > 1 {
		return fmt.Errorf(
			"multiple settings read stdin (%s); only one stdin source is allowed",
			strings.Join(configured, ", "),
		)
	}
	return nil
}

// noInput reports whether the operation reads no records.
func noInput(operation string) bool {
	return strings.EqualFold(strings.TrimSpace(operation), "truncate")
}

func stringToStringSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}

		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}

		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}
