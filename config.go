package dbglue

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/stackhaven/dbglue/dialect"
)

// Config holds database configuration. It is a plain value: copy it freely,
// compare it with ==, and treat a constructed Config as immutable.
type Config struct {
	// Connection
	Dialect    dialect.Dialect // database vendor (required)
	DriverName string          // database/sql driver name; derived from Dialect when empty
	URL        string          // connection string / DSN (required)
	User       string
	Password   string
	Schema     string

	// Pool settings
	MaxOpenConns    int           // Max open connections (default: 25)
	MaxIdleConns    int           // Max idle connections (default: 5)
	ConnMaxLifetime time.Duration // Max connection lifetime (default: 5m)
	ConnMaxIdleTime time.Duration // Max idle time (default: 1m)

	// Timeouts
	DialTimeout  time.Duration // Connection dial timeout (default: 5s)
	ReadTimeout  time.Duration // Read timeout, PostgreSQL only (default: 30s)
	WriteTimeout time.Duration // Write timeout, PostgreSQL only (default: 30s)

	// Execution-time warning: observational only, fired after the fact.
	ExecutionWarnEnabled   bool
	ExecutionWarnThreshold time.Duration // default: 1s when enabled

	// Debug logging flags
	DebugConnections  bool // log connection open/close
	DebugTransactions bool // log begin/commit/rollback
	DebugSQL          bool // log statement text before execution

	// Observability (all optional)
	Logger          *slog.Logger          // Structured logger
	MetricsRegistry prometheus.Registerer // Prometheus registry for metrics
	Tracer          trace.Tracer          // OpenTelemetry tracer
}

// DefaultConfig returns sensible defaults for the given dialect and URL
func DefaultConfig(d dialect.Dialect, url string) Config {
	return Config{
		Dialect:                d,
		DriverName:             dialect.DriverName(d),
		URL:                    url,
		MaxOpenConns:           25,
		MaxIdleConns:           5,
		ConnMaxLifetime:        5 * time.Minute,
		ConnMaxIdleTime:        1 * time.Minute,
		DialTimeout:            5 * time.Second,
		ReadTimeout:            30 * time.Second,
		WriteTimeout:           30 * time.Second,
		ExecutionWarnThreshold: time.Second,
	}
}

// applyDefaults fills in zero values with defaults
func (c *Config) applyDefaults() {
	if c.DriverName == "" {
		c.DriverName = dialect.DriverName(c.Dialect)
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 1 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ExecutionWarnThreshold == 0 {
		c.ExecutionWarnThreshold = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// WithCredentials sets user and password
func (c Config) WithCredentials(user, password string) Config {
	c.User = user
	c.Password = password
	return c
}

// WithSchema sets the default schema
func (c Config) WithSchema(schema string) Config {
	c.Schema = schema
	return c
}

// WithLogger sets the structured logger
func (c Config) WithLogger(logger *slog.Logger) Config {
	c.Logger = logger
	return c
}

// WithExecutionWarning enables the slow-execution warning past threshold
func (c Config) WithExecutionWarning(threshold time.Duration) Config {
	c.ExecutionWarnEnabled = true
	c.ExecutionWarnThreshold = threshold
	return c
}

// WithDebug sets the three debug logging flags
func (c Config) WithDebug(connections, transactions, sql bool) Config {
	c.DebugConnections = connections
	c.DebugTransactions = transactions
	c.DebugSQL = sql
	return c
}

// WithMetrics enables Prometheus metrics
func (c Config) WithMetrics(registry prometheus.Registerer) Config {
	c.MetricsRegistry = registry
	return c
}

// WithTracing enables OpenTelemetry tracing
func (c Config) WithTracing(tracer trace.Tracer) Config {
	c.Tracer = tracer
	return c
}

// Settings is a read-only key/value configuration store. Implementations
// return the raw string for a key and whether the key is present.
type Settings interface {
	String(key string) (string, bool)
}

// MapSettings adapts a plain map to the Settings interface
type MapSettings map[string]string

func (m MapSettings) String(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// LoadYAMLSettings reads a YAML file and flattens nested mappings into
// dot-separated keys, so "db: {url: x}" resolves as "db.url".
func LoadYAMLSettings(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dbglue: reading settings file: %w", err)
	}

	var root map[string]any
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("dbglue: parsing settings file: %w", err)
	}

	flat := make(MapSettings)
	flatten("", root, flat)
	return flat, nil
}

func flatten(prefix string, node map[string]any, out MapSettings) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(key, child, out)
			continue
		}
		out[key] = fmt.Sprint(v)
	}
}

// Sub-keys resolved by LoadConfig under the caller-supplied prefix.
const (
	keyDatabaseType       = "database-type"
	keyDriver             = "driver"
	keyURL                = "url"
	keyUser               = "user"
	keyPassword           = "password"
	keySchema             = "schema"
	keyExecWarnEnabled    = "execution-time-warning.enabled"
	keyExecWarnMillis     = "execution-time-warning.ms"
	keyDebugConnections   = "debug.connections"
	keyDebugTransactions  = "debug.transactions"
	keyDebugSQL           = "debug.sql"
	keyMigEnabled         = "enabled"
	keyMigURL             = "jdbc.url"
	keyMigUser            = "jdbc.user"
	keyMigPassword        = "jdbc.password"
	keyMigSchemaCreate    = "jdbc.schema-create"
	keyMigBaselineVersion = "baseline.version"
)

// LoadConfig resolves a Config from the settings store under the given key
// prefix. Missing keys keep their zero value; defaults are applied when the
// connector or manager consumes the Config, not here, so the loaded value
// stays comparable to what the store holds.
func LoadConfig(s Settings, prefix string) (Config, error) {
	var cfg Config

	if v, ok := lookup(s, prefix, keyDatabaseType); ok {
		cfg.Dialect = dialect.Dialect(v)
	}
	if v, ok := lookup(s, prefix, keyDriver); ok {
		cfg.DriverName = v
	}
	if v, ok := lookup(s, prefix, keyURL); ok {
		cfg.URL = v
	}
	if v, ok := lookup(s, prefix, keyUser); ok {
		cfg.User = v
	}
	if v, ok := lookup(s, prefix, keyPassword); ok {
		cfg.Password = v
	}
	if v, ok := lookup(s, prefix, keySchema); ok {
		cfg.Schema = v
	}

	var err error
	if cfg.ExecutionWarnEnabled, err = lookupBool(s, prefix, keyExecWarnEnabled); err != nil {
		return Config{}, err
	}
	if v, ok := lookup(s, prefix, keyExecWarnMillis); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("dbglue: invalid %s.%s: %w", prefix, keyExecWarnMillis, err)
		}
		cfg.ExecutionWarnThreshold = time.Duration(ms) * time.Millisecond
	}
	if cfg.DebugConnections, err = lookupBool(s, prefix, keyDebugConnections); err != nil {
		return Config{}, err
	}
	if cfg.DebugTransactions, err = lookupBool(s, prefix, keyDebugTransactions); err != nil {
		return Config{}, err
	}
	if cfg.DebugSQL, err = lookupBool(s, prefix, keyDebugSQL); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func lookup(s Settings, prefix, key string) (string, bool) {
	if prefix != "" {
		key = prefix + "." + key
	}
	return s.String(key)
}

func lookupBool(s Settings, prefix, key string) (bool, error) {
	v, ok := lookup(s, prefix, key)
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("dbglue: invalid %s.%s: %w", prefix, key, err)
	}
	return b, nil
}
