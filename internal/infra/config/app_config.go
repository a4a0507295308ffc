// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding file values.
const (
	EnvVarEnvironment = "ORBLEDGER_ENV"
	EnvVarDatabaseDSN = "ORBLEDGER_DATABASE_DSN"
	EnvVarFeedURL     = "ORBLEDGER_FEED_URL"
	EnvVarAPIAddr     = "ORBLEDGER_API_ADDR"
)

// LedgerConfig tunes the reconciliation engine.
type LedgerConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	TradeTimeout      time.Duration `yaml:"tradeTimeout"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	CorrelationWindow time.Duration `yaml:"correlationWindow"`
	MatchTolerance    string        `yaml:"matchTolerance"`
	SequenceSource    string        `yaml:"sequenceSource"`
	ResolvedHistory   int           `yaml:"resolvedHistory"`
}

// Tolerance parses MatchTolerance as a ratio. Validate guarantees it parses.
func (c LedgerConfig) Tolerance() decimal.Decimal {
	d, err := decimal.NewFromString(c.MatchTolerance)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (c *LedgerConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.TradeTimeout <= 0 {
		c.TradeTimeout = 15 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.CorrelationWindow <= 0 {
		c.CorrelationWindow = 5 * time.Second
	}
	c.MatchTolerance = strings.TrimSpace(c.MatchTolerance)
	if c.MatchTolerance == "" {
		c.MatchTolerance = "0"
	}
	c.SequenceSource = strings.ToLower(strings.TrimSpace(c.SequenceSource))
	if c.SequenceSource == "" {
		c.SequenceSource = "server"
	}
	if c.ResolvedHistory <= 0 {
		c.ResolvedHistory = 1024
	}
}

func (c LedgerConfig) validate() error {
	tol, err := decimal.NewFromString(c.MatchTolerance)
	if err != nil {
		return fmt.Errorf("matchTolerance: %w", err)
	}
	if tol.IsNegative() || tol.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("matchTolerance must be within [0, 1]")
	}
	switch c.SequenceSource {
	case "server", "logical":
	default:
		return fmt.Errorf("sequenceSource must be server or logical")
	}
	if c.TradeTimeout < c.Timeout {
		return fmt.Errorf("tradeTimeout must be >= timeout")
	}
	if c.SweepInterval > c.Timeout {
		return fmt.Errorf("sweepInterval must be <= timeout")
	}
	return nil
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
)

// FanoutWorkerSetting accepts either a positive integer or "auto".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "", "default":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
	}
	return 4
}

// BusConfig sizes the in-memory balance bus.
type BusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

// FanoutWorkerCount returns the resolved worker count.
func (c BusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// FeedConfig configures the authoritative server websocket feed.
type FeedConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	PingInterval time.Duration `yaml:"pingInterval"`
	MaxBackoff   time.Duration `yaml:"maxBackoff"`
}

func (c *FeedConfig) applyDefaults() {
	c.URL = strings.TrimSpace(c.URL)
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr        string  `yaml:"addr"`
	ActionRate  float64 `yaml:"actionRate"`
	ActionBurst int     `yaml:"actionBurst"`
	// ActionLimiters bounds the number of players with a live rate limiter.
	ActionLimiters int `yaml:"actionLimiters"`
}

// JournalConfig sizes the asynchronous journal writer.
type JournalConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queueSize"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsDir     string        `yaml:"migrationsDir"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/orbledger"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// AppConfig is the unified orbledger configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Ledger      LedgerConfig    `yaml:"ledger"`
	Bus         BusConfig       `yaml:"bus"`
	Feed        FeedConfig      `yaml:"feed"`
	API         APIServerConfig `yaml:"api"`
	Journal     JournalConfig   `yaml:"journal"`
	Database    DatabaseConfig  `yaml:"database"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns a configuration that runs the daemon without a feed or database.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	cfg.normalise()
	return cfg
}

// LoadOrDefault loads configPath when it exists and falls back to Default otherwise.
// Environment overrides apply in both cases.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) != "" {
		cfg, err := Load(ctx, configPath)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}
	cfg := Default()
	cfg.applyEnv(os.LookupEnv)
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes, os.LookupEnv)
}

// Parse decodes raw YAML, applies environment overrides from lookup, then normalises and validates.
func Parse(raw []byte, lookup func(string) (string, bool)) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if lookup != nil {
		cfg.applyEnv(lookup)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvVarEnvironment); ok && strings.TrimSpace(v) != "" {
		c.Environment = Environment(v)
	}
	if v, ok := lookup(EnvVarDatabaseDSN); ok && strings.TrimSpace(v) != "" {
		c.Database.DSN = v
		c.Database.Enabled = true
	}
	if v, ok := lookup(EnvVarFeedURL); ok && strings.TrimSpace(v) != "" {
		c.Feed.URL = v
		c.Feed.Enabled = true
	}
	if v, ok := lookup(EnvVarAPIAddr); ok && strings.TrimSpace(v) != "" {
		c.API.Addr = v
	}
}

func (c *AppConfig) normalise() {
	c.Environment = normalizeEnvironment(string(c.Environment))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Ledger.applyDefaults()

	if c.Bus.BufferSize <= 0 {
		c.Bus.BufferSize = 16
	}
	c.Feed.applyDefaults()

	c.API.Addr = strings.TrimSpace(c.API.Addr)
	if c.API.Addr == "" {
		c.API.Addr = ":8880"
	}
	if c.API.ActionRate <= 0 {
		c.API.ActionRate = 20
	}
	if c.API.ActionBurst <= 0 {
		c.API.ActionBurst = 10
	}
	if c.API.ActionLimiters <= 0 {
		c.API.ActionLimiters = 4096
	}

	if c.Journal.Workers <= 0 {
		c.Journal.Workers = 2
	}
	if c.Journal.QueueSize <= 0 {
		c.Journal.QueueSize = 1024
	}
	if c.Journal.WriteTimeout <= 0 {
		c.Journal.WriteTimeout = 5 * time.Second
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "orbledger"
	}

	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := c.Ledger.validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("bus bufferSize must be >0")
	}
	if c.Bus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("bus fanoutWorkers must be >0")
	}
	if c.Feed.Enabled && c.Feed.URL == "" {
		return fmt.Errorf("feed url required when enabled")
	}
	if c.Feed.URL != "" && !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
		return fmt.Errorf("feed url must use ws:// or wss://")
	}
	if c.API.Addr == "" {
		return fmt.Errorf("api addr required")
	}
	if c.Database.Enabled {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
