// Package globals holds the process configuration and logger setup.
package globals

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nmslite/hwsentry/internal/protocols"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	CORS       CORSConfig       `yaml:"cors"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Collection CollectionConfig `yaml:"collection"`
	Connectors ConnectorsConfig `yaml:"connectors"`
	Hosts      []HostConfig     `yaml:"hosts"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channel    ChannelConfig    `yaml:"channel"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds"`
}

// PoolConfig defines connection pool settings
type PoolConfig struct {
	MaxConns                 int `yaml:"max_conns"`
	MinConns                 int `yaml:"min_conns"`
	MaxConnLifetimeMinutes   int `yaml:"max_conn_lifetime_minutes"`
	MaxConnIdleTimeMinutes   int `yaml:"max_conn_idle_time_minutes"`
	HealthCheckPeriodSeconds int `yaml:"health_check_period_seconds"`
}

// DatabaseConfig configures the metric history store. An empty host disables
// persistence.
type DatabaseConfig struct {
	Host     string     `yaml:"host"`
	Port     int        `yaml:"port"`
	User     string     `yaml:"user"`
	Password string     `yaml:"password"`
	DBName   string     `yaml:"dbname"`
	SSLMode  string     `yaml:"ssl_mode"`
	Pool     PoolConfig `yaml:"pool"`
}

type AuthConfig struct {
	AdminUsername  string `yaml:"admin_username"`
	AdminPassword  string `yaml:"admin_password"`
	JWTSecret      string `yaml:"jwt_secret"`
	JWTExpiryHours int    `yaml:"jwt_expiry_hours"`
	EncryptionKey  string `yaml:"encryption_key"`
}

// CollectionConfig drives the host scheduler and the connector jobs.
type CollectionConfig struct {
	TickIntervalMS              int `yaml:"tick_interval_ms"`
	IntervalSeconds             int `yaml:"interval_seconds"`
	Workers                     int `yaml:"workers"`
	DiscoveryCycle              int `yaml:"discovery_cycle"`
	CycleTimeoutMS              int `yaml:"cycle_timeout_ms"`
	SourceTimeoutMS             int `yaml:"source_timeout_ms"`
	ForceSerializationTimeoutMS int `yaml:"force_serialization_timeout_ms"`
}

type ConnectorsConfig struct {
	Directory string `yaml:"directory"`
}

// HostConfig is a monitored host, its credentials and the connectors run
// against it. An empty connector list selects every loaded connector.
type HostConfig struct {
	protocols.Target `yaml:",inline"`
	Connectors       []string `yaml:"connectors"`
	IntervalSeconds  int      `yaml:"interval_seconds,omitempty"`
}

type MetricsConfig struct {
	BatchSize       int `yaml:"batch_size"`
	FlushIntervalMS int `yaml:"flush_interval_ms"`
	MaxBufferSize   int `yaml:"max_buffer_size"`
}

type ChannelConfig struct {
	CycleEventsChannelSize int `yaml:"cycle_events_channel_size"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// Load reads configuration from file and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.Collection.ApplyDefaults()
	cfg.Metrics.ApplyDefaults()
	cfg.Database.Pool.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("HWS_AUTH_JWT_SECRET is required (minimum 32 characters)")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 characters")
	}

	if c.Auth.EncryptionKey == "" {
		return fmt.Errorf("HWS_AUTH_ENCRYPTION_KEY is required (32 bytes for AES-256)")
	}
	if len(c.Auth.EncryptionKey) != 32 {
		return fmt.Errorf("encryption_key must be exactly 32 bytes")
	}

	if c.Auth.AdminPassword == "" || c.Auth.AdminPassword == "changeme" {
		return fmt.Errorf("HWS_AUTH_ADMIN_PASSWORD must be set to a strong password")
	}

	if c.Database.Enabled() && c.Database.DBName == "" {
		return fmt.Errorf("database dbname is required when a database host is set")
	}

	if c.Collection.DiscoveryCycle < 0 {
		return fmt.Errorf("collection.discovery_cycle must not be negative")
	}

	seen := make(map[string]bool, len(c.Hosts))
	for i := range c.Hosts {
		h := &c.Hosts[i]
		if err := h.Target.Validate(); err != nil {
			return fmt.Errorf("hosts[%d]: %w", i, err)
		}
		if seen[h.Hostname] {
			return fmt.Errorf("hosts[%d]: duplicate hostname %s", i, h.Hostname)
		}
		seen[h.Hostname] = true
	}

	if c.Logging.Level != "" && !c.Logging.IsLogLevelValid() {
		return fmt.Errorf("logging.level %q is invalid", c.Logging.Level)
	}

	return nil
}

// applyEnvOverrides checks for environment variables with HWS_ prefix
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HWS_SERVER_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Server.Port)
	}

	if v := os.Getenv("HWS_DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("HWS_DATABASE_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Database.Port)
	}
	if v := os.Getenv("HWS_DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}

	if v := os.Getenv("HWS_AUTH_ADMIN_PASSWORD"); v != "" {
		cfg.Auth.AdminPassword = v
	}
	if v := os.Getenv("HWS_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("HWS_AUTH_ENCRYPTION_KEY"); v != "" {
		cfg.Auth.EncryptionKey = v
	}

	if v := os.Getenv("HWS_COLLECTION_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Collection.Workers)
	}
	if v := os.Getenv("HWS_COLLECTION_DISCOVERY_CYCLE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Collection.DiscoveryCycle)
	}
	if v := os.Getenv("HWS_COLLECTION_FORCE_SERIALIZATION_TIMEOUT_MS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Collection.ForceSerializationTimeoutMS)
	}

	if v := os.Getenv("HWS_CONNECTORS_DIRECTORY"); v != "" {
		cfg.Connectors.Directory = v
	}
	if v := os.Getenv("HWS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// ReadTimeout returns the read timeout as a duration
func (s *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the write timeout as a duration
func (s *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// Enabled reports whether a database is configured.
func (d *DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// ConnString returns the PostgreSQL connection string in postgres:// URL format
func (d *DatabaseConfig) ConnString() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}

	query := url.Values{}
	if d.SSLMode != "" {
		query.Set("sslmode", d.SSLMode)
	}
	u.RawQuery = query.Encode()

	return u.String()
}

// ApplyDefaults sets default values for pool configuration
func (p *PoolConfig) ApplyDefaults() {
	if p.MaxConns == 0 {
		p.MaxConns = 10
	}
	if p.MinConns == 0 {
		p.MinConns = 2
	}
	if p.MaxConnLifetimeMinutes == 0 {
		p.MaxConnLifetimeMinutes = 90
	}
	if p.MaxConnIdleTimeMinutes == 0 {
		p.MaxConnIdleTimeMinutes = 20
	}
	if p.HealthCheckPeriodSeconds == 0 {
		p.HealthCheckPeriodSeconds = 45
	}
}

// MaxConnLifetime returns the max connection lifetime as a duration
func (p *PoolConfig) MaxConnLifetime() time.Duration {
	return time.Duration(p.MaxConnLifetimeMinutes) * time.Minute
}

// MaxConnIdleTime returns the max connection idle time as a duration
func (p *PoolConfig) MaxConnIdleTime() time.Duration {
	return time.Duration(p.MaxConnIdleTimeMinutes) * time.Minute
}

// HealthCheckPeriod returns the health check period as a duration
func (p *PoolConfig) HealthCheckPeriod() time.Duration {
	return time.Duration(p.HealthCheckPeriodSeconds) * time.Second
}

// JWTExpiry returns JWT expiry as duration
func (a *AuthConfig) JWTExpiry() time.Duration {
	return time.Duration(a.JWTExpiryHours) * time.Hour
}

// ApplyDefaults fills the unset collection settings.
func (c *CollectionConfig) ApplyDefaults() {
	if c.TickIntervalMS == 0 {
		c.TickIntervalMS = 1000
	}
	if c.IntervalSeconds == 0 {
		c.IntervalSeconds = 120
	}
	if c.Workers == 0 {
		c.Workers = 20
	}
	if c.DiscoveryCycle == 0 {
		c.DiscoveryCycle = 30
	}
	if c.CycleTimeoutMS == 0 {
		c.CycleTimeoutMS = 10 * 60 * 1000
	}
	if c.SourceTimeoutMS == 0 {
		c.SourceTimeoutMS = 30000
	}
	if c.ForceSerializationTimeoutMS == 0 {
		c.ForceSerializationTimeoutMS = 120000
	}
}

// TickInterval returns the tick interval as a duration
func (c *CollectionConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// Interval returns the default collect interval of a host.
func (c *CollectionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// CycleTimeout bounds a single discovery plus collect cycle of a host.
func (c *CollectionConfig) CycleTimeout() time.Duration {
	return time.Duration(c.CycleTimeoutMS) * time.Millisecond
}

// SourceTimeout returns the protocol timeout of a single source.
func (c *CollectionConfig) SourceTimeout() time.Duration {
	return time.Duration(c.SourceTimeoutMS) * time.Millisecond
}

// ForceSerializationTimeout returns how long a source waits for the
// serialization lock of its connector.
func (c *CollectionConfig) ForceSerializationTimeout() time.Duration {
	return time.Duration(c.ForceSerializationTimeoutMS) * time.Millisecond
}

// Interval returns the collect interval of the host, falling back to def.
func (h *HostConfig) Interval(def time.Duration) time.Duration {
	if h.IntervalSeconds > 0 {
		return time.Duration(h.IntervalSeconds) * time.Second
	}
	return def
}

// ApplyDefaults sets the batch writer defaults.
func (m *MetricsConfig) ApplyDefaults() {
	if m.BatchSize <= 0 {
		m.BatchSize = 1000
	}
	if m.FlushIntervalMS <= 0 {
		m.FlushIntervalMS = 5000
	}
	if m.MaxBufferSize <= 0 {
		m.MaxBufferSize = m.BatchSize * 10
	}
}

// FlushInterval returns the periodic flush interval of the batch writer.
func (m *MetricsConfig) FlushInterval() time.Duration {
	return time.Duration(m.FlushIntervalMS) * time.Millisecond
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}

// DumpExampleConfig writes an example configuration to the provided writer
func DumpExampleConfig(w io.Writer) error {
	example := &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeoutMS:  30000,
			WriteTimeoutMS: 30000,
		},
		CORS: CORSConfig{
			Enabled:        false,
			AllowedOrigins: []string{"http://localhost:3000"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAgeSeconds:  3600,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "hwsentry",
			Password: "changeme",
			DBName:   "hwsentry",
			SSLMode:  "disable",
			Pool: PoolConfig{
				MaxConns:                 10,
				MinConns:                 2,
				MaxConnLifetimeMinutes:   90,
				MaxConnIdleTimeMinutes:   20,
				HealthCheckPeriodSeconds: 45,
			},
		},
		Auth: AuthConfig{
			AdminUsername:  "admin",
			AdminPassword:  "changeme",
			JWTSecret:      "your-secret-key-minimum-32-chars-required",
			JWTExpiryHours: 24,
			EncryptionKey:  "0123456789abcdef0123456789abcdef",
		},
		Collection: CollectionConfig{
			TickIntervalMS:              1000,
			IntervalSeconds:             120,
			Workers:                     20,
			DiscoveryCycle:              30,
			CycleTimeoutMS:              600000,
			SourceTimeoutMS:             30000,
			ForceSerializationTimeoutMS: 120000,
		},
		Connectors: ConnectorsConfig{
			Directory: "./connectors",
		},
		Hosts: []HostConfig{
			{
				Target: protocols.Target{
					Hostname: "server-01.example.com",
					SNMP:     &protocols.SNMPCredentials{Version: "v2c", Community: "public"},
					SSH:      &protocols.SSHCredentials{Username: "monitor", Password: "enc:<base64>"},
				},
				Connectors: []string{"linux-storage", "generic-snmp"},
			},
		},
		Metrics: MetricsConfig{
			BatchSize:       1000,
			FlushIntervalMS: 5000,
			MaxBufferSize:   10000,
		},
		Channel: ChannelConfig{
			CycleEventsChannelSize: 100,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "/var/log/hwsentry/hwsentry.log",
		},
	}

	var node yaml.Node
	if err := node.Encode(example); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	header := `# =============================================================================
# hwsentry Example Configuration
# =============================================================================
# Copy this file to config.yaml and modify it according to your needs.
#
# Environment variable overrides follow the pattern: HWS_<SECTION>_<KEY>
# Example: HWS_DATABASE_HOST, HWS_AUTH_JWT_SECRET
#
# Host secrets may be written as enc:<base64> values encrypted with
# auth.encryption_key.
# =============================================================================

`
	if _, err := fmt.Fprint(w, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}

	return nil
}

// -------------------------------------------------------------------------
// Global Configuration Access
// -------------------------------------------------------------------------

var (
	globalConfig *Config
	once         sync.Once
	mu           sync.RWMutex
)

// InitGlobal loads the configuration file once and keeps it as the
// process-wide configuration.
func InitGlobal(configPath string) *Config {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		cfg, err := Load(configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		globalConfig = cfg
	})

	return GetConfig()
}

// GetConfig returns the global configuration instance
// Panics if InitGlobal has not been called
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if globalConfig == nil {
		panic("globals.GetConfig() called before InitGlobal()")
	}
	return globalConfig
}

// SetGlobalConfigForTests sets the global configuration instance for testing purposes
func SetGlobalConfigForTests(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = cfg
}

// InitLogger initializes the global logger based on configuration
func InitLogger(cfg LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var out io.Writer = os.Stdout
	switch cfg.Output {
	case "stderr":
		out = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, nil
}
