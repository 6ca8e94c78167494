// Package config provides configuration management for agentgate.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentgate.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Docker    DockerConfig    `mapstructure:"docker"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Transport TransportConfig `mapstructure:"transport"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Tracing   TracingConfig   `mapstructure:"tracing"`

	// settings is the merged viper view, kept for YAML.
	settings map[string]interface{}
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	// Enabled controls whether targets are container ids reached through the
	// Docker API. When false, sessions and exec calls run on the local host.
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	User       string `mapstructure:"user"`    // user for docker exec (empty = image default)
	WorkDir    string `mapstructure:"workDir"` // working directory for docker exec
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// DatabaseConfig holds the conversation/affinity store configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file
	DSN      string `mapstructure:"dsn"`    // postgres DSN
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// TransportConfig selects and tunes the agent transport backends.
type TransportConfig struct {
	// Mode is one of auto, socket, unix, exec, local, remote, chain.
	Mode string `mapstructure:"mode"`

	// Chain is the ordered backend list used when Mode is "chain".
	Chain []string `mapstructure:"chain"`

	SocketHost string `mapstructure:"socketHost"`
	SocketPort int    `mapstructure:"socketPort"`
	SocketPath string `mapstructure:"socketPath"`

	// LocalPort / LocalSocketPath enable the same-host-direct backend.
	LocalPort       int    `mapstructure:"localPort"`
	LocalSocketPath string `mapstructure:"localSocketPath"`

	RemoteURL   string `mapstructure:"remoteUrl"`
	RemoteToken string `mapstructure:"remoteToken"`

	// AgentCommand is spawned by the exec fallback backend.
	AgentCommand []string `mapstructure:"agentCommand"`

	ProbeTimeoutMs int `mapstructure:"probeTimeoutMs"`

	Breaker BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig holds circuit breaker tunables.
type BreakerConfig struct {
	Threshold         int `mapstructure:"threshold"`
	HalfOpenTimeoutMs int `mapstructure:"halfOpenTimeoutMs"`
	ResetTimeoutMs    int `mapstructure:"resetTimeoutMs"`
}

// DispatchConfig holds execution dispatcher configuration.
type DispatchConfig struct {
	AsyncMode       bool `mapstructure:"asyncMode"`
	MaxPromptLength int  `mapstructure:"maxPromptLength"`
	MaxLineLength   int  `mapstructure:"maxLineLength"`
	SyncTimeoutMs   int  `mapstructure:"syncTimeoutMs"`
	AsyncTimeoutMs  int  `mapstructure:"asyncTimeoutMs"`
}

// SessionsConfig holds terminal session manager configuration.
type SessionsConfig struct {
	MaxPerTarget      int    `mapstructure:"maxPerTarget"`
	IdleTimeoutMs     int    `mapstructure:"idleTimeoutMs"`
	SendTimeoutMs     int    `mapstructure:"sendTimeoutMs"`
	CleanupIntervalMs int    `mapstructure:"cleanupIntervalMs"`
	StagingDir        string `mapstructure:"stagingDir"`
	WorkDir           string `mapstructure:"workDir"`
	AgentCommand      string `mapstructure:"agentCommand"`
}

// PoolConfig holds workspace session pool configuration.
type PoolConfig struct {
	Target              string `mapstructure:"target"`
	MaxSessions         int    `mapstructure:"maxSessions"`
	InactivityTimeoutMs int    `mapstructure:"inactivityTimeoutMs"`
	CleanupIntervalMs   int    `mapstructure:"cleanupIntervalMs"`
	DrainGraceMs        int    `mapstructure:"drainGraceMs"`
}

// TrackerConfig holds request tracker configuration.
type TrackerConfig struct {
	Dir          string `mapstructure:"dir"`
	CacheSize    int    `mapstructure:"cacheSize"` // 0 disables the cache
	CacheTTLMs   int    `mapstructure:"cacheTtlMs"`
	StaleAfterMs int    `mapstructure:"staleAfterMs"`
	HungAfterMs  int    `mapstructure:"hungAfterMs"`
}

// GatewayConfig holds chat message handling configuration.
type GatewayConfig struct {
	DefaultInstance  string `mapstructure:"defaultInstance"`
	DefaultWorkspace string `mapstructure:"defaultWorkspace"`
	HistoryLimit     int    `mapstructure:"historyLimit"`
}

// TracingConfig holds OpenTelemetry export settings. An empty endpoint
// disables tracing.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"serviceName"`
	SampleRatio float64 `mapstructure:"sampleRatio"`
}

// Ms converts a millisecond count into a time.Duration. Zero stays zero,
// which downstream code treats as "no timeout".
func Ms(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" in container/production environments
// and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTGATE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.user", "")
	v.SetDefault("docker.workDir", "/workspace")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentgate")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.subjectPrefix", "agentgate")

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./agentgate.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Transport defaults
	v.SetDefault("transport.mode", "auto")
	v.SetDefault("transport.chain", []string{})
	v.SetDefault("transport.socketHost", "")
	v.SetDefault("transport.socketPort", 0)
	v.SetDefault("transport.socketPath", "")
	v.SetDefault("transport.localPort", 0)
	v.SetDefault("transport.localSocketPath", "")
	v.SetDefault("transport.remoteUrl", "")
	v.SetDefault("transport.remoteToken", "")
	v.SetDefault("transport.agentCommand", []string{"agent-runner", "--json"})
	v.SetDefault("transport.probeTimeoutMs", 1000)
	v.SetDefault("transport.breaker.threshold", 5)
	v.SetDefault("transport.breaker.halfOpenTimeoutMs", 60000)
	v.SetDefault("transport.breaker.resetTimeoutMs", 120000)

	// Dispatch defaults
	v.SetDefault("dispatch.asyncMode", false)
	v.SetDefault("dispatch.maxPromptLength", 100000)
	v.SetDefault("dispatch.maxLineLength", 10000)
	v.SetDefault("dispatch.syncTimeoutMs", 300000)
	v.SetDefault("dispatch.asyncTimeoutMs", 3600000)

	// Terminal session defaults
	v.SetDefault("sessions.maxPerTarget", 10)
	v.SetDefault("sessions.idleTimeoutMs", 30*60*1000)
	v.SetDefault("sessions.sendTimeoutMs", 5000)
	v.SetDefault("sessions.cleanupIntervalMs", 5*60*1000)
	v.SetDefault("sessions.stagingDir", "/tmp/agentgate")
	v.SetDefault("sessions.workDir", "/workspace")
	v.SetDefault("sessions.agentCommand", "agent-runner")

	// Workspace pool defaults
	v.SetDefault("pool.target", "")
	v.SetDefault("pool.maxSessions", 5)
	v.SetDefault("pool.inactivityTimeoutMs", 60*60*1000)
	v.SetDefault("pool.cleanupIntervalMs", 5*60*1000)
	v.SetDefault("pool.drainGraceMs", 5000)

	// Tracker defaults
	v.SetDefault("tracker.dir", "./data/requests")
	v.SetDefault("tracker.cacheSize", 1000)
	v.SetDefault("tracker.cacheTtlMs", 5*60*1000)
	v.SetDefault("tracker.staleAfterMs", 24*60*60*1000)
	v.SetDefault("tracker.hungAfterMs", 60*60*1000)

	// Gateway defaults
	v.SetDefault("gateway.defaultInstance", "agent")
	v.SetDefault("gateway.defaultWorkspace", "default")
	v.SetDefault("gateway.historyLimit", 20)

	// Tracing defaults
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.serviceName", "agentgate")
	v.SetDefault("tracing.sampleRatio", 1.0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTGATE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentgate/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE, so the keys
	// operators set most often are bound explicitly.
	_ = v.BindEnv("transport.socketHost", "AGENTGATE_TRANSPORT_SOCKET_HOST", "AGENT_SOCKET_HOST")
	_ = v.BindEnv("transport.socketPort", "AGENTGATE_TRANSPORT_SOCKET_PORT", "AGENT_SOCKET_PORT")
	_ = v.BindEnv("transport.socketPath", "AGENTGATE_TRANSPORT_SOCKET_PATH", "AGENT_SOCKET_PATH")
	_ = v.BindEnv("transport.localPort", "AGENTGATE_TRANSPORT_LOCAL_PORT")
	_ = v.BindEnv("transport.localSocketPath", "AGENTGATE_TRANSPORT_LOCAL_SOCKET_PATH")
	_ = v.BindEnv("transport.remoteUrl", "AGENTGATE_TRANSPORT_REMOTE_URL", "AGENT_REMOTE_URL")
	_ = v.BindEnv("transport.remoteToken", "AGENTGATE_TRANSPORT_REMOTE_TOKEN", "AGENT_REMOTE_TOKEN")
	_ = v.BindEnv("dispatch.asyncMode", "AGENTGATE_DISPATCH_ASYNC_MODE")
	_ = v.BindEnv("tracker.dir", "AGENTGATE_TRACKER_DIR")
	_ = v.BindEnv("database.path", "AGENTGATE_DB_PATH")
	_ = v.BindEnv("database.driver", "AGENTGATE_DB_DRIVER")
	_ = v.BindEnv("tracing.endpoint", "AGENTGATE_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("tracing.serviceName", "AGENTGATE_TRACING_SERVICE_NAME", "OTEL_SERVICE_NAME")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentgate/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.settings = v.AllSettings()

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

var validTransportModes = map[string]bool{
	"auto": true, "socket": true, "unix": true, "exec": true,
	"local": true, "remote": true, "chain": true,
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	mode := strings.ToLower(cfg.Transport.Mode)
	if !validTransportModes[mode] {
		errs = append(errs, "transport.mode must be one of: auto, socket, unix, exec, local, remote, chain")
	}
	if mode == "chain" && len(cfg.Transport.Chain) == 0 {
		errs = append(errs, "transport.chain must list at least one backend when transport.mode is chain")
	}
	if mode == "remote" && cfg.Transport.RemoteURL == "" {
		errs = append(errs, "transport.remoteUrl is required when transport.mode is remote")
	}
	if cfg.Transport.Breaker.Threshold <= 0 {
		errs = append(errs, "transport.breaker.threshold must be positive")
	}

	if cfg.Dispatch.MaxPromptLength <= 0 {
		errs = append(errs, "dispatch.maxPromptLength must be positive")
	}
	if cfg.Dispatch.MaxLineLength <= 0 {
		errs = append(errs, "dispatch.maxLineLength must be positive")
	}

	if cfg.Sessions.MaxPerTarget <= 0 {
		errs = append(errs, "sessions.maxPerTarget must be positive")
	}
	if cfg.Pool.MaxSessions <= 0 {
		errs = append(errs, "pool.maxSessions must be positive")
	}

	if cfg.Tracker.Dir == "" {
		errs = append(errs, "tracker.dir is required")
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sampleRatio must be between 0 and 1")
	}

	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when database.driver is postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
