// Package config loads server configuration from the environment. Every
// key has a TETHR_ environment variable and a matching flag on the server
// command; flags default to the environment value so either works.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
)

// ErrInvalid tags configuration errors so the entrypoint can map them to
// the configuration exit code.
var ErrInvalid = fmt.Errorf("invalid configuration")

// Config is immutable after startup; components receive it by value.
type Config struct {
	ListenPort int
	TLSCert    string
	TLSKey     string

	DataDir   string
	AgentPath string

	MaxProjects             int
	MaxConnections          int
	MaxConnectionsPerIP     int
	ConnectionsPerIPRate    int // accepted upgrades per source address per minute
	MaxConcurrentExecutions int

	PingInterval     time.Duration
	PongTimeout      time.Duration
	IdleTimeout      time.Duration
	ExecutionTimeout time.Duration
	WriteTimeout     time.Duration
	ShutdownGrace    time.Duration

	AllowedOrigins []string

	LogRotateSize    int64
	LogRotateEntries int

	LogLevel string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenPort:              8443,
		DataDir:                 "./data",
		AgentPath:               "claude",
		MaxProjects:             100,
		MaxConnections:          100,
		MaxConnectionsPerIP:     10,
		ConnectionsPerIPRate:    60,
		MaxConcurrentExecutions: 10,
		PingInterval:            30 * time.Second,
		PongTimeout:             10 * time.Second,
		IdleTimeout:             5 * time.Minute,
		ExecutionTimeout:        5 * time.Minute,
		WriteTimeout:            5 * time.Second,
		ShutdownGrace:           10 * time.Second,
		AllowedOrigins:          []string{"*"},
		LogRotateSize:           100 * 1024 * 1024,
		LogRotateEntries:        10000,
		LogLevel:                "info",
	}
}

// FromEnv returns the default configuration with every TETHR_* override
// applied. Unset variables keep their defaults; malformed values are
// configuration errors.
func FromEnv() (Config, error) {
	cfg := Default()
	var err error

	if err = intVar(&cfg.ListenPort, "TETHR_LISTEN_PORT"); err != nil {
		return cfg, err
	}
	stringVar(&cfg.TLSCert, "TETHR_LISTEN_TLS_CERT")
	stringVar(&cfg.TLSKey, "TETHR_LISTEN_TLS_KEY")
	stringVar(&cfg.DataDir, "TETHR_DATA_DIR")
	stringVar(&cfg.AgentPath, "TETHR_AGENT_PATH")
	if err = intVar(&cfg.MaxProjects, "TETHR_MAX_PROJECTS"); err != nil {
		return cfg, err
	}
	if err = intVar(&cfg.MaxConnections, "TETHR_MAX_CONNECTIONS"); err != nil {
		return cfg, err
	}
	if err = intVar(&cfg.MaxConnectionsPerIP, "TETHR_MAX_CONNECTIONS_PER_IP"); err != nil {
		return cfg, err
	}
	if err = intVar(&cfg.ConnectionsPerIPRate, "TETHR_CONNECTIONS_PER_IP_RATE"); err != nil {
		return cfg, err
	}
	if err = intVar(&cfg.MaxConcurrentExecutions, "TETHR_MAX_CONCURRENT_EXECUTIONS"); err != nil {
		return cfg, err
	}
	if err = durationVar(&cfg.PingInterval, "TETHR_PING_INTERVAL"); err != nil {
		return cfg, err
	}
	if err = durationVar(&cfg.PongTimeout, "TETHR_PONG_TIMEOUT"); err != nil {
		return cfg, err
	}
	if err = durationVar(&cfg.IdleTimeout, "TETHR_IDLE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if err = durationVar(&cfg.ExecutionTimeout, "TETHR_EXECUTION_TIMEOUT"); err != nil {
		return cfg, err
	}
	if err = durationVar(&cfg.WriteTimeout, "TETHR_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if err = durationVar(&cfg.ShutdownGrace, "TETHR_SHUTDOWN_GRACE"); err != nil {
		return cfg, err
	}
	csvVar(&cfg.AllowedOrigins, "TETHR_ALLOWED_ORIGINS")
	if err = sizeVar(&cfg.LogRotateSize, "TETHR_LOG_ROTATE_SIZE"); err != nil {
		return cfg, err
	}
	if err = intVar(&cfg.LogRotateEntries, "TETHR_LOG_ROTATE_ENTRIES"); err != nil {
		return cfg, err
	}
	stringVar(&cfg.LogLevel, "TETHR_LOG_LEVEL")

	return cfg, nil
}

// BindFlags registers one flag per key on fs, with the receiver's current
// values as defaults. Flags the user sets override the environment.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.ListenPort, "port", c.ListenPort, "listen port")
	fs.StringVar(&c.TLSCert, "tls-cert", c.TLSCert, "TLS certificate file (requires --tls-key)")
	fs.StringVar(&c.TLSKey, "tls-key", c.TLSKey, "TLS private key file (requires --tls-cert)")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory for project metadata and message logs")
	fs.StringVar(&c.AgentPath, "agent", c.AgentPath, "path to the agent CLI binary")
	fs.IntVar(&c.MaxProjects, "max-projects", c.MaxProjects, "maximum number of projects")
	fs.IntVar(&c.MaxConnections, "max-connections", c.MaxConnections, "maximum concurrent connections")
	fs.IntVar(&c.MaxConnectionsPerIP, "max-connections-per-ip", c.MaxConnectionsPerIP, "maximum concurrent connections per source address")
	fs.IntVar(&c.ConnectionsPerIPRate, "connections-per-ip-rate", c.ConnectionsPerIPRate, "accepted upgrades per source address per minute")
	fs.IntVar(&c.MaxConcurrentExecutions, "max-concurrent-executions", c.MaxConcurrentExecutions, "maximum agent executions across all projects")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "heartbeat ping interval")
	fs.DurationVar(&c.PongTimeout, "pong-timeout", c.PongTimeout, "time to wait for a pong before closing")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "close connections with no client messages for this long")
	fs.DurationVar(&c.ExecutionTimeout, "execution-timeout", c.ExecutionTimeout, "maximum runtime of one agent execution")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "per-frame socket write deadline")
	fs.DurationVar(&c.ShutdownGrace, "shutdown-grace", c.ShutdownGrace, "time allowed for graceful shutdown")
	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", c.AllowedOrigins, "origins permitted to connect (* for any)")
	fs.Int64Var(&c.LogRotateSize, "log-rotate-size", c.LogRotateSize, "rotate a message log file at this size in bytes")
	fs.IntVar(&c.LogRotateEntries, "log-rotate-entries", c.LogRotateEntries, "rotate a message log file at this many entries")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	switch {
	case c.ListenPort < 1 || c.ListenPort > 65535:
		return fmt.Errorf("%w: listen port %d out of range", ErrInvalid, c.ListenPort)
	case (c.TLSCert == "") != (c.TLSKey == ""):
		return fmt.Errorf("%w: TLS cert and key must be set together", ErrInvalid)
	case c.DataDir == "":
		return fmt.Errorf("%w: data dir is empty", ErrInvalid)
	case c.AgentPath == "":
		return fmt.Errorf("%w: agent path is empty", ErrInvalid)
	case c.MaxProjects < 1:
		return fmt.Errorf("%w: max projects must be positive", ErrInvalid)
	case c.MaxConnections < 1:
		return fmt.Errorf("%w: max connections must be positive", ErrInvalid)
	case c.MaxConnectionsPerIP < 1:
		return fmt.Errorf("%w: max connections per ip must be positive", ErrInvalid)
	case c.ConnectionsPerIPRate < 1:
		return fmt.Errorf("%w: connections per ip rate must be positive", ErrInvalid)
	case c.MaxConcurrentExecutions < 1:
		return fmt.Errorf("%w: max concurrent executions must be positive", ErrInvalid)
	case c.PingInterval <= 0 || c.PongTimeout <= 0 || c.IdleTimeout <= 0 ||
		c.ExecutionTimeout <= 0 || c.WriteTimeout <= 0 || c.ShutdownGrace <= 0:
		return fmt.Errorf("%w: all timeouts must be positive", ErrInvalid)
	case c.LogRotateSize < 1 || c.LogRotateEntries < 1:
		return fmt.Errorf("%w: log rotation limits must be positive", ErrInvalid)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.ListenPort)
}

// TLSEnabled reports whether a certificate pair is configured.
func (c Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// AllowsOrigin reports whether the origin list permits the given Origin
// header value. "*" permits any origin. An absent Origin header means a
// non-browser client and always passes; the check is a browser cross-site
// defense, not an authentication layer.
func (c Config) AllowsOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func stringVar(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func intVar(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v)
	}
	*dst = n
	return nil
}

func durationVar(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not a duration", ErrInvalid, key, v)
	}
	*dst = d
	return nil
}

// sizeVar accepts plain byte counts and humanized sizes ("100MiB").
func sizeVar(dst *int64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not a size", ErrInvalid, key, v)
	}
	*dst = int64(n)
	return nil
}

func csvVar(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	*dst = out
}
