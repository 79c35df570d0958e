package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8443, cfg.ListenPort)
	assert.Equal(t, 100, cfg.MaxProjects)
	assert.Equal(t, 100, cfg.MaxConnections)
	assert.Equal(t, 10, cfg.MaxConnectionsPerIP)
	assert.Equal(t, 60, cfg.ConnectionsPerIPRate)
	assert.Equal(t, 10, cfg.MaxConcurrentExecutions)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.PongTimeout)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 5*time.Minute, cfg.ExecutionTimeout)
	assert.Equal(t, int64(100*1024*1024), cfg.LogRotateSize)
	assert.Equal(t, 10000, cfg.LogRotateEntries)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	require.NoError(t, cfg.Validate())
}

func TestFromEnv(t *testing.T) {
	t.Setenv("TETHR_LISTEN_PORT", "9000")
	t.Setenv("TETHR_DATA_DIR", "/var/lib/tethr")
	t.Setenv("TETHR_AGENT_PATH", "/usr/local/bin/claude")
	t.Setenv("TETHR_MAX_PROJECTS", "5")
	t.Setenv("TETHR_PING_INTERVAL", "10s")
	t.Setenv("TETHR_LOG_ROTATE_SIZE", "1MiB")
	t.Setenv("TETHR_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.ListenPort)
	assert.Equal(t, "/var/lib/tethr", cfg.DataDir)
	assert.Equal(t, "/usr/local/bin/claude", cfg.AgentPath)
	assert.Equal(t, 5, cfg.MaxProjects)
	assert.Equal(t, 10*time.Second, cfg.PingInterval)
	assert.Equal(t, int64(1024*1024), cfg.LogRotateSize)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)

	// Untouched keys keep their defaults.
	assert.Equal(t, 10, cfg.MaxConnectionsPerIP)
	assert.Equal(t, 5*time.Minute, cfg.ExecutionTimeout)
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad int", "TETHR_LISTEN_PORT", "not-a-port"},
		{"bad duration", "TETHR_PING_INTERVAL", "30"},
		{"bad size", "TETHR_LOG_ROTATE_SIZE", "huge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"port too low", func(c *Config) { c.ListenPort = 0 }, false},
		{"port too high", func(c *Config) { c.ListenPort = 70000 }, false},
		{"cert without key", func(c *Config) { c.TLSCert = "cert.pem" }, false},
		{"key without cert", func(c *Config) { c.TLSKey = "key.pem" }, false},
		{"cert and key", func(c *Config) { c.TLSCert = "cert.pem"; c.TLSKey = "key.pem" }, true},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, false},
		{"empty agent path", func(c *Config) { c.AgentPath = "" }, false},
		{"zero projects", func(c *Config) { c.MaxProjects = 0 }, false},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }, false},
		{"negative timeout", func(c *Config) { c.IdleTimeout = -time.Second }, false},
		{"zero rotate size", func(c *Config) { c.LogRotateSize = 0 }, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestBindFlagsOverridesEnv(t *testing.T) {
	t.Setenv("TETHR_LISTEN_PORT", "9000")

	cfg, err := FromEnv()
	require.NoError(t, err)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--port=9100", "--max-projects=3"}))

	assert.Equal(t, 9100, cfg.ListenPort)
	assert.Equal(t, 3, cfg.MaxProjects)
	// Flags left unset keep the env-derived defaults.
	assert.Equal(t, "./data", cfg.DataDir)
}

func TestAllowsOrigin(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.True(t, cfg.AllowsOrigin("https://anything.example"))

	cfg.AllowedOrigins = []string{"https://app.example", "https://other.example"}
	assert.True(t, cfg.AllowsOrigin("https://app.example"))
	assert.True(t, cfg.AllowsOrigin("HTTPS://APP.EXAMPLE"))
	assert.False(t, cfg.AllowsOrigin("https://evil.example"))
	// No Origin header means a non-browser client.
	assert.True(t, cfg.AllowsOrigin(""))
}

func TestAddrAndTLS(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, ":8443", cfg.Addr())
	assert.False(t, cfg.TLSEnabled())

	cfg.TLSCert = "cert.pem"
	cfg.TLSKey = "key.pem"
	assert.True(t, cfg.TLSEnabled())
}
