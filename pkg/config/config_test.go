package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultIdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, DefaultThrottleWindow, cfg.ThrottleWindow)
	assert.Equal(t, DefaultThrottleTries, cfg.ThrottleTries)
	assert.Equal(t, DefaultMonitorInterval, cfg.MonitorInterval)
	assert.Equal(t, DefaultAPIPortDownRetries, cfg.APIPortDownRetries)
	assert.Equal(t, DefaultMinHypervisorVersion, cfg.MinHypervisorVersion)
	assert.NotEmpty(t, cfg.KeystoreURL)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webapid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 6001
idle_timeout: 30s
throttle_tries: 5
auth_key: topsecret
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6001, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 5, cfg.ThrottleTries)
	assert.Equal(t, "topsecret", cfg.AuthKey)
	// Unset entries keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Host)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			Port:               DefaultPort,
			ThrottleTries:      DefaultThrottleTries,
			MonitorInterval:    DefaultMonitorInterval,
			APIPortDownRetries: DefaultAPIPortDownRetries,
			KeystoreURL:        "https://example.com/keystore.json",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}, wantErr: false},
		{name: "port zero", mutate: func(c *Config) { c.Port = 0 }, wantErr: true},
		{name: "port too large", mutate: func(c *Config) { c.Port = 70000 }, wantErr: true},
		{name: "throttle tries zero", mutate: func(c *Config) { c.ThrottleTries = 0 }, wantErr: true},
		{name: "monitor interval zero", mutate: func(c *Config) { c.MonitorInterval = 0 }, wantErr: true},
		{name: "down retries zero", mutate: func(c *Config) { c.APIPortDownRetries = 0 }, wantErr: true},
		{name: "missing keystore url", mutate: func(c *Config) { c.KeystoreURL = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	t.Parallel()

	cfg := &Config{DataDir: "/var/lib/webapid"}
	assert.Equal(t, "/var/lib/webapid/keystore.json", cfg.KeystoreCachePath())
	assert.Equal(t, "/var/lib/webapid/machine.salt", cfg.MachineSaltPath())
	assert.Equal(t, "/var/lib/webapid/webapid.lock", cfg.LockFilePath())
}
