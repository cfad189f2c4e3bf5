// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// Defaults. The listening port is policy-fixed by the protocol; everything
// else is tunable through the config file.
const (
	DefaultPort        = 5624
	DefaultIdleTimeout = 10 * time.Second

	DefaultThrottleWindow = 5 * time.Second
	DefaultThrottleTries  = 3

	DefaultMonitorInterval    = time.Second
	DefaultAPIPortDownRetries = 2

	DefaultMinHypervisorVersion = "4.3.0"

	appDirName = "webapid"
)

// Config is the daemon configuration.
type Config struct {
	// Host and Port define the loopback listening surface.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// IdleTimeout is how long the daemon lingers with zero live
	// connections before exiting.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ThrottleWindow and ThrottleTries tune the denial throttle on
	// session-creating actions.
	ThrottleWindow time.Duration `mapstructure:"throttle_window"`
	ThrottleTries  int           `mapstructure:"throttle_tries"`

	// MonitorInterval is the session monitor tick period.
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`

	// APIPortDownRetries is how many failed slow probes are tolerated
	// before the in-guest API is declared offline.
	APIPortDownRetries int `mapstructure:"apiport_down_retries"`

	// MinHypervisorVersion gates the installer workflow.
	MinHypervisorVersion string `mapstructure:"min_hypervisor_version"`

	// KeystoreURL is where the signed authorized-domain keystore lives.
	KeystoreURL string `mapstructure:"keystore_url"`

	// RootKeyFile overrides the built-in keystore root public key.
	RootKeyFile string `mapstructure:"root_key_file"`

	// AuthKey unlocks privileged connections. Empty disables them.
	AuthKey string `mapstructure:"auth_key"`

	// DataDir holds the machine salt, keystore cache and lock file.
	// Defaults to the xdg data directory for webapid.
	DataDir string `mapstructure:"data_dir"`

	// Debug enables debug logging.
	Debug bool `mapstructure:"debug"`
}

// Load reads the configuration from the given file (optional) merged over
// defaults and environment (WEBAPID_ prefix).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", DefaultPort)
	v.SetDefault("idle_timeout", DefaultIdleTimeout)
	v.SetDefault("throttle_window", DefaultThrottleWindow)
	v.SetDefault("throttle_tries", DefaultThrottleTries)
	v.SetDefault("monitor_interval", DefaultMonitorInterval)
	v.SetDefault("apiport_down_retries", DefaultAPIPortDownRetries)
	v.SetDefault("min_hypervisor_version", DefaultMinHypervisorVersion)
	v.SetDefault("keystore_url", "https://cernvm.cern.ch/releases/webapi/keystore.json")
	v.SetDefault("data_dir", filepath.Join(xdg.DataHome, appDirName))

	v.SetEnvPrefix("WEBAPID")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("unable to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks semantic constraints.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ThrottleTries < 1 {
		return fmt.Errorf("throttle_tries must be at least 1")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor_interval must be positive")
	}
	if c.APIPortDownRetries < 1 {
		return fmt.Errorf("apiport_down_retries must be at least 1")
	}
	if c.KeystoreURL == "" {
		return fmt.Errorf("keystore_url must be set")
	}
	return nil
}

// KeystoreCachePath returns the on-disk location of the verified keystore.
func (c *Config) KeystoreCachePath() string {
	return filepath.Join(c.DataDir, "keystore.json")
}

// MachineSaltPath returns the on-disk location of the machine salt used for
// host-id derivation.
func (c *Config) MachineSaltPath() string {
	return filepath.Join(c.DataDir, "machine.salt")
}

// LockFilePath returns the single-instance lock file location.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.DataDir, "webapid.lock")
}
