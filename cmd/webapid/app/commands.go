// Package app provides the entry point for the webapid command-line
// application.
package app

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cernvm/webapid/pkg/config"
	"github.com/cernvm/webapid/pkg/daemon"
	"github.com/cernvm/webapid/pkg/download"
	"github.com/cernvm/webapid/pkg/hypervisor"
	"github.com/cernvm/webapid/pkg/keystore"
	"github.com/cernvm/webapid/pkg/logger"
	"github.com/cernvm/webapid/pkg/server"
	"github.com/cernvm/webapid/pkg/telemetry"
)

// defaultRootKey is the built-in keystore root public key; it can be
// overridden with the root_key_file configuration entry.
//
//go:embed rootkey.pem
var defaultRootKey []byte

var rootCmd = &cobra.Command{
	Use:               "webapid",
	DisableAutoGenTag: true,
	Short:             "CernVM WebAPI daemon - let trusted web pages drive local virtual machines",
	Long: `webapid is a local trust broker between browser pages and the hypervisors
installed on this machine. Pages connect over a loopback WebSocket and
request VM sessions described by signed VMCP manifests; the daemon
validates the page's domain against a signed keystore, asks the user for
consent, and then opens and supervises the session on their behalf.

The daemon exits on its own once no page has been connected for a while.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the webapid CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to webapid configuration file")
	err = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	if err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// newServeCmd creates the serve command for starting the daemon
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the WebAPI daemon",
		Long: `Start the WebAPI daemon on the loopback interface.

The daemon accepts WebSocket connections from browser pages, exposes
Prometheus metrics on /metrics, and exits automatically after the
configured idle period with no live connections.`,
		RunE: runServe,
	}
	cmd.Flags().Int("port", 0, "Override the listening port")
	_ = viper.BindPFlag("port_override", cmd.Flags().Lookup("port"))
	return cmd
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Display version information for webapid",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("webapid version: %s (protocol %s)", getVersion(), daemon.Version)
		},
	}
}

// getVersion returns the version string (will be set at build time)
func getVersion() string {
	// This will be replaced with actual version info using ldflags
	return "dev"
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}
	if port := viper.GetInt("port_override"); port != 0 {
		cfg.Port = port
	}
	if cfg.Debug {
		viper.Set("debug", true)
		logger.Initialize()
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("unable to create data directory %s: %w", cfg.DataDir, err)
	}

	// One daemon per machine; a second invocation exits quietly so browser
	// launch attempts are idempotent.
	lock := flock.New(cfg.LockFilePath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("unable to acquire instance lock: %w", err)
	}
	if !locked {
		logger.Info("Another webapid instance is already running, exiting")
		return nil
	}
	defer lock.Unlock() //nolint:errcheck

	rootKey := defaultRootKey
	if cfg.RootKeyFile != "" {
		rootKey, err = os.ReadFile(cfg.RootKeyFile)
		if err != nil {
			return fmt.Errorf("unable to read root key file: %w", err)
		}
	}
	ks, err := keystore.NewSigned(keystore.Options{
		RootKeyPEM:   rootKey,
		KeystoreURL:  cfg.KeystoreURL,
		CachePath:    cfg.KeystoreCachePath(),
		LocalAuthKey: cfg.AuthKey,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize keystore: %w", err)
	}

	core := daemon.NewCore(
		cfg,
		ks,
		download.NewHTTP(nil),
		hypervisor.DefaultDetector(),
		nil,
		telemetry.New(),
	)

	return server.New(cfg, core).Run(ctx)
}
