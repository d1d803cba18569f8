package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dchatpar/inboxgrove/internal/app"
	"github.com/dchatpar/inboxgrove/internal/config"
	"github.com/dchatpar/inboxgrove/internal/credentials"
	"github.com/dchatpar/inboxgrove/internal/keystore"
)

var (
	cfgFile    string
	noKeyring  bool
	verbose    bool
	version    = "dev"
	commit     = "unknown"
	buildTime  = "unknown"
	secretsFor = credentials.DefaultStore
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "inboxgrove",
	Short: "InboxGrove - sending domain provisioning",
	Long: `InboxGrove provisions sending domains: registrar purchase, DNS host
setup, DKIM keys, MTA deployment and DNS propagation checks.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the provisioning API server",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("inboxgrove version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults apply when omitted)")
	rootCmd.PersistentFlags().BoolVar(&noKeyring, "no-keyring", false, "do not read credentials from the OS keychain")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log adapter activity to stderr")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

// loadConfig reads the config file, or the defaults without one, and fills
// missing credentials from the keychain
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if !noKeyring {
		cfg.FillSecrets(secretsFor().Get)
	}
	return cfg, nil
}

// cliLogger discards adapter logs unless --verbose is set
func cliLogger(cfg *config.Config) *slog.Logger {
	if verbose {
		return app.NewLogger(cfg.Logging, os.Stderr)
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openKeys(cfg *config.Config) (*keystore.Store, error) {
	return openKeysAt(cfg.Storage.Path)
}

func openKeysAt(path string) (*keystore.Store, error) {
	keys, err := keystore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store %s: %w", path, err)
	}
	return keys, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API: %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Path)
	fmt.Printf("  DNS host: %s\n", cfg.DNSHost.Provider)
	fmt.Printf("  Verifier: %s\n", cfg.Verifier.Backend)
	fmt.Printf("  Selectors: %s\n", strings.Join(cfg.Wizard.Selectors, ", "))
	fmt.Printf("  DKIM authority: %s\n", cfg.Wizard.DKIMAuthority)
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}

	return nil
}
