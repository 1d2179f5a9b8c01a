// leadline serves the lead-assignment CRM: HTTP API, push streams and MCP
// tools over one state store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jaakkos/leadline/internal/policy"
)

// Version is set by -ldflags at build time.
var Version = "dev"

var (
	configPath string
	verbose    bool

	cfg    *policy.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "leadline",
	Short:         "Lead assignment CRM server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = loadConfig(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.LogLevel = "debug"
		}
		logger, err = setupLogger(cfg.LogLevel, policy.New(cfg).LogFile())
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "leadline "+Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LEADLINE_CONFIG"), "YAML config file (env LEADLINE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads path (when set) over the defaults, then applies
// LEADLINE_* environment overrides and validates the result.
func loadConfig(path string) (*policy.Config, error) {
	c := policy.DefaultConfig()
	if path != "" {
		var err error
		if c, err = policy.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := policy.ApplyEnv(c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}
