// Package cmd implements the CLI commands for pipelined.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mediarunner/pipelined/internal/config"
	"github.com/mediarunner/pipelined/internal/observability"
	"github.com/mediarunner/pipelined/internal/version"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "pipelined",
	Short:   "Streaming media pipeline runtime",
	Version: version.Short(),
	Long: `pipelined compiles a declarative DAG manifest into a running
session, negotiates node capabilities across the graph, and streams
data through the graph's nodes over a bidirectional gRPC connection.

Configuration is primarily via a config file plus environment
variables (PIPELINED_... prefix, and the bare *_SECS / *_CHUNKS
variables named in the manifest runtime spec).

Example:
  pipelined serve --config /etc/pipelined/config.yaml`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to config file (default: searches ./config.yaml, /etc/pipelined, $HOME/.pipelined)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, text)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return initLogging(cmd)
	}
}

// initLogging builds the process-wide slog logger from CLI flag
// overrides, falling back to defaults until a full config is loaded by
// the subcommand (spec §2 ambient logging, grounded on
// cmd/tvarr-ffmpegd/cmd/root.go's initLogging).
func initLogging(cmd *cobra.Command) error {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}
	level = strings.ToLower(level)
	if level == "warning" {
		level = "warn"
	}

	logger := observability.NewLogger(config.LoggingConfig{Level: level, Format: format})
	observability.SetDefault(logger)
	return nil
}
