// Command mcp-gateway proxies MCP clients to upstream MCP servers.
package main

import (
	"fmt"
	"os"

	"github.com/ggoodman/mcp-gateway/config"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "mcp-gateway",
	Short: "Gateway between MCP clients and upstream MCP servers",
	Long: `mcp-gateway exposes upstream MCP servers to clients over streamable HTTP
and SSE. It keeps sessions across restarts, applies per-server tool
policy, and acts as an OAuth authorization server for its clients while
holding per-user OAuth tokens for the upstream servers.

Process settings come from the environment; upstream servers come from a
YAML file (see "mcp-gateway schema").`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of the servers file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := config.Schema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "log format: json, text (overrides LOG_FORMAT)")
	rootCmd.AddCommand(newServeCmd(), schemaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
