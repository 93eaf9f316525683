// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mcproxy",
	Short: "mcproxy - IGMPv3/MLDv2 multicast proxy daemon",
	Long: `mcproxy is a multicast proxy: it acts as the IGMPv3/MLDv2 querier on a set
of downstream interfaces, tracks which groups and sources have listeners,
and mirrors the aggregated membership on an upstream interface toward the
real multicast router.

Features:
  - IGMPv3 (RFC 3376) and MLDv2 (RFC 3810) querier state machines
  - Source-filtered memberships (INCLUDE/EXCLUDE with source lists)
  - Administrative whitelist/blacklist source filters per instance
  - Prometheus metrics and structured logging`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/mcproxy/config.yml",
		"config file path")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(validateCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
