package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/mcproxy/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate the mcproxy configuration file without starting the daemon.

This is useful for pre-checking configuration before a restart.

Examples:
  mcproxy validate
  mcproxy validate -c /etc/mcproxy.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand()
	},
}

func runValidateCommand() {
	cfg, err := config.Load(configFile)
	if err != nil {
		exitWithError("INVALID", err)
	}

	fmt.Printf("VALID: %d instance(s)\n", len(cfg.Instances))
	for _, inst := range cfg.Instances {
		fmt.Printf("  %s: %s, upstream %s, %d downstream interface(s)\n",
			inst.Name, inst.Protocol, inst.Upstream, len(inst.Downstreams))
	}
}
