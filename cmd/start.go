package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/mcproxy/internal/daemon"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mcproxy daemon",
	Long: `Start the mcproxy daemon in the foreground.

The daemon runs one proxy instance per configured upstream/downstream set
and blocks until SIGTERM or SIGINT. SIGUSR1 dumps the membership databases
to the log; SIGHUP reloads the logging configuration.

Examples:
  mcproxy start                       # Start with the default config path
  mcproxy start -c /etc/mcproxy.yml   # Start with an explicit config file`,
	Run: func(cmd *cobra.Command, args []string) {
		d, err := daemon.New(configFile)
		if err != nil {
			exitWithError("failed to create daemon", err)
		}
		if err := d.Start(); err != nil {
			exitWithError("failed to start daemon", err)
		}
		if err := d.Run(); err != nil {
			exitWithError("daemon exited with error", err)
		}
	},
}
