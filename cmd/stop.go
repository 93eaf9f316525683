package cmd

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/mcproxy/internal/config"
	"firestige.xyz/mcproxy/internal/daemon"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running mcproxy daemon",
	Long: `Stop a running mcproxy daemon gracefully.

The daemon's PID is read from the PID file named in the configuration and a
SIGTERM is sent; the daemon leaves all joined groups and exits cleanly.`,
	Run: func(cmd *cobra.Command, args []string) {
		runStopCommand()
	},
}

func runStopCommand() {
	cfg, err := config.Load(configFile)
	if err != nil {
		exitWithError("failed to load config", err)
	}

	pid, err := daemon.ReadPIDFile(cfg.PIDFile)
	if err != nil {
		exitWithError("daemon is not running or PID file is inaccessible", err)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		exitWithError(fmt.Sprintf("failed to signal process %d", pid), err)
	}
	fmt.Printf("sent SIGTERM to mcproxy daemon (pid %d)\n", pid)
}
