// Command robustws-client is a manual-test harness for the robustws
// library: it connects to a server, echoes every inbound message to
// stdout, and sends whatever it reads from stdin, logging every
// close/error/disconnect/reconnect event along the way.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "robustws-client",
	Short: "Manual test client for a robust logical WebSocket connection",
	Long: `robustws-client connects to a WebSocket server using the robustws
library, surviving drops and resuming delivery automatically. It is meant
for interactively exercising a server's resume/ACK protocol, not as a
production client.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to profile file (default: $XDG_CONFIG_HOME/robustws-client/profile.toml)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the robustws-client version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version)
	},
}

func resolvedConfigPath() (string, error) {
	if globalConfigPath != "" {
		return globalConfigPath, nil
	}
	return defaultConfigPath()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
