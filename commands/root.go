package commands

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/spf13/cobra"

	"easyconnect/config"
	"easyconnect/logging"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

const appName = "easyconnect"

var rootCmd = &cobra.Command{
	Use:   "easyconnect",
	Short: "EasyConnect - send text and files to nearby devices",
	Long: `EasyConnect finds other EasyConnect devices on the local network via mDNS
and exchanges text messages and files with them over TCP.

Use "easyconnect [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: <user config dir>/easyconnect/config.json)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(configCmd)
}

// versionCmd shows version info
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "EasyConnect\n")
		fmt.Fprintf(out, "  Version:  %s\n", Version)
		fmt.Fprintf(out, "  Commit:   %s\n", Commit)
		fmt.Fprintf(out, "  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

// configPath resolves --config or the per-user default.
func configPath(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path, nil
	}
	return config.DefaultPath()
}

// loadConfig reads the config file if present, otherwise defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := configPath(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		if !logging.ValidLevel(level) {
			return nil, fmt.Errorf("unknown log level %q", level)
		}
		cfg.LogLevel = level
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(appName, cfg.LogLevel)
}
