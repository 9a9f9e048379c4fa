// Package cli implements the sprinklerd command line interface using Cobra.
// The root command runs the daemon; subcommands cover diagnostics.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hausgrid/sprinklerd/internal/daemon"
)

var (
	flagServiceConfig string
	flagConfig        string
	flagBackup        string
	flagDebug         bool
	flagSimSpeed      int
	flagSimDelta      string
	flagUseLocal      bool
	flagNoLocal       bool
	flagHost          string
	flagPort          int
)

var rootCmd = &cobra.Command{
	Use:   "sprinklerd",
	Short: "sprinklerd, the distributed irrigation controller",
	Long: `sprinklerd owns the watering policy of a sprinkler network: it
evaluates schedules, expands programs into zone runs, cycles the zones
through their pulse and pause times, and drives discovered control servers.
Valves themselves are operated by separate control services.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagServiceConfig, "service-config", "", "service configuration file (TOML)")
	flags.StringVar(&flagConfig, "config", "", "watering configuration file (JSON)")
	flags.StringVar(&flagBackup, "backup", "", "state backup file")
	flags.BoolVar(&flagDebug, "debug", false, "enable debug logging")
	flags.IntVar(&flagSimSpeed, "sim-speed", 0, "simulation speed factor (divisor of 60)")
	flags.StringVar(&flagSimDelta, "sim-delta", "", "simulation time offset, e.g. 2d, 3h, 90m")
	flags.BoolVar(&flagUseLocal, "use-local-storage", false, "force local config/state files on")
	flags.BoolVar(&flagNoLocal, "no-local-storage", false, "disable local config/state files")
	flags.StringVar(&flagHost, "host", "", "host to listen on (overrides service config)")
	flags.IntVar(&flagPort, "port", 0, "port to listen on (overrides service config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	opts := daemon.Options{
		ServiceConfig: flagServiceConfig,
		ConfigPath:    flagConfig,
		BackupPath:    flagBackup,
		Debug:         flagDebug,
		SimSpeed:      flagSimSpeed,
		SimDelta:      flagSimDelta,
		Host:          flagHost,
		Port:          flagPort,
	}
	switch {
	case flagUseLocal && flagNoLocal:
		return fmt.Errorf("--use-local-storage and --no-local-storage are exclusive")
	case flagUseLocal:
		t := true
		opts.UseLocal = &t
	case flagNoLocal:
		f := false
		opts.UseLocal = &f
	}

	d, err := daemon.New(opts)
	if err != nil {
		return err
	}
	return d.Serve(context.Background())
}

// Execute runs the root command. Called from main.
func Execute(version string) {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
