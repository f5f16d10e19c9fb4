package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"livepatch/internal/config"
	"livepatch/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	// Global flags
	verbose    bool
	configPath string
	network    string
	addr       string

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "livepatch",
	Short: "livepatch - reload single Go functions in a running process",
	Long: `livepatch recompiles one function or method from its current source file
and installs it into a running process without a restart.

The host process embeds a command agent. Use "livepatch demo" to run a sample
host, then edit internal/demo/demo.go and run "livepatch reload demo greeting".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("network") {
			loaded.Agent.Network = network
		}
		if cmd.Flags().Changed("addr") {
			loaded.Agent.Addr = addr
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded

		logger, err = logging.New(cfg.Logging.Options(verbose))
		if err != nil {
			return err
		}
		logging.Initialize(logger, cfg.Logging.Categories)
		logging.BootDebug("configuration loaded from %s", configPath)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the livepatch version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "livepatch %s\n", version)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging and show full method source")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "livepatch.yaml", "Path to the config file")
	rootCmd.PersistentFlags().StringVar(&network, "network", "", "Agent network, tcp or unix (overrides config)")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "Agent address (overrides config)")

	// Add commands to root
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
