package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stokerhq/stoker/pkg/broker"
	"github.com/stokerhq/stoker/pkg/config"
	"github.com/stokerhq/stoker/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stoker",
	Short: "Stoker - notebook execution broker",
	Long: `Stoker brokers code execution between notebook clients and
interpreter kernels: a durable execution journal, per-notebook kernel
sessions, ordered output streaming, and lease-based asset cleanup,
delivered as a single binary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Stoker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Stoker version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	Long: `Run the broker in the foreground. Configuration comes from the
environment (DATA_DIR, LISTEN_ADDR, SESSION_TOKEN, KERNEL_COMMAND, ...)
with an optional YAML file named by STOKER_CONFIG_FILE.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		debug, _ := cmd.Flags().GetBool("debug")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")

		level := log.InfoLevel
		if debug {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, JSONOutput: jsonLogs, Output: os.Stderr})

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		b, err := broker.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return b.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().Bool("debug", false, "enable debug logging")
	serveCmd.Flags().Bool("json-logs", false, "emit logs as JSON")
}
