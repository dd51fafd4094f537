package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodeplane/xpd/pkg/log"
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
	Use:   "xpd",
	Short: "xpd - a lightweight multi-host control plane for a fleet of Xray proxy daemons",
	Long: `xpd runs one process per host: a Raft-replicated control plane for
desired state (endpoints, users, quotas) alongside a reconciler that drives
the host's local Xray instance toward it.

Built for small fleets (1-20 nodes) that need shared state without the
operational weight of a full orchestrator.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"xpd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recoverSingleNodeCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(certsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// waitForShutdown blocks until either a termination signal arrives or errC
// reports a listener failure, printing which one it was.
func waitForShutdown(errC <-chan error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errC:
		fmt.Fprintf(os.Stderr, "\napi listener error: %v\n", err)
	}
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
