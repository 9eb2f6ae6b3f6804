// Command syncctl is a small operational CLI over the sync engine's
// durable state: dump the resolved configuration, inspect the three
// request queues, list and retry dead-lettered sync-queue rows, and
// (destructively) obliterate local storage. It opens the same
// localstore.Store and syncqueue.SyncQueue the application's engine
// uses, pointed at a SQLite file path, without constructing an
// engine.Engine, the way
// cmd/bd/admin.go is a thin operational surface over the same storage
// package the daemon itself uses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	dbPath     string
	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "syncctl - operational CLI for the offline-first sync engine",
	Long: `syncctl inspects and administers a sync engine's durable state:
resolved configuration, request-queue occupancy, and dead-lettered
sync-queue rows.

Use with care: 'syncctl obliterate' deletes all local state.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "syncengine.db", "path to the local SQLite store")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to an engine config file (.yaml/.yml/.toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON instead of table output")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "syncctl:", err)
		os.Exit(1)
	}
}
