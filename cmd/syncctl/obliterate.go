package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var obliterateForce bool

var obliterateCmd = &cobra.Command{
	Use:   "obliterate",
	Short: "Destructively clear all local sync-queue rows and model tables",
	Long: `obliterate deletes every sync-queue row and truncates every
registered model table. It never runs
without --force and is meant for test fixtures or a hard local reset,
never normal operation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !obliterateForce {
			return fmt.Errorf("refusing to obliterate without --force")
		}

		sess, closeFn, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := cmd.Context()

		items, err := sess.queue.GetAllItems(ctx)
		if err != nil {
			return fmt.Errorf("list queue items: %w", err)
		}
		for _, it := range items {
			if err := sess.queue.Delete(ctx, it.ID); err != nil {
				return fmt.Errorf("delete queue item %d: %w", it.ID, err)
			}
		}

		tables, err := sess.store.ListModelTables(ctx)
		if err != nil {
			return fmt.Errorf("list model tables: %w", err)
		}
		for modelType, table := range tables {
			if _, err := sess.store.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
				return fmt.Errorf("truncate %s (%s): %w", modelType, table, err)
			}
			sess.store.Notify(table)
		}

		fmt.Printf("obliterated %d queue row(s) and %d model table(s)\n", len(items), len(tables))
		return nil
	},
}

func init() {
	obliterateCmd.Flags().BoolVar(&obliterateForce, "force", false, "actually perform the obliteration")
	rootCmd.AddCommand(obliterateCmd)
}
