package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/localfirst/syncengine/internal/types"
)

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and retry dead-lettered sync-queue rows",
	Long: `Dead-lettered rows are sync-queue items whose attemptCount reached
maxRetryAttempts or whose error the engine classified as permanent. They
no longer get picked up automatically; 'retry' resets a row back to
pending so the next poll cycle replays it.`,
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead sync-queue rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, closeFn, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		items, err := sess.queue.GetAllItems(cmd.Context())
		if err != nil {
			return fmt.Errorf("list queue items: %w", err)
		}
		var dead []*types.SyncQueueItem
		for _, it := range items {
			if it.Status == types.QueueStatusDead {
				dead = append(dead, it)
			}
		}

		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(dead)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMODEL TYPE\tMODEL ID\tOP\tATTEMPTS\tLAST ERROR")
		for _, it := range dead {
			lastErr := ""
			if it.LastError != nil {
				lastErr = *it.LastError
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", it.ID, it.ModelType, it.ModelID, it.Op, it.AttemptCount, lastErr)
		}
		return w.Flush()
	},
}

var deadletterRetryCmd = &cobra.Command{
	Use:   "retry <queue-item-id>",
	Short: "Reset a dead row back to pending for immediate replay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid queue item id %q: %w", args[0], err)
		}

		sess, closeFn, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		return retryDeadRow(cmd.Context(), sess, id)
	},
}

func retryDeadRow(ctx context.Context, sess *session, id int64) error {
	item, err := sess.queue.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("look up queue item %d: %w", id, err)
	}
	if item.Status != types.QueueStatusDead {
		return fmt.Errorf("queue item %d is not dead (status=%s)", id, item.Status)
	}
	// attemptCount resets to 0 and
	// nextRetryAt is cleared so the very next poll cycle's due-task query
	// picks it up.
	if err := sess.queue.UpdateRetry(ctx, id, nil, 0, ""); err != nil {
		return fmt.Errorf("reset queue item %d: %w", id, err)
	}
	fmt.Printf("queue item %d reset to pending (was dead after %d attempts)\n", id, item.AttemptCount)
	return nil
}

func init() {
	rootCmd.AddCommand(deadletterCmd)
	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterRetryCmd)
}
