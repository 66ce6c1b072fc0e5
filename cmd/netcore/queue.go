package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/ultrakipen/netcore"
)

var errQueueDisabled = errors.New("offline queue is disabled (set queue.enabled)")

func (c *cli) queue() (*netcore.OfflineQueue, error) {
	q := c.pipeline.Queue()
	if q == nil {
		return nil, errQueueDisabled
	}
	return q, nil
}

// newQueueCmd groups offline queue maintenance.
//
// Queue subcommands build the full pipeline because sync replays items
// through the same retry and credential path as live writes.
func newQueueCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay writes deferred while offline",
		Long: `Manage the offline write queue.

Subcommands:
  list  - Show pending writes in replay order
  sync  - Replay pending writes now
  clear - Drop every pending write`,
	}
	cmd.AddCommand(newQueueListCmd(c), newQueueSyncCmd(c), newQueueClearCmd(c))
	return cmd
}

func newQueueListCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "Show pending writes in replay order",
		Args:    cobra.NoArgs,
		PreRunE: c.setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := c.queue()
			if err != nil {
				return err
			}
			items, err := q.ListPending(cmd.Context())
			if err != nil {
				return err
			}
			switch output {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			case "text":
				return writeQueueTable(cmd.OutOrStdout(), items)
			default:
				return fmt.Errorf("unsupported output %q", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or json")
	return cmd
}

func writeQueueTable(w io.Writer, items []netcore.QueueItem) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"ID", "Method", "URL", "Enqueued", "Retries", "Last Error"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignLeft
	})

	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			item.Method,
			item.URL,
			item.EnqueuedAt.Local().Format(time.DateTime),
			strconv.Itoa(item.RetryCount) + "/" + strconv.Itoa(item.MaxRetries),
			item.LastError,
		})
	}
	if err := table.Bulk(rows); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d pending\n", len(items))
	return err
}

func newQueueSyncCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay pending writes now",
		Long: `Replay every pending write in the order it was queued. A write that
fails stays queued until it exhausts its retries, then it is dropped and
reported. The command fails if any write was dropped in this pass.`,
		Args:    cobra.NoArgs,
		PreRunE: c.setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := c.queue(); err != nil {
				return err
			}
			res, err := c.pipeline.SyncOfflineQueue(cmd.Context())
			if err != nil {
				return err
			}
			if res.Skipped {
				cmd.Println("sync skipped: offline or another sync is running")
				return nil
			}
			cmd.Printf("processed %d, succeeded %d, failed %d, remaining %d\n",
				res.Processed, res.Succeeded, res.Failed, res.Remaining)
			for _, d := range res.Dropped {
				cmd.Printf("dropped %s %s %s: %v\n", d.Item.ID, d.Item.Method, d.Item.URL, d.Err)
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d queued writes dropped after exhausting retries", res.Failed)
			}
			return nil
		},
	}
}

func newQueueClearCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "clear",
		Short:   "Drop every pending write",
		Args:    cobra.NoArgs,
		PreRunE: c.setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := c.queue()
			if err != nil {
				return err
			}
			n, err := q.Count(cmd.Context())
			if err != nil {
				return err
			}
			if err := q.Clear(cmd.Context()); err != nil {
				return err
			}
			cmd.Printf("cleared %d pending writes\n", n)
			return nil
		},
	}
}
