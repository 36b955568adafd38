package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"example.com/sessionsync/internal/config"
	"example.com/sessionsync/internal/offline"
)

func newQueueCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and operate on the offline mutation queue",
	}
	cmd.AddCommand(newQueueStatusCmd(cfg), newQueueFlushCmd(cfg), newQueueRetryCmd(cfg), newQueueClearCmd(cfg))
	return cmd
}

func newQueueStatusCmd(cfg *config.Config) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queued mutations and their retry state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := offline.OpenSQLite(ctx, cfg.QueuePath)
			if err != nil {
				return fmt.Errorf("open offline queue: %w", err)
			}
			defer store.Close()

			q := offline.NewQueue(store, nil)
			summary, err := q.Summary(ctx)
			if err != nil {
				return err
			}
			items, err := q.List(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Pending   int                `json:"pending"`
					Failed    int                `json:"failed"`
					Due       int                `json:"due"`
					NextDueAt *time.Time         `json:"next_due_at,omitempty"`
					Items     []offline.Mutation `json:"items"`
				}{summary.Pending, summary.Failed, summary.Due, summary.NextDueAt, items})
			}

			fmt.Fprintf(out, "Pending : %d (due %d)\n", summary.Pending, summary.Due)
			fmt.Fprintf(out, "Failed  : %d\n", summary.Failed)
			if summary.NextDueAt != nil {
				fmt.Fprintf(out, "Next    : %s\n", summary.NextDueAt.Format(time.RFC3339))
			}
			if len(items) == 0 {
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tOPERATION\tTARGET\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
			for _, m := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n", m.ID, m.Operation, m.Target, m.Status,
					m.Attempts, m.MaxAttempts, m.NextAttemptAt.Format(time.RFC3339), m.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status in JSON format")
	return cmd
}

func newQueueFlushCmd(cfg *config.Config) *cobra.Command {
	var (
		maxBatch int
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Send due mutations now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openPlatform(ctx, *cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			result, err := p.queue(nil).Flush(ctx, offline.FlushOptions{MaxBatch: maxBatch, Force: force})
			if err != nil {
				return err
			}
			if result.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "flush skipped: %s\n", result.Reason)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, sent %d, failed %d\n", result.Attempted, result.Sent, result.Failed)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxBatch, "max-batch", 50, "Maximum mutations to attempt")
	cmd.Flags().BoolVar(&force, "force", false, "Send even when the backend looks offline")
	return cmd
}

func newQueueRetryCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Reset a mutation's attempts and make it due immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := offline.OpenSQLite(ctx, cfg.QueuePath)
			if err != nil {
				return fmt.Errorf("open offline queue: %w", err)
			}
			defer store.Close()

			m, err := offline.NewQueue(store, nil).Retry(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is due again (%s)\n", m.ID, m.Operation)
			return nil
		},
	}
}

func newQueueClearCmd(cfg *config.Config) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued mutation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear %s without --yes", cfg.QueuePath)
			}
			ctx := cmd.Context()
			store, err := offline.OpenSQLite(ctx, cfg.QueuePath)
			if err != nil {
				return fmt.Errorf("open offline queue: %w", err)
			}
			defer store.Close()

			if err := offline.NewQueue(store, nil).Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "offline queue cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm clearing the queue")
	return cmd
}
