package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"logship/internal/queue"
)

func newQueueCommand(cc *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the upload queue",
	}

	queueCmd.AddCommand(newQueueStatusCommand(cc))
	queueCmd.AddCommand(newQueueListCommand(cc))
	queueCmd.AddCommand(newQueueRetryCommand(cc))
	queueCmd.AddCommand(newQueueClearCommand(cc))
	queueCmd.AddCommand(newQueueResetCommand(cc))
	queueCmd.AddCommand(newQueueHealthCommand(cc))

	return queueCmd
}

// withQueue opens the queue database for one admin command. Commands talk
// to the same SQLite file the daemon uses; WAL mode keeps both readers
// honest.
func withQueue(cc *commandContext, cmd *cobra.Command, fn func(ctx context.Context, store *queue.Store) error) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	store, err := queue.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cmd.Context(), store)
}

func newQueueStatusCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue entry counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cc, cmd, func(ctx context.Context, store *queue.Store) error {
				stats, err := store.Stats(ctx)
				if err != nil {
					return err
				}
				if len(stats) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				rows := make([][]string, 0, len(stats))
				for _, status := range []queue.Status{queue.StatusPending, queue.StatusInFlight, queue.StatusPermanentlyFailed} {
					if count, ok := stats[status]; ok {
						rows = append(rows, []string{string(status), strconv.Itoa(count)})
					}
				}
				out := renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
}

func newQueueListCommand(cc *commandContext) *cobra.Command {
	var statusFlags []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := make([]queue.Status, 0, len(statusFlags))
			for _, raw := range statusFlags {
				status, ok := queue.ParseStatus(raw)
				if !ok {
					return fmt.Errorf("unknown status %q", raw)
				}
				statuses = append(statuses, status)
			}
			return withQueue(cc, cmd, func(ctx context.Context, store *queue.Store) error {
				entries, err := store.List(ctx, statuses...)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, entry := range entries {
					rows = append(rows, []string{
						strconv.FormatInt(entry.ID, 10),
						string(entry.Status),
						strconv.Itoa(entry.AttemptCount),
						entry.Label,
						entry.Identity.Path,
						formatBytes(entry.Identity.Size),
						entry.EnqueuedAt.Local().Format(time.DateTime),
						entry.LastErrorKind,
					})
				}
				out := renderTable(
					[]string{"ID", "Status", "Attempts", "Label", "Path", "Size", "Enqueued", "Last Error"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statusFlags, "status", nil, "Filter by status (pending, in_flight, permanently_failed)")
	return cmd
}

func newQueueRetryCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id ...]",
		Short: "Return permanently failed entries to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid entry id %q", arg)
				}
				ids = append(ids, id)
			}
			return withQueue(cc, cmd, func(ctx context.Context, store *queue.Store) error {
				count, err := store.RetryFailed(ctx, ids...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Returned %d entries to pending\n", count)
				return nil
			})
		},
	}
}

func newQueueClearCommand(cc *commandContext) *cobra.Command {
	var failedOnly bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cc, cmd, func(ctx context.Context, store *queue.Store) error {
				var (
					count int64
					err   error
				)
				if failedOnly {
					count, err = store.ClearFailed(ctx)
				} else {
					count, err = store.Clear(ctx)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries\n", count)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "Remove only permanently failed entries")
	return cmd
}

func newQueueResetCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Return stuck in-flight entries to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cc, cmd, func(ctx context.Context, store *queue.Store) error {
				count, err := store.ResetInFlight(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %d in-flight entries\n", count)
				return nil
			})
		},
	}
}

func newQueueHealthCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run queue database diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cc, cmd, func(ctx context.Context, store *queue.Store) error {
				health, err := store.CheckHealth(ctx)
				if err != nil {
					return err
				}
				rows := [][]string{
					{"Database path", health.DBPath},
					{"Database exists", strconv.FormatBool(health.DatabaseExists)},
					{"Database readable", strconv.FormatBool(health.DatabaseReadable)},
					{"Table exists", strconv.FormatBool(health.TableExists)},
					{"Total entries", strconv.Itoa(health.TotalEntries)},
					{"Integrity check", strconv.FormatBool(health.IntegrityCheck)},
				}
				if health.Error != "" {
					rows = append(rows, []string{"Error", health.Error})
				}
				out := renderTable([]string{"Check", "Result"}, rows, []columnAlignment{alignLeft, alignLeft})
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
}

func formatBytes(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}
