package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/notifyhub/relay/internal/config"
	"github.com/notifyhub/relay/internal/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := db.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain job queues",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats <queue>",
		Short: "Print ready, scheduled and deadletter sizes",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			s, err := a.svc.QueueStats(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		}),
	})

	var count int
	retry := &cobra.Command{
		Use:   "retry-deadletter <queue>",
		Short: "Move deadlettered jobs back to ready with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			n, err := a.svc.RetryDeadletter(ctx, args[0], count)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"requeued": n})
		}),
	}
	retry.Flags().IntVarP(&count, "count", "c", 1, "How many jobs to requeue")
	cmd.AddCommand(retry)

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <queue>",
		Short: "Drop every job of a queue, deadletters included",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			if err := a.svc.ClearQueue(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue %s cleared\n", args[0])
			return nil
		}),
	})

	return cmd
}

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drive the event outbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print pending, retrying, processed and failed counts",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			s, err := a.svc.OutboxStats(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Claim and handle one batch of due events, then exit",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			n, err := a.svc.DrainOutbox(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"handled": n})
		}),
	})

	return cmd
}

// withApp connects to the stores for the duration of one subcommand.
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, cmd, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
