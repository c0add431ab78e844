package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/bootstrap"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/cache"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/database"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/env"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/jobqueue"
	metrics "github.com/RubensPaulo1/NexFun-sub000/internal/pkg/metrics/counter"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "reconcilectl",
		Short:   "Operator tools for subscription payment reconciliation",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			env.SetupEnvFile()
		},
	}
	rootCmd.PersistentFlags().Duration("timeout", time.Minute, "Overall command timeout")

	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(flushCountersCmd())
	rootCmd.AddCommand(jobsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [subscription-id]",
		Short: "Run the fallback verifier for a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			services, err := connect(ctx)
			if err != nil {
				return err
			}
			result, err := services.Verifier.Verify(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [audit-id]",
		Short: "Re-apply a stored webhook payload",
		Long: `Replay loads a webhook_audit_events row and runs its payload through the
provider adapter again, without signature checks. Already applied payments are
reported as duplicates.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			auditID, err := cast.ToUintE(args[0])
			if err != nil || auditID == 0 {
				return fmt.Errorf("invalid audit id %q", args[0])
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			services, err := connect(ctx)
			if err != nil {
				return err
			}
			audit, err := services.Engine.Repository().GetWebhookAudit(ctx, auditID)
			if err != nil {
				return err
			}
			adapter, err := services.ReplayAdapter(audit.Provider)
			if err != nil {
				return err
			}
			results, err := services.Processor.Replay(ctx, auditID, adapter)
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
}

func flushCountersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush-counters",
		Short: "Move Redis webhook counters into webhook_daily_stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			database.SetupDatabase()
			cache.SetupCache()
			n, err := metrics.Flush(ctx, cache.GetClient(), database.GetDB())
			if err != nil {
				return err
			}
			fmt.Printf("Flushed %d counters\n", n)
			return nil
		},
	}
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and retry failed notification and archive jobs",
	}

	dead := &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			limit, _ := cmd.Flags().GetInt64("limit")
			cache.SetupCache()
			list, err := jobqueue.NewQueue(1).DeadLetters(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(list)
		},
	}
	dead.Flags().Int64("limit", 50, "Maximum number of jobs to list")

	retry := &cobra.Command{
		Use:   "retry [job-id...]",
		Short: "Put dead-lettered jobs back on the pending list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			cache.SetupCache()
			q := jobqueue.NewQueue(1)
			for _, id := range args {
				if err := q.RetryDeadLetter(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Requeued %s\n", id)
			}
			return nil
		},
	}

	jobs.AddCommand(dead, retry)
	return jobs
}

// connect wires the services against the shared database and Redis. Jobs are
// only enqueued here; the server's workers run them.
func connect(ctx context.Context) (*bootstrap.Services, error) {
	database.SetupDatabase()
	cache.SetupCache()
	return bootstrap.Build(ctx, database.GetDB(), jobqueue.NewQueue(1))
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil || timeout <= 0 {
		timeout = time.Minute
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
