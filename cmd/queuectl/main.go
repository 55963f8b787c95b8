// queuectl is an operator CLI for inspecting and manipulating the job
// queue from a terminal: enqueue a one-off job, inspect a job's state,
// retry or cancel it, and list/pause cron schedules.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/BillyRonksGlobal/dataqueue/internal/queue"
	"github.com/BillyRonksGlobal/dataqueue/internal/queue/kv"
	"github.com/BillyRonksGlobal/dataqueue/internal/queue/postgres"
	"github.com/BillyRonksGlobal/dataqueue/pkg/config"
	"github.com/BillyRonksGlobal/dataqueue/pkg/logger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "queuectl",
		Short: "Operate dataqueue from the command line",
	}
	root.AddCommand(
		enqueueCmd(),
		getCmd(),
		listCmd(),
		retryCmd(),
		cancelCmd(),
		cronListCmd(),
		cronPauseCmd(),
		cronResumeCmd(),
	)
	return root
}

func enqueueCmd() *cobra.Command {
	var payloadJSON string
	var priority int
	var tags []string
	var idempotencyKey string

	cmd := &cobra.Command{
		Use:   "enqueue JOB_TYPE",
		Short: "Enqueue a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn, err := openQueue()
			if err != nil {
				return err
			}
			defer closeFn()

			var payload any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload JSON: %w", err)
				}
			}

			job, err := q.AddJob(cmd.Context(), queue.JobOptions{
				JobType:        args[0],
				Payload:        payload,
				Priority:       priority,
				Tags:           tags,
				IdempotencyKey: idempotencyKey,
			})
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "job payload as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority, higher runs first")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to attach (repeatable)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "dedupe key")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Print a job by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id: %w", err)
			}
			q, closeFn, err := openQueue()
			if err != nil {
				return err
			}
			defer closeFn()

			job, err := q.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}
}

func listCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn, err := openQueue()
			if err != nil {
				return err
			}
			defer closeFn()

			opts := queue.ListOptions{Limit: limit}
			var result *queue.ListResult
			if status != "" {
				result, err = q.GetJobsByStatus(cmd.Context(), queue.JobStatus(status), opts)
			} else {
				result, err = q.GetAllJobs(cmd.Context(), opts)
			}
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, processing, waiting, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max jobs to return")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry ID",
		Short: "Retry a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id: %w", err)
			}
			q, closeFn, err := openQueue()
			if err != nil {
				return err
			}
			defer closeFn()
			return q.RetryJob(cmd.Context(), id)
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id: %w", err)
			}
			q, closeFn, err := openQueue()
			if err != nil {
				return err
			}
			defer closeFn()
			return q.CancelJob(cmd.Context(), id)
		},
	}
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cron-list",
		Short: "List all cron schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn, err := openQueue()
			if err != nil {
				return err
			}
			defer closeFn()
			scheds, err := q.ListCronJobs(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(scheds)
		},
	}
}

func cronPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cron-pause ID",
		Short: "Pause a cron schedule",
		Args:  cobra.ExactArgs(1),
		RunE:  cronToggle(false),
	}
}

func cronResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cron-resume ID",
		Short: "Resume a paused cron schedule",
		Args:  cobra.ExactArgs(1),
		RunE:  cronToggle(true),
	}
}

func cronToggle(resume bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		q, closeFn, err := openQueue()
		if err != nil {
			return err
		}
		defer closeFn()
		if resume {
			return q.ResumeCronJob(cmd.Context(), id)
		}
		return q.PauseCronJob(cmd.Context(), id)
	}
}

// openQueue wires a Queue against whichever backend the environment
// selects, mirroring cmd/server's startup so operators see the same
// data the running server does.
func openQueue() (*queue.Queue, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.Default()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.Queue.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL())
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		q := queue.New(postgres.New(pool), log)
		return q, func() { q.Close(); pool.Close() }, nil

	case "kv":
		opts, err := redis.ParseURL(cfg.Redis.URL())
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		q := queue.New(kv.New(client, cfg.Queue.KeyPrefix), log)
		return q, func() { q.Close(); client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
