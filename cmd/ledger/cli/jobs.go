package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

// JobsBackend enqueues maintenance jobs and reports queue state.
type JobsBackend interface {
	Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error)
	Stats(ctx context.Context) ([]jobs.QueueStats, error)
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers against the given Redis.
func NewJobsCLI(opts asynq.RedisClientOpt) (*JobsCLI, error) {
	if opts.Addr == "" {
		return nil, errors.New("jobs cli: redis address required")
	}
	return &JobsCLI{client: jobs.NewClient(opts), inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a supported job by name with its default payload.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.Trigger(ctx, name)
}

// Stats reports the state of the ledger queues.
func (c *JobsCLI) Stats(ctx context.Context) ([]jobs.QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	return jobs.CollectStats(c.inspector)
}

func (rt *runtime) jobsBackend() (JobsBackend, error) {
	if rt.opts.Jobs != nil {
		return rt.opts.Jobs, nil
	}
	if rt.jobs == nil {
		backend, err := NewJobsCLI(asynq.RedisClientOpt{
			Addr:     rt.opts.Config.RedisAddr,
			Password: rt.opts.Config.RedisPass,
			DB:       rt.opts.Config.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		rt.jobs = backend
	}
	return rt.jobs, nil
}

func newJobsCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger and inspect background jobs",
	}
	cmd.AddCommand(newJobsTriggerCommand(rt), newJobsStatsCommand(rt))
	return cmd
}

func newJobsTriggerCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:       "trigger <name>",
		Short:     "Enqueue a job with its default payload",
		Args:      cobra.ExactArgs(1),
		ValidArgs: jobs.TaskNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := rt.jobsBackend()
			if err != nil {
				return err
			}
			info, err := backend.Trigger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rt.json {
				return rt.printJSON(map[string]string{"id": info.ID, "type": info.Type, "queue": info.Queue})
			}
			fmt.Fprintf(rt.out(), "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
}

func newJobsStatsCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := rt.jobsBackend()
			if err != nil {
				return err
			}
			stats, err := backend.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if rt.json {
				return rt.printJSON(stats)
			}
			tw := tabwriter.NewWriter(rt.out(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tFAILED")
			for _, s := range stats {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Failed)
			}
			return tw.Flush()
		},
	}
}
