// Package cli implements the ledger operator commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	sharedlog "github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Options customises the command tree. Zero values load configuration from
// the environment and build the ledger on demand.
type Options struct {
	Config *app.Config
	Logger *slog.Logger
	Ledger *app.Ledger
	Jobs   JobsBackend
	Out    io.Writer
}

type runtime struct {
	opts   Options
	actor  string
	json   bool
	ledger *app.Ledger
	jobs   *JobsCLI
}

// NewRootCommand creates the root CLI command with all subcommands registered.
func NewRootCommand(opts Options) *cobra.Command {
	rt := &runtime{opts: opts}
	rootCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Double-entry ledger operations",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return rt.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			rt.close()
		},
	}
	rootCmd.PersistentFlags().StringVar(&rt.actor, "actor", sharedlog.SystemActor, "actor recorded in audit logs")
	rootCmd.PersistentFlags().BoolVar(&rt.json, "json", false, "print JSON output")

	rootCmd.AddCommand(
		newMigrateCommand(rt),
		newChartCommand(rt),
		newAccountsCommand(rt),
		newBalanceCommand(rt),
		newVerifyCommand(rt),
		newPendingCommand(rt),
		newPostCommand(rt),
		newApproveCommand(rt),
		newRejectCommand(rt),
		newJobsCommand(rt),
	)
	return rootCmd
}

func (rt *runtime) init(cmd *cobra.Command) error {
	if rt.opts.Out == nil {
		rt.opts.Out = cmd.OutOrStdout()
	}
	if rt.opts.Config == nil {
		cfg, err := app.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		rt.opts.Config = cfg
	}
	if rt.opts.Logger == nil {
		rt.opts.Logger = app.NewLogger(rt.opts.Config)
	}
	cmd.SetContext(sharedlog.ContextWithActor(cmd.Context(), rt.actor))
	return nil
}

// service returns the wired ledger, building it on first use.
func (rt *runtime) service(ctx context.Context) (*app.Ledger, error) {
	if rt.opts.Ledger != nil {
		return rt.opts.Ledger, nil
	}
	if rt.ledger != nil {
		return rt.ledger, nil
	}
	ledger, err := app.BuildLedger(ctx, rt.opts.Config, rt.opts.Logger, prometheus.NewRegistry())
	if err != nil {
		return nil, err
	}
	rt.ledger = ledger
	return ledger, nil
}

func (rt *runtime) close() {
	if rt.ledger != nil {
		rt.ledger.Close()
		rt.ledger = nil
	}
	if rt.jobs != nil {
		_ = rt.jobs.Close()
		rt.jobs = nil
	}
}

func (rt *runtime) out() io.Writer {
	if rt.opts.Out == nil {
		return os.Stdout
	}
	return rt.opts.Out
}

func (rt *runtime) printJSON(v any) error {
	enc := json.NewEncoder(rt.out())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
