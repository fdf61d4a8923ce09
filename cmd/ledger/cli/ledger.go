package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/chart"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// ErrIntegrity is returned by verify when discrepancies were found.
var ErrIntegrity = errors.New("ledger integrity check failed")

func newMigrateCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rt.opts.Config.LedgerStore != app.StorePostgres {
				return fmt.Errorf("migrate: store %q has no schema", rt.opts.Config.LedgerStore)
			}
			return db.Migrate(rt.opts.Config.PGDSN, rt.opts.Logger)
		},
	}
	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rt.opts.Config.LedgerStore != app.StorePostgres {
				return fmt.Errorf("migrate: store %q has no schema", rt.opts.Config.LedgerStore)
			}
			return db.MigrateDown(rt.opts.Config.PGDSN, steps, rt.opts.Logger)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(up, down)
	return cmd
}

func newChartCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chart",
		Short: "Manage the chart of accounts",
	}
	var file string
	seed := &cobra.Command{
		Use:   "seed",
		Short: "Create missing accounts and mappings from a chart file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = rt.opts.Config.ChartSeedPath
			}
			c, err := chart.LoadFile(file)
			if err != nil {
				return err
			}
			ledger, err := rt.service(cmd.Context())
			if err != nil {
				return err
			}
			res, err := chart.Seed(cmd.Context(), ledger.Service.Accounts, ledger.Mappings, c, rt.opts.Logger)
			if err != nil {
				return err
			}
			if rt.json {
				return rt.printJSON(res)
			}
			fmt.Fprintf(rt.out(), "accounts created: %d, existing: %d, mappings: %d\n", res.Created, res.Existing, res.Mappings)
			return nil
		},
	}
	seed.Flags().StringVar(&file, "file", "", "chart YAML file (defaults to the embedded chart)")
	cmd.AddCommand(seed)
	return cmd
}

func newAccountsCommand(rt *runtime) *cobra.Command {
	var accountType string
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List accounts with their balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := accounting.AccountFilter{ActiveOnly: activeOnly}
			if accountType != "" {
				t, err := accounting.ParseAccountType(accountType)
				if err != nil {
					return err
				}
				filter.Type = t
			}
			ledger, err := rt.service(cmd.Context())
			if err != nil {
				return err
			}
			accounts, err := ledger.Service.Accounts.ListAccounts(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if rt.json {
				return rt.printJSON(accounts)
			}
			tw := tabwriter.NewWriter(rt.out(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CODE\tNAME\tTYPE\tCURRENCY\tCURRENT\tROLLUP\tACTIVE")
			for _, a := range accounts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
					a.Code, a.Name, a.Type, a.Currency, a.CurrentBalance.StringFixed(2), a.RollupBalance.StringFixed(2), a.IsActive)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&accountType, "type", "", "filter by account type")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active accounts")
	return cmd
}

func newBalanceCommand(rt *runtime) *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "balance <account-id|code>",
		Short: "Show the balance of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := rt.service(cmd.Context())
			if err != nil {
				return err
			}
			acc, err := resolveAccount(cmd.Context(), ledger.Service, args[0])
			if err != nil {
				return err
			}
			var view accounting.BalanceView
			if asOf != "" {
				at, err := parseAsOf(asOf)
				if err != nil {
					return err
				}
				view, err = ledger.Service.Ledger.BalanceAsOf(cmd.Context(), acc.ID, at)
				if err != nil {
					return err
				}
			} else {
				view, err = ledger.Service.Ledger.Balance(cmd.Context(), acc.ID)
				if err != nil {
					return err
				}
			}
			if rt.json {
				return rt.printJSON(view)
			}
			fmt.Fprintf(rt.out(), "%s %s (%s)\n", acc.Code, acc.Name, view.Currency)
			fmt.Fprintf(rt.out(), "  opening: %s\n  current: %s\n  rollup:  %s\n",
				view.Opening.StringFixed(2), view.Current.StringFixed(2), view.Rollup.StringFixed(2))
			return nil
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "point in time (YYYY-MM-DD or RFC3339)")
	return cmd
}

// resolveAccount accepts an account id or a chart code.
func resolveAccount(ctx context.Context, svc *accounting.Service, ref string) (accounting.Account, error) {
	acc, err := svc.Accounts.GetAccount(ctx, ref)
	if err == nil || !errors.Is(err, shared.ErrAccountNotFound) {
		return acc, err
	}
	return svc.Accounts.GetAccount(ctx, chart.AccountID(ref))
}

func parseAsOf(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("as-of %q: %w", raw, shared.ErrInvalidInput)
	}
	// a bare date covers the whole day
	return t.Add(24*time.Hour - time.Nanosecond), nil
}

func newVerifyCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute balances from receipts and report discrepancies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := rt.service(cmd.Context())
			if err != nil {
				return err
			}
			report, err := ledger.Service.Ledger.VerifyIntegrity(cmd.Context())
			if err != nil {
				return err
			}
			if rt.json {
				if err := rt.printJSON(report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(rt.out(), "checked %d accounts, %d receipts: %d issues\n", report.Accounts, report.Receipts, len(report.Issues))
				for _, issue := range report.Issues {
					subject := issue.AccountID
					if subject == "" {
						subject = issue.TransactionID
					}
					fmt.Fprintf(rt.out(), "  %s %s expected=%s actual=%s\n", issue.Kind, subject, issue.Expected, issue.Actual)
				}
			}
			if !report.OK() {
				return ErrIntegrity
			}
			return nil
		},
	}
}

func newPendingCommand(rt *runtime) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List transactions waiting for approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := rt.service(cmd.Context())
			if err != nil {
				return err
			}
			var txns []accounting.Transaction
			if olderThan > 0 {
				txns, err = ledger.Service.StalePending(cmd.Context(), olderThan)
			} else {
				txns, err = ledger.Service.ListTransactions(cmd.Context(), accounting.TransactionFilter{Status: accounting.StatusPending})
			}
			if err != nil {
				return err
			}
			if rt.json {
				return rt.printJSON(txns)
			}
			tw := tabwriter.NewWriter(rt.out(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDATE\tTYPE\tAMOUNT\tDESCRIPTION")
			for _, t := range txns {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%s\n",
					t.ID, t.Date.Format(time.DateOnly), t.Type, t.Amount.StringFixed(2), t.Currency, t.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only transactions pending longer than this")
	return cmd
}

func newPostCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "post <transaction-id>",
		Short: "Post an approved transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := rt.service(cmd.Context())
			if err != nil {
				return err
			}
			receipt, err := ledger.Service.Post(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rt.json {
				return rt.printJSON(receipt)
			}
			fmt.Fprintf(rt.out(), "posted %s: %d accounts, digest %s\n", receipt.TransactionID, len(receipt.Deltas), receipt.Digest)
			return nil
		},
	}
}

func newApproveCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <transaction-id>",
		Short: "Approve a pending transaction as --actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := rt.service(cmd.Context())
			if err != nil {
				return err
			}
			txn, err := ledger.Service.Approve(cmd.Context(), args[0], rt.actor)
			if err != nil {
				return err
			}
			return rt.printStatus(txn)
		},
	}
}

func newRejectCommand(rt *runtime) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <transaction-id>",
		Short: "Reject a pending transaction as --actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := rt.service(cmd.Context())
			if err != nil {
				return err
			}
			txn, err := ledger.Service.Reject(cmd.Context(), args[0], rt.actor, reason)
			if err != nil {
				return err
			}
			return rt.printStatus(txn)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func (rt *runtime) printStatus(txn accounting.Transaction) error {
	if rt.json {
		return rt.printJSON(map[string]any{"id": txn.ID, "status": txn.Status, "version": txn.Version})
	}
	fmt.Fprintf(rt.out(), "%s %s\n", txn.ID, txn.Status)
	return nil
}
