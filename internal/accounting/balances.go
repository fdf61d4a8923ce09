package accounting

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
)

// BalanceView is the queryable balance of one account.
type BalanceView struct {
	AccountID string          `json:"account_id"`
	Currency  string          `json:"currency"`
	Opening   decimal.Decimal `json:"opening"`
	Current   decimal.Decimal `json:"current"`
	Rollup    decimal.Decimal `json:"rollup"`
	AsOf      *time.Time      `json:"as_of,omitempty"`
}

func viewOf(acc Account) BalanceView {
	return BalanceView{
		AccountID: acc.ID,
		Currency:  acc.Currency,
		Opening:   acc.OpeningBalance,
		Current:   acc.CurrentBalance,
		Rollup:    acc.RollupBalance,
	}
}

// BalanceLedger answers balance queries. Current balances are read straight
// from the store; point-in-time balances are replayed from posting receipts
// and cached under the ledger version.
type BalanceLedger struct {
	repo   RepositoryPort
	cache  *cache.Versioned
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// NewBalanceLedger wires the balance ledger. cache may be nil.
func NewBalanceLedger(repo RepositoryPort, c *cache.Versioned, logger *slog.Logger) *BalanceLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &BalanceLedger{repo: repo, cache: c, logger: logger, now: time.Now}
}

// Balance returns the live balances of one account.
func (l *BalanceLedger) Balance(ctx context.Context, accountID string) (BalanceView, error) {
	acc, err := l.repo.GetAccount(ctx, accountID)
	if err != nil {
		return BalanceView{}, err
	}
	return viewOf(acc), nil
}

// Balances returns live balances for every account matching filter.
func (l *BalanceLedger) Balances(ctx context.Context, filter AccountFilter) ([]BalanceView, error) {
	accounts, err := l.repo.ListAccounts(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]BalanceView, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, viewOf(acc))
	}
	return out, nil
}

// BalanceAsOf replays every receipt dated on or before asOf.
func (l *BalanceLedger) BalanceAsOf(ctx context.Context, accountID string, asOf time.Time) (BalanceView, error) {
	asOf = asOf.UTC()
	key, err := l.cache.BuildKey(ctx, "ledger", "balance_asof", accountID, asOf.Format(time.RFC3339Nano))
	if err != nil {
		l.logger.Warn("balance cache unavailable", slog.Any("error", err))
		return l.replay(ctx, accountID, asOf)
	}
	v, err, _ := l.group.Do(key, func() (any, error) {
		var view BalanceView
		err := l.cache.FetchJSON(ctx, key, &view, func(ctx context.Context) (any, error) {
			return l.replay(ctx, accountID, asOf)
		})
		return view, err
	})
	if err != nil {
		return BalanceView{}, err
	}
	return v.(BalanceView), nil
}

func (l *BalanceLedger) replay(ctx context.Context, accountID string, asOf time.Time) (BalanceView, error) {
	accounts, err := l.repo.ListAccounts(ctx, AccountFilter{})
	if err != nil {
		return BalanceView{}, err
	}
	byID := indexAccounts(accounts)
	acc, ok := byID[accountID]
	if !ok {
		return BalanceView{}, shared.ErrAccountNotFound
	}
	receipts, err := l.repo.ListReceipts(ctx, ReceiptFilter{Until: &asOf, AccountID: accountID})
	if err != nil {
		return BalanceView{}, err
	}
	opening := acc.OpeningBalance
	if acc.CreatedAt.After(asOf) {
		opening = decimal.Zero
	}
	view := BalanceView{
		AccountID: acc.ID,
		Currency:  acc.Currency,
		Opening:   opening,
		Current:   opening,
		Rollup:    openingRollups(byID, asOf)[acc.ID],
		AsOf:      &asOf,
	}
	for _, r := range receipts {
		if d, ok := r.DeltaFor(accountID); ok {
			view.Current = view.Current.Add(d)
		}
		if d, ok := r.RollupFor(accountID); ok {
			view.Rollup = view.Rollup.Add(d)
		}
	}
	return view, nil
}

// Warm precomputes point-in-time balances for every account.
func (l *BalanceLedger) Warm(ctx context.Context, asOf time.Time, concurrency int) (int, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	accounts, err := l.repo.ListAccounts(ctx, AccountFilter{})
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, acc := range accounts {
		id := acc.ID
		g.Go(func() error {
			_, err := l.BalanceAsOf(gctx, id, asOf)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(accounts), nil
}

// Invalidate drops every cached point-in-time balance.
func (l *BalanceLedger) Invalidate(ctx context.Context) {
	if err := l.cache.Bump(ctx); err != nil {
		l.logger.Warn("bump balance cache", slog.Any("error", err))
	}
}

// IntegrityIssue is one discrepancy found by VerifyIntegrity.
type IntegrityIssue struct {
	Kind          string          `json:"kind"`
	AccountID     string          `json:"account_id,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Expected      decimal.Decimal `json:"expected"`
	Actual        decimal.Decimal `json:"actual"`
}

// IntegrityReport summarises a full ledger check.
type IntegrityReport struct {
	CheckedAt time.Time        `json:"checked_at"`
	Accounts  int              `json:"accounts"`
	Receipts  int              `json:"receipts"`
	Issues    []IntegrityIssue `json:"issues"`
}

// OK reports whether no discrepancy was found.
func (r IntegrityReport) OK() bool {
	return len(r.Issues) == 0
}

const (
	IssueDigest    = "digest"
	IssueCurrent   = "current_balance"
	IssueRollup    = "rollup_balance"
	IssueHierarchy = "hierarchy"
)

// VerifyIntegrity recomputes every balance from opening balances and
// receipts, checks receipt digests and the roll-up invariant.
func (l *BalanceLedger) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	var (
		accounts []Account
		receipts []PostingReceipt
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		accounts, err = l.repo.ListAccounts(gctx, AccountFilter{})
		return err
	})
	g.Go(func() error {
		var err error
		receipts, err = l.repo.ListReceipts(gctx, ReceiptFilter{})
		return err
	})
	if err := g.Wait(); err != nil {
		return IntegrityReport{}, err
	}

	report := IntegrityReport{CheckedAt: l.now().UTC(), Accounts: len(accounts), Receipts: len(receipts)}
	byID := indexAccounts(accounts)
	current := make(map[string]decimal.Decimal, len(accounts))
	rollup := openingRollups(byID, time.Time{})
	for _, acc := range accounts {
		current[acc.ID] = acc.OpeningBalance
	}
	for _, r := range receipts {
		if digest := ReceiptDigest(r); digest != r.Digest {
			report.Issues = append(report.Issues, IntegrityIssue{Kind: IssueDigest, TransactionID: r.TransactionID})
		}
		for _, d := range r.Deltas {
			current[d.AccountID] = current[d.AccountID].Add(d.Delta)
		}
		for _, d := range r.Rollups {
			rollup[d.AccountID] = rollup[d.AccountID].Add(d.Delta)
		}
	}

	children := make(map[string][]Account)
	for _, acc := range accounts {
		if acc.HasParent() {
			children[acc.ParentID] = append(children[acc.ParentID], acc)
		}
	}
	for _, acc := range accounts {
		if !current[acc.ID].Equal(acc.CurrentBalance) {
			report.Issues = append(report.Issues, IntegrityIssue{Kind: IssueCurrent, AccountID: acc.ID, Expected: current[acc.ID], Actual: acc.CurrentBalance})
		}
		if !rollup[acc.ID].Equal(acc.RollupBalance) {
			report.Issues = append(report.Issues, IntegrityIssue{Kind: IssueRollup, AccountID: acc.ID, Expected: rollup[acc.ID], Actual: acc.RollupBalance})
		}
		expected := acc.CurrentBalance
		for _, child := range children[acc.ID] {
			expected = expected.Add(child.RollupBalance.Mul(child.Type.NormalSide().Sign()).Mul(acc.Type.NormalSide().Sign()))
		}
		if !expected.Equal(acc.RollupBalance) {
			report.Issues = append(report.Issues, IntegrityIssue{Kind: IssueHierarchy, AccountID: acc.ID, Expected: expected, Actual: acc.RollupBalance})
		}
	}
	sort.SliceStable(report.Issues, func(i, j int) bool {
		if report.Issues[i].Kind != report.Issues[j].Kind {
			return report.Issues[i].Kind < report.Issues[j].Kind
		}
		return report.Issues[i].AccountID+report.Issues[i].TransactionID < report.Issues[j].AccountID+report.Issues[j].TransactionID
	})
	return report, nil
}

func indexAccounts(accounts []Account) map[string]Account {
	out := make(map[string]Account, len(accounts))
	for _, acc := range accounts {
		out[acc.ID] = acc
	}
	return out
}

// openingRollups returns, per account, its own opening balance plus every
// descendant's opening balance expressed on the account's normal side.
// A non-zero asOf leaves out accounts created after it.
func openingRollups(accounts map[string]Account, asOf time.Time) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(accounts))
	for _, acc := range accounts {
		if !asOf.IsZero() && acc.CreatedAt.After(asOf) {
			continue
		}
		net := acc.OpeningBalance.Mul(acc.Type.NormalSide().Sign())
		node, ok := acc, true
		for depth := 0; ok && depth <= maxHierarchyDepth; depth++ {
			out[node.ID] = out[node.ID].Add(net.Mul(node.Type.NormalSide().Sign()))
			if !node.HasParent() {
				break
			}
			node, ok = accounts[node.ParentID]
		}
	}
	return out
}
