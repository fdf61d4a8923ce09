package accounting

import (
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
)

func (f *ledgerFixture) submitDated(id string, date time.Time, entries ...EntryInput) {
	f.t.Helper()
	in := f.input(id, entries...)
	in.Date = date
	_, err := f.svc.Submit(f.ctx, in)
	require.NoError(f.t, err)
}

func TestBalanceAsOfReplaysReceipts(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2024, 12, 31, 9, 0, 0, 0, time.UTC)
	f.account("assets", AccountTypeAsset)
	f.account("cash", AccountTypeAsset, withParent("assets"), withOpening("25"))
	f.account("sales", AccountTypeRevenue)

	jan := func(day int) time.Time { return time.Date(2025, 1, day, 12, 0, 0, 0, time.UTC) }
	f.submitDated("t1", jan(5), debit("cash", "100"), credit("sales", "100"))
	f.submitDated("t2", jan(10), debit("cash", "50"), credit("sales", "50"))
	f.submitDated("t3", jan(20), debit("sales", "30"), credit("cash", "30"))

	cases := []struct {
		asOf    time.Time
		current string
	}{
		{jan(1), "25"},
		{jan(5), "125"},
		{jan(15), "175"},
		{jan(31), "145"},
	}
	for _, tc := range cases {
		view, err := f.svc.Ledger.BalanceAsOf(f.ctx, "cash", tc.asOf)
		require.NoError(t, err)
		assert.Truef(t, view.Current.Equal(dec(tc.current)), "as of %s: %s", tc.asOf.Format(time.DateOnly), view.Current)
		assert.True(t, view.Opening.Equal(dec("25")))
		require.NotNil(t, view.AsOf)

		parent, err := f.svc.Ledger.BalanceAsOf(f.ctx, "assets", tc.asOf)
		require.NoError(t, err)
		assert.Truef(t, parent.Rollup.Equal(dec(tc.current)), "assets rollup as of %s: %s", tc.asOf.Format(time.DateOnly), parent.Rollup)
	}

	live, err := f.svc.Ledger.Balance(f.ctx, "cash")
	require.NoError(t, err)
	assert.True(t, live.Current.Equal(dec("145")))
	assert.Nil(t, live.AsOf)

	_, err = f.svc.Ledger.BalanceAsOf(f.ctx, "ghost", jan(31))
	require.ErrorIs(t, err, shared.ErrAccountNotFound)
}

func TestBalanceAsOfIgnoresAccountsOpenedLater(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	f.account("assets", AccountTypeAsset)
	f.account("cash", AccountTypeAsset, withParent("assets"), withOpening("25"))
	f.now = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	f.account("bank", AccountTypeAsset, withParent("assets"), withOpening("70"))

	jan31 := time.Date(2025, 1, 31, 23, 59, 0, 0, time.UTC)
	bank, err := f.svc.Ledger.BalanceAsOf(f.ctx, "bank", jan31)
	require.NoError(t, err)
	assert.True(t, bank.Opening.IsZero(), bank.Opening.String())
	assert.True(t, bank.Current.IsZero(), bank.Current.String())
	assert.True(t, bank.Rollup.IsZero(), bank.Rollup.String())

	parent, err := f.svc.Ledger.BalanceAsOf(f.ctx, "assets", jan31)
	require.NoError(t, err)
	assert.True(t, parent.Rollup.Equal(dec("25")), parent.Rollup.String())

	parent, err = f.svc.Ledger.BalanceAsOf(f.ctx, "assets", f.now)
	require.NoError(t, err)
	assert.True(t, parent.Rollup.Equal(dec("95")), parent.Rollup.String())

	report, err := f.svc.Ledger.VerifyIntegrity(f.ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report)
}

func TestBalancesFiltersAccounts(t *testing.T) {
	f := newFixture(t)
	f.account("cash", AccountTypeAsset, withOpening("10"))
	f.account("bank", AccountTypeAsset)
	f.account("sales", AccountTypeRevenue)

	views, err := f.svc.Ledger.Balances(f.ctx, AccountFilter{Type: AccountTypeAsset})
	require.NoError(t, err)
	require.Len(t, views, 2)
	ids := []string{views[0].AccountID, views[1].AccountID}
	assert.ElementsMatch(t, []string{"cash", "bank"}, ids)
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	f := newFixture(t)
	f.account("assets", AccountTypeAsset)
	f.account("cash", AccountTypeAsset, withParent("assets"))
	f.account("sales", AccountTypeRevenue)
	f.submit("t1", debit("cash", "100"), credit("sales", "100"))

	report, err := f.svc.Ledger.VerifyIntegrity(f.ctx)
	require.NoError(t, err)
	require.True(t, report.OK(), "%+v", report.Issues)
	assert.Equal(t, 3, report.Accounts)
	assert.Equal(t, 1, report.Receipts)

	f.memory.mu.Lock()
	acc := f.memory.accounts["cash"]
	acc.CurrentBalance = dec("90")
	f.memory.accounts["cash"] = acc
	rec := f.memory.receipts["t1"]
	rec.Digest = strings.Repeat("0", len(rec.Digest))
	f.memory.receipts["t1"] = rec
	f.memory.mu.Unlock()

	report, err = f.svc.Ledger.VerifyIntegrity(f.ctx)
	require.NoError(t, err)
	require.False(t, report.OK())

	kinds := make(map[string]IntegrityIssue)
	for _, issue := range report.Issues {
		kinds[issue.Kind] = issue
	}
	require.Contains(t, kinds, IssueDigest)
	assert.Equal(t, "t1", kinds[IssueDigest].TransactionID)
	require.Contains(t, kinds, IssueCurrent)
	assert.Equal(t, "cash", kinds[IssueCurrent].AccountID)
	assert.True(t, kinds[IssueCurrent].Expected.Equal(dec("100")))
	assert.True(t, kinds[IssueCurrent].Actual.Equal(dec("90")))
	require.Contains(t, kinds, IssueHierarchy)
	assert.Equal(t, "cash", kinds[IssueHierarchy].AccountID)
}

func TestBalanceAsOfUsesVersionedCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t)
	f.svc = NewService(Dependencies{
		Repository: f.memory,
		Audit:      f.audit,
		Approvals:  f.approvals,
		Cache:      cache.NewVersioned(client, "ledger-test", time.Minute),
		Logger:     discardLogger(),
	}, testOptions())
	f.svc.WithNow(func() time.Time { return f.now })

	f.account("cash", AccountTypeAsset)
	f.account("sales", AccountTypeRevenue)
	f.submit("t1", debit("cash", "100"), credit("sales", "100"))

	asOf := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	view, err := f.svc.Ledger.BalanceAsOf(f.ctx, "cash", asOf)
	require.NoError(t, err)
	assert.True(t, view.Current.Equal(dec("100")))

	cached := mr.Keys()
	var found bool
	for _, k := range cached {
		if strings.HasPrefix(k, "ledger:balance_asof:cash:") {
			found = true
		}
	}
	assert.True(t, found, "keys: %v", cached)

	versionBefore, err := mr.Get("ledger-test:version")
	require.NoError(t, err)

	f.submitDated("t2", time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC), debit("cash", "40"), credit("sales", "40"))
	versionAfter, err := mr.Get("ledger-test:version")
	require.NoError(t, err)
	assert.NotEqual(t, versionBefore, versionAfter)

	view, err = f.svc.Ledger.BalanceAsOf(f.ctx, "cash", asOf)
	require.NoError(t, err)
	assert.True(t, view.Current.Equal(dec("140")), "cache must not serve a stale balance: %s", view.Current)
}

func TestWarmPopulatesEveryAccount(t *testing.T) {
	f := newFixture(t)
	f.account("cash", AccountTypeAsset)
	f.account("bank", AccountTypeAsset)
	f.account("sales", AccountTypeRevenue)

	n, err := f.svc.Ledger.Warm(f.ctx, f.now, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
