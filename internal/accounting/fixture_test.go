package accounting

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	sharedlog "github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type ledgerFixture struct {
	t         *testing.T
	ctx       context.Context
	svc       *Service
	repo      RepositoryPort
	memory    *MemoryRepository
	audit     *sharedlog.MemoryAuditLog
	approvals *sharedlog.MemoryApprovals
	now       time.Time
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.BackoffInitial = time.Millisecond
	opts.BackoffMax = 2 * time.Millisecond
	return opts
}

func newFixture(t *testing.T, mutate ...func(*Options)) *ledgerFixture {
	t.Helper()
	mem := NewMemoryRepository()
	return newFixtureWithRepo(t, mem, mem, mutate...)
}

func newFixtureWithRepo(t *testing.T, repo RepositoryPort, mem *MemoryRepository, mutate ...func(*Options)) *ledgerFixture {
	t.Helper()
	opts := testOptions()
	for _, m := range mutate {
		m(&opts)
	}
	f := &ledgerFixture{
		t:         t,
		ctx:       sharedlog.ContextWithActor(context.Background(), "clerk"),
		repo:      repo,
		memory:    mem,
		audit:     sharedlog.NewMemoryAuditLog(),
		approvals: sharedlog.NewMemoryApprovals(),
		now:       time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(Dependencies{
		Repository: repo,
		Audit:      f.audit,
		Approvals:  f.approvals,
		Logger:     discardLogger(),
	}, opts)
	f.svc.WithNow(func() time.Time { return f.now })
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type accountOption func(*AccountInput)

func withParent(id string) accountOption {
	return func(in *AccountInput) { in.ParentID = id }
}

func withOpening(v string) accountOption {
	return func(in *AccountInput) { in.OpeningBalance = dec(v) }
}

func withCurrency(code string) accountOption {
	return func(in *AccountInput) { in.Currency = code }
}

func withSettings(s AccountSettings) accountOption {
	return func(in *AccountInput) { in.Settings = s }
}

func asSystem() accountOption {
	return func(in *AccountInput) { in.IsSystem = true }
}

func (f *ledgerFixture) account(id string, accountType AccountType, opts ...accountOption) Account {
	f.t.Helper()
	in := AccountInput{ID: id, Code: id, Name: "Account " + id, Type: string(accountType)}
	for _, o := range opts {
		o(&in)
	}
	acc, err := f.svc.Accounts.CreateAccount(f.ctx, in)
	require.NoError(f.t, err)
	return acc
}

func (f *ledgerFixture) get(id string) Account {
	f.t.Helper()
	acc, err := f.svc.Accounts.GetAccount(f.ctx, id)
	require.NoError(f.t, err)
	return acc
}

func debit(accountID, amount string) EntryInput {
	return EntryInput{AccountID: accountID, Debit: dec(amount)}
}

func credit(accountID, amount string) EntryInput {
	return EntryInput{AccountID: accountID, Credit: dec(amount)}
}

func (f *ledgerFixture) input(id string, entries ...EntryInput) TransactionInput {
	return TransactionInput{
		ID:          id,
		Date:        f.now,
		Description: "test " + id,
		Type:        "journal",
		Entries:     entries,
	}
}

func (f *ledgerFixture) submit(id string, entries ...EntryInput) Transaction {
	f.t.Helper()
	txn, err := f.svc.Submit(f.ctx, f.input(id, entries...))
	require.NoError(f.t, err)
	return txn
}

func (f *ledgerFixture) requireBalance(id, current string) {
	f.t.Helper()
	acc := f.get(id)
	require.Truef(f.t, acc.CurrentBalance.Equal(dec(current)), "account %s current = %s, want %s", id, acc.CurrentBalance, current)
}

func (f *ledgerFixture) requireRollup(id, rollup string) {
	f.t.Helper()
	acc := f.get(id)
	require.Truef(f.t, acc.RollupBalance.Equal(dec(rollup)), "account %s rollup = %s, want %s", id, acc.RollupBalance, rollup)
}
