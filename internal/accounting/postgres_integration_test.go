//go:build integration

package accounting

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	sharedlog "github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func setupPostgres(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("ledger"),
		tcpostgres.WithPassword("ledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(dsn, discardLogger()))

	pool, err := db.New(ctx, dsn, db.PoolOptions{MaxConns: 16})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewRepository(pool)
}

func TestPostgresLedgerLifecycle(t *testing.T) {
	repo := setupPostgres(t)
	f := newFixtureWithRepo(t, repo, nil)

	f.account("assets", AccountTypeAsset)
	f.account("cash", AccountTypeAsset, withParent("assets"), withOpening("50"))
	f.account("sales", AccountTypeRevenue)
	f.account("wages", AccountTypeExpense, withSettings(AccountSettings{RequireApproval: true}))

	f.submit("t1", debit("cash", "100"), credit("sales", "100"))
	f.requireBalance("cash", "150")
	f.requireRollup("assets", "150")

	_, err := f.svc.Submit(f.ctx, f.input("t2", debit("sales", "10"), credit("cash", "500")))
	require.Error(t, err)

	_, err = f.svc.Submit(f.ctx, f.input("t3", debit("wages", "500"), credit("cash", "500")))
	require.NoError(t, err)
	_, err = f.svc.Approve(f.ctx, "t3", "boss")
	require.ErrorIs(t, err, shared.ErrNegativeBalanceRejected)
	f.requireBalance("cash", "150")

	pending := f.submit("t4", debit("wages", "40"), credit("cash", "40"))
	assert.Equal(t, StatusPending, pending.Status)
	_, err = f.svc.Approve(f.ctx, "t4", "boss")
	require.NoError(t, err)
	f.requireBalance("cash", "110")

	receipt, err := f.svc.Receipt(f.ctx, "t4")
	require.NoError(t, err)
	assert.Equal(t, ReceiptDigest(receipt), receipt.Digest)

	report, err := f.svc.Ledger.VerifyIntegrity(f.ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report.Issues)
}

func TestPostgresConcurrentPostings(t *testing.T) {
	repo := setupPostgres(t)
	f := newFixtureWithRepo(t, repo, nil, func(o *Options) { o.MaxPostAttempts = 10 })
	f.account("cash", AccountTypeAsset)
	f.account("sales", AccountTypeRevenue)

	g, ctx := errgroup.WithContext(sharedlog.ContextWithActor(context.Background(), "loader"))
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("c-%02d", i)
		g.Go(func() error {
			_, err := f.svc.Submit(ctx, TransactionInput{ID: id, Date: f.now, Entries: []EntryInput{debit("cash", "5"), credit("sales", "5")}})
			return err
		})
	}
	require.NoError(t, g.Wait())
	f.requireBalance("cash", "100")
	f.requireBalance("sales", "100")

	receipts, err := repo.ListReceipts(f.ctx, ReceiptFilter{AccountID: "cash"})
	require.NoError(t, err)
	assert.Len(t, receipts, 20)
}
