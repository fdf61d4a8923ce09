package integration

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/chart"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/mappings"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
	sharedlog "github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type hookFixture struct {
	ctx   context.Context
	svc   *accounting.Service
	hooks *Hooks
}

func newHookFixture(t *testing.T) *hookFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := accounting.NewService(accounting.Dependencies{
		Repository: accounting.NewMemoryRepository(),
		Logger:     logger,
	}, accounting.DefaultOptions())
	mapRepo := mappings.NewMemoryRepository()
	ctx := sharedlog.ContextWithActor(context.Background(), "integration")

	c, err := chart.Default()
	require.NoError(t, err)
	_, err = chart.Seed(ctx, svc.Accounts, mapRepo, c, logger)
	require.NoError(t, err)

	return &hookFixture{
		ctx:   ctx,
		svc:   svc,
		hooks: NewHooks(svc, mapRepo, sharedlog.NewMemoryIdempotency(), logger),
	}
}

func (f *hookFixture) balance(t *testing.T, code string) decimal.Decimal {
	t.Helper()
	view, err := f.svc.Ledger.Balance(f.ctx, chart.AccountID(code))
	require.NoError(t, err)
	return view.Current
}

func (f *hookFixture) rollup(t *testing.T, code string) decimal.Decimal {
	t.Helper()
	view, err := f.svc.Ledger.Balance(f.ctx, chart.AccountID(code))
	require.NoError(t, err)
	return view.Rollup
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var issued = time.Date(2025, 2, 3, 9, 0, 0, 0, time.UTC)

func TestSaleAndReceipt(t *testing.T) {
	f := newHookFixture(t)
	sale := SaleInvoicedEvent{InvoiceID: "inv-1", Number: "INV-0001", CustomerID: "cust-9", IssuedAt: issued, Net: amount("100"), Tax: amount("10")}

	txn, err := f.hooks.HandleSaleInvoiced(f.ctx, sale)
	require.NoError(t, err)
	assert.Equal(t, accounting.StatusPosted, txn.Status)
	assert.Equal(t, TransactionID("SALES", "inv-1"), txn.ID)
	assert.Equal(t, accounting.TransactionTypeSale, txn.Type)
	assert.True(t, f.balance(t, "1200").Equal(amount("110")))
	assert.True(t, f.balance(t, "4100").Equal(amount("100")))
	assert.True(t, f.balance(t, "2200").Equal(amount("10")))
	assert.True(t, f.rollup(t, "1000").Equal(amount("110")))

	again, err := f.hooks.HandleSaleInvoiced(f.ctx, sale)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, again.ID)
	assert.True(t, f.balance(t, "1200").Equal(amount("110")), "duplicate event must not post twice")

	_, err = f.hooks.HandlePaymentSettled(f.ctx, PaymentSettledEvent{
		PaymentID: "pay-1", Direction: PaymentIncoming, CounterParty: "cust-9", InvoiceID: "inv-1",
		Method: "transfer", PaidAt: issued.Add(48 * time.Hour), Amount: amount("110"),
	})
	require.NoError(t, err)
	assert.True(t, f.balance(t, "1200").IsZero())
	assert.True(t, f.balance(t, "1100").Equal(amount("110")))
}

func TestPurchaseAndSupplierPayment(t *testing.T) {
	f := newHookFixture(t)
	_, err := f.hooks.HandleSaleInvoiced(f.ctx, SaleInvoicedEvent{InvoiceID: "inv-1", Number: "INV-1", IssuedAt: issued, Net: amount("500")})
	require.NoError(t, err)
	_, err = f.hooks.HandlePaymentSettled(f.ctx, PaymentSettledEvent{PaymentID: "rcpt-1", Direction: PaymentIncoming, PaidAt: issued, Amount: amount("500")})
	require.NoError(t, err)

	_, err = f.hooks.HandlePurchaseInvoiced(f.ctx, PurchaseInvoicedEvent{
		InvoiceID: "bill-1", Number: "B-1", SupplierID: "sup-1", BookedAt: issued, Net: amount("200"), Tax: amount("20"), Stocked: true,
	})
	require.NoError(t, err)
	assert.True(t, f.balance(t, "1300").Equal(amount("200")))
	assert.True(t, f.balance(t, "1400").Equal(amount("20")))
	assert.True(t, f.balance(t, "2100").Equal(amount("220")))

	_, err = f.hooks.HandlePaymentSettled(f.ctx, PaymentSettledEvent{PaymentID: "pay-1", Direction: PaymentOutgoing, CounterParty: "sup-1", PaidAt: issued, Amount: amount("100")})
	require.NoError(t, err)
	assert.True(t, f.balance(t, "2100").Equal(amount("120")))
	assert.True(t, f.balance(t, "1100").Equal(amount("400")))

	_, err = f.hooks.HandlePaymentSettled(f.ctx, PaymentSettledEvent{PaymentID: "pay-2", Direction: PaymentOutgoing, PaidAt: issued, Amount: amount("1000")})
	require.ErrorIs(t, err, shared.ErrNegativeBalanceRejected)
	assert.True(t, f.balance(t, "1100").Equal(amount("400")))
}

func TestPayrollAwaitsApproval(t *testing.T) {
	f := newHookFixture(t)
	txn, err := f.hooks.HandlePayrollRun(f.ctx, PayrollRunEvent{RunID: "run-1", Period: "2025-01", PaidAt: issued, Gross: amount("1000"), Withholding: amount("100")})
	require.NoError(t, err)
	assert.Equal(t, accounting.StatusPending, txn.Status)
	assert.True(t, f.balance(t, "5200").IsZero())

	_, err = f.hooks.HandlePayrollRun(f.ctx, PayrollRunEvent{RunID: "run-2", Period: "2025-02", PaidAt: issued, Gross: amount("10"), Withholding: amount("20")})
	require.Error(t, err)
}

func TestFailedSubmissionReleasesIdempotencyKey(t *testing.T) {
	f := newHookFixture(t)
	evt := SaleInvoicedEvent{InvoiceID: "inv-7", Number: "INV-7", IssuedAt: issued, Currency: "EUR", Net: amount("50")}
	_, err := f.hooks.HandleSaleInvoiced(f.ctx, evt)
	require.ErrorIs(t, err, shared.ErrMissingExchangeRate)

	evt.Currency = "USD"
	txn, err := f.hooks.HandleSaleInvoiced(f.ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, accounting.StatusPosted, txn.Status)
}

func TestMissingMappingAndDate(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := accounting.NewService(accounting.Dependencies{Repository: accounting.NewMemoryRepository(), Logger: logger}, accounting.DefaultOptions())
	hooks := NewHooks(svc, mappings.NewMemoryRepository(), nil, logger)

	_, err := hooks.HandleSaleInvoiced(context.Background(), SaleInvoicedEvent{InvoiceID: "inv-1", IssuedAt: issued, Net: amount("1")})
	require.ErrorIs(t, err, mappings.ErrMappingNotFound)

	_, err = hooks.HandleSaleInvoiced(context.Background(), SaleInvoicedEvent{InvoiceID: "inv-1", Net: amount("1")})
	require.Error(t, err)

	_, err = hooks.HandlePaymentSettled(context.Background(), PaymentSettledEvent{PaymentID: "p", Direction: "sideways", PaidAt: issued})
	require.Error(t, err)
}
