package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/mappings"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Ledger exposes the submission operations required by integrations.
type Ledger interface {
	Submit(ctx context.Context, in accounting.TransactionInput) (accounting.Transaction, error)
	GetTransaction(ctx context.Context, id string) (accounting.Transaction, error)
}

// AccountMappingRepository provides mapping lookups.
type AccountMappingRepository interface {
	Get(ctx context.Context, module, key string) (mappings.AccountMapping, error)
}

// IdempotencyStore remembers processed events.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Hooks turns operational events into ledger transactions.
type Hooks struct {
	ledger      Ledger
	mappingRepo AccountMappingRepository
	idempotency IdempotencyStore
	logger      *slog.Logger
}

// NewHooks constructs integration hooks. idempotency may be nil.
func NewHooks(ledger Ledger, mappingRepo AccountMappingRepository, idempotency IdempotencyStore, logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{ledger: ledger, mappingRepo: mappingRepo, idempotency: idempotency, logger: logger}
}

// TransactionID is the ledger id assigned to an upstream document.
func TransactionID(module, sourceID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(module+":"+sourceID)).String()
}

func (h *Hooks) resolveAccount(ctx context.Context, module, key string) (string, error) {
	mapping, err := h.mappingRepo.Get(ctx, module, key)
	if err != nil {
		return "", err
	}
	return mapping.AccountID, nil
}

type line struct {
	key    string
	debit  decimal.Decimal
	credit decimal.Decimal
	memo   string
}

func (h *Hooks) entries(ctx context.Context, module string, lines []line) ([]accounting.EntryInput, error) {
	out := make([]accounting.EntryInput, 0, len(lines))
	for _, l := range lines {
		if l.debit.IsZero() && l.credit.IsZero() {
			continue
		}
		accountID, err := h.resolveAccount(ctx, module, l.key)
		if err != nil {
			return nil, err
		}
		out = append(out, accounting.EntryInput{AccountID: accountID, Debit: l.debit, Credit: l.credit, Description: l.memo})
	}
	return out, nil
}

// submit hands the input to the ledger once per source document.
func (h *Hooks) submit(ctx context.Context, module, sourceID string, in accounting.TransactionInput) (accounting.Transaction, error) {
	if sourceID == "" {
		return accounting.Transaction{}, errors.New("integration: source id required")
	}
	in.ID = TransactionID(module, sourceID)
	logger := h.logger.With(slog.String("module", module), slog.String("source_id", sourceID), slog.String("transaction_id", in.ID))

	if h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(ctx, in.ID, module); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				logger.Debug("event already processed")
				return h.ledger.GetTransaction(ctx, in.ID)
			}
			return accounting.Transaction{}, err
		}
	}
	txn, err := h.ledger.Submit(ctx, in)
	if err != nil {
		if h.idempotency != nil {
			if derr := h.idempotency.Delete(ctx, in.ID); derr != nil {
				logger.Warn("release idempotency key", slog.Any("error", derr))
			}
		}
		return accounting.Transaction{}, fmt.Errorf("integration: %s %s: %w", module, sourceID, err)
	}
	logger.Info("event submitted to ledger", slog.String("status", string(txn.Status)))
	return txn, nil
}

func requireDate(at time.Time, what string) error {
	if at.IsZero() {
		return fmt.Errorf("integration: %s date required", what)
	}
	return nil
}

// HandleSaleInvoiced books receivable, revenue and output tax.
func (h *Hooks) HandleSaleInvoiced(ctx context.Context, evt SaleInvoicedEvent) (accounting.Transaction, error) {
	if err := requireDate(evt.IssuedAt, "sale invoice"); err != nil {
		return accounting.Transaction{}, err
	}
	total := evt.Net.Add(evt.Tax)
	entries, err := h.entries(ctx, "SALES", []line{
		{key: "sales.ar", debit: total},
		{key: "sales.revenue", credit: evt.Net},
		{key: "sales.tax", credit: evt.Tax},
	})
	if err != nil {
		return accounting.Transaction{}, err
	}
	return h.submit(ctx, "SALES", evt.InvoiceID, accounting.TransactionInput{
		Date:        evt.IssuedAt,
		Description: fmt.Sprintf("Sales invoice %s", evt.Number),
		Type:        string(accounting.TransactionTypeSale),
		Reference:   evt.Number,
		ReferenceID: evt.InvoiceID,
		Amount:      total,
		Currency:    evt.Currency,
		Entries:     entries,
		CustomerID:  evt.CustomerID,
		InvoiceID:   evt.InvoiceID,
	})
}

// HandlePurchaseInvoiced books inventory or expense, input tax and payable.
func (h *Hooks) HandlePurchaseInvoiced(ctx context.Context, evt PurchaseInvoicedEvent) (accounting.Transaction, error) {
	if err := requireDate(evt.BookedAt, "purchase invoice"); err != nil {
		return accounting.Transaction{}, err
	}
	debitKey := "purchase.expense"
	if evt.Stocked {
		debitKey = "purchase.inventory"
	}
	total := evt.Net.Add(evt.Tax)
	entries, err := h.entries(ctx, "PURCHASE", []line{
		{key: debitKey, debit: evt.Net},
		{key: "purchase.tax", debit: evt.Tax},
		{key: "purchase.ap", credit: total},
	})
	if err != nil {
		return accounting.Transaction{}, err
	}
	return h.submit(ctx, "PURCHASE", evt.InvoiceID, accounting.TransactionInput{
		Date:        evt.BookedAt,
		Description: fmt.Sprintf("Supplier invoice %s", evt.Number),
		Type:        string(accounting.TransactionTypePurchase),
		Reference:   evt.Number,
		ReferenceID: evt.InvoiceID,
		Amount:      total,
		Currency:    evt.Currency,
		Entries:     entries,
		SupplierID:  evt.SupplierID,
		InvoiceID:   evt.InvoiceID,
	})
}

// HandlePayrollRun books gross salaries against cash and withholding.
func (h *Hooks) HandlePayrollRun(ctx context.Context, evt PayrollRunEvent) (accounting.Transaction, error) {
	if err := requireDate(evt.PaidAt, "payroll"); err != nil {
		return accounting.Transaction{}, err
	}
	if evt.Withholding.GreaterThan(evt.Gross) {
		return accounting.Transaction{}, errors.New("integration: withholding exceeds gross pay")
	}
	entries, err := h.entries(ctx, "PAYROLL", []line{
		{key: "payroll.expense", debit: evt.Gross},
		{key: "payroll.cash", credit: evt.Gross.Sub(evt.Withholding)},
		{key: "payroll.withholding", credit: evt.Withholding},
	})
	if err != nil {
		return accounting.Transaction{}, err
	}
	return h.submit(ctx, "PAYROLL", evt.RunID, accounting.TransactionInput{
		Date:        evt.PaidAt,
		Description: fmt.Sprintf("Payroll %s", evt.Period),
		Type:        string(accounting.TransactionTypePayroll),
		Reference:   evt.Period,
		ReferenceID: evt.RunID,
		Amount:      evt.Gross,
		Currency:    evt.Currency,
		Entries:     entries,
	})
}

// HandlePaymentSettled books a customer receipt or a supplier payment.
func (h *Hooks) HandlePaymentSettled(ctx context.Context, evt PaymentSettledEvent) (accounting.Transaction, error) {
	if err := requireDate(evt.PaidAt, "payment"); err != nil {
		return accounting.Transaction{}, err
	}
	in := accounting.TransactionInput{
		Date:          evt.PaidAt,
		ReferenceID:   evt.PaymentID,
		Amount:        evt.Amount,
		Currency:      evt.Currency,
		InvoiceID:     evt.InvoiceID,
		PaymentMethod: evt.Method,
	}
	var lines []line
	switch evt.Direction {
	case PaymentIncoming:
		lines = []line{{key: "payment.cash", debit: evt.Amount}, {key: "payment.ar", credit: evt.Amount}}
		in.Type = string(accounting.TransactionTypeReceipt)
		in.CustomerID = evt.CounterParty
		in.Description = fmt.Sprintf("Receipt from %s", evt.CounterParty)
	case PaymentOutgoing:
		lines = []line{{key: "payment.ap", debit: evt.Amount}, {key: "payment.cash", credit: evt.Amount}}
		in.Type = string(accounting.TransactionTypePayment)
		in.SupplierID = evt.CounterParty
		in.Description = fmt.Sprintf("Payment to %s", evt.CounterParty)
	default:
		return accounting.Transaction{}, fmt.Errorf("integration: unknown payment direction %q", evt.Direction)
	}
	entries, err := h.entries(ctx, "PAYMENT", lines)
	if err != nil {
		return accounting.Transaction{}, err
	}
	in.Entries = entries
	return h.submit(ctx, "PAYMENT", evt.PaymentID, in)
}

var _ Ledger = (*accounting.Service)(nil)
