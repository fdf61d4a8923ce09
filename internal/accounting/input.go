package accounting

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
)

var inputValidator = validator.New()

// EntryInput is the boundary form of an entry. Exactly one of Debit or Credit
// must be positive.
type EntryInput struct {
	AccountID   string          `json:"account_id" validate:"required,max=64"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Description string          `json:"description" validate:"max=500"`
}

// TransactionInput is the boundary form of a transaction.
type TransactionInput struct {
	ID            string                     `json:"id" validate:"omitempty,max=64"`
	Date          time.Time                  `json:"date"`
	Description   string                     `json:"description" validate:"max=500"`
	Type          string                     `json:"type" validate:"max=32"`
	Reference     string                     `json:"reference" validate:"max=120"`
	ReferenceID   string                     `json:"reference_id" validate:"max=120"`
	Amount        decimal.Decimal            `json:"amount"`
	Currency      string                     `json:"currency" validate:"omitempty,len=3"`
	ExchangeRates map[string]decimal.Decimal `json:"exchange_rates"`
	Entries       []EntryInput               `json:"entries" validate:"dive"`
	CustomerID    string                     `json:"customer_id" validate:"max=64"`
	SupplierID    string                     `json:"supplier_id" validate:"max=64"`
	InvoiceID     string                     `json:"invoice_id" validate:"max=64"`
	PaymentMethod string                     `json:"payment_method" validate:"max=32"`
	Notes         string                     `json:"notes" validate:"max=2000"`
	CreatedBy     string                     `json:"created_by" validate:"max=64"`
}

// AccountInput describes an account to create.
type AccountInput struct {
	ID             string          `json:"id" validate:"omitempty,max=64"`
	Code           string          `json:"code" validate:"max=32"`
	Name           string          `json:"name" validate:"required,max=200"`
	Type           string          `json:"type" validate:"required"`
	Category       string          `json:"category" validate:"max=100"`
	ParentID       string          `json:"parent_id" validate:"omitempty,max=64"`
	Currency       string          `json:"currency" validate:"omitempty,len=3"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	IsSystem       bool            `json:"is_system"`
	Settings       AccountSettings `json:"settings"`
}

// SettingsPatch updates only the fields that are set.
type SettingsPatch struct {
	AllowNegativeBalance *bool `json:"allow_negative_balance"`
	RequireApproval      *bool `json:"require_approval"`
}

// Apply returns settings with the patch applied.
func (p SettingsPatch) Apply(settings AccountSettings) AccountSettings {
	if p.AllowNegativeBalance != nil {
		settings.AllowNegativeBalance = *p.AllowNegativeBalance
	}
	if p.RequireApproval != nil {
		settings.RequireApproval = *p.RequireApproval
	}
	return settings
}

// buildTransaction converts boundary input into a draft. Structural checks
// that need account data are left to the Validator.
func buildTransaction(in TransactionInput, defaultCurrency string, now time.Time) (Transaction, error) {
	var errs shared.ValidationErrors
	if err := inputValidator.Struct(in); err != nil {
		errs = append(errs, fieldErrors(err)...)
	}
	txnType, err := ParseTransactionType(in.Type)
	if err != nil {
		errs = append(errs, shared.ValidationError{Code: shared.CodeInvalidInput, EntryIndex: shared.NoEntry, Field: "type", Message: in.Type})
	}

	entries := make([]Entry, 0, len(in.Entries))
	for i, e := range in.Entries {
		amount, err := NewAmount(e.Debit, e.Credit)
		if err != nil {
			errs = append(errs, shared.ValidationError{Code: amountErrorCode(err), EntryIndex: i, AccountID: e.AccountID})
			continue
		}
		entries = append(entries, Entry{
			AccountID:   strings.TrimSpace(e.AccountID),
			Amount:      amount,
			Description: strings.TrimSpace(e.Description),
		})
	}
	if len(errs) > 0 {
		return Transaction{}, errs
	}

	currencyCode := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currencyCode == "" {
		currencyCode = defaultCurrency
	}
	date := in.Date
	if date.IsZero() {
		date = now
	}
	var rates map[string]decimal.Decimal
	if len(in.ExchangeRates) > 0 {
		rates = make(map[string]decimal.Decimal, len(in.ExchangeRates))
		for code, rate := range in.ExchangeRates {
			rates[strings.ToUpper(strings.TrimSpace(code))] = rate
		}
	}

	txn := Transaction{
		ID:            strings.TrimSpace(in.ID),
		Date:          date.UTC().Truncate(time.Microsecond),
		Description:   strings.TrimSpace(in.Description),
		Type:          txnType,
		Reference:     strings.TrimSpace(in.Reference),
		ReferenceID:   strings.TrimSpace(in.ReferenceID),
		Amount:        in.Amount,
		Currency:      currencyCode,
		ExchangeRates: rates,
		Entries:       entries,
		Status:        StatusDraft,
		CustomerID:    in.CustomerID,
		SupplierID:    in.SupplierID,
		InvoiceID:     in.InvoiceID,
		PaymentMethod: in.PaymentMethod,
		Notes:         in.Notes,
		CreatedBy:     in.CreatedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if txn.Amount.IsZero() {
		txn.Amount, _ = txn.Totals()
	}
	return txn, nil
}

func amountErrorCode(err error) shared.Code {
	switch {
	case errors.Is(err, shared.ErrAmbiguousEntry):
		return shared.CodeAmbiguousEntry
	case errors.Is(err, shared.ErrEmptyEntry):
		return shared.CodeEmptyEntry
	default:
		return shared.CodeInvalidAmount
	}
}

// fieldErrors maps validator failures onto ledger validation errors.
func fieldErrors(err error) shared.ValidationErrors {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return shared.ValidationErrors{{Code: shared.CodeInvalidInput, EntryIndex: shared.NoEntry, Message: err.Error()}}
	}
	out := make(shared.ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, shared.ValidationError{
			Code:       shared.CodeInvalidInput,
			EntryIndex: entryIndex(fe.Namespace()),
			Field:      strings.ToLower(fe.Field()),
			Message:    fmt.Sprintf("failed %s", fe.Tag()),
		})
	}
	return out
}

func entryIndex(namespace string) int {
	start := strings.Index(namespace, "Entries[")
	if start < 0 {
		return shared.NoEntry
	}
	rest := namespace[start+len("Entries["):]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return shared.NoEntry
	}
	idx, err := strconv.Atoi(rest[:end])
	if err != nil {
		return shared.NoEntry
	}
	return idx
}
