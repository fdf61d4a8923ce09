package accounting

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
)

// MaxAmountScale is the number of decimal places amounts and balances are
// stored with.
const MaxAmountScale = 4

// DefaultTolerance is the largest debit/credit difference still treated as balanced.
var DefaultTolerance = decimal.RequireFromString("0.01")

// ValidationContext is the read-only input every rule sees.
type ValidationContext struct {
	Transaction Transaction
	Accounts    map[string]Account
	Tolerance   decimal.Decimal
}

// Rule inspects one structural aspect of a transaction.
type Rule func(ValidationContext) shared.ValidationErrors

// Validator runs a fixed pipeline of rules over a transaction and an account
// snapshot. It performs no I/O.
type Validator struct {
	tolerance decimal.Decimal
	rules     []Rule
}

// NewValidator constructs the default rule pipeline.
func NewValidator(tolerance decimal.Decimal) *Validator {
	if !tolerance.IsPositive() {
		tolerance = DefaultTolerance
	}
	return &Validator{
		tolerance: tolerance,
		rules: []Rule{
			checkDate,
			checkCurrency,
			checkEntryCount,
			checkEntryAmounts,
			checkBalance,
			checkAccounts,
			checkExchangeRates,
		},
	}
}

// Tolerance returns the configured balance tolerance.
func (v *Validator) Tolerance() decimal.Decimal {
	return v.tolerance
}

// Validate returns nil or shared.ValidationErrors listing every violation.
func (v *Validator) Validate(txn Transaction, accounts map[string]Account) error {
	vc := ValidationContext{Transaction: txn, Accounts: accounts, Tolerance: v.tolerance}
	var errs shared.ValidationErrors
	for _, rule := range v.rules {
		errs = append(errs, rule(vc)...)
	}
	return errs.Err()
}

// ValidCurrency reports whether code is a recognised ISO 4217 currency.
func ValidCurrency(code string) bool {
	if len(code) != 3 || strings.ToUpper(code) != code {
		return false
	}
	_, err := currency.ParseISO(code)
	return err == nil
}

func checkDate(vc ValidationContext) shared.ValidationErrors {
	if vc.Transaction.Date.IsZero() {
		return shared.ValidationErrors{{Code: shared.CodeInvalidDate, EntryIndex: shared.NoEntry, Field: "date"}}
	}
	return nil
}

func checkCurrency(vc ValidationContext) shared.ValidationErrors {
	var errs shared.ValidationErrors
	if !ValidCurrency(vc.Transaction.Currency) {
		errs = append(errs, shared.ValidationError{
			Code:       shared.CodeInvalidCurrency,
			EntryIndex: shared.NoEntry,
			Field:      "currency",
			Message:    vc.Transaction.Currency,
		})
	}
	for code, rate := range vc.Transaction.ExchangeRates {
		if !ValidCurrency(code) {
			errs = append(errs, shared.ValidationError{
				Code:       shared.CodeInvalidCurrency,
				EntryIndex: shared.NoEntry,
				Field:      "exchange_rates",
				Message:    code,
			})
			continue
		}
		if !rate.IsPositive() {
			errs = append(errs, shared.ValidationError{
				Code:       shared.CodeInvalidAmount,
				EntryIndex: shared.NoEntry,
				Field:      "exchange_rates." + code,
				Message:    "rate must be positive",
			})
		}
	}
	return errs
}

func checkEntryCount(vc ValidationContext) shared.ValidationErrors {
	if len(vc.Transaction.Entries) < 2 {
		return shared.ValidationErrors{{Code: shared.CodeInsufficientEntries, EntryIndex: shared.NoEntry, Field: "entries"}}
	}
	return nil
}

func checkEntryAmounts(vc ValidationContext) shared.ValidationErrors {
	var errs shared.ValidationErrors
	for i, e := range vc.Transaction.Entries {
		switch {
		case e.Amount.Side() == SideNone:
			errs = append(errs, shared.ValidationError{Code: shared.CodeEmptyEntry, EntryIndex: i, AccountID: e.AccountID})
		case e.Amount.Value().IsNegative():
			errs = append(errs, shared.ValidationError{Code: shared.CodeInvalidAmount, EntryIndex: i, AccountID: e.AccountID})
		case e.Amount.Value().IsZero():
			errs = append(errs, shared.ValidationError{Code: shared.CodeEmptyEntry, EntryIndex: i, AccountID: e.AccountID})
		case !withinScale(e.Amount.Value()):
			errs = append(errs, shared.ValidationError{
				Code:       shared.CodeInvalidAmount,
				EntryIndex: i,
				AccountID:  e.AccountID,
				Field:      "amount",
				Message:    fmt.Sprintf("more than %d decimal places", MaxAmountScale),
			})
		}
	}
	return errs
}

func withinScale(v decimal.Decimal) bool {
	return v.Equal(v.Truncate(MaxAmountScale))
}

func checkBalance(vc ValidationContext) shared.ValidationErrors {
	debit, credit := vc.Transaction.Totals()
	delta := debit.Sub(credit)
	if delta.Abs().GreaterThan(vc.Tolerance) {
		return shared.ValidationErrors{{
			Code:       shared.CodeUnbalancedTransaction,
			EntryIndex: shared.NoEntry,
			Delta:      delta,
			Message:    "debit " + debit.StringFixed(2) + " credit " + credit.StringFixed(2),
		}}
	}
	return nil
}

func checkAccounts(vc ValidationContext) shared.ValidationErrors {
	var errs shared.ValidationErrors
	for i, e := range vc.Transaction.Entries {
		acc, ok := vc.Accounts[e.AccountID]
		if !ok {
			errs = append(errs, shared.ValidationError{Code: shared.CodeUnknownAccount, EntryIndex: i, AccountID: e.AccountID})
			continue
		}
		if !acc.IsActive {
			errs = append(errs, shared.ValidationError{Code: shared.CodeInactiveAccount, EntryIndex: i, AccountID: e.AccountID})
		}
	}
	return errs
}

func checkExchangeRates(vc ValidationContext) shared.ValidationErrors {
	var errs shared.ValidationErrors
	for i, e := range vc.Transaction.Entries {
		acc, ok := vc.Accounts[e.AccountID]
		if !ok || acc.Currency == vc.Transaction.Currency {
			continue
		}
		rate, ok := vc.Transaction.ExchangeRates[acc.Currency]
		if !ok || !rate.IsPositive() {
			errs = append(errs, shared.ValidationError{
				Code:       shared.CodeMissingExchangeRate,
				EntryIndex: i,
				AccountID:  e.AccountID,
				Message:    vc.Transaction.Currency + "->" + acc.Currency,
			})
		}
	}
	return errs
}
