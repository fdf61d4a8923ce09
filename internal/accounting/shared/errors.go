package shared

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientEntries indicates less than two entries.
	ErrInsufficientEntries = errors.New("accounting: transaction requires at least two entries")
	// ErrAmbiguousEntry indicates an entry carrying both a debit and a credit.
	ErrAmbiguousEntry = errors.New("accounting: entry cannot be both debit and credit")
	// ErrEmptyEntry indicates an entry with neither a debit nor a credit.
	ErrEmptyEntry = errors.New("accounting: entry requires a debit or a credit")
	// ErrUnbalancedTransaction indicates debit != credit.
	ErrUnbalancedTransaction = errors.New("accounting: transaction entries must balance")
	// ErrUnknownAccount indicates an entry referencing a missing account.
	ErrUnknownAccount = errors.New("accounting: unknown account")
	// ErrInactiveAccount indicates an entry referencing a deactivated account.
	ErrInactiveAccount = errors.New("accounting: account inactive")
	// ErrMissingExchangeRate indicates a cross-currency entry without a supplied rate.
	ErrMissingExchangeRate = errors.New("accounting: exchange rate missing")
	// ErrInvalidCurrency indicates a currency that is not an ISO 4217 code.
	ErrInvalidCurrency = errors.New("accounting: invalid currency code")
	// ErrInvalidAmount indicates a negative amount or one finer than the stored scale.
	ErrInvalidAmount = errors.New("accounting: amount must not be negative")
	// ErrInvalidDate indicates a missing transaction date.
	ErrInvalidDate = errors.New("accounting: transaction date required")
	// ErrInvalidInput indicates malformed boundary input.
	ErrInvalidInput = errors.New("accounting: invalid input")

	// ErrNegativeBalanceRejected indicates a posting would overdraw a protected account.
	ErrNegativeBalanceRejected = errors.New("accounting: negative balance rejected")
	// ErrAccountInUse indicates pending transactions still reference the account.
	ErrAccountInUse = errors.New("accounting: account has pending transactions")
	// ErrCyclicHierarchy indicates the parent chain would loop.
	ErrCyclicHierarchy = errors.New("accounting: account hierarchy would be cyclic")
	// ErrSystemAccount indicates a protected system account.
	ErrSystemAccount = errors.New("accounting: system account is protected")
	// ErrCurrencyMismatch indicates parent and child accounts in different currencies.
	ErrCurrencyMismatch = errors.New("accounting: parent account currency differs")
	// ErrInvalidAccountType indicates an unrecognised account type.
	ErrInvalidAccountType = errors.New("accounting: invalid account type")
	// ErrInvalidTransactionType indicates an unrecognised transaction type.
	ErrInvalidTransactionType = errors.New("accounting: invalid transaction type")

	// ErrIllegalTransition indicates a status change outside the workflow.
	ErrIllegalTransition = errors.New("accounting: illegal status transition")

	// ErrPostingConflict indicates the retry budget for a contended posting ran out.
	ErrPostingConflict = errors.New("accounting: posting conflict")
	// ErrConcurrentUpdate indicates an optimistic version check failed.
	ErrConcurrentUpdate = errors.New("accounting: concurrent update")

	// ErrAccountNotFound indicates missing account.
	ErrAccountNotFound = errors.New("accounting: account not found")
	// ErrTransactionNotFound indicates missing transaction.
	ErrTransactionNotFound = errors.New("accounting: transaction not found")
	// ErrReceiptNotFound indicates a posted transaction without a receipt.
	ErrReceiptNotFound = errors.New("accounting: posting receipt not found")
	// ErrDuplicateAccount indicates the account id is taken.
	ErrDuplicateAccount = errors.New("accounting: account already exists")
	// ErrDuplicateTransaction indicates the transaction id is taken.
	ErrDuplicateTransaction = errors.New("accounting: transaction already exists")
	// ErrAlreadyReversed indicates a second reversal attempt.
	ErrAlreadyReversed = errors.New("accounting: transaction already reversed")
)

// Code identifies a structural validation failure.
type Code string

const (
	CodeInsufficientEntries   Code = "INSUFFICIENT_ENTRIES"
	CodeAmbiguousEntry        Code = "AMBIGUOUS_ENTRY"
	CodeEmptyEntry            Code = "EMPTY_ENTRY"
	CodeUnbalancedTransaction Code = "UNBALANCED_TRANSACTION"
	CodeUnknownAccount        Code = "UNKNOWN_ACCOUNT"
	CodeInactiveAccount       Code = "INACTIVE_ACCOUNT"
	CodeMissingExchangeRate   Code = "MISSING_EXCHANGE_RATE"
	CodeInvalidCurrency       Code = "INVALID_CURRENCY"
	CodeInvalidAmount         Code = "INVALID_AMOUNT"
	CodeInvalidDate           Code = "INVALID_DATE"
	CodeInvalidInput          Code = "INVALID_INPUT"
)

var codeSentinels = map[Code]error{
	CodeInsufficientEntries:   ErrInsufficientEntries,
	CodeAmbiguousEntry:        ErrAmbiguousEntry,
	CodeEmptyEntry:            ErrEmptyEntry,
	CodeUnbalancedTransaction: ErrUnbalancedTransaction,
	CodeUnknownAccount:        ErrUnknownAccount,
	CodeInactiveAccount:       ErrInactiveAccount,
	CodeMissingExchangeRate:   ErrMissingExchangeRate,
	CodeInvalidCurrency:       ErrInvalidCurrency,
	CodeInvalidAmount:         ErrInvalidAmount,
	CodeInvalidDate:           ErrInvalidDate,
	CodeInvalidInput:          ErrInvalidInput,
}

// Sentinel returns the sentinel error for a code.
func (c Code) Sentinel() error {
	if err, ok := codeSentinels[c]; ok {
		return err
	}
	return ErrInvalidInput
}

// NoEntry marks a validation error that is not tied to an entry.
const NoEntry = -1

// ValidationError describes a single structural violation with enough
// detail for the caller to correct and resubmit.
type ValidationError struct {
	Code       Code
	EntryIndex int
	AccountID  string
	Field      string
	Delta      decimal.Decimal
	Message    string
}

func (e ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.Sentinel().Error())
	if e.EntryIndex >= 0 {
		fmt.Fprintf(&b, " [entry %d]", e.EntryIndex)
	}
	if e.AccountID != "" {
		fmt.Fprintf(&b, " [account %s]", e.AccountID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " [field %s]", e.Field)
	}
	if e.Code == CodeUnbalancedTransaction {
		fmt.Fprintf(&b, " [delta %s]", e.Delta.StringFixed(2))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap exposes the sentinel so callers can use errors.Is.
func (e ValidationError) Unwrap() error {
	return e.Code.Sentinel()
}

// ValidationErrors is the error list returned by the transaction validator.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "accounting: no validation errors"
	}
	parts := make([]string, 0, len(e))
	for _, v := range e {
		parts = append(parts, v.Error())
	}
	return strings.Join(parts, "; ")
}

// Is reports whether any contained error matches target.
func (e ValidationErrors) Is(target error) bool {
	for _, v := range e {
		if errors.Is(v, target) {
			return true
		}
	}
	return false
}

// Codes lists the codes in order of appearance.
func (e ValidationErrors) Codes() []Code {
	out := make([]Code, 0, len(e))
	for _, v := range e {
		out = append(out, v.Code)
	}
	return out
}

// Err returns nil for an empty list.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// IllegalTransitionError reports a rejected workflow transition.
type IllegalTransitionError struct {
	From string
	To   string
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrIllegalTransition.Error(), e.From, e.To)
}

func (e IllegalTransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// NegativeBalanceError reports the account that would have been overdrawn.
type NegativeBalanceError struct {
	AccountID string
	Current   decimal.Decimal
	Resulting decimal.Decimal
}

func (e NegativeBalanceError) Error() string {
	return fmt.Sprintf("%s: account %s would move from %s to %s", ErrNegativeBalanceRejected.Error(), e.AccountID, e.Current.StringFixed(2), e.Resulting.StringFixed(2))
}

func (e NegativeBalanceError) Unwrap() error {
	return ErrNegativeBalanceRejected
}
