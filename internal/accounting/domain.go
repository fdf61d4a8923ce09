package accounting

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
)

// AccountType enumerates the fundamental ledger account classes.
type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeEquity    AccountType = "equity"
	AccountTypeRevenue   AccountType = "revenue"
	AccountTypeExpense   AccountType = "expense"
)

// AccountTypes lists every account type in chart order.
var AccountTypes = []AccountType{
	AccountTypeAsset,
	AccountTypeLiability,
	AccountTypeEquity,
	AccountTypeRevenue,
	AccountTypeExpense,
}

// ParseAccountType normalises a free-form account type.
func ParseAccountType(raw string) (AccountType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "asset", "assets":
		return AccountTypeAsset, nil
	case "liability", "liabilities":
		return AccountTypeLiability, nil
	case "equity", "capital":
		return AccountTypeEquity, nil
	case "revenue", "income", "revenues":
		return AccountTypeRevenue, nil
	case "expense", "expenses":
		return AccountTypeExpense, nil
	}
	return "", shared.ErrInvalidAccountType
}

// Valid reports whether t is one of the five account classes.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	}
	return false
}

// NormalSide is the side on which the account type increases.
func (t AccountType) NormalSide() Side {
	switch t {
	case AccountTypeAsset, AccountTypeExpense:
		return SideDebit
	default:
		return SideCredit
	}
}

// AccountSettings holds the per-account posting policy.
type AccountSettings struct {
	// AllowNegativeBalance is combined across a transaction's accounts
	// according to the engine's NegativePolicy.
	AllowNegativeBalance bool `json:"allow_negative_balance" yaml:"allow_negative_balance"`
	RequireApproval      bool `json:"require_approval" yaml:"require_approval"`
}

// Account is a node in the chart of accounts.
type Account struct {
	ID             string
	Code           string
	Name           string
	Type           AccountType
	Category       string
	ParentID       string
	Currency       string
	OpeningBalance decimal.Decimal
	CurrentBalance decimal.Decimal
	RollupBalance  decimal.Decimal
	IsActive       bool
	IsSystem       bool
	Settings       AccountSettings
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasParent reports whether the account sits below another account.
func (a Account) HasParent() bool {
	return a.ParentID != ""
}

// TransactionType classifies the business origin of a transaction.
type TransactionType string

const (
	TransactionTypeJournal    TransactionType = "journal"
	TransactionTypeSale       TransactionType = "sale"
	TransactionTypePurchase   TransactionType = "purchase"
	TransactionTypePayment    TransactionType = "payment"
	TransactionTypeReceipt    TransactionType = "receipt"
	TransactionTypeExpense    TransactionType = "expense"
	TransactionTypeIncome     TransactionType = "income"
	TransactionTypePayroll    TransactionType = "payroll"
	TransactionTypeAdjustment TransactionType = "adjustment"
	TransactionTypeTransfer   TransactionType = "transfer"
	TransactionTypeReversal   TransactionType = "reversal"
)

var transactionTypeAliases = map[string]TransactionType{
	"journal":       TransactionTypeJournal,
	"journal_entry": TransactionTypeJournal,
	"general":       TransactionTypeJournal,
	"sale":          TransactionTypeSale,
	"sales":         TransactionTypeSale,
	"invoice":       TransactionTypeSale,
	"purchase":      TransactionTypePurchase,
	"purchases":     TransactionTypePurchase,
	"bill":          TransactionTypePurchase,
	"payment":       TransactionTypePayment,
	"receipt":       TransactionTypeReceipt,
	"expense":       TransactionTypeExpense,
	"expenses":      TransactionTypeExpense,
	"income":        TransactionTypeIncome,
	"payroll":       TransactionTypePayroll,
	"salary":        TransactionTypePayroll,
	"adjustment":    TransactionTypeAdjustment,
	"transfer":      TransactionTypeTransfer,
	"reversal":      TransactionTypeReversal,
}

// ParseTransactionType maps the accepted aliases onto a canonical type.
// An empty value resolves to journal.
func ParseTransactionType(raw string) (TransactionType, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return TransactionTypeJournal, nil
	}
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	if t, ok := transactionTypeAliases[key]; ok {
		return t, nil
	}
	return "", shared.ErrInvalidTransactionType
}

// Entry is a single debit or credit line.
type Entry struct {
	AccountID   string
	Amount      Amount
	Description string
}

// Transaction is a multi-entry accounting event.
type Transaction struct {
	ID              string
	Date            time.Time
	Description     string
	Type            TransactionType
	Reference       string
	ReferenceID     string
	Amount          decimal.Decimal
	Currency        string
	ExchangeRates   map[string]decimal.Decimal
	Entries         []Entry
	Status          Status
	CustomerID      string
	SupplierID      string
	InvoiceID       string
	PaymentMethod   string
	Notes           string
	CreatedBy       string
	SubmittedAt     *time.Time
	ApprovedBy      string
	ApprovedAt      *time.Time
	RejectedBy      string
	RejectedAt      *time.Time
	RejectionReason string
	PostedAt        *time.Time
	ReversalOf      string
	ReversedBy      string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AccountIDs returns the distinct accounts referenced by the entries, sorted.
func (t Transaction) AccountIDs() []string {
	seen := make(map[string]struct{}, len(t.Entries))
	ids := make([]string, 0, len(t.Entries))
	for _, e := range t.Entries {
		if _, ok := seen[e.AccountID]; ok {
			continue
		}
		seen[e.AccountID] = struct{}{}
		ids = append(ids, e.AccountID)
	}
	sort.Strings(ids)
	return ids
}

// Totals sums the debit and credit sides in transaction currency.
func (t Transaction) Totals() (debit, credit decimal.Decimal) {
	debit, credit = decimal.Zero, decimal.Zero
	for _, e := range t.Entries {
		debit = debit.Add(e.Amount.DebitValue())
		credit = credit.Add(e.Amount.CreditValue())
	}
	return debit, credit
}

// Touches reports whether any entry references accountID.
func (t Transaction) Touches(accountID string) bool {
	for _, e := range t.Entries {
		if e.AccountID == accountID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stores never share slices or maps with callers.
func (t Transaction) Clone() Transaction {
	out := t
	if t.Entries != nil {
		out.Entries = append([]Entry(nil), t.Entries...)
	}
	if t.ExchangeRates != nil {
		out.ExchangeRates = make(map[string]decimal.Decimal, len(t.ExchangeRates))
		for k, v := range t.ExchangeRates {
			out.ExchangeRates[k] = v
		}
	}
	out.SubmittedAt = cloneTime(t.SubmittedAt)
	out.ApprovedAt = cloneTime(t.ApprovedAt)
	out.RejectedAt = cloneTime(t.RejectedAt)
	out.PostedAt = cloneTime(t.PostedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AccountDelta is a balance movement applied to one account.
type AccountDelta struct {
	AccountID string          `json:"account_id"`
	Delta     decimal.Decimal `json:"delta"`
}

// PostingReceipt records what a posting changed. It is the audit trail used
// for as-of balance queries and integrity checks.
type PostingReceipt struct {
	TransactionID string         `json:"transaction_id"`
	Date          time.Time      `json:"date"`
	PostedAt      time.Time      `json:"posted_at"`
	Deltas        []AccountDelta `json:"deltas"`
	Rollups       []AccountDelta `json:"rollups"`
	Digest        string         `json:"digest"`
}

// DeltaFor returns the current-balance movement recorded for accountID.
func (r PostingReceipt) DeltaFor(accountID string) (decimal.Decimal, bool) {
	return findDelta(r.Deltas, accountID)
}

// RollupFor returns the roll-up movement recorded for accountID.
func (r PostingReceipt) RollupFor(accountID string) (decimal.Decimal, bool) {
	return findDelta(r.Rollups, accountID)
}

func findDelta(list []AccountDelta, accountID string) (decimal.Decimal, bool) {
	for _, d := range list {
		if d.AccountID == accountID {
			return d.Delta, true
		}
	}
	return decimal.Zero, false
}

// AccountFilter narrows account listings.
type AccountFilter struct {
	Type       AccountType
	Category   string
	ParentID   string
	ActiveOnly bool
}

// TransactionFilter narrows transaction listings.
type TransactionFilter struct {
	From       *time.Time
	To         *time.Time
	Type       TransactionType
	Status     Status
	CustomerID string
	SupplierID string
	InvoiceID  string
	AccountID  string
	Limit      int
	Offset     int
}

// ReceiptFilter narrows receipt listings.
type ReceiptFilter struct {
	Until     *time.Time
	AccountID string
}
