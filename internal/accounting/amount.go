package accounting

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
)

// Side is the sign of a ledger movement: debits are positive, credits negative.
type Side int8

const (
	SideNone   Side = 0
	SideDebit  Side = 1
	SideCredit Side = -1
)

func (s Side) String() string {
	switch s {
	case SideDebit:
		return "debit"
	case SideCredit:
		return "credit"
	}
	return "none"
}

// Sign returns the side as a decimal multiplier.
func (s Side) Sign() decimal.Decimal {
	return decimal.NewFromInt(int64(s))
}

// Amount is a positive quantity on exactly one side. A zero value Amount has
// no side and is rejected by the validator.
type Amount struct {
	side  Side
	value decimal.Decimal
}

// Debit builds a debit amount.
func Debit(v decimal.Decimal) Amount {
	return Amount{side: SideDebit, value: v}
}

// Credit builds a credit amount.
func Credit(v decimal.Decimal) Amount {
	return Amount{side: SideCredit, value: v}
}

// NewAmount converts the debit/credit pair used at the boundary.
func NewAmount(debit, credit decimal.Decimal) (Amount, error) {
	if debit.IsNegative() || credit.IsNegative() {
		return Amount{}, shared.ErrInvalidAmount
	}
	switch {
	case debit.IsPositive() && credit.IsPositive():
		return Amount{}, shared.ErrAmbiguousEntry
	case debit.IsPositive():
		return Debit(debit), nil
	case credit.IsPositive():
		return Credit(credit), nil
	}
	return Amount{}, shared.ErrEmptyEntry
}

func (a Amount) Side() Side             { return a.side }
func (a Amount) Value() decimal.Decimal { return a.value }
func (a Amount) IsDebit() bool          { return a.side == SideDebit }
func (a Amount) IsCredit() bool         { return a.side == SideCredit }

// IsZero reports whether the amount carries no movement.
func (a Amount) IsZero() bool {
	return a.side == SideNone || a.value.IsZero()
}

// DebitValue returns the value when on the debit side and zero otherwise.
func (a Amount) DebitValue() decimal.Decimal {
	if a.side == SideDebit {
		return a.value
	}
	return decimal.Zero
}

// CreditValue returns the value when on the credit side and zero otherwise.
func (a Amount) CreditValue() decimal.Decimal {
	if a.side == SideCredit {
		return a.value
	}
	return decimal.Zero
}

// Signed returns the debit-positive net movement.
func (a Amount) Signed() decimal.Decimal {
	return a.value.Mul(a.side.Sign())
}

// Invert swaps the side.
func (a Amount) Invert() Amount {
	return Amount{side: -a.side, value: a.value}
}

// Convert scales the amount by rate, rounding banker's style to cents.
func (a Amount) Convert(rate decimal.Decimal) Amount {
	return Amount{side: a.side, value: a.value.Mul(rate).RoundBank(2)}
}
