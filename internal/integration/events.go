package integration

import (
	"time"

	"github.com/shopspring/decimal"
)

// SaleInvoicedEvent is emitted when a customer invoice is issued.
type SaleInvoicedEvent struct {
	InvoiceID  string
	Number     string
	CustomerID string
	IssuedAt   time.Time
	Currency   string
	Net        decimal.Decimal
	Tax        decimal.Decimal
}

// PurchaseInvoicedEvent is emitted when a supplier invoice is booked.
type PurchaseInvoicedEvent struct {
	InvoiceID  string
	Number     string
	SupplierID string
	BookedAt   time.Time
	Currency   string
	Net        decimal.Decimal
	Tax        decimal.Decimal
	// Stocked routes the net amount to inventory instead of expense.
	Stocked bool
}

// PayrollRunEvent is emitted when a payroll run is finalised.
type PayrollRunEvent struct {
	RunID       string
	Period      string
	PaidAt      time.Time
	Currency    string
	Gross       decimal.Decimal
	Withholding decimal.Decimal
}

// PaymentDirection tells incoming customer receipts from outgoing supplier payments.
type PaymentDirection string

const (
	PaymentIncoming PaymentDirection = "incoming"
	PaymentOutgoing PaymentDirection = "outgoing"
)

// PaymentSettledEvent is emitted when cash moves against an invoice.
type PaymentSettledEvent struct {
	PaymentID    string
	Direction    PaymentDirection
	CounterParty string
	InvoiceID    string
	Method       string
	PaidAt       time.Time
	Currency     string
	Amount       decimal.Decimal
}
