package accounting

import (
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
)

// Workflow enforces the transaction state machine:
//
//	draft -> pending -> approved -> posted
//	            \-> rejected
//
// draft and pending may go straight to posted when no touched account
// requires approval.
type Workflow struct{}

// RequiresApproval reports whether any of the accounts demands approval.
func RequiresApproval(accounts map[string]Account, txn Transaction) bool {
	for _, id := range txn.AccountIDs() {
		if acc, ok := accounts[id]; ok && acc.Settings.RequireApproval {
			return true
		}
	}
	return false
}

// CanTransition validates a single status change.
func (Workflow) CanTransition(from, to Status, requiresApproval bool) error {
	ok := false
	switch from {
	case StatusDraft:
		ok = to == StatusPending || (to == StatusPosted && !requiresApproval)
	case StatusPending:
		ok = to == StatusApproved || to == StatusRejected || (to == StatusPosted && !requiresApproval)
	case StatusApproved:
		ok = to == StatusPosted
	}
	if !ok {
		return shared.IllegalTransitionError{From: string(from), To: string(to)}
	}
	return nil
}

// Submit moves a draft into pending.
func (w Workflow) Submit(txn Transaction, at time.Time) (Transaction, error) {
	if err := w.CanTransition(txn.Status, StatusPending, true); err != nil {
		return txn, err
	}
	txn.Status = StatusPending
	txn.SubmittedAt = &at
	txn.UpdatedAt = at
	return txn, nil
}

// Approve records the approver and moves pending to approved.
func (w Workflow) Approve(txn Transaction, approver string, at time.Time) (Transaction, error) {
	if err := w.CanTransition(txn.Status, StatusApproved, true); err != nil {
		return txn, err
	}
	if strings.TrimSpace(approver) == "" {
		return txn, shared.ValidationErrors{{Code: shared.CodeInvalidInput, EntryIndex: shared.NoEntry, Field: "approver"}}
	}
	txn.Status = StatusApproved
	txn.ApprovedBy = approver
	txn.ApprovedAt = &at
	txn.UpdatedAt = at
	return txn, nil
}

// Reject records the rejection and reason. Rejected is terminal.
func (w Workflow) Reject(txn Transaction, approver, reason string, at time.Time) (Transaction, error) {
	if err := w.CanTransition(txn.Status, StatusRejected, true); err != nil {
		return txn, err
	}
	var errs shared.ValidationErrors
	if strings.TrimSpace(approver) == "" {
		errs = append(errs, shared.ValidationError{Code: shared.CodeInvalidInput, EntryIndex: shared.NoEntry, Field: "approver"})
	}
	if strings.TrimSpace(reason) == "" {
		errs = append(errs, shared.ValidationError{Code: shared.CodeInvalidInput, EntryIndex: shared.NoEntry, Field: "reason"})
	}
	if len(errs) > 0 {
		return txn, errs
	}
	txn.Status = StatusRejected
	txn.RejectedBy = approver
	txn.RejectedAt = &at
	txn.RejectionReason = strings.TrimSpace(reason)
	txn.UpdatedAt = at
	return txn, nil
}

// MarkPosted finalises a transaction after its balances were applied.
func (w Workflow) MarkPosted(txn Transaction, requiresApproval bool, at time.Time) (Transaction, error) {
	if err := w.CanTransition(txn.Status, StatusPosted, requiresApproval); err != nil {
		return txn, err
	}
	txn.Status = StatusPosted
	txn.PostedAt = &at
	txn.UpdatedAt = at
	return txn, nil
}
