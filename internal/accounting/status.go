package accounting

import (
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
)

// Status is the canonical workflow state of a transaction.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusPosted   Status = "posted"
)

var statusAliases = map[string]Status{
	"draft":             StatusDraft,
	"new":               StatusDraft,
	"open":              StatusDraft,
	"pending":           StatusPending,
	"submitted":         StatusPending,
	"awaiting_approval": StatusPending,
	"waiting":           StatusPending,
	"approved":          StatusApproved,
	"authorized":        StatusApproved,
	"authorised":        StatusApproved,
	"rejected":          StatusRejected,
	"declined":          StatusRejected,
	"denied":            StatusRejected,
	"posted":            StatusPosted,
	"confirmed":         StatusPosted,
	"completed":         StatusPosted,
	"complete":          StatusPosted,
	"done":              StatusPosted,
}

// ParseStatus normalises external status vocabulary into the canonical set.
// Only canonical values are ever stored.
func ParseStatus(raw string) (Status, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	if s, ok := statusAliases[key]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", shared.ErrInvalidInput, raw)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusPosted || s == StatusRejected
}

// Editable reports whether entries may still change.
func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusPending
}
