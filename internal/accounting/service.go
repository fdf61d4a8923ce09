package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/locks"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	sharedlog "github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// ApprovalModule tags approval records written by the ledger.
const ApprovalModule = "LEDGER"

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log sharedlog.AuditLog) error
}

// ApprovalPort keeps the approval history of transactions.
type ApprovalPort interface {
	Record(ctx context.Context, log sharedlog.ApprovalLog) error
	List(ctx context.Context, module, ref string) ([]sharedlog.ApprovalLog, error)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, sharedlog.AuditLog) error { return nil }

type noopApprovals struct{}

func (noopApprovals) Record(context.Context, sharedlog.ApprovalLog) error { return nil }
func (noopApprovals) List(context.Context, string, string) ([]sharedlog.ApprovalLog, error) {
	return nil, nil
}

// NegativePolicy selects how allowNegativeBalance combines across the
// accounts touched by one transaction.
type NegativePolicy string

const (
	// NegativePolicyStrictest protects every touched account as soon as one
	// of them disallows negative balances. Under it AllowNegativeBalance only
	// takes effect when every account in the transaction carries it; pick
	// NegativePolicyPerAccount to honour the flag account by account.
	NegativePolicyStrictest NegativePolicy = "strictest"
	// NegativePolicyPerAccount evaluates each account's own flag.
	NegativePolicyPerAccount NegativePolicy = "per_account"
)

// Options tunes the ledger engine.
type Options struct {
	DefaultCurrency    string
	Tolerance          decimal.Decimal
	MaxPostAttempts    int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	LockWait           time.Duration
	StaleAfter         time.Duration
	NegativePolicy     NegativePolicy
	AutoPostOnApproval bool
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		DefaultCurrency:    "USD",
		Tolerance:          DefaultTolerance,
		MaxPostAttempts:    5,
		BackoffInitial:     10 * time.Millisecond,
		BackoffMax:         250 * time.Millisecond,
		LockWait:           2 * time.Second,
		StaleAfter:         72 * time.Hour,
		NegativePolicy:     NegativePolicyStrictest,
		AutoPostOnApproval: true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultCurrency == "" {
		o.DefaultCurrency = d.DefaultCurrency
	}
	if !o.Tolerance.IsPositive() {
		o.Tolerance = d.Tolerance
	}
	if o.MaxPostAttempts < 1 {
		o.MaxPostAttempts = d.MaxPostAttempts
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = d.BackoffInitial
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	if o.LockWait <= 0 {
		o.LockWait = d.LockWait
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = d.StaleAfter
	}
	if o.NegativePolicy == "" {
		o.NegativePolicy = d.NegativePolicy
	}
	return o
}

// Dependencies collects the collaborators of Service. Only Repository is
// required.
type Dependencies struct {
	Repository RepositoryPort
	Locker     locks.Manager
	Audit      AuditPort
	Approvals  ApprovalPort
	Cache      *cache.Versioned
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Service is the entry point used by upstream modules, the approval surface
// and reporting callers.
type Service struct {
	Accounts *Registry
	Ledger   *BalanceLedger

	repo      RepositoryPort
	engine    *Engine
	validator *Validator
	workflow  Workflow
	audit     AuditPort
	approvals ApprovalPort
	metrics   *Metrics
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

// NewService constructs the ledger service.
func NewService(deps Dependencies, opts Options) *Service {
	opts = opts.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := deps.Locker
	if locker == nil {
		locker = locks.NewLocal(opts.LockWait)
	}
	audit := deps.Audit
	if audit == nil {
		audit = noopAudit{}
	}
	approvals := deps.Approvals
	if approvals == nil {
		approvals = noopApprovals{}
	}
	validator := NewValidator(opts.Tolerance)
	s := &Service{
		Accounts:  NewRegistry(deps.Repository, locker, audit, logger, opts.DefaultCurrency),
		Ledger:    NewBalanceLedger(deps.Repository, deps.Cache, logger),
		repo:      deps.Repository,
		engine:    NewEngine(deps.Repository, locker, validator, deps.Metrics, logger, opts),
		validator: validator,
		audit:     audit,
		approvals: approvals,
		metrics:   deps.Metrics,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
	s.Accounts.invalidate = s.Ledger.Invalidate
	s.engine.OnPosted(func(ctx context.Context, txn Transaction, receipt PostingReceipt) {
		s.Ledger.Invalidate(ctx)
		s.record(ctx, "transaction.post", txn.ID, map[string]any{
			"digest":   receipt.Digest,
			"accounts": len(receipt.Deltas),
		})
	})
	return s
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now == nil {
		return
	}
	s.now = now
	s.Accounts.now = now
	s.Ledger.now = now
	s.engine.now = now
}

// Options returns the effective options.
func (s *Service) Options() Options {
	return s.opts
}

// CreateDraft validates and stores a transaction in draft.
func (s *Service) CreateDraft(ctx context.Context, in TransactionInput) (Transaction, error) {
	txn, err := s.prepare(ctx, in)
	if err != nil {
		return Transaction{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertTransaction(ctx, txn)
	})
	if err != nil {
		return Transaction{}, err
	}
	txn.Version = 1
	s.record(ctx, "transaction.draft", txn.ID, map[string]any{
		"type":      string(txn.Type),
		"amount":    txn.Amount.String(),
		"currency":  txn.Currency,
		"reference": txn.Reference,
	})
	return txn, nil
}

func (s *Service) prepare(ctx context.Context, in TransactionInput) (Transaction, error) {
	now := s.now().UTC().Truncate(time.Microsecond)
	txn, err := buildTransaction(in, s.opts.DefaultCurrency, now)
	if err != nil {
		return Transaction{}, err
	}
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedBy == "" {
		txn.CreatedBy = sharedlog.ActorFromContext(ctx)
	}
	accounts, err := s.repo.GetAccounts(ctx, txn.AccountIDs())
	if err != nil {
		return Transaction{}, err
	}
	if err := s.validator.Validate(txn, accounts); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

// Submit creates the transaction and submits it. Resubmitting a known id
// returns the stored transaction instead of creating a duplicate.
func (s *Service) Submit(ctx context.Context, in TransactionInput) (Transaction, error) {
	if id := strings.TrimSpace(in.ID); id != "" {
		existing, err := s.repo.GetTransaction(ctx, id)
		switch {
		case err == nil && existing.Status == StatusDraft:
			return s.SubmitDraft(ctx, id)
		case err == nil:
			s.logger.Debug("transaction resubmitted", slog.String("transaction_id", id), slog.String("status", string(existing.Status)))
			return existing, nil
		case !errors.Is(err, shared.ErrTransactionNotFound):
			return Transaction{}, err
		}
	}
	txn, err := s.CreateDraft(ctx, in)
	if err != nil {
		if errors.Is(err, shared.ErrDuplicateTransaction) && strings.TrimSpace(in.ID) != "" {
			return s.repo.GetTransaction(ctx, strings.TrimSpace(in.ID))
		}
		return Transaction{}, err
	}
	return s.SubmitDraft(ctx, txn.ID)
}

// SubmitDraft moves a draft to pending when any touched account requires
// approval, and posts it directly otherwise.
func (s *Service) SubmitDraft(ctx context.Context, id string) (Transaction, error) {
	current, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if current.Status != StatusDraft {
		return Transaction{}, shared.IllegalTransitionError{From: string(current.Status), To: string(StatusPending)}
	}
	accounts, err := s.repo.GetAccounts(ctx, current.AccountIDs())
	if err != nil {
		return Transaction{}, err
	}
	if err := s.validator.Validate(current, accounts); err != nil {
		return Transaction{}, err
	}
	if !RequiresApproval(accounts, current) {
		if _, err := s.engine.Post(ctx, id); err != nil {
			return Transaction{}, err
		}
		return s.repo.GetTransaction(ctx, id)
	}

	now := s.now().UTC()
	updated, err := s.transition(ctx, id, func(txn Transaction) (Transaction, error) {
		return s.workflow.Submit(txn, now)
	})
	if err != nil {
		return Transaction{}, err
	}
	s.recordApproval(ctx, updated.ID, sharedlog.ActorFromContext(ctx), sharedlog.ApprovalSubmit, "", now)
	s.record(ctx, "transaction.submit", updated.ID, nil)
	return updated, nil
}

// Approve records the approver. With AutoPostOnApproval the transaction is
// posted right away; a posting failure leaves it approved and is returned.
func (s *Service) Approve(ctx context.Context, id, approver string) (Transaction, error) {
	now := s.now().UTC()
	updated, err := s.transition(ctx, id, func(txn Transaction) (Transaction, error) {
		return s.workflow.Approve(txn, approver, now)
	})
	if err != nil {
		return Transaction{}, err
	}
	s.recordApproval(ctx, id, approver, sharedlog.ApprovalApprove, "", now)
	s.record(ctx, "transaction.approve", id, map[string]any{"approver": approver})
	if !s.opts.AutoPostOnApproval {
		return updated, nil
	}
	if _, err := s.engine.Post(ctx, id); err != nil {
		return updated, fmt.Errorf("accounting: approved but not posted: %w", err)
	}
	return s.repo.GetTransaction(ctx, id)
}

// Reject ends the workflow without touching balances.
func (s *Service) Reject(ctx context.Context, id, approver, reason string) (Transaction, error) {
	now := s.now().UTC()
	updated, err := s.transition(ctx, id, func(txn Transaction) (Transaction, error) {
		return s.workflow.Reject(txn, approver, reason, now)
	})
	if err != nil {
		return Transaction{}, err
	}
	s.recordApproval(ctx, id, approver, sharedlog.ApprovalReject, reason, now)
	s.record(ctx, "transaction.reject", id, map[string]any{"approver": approver, "reason": reason})
	return updated, nil
}

// Post applies the transaction to balances.
func (s *Service) Post(ctx context.Context, id string) (PostingReceipt, error) {
	return s.engine.Post(ctx, id)
}

// UpdateDraft replaces the content of a draft or pending transaction.
func (s *Service) UpdateDraft(ctx context.Context, id string, in TransactionInput) (Transaction, error) {
	in.ID = id
	draft, err := s.prepare(ctx, in)
	if err != nil {
		return Transaction{}, err
	}
	updated, err := s.transition(ctx, id, func(cur Transaction) (Transaction, error) {
		if !cur.Status.Editable() {
			return cur, shared.IllegalTransitionError{From: string(cur.Status), To: string(cur.Status)}
		}
		next := cur
		next.Date = draft.Date
		next.Description = draft.Description
		next.Type = draft.Type
		next.Reference = draft.Reference
		next.ReferenceID = draft.ReferenceID
		next.Amount = draft.Amount
		next.Currency = draft.Currency
		next.ExchangeRates = draft.ExchangeRates
		next.Entries = draft.Entries
		next.CustomerID = draft.CustomerID
		next.SupplierID = draft.SupplierID
		next.InvoiceID = draft.InvoiceID
		next.PaymentMethod = draft.PaymentMethod
		next.Notes = draft.Notes
		next.UpdatedAt = draft.UpdatedAt
		return next, nil
	})
	if err != nil {
		return Transaction{}, err
	}
	s.record(ctx, "transaction.update", id, nil)
	return updated, nil
}

// ReverseInput describes a reversal request.
type ReverseInput struct {
	Date        time.Time
	Description string
}

// Reverse undoes a posted transaction with a new transaction carrying the
// inverted entries. The reversal is posted right away, or stored as pending
// when a touched account requires approval; the original is linked through
// ReversedBy only once the reversal is posted. Nothing is stored when the
// reversal cannot be posted or submitted. A rejected reversal frees the
// original for another attempt.
func (s *Service) Reverse(ctx context.Context, id string, in ReverseInput) (Transaction, error) {
	original, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if original.Status != StatusPosted {
		return Transaction{}, shared.IllegalTransitionError{From: string(original.Status), To: "reversed"}
	}
	if original.ReversedBy != "" {
		return Transaction{}, shared.ErrAlreadyReversed
	}
	reversalID, err := s.nextReversalID(ctx, original.ID)
	if err != nil {
		return Transaction{}, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	date := in.Date
	if date.IsZero() {
		date = now
	}
	description := strings.TrimSpace(in.Description)
	if description == "" {
		description = defaultReversalMemo(original)
	}
	reversal := original.Clone()
	reversal.ID = reversalID
	reversal.Date = date.UTC().Truncate(time.Microsecond)
	reversal.Description = description
	reversal.Type = TransactionTypeReversal
	reversal.Reference = "REVERSAL:" + original.ID
	reversal.ReferenceID = original.ID
	reversal.Entries = reverseEntries(original.Entries)
	reversal.Status = StatusDraft
	reversal.CreatedBy = sharedlog.ActorFromContext(ctx)
	reversal.SubmittedAt, reversal.ApprovedAt, reversal.RejectedAt, reversal.PostedAt = nil, nil, nil, nil
	reversal.ApprovedBy, reversal.RejectedBy, reversal.RejectionReason = "", "", ""
	reversal.ReversalOf = original.ID
	reversal.ReversedBy = ""
	reversal.Version = 0
	reversal.CreatedAt, reversal.UpdatedAt = now, now

	accounts, err := s.repo.GetAccounts(ctx, reversal.AccountIDs())
	if err != nil {
		return Transaction{}, err
	}
	if err := s.validator.Validate(reversal, accounts); err != nil {
		return Transaction{}, err
	}

	if !RequiresApproval(accounts, reversal) {
		if _, err := s.engine.PostNew(ctx, reversal); err != nil {
			if errors.Is(err, shared.ErrDuplicateTransaction) {
				return Transaction{}, shared.ErrAlreadyReversed
			}
			return Transaction{}, err
		}
		s.record(ctx, "transaction.reverse", original.ID, map[string]any{"reversal_id": reversal.ID})
		return s.repo.GetTransaction(ctx, reversal.ID)
	}

	pending, err := s.workflow.Submit(reversal, now)
	if err != nil {
		return Transaction{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertTransaction(ctx, pending)
	})
	if err != nil {
		if errors.Is(err, shared.ErrDuplicateTransaction) {
			return Transaction{}, shared.ErrAlreadyReversed
		}
		return Transaction{}, err
	}
	pending.Version = 1
	s.metrics.transition(StatusDraft, StatusPending)
	s.recordApproval(ctx, pending.ID, pending.CreatedBy, sharedlog.ApprovalSubmit, "", now)
	s.record(ctx, "transaction.reverse", original.ID, map[string]any{"reversal_id": pending.ID, "status": string(pending.Status)})
	return pending, nil
}

// maxReversalSlots bounds how many rejected reversals one transaction may
// accumulate.
const maxReversalSlots = 16

// nextReversalID returns the id for a new reversal of originalID. Ids are
// derived from the original so a retried call lands on the same row; a
// rejected reversal releases its slot, any other one blocks the original.
func (s *Service) nextReversalID(ctx context.Context, originalID string) (string, error) {
	for slot := 0; slot < maxReversalSlots; slot++ {
		id := reversalID(originalID, slot)
		existing, err := s.repo.GetTransaction(ctx, id)
		switch {
		case errors.Is(err, shared.ErrTransactionNotFound):
			return id, nil
		case err != nil:
			return "", err
		case existing.Status == StatusRejected:
			continue
		default:
			return "", shared.ErrAlreadyReversed
		}
	}
	return "", fmt.Errorf("%w: transaction %s has %d rejected reversals", shared.ErrInvalidInput, originalID, maxReversalSlots)
}

func reversalID(originalID string, slot int) string {
	name := "REVERSAL:" + originalID
	if slot > 0 {
		name += ":" + strconv.Itoa(slot)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func reverseEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{AccountID: e.AccountID, Amount: e.Amount.Invert(), Description: e.Description}
	}
	return out
}

func defaultReversalMemo(txn Transaction) string {
	if txn.Reference != "" {
		return "Reversal of " + txn.Reference
	}
	return "Reversal of " + txn.ID
}

// GetTransaction returns one transaction.
func (s *Service) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// ListTransactions returns transaction history matching filter.
func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	return s.repo.ListTransactions(ctx, filter)
}

// Receipt returns the posting receipt of a posted transaction.
func (s *Service) Receipt(ctx context.Context, id string) (PostingReceipt, error) {
	return s.repo.GetReceipt(ctx, id)
}

// ApprovalHistory returns the approval trail of a transaction.
func (s *Service) ApprovalHistory(ctx context.Context, id string) ([]sharedlog.ApprovalLog, error) {
	return s.approvals.List(ctx, ApprovalModule, id)
}

// StalePending lists pending transactions submitted longer than olderThan
// ago. A zero olderThan uses the configured threshold.
func (s *Service) StalePending(ctx context.Context, olderThan time.Duration) ([]Transaction, error) {
	if olderThan <= 0 {
		olderThan = s.opts.StaleAfter
	}
	pending, err := s.repo.ListTransactions(ctx, TransactionFilter{Status: StatusPending})
	if err != nil {
		return nil, err
	}
	cutoff := s.now().UTC().Add(-olderThan)
	stale := make([]Transaction, 0)
	for _, txn := range pending {
		since := txn.CreatedAt
		if txn.SubmittedAt != nil {
			since = *txn.SubmittedAt
		}
		if since.Before(cutoff) {
			stale = append(stale, txn)
		}
	}
	s.metrics.SetStalePending(len(stale))
	return stale, nil
}

func (s *Service) transition(ctx context.Context, id string, fn func(Transaction) (Transaction, error)) (Transaction, error) {
	var updated Transaction
	var from Status
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetTransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = current.Status
		next, err := fn(current)
		if err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, next); err != nil {
			return err
		}
		next.Version++
		updated = next
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	if from != updated.Status {
		s.metrics.transition(from, updated.Status)
	}
	return updated, nil
}

func (s *Service) record(ctx context.Context, action, id string, meta map[string]any) {
	err := s.audit.Record(ctx, sharedlog.AuditLog{
		ActorID:  sharedlog.ActorFromContext(ctx),
		Action:   action,
		Entity:   "transaction",
		EntityID: id,
		Meta:     meta,
		At:       s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("audit transaction change", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) recordApproval(ctx context.Context, id, actor string, action sharedlog.ApprovalAction, note string, at time.Time) {
	err := s.approvals.Record(ctx, sharedlog.ApprovalLog{
		Module:  ApprovalModule,
		RefID:   id,
		ActorID: actor,
		Action:  action,
		Note:    note,
		At:      at,
	})
	if err != nil {
		s.logger.Warn("record approval", slog.String("transaction_id", id), slog.Any("error", err))
	}
}
