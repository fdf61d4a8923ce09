package accounting

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/locks"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
)

const maxHierarchyDepth = 64

// PostedHook observes a transaction that was freshly posted.
type PostedHook func(ctx context.Context, txn Transaction, receipt PostingReceipt)

// Engine applies validated transactions to account balances exactly once.
type Engine struct {
	repo      RepositoryPort
	locker    locks.Manager
	validator *Validator
	workflow  Workflow
	metrics   *Metrics
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
	hooks     []PostedHook
}

// NewEngine wires the posting engine.
func NewEngine(repo RepositoryPort, locker locks.Manager, validator *Validator, metrics *Metrics, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = locks.NewLocal(opts.LockWait)
	}
	return &Engine{
		repo:      repo,
		locker:    locker,
		validator: validator,
		metrics:   metrics,
		logger:    logger,
		opts:      opts.withDefaults(),
		now:       time.Now,
	}
}

// OnPosted registers a hook invoked after every successful first posting.
func (e *Engine) OnPosted(hook PostedHook) {
	e.hooks = append(e.hooks, hook)
}

// Post applies the transaction identified by id. Posting an already posted
// transaction returns the original receipt without touching balances.
func (e *Engine) Post(ctx context.Context, id string) (PostingReceipt, error) {
	started := time.Now()
	txn, err := e.repo.GetTransaction(ctx, id)
	if err != nil {
		return PostingReceipt{}, err
	}
	if txn.Status == StatusPosted {
		e.metrics.observePosting("duplicate", started)
		return e.repo.GetReceipt(ctx, id)
	}
	return e.run(ctx, txn, false, started)
}

// PostNew stores txn and posts it in one database transaction. A rejected
// posting leaves nothing behind; an id that already exists fails with
// shared.ErrDuplicateTransaction.
func (e *Engine) PostNew(ctx context.Context, txn Transaction) (PostingReceipt, error) {
	return e.run(ctx, txn, true, time.Now())
}

func (e *Engine) run(ctx context.Context, txn Transaction, insert bool, started time.Time) (PostingReceipt, error) {
	id := txn.ID
	var (
		receipt  PostingReceipt
		posted   Transaction
		applied  bool
		attempts int
	)
	operation := func() error {
		attempts++
		r, t, fresh, err := e.attempt(ctx, txn, insert)
		if err == nil {
			receipt, posted, applied = r, t, fresh
			return nil
		}
		if isRetryable(err) {
			e.metrics.incRetry()
			e.logger.Debug("posting contended", slog.String("transaction_id", id), slog.Int("attempt", attempts), slog.Any("error", err))
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(e.backoffPolicy(), uint64(e.opts.MaxPostAttempts-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if isRetryable(err) {
			e.metrics.observePosting("conflict", started)
			e.logger.Warn("posting conflict", slog.String("transaction_id", id), slog.Int("attempts", attempts))
			return PostingReceipt{}, fmt.Errorf("%w: transaction %s after %d attempts: %w", shared.ErrPostingConflict, id, attempts, err)
		}
		e.metrics.observePosting("rejected", started)
		return PostingReceipt{}, err
	}

	if !applied {
		e.metrics.observePosting("duplicate", started)
		return receipt, nil
	}
	e.metrics.observePosting("posted", started)
	e.metrics.transition(txn.Status, StatusPosted)
	e.logger.Info("transaction posted",
		slog.String("transaction_id", id),
		slog.Int("accounts", len(receipt.Deltas)),
		slog.Int("attempts", attempts),
	)
	for _, hook := range e.hooks {
		hook(ctx, posted, receipt)
	}
	return receipt, nil
}

func (e *Engine) backoffPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BackoffInitial
	b.MaxInterval = e.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func isRetryable(err error) bool {
	return errors.Is(err, shared.ErrConcurrentUpdate) || errors.Is(err, locks.ErrLockBusy)
}

// attempt performs one locked posting pass. The returned bool is false when
// the transaction had already been posted by someone else. With insert set,
// txn is stored inside the same database transaction before posting.
func (e *Engine) attempt(ctx context.Context, txn Transaction, insert bool) (PostingReceipt, Transaction, bool, error) {
	id := txn.ID
	snapshot := txn
	if !insert {
		var err error
		snapshot, err = e.repo.GetTransaction(ctx, id)
		if err != nil {
			return PostingReceipt{}, Transaction{}, false, err
		}
		if snapshot.Status == StatusPosted {
			receipt, err := e.repo.GetReceipt(ctx, id)
			return receipt, snapshot, false, err
		}
	}

	lockIDs, _, err := ancestorClosure(ctx, snapshot.AccountIDs(), e.repo.GetAccounts)
	if err != nil {
		return PostingReceipt{}, Transaction{}, false, err
	}
	keys := make([]string, 0, len(lockIDs))
	for _, accountID := range lockIDs {
		keys = append(keys, locks.AccountKey(accountID))
	}
	release, err := e.locker.Acquire(ctx, keys)
	if err != nil {
		return PostingReceipt{}, Transaction{}, false, err
	}
	defer release()

	var (
		receipt PostingReceipt
		posted  Transaction
		applied bool
	)
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if insert {
			if err := tx.InsertTransaction(ctx, txn); err != nil {
				return err
			}
		}
		current, err := tx.GetTransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == StatusPosted {
			posted = current
			receipt, err = tx.GetReceipt(ctx, id)
			return err
		}
		accounts, err := tx.GetAccountsForUpdate(ctx, lockIDs)
		if err != nil {
			return err
		}
		if !coversClosure(current, accounts, lockIDs) {
			return fmt.Errorf("%w: account set changed while locking", shared.ErrConcurrentUpdate)
		}
		if err := e.validator.Validate(current, accounts); err != nil {
			return err
		}
		now := e.now().UTC().Truncate(time.Microsecond)
		posted, err = e.workflow.MarkPosted(current, RequiresApproval(accounts, current), now)
		if err != nil {
			return err
		}
		plan, err := planPosting(current, accounts)
		if err != nil {
			return err
		}
		if err := plan.checkNegative(accounts, e.opts.NegativePolicy); err != nil {
			return err
		}
		for _, acc := range plan.apply(accounts, now) {
			if err := tx.UpdateAccount(ctx, acc); err != nil {
				return err
			}
		}
		receipt = plan.receipt(current, now)
		if err := tx.InsertReceipt(ctx, receipt); err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, posted); err != nil {
			return err
		}
		if current.ReversalOf != "" {
			if err := linkReversal(ctx, tx, current.ReversalOf, id, now); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return PostingReceipt{}, Transaction{}, false, err
	}
	return receipt, posted, applied, nil
}

// linkReversal marks the original as reversed by reversalID. It runs in the
// posting transaction so the link exists exactly when the reversal is posted.
func linkReversal(ctx context.Context, tx TxRepository, originalID, reversalID string, now time.Time) error {
	original, err := tx.GetTransactionForUpdate(ctx, originalID)
	if err != nil {
		return err
	}
	switch original.ReversedBy {
	case reversalID:
		return nil
	case "":
	default:
		return shared.ErrAlreadyReversed
	}
	original.ReversedBy = reversalID
	original.UpdatedAt = now
	return tx.UpdateTransaction(ctx, original)
}

type accountLoader func(ctx context.Context, ids []string) (map[string]Account, error)

// ancestorClosure returns ids plus every ancestor, sorted. Unknown ids are
// kept in the id list so that the validator can report them.
func ancestorClosure(ctx context.Context, ids []string, load accountLoader) ([]string, map[string]Account, error) {
	all := make(map[string]Account)
	seen := make(map[string]struct{})
	frontier := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			frontier = append(frontier, id)
		}
	}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth > maxHierarchyDepth {
			return nil, nil, shared.ErrCyclicHierarchy
		}
		loaded, err := load(ctx, frontier)
		if err != nil {
			return nil, nil, err
		}
		var next []string
		for _, id := range frontier {
			acc, ok := loaded[id]
			if !ok {
				continue
			}
			all[id] = acc
			if acc.ParentID == "" {
				continue
			}
			if _, ok := seen[acc.ParentID]; ok {
				continue
			}
			seen[acc.ParentID] = struct{}{}
			next = append(next, acc.ParentID)
		}
		frontier = next
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, all, nil
}

// coversClosure reports whether every entry account and ancestor of txn is
// inside the locked id set.
func coversClosure(txn Transaction, accounts map[string]Account, locked []string) bool {
	set := make(map[string]struct{}, len(locked))
	for _, id := range locked {
		set[id] = struct{}{}
	}
	for _, id := range txn.AccountIDs() {
		if _, ok := set[id]; !ok {
			return false
		}
		acc, ok := accounts[id]
		for depth := 0; ok && acc.ParentID != ""; depth++ {
			if _, locked := set[acc.ParentID]; !locked || depth > maxHierarchyDepth {
				return false
			}
			acc, ok = accounts[acc.ParentID]
		}
	}
	return true
}

type postingPlan struct {
	deltas  map[string]decimal.Decimal
	rollups map[string]decimal.Decimal
}

// planPosting computes signed deltas by normal side and propagates them up
// the parent chain. Amounts are converted into each account's currency first.
func planPosting(txn Transaction, accounts map[string]Account) (postingPlan, error) {
	plan := postingPlan{
		deltas:  make(map[string]decimal.Decimal),
		rollups: make(map[string]decimal.Decimal),
	}
	for _, entry := range txn.Entries {
		acc, ok := accounts[entry.AccountID]
		if !ok {
			return plan, shared.ErrUnknownAccount
		}
		amount := entry.Amount
		if acc.Currency != txn.Currency {
			amount = amount.Convert(txn.ExchangeRates[acc.Currency])
		}
		net := amount.Signed()
		plan.deltas[acc.ID] = plan.deltas[acc.ID].Add(net.Mul(acc.Type.NormalSide().Sign()))

		node := acc
		for depth := 0; ; depth++ {
			plan.rollups[node.ID] = plan.rollups[node.ID].Add(net.Mul(node.Type.NormalSide().Sign()))
			if node.ParentID == "" {
				break
			}
			if depth >= maxHierarchyDepth {
				return plan, shared.ErrCyclicHierarchy
			}
			parent, ok := accounts[node.ParentID]
			if !ok {
				return plan, fmt.Errorf("%w: ancestor %s not loaded", shared.ErrConcurrentUpdate, node.ParentID)
			}
			node = parent
		}
	}
	return plan, nil
}

// checkNegative enforces the negative-balance policy on the accounts that
// entries touch directly. Only decreasing balances are checked.
func (p postingPlan) checkNegative(accounts map[string]Account, policy NegativePolicy) error {
	strict := false
	for id := range p.deltas {
		if !accounts[id].Settings.AllowNegativeBalance {
			strict = true
			break
		}
	}
	for _, id := range sortedKeys(p.deltas) {
		acc := accounts[id]
		delta := p.deltas[id]
		if !delta.IsNegative() {
			continue
		}
		resulting := acc.CurrentBalance.Add(delta)
		if !resulting.IsNegative() {
			continue
		}
		protected := !acc.Settings.AllowNegativeBalance
		if policy != NegativePolicyPerAccount {
			protected = strict
		}
		if protected {
			return shared.NegativeBalanceError{AccountID: id, Current: acc.CurrentBalance, Resulting: resulting}
		}
	}
	return nil
}

// apply returns the accounts with balances moved, in id order.
func (p postingPlan) apply(accounts map[string]Account, now time.Time) []Account {
	ids := sortedKeys(p.rollups)
	out := make([]Account, 0, len(ids))
	for _, id := range ids {
		acc := accounts[id]
		acc.CurrentBalance = acc.CurrentBalance.Add(p.deltas[id])
		acc.RollupBalance = acc.RollupBalance.Add(p.rollups[id])
		acc.UpdatedAt = now
		out = append(out, acc)
	}
	return out
}

func (p postingPlan) receipt(txn Transaction, now time.Time) PostingReceipt {
	r := PostingReceipt{
		TransactionID: txn.ID,
		Date:          txn.Date,
		PostedAt:      now,
		Deltas:        toDeltas(p.deltas),
		Rollups:       toDeltas(p.rollups),
	}
	r.Digest = ReceiptDigest(r)
	return r
}

// ReceiptDigest fingerprints a receipt so that stored receipts can be
// checked for tampering.
func ReceiptDigest(r PostingReceipt) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s|%s|%s", r.TransactionID, r.Date.UTC().Format(time.RFC3339Nano), r.PostedAt.UTC().Format(time.RFC3339Nano))
	for _, d := range r.Deltas {
		fmt.Fprintf(&buf, "|d:%s:%s", d.AccountID, d.Delta.String())
	}
	for _, d := range r.Rollups {
		fmt.Fprintf(&buf, "|r:%s:%s", d.AccountID, d.Delta.String())
	}
	sum := blake2b.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func toDeltas(m map[string]decimal.Decimal) []AccountDelta {
	out := make([]AccountDelta, 0, len(m))
	for _, id := range sortedKeys(m) {
		out = append(out, AccountDelta{AccountID: id, Delta: m[id]})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
