package accounting

import (
	"context"
	"sort"
	"sync"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
)

// MemoryRepository keeps the ledger in process. Writes are staged per
// transaction and committed atomically with optimistic version checks, so it
// behaves like the Postgres store under concurrent posting.
type MemoryRepository struct {
	mu           sync.RWMutex
	accounts     map[string]Account
	transactions map[string]Transaction
	receipts     map[string]PostingReceipt
	receiptOrder []string
}

// NewMemoryRepository constructs an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:     make(map[string]Account),
		transactions: make(map[string]Transaction),
		receipts:     make(map[string]PostingReceipt),
	}
}

// WithTx runs fn against a staged view and commits when fn succeeds.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		repo:     r,
		accounts: make(map[string]*stagedAccount),
		txns:     make(map[string]*stagedTxn),
		receipts: make(map[string]PostingReceipt),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return r.commit(tx)
}

func (r *MemoryRepository) commit(tx *memoryTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, st := range tx.accounts {
		cur, ok := r.accounts[id]
		if st.insert {
			if ok {
				return shared.ErrDuplicateAccount
			}
			continue
		}
		if !ok || cur.Version != st.base {
			return shared.ErrConcurrentUpdate
		}
	}
	for id, st := range tx.txns {
		cur, ok := r.transactions[id]
		if st.insert {
			if ok {
				return shared.ErrDuplicateTransaction
			}
			continue
		}
		if !ok || cur.Version != st.base {
			return shared.ErrConcurrentUpdate
		}
	}
	for id := range tx.receipts {
		if _, ok := r.receipts[id]; ok {
			return shared.ErrConcurrentUpdate
		}
	}

	for id, st := range tx.accounts {
		r.accounts[id] = st.account
	}
	for id, st := range tx.txns {
		r.transactions[id] = st.txn.Clone()
	}
	for _, id := range tx.receiptOrder {
		r.receipts[id] = cloneReceipt(tx.receipts[id])
		r.receiptOrder = append(r.receiptOrder, id)
	}
	return nil
}

func (r *MemoryRepository) GetAccount(ctx context.Context, id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[id]
	if !ok {
		return Account{}, shared.ErrAccountNotFound
	}
	return acc, nil
}

func (r *MemoryRepository) GetAccounts(ctx context.Context, ids []string) (map[string]Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Account, len(ids))
	for _, id := range ids {
		if acc, ok := r.accounts[id]; ok {
			out[id] = acc
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error) {
	r.mu.RLock()
	out := make([]Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		if matchAccount(filter, acc) {
			out = append(out, acc)
		}
	}
	r.mu.RUnlock()
	sortAccounts(out)
	return out, nil
}

func (r *MemoryRepository) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	txn, ok := r.transactions[id]
	if !ok {
		return Transaction{}, shared.ErrTransactionNotFound
	}
	return txn.Clone(), nil
}

func (r *MemoryRepository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	r.mu.RLock()
	out := make([]Transaction, 0)
	for _, txn := range r.transactions {
		if matchTransaction(filter, txn) {
			out = append(out, txn.Clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (r *MemoryRepository) GetReceipt(ctx context.Context, transactionID string) (PostingReceipt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.receipts[transactionID]
	if !ok {
		return PostingReceipt{}, shared.ErrReceiptNotFound
	}
	return cloneReceipt(rec), nil
}

func (r *MemoryRepository) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]PostingReceipt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PostingReceipt, 0, len(r.receiptOrder))
	for _, id := range r.receiptOrder {
		rec := r.receipts[id]
		if matchReceipt(filter, rec) {
			out = append(out, cloneReceipt(rec))
		}
	}
	return out, nil
}

type stagedAccount struct {
	account Account
	base    int64
	insert  bool
}

type stagedTxn struct {
	txn    Transaction
	base   int64
	insert bool
}

type memoryTx struct {
	repo         *MemoryRepository
	accounts     map[string]*stagedAccount
	txns         map[string]*stagedTxn
	receipts     map[string]PostingReceipt
	receiptOrder []string
}

func (t *memoryTx) InsertAccount(ctx context.Context, account Account) error {
	if _, ok := t.accounts[account.ID]; ok {
		return shared.ErrDuplicateAccount
	}
	t.repo.mu.RLock()
	_, exists := t.repo.accounts[account.ID]
	t.repo.mu.RUnlock()
	if exists {
		return shared.ErrDuplicateAccount
	}
	account.Version = 1
	t.accounts[account.ID] = &stagedAccount{account: account, insert: true}
	return nil
}

func (t *memoryTx) GetAccountsForUpdate(ctx context.Context, ids []string) (map[string]Account, error) {
	out := make(map[string]Account, len(ids))
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	for _, id := range ids {
		if st, ok := t.accounts[id]; ok {
			out[id] = st.account
			continue
		}
		if acc, ok := t.repo.accounts[id]; ok {
			out[id] = acc
		}
	}
	return out, nil
}

func (t *memoryTx) UpdateAccount(ctx context.Context, account Account) error {
	if st, ok := t.accounts[account.ID]; ok {
		if st.account.Version != account.Version {
			return shared.ErrConcurrentUpdate
		}
		account.Version++
		st.account = account
		return nil
	}
	t.repo.mu.RLock()
	stored, ok := t.repo.accounts[account.ID]
	t.repo.mu.RUnlock()
	if !ok {
		return shared.ErrAccountNotFound
	}
	if stored.Version != account.Version {
		return shared.ErrConcurrentUpdate
	}
	base := account.Version
	account.Version++
	t.accounts[account.ID] = &stagedAccount{account: account, base: base}
	return nil
}

func (t *memoryTx) InsertTransaction(ctx context.Context, txn Transaction) error {
	if _, ok := t.txns[txn.ID]; ok {
		return shared.ErrDuplicateTransaction
	}
	t.repo.mu.RLock()
	_, exists := t.repo.transactions[txn.ID]
	t.repo.mu.RUnlock()
	if exists {
		return shared.ErrDuplicateTransaction
	}
	txn = txn.Clone()
	txn.Version = 1
	t.txns[txn.ID] = &stagedTxn{txn: txn, insert: true}
	return nil
}

func (t *memoryTx) GetTransactionForUpdate(ctx context.Context, id string) (Transaction, error) {
	if st, ok := t.txns[id]; ok {
		return st.txn.Clone(), nil
	}
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	txn, ok := t.repo.transactions[id]
	if !ok {
		return Transaction{}, shared.ErrTransactionNotFound
	}
	return txn.Clone(), nil
}

func (t *memoryTx) UpdateTransaction(ctx context.Context, txn Transaction) error {
	txn = txn.Clone()
	if st, ok := t.txns[txn.ID]; ok {
		if st.txn.Version != txn.Version {
			return shared.ErrConcurrentUpdate
		}
		txn.Version++
		st.txn = txn
		return nil
	}
	t.repo.mu.RLock()
	stored, ok := t.repo.transactions[txn.ID]
	t.repo.mu.RUnlock()
	if !ok {
		return shared.ErrTransactionNotFound
	}
	if stored.Version != txn.Version {
		return shared.ErrConcurrentUpdate
	}
	base := txn.Version
	txn.Version++
	t.txns[txn.ID] = &stagedTxn{txn: txn, base: base}
	return nil
}

func (t *memoryTx) CountPendingByAccount(ctx context.Context, accountID string) (int, error) {
	count := 0
	for _, st := range t.txns {
		if !st.txn.Status.Terminal() && st.txn.Touches(accountID) {
			count++
		}
	}
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	for id, txn := range t.repo.transactions {
		if _, staged := t.txns[id]; staged {
			continue
		}
		if !txn.Status.Terminal() && txn.Touches(accountID) {
			count++
		}
	}
	return count, nil
}

func (t *memoryTx) InsertReceipt(ctx context.Context, receipt PostingReceipt) error {
	if _, ok := t.receipts[receipt.TransactionID]; ok {
		return shared.ErrConcurrentUpdate
	}
	t.receipts[receipt.TransactionID] = cloneReceipt(receipt)
	t.receiptOrder = append(t.receiptOrder, receipt.TransactionID)
	return nil
}

func (t *memoryTx) GetReceipt(ctx context.Context, transactionID string) (PostingReceipt, error) {
	if rec, ok := t.receipts[transactionID]; ok {
		return cloneReceipt(rec), nil
	}
	return t.repo.GetReceipt(ctx, transactionID)
}

func cloneReceipt(r PostingReceipt) PostingReceipt {
	out := r
	out.Deltas = append([]AccountDelta(nil), r.Deltas...)
	out.Rollups = append([]AccountDelta(nil), r.Rollups...)
	return out
}

func matchAccount(f AccountFilter, acc Account) bool {
	if f.Type != "" && acc.Type != f.Type {
		return false
	}
	if f.Category != "" && acc.Category != f.Category {
		return false
	}
	if f.ParentID != "" && acc.ParentID != f.ParentID {
		return false
	}
	if f.ActiveOnly && !acc.IsActive {
		return false
	}
	return true
}

func matchTransaction(f TransactionFilter, txn Transaction) bool {
	if f.From != nil && txn.Date.Before(*f.From) {
		return false
	}
	if f.To != nil && txn.Date.After(*f.To) {
		return false
	}
	if f.Type != "" && txn.Type != f.Type {
		return false
	}
	if f.Status != "" && txn.Status != f.Status {
		return false
	}
	if f.CustomerID != "" && txn.CustomerID != f.CustomerID {
		return false
	}
	if f.SupplierID != "" && txn.SupplierID != f.SupplierID {
		return false
	}
	if f.InvoiceID != "" && txn.InvoiceID != f.InvoiceID {
		return false
	}
	if f.AccountID != "" && !txn.Touches(f.AccountID) {
		return false
	}
	return true
}

func matchReceipt(f ReceiptFilter, rec PostingReceipt) bool {
	if f.Until != nil && rec.Date.After(*f.Until) {
		return false
	}
	if f.AccountID != "" {
		_, own := rec.DeltaFor(f.AccountID)
		_, rolled := rec.RollupFor(f.AccountID)
		if !own && !rolled {
			return false
		}
	}
	return true
}

func sortAccounts(list []Account) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Code != list[j].Code {
			return list[i].Code < list[j].Code
		}
		return list[i].ID < list[j].ID
	})
}

func paginate[T any](list []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(list) {
			return list[:0]
		}
		list = list[offset:]
	}
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}
