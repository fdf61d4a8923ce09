package accounting

import (
	"context"
)

// RepositoryPort is the storage port used by the ledger services. Reads outside
// WithTx are unsynchronized snapshots.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetAccount(ctx context.Context, id string) (Account, error)
	GetAccounts(ctx context.Context, ids []string) (map[string]Account, error)
	ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error)
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	GetReceipt(ctx context.Context, transactionID string) (PostingReceipt, error)
	ListReceipts(ctx context.Context, filter ReceiptFilter) ([]PostingReceipt, error)
}

// TxRepository exposes transactional operations. Updates carry the version
// that was read and fail with shared.ErrConcurrentUpdate when it moved.
type TxRepository interface {
	InsertAccount(ctx context.Context, account Account) error
	GetAccountsForUpdate(ctx context.Context, ids []string) (map[string]Account, error)
	UpdateAccount(ctx context.Context, account Account) error

	InsertTransaction(ctx context.Context, txn Transaction) error
	GetTransactionForUpdate(ctx context.Context, id string) (Transaction, error)
	UpdateTransaction(ctx context.Context, txn Transaction) error
	// CountPendingByAccount counts unfinished (draft, pending, approved)
	// transactions referencing the account.
	CountPendingByAccount(ctx context.Context, accountID string) (int, error)

	InsertReceipt(ctx context.Context, receipt PostingReceipt) error
	GetReceipt(ctx context.Context, transactionID string) (PostingReceipt, error)
}
