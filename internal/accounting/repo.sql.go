package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx runs fn inside a repeatable-read transaction. Serialization
// failures and deadlocks surface as shared.ErrConcurrentUpdate.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if err != nil && db.IsRetryable(err) {
		return fmt.Errorf("%w: %v", shared.ErrConcurrentUpdate, err)
	}
	return err
}

const accountColumns = `id, code, name, type, category, COALESCE(parent_id, ''), currency,
	opening_balance, current_balance, rollup_balance, is_active, is_system,
	allow_negative_balance, require_approval, version, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a   Account
		typ string
	)
	err := row.Scan(&a.ID, &a.Code, &a.Name, &typ, &a.Category, &a.ParentID, &a.Currency,
		&a.OpeningBalance, &a.CurrentBalance, &a.RollupBalance, &a.IsActive, &a.IsSystem,
		&a.Settings.AllowNegativeBalance, &a.Settings.RequireApproval, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	a.Type = AccountType(typ)
	return a, err
}

func getAccount(ctx context.Context, q querier, id string) (Account, error) {
	acc, err := scanAccount(q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, shared.ErrAccountNotFound
		}
		return Account{}, err
	}
	return acc, nil
}

func getAccounts(ctx context.Context, q querier, ids []string, forUpdate bool) (map[string]Account, error) {
	out := make(map[string]Account, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sql := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ANY($1) ORDER BY id`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[acc.ID] = acc
	}
	return out, rows.Err()
}

// GetAccount loads a single account.
func (r *Repository) GetAccount(ctx context.Context, id string) (Account, error) {
	return getAccount(ctx, r.pool, id)
}

// GetAccounts loads the accounts that exist among ids.
func (r *Repository) GetAccounts(ctx context.Context, ids []string) (map[string]Account, error) {
	return getAccounts(ctx, r.pool, ids, false)
}

// ListAccounts returns accounts ordered by code.
func (r *Repository) ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if filter.Category != "" {
		add("category = $%d", filter.Category)
	}
	if filter.ParentID != "" {
		add("parent_id = $%d", filter.ParentID)
	}
	if filter.ActiveOnly {
		where = append(where, "is_active")
	}
	sql := `SELECT ` + accountColumns + ` FROM accounts`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY code, id`
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func (r *txRepository) InsertAccount(ctx context.Context, a Account) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO accounts (id, code, name, type, category, parent_id, currency,
		opening_balance, current_balance, rollup_balance, is_active, is_system,
		allow_negative_balance, require_approval, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8,$9,$10,$11,$12,$13,$14,1,$15,$16)`,
		a.ID, a.Code, a.Name, string(a.Type), a.Category, a.ParentID, a.Currency,
		toNumeric(a.OpeningBalance), toNumeric(a.CurrentBalance), toNumeric(a.RollupBalance), a.IsActive, a.IsSystem,
		a.Settings.AllowNegativeBalance, a.Settings.RequireApproval, a.CreatedAt, a.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return shared.ErrDuplicateAccount
	}
	return err
}

func (r *txRepository) GetAccountsForUpdate(ctx context.Context, ids []string) (map[string]Account, error) {
	return getAccounts(ctx, r.tx, ids, true)
}

func (r *txRepository) UpdateAccount(ctx context.Context, a Account) error {
	tag, err := r.tx.Exec(ctx, `UPDATE accounts SET name=$3, category=$4, current_balance=$5, rollup_balance=$6,
		is_active=$7, allow_negative_balance=$8, require_approval=$9, updated_at=$10, version=version+1
		WHERE id=$1 AND version=$2`,
		a.ID, a.Version, a.Name, a.Category, toNumeric(a.CurrentBalance), toNumeric(a.RollupBalance),
		a.IsActive, a.Settings.AllowNegativeBalance, a.Settings.RequireApproval, a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", shared.ErrConcurrentUpdate, a.ID)
	}
	return nil
}

const transactionColumns = `id, date, description, type, reference, reference_id, amount, currency, exchange_rates,
	status, customer_id, supplier_id, invoice_id, payment_method, notes, created_by,
	submitted_at, approved_by, approved_at, rejected_by, rejected_at, rejection_reason, posted_at,
	reversal_of, reversed_by, version, created_at, updated_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t           Transaction
		typ, status string
		rates       []byte
	)
	err := row.Scan(&t.ID, &t.Date, &t.Description, &typ, &t.Reference, &t.ReferenceID, &t.Amount, &t.Currency, &rates,
		&status, &t.CustomerID, &t.SupplierID, &t.InvoiceID, &t.PaymentMethod, &t.Notes, &t.CreatedBy,
		&t.SubmittedAt, &t.ApprovedBy, &t.ApprovedAt, &t.RejectedBy, &t.RejectedAt, &t.RejectionReason, &t.PostedAt,
		&t.ReversalOf, &t.ReversedBy, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Transaction{}, err
	}
	t.Type = TransactionType(typ)
	t.Status = Status(status)
	if len(rates) > 0 && string(rates) != "null" {
		if err := json.Unmarshal(rates, &t.ExchangeRates); err != nil {
			return Transaction{}, fmt.Errorf("decode exchange rates: %w", err)
		}
	}
	return t, nil
}

func getTransaction(ctx context.Context, q querier, id string, forUpdate bool) (Transaction, error) {
	sql := `SELECT ` + transactionColumns + ` FROM transactions WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	txn, err := scanTransaction(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, shared.ErrTransactionNotFound
		}
		return Transaction{}, err
	}
	entries, err := loadEntries(ctx, q, []string{id})
	if err != nil {
		return Transaction{}, err
	}
	txn.Entries = entries[id]
	return txn, nil
}

func loadEntries(ctx context.Context, q querier, ids []string) (map[string][]Entry, error) {
	out := make(map[string][]Entry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx, `SELECT transaction_id, account_id, side, amount, description
		FROM transaction_entries WHERE transaction_id = ANY($1) ORDER BY transaction_id, line_no`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			txnID string
			e     Entry
			side  int16
			value decimal.Decimal
		)
		if err := rows.Scan(&txnID, &e.AccountID, &side, &value, &e.Description); err != nil {
			return nil, err
		}
		if Side(side) == SideCredit {
			e.Amount = Credit(value)
		} else {
			e.Amount = Debit(value)
		}
		out[txnID] = append(out[txnID], e)
	}
	return out, rows.Err()
}

// GetTransaction loads a transaction with its entries.
func (r *Repository) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	return getTransaction(ctx, r.pool, id, false)
}

// ListTransactions returns transactions ordered by date.
func (r *Repository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.From != nil {
		add("date >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("date <= $%d", *filter.To)
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.CustomerID != "" {
		add("customer_id = $%d", filter.CustomerID)
	}
	if filter.SupplierID != "" {
		add("supplier_id = $%d", filter.SupplierID)
	}
	if filter.InvoiceID != "" {
		add("invoice_id = $%d", filter.InvoiceID)
	}
	if filter.AccountID != "" {
		add("EXISTS (SELECT 1 FROM transaction_entries e WHERE e.transaction_id = transactions.id AND e.account_id = $%d)", filter.AccountID)
	}
	sql := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY date, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		sql += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var (
		txns []Transaction
		ids  []string
	)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		txns = append(txns, txn)
		ids = append(ids, txn.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	entries, err := loadEntries(ctx, r.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range txns {
		txns[i].Entries = entries[txns[i].ID]
	}
	return txns, nil
}

func encodeRates(rates map[string]decimal.Decimal) ([]byte, error) {
	if len(rates) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(rates)
}

func (r *txRepository) InsertTransaction(ctx context.Context, t Transaction) error {
	rates, err := encodeRates(t.ExchangeRates)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `INSERT INTO transactions (id, date, description, type, reference, reference_id, amount, currency,
		exchange_rates, status, customer_id, supplier_id, invoice_id, payment_method, notes, created_by,
		submitted_at, approved_by, approved_at, rejected_by, rejected_at, rejection_reason, posted_at,
		reversal_of, reversed_by, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,1,$26,$27)`,
		t.ID, t.Date, t.Description, string(t.Type), t.Reference, t.ReferenceID, toNumeric(t.Amount), t.Currency,
		rates, string(t.Status), t.CustomerID, t.SupplierID, t.InvoiceID, t.PaymentMethod, t.Notes, t.CreatedBy,
		t.SubmittedAt, t.ApprovedBy, t.ApprovedAt, t.RejectedBy, t.RejectedAt, t.RejectionReason, t.PostedAt,
		t.ReversalOf, t.ReversedBy, t.CreatedAt, t.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return shared.ErrDuplicateTransaction
	}
	if err != nil {
		return err
	}
	return r.insertEntries(ctx, t.ID, t.Entries)
}

func (r *txRepository) insertEntries(ctx context.Context, txnID string, entries []Entry) error {
	for i, e := range entries {
		_, err := r.tx.Exec(ctx, `INSERT INTO transaction_entries (transaction_id, line_no, account_id, side, amount, description)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			txnID, i, e.AccountID, int16(e.Amount.Side()), toNumeric(e.Amount.Value()), e.Description)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) GetTransactionForUpdate(ctx context.Context, id string) (Transaction, error) {
	return getTransaction(ctx, r.tx, id, true)
}

// UpdateTransaction rewrites header and entries. Entries are replaced only
// while the row is still editable in the database.
func (r *txRepository) UpdateTransaction(ctx context.Context, t Transaction) error {
	rates, err := encodeRates(t.ExchangeRates)
	if err != nil {
		return err
	}
	var previous string
	err = r.tx.QueryRow(ctx, `SELECT status FROM transactions WHERE id=$1`, t.ID).Scan(&previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return shared.ErrTransactionNotFound
		}
		return err
	}
	tag, err := r.tx.Exec(ctx, `UPDATE transactions SET date=$3, description=$4, type=$5, reference=$6, reference_id=$7,
		amount=$8, currency=$9, exchange_rates=$10, status=$11, customer_id=$12, supplier_id=$13, invoice_id=$14,
		payment_method=$15, notes=$16, submitted_at=$17, approved_by=$18, approved_at=$19, rejected_by=$20,
		rejected_at=$21, rejection_reason=$22, posted_at=$23, reversal_of=$24, reversed_by=$25, updated_at=$26,
		version=version+1
		WHERE id=$1 AND version=$2`,
		t.ID, t.Version, t.Date, t.Description, string(t.Type), t.Reference, t.ReferenceID,
		toNumeric(t.Amount), t.Currency, rates, string(t.Status), t.CustomerID, t.SupplierID, t.InvoiceID,
		t.PaymentMethod, t.Notes, t.SubmittedAt, t.ApprovedBy, t.ApprovedAt, t.RejectedBy,
		t.RejectedAt, t.RejectionReason, t.PostedAt, t.ReversalOf, t.ReversedBy, t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s", shared.ErrConcurrentUpdate, t.ID)
	}
	if !Status(previous).Editable() {
		return nil
	}
	if _, err := r.tx.Exec(ctx, `DELETE FROM transaction_entries WHERE transaction_id=$1`, t.ID); err != nil {
		return err
	}
	return r.insertEntries(ctx, t.ID, t.Entries)
}

func (r *txRepository) CountPendingByAccount(ctx context.Context, accountID string) (int, error) {
	var count int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(DISTINCT t.id) FROM transactions t
		JOIN transaction_entries e ON e.transaction_id = t.id
		WHERE e.account_id=$1 AND t.status IN ('draft','pending','approved')`, accountID).Scan(&count)
	return count, err
}

const (
	receiptLineOwn    = "own"
	receiptLineRollup = "rollup"
)

func (r *txRepository) InsertReceipt(ctx context.Context, rec PostingReceipt) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO posting_receipts (transaction_id, txn_date, posted_at, digest) VALUES ($1,$2,$3,$4)`,
		rec.TransactionID, rec.Date, rec.PostedAt, rec.Digest)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: receipt %s exists", shared.ErrConcurrentUpdate, rec.TransactionID)
	}
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	queue := func(kind string, lines []AccountDelta) {
		for _, d := range lines {
			batch.Queue(`INSERT INTO posting_receipt_lines (transaction_id, kind, account_id, delta) VALUES ($1,$2,$3,$4)`,
				rec.TransactionID, kind, d.AccountID, toNumeric(d.Delta))
		}
	}
	queue(receiptLineOwn, rec.Deltas)
	queue(receiptLineRollup, rec.Rollups)
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) GetReceipt(ctx context.Context, transactionID string) (PostingReceipt, error) {
	return getReceipt(ctx, r.tx, transactionID)
}

// GetReceipt loads the posting receipt of a transaction.
func (r *Repository) GetReceipt(ctx context.Context, transactionID string) (PostingReceipt, error) {
	return getReceipt(ctx, r.pool, transactionID)
}

func getReceipt(ctx context.Context, q querier, transactionID string) (PostingReceipt, error) {
	var rec PostingReceipt
	err := q.QueryRow(ctx, `SELECT transaction_id, txn_date, posted_at, digest FROM posting_receipts WHERE transaction_id=$1`, transactionID).
		Scan(&rec.TransactionID, &rec.Date, &rec.PostedAt, &rec.Digest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PostingReceipt{}, shared.ErrReceiptNotFound
		}
		return PostingReceipt{}, err
	}
	receipts := []PostingReceipt{rec}
	if err := loadReceiptLines(ctx, q, receipts); err != nil {
		return PostingReceipt{}, err
	}
	return receipts[0], nil
}

// ListReceipts returns receipts in posting order.
func (r *Repository) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]PostingReceipt, error) {
	var until *time.Time
	if filter.Until != nil {
		u := filter.Until.UTC()
		until = &u
	}
	rows, err := r.pool.Query(ctx, `SELECT r.transaction_id, r.txn_date, r.posted_at, r.digest
		FROM posting_receipts r
		WHERE ($1::timestamptz IS NULL OR r.txn_date <= $1)
		  AND ($2 = '' OR EXISTS (SELECT 1 FROM posting_receipt_lines l WHERE l.transaction_id = r.transaction_id AND l.account_id = $2))
		ORDER BY r.seq`, until, filter.AccountID)
	if err != nil {
		return nil, err
	}
	var receipts []PostingReceipt
	for rows.Next() {
		var rec PostingReceipt
		if err := rows.Scan(&rec.TransactionID, &rec.Date, &rec.PostedAt, &rec.Digest); err != nil {
			rows.Close()
			return nil, err
		}
		receipts = append(receipts, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadReceiptLines(ctx, r.pool, receipts); err != nil {
		return nil, err
	}
	return receipts, nil
}

func loadReceiptLines(ctx context.Context, q querier, receipts []PostingReceipt) error {
	if len(receipts) == 0 {
		return nil
	}
	index := make(map[string]int, len(receipts))
	ids := make([]string, 0, len(receipts))
	for i, rec := range receipts {
		index[rec.TransactionID] = i
		ids = append(ids, rec.TransactionID)
	}
	rows, err := q.Query(ctx, `SELECT transaction_id, kind, account_id, delta FROM posting_receipt_lines
		WHERE transaction_id = ANY($1) ORDER BY transaction_id, kind, account_id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			txnID, kind string
			d           AccountDelta
		)
		if err := rows.Scan(&txnID, &kind, &d.AccountID, &d.Delta); err != nil {
			return err
		}
		rec := &receipts[index[txnID]]
		if kind == receiptLineRollup {
			rec.Rollups = append(rec.Rollups, d)
		} else {
			rec.Deltas = append(rec.Deltas, d)
		}
	}
	return rows.Err()
}

func toNumeric(d decimal.Decimal) string {
	return d.String()
}
