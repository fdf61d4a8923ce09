package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/locks"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
	sharedlog "github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Registry owns the chart of accounts.
type Registry struct {
	repo       RepositoryPort
	locker     locks.Manager
	audit      AuditPort
	logger     *slog.Logger
	currency   string
	now        func() time.Time
	invalidate func(context.Context)
}

// NewRegistry wires the account registry.
func NewRegistry(repo RepositoryPort, locker locks.Manager, audit AuditPort, logger *slog.Logger, defaultCurrency string) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = noopAudit{}
	}
	if locker == nil {
		locker = locks.NewLocal(0)
	}
	return &Registry{
		repo:       repo,
		locker:     locker,
		audit:      audit,
		logger:     logger,
		currency:   defaultCurrency,
		now:        time.Now,
		invalidate: func(context.Context) {},
	}
}

// CreateAccount validates and stores a new account. The opening balance is
// also added to every ancestor's roll-up balance.
func (r *Registry) CreateAccount(ctx context.Context, in AccountInput) (Account, error) {
	if err := inputValidator.Struct(in); err != nil {
		return Account{}, fieldErrors(err)
	}
	accountType, err := ParseAccountType(in.Type)
	if err != nil {
		return Account{}, err
	}
	currencyCode := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currencyCode == "" {
		currencyCode = r.currency
	}
	if !ValidCurrency(currencyCode) {
		return Account{}, fmt.Errorf("%w: %q", shared.ErrInvalidCurrency, currencyCode)
	}
	if !withinScale(in.OpeningBalance) {
		return Account{}, fmt.Errorf("%w: opening balance has more than %d decimal places", shared.ErrInvalidInput, MaxAmountScale)
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now().UTC()
	account := Account{
		ID:             id,
		Code:           strings.TrimSpace(in.Code),
		Name:           strings.TrimSpace(in.Name),
		Type:           accountType,
		Category:       strings.TrimSpace(in.Category),
		ParentID:       strings.TrimSpace(in.ParentID),
		Currency:       currencyCode,
		OpeningBalance: in.OpeningBalance,
		CurrentBalance: in.OpeningBalance,
		RollupBalance:  in.OpeningBalance,
		IsActive:       true,
		IsSystem:       in.IsSystem,
		Settings:       in.Settings,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	keys := []string{locks.AccountKey(account.ID)}
	if account.HasParent() {
		chain, _, err := ancestorClosure(ctx, []string{account.ParentID}, r.repo.GetAccounts)
		if err != nil {
			return Account{}, err
		}
		for _, ancestorID := range chain {
			keys = append(keys, locks.AccountKey(ancestorID))
		}
	}
	release, err := r.locker.Acquire(ctx, keys)
	if err != nil {
		return Account{}, err
	}
	defer release()

	err = r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var ancestors []Account
		if account.HasParent() {
			chain, err := r.ancestors(ctx, tx, account.ID, account.ParentID)
			if err != nil {
				return err
			}
			ancestors = chain
			parent := ancestors[0]
			if !parent.IsActive {
				return fmt.Errorf("%w: parent %s", shared.ErrInactiveAccount, parent.ID)
			}
			if parent.Currency != account.Currency {
				return fmt.Errorf("%w: parent %s is %s", shared.ErrCurrencyMismatch, parent.ID, parent.Currency)
			}
		}
		if err := tx.InsertAccount(ctx, account); err != nil {
			return err
		}
		if account.OpeningBalance.IsZero() {
			return nil
		}
		net := account.OpeningBalance.Mul(account.Type.NormalSide().Sign())
		for _, ancestor := range ancestors {
			ancestor.RollupBalance = ancestor.RollupBalance.Add(net.Mul(ancestor.Type.NormalSide().Sign()))
			ancestor.UpdatedAt = now
			if err := tx.UpdateAccount(ctx, ancestor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	account.Version = 1
	if !account.OpeningBalance.IsZero() {
		r.invalidate(ctx)
	}
	r.record(ctx, "account.create", account.ID, map[string]any{
		"type":            string(account.Type),
		"parent_id":       account.ParentID,
		"currency":        account.Currency,
		"opening_balance": account.OpeningBalance.String(),
	})
	r.logger.Info("account created", slog.String("account_id", account.ID), slog.String("type", string(account.Type)))
	return account, nil
}

// ancestors walks from parentID to the root. It fails with
// shared.ErrCyclicHierarchy when newID appears in the chain.
func (r *Registry) ancestors(ctx context.Context, tx TxRepository, newID, parentID string) ([]Account, error) {
	var chain []Account
	current := parentID
	for depth := 0; current != ""; depth++ {
		if current == newID || depth > maxHierarchyDepth {
			return nil, shared.ErrCyclicHierarchy
		}
		loaded, err := tx.GetAccountsForUpdate(ctx, []string{current})
		if err != nil {
			return nil, err
		}
		acc, ok := loaded[current]
		if !ok {
			return nil, fmt.Errorf("%w: parent %s", shared.ErrAccountNotFound, current)
		}
		chain = append(chain, acc)
		current = acc.ParentID
	}
	return chain, nil
}

// GetAccount returns one account.
func (r *Registry) GetAccount(ctx context.Context, id string) (Account, error) {
	return r.repo.GetAccount(ctx, id)
}

// AccountsByType lists accounts of one type, optionally narrowed by category
// and parent.
func (r *Registry) AccountsByType(ctx context.Context, accountType AccountType, filter AccountFilter) ([]Account, error) {
	if !accountType.Valid() {
		return nil, shared.ErrInvalidAccountType
	}
	filter.Type = accountType
	return r.repo.ListAccounts(ctx, filter)
}

// ListAccounts lists accounts matching filter.
func (r *Registry) ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error) {
	return r.repo.ListAccounts(ctx, filter)
}

// UpdateSettings toggles policy flags only.
func (r *Registry) UpdateSettings(ctx context.Context, id string, patch SettingsPatch) (Account, error) {
	updated, err := r.mutate(ctx, id, func(_ context.Context, _ TxRepository, acc *Account) error {
		acc.Settings = patch.Apply(acc.Settings)
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	r.record(ctx, "account.settings", id, map[string]any{
		"allow_negative_balance": updated.Settings.AllowNegativeBalance,
		"require_approval":       updated.Settings.RequireApproval,
	})
	return updated, nil
}

// Deactivate blocks new transactions against the account.
func (r *Registry) Deactivate(ctx context.Context, id string) (Account, error) {
	updated, err := r.mutate(ctx, id, func(ctx context.Context, tx TxRepository, acc *Account) error {
		if acc.IsSystem {
			return shared.ErrSystemAccount
		}
		pending, err := tx.CountPendingByAccount(ctx, acc.ID)
		if err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("%w: %d pending", shared.ErrAccountInUse, pending)
		}
		acc.IsActive = false
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	r.record(ctx, "account.deactivate", id, nil)
	return updated, nil
}

// Activate re-enables an account.
func (r *Registry) Activate(ctx context.Context, id string) (Account, error) {
	updated, err := r.mutate(ctx, id, func(_ context.Context, _ TxRepository, acc *Account) error {
		acc.IsActive = true
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	r.record(ctx, "account.activate", id, nil)
	return updated, nil
}

func (r *Registry) mutate(ctx context.Context, id string, fn func(context.Context, TxRepository, *Account) error) (Account, error) {
	release, err := r.locker.Acquire(ctx, []string{locks.AccountKey(id)})
	if err != nil {
		return Account{}, err
	}
	defer release()
	var updated Account
	err = r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		loaded, err := tx.GetAccountsForUpdate(ctx, []string{id})
		if err != nil {
			return err
		}
		acc, ok := loaded[id]
		if !ok {
			return shared.ErrAccountNotFound
		}
		if err := fn(ctx, tx, &acc); err != nil {
			return err
		}
		acc.UpdatedAt = r.now().UTC()
		if err := tx.UpdateAccount(ctx, acc); err != nil {
			return err
		}
		acc.Version++
		updated = acc
		return nil
	})
	return updated, err
}

func (r *Registry) record(ctx context.Context, action, id string, meta map[string]any) {
	err := r.audit.Record(ctx, sharedlog.AuditLog{
		ActorID:  sharedlog.ActorFromContext(ctx),
		Action:   action,
		Entity:   "account",
		EntityID: id,
		Meta:     meta,
		At:       r.now().UTC(),
	})
	if err != nil {
		r.logger.Warn("audit account change", slog.String("action", action), slog.Any("error", err))
	}
}
