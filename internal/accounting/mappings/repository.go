package mappings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository resolves and maintains account mappings.
type Repository interface {
	Get(ctx context.Context, module, key string) (AccountMapping, error)
	Upsert(ctx context.Context, items []AccountMapping) error
	List(ctx context.Context, module string) ([]AccountMapping, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the PostgreSQL backed mapping store.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool}
}

// Get resolves an account mapping for the specified key.
func (r *repository) Get(ctx context.Context, module, key string) (AccountMapping, error) {
	module, key, err := normalize(module, key)
	if err != nil {
		return AccountMapping{}, err
	}
	var mapping AccountMapping
	err = r.db.QueryRow(ctx, `SELECT module, key, account_id, created_at, updated_at FROM account_mappings WHERE module=$1 AND key=$2`, module, key).
		Scan(&mapping.Module, &mapping.Key, &mapping.AccountID, &mapping.CreatedAt, &mapping.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountMapping{}, fmt.Errorf("%w: %s/%s", ErrMappingNotFound, module, key)
		}
		return AccountMapping{}, err
	}
	return mapping, nil
}

// Upsert writes every mapping in one transaction.
func (r *repository) Upsert(ctx context.Context, items []AccountMapping) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		for _, item := range items {
			module, key, err := normalize(item.Module, item.Key)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `INSERT INTO account_mappings (module, key, account_id, created_at, updated_at)
				VALUES ($1, $2, $3, NOW(), NOW())
				ON CONFLICT (module, key) DO UPDATE SET account_id = EXCLUDED.account_id, updated_at = NOW()`,
				module, key, item.AccountID)
			if err != nil {
				return fmt.Errorf("upsert mapping %s/%s: %w", module, key, err)
			}
		}
		return nil
	})
}

// List returns the mappings of one module, or all of them when module is empty.
func (r *repository) List(ctx context.Context, module string) ([]AccountMapping, error) {
	rows, err := r.db.Query(ctx, `SELECT module, key, account_id, created_at, updated_at FROM account_mappings
		WHERE $1 = '' OR module = UPPER($1) ORDER BY module, key`, module)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccountMapping
	for rows.Next() {
		var m AccountMapping
		if err := rows.Scan(&m.Module, &m.Key, &m.AccountID, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MemoryRepository keeps mappings in process memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[string]AccountMapping
}

// NewMemoryRepository returns an empty in-memory mapping store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string]AccountMapping)}
}

func memoryKey(module, key string) string {
	return module + "\x00" + key
}

// Get resolves an account mapping for the specified key.
func (m *MemoryRepository) Get(_ context.Context, module, key string) (AccountMapping, error) {
	module, key, err := normalize(module, key)
	if err != nil {
		return AccountMapping{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	mapping, ok := m.items[memoryKey(module, key)]
	if !ok {
		return AccountMapping{}, fmt.Errorf("%w: %s/%s", ErrMappingNotFound, module, key)
	}
	return mapping, nil
}

// Upsert stores every mapping; the batch is rejected as a whole on bad input.
func (m *MemoryRepository) Upsert(_ context.Context, items []AccountMapping) error {
	staged := make([]AccountMapping, 0, len(items))
	for _, item := range items {
		module, key, err := normalize(item.Module, item.Key)
		if err != nil {
			return err
		}
		item.Module, item.Key = module, key
		staged = append(staged, item)
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range staged {
		k := memoryKey(item.Module, item.Key)
		if existing, ok := m.items[k]; ok {
			item.CreatedAt = existing.CreatedAt
		} else {
			item.CreatedAt = now
		}
		item.UpdatedAt = now
		m.items[k] = item
	}
	return nil
}

// List returns the mappings of one module, or all of them when module is empty.
func (m *MemoryRepository) List(_ context.Context, module string) ([]AccountMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AccountMapping
	for _, item := range m.items {
		if module == "" || item.Module == strings.ToUpper(module) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}
