// Package chart loads a chart of accounts from YAML and seeds it into the
// ledger. Account ids are derived from codes so seeding is repeatable.
package chart

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/mappings"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
)

//go:embed default.yaml
var defaultChart []byte

// AccountSpec is one account row of a chart file.
type AccountSpec struct {
	Code     string                     `yaml:"code"`
	Name     string                     `yaml:"name"`
	Type     string                     `yaml:"type"`
	Category string                     `yaml:"category"`
	Parent   string                     `yaml:"parent"`
	Currency string                     `yaml:"currency"`
	Opening  string                     `yaml:"opening_balance"`
	System   bool                       `yaml:"system"`
	Settings accounting.AccountSettings `yaml:"settings"`
}

// MappingSpec binds an integration key to an account code.
type MappingSpec struct {
	Module  string `yaml:"module"`
	Key     string `yaml:"key"`
	Account string `yaml:"account"`
}

// Chart is a parsed chart of accounts.
type Chart struct {
	Currency string        `yaml:"currency"`
	Accounts []AccountSpec `yaml:"accounts"`
	Mappings []MappingSpec `yaml:"mappings"`
}

// AccountID returns the deterministic ledger id for an account code.
func AccountID(code string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("ledger:account:"+code)).String()
}

// Default returns the embedded chart.
func Default() (Chart, error) {
	return Load(bytes.NewReader(defaultChart))
}

// LoadFile parses a chart from disk. An empty path yields the default chart.
func LoadFile(path string) (Chart, error) {
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return Chart{}, fmt.Errorf("chart: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses and checks a chart.
func Load(r io.Reader) (Chart, error) {
	var c Chart
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Chart{}, fmt.Errorf("chart: decode: %w", err)
	}
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	if err := c.check(); err != nil {
		return Chart{}, err
	}
	return c, nil
}

func (c Chart) check() error {
	var problems []error
	codes := make(map[string]struct{}, len(c.Accounts))
	for i, acc := range c.Accounts {
		if acc.Code == "" {
			problems = append(problems, fmt.Errorf("account %d: code required", i))
			continue
		}
		if _, dup := codes[acc.Code]; dup {
			problems = append(problems, fmt.Errorf("account %s: duplicate code", acc.Code))
		}
		codes[acc.Code] = struct{}{}
		if _, err := accounting.ParseAccountType(acc.Type); err != nil {
			problems = append(problems, fmt.Errorf("account %s: %w", acc.Code, err))
		}
		if acc.Opening != "" {
			if _, err := decimal.NewFromString(acc.Opening); err != nil {
				problems = append(problems, fmt.Errorf("account %s: opening balance: %w", acc.Code, err))
			}
		}
	}
	for _, acc := range c.Accounts {
		if acc.Parent == "" {
			continue
		}
		if _, ok := codes[acc.Parent]; !ok {
			problems = append(problems, fmt.Errorf("account %s: unknown parent %s", acc.Code, acc.Parent))
		}
	}
	if _, err := c.ordered(); err != nil {
		problems = append(problems, err)
	}
	for _, m := range c.Mappings {
		if _, ok := codes[m.Account]; !ok {
			problems = append(problems, fmt.Errorf("mapping %s/%s: unknown account %s", m.Module, m.Key, m.Account))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("chart: %w", errors.Join(problems...))
	}
	return nil
}

// ordered returns the accounts with every parent ahead of its children.
func (c Chart) ordered() ([]AccountSpec, error) {
	byCode := make(map[string]AccountSpec, len(c.Accounts))
	for _, acc := range c.Accounts {
		byCode[acc.Code] = acc
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.Accounts))
	out := make([]AccountSpec, 0, len(c.Accounts))
	var visit func(code string) error
	visit = func(code string) error {
		switch state[code] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("account %s: %w", code, shared.ErrCyclicHierarchy)
		}
		state[code] = visiting
		acc := byCode[code]
		if acc.Parent != "" {
			if _, ok := byCode[acc.Parent]; ok {
				if err := visit(acc.Parent); err != nil {
					return err
				}
			}
		}
		state[code] = done
		out = append(out, acc)
		return nil
	}
	for _, acc := range c.Accounts {
		if err := visit(acc.Code); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SeedResult reports what Seed changed.
type SeedResult struct {
	Created  int
	Existing int
	Mappings int
}

// Seed creates every account that does not exist yet and upserts the
// mappings. Re-running it is harmless.
func Seed(ctx context.Context, registry *accounting.Registry, mapRepo mappings.Repository, c Chart, logger *slog.Logger) (SeedResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	accounts, err := c.ordered()
	if err != nil {
		return SeedResult{}, err
	}
	var result SeedResult
	for _, spec := range accounts {
		in := accounting.AccountInput{
			ID:       AccountID(spec.Code),
			Code:     spec.Code,
			Name:     spec.Name,
			Type:     spec.Type,
			Category: spec.Category,
			Currency: spec.Currency,
			IsSystem: spec.System,
			Settings: spec.Settings,
		}
		if in.Currency == "" {
			in.Currency = c.Currency
		}
		if spec.Parent != "" {
			in.ParentID = AccountID(spec.Parent)
		}
		if spec.Opening != "" {
			in.OpeningBalance = decimal.RequireFromString(spec.Opening)
		}
		if _, err := registry.CreateAccount(ctx, in); err != nil {
			if errors.Is(err, shared.ErrDuplicateAccount) {
				result.Existing++
				continue
			}
			return result, fmt.Errorf("chart: seed %s: %w", spec.Code, err)
		}
		result.Created++
	}

	if mapRepo != nil && len(c.Mappings) > 0 {
		items := make([]mappings.AccountMapping, 0, len(c.Mappings))
		for _, m := range c.Mappings {
			items = append(items, mappings.AccountMapping{Module: m.Module, Key: m.Key, AccountID: AccountID(m.Account)})
		}
		if err := mapRepo.Upsert(ctx, items); err != nil {
			return result, fmt.Errorf("chart: seed mappings: %w", err)
		}
		result.Mappings = len(items)
	}
	logger.Info("chart seeded",
		slog.Int("created", result.Created),
		slog.Int("existing", result.Existing),
		slog.Int("mappings", result.Mappings),
	)
	return result, nil
}
