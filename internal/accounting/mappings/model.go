package mappings

import (
	"errors"
	"strings"
	"time"
)

// ErrMappingNotFound is returned when no account is mapped to a key.
var ErrMappingNotFound = errors.New("accounting: account mapping not found")

// AccountMapping links integration keys to ledger accounts.
type AccountMapping struct {
	Module    string    `yaml:"module" json:"module"`
	Key       string    `yaml:"key" json:"key"`
	AccountID string    `yaml:"account_id" json:"account_id"`
	CreatedAt time.Time `yaml:"-" json:"created_at"`
	UpdatedAt time.Time `yaml:"-" json:"updated_at"`
}

func normalize(module, key string) (string, string, error) {
	module = strings.ToUpper(strings.TrimSpace(module))
	key = strings.TrimSpace(key)
	if module == "" || key == "" {
		return "", "", errors.New("accounting: module and key required")
	}
	return module, key, nil
}
