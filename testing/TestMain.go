// Package testing switches the ledger binaries into test mode when blank
// imported from a test package.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

// testDefaults are applied unless the environment already sets them.
var testDefaults = map[string]string{
	"LEDGER_STORE":        "memory",
	"LEDGER_LOCK_BACKEND": "local",
	"LOG_LEVEL":           "warn",
}

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("LEDGER_TEST_MODE", "1")
		for key, value := range testDefaults {
			if _, ok := os.LookupEnv(key); !ok {
				_ = os.Setenv(key, value)
			}
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
