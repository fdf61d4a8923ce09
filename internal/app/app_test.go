package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	_ "github.com/odyssey-erp/odyssey-ledger/testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LEDGER_STORE", "Memory")
	t.Setenv("LEDGER_DEFAULT_CURRENCY", "eur")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.LedgerStore)
	assert.Equal(t, LockLocal, cfg.LockBackend)
	assert.Equal(t, "EUR", cfg.DefaultCurrency)
	assert.Equal(t, 72*time.Hour, cfg.PendingStaleAfter)
	assert.True(t, cfg.AutoPostOnApprove)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("LEDGER_STORE", "sqlite")
	t.Setenv("LEDGER_NEGATIVE_POLICY", "yolo")
	t.Setenv("LEDGER_BALANCE_TOLERANCE", "-1")
	t.Setenv("LEDGER_POST_MAX_ATTEMPTS", "0")
	_, err := LoadConfig()
	require.Error(t, err)
	for _, want := range []string{"LEDGER_STORE", "LEDGER_NEGATIVE_POLICY", "LEDGER_BALANCE_TOLERANCE", "LEDGER_POST_MAX_ATTEMPTS"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLedgerOptions(t *testing.T) {
	cfg := &Config{
		DefaultCurrency:   "GBP",
		BalanceTolerance:  "0.005",
		PostMaxAttempts:   7,
		PostBackoffInit:   time.Millisecond,
		PostBackoffMax:    time.Second,
		LockWait:          3 * time.Second,
		PendingStaleAfter: time.Hour,
		NegativePolicy:    string(accounting.NegativePolicyPerAccount),
	}
	opts := cfg.LedgerOptions()
	assert.Equal(t, "GBP", opts.DefaultCurrency)
	assert.Equal(t, "0.005", opts.Tolerance.String())
	assert.Equal(t, 7, opts.MaxPostAttempts)
	assert.Equal(t, accounting.NegativePolicyPerAccount, opts.NegativePolicy)
	assert.False(t, opts.AutoPostOnApproval)

	var nilCfg *Config
	assert.Equal(t, accounting.DefaultOptions().MaxPostAttempts, nilCfg.LedgerOptions().MaxPostAttempts)
}

func TestNewLoggerFormats(t *testing.T) {
	buf := new(bytes.Buffer)
	newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, buf).Info("hidden")
	newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, buf).Warn("shown")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, json.Valid([]byte(strings.TrimSpace(out))), out)
	assert.Equal(t, "debug", strings.ToLower(parseLevel(&Config{LogLevel: "DEBUG"}).String()))
}

func memoryConfig() *Config {
	return &Config{
		LedgerStore:      StoreMemory,
		LockBackend:      LockLocal,
		DefaultCurrency:  "USD",
		BalanceTolerance: "0.01",
		PostMaxAttempts:  3,
		NegativePolicy:   string(accounting.NegativePolicyStrictest),
		BalanceCacheTTL:  time.Minute,
	}
}

func TestBuildLedgerInMemory(t *testing.T) {
	ledger, err := BuildLedger(context.Background(), memoryConfig(), nil, prometheus.NewRegistry())
	require.NoError(t, err)
	defer ledger.Close()

	require.NotNil(t, ledger.Service)
	require.NotNil(t, ledger.Hooks)
	assert.Nil(t, ledger.Pool)
	assert.Nil(t, ledger.Redis, "test mode never dials redis")
	assert.Empty(t, ledger.Checks())
}

func TestBuildLedgerRedisLocksNeedRedis(t *testing.T) {
	cfg := memoryConfig()
	cfg.LockBackend = LockRedis
	_, err := BuildLedger(context.Background(), cfg, nil, prometheus.NewRegistry())
	require.Error(t, err)

	_, err = BuildLedger(context.Background(), nil, nil, nil)
	require.Error(t, err)
}

func newOpsRouter(checks map[string]Pinger) http.Handler {
	return NewRouter(RouterParams{
		Config:  &Config{OpsRateLimit: 100, OpsRequestTimeout: time.Second},
		Metrics: observability.NewMetrics(),
		Checks:  checks,
	})
}

func TestHealthAndReadiness(t *testing.T) {
	router := newOpsRouter(map[string]Pinger{
		"postgres": func(context.Context) error { return nil },
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"postgres":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger_http_requests_total")
}

func TestReadinessReportsFailures(t *testing.T) {
	router := newOpsRouter(map[string]Pinger{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["postgres"])
	assert.Equal(t, "connection refused", body["redis"])
}

func TestRefreshTestMode(t *testing.T) {
	require.True(t, InTestMode())
	t.Cleanup(RefreshTestMode)
	t.Setenv("LEDGER_TEST_MODE", "0")
	RefreshTestMode()
	assert.False(t, InTestMode())
}

func TestServeOpsStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeOps(ctx, ln, handler, nil) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ops server did not stop")
	}
}
