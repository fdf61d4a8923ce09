package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/chart"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
	_ "github.com/odyssey-erp/odyssey-ledger/testing"
)

type cliFixture struct {
	cfg    *app.Config
	logger *slog.Logger
	ledger *app.Ledger
}

func newFixture(t *testing.T) *cliFixture {
	t.Helper()
	cfg := &app.Config{
		LedgerStore:       app.StoreMemory,
		LockBackend:       app.LockLocal,
		DefaultCurrency:   "USD",
		BalanceTolerance:  "0.01",
		PostMaxAttempts:   3,
		LockWait:          time.Second,
		PendingStaleAfter: time.Hour,
		NegativePolicy:    string(accounting.NegativePolicyStrictest),
		AutoPostOnApprove: true,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger, err := app.BuildLedger(context.Background(), cfg, logger, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(ledger.Close)
	return &cliFixture{cfg: cfg, logger: logger, ledger: ledger}
}

func (f *cliFixture) run(t *testing.T, jobsBackend JobsBackend, args ...string) (string, error) {
	t.Helper()
	stdout := new(bytes.Buffer)
	cmd := NewRootCommand(Options{
		Config: f.cfg,
		Logger: f.logger,
		Ledger: f.ledger,
		Jobs:   jobsBackend,
		Out:    stdout,
	})
	cmd.SetOut(stdout)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func (f *cliFixture) seed(t *testing.T) {
	t.Helper()
	_, err := f.run(t, nil, "chart", "seed")
	require.NoError(t, err)
}

func (f *cliFixture) submit(t *testing.T, debit, credit string, amount int64) accounting.Transaction {
	t.Helper()
	value := decimal.NewFromInt(amount)
	txn, err := f.ledger.Service.Submit(context.Background(), accounting.TransactionInput{
		Date:        time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		Description: "cli test",
		Amount:      value,
		Entries: []accounting.EntryInput{
			{AccountID: chart.AccountID(debit), Debit: value},
			{AccountID: chart.AccountID(credit), Credit: value},
		},
	})
	require.NoError(t, err)
	return txn
}

func TestChartSeedIsRepeatable(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, nil, "chart", "seed", "--json")
	require.NoError(t, err)
	var first chart.SeedResult
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	require.Positive(t, first.Created)
	require.Zero(t, first.Existing)
	require.Positive(t, first.Mappings)

	out, err = f.run(t, nil, "chart", "seed", "--json")
	require.NoError(t, err)
	var second chart.SeedResult
	require.NoError(t, json.Unmarshal([]byte(out), &second))
	require.Zero(t, second.Created)
	require.Equal(t, first.Created, second.Existing)
}

func TestBalanceResolvesChartCode(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.submit(t, "1100", "3100", 1000)

	out, err := f.run(t, nil, "balance", "1100", "--json")
	require.NoError(t, err)
	var view accounting.BalanceView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.Equal(t, chart.AccountID("1100"), view.AccountID)
	require.True(t, view.Current.Equal(decimal.NewFromInt(1000)), view.Current.String())

	out, err = f.run(t, nil, "balance", chart.AccountID("1000"))
	require.NoError(t, err)
	require.Contains(t, out, "rollup:  1000.00")
}

func TestBalanceAsOfBeforePosting(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.submit(t, "1100", "3100", 250)

	out, err := f.run(t, nil, "balance", "1100", "--as-of", "2025-03-09", "--json")
	require.NoError(t, err)
	var view accounting.BalanceView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.True(t, view.Current.IsZero(), view.Current.String())
}

func TestBalanceUnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, nil, "balance", "9999")
	require.ErrorIs(t, err, shared.ErrAccountNotFound)
}

func TestVerifyCleanLedger(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.submit(t, "1100", "3100", 1000)

	out, err := f.run(t, nil, "verify")
	require.NoError(t, err)
	require.Contains(t, out, "0 issues")
}

func TestPendingThenApprovePosts(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.submit(t, "1100", "3100", 1000)
	txn := f.submit(t, "5200", "1100", 400)
	require.Equal(t, accounting.StatusPending, txn.Status)

	out, err := f.run(t, nil, "pending")
	require.NoError(t, err)
	require.Contains(t, out, txn.ID)

	out, err = f.run(t, nil, "approve", txn.ID, "--actor", "controller")
	require.NoError(t, err)
	require.Contains(t, out, txn.ID+" posted")

	out, err = f.run(t, nil, "balance", "1100", "--json")
	require.NoError(t, err)
	var view accounting.BalanceView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.True(t, view.Current.Equal(decimal.NewFromInt(600)), view.Current.String())
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.submit(t, "1100", "3100", 1000)
	txn := f.submit(t, "5200", "1100", 100)

	_, err := f.run(t, nil, "reject", txn.ID)
	require.Error(t, err)

	out, err := f.run(t, nil, "reject", txn.ID, "--reason", "duplicate claim", "--json")
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.Equal(t, string(accounting.StatusRejected), status["status"])
}

func TestPostRejectsPendingTransaction(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.submit(t, "1100", "3100", 1000)
	txn := f.submit(t, "5200", "1100", 100)

	_, err := f.run(t, nil, "post", txn.ID)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
}

type stubJobs struct {
	triggered []string
	stats     []jobs.QueueStats
}

func (s *stubJobs) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if _, err := jobs.NewTaskByName(name); err != nil {
		return nil, err
	}
	s.triggered = append(s.triggered, name)
	return &asynq.TaskInfo{ID: "task-1", Type: name, Queue: jobs.QueueMaintenance}, nil
}

func (s *stubJobs) Stats(ctx context.Context) ([]jobs.QueueStats, error) {
	return s.stats, nil
}

func TestJobsTrigger(t *testing.T) {
	f := newFixture(t)
	backend := &stubJobs{}

	out, err := f.run(t, backend, "jobs", "trigger", jobs.TaskIntegrityCheck)
	require.NoError(t, err)
	assert.Equal(t, []string{jobs.TaskIntegrityCheck}, backend.triggered)
	assert.Contains(t, out, "task-1")

	_, err = f.run(t, backend, "jobs", "trigger", "ledger:unknown")
	require.Error(t, err)
	assert.Len(t, backend.triggered, 1)
}

func TestJobsStatsJSON(t *testing.T) {
	f := newFixture(t)
	backend := &stubJobs{stats: []jobs.QueueStats{{Queue: jobs.QueueDefault, Pending: 2}, {Queue: jobs.QueueMaintenance}}}

	out, err := f.run(t, backend, "jobs", "stats", "--json")
	require.NoError(t, err)
	var stats []jobs.QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Len(t, stats, 2)
	require.Equal(t, 2, stats[0].Pending)
}

func TestParseAsOf(t *testing.T) {
	at, err := parseAsOf("2025-03-09")
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 9, 23, 59, 59, 999999999, time.UTC), at)

	at, err = parseAsOf("2025-03-09T10:00:00Z")
	require.NoError(t, err)
	require.Equal(t, 10, at.Hour())

	_, err = parseAsOf("yesterday")
	require.True(t, errors.Is(err, shared.ErrInvalidInput))
}
