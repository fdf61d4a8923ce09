package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// PendingScanner lists transactions waiting for approval too long.
type PendingScanner interface {
	StalePending(ctx context.Context, olderThan time.Duration) ([]accounting.Transaction, error)
}

// IntegrityChecker recomputes balances from posting receipts.
type IntegrityChecker interface {
	VerifyIntegrity(ctx context.Context) (accounting.IntegrityReport, error)
}

// BalanceWarmer precomputes point-in-time balances.
type BalanceWarmer interface {
	Warm(ctx context.Context, asOf time.Time, concurrency int) (int, error)
}

type jobBase struct {
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

func (b jobBase) logger(job string) *slog.Logger {
	if b.Logger != nil {
		return b.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (b jobBase) metrics() *jobmetrics.Metrics {
	if b.Metrics != nil {
		return b.Metrics
	}
	return defaultJobMetrics
}

func (b jobBase) now() time.Time {
	if b.clock != nil {
		return b.clock()
	}
	return time.Now().UTC()
}

func decode(t *asynq.Task, out any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload(), out); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}

// StalePendingJob logs pending transactions older than the threshold. It
// never rejects anything.
type StalePendingJob struct {
	jobBase
	Ledger PendingScanner
}

// NewStalePendingJob wires the stale-pending scan handler.
func NewStalePendingJob(ledger PendingScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *StalePendingJob {
	return &StalePendingJob{jobBase: jobBase{Logger: logger, Metrics: metrics}, Ledger: ledger}
}

// Handle processes TaskStalePendingScan tasks.
func (j *StalePendingJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Ledger == nil {
		return errors.New("stale pending: handler not configured")
	}
	var payload StalePendingPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	tracker := j.metrics().Track(TaskStalePendingScan)
	defer func() { err = tracker.End(err) }()

	logger := j.logger(TaskStalePendingScan)
	stale, err := j.Ledger.StalePending(ctx, payload.OlderThan)
	if err != nil {
		logger.Error("scan pending transactions", slog.Any("error", err))
		return err
	}
	now := j.now()
	for _, txn := range stale {
		since := txn.CreatedAt
		if txn.SubmittedAt != nil {
			since = *txn.SubmittedAt
		}
		logger.Warn("transaction awaiting approval",
			slog.String("transaction_id", txn.ID),
			slog.String("type", string(txn.Type)),
			slog.String("amount", txn.Amount.String()),
			slog.Duration("waiting", now.Sub(since)),
		)
	}
	logger.Info("stale pending scan completed", slog.Int("stale", len(stale)))
	return nil
}

// IntegrityJob runs the ledger integrity check and reports discrepancies.
type IntegrityJob struct {
	jobBase
	Ledger IntegrityChecker
}

// NewIntegrityJob wires the integrity check handler.
func NewIntegrityJob(ledger IntegrityChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityJob {
	return &IntegrityJob{jobBase: jobBase{Logger: logger, Metrics: metrics}, Ledger: ledger}
}

// ErrIntegrityIssues is returned when FailOnIssues is set and the check fails.
var ErrIntegrityIssues = errors.New("jobs: ledger integrity issues found")

// Handle processes TaskIntegrityCheck tasks.
func (j *IntegrityJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Ledger == nil {
		return errors.New("integrity: handler not configured")
	}
	var payload IntegrityPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	tracker := j.metrics().Track(TaskIntegrityCheck)
	defer func() { err = tracker.End(err) }()

	logger := j.logger(TaskIntegrityCheck)
	report, err := j.Ledger.VerifyIntegrity(ctx)
	if err != nil {
		logger.Error("verify integrity", slog.Any("error", err))
		return err
	}
	byKind := make(map[string]int)
	for _, issue := range report.Issues {
		byKind[issue.Kind]++
		logger.Error("integrity issue",
			slog.String("kind", issue.Kind),
			slog.String("account_id", issue.AccountID),
			slog.String("transaction_id", issue.TransactionID),
			slog.String("expected", issue.Expected.String()),
			slog.String("actual", issue.Actual.String()),
		)
	}
	for kind, count := range byKind {
		j.metrics().AddIntegrityIssues(kind, count)
	}
	logger.Info("integrity check completed",
		slog.Int("accounts", report.Accounts),
		slog.Int("receipts", report.Receipts),
		slog.Int("issues", len(report.Issues)),
	)
	if payload.FailOnIssues && !report.OK() {
		return fmt.Errorf("%w: %d", ErrIntegrityIssues, len(report.Issues))
	}
	return nil
}

// BalanceWarmupJob pre-populates the point-in-time balance cache.
type BalanceWarmupJob struct {
	jobBase
	Ledger BalanceWarmer
}

// NewBalanceWarmupJob wires the warmup handler.
func NewBalanceWarmupJob(ledger BalanceWarmer, logger *slog.Logger, metrics *jobmetrics.Metrics) *BalanceWarmupJob {
	return &BalanceWarmupJob{jobBase: jobBase{Logger: logger, Metrics: metrics}, Ledger: ledger}
}

// Handle processes TaskBalanceWarmup tasks.
func (j *BalanceWarmupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Ledger == nil {
		return errors.New("balance warmup: handler not configured")
	}
	var payload BalanceWarmupPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	if payload.AsOf.IsZero() {
		payload.AsOf = j.now()
	}
	tracker := j.metrics().Track(TaskBalanceWarmup)
	defer func() { err = tracker.End(err) }()

	logger := j.logger(TaskBalanceWarmup).With(slog.Time("as_of", payload.AsOf))
	started := j.now()
	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	warmed, err := j.Ledger.Warm(warmCtx, payload.AsOf, payload.Concurrency)
	if err != nil {
		logger.Error("warm balances", slog.Any("error", err))
		return err
	}
	j.metrics().SetWarmed(warmed)
	logger.Info("balance warmup completed", slog.Int("accounts", warmed), slog.Duration("duration", j.now().Sub(started)))
	return nil
}
