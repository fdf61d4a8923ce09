package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueMaintenance carries the periodic ledger checks.
	QueueMaintenance = "maintenance"

	// TaskStalePendingScan reports transactions stuck awaiting approval.
	TaskStalePendingScan = "ledger:stale_pending"
	// TaskIntegrityCheck replays receipts and compares stored balances.
	TaskIntegrityCheck = "ledger:integrity"
	// TaskBalanceWarmup precomputes point-in-time balances into the cache.
	TaskBalanceWarmup = "ledger:balance_warmup"
)

// StalePendingPayload configures a stale-pending scan. A zero OlderThan uses
// the ledger's configured threshold.
type StalePendingPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// IntegrityPayload configures an integrity check run.
type IntegrityPayload struct {
	// FailOnIssues makes the task fail, and be retried, when issues are found.
	FailOnIssues bool `json:"fail_on_issues"`
}

// BalanceWarmupPayload configures a cache warmup run. A zero AsOf means now.
type BalanceWarmupPayload struct {
	AsOf        time.Time `json:"as_of"`
	Concurrency int       `json:"concurrency"`
}

// TaskNames lists every task type the worker serves.
func TaskNames() []string {
	return []string{TaskStalePendingScan, TaskIntegrityCheck, TaskBalanceWarmup}
}

// NewStalePendingTask constructs a stale-pending scan task.
func NewStalePendingTask(payload StalePendingPayload) (*asynq.Task, error) {
	return newTask(TaskStalePendingScan, payload)
}

// NewIntegrityTask constructs an integrity check task.
func NewIntegrityTask(payload IntegrityPayload) (*asynq.Task, error) {
	return newTask(TaskIntegrityCheck, payload)
}

// NewBalanceWarmupTask constructs a balance warmup task.
func NewBalanceWarmupTask(payload BalanceWarmupPayload) (*asynq.Task, error) {
	return newTask(TaskBalanceWarmup, payload)
}

// NewTaskByName builds a task with a default payload, for manual triggers.
func NewTaskByName(name string) (*asynq.Task, error) {
	switch name {
	case TaskStalePendingScan:
		return NewStalePendingTask(StalePendingPayload{})
	case TaskIntegrityCheck:
		return NewIntegrityTask(IntegrityPayload{})
	case TaskBalanceWarmup:
		return NewBalanceWarmupTask(BalanceWarmupPayload{})
	}
	return nil, fmt.Errorf("jobs: unknown task %q", name)
}

func newTask(typeName string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typeName, data, asynq.Queue(QueueMaintenance), asynq.MaxRetry(3), asynq.Timeout(10*time.Minute)), nil
}
