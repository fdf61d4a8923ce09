package shared

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestActorFromContext(t *testing.T) {
	if got := ActorFromContext(context.Background()); got != SystemActor {
		t.Fatalf("expected %q, got %q", SystemActor, got)
	}
	ctx := ContextWithActor(context.Background(), "alice")
	if got := ActorFromContext(ctx); got != "alice" {
		t.Fatalf("expected alice, got %q", got)
	}
	if got := ActorFromContext(ContextWithActor(ctx, "")); got != SystemActor {
		t.Fatalf("empty actor should fall back, got %q", got)
	}
}

func TestMemoryIdempotency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotency()
	if err := store.CheckAndInsert(ctx, "k1", "SALES"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := store.CheckAndInsert(ctx, "k1", "SALES"); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.CheckAndInsert(ctx, "", "SALES"); err == nil {
		t.Fatal("expected error for empty key")
	}
	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.CheckAndInsert(ctx, "k1", "SALES"); err != nil {
		t.Fatalf("insert after delete: %v", err)
	}
	if err := store.Cleanup(ctx, -time.Minute); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := store.CheckAndInsert(ctx, "k1", "SALES"); err != nil {
		t.Fatalf("insert after cleanup: %v", err)
	}
}

func TestMemoryApprovals(t *testing.T) {
	ctx := context.Background()
	rec := NewMemoryApprovals()
	if err := rec.Record(ctx, ApprovalLog{Module: "LEDGER", RefID: "t1"}); err == nil {
		t.Fatal("expected validation error without actor and action")
	}
	if err := rec.EnsureSubmit(ctx, "LEDGER", "t1", "clerk", ""); err != nil {
		t.Fatalf("ensure submit: %v", err)
	}
	if err := rec.EnsureSubmit(ctx, "LEDGER", "t1", "clerk", ""); err != nil {
		t.Fatalf("ensure submit twice: %v", err)
	}
	if err := rec.Record(ctx, ApprovalLog{Module: "LEDGER", RefID: "t1", ActorID: "boss", Action: ApprovalApprove}); err != nil {
		t.Fatalf("record approve: %v", err)
	}
	logs, err := rec.List(ctx, "LEDGER", "t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 approvals, got %d", len(logs))
	}
	if logs[0].Action != ApprovalSubmit || logs[1].Action != ApprovalApprove {
		t.Fatalf("unexpected order: %+v", logs)
	}
	if logs[1].ID <= logs[0].ID || logs[1].At.IsZero() {
		t.Fatalf("ids and timestamps should be assigned: %+v", logs)
	}
}

func TestMemoryAuditLog(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryAuditLog()
	if err := log.Record(ctx, AuditLog{Action: "account.create"}); err == nil {
		t.Fatal("expected validation error")
	}
	for _, action := range []string{"account.create", "account.update"} {
		if err := log.Record(ctx, AuditLog{ActorID: "clerk", Action: action, Entity: "account", EntityID: "cash"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := log.Record(ctx, AuditLog{ActorID: "clerk", Action: "account.create", Entity: "account", EntityID: "bank"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	logs, err := log.List(ctx, "account", "cash")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 2 || logs[1].Action != "account.update" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}
