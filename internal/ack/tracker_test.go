package ack_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"warroom/internal/ack"
	"warroom/internal/db"
	"warroom/internal/domain"
	"warroom/internal/migrate"
	"warroom/internal/repo"
)

func newTracker(t *testing.T) (ack.Tracker, *sql.DB, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = r.UpsertRule(ctx, tx, domain.NotificationRule{
		ID: "rule-1", Scenario: "outage", Severity: "high",
		Levels: []domain.EscalationLevel{{Index: 0}},
	})
	if err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	for _, id := range []string{"alice", "bob"} {
		if err := r.UpsertStakeholder(ctx, tx, domain.Stakeholder{ID: id, Name: id, Role: "responder"}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	err = r.InsertActivation(ctx, tx, domain.Activation{
		ID: "act-1", Scenario: "outage", Severity: "high", RuleID: "rule-1",
		Status: "active", CreatedAt: "2026-03-01T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed activation: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return ack.Tracker{Repo: r}, conn, ctx
}

func record(t *testing.T, tr ack.Tracker, conn *sql.DB, ctx context.Context, stakeholderID string) bool {
	t.Helper()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	first, err := tr.Record(ctx, tx, "act-1", stakeholderID, "chat", time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return first
}

func TestRecordFirstWins(t *testing.T) {
	tr, conn, ctx := newTracker(t)
	if !record(t, tr, conn, ctx, "alice") {
		t.Fatalf("first ack not first")
	}
	if record(t, tr, conn, ctx, "alice") {
		t.Fatalf("second ack reported as first")
	}
}

func TestIsSatisfiedAnyVersusAll(t *testing.T) {
	tr, conn, ctx := newTracker(t)
	targets := []string{"alice", "bob"}

	for _, policy := range []string{"any", "all"} {
		ok, err := tr.IsSatisfied(ctx, "act-1", targets, policy)
		if err != nil || ok {
			t.Fatalf("%s with no acks: ok=%v err=%v", policy, ok, err)
		}
	}
	record(t, tr, conn, ctx, "alice")
	if ok, err := tr.IsSatisfied(ctx, "act-1", targets, "any"); err != nil || !ok {
		t.Fatalf("any with one ack: ok=%v err=%v", ok, err)
	}
	if ok, err := tr.IsSatisfied(ctx, "act-1", targets, "all"); err != nil || ok {
		t.Fatalf("all with one ack: ok=%v err=%v", ok, err)
	}
	record(t, tr, conn, ctx, "bob")
	if ok, err := tr.IsSatisfied(ctx, "act-1", targets, "all"); err != nil || !ok {
		t.Fatalf("all with both acks: ok=%v err=%v", ok, err)
	}
}

func TestIsSatisfiedEmptyTargets(t *testing.T) {
	tr, _, ctx := newTracker(t)
	if ok, err := tr.IsSatisfied(ctx, "act-1", nil, "any"); err != nil || ok {
		t.Fatalf("empty targets: ok=%v err=%v", ok, err)
	}
}
