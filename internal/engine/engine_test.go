package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"warroom/internal/config"
	"warroom/internal/db"
	"warroom/internal/dispatch"
	"warroom/internal/domain"
	"warroom/internal/engine"
	"warroom/internal/migrate"
	"warroom/internal/queue"
	"warroom/internal/repo"
	"warroom/internal/scheduler"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	now    time.Time
}

// Advance moves the injected clock.
func (env *testEnv) Advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Ctx: context.Background(),
		now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }
	eng := engine.New(conn, config.Default())
	eng.Now = clock
	eng.Queue.Now = clock
	eng.Scheduler.Now = clock
	eng.Scheduler.Dispatcher.Now = clock
	env.Engine = eng
	seedDirectoryAndRules(t, env)
	return env
}

func seedDirectoryAndRules(t *testing.T, env *testEnv) {
	t.Helper()
	r := env.Engine.Repo
	tx, err := r.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	for _, id := range []string{"alice", "bob", "carol"} {
		err := r.UpsertStakeholder(env.Ctx, tx, domain.Stakeholder{
			ID:        id,
			Name:      id,
			Role:      "responder",
			Endpoints: map[string]string{"chat": "#" + id},
			Timezone:  "UTC",
		})
		if err != nil {
			t.Fatalf("seed stakeholder %s: %v", id, err)
		}
	}
	rule := domain.NotificationRule{
		ID:       "rule-outage-high",
		Scenario: "outage",
		Severity: "high",
		Levels: []domain.EscalationLevel{
			{Index: 0, DelayMinutes: 0, Targets: []string{"alice"}},
			{Index: 1, DelayMinutes: 15, Targets: []string{"bob"}},
			{Index: 2, DelayMinutes: 30, Targets: []string{"carol"}, AckPolicy: "all"},
		},
	}
	if err := r.UpsertRule(env.Ctx, tx, rule); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	critical := domain.NotificationRule{
		ID:       "rule-supply-chain-critical",
		Scenario: "supply-chain",
		Severity: "critical",
		Levels: []domain.EscalationLevel{
			{Index: 0, DelayMinutes: 0, Targets: []string{"alice"}},
			{Index: 1, DelayMinutes: 5, Targets: []string{"bob"}},
		},
	}
	if err := r.UpsertRule(env.Ctx, tx, critical); err != nil {
		t.Fatalf("seed critical rule: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
}

func activate(t *testing.T, env *testEnv, plan *engine.PlanSpec) domain.Activation {
	t.Helper()
	act, err := env.Engine.ActivatePlaybook(env.Ctx, engine.ActivateInput{
		Scenario: "outage",
		Severity: "high",
		Context:  "primary region degraded",
		Plan:     plan,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	return act
}

func jobsOf(t *testing.T, env *testEnv, activationID, jobType string) []domain.Job {
	t.Helper()
	jobs, err := env.Engine.Repo.ListJobs(env.Ctx, repo.JobFilters{ActivationID: activationID, Type: jobType})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	return jobs
}

func escalationJob(t *testing.T, env *testEnv, activationID string, level int) domain.Job {
	t.Helper()
	for _, j := range jobsOf(t, env, activationID, domain.JobEscalationCheck) {
		var p scheduler.EscalationPayload
		if err := json.Unmarshal([]byte(j.Payload), &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.LevelIndex == level {
			return j
		}
	}
	t.Fatalf("no escalation-check job for level %d", level)
	return domain.Job{}
}

func TestActivateSchedulesTierZeroAndEscalationChecks(t *testing.T) {
	env := newTestEnv(t)
	act := activate(t, env, nil)

	sends := jobsOf(t, env, act.ID, domain.JobSend)
	if len(sends) != 1 {
		t.Fatalf("expected 1 immediate send job, got %d", len(sends))
	}
	if sends[0].ScheduledNotBefore != act.CreatedAt {
		t.Fatalf("tier-zero send deferred to %s", sends[0].ScheduledNotBefore)
	}
	checks := jobsOf(t, env, act.ID, domain.JobEscalationCheck)
	if len(checks) != 2 {
		t.Fatalf("expected 2 escalation checks, got %d", len(checks))
	}
	lvl1 := escalationJob(t, env, act.ID, 1)
	want := env.now.Add(15 * time.Minute).UTC().Format(time.RFC3339)
	if lvl1.ScheduledNotBefore != want {
		t.Fatalf("level 1 due %s, want %s", lvl1.ScheduledNotBefore, want)
	}
}

func TestActivateUnknownRuleWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ActivatePlaybook(env.Ctx, engine.ActivateInput{
		Scenario: "outage",
		Severity: "low",
		ActorID:  "tester",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	acts, err := env.Engine.Repo.ListActivations(env.Ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(acts) != 0 {
		t.Fatalf("expected no activations, got %d", len(acts))
	}
}

func TestAcknowledgeFirstWins(t *testing.T) {
	env := newTestEnv(t)
	act := activate(t, env, nil)

	first, err := env.Engine.Acknowledge(env.Ctx, act.ID, "alice", "chat")
	if err != nil || !first {
		t.Fatalf("first ack: first=%v err=%v", first, err)
	}
	again, err := env.Engine.Acknowledge(env.Ctx, act.ID, "alice", "email")
	if err != nil {
		t.Fatalf("repeat ack: %v", err)
	}
	if again {
		t.Fatalf("repeat ack reported as first")
	}
	acks, err := env.Engine.Repo.ListAcks(env.Ctx, act.ID)
	if err != nil {
		t.Fatalf("list acks: %v", err)
	}
	if len(acks) != 1 || acks[0].Channel != "chat" {
		t.Fatalf("expected one chat ack, got %+v", acks)
	}
}

func TestEscalationSuppressedByPriorAck(t *testing.T) {
	env := newTestEnv(t)
	act := activate(t, env, nil)
	if _, err := env.Engine.Acknowledge(env.Ctx, act.ID, "alice", "chat"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	env.Advance(16 * time.Minute)
	if err := env.Engine.Scheduler.HandleEscalationCheck(env.Ctx, escalationJob(t, env, act.ID, 1)); err != nil {
		t.Fatalf("handle check: %v", err)
	}
	if sends := jobsOf(t, env, act.ID, domain.JobSend); len(sends) != 1 {
		t.Fatalf("suppressed tier still enqueued sends: %d", len(sends))
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, 0, act.ID, "escalation.suppressed", "", "")
	if err != nil || len(events) != 1 {
		t.Fatalf("expected suppressed event, got %d err=%v", len(events), err)
	}
}

func TestEscalationFiresWithoutAck(t *testing.T) {
	env := newTestEnv(t)
	act := activate(t, env, nil)
	env.Advance(16 * time.Minute)
	if err := env.Engine.Scheduler.HandleEscalationCheck(env.Ctx, escalationJob(t, env, act.ID, 1)); err != nil {
		t.Fatalf("handle check: %v", err)
	}
	sends := jobsOf(t, env, act.ID, domain.JobSend)
	if len(sends) != 2 {
		t.Fatalf("expected tier-1 send job, got %d sends", len(sends))
	}
}

func TestEscalationAllPolicyNeedsEveryPriorTarget(t *testing.T) {
	env := newTestEnv(t)
	act := activate(t, env, nil)
	// Level 2 uses ack_policy all over targets of levels 0 and 1. One ack
	// is not enough.
	if _, err := env.Engine.Acknowledge(env.Ctx, act.ID, "alice", "chat"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	env.Advance(31 * time.Minute)
	if err := env.Engine.Scheduler.HandleEscalationCheck(env.Ctx, escalationJob(t, env, act.ID, 2)); err != nil {
		t.Fatalf("handle check: %v", err)
	}
	if sends := jobsOf(t, env, act.ID, domain.JobSend); len(sends) != 2 {
		t.Fatalf("expected tier-2 fire under all policy, got %d sends", len(sends))
	}
	// With both prior targets acked the tier is suppressed.
	act2 := activate(t, env, nil)
	for _, id := range []string{"alice", "bob"} {
		if _, err := env.Engine.Acknowledge(env.Ctx, act2.ID, id, "chat"); err != nil {
			t.Fatalf("ack %s: %v", id, err)
		}
	}
	if err := env.Engine.Scheduler.HandleEscalationCheck(env.Ctx, escalationJob(t, env, act2.ID, 2)); err != nil {
		t.Fatalf("handle check: %v", err)
	}
	if sends := jobsOf(t, env, act2.ID, domain.JobSend); len(sends) != 1 {
		t.Fatalf("expected suppression with all prior acks, got %d sends", len(sends))
	}
}

func twoPhasePlan() *engine.PlanSpec {
	return &engine.PlanSpec{
		Name: "containment",
		Phases: []engine.PhaseSpec{
			{
				Name: "contain",
				Tasks: []engine.TaskSpec{
					{Key: "isolate", Title: "Isolate affected systems", EstimateMinutes: 30},
					{Key: "notify-vendor", Title: "Notify the vendor", DependsOn: []string{"isolate"}, RequiresApproval: true},
				},
			},
			{
				Name: "recover",
				Tasks: []engine.TaskSpec{
					{Key: "restore", Title: "Restore from backup"},
				},
			},
		},
	}
}

func taskByTitle(t *testing.T, env *testEnv, activationID, title string) domain.Task {
	t.Helper()
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, activationID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	for _, task := range tasks {
		if task.Title == title {
			return task
		}
	}
	t.Fatalf("task %q not found", title)
	return domain.Task{}
}

func TestPlanLifecycle(t *testing.T) {
	env := newTestEnv(t)
	act := activate(t, env, twoPhasePlan())

	isolate := taskByTitle(t, env, act.ID, "Isolate affected systems")
	vendor := taskByTitle(t, env, act.ID, "Notify the vendor")
	restore := taskByTitle(t, env, act.ID, "Restore from backup")
	if isolate.Status != domain.TaskReady {
		t.Fatalf("isolate should be ready, is %s", isolate.Status)
	}
	if vendor.Status != domain.TaskBlocked || restore.Status != domain.TaskBlocked {
		t.Fatalf("gated tasks should be blocked: vendor=%s restore=%s", vendor.Status, restore.Status)
	}
	// Ready tasks with estimates get a stall check.
	if checks := jobsOf(t, env, act.ID, domain.JobStallCheck); len(checks) != 1 {
		t.Fatalf("expected 1 stall check, got %d", len(checks))
	}

	if _, err := env.Engine.TransitionTask(env.Ctx, isolate.ID, "start", "alice"); err != nil {
		t.Fatalf("start isolate: %v", err)
	}
	if _, err := env.Engine.TransitionTask(env.Ctx, isolate.ID, "done", "alice"); err != nil {
		t.Fatalf("done isolate: %v", err)
	}
	// Dependency satisfied, but the approval gate still holds.
	if got := taskByTitle(t, env, act.ID, "Notify the vendor"); got.Status != domain.TaskBlocked {
		t.Fatalf("vendor should stay blocked without approval, is %s", got.Status)
	}
	if _, err := env.Engine.RecordApproval(env.Ctx, act.ID, "cfo", 250000, "vendor escalation budget"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got := taskByTitle(t, env, act.ID, "Notify the vendor"); got.Status != domain.TaskReady {
		t.Fatalf("vendor should be ready after approval, is %s", got.Status)
	}
	if _, err := env.Engine.TransitionTask(env.Ctx, vendor.ID, "start", "bob"); err != nil {
		t.Fatalf("start vendor: %v", err)
	}
	if _, err := env.Engine.TransitionTask(env.Ctx, vendor.ID, "done", "bob"); err != nil {
		t.Fatalf("done vendor: %v", err)
	}
	// Phase barrier lifted: recover phase opens, restore becomes ready.
	if got := taskByTitle(t, env, act.ID, "Restore from backup"); got.Status != domain.TaskReady {
		t.Fatalf("restore should be ready after phase 1, is %s", got.Status)
	}
	if _, err := env.Engine.TransitionTask(env.Ctx, restore.ID, "start", "carol"); err != nil {
		t.Fatalf("start restore: %v", err)
	}
	if _, err := env.Engine.TransitionTask(env.Ctx, restore.ID, "done", "carol"); err != nil {
		t.Fatalf("done restore: %v", err)
	}
	plan, err := env.Engine.Repo.GetPlan(env.Ctx, act.ID)
	if err != nil || plan.Status != "completed" {
		t.Fatalf("plan status %s err=%v", plan.Status, err)
	}
	got, err := env.Engine.Repo.GetActivation(env.Ctx, act.ID)
	if err != nil || got.Status != "completed" {
		t.Fatalf("activation status %s err=%v", got.Status, err)
	}
}

func TestInvalidTaskTransitions(t *testing.T) {
	env := newTestEnv(t)
	act := activate(t, env, twoPhasePlan())
	isolate := taskByTitle(t, env, act.ID, "Isolate affected systems")
	vendor := taskByTitle(t, env, act.ID, "Notify the vendor")

	if _, err := env.Engine.TransitionTask(env.Ctx, isolate.ID, "done", "alice"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("done before start: %v", err)
	}
	if _, err := env.Engine.TransitionTask(env.Ctx, vendor.ID, "start", "bob"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("start blocked task: %v", err)
	}
	if _, err := env.Engine.TransitionTask(env.Ctx, isolate.ID, "pause", "alice"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("unknown action: %v", err)
	}
}

func TestDependencyGateUnderConcurrentCompletion(t *testing.T) {
	env := newTestEnv(t)
	plan := &engine.PlanSpec{
		Name: "parallel-containment",
		Phases: []engine.PhaseSpec{
			{
				Name: "contain",
				Tasks: []engine.TaskSpec{
					{Key: "stabilize-db", Title: "Stabilize the database"},
					{Key: "drain-traffic", Title: "Drain traffic from the region"},
					{Key: "review", Title: "Open the incident review", DependsOn: []string{"stabilize-db", "drain-traffic"}},
				},
			},
		},
	}

	for round := 0; round < 5; round++ {
		act := activate(t, env, plan)
		a := taskByTitle(t, env, act.ID, "Stabilize the database")
		b := taskByTitle(t, env, act.ID, "Drain traffic from the region")
		c := taskByTitle(t, env, act.ID, "Open the incident review")
		if c.Status != domain.TaskBlocked {
			t.Fatalf("round %d: dependent task starts %s", round, c.Status)
		}

		// Watch for the gate opening early. Reading the dependent task
		// before its prerequisites means a ready observation implies both
		// were already done at that instant.
		stop := make(chan struct{})
		violation := make(chan string, 1)
		var watcher sync.WaitGroup
		watcher.Add(1)
		go func() {
			defer watcher.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cNow, err := env.Engine.Repo.GetTask(env.Ctx, c.ID)
				if err != nil {
					continue
				}
				if cNow.Status == domain.TaskBlocked {
					continue
				}
				aNow, aerr := env.Engine.Repo.GetTask(env.Ctx, a.ID)
				bNow, berr := env.Engine.Repo.GetTask(env.Ctx, b.ID)
				if aerr != nil || berr != nil {
					continue
				}
				if aNow.Status != domain.TaskDone || bNow.Status != domain.TaskDone {
					select {
					case violation <- fmt.Sprintf("round %d: gate opened with %s/%s", round, aNow.Status, bNow.Status):
					default:
					}
				}
			}
		}()

		var workers sync.WaitGroup
		for _, task := range []domain.Task{a, b} {
			workers.Add(1)
			go func(id string) {
				defer workers.Done()
				if _, err := env.Engine.TransitionTask(env.Ctx, id, "start", "tester"); err != nil {
					select {
					case violation <- fmt.Sprintf("round %d: start: %v", round, err):
					default:
					}
					return
				}
				if _, err := env.Engine.TransitionTask(env.Ctx, id, "done", "tester"); err != nil {
					select {
					case violation <- fmt.Sprintf("round %d: done: %v", round, err):
					default:
					}
				}
			}(task.ID)
		}
		workers.Wait()
		close(stop)
		watcher.Wait()

		select {
		case v := <-violation:
			t.Fatal(v)
		default:
		}
		if got := taskByTitle(t, env, act.ID, "Open the incident review"); got.Status != domain.TaskReady {
			t.Fatalf("round %d: dependent task %s after both prerequisites", round, got.Status)
		}
	}
}

func TestSendDefersOutsideAvailabilityWindow(t *testing.T) {
	env := newTestEnv(t)
	r := env.Engine.Repo
	tx, err := r.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	// The clock sits at Sunday noon; dana works Monday evenings.
	err = r.UpsertStakeholder(env.Ctx, tx, domain.Stakeholder{
		ID: "dana", Name: "dana", Role: "vendor-liaison",
		Endpoints:         map[string]string{"chat": "#dana"},
		Timezone:          "UTC",
		BusinessStartHour: 18,
		BusinessEndHour:   22,
	})
	if err != nil {
		t.Fatalf("seed stakeholder: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	act := activate(t, env, nil)
	payload, _ := json.Marshal(scheduler.SendPayload{
		StakeholderID: "dana",
		Subject:       "outage",
		Body:          "primary region degraded",
	})
	tx2, err := r.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx2.Rollback()
	job := domain.Job{ID: "send-dana", Type: domain.JobSend, ActivationID: act.ID, Payload: string(payload)}
	if _, err := env.Engine.Queue.Enqueue(env.Ctx, tx2, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	stored, err := r.GetJob(env.Ctx, "send-dana")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}

	err = env.Engine.Scheduler.HandleSend(env.Ctx, stored)
	var resched *queue.RescheduleError
	if !errors.As(err, &resched) {
		t.Fatalf("closed window should reschedule, got %v", err)
	}
	if !errors.Is(err, dispatch.ErrUnavailable) {
		t.Fatalf("reschedule should carry the unavailability cause: %v", err)
	}
	if want := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC); !resched.At.Equal(want) {
		t.Fatalf("rescheduled for %s, want %s", resched.At, want)
	}
}

func TestStallCheckFlagsOverdueTask(t *testing.T) {
	env := newTestEnv(t)
	act := activate(t, env, twoPhasePlan())
	isolate := taskByTitle(t, env, act.ID, "Isolate affected systems")

	checks := jobsOf(t, env, act.ID, domain.JobStallCheck)
	if len(checks) != 1 {
		t.Fatalf("expected 1 stall check, got %d", len(checks))
	}
	// 30m estimate + grace: due strictly after the estimate window.
	due, err := time.Parse(time.RFC3339, checks[0].ScheduledNotBefore)
	if err != nil {
		t.Fatalf("parse due: %v", err)
	}
	if !due.After(env.now.Add(30 * time.Minute)) {
		t.Fatalf("stall check due %s inside the estimate window", checks[0].ScheduledNotBefore)
	}
	env.Advance(time.Hour)
	if err := env.Engine.HandleStallCheck(env.Ctx, checks[0]); err != nil {
		t.Fatalf("stall check: %v", err)
	}
	if got := taskByTitle(t, env, act.ID, "Isolate affected systems"); got.Status != domain.TaskStalled {
		t.Fatalf("task should be stalled, is %s", got.Status)
	}
	// A stalled task can still be picked up and finished.
	if _, err := env.Engine.TransitionTask(env.Ctx, isolate.ID, "start", "alice"); err != nil {
		t.Fatalf("start stalled: %v", err)
	}
	// A late-firing duplicate check is a no-op for in-progress detection
	// only when the task finished; in_progress tasks stall again.
	if _, err := env.Engine.TransitionTask(env.Ctx, isolate.ID, "done", "alice"); err != nil {
		t.Fatalf("done: %v", err)
	}
	if err := env.Engine.HandleStallCheck(env.Ctx, checks[0]); err != nil {
		t.Fatalf("stall check after done: %v", err)
	}
	if got := taskByTitle(t, env, act.ID, "Isolate affected systems"); got.Status != domain.TaskDone {
		t.Fatalf("done task reverted to %s", got.Status)
	}
}

func TestAbortCancelsPendingWork(t *testing.T) {
	env := newTestEnv(t)
	act := activate(t, env, twoPhasePlan())

	if err := env.Engine.Abort(env.Ctx, act.ID, "tester", "false alarm"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	got, err := env.Engine.Repo.GetActivation(env.Ctx, act.ID)
	if err != nil || got.Status != "aborted" {
		t.Fatalf("activation status %s err=%v", got.Status, err)
	}
	jobs, err := env.Engine.Repo.ListJobs(env.Ctx, repo.JobFilters{ActivationID: act.ID})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	for _, j := range jobs {
		if j.State == domain.JobPending {
			t.Fatalf("job %s still pending after abort", j.ID)
		}
	}
	if _, err := env.Engine.Acknowledge(env.Ctx, act.ID, "alice", "chat"); !errors.Is(err, engine.ErrActivationClosed) {
		t.Fatalf("ack on aborted activation: %v", err)
	}
	if err := env.Engine.Abort(env.Ctx, act.ID, "tester", "again"); !errors.Is(err, engine.ErrActivationClosed) {
		t.Fatalf("double abort: %v", err)
	}
	// Escalation checks against the closed activation no-op cleanly.
	if err := env.Engine.Scheduler.HandleEscalationCheck(env.Ctx, escalationJob(t, env, act.ID, 1)); err != nil {
		t.Fatalf("escalation check after abort: %v", err)
	}
}

func TestCriticalScenarioEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	act, err := env.Engine.ActivatePlaybook(env.Ctx, engine.ActivateInput{
		Scenario: "supply-chain",
		Severity: "critical",
		Context:  "upstream registry compromised",
		Plan: &engine.PlanSpec{
			Name: "supply-chain response",
			Phases: []engine.PhaseSpec{
				{
					Name: "contain",
					Tasks: []engine.TaskSpec{
						{Key: "freeze", Title: "Freeze deploy pipeline"},
						{Key: "audit", Title: "Audit recent artifacts", DependsOn: []string{"freeze"}},
					},
				},
			},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if sends := jobsOf(t, env, act.ID, domain.JobSend); len(sends) != 1 || sends[0].Priority != 3 {
		t.Fatalf("tier-zero sends %+v", sends)
	}
	// Nobody acknowledges within the window: tier 1 fires.
	env.Advance(6 * time.Minute)
	if err := env.Engine.Scheduler.HandleEscalationCheck(env.Ctx, escalationJob(t, env, act.ID, 1)); err != nil {
		t.Fatalf("handle check: %v", err)
	}
	if sends := jobsOf(t, env, act.ID, domain.JobSend); len(sends) != 2 {
		t.Fatalf("tier-1 did not fire, %d sends", len(sends))
	}
	fired, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, 0, act.ID, "escalation.fired", "", "")
	if err != nil || len(fired) != 1 {
		t.Fatalf("escalation.fired events %d err=%v", len(fired), err)
	}
	if _, err := env.Engine.Acknowledge(env.Ctx, act.ID, "bob", "chat"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	// Work the plan to the end.
	for _, title := range []string{"Freeze deploy pipeline", "Audit recent artifacts"} {
		task := taskByTitle(t, env, act.ID, title)
		if _, err := env.Engine.TransitionTask(env.Ctx, task.ID, "start", "bob"); err != nil {
			t.Fatalf("start %s: %v", title, err)
		}
		if _, err := env.Engine.TransitionTask(env.Ctx, task.ID, "done", "bob"); err != nil {
			t.Fatalf("done %s: %v", title, err)
		}
	}
	got, err := env.Engine.Repo.GetActivation(env.Ctx, act.ID)
	if err != nil || got.Status != "completed" || got.ClosedAt == nil {
		t.Fatalf("activation %+v err=%v", got, err)
	}
	completedEvts, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, 0, act.ID, "activation.completed", "", "")
	if err != nil || len(completedEvts) != 1 {
		t.Fatalf("activation.completed events %d err=%v", len(completedEvts), err)
	}
}

func TestResolveFailedJobOnly(t *testing.T) {
	env := newTestEnv(t)
	act := activate(t, env, nil)
	sends := jobsOf(t, env, act.ID, domain.JobSend)
	if err := env.Engine.ResolveJob(env.Ctx, sends[0].ID, "op"); err == nil {
		t.Fatalf("resolving a pending job should fail")
	}
}
