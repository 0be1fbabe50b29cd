package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"warroom/internal/ack"
	"warroom/internal/channel"
	"warroom/internal/config"
	"warroom/internal/dispatch"
	"warroom/internal/domain"
	"warroom/internal/events"
	"warroom/internal/queue"
	"warroom/internal/repo"
	"warroom/internal/scheduler"
)

var (
	ErrActivationClosed  = errors.New("activation is not active")
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Engine is the orchestration facade: every state change of an activation
// goes through here, inside one transaction with its audit events.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Queue     *queue.Queue
	Scheduler *scheduler.Scheduler
	Tracker   ack.Tracker
	Now       func() time.Time
}

// New wires an Engine and its collaborators from an open database and a
// validated config.
func New(conn *sql.DB, cfg *config.Config) *Engine {
	r := repo.Repo{DB: conn}
	ev := events.Writer{DB: conn}
	q := &queue.Queue{
		DB:          conn,
		Repo:        r,
		Events:      ev,
		MaxAttempts: cfg.MaxAttempts(),
		BackoffBase: cfg.BackoffBase(),
		BackoffCap:  cfg.BackoffCap(),
		Lease:       cfg.Lease(),
	}
	disp := dispatch.New(channel.NewRegistry(cfg), r, cfg.ChannelOrder())
	tr := ack.Tracker{Repo: r}
	sched := &scheduler.Scheduler{
		DB:               conn,
		Repo:             r,
		Queue:            q,
		Events:           ev,
		Dispatcher:       disp,
		Tracker:          tr,
		DefaultAckPolicy: cfg.AckPolicy(),
	}
	return &Engine{
		DB:        conn,
		Repo:      r,
		Events:    ev,
		Config:    cfg,
		Queue:     q,
		Scheduler: sched,
		Tracker:   tr,
	}
}

// Handlers maps job types to their executors for the worker pool.
func (e *Engine) Handlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		domain.JobSend:            e.Scheduler.HandleSend,
		domain.JobEscalationCheck: e.Scheduler.HandleEscalationCheck,
		domain.JobStallCheck:      e.HandleStallCheck,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// ActivateInput is everything needed to start a playbook run.
type ActivateInput struct {
	Scenario string
	Severity string
	Context  string
	Plan     *PlanSpec
	ActorID  string
}

// ActivatePlaybook resolves the notification rule for (scenario, severity),
// creates the activation, schedules its notification jobs and, when a plan
// is attached, persists the plan with its first phase live. Rule resolution
// and plan validation fail before anything is written.
func (e *Engine) ActivatePlaybook(ctx context.Context, in ActivateInput) (domain.Activation, error) {
	rule, err := e.Repo.GetRule(ctx, in.Scenario, in.Severity)
	if err != nil {
		return domain.Activation{}, err
	}
	if in.Plan != nil {
		if err := in.Plan.Validate(); err != nil {
			return domain.Activation{}, fmt.Errorf("invalid plan: %w", err)
		}
	}
	now := e.now()
	act := domain.Activation{
		ID:        uuid.NewString(),
		Scenario:  in.Scenario,
		Severity:  in.Severity,
		RuleID:    rule.ID,
		Status:    "active",
		Context:   in.Context,
		CreatedAt: ts(now),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertActivation(ctx, tx, act); err != nil {
		return domain.Activation{}, err
	}
	if err := e.Events.Append(ctx, tx, "activation.created", act.ID, "activation", act.ID, in.ActorID, events.EventPayload{
		"scenario": act.Scenario, "severity": act.Severity, "rule_id": rule.ID,
	}); err != nil {
		return domain.Activation{}, err
	}
	if err := e.Scheduler.Schedule(ctx, tx, act, rule); err != nil {
		return domain.Activation{}, err
	}
	if in.Plan != nil {
		if err := e.persistPlan(ctx, tx, act, *in.Plan, now); err != nil {
			return domain.Activation{}, err
		}
		if err := e.evaluate(ctx, tx, act.ID, now); err != nil {
			return domain.Activation{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Activation{}, err
	}
	return act, nil
}

func (e *Engine) persistPlan(ctx context.Context, tx *sql.Tx, act domain.Activation, spec PlanSpec, now time.Time) error {
	plan := domain.Plan{
		ActivationID: act.ID,
		Name:         spec.Name,
		OwnerID:      spec.OwnerID,
		Status:       "active",
		CreatedAt:    ts(now),
	}
	if err := e.Repo.InsertPlan(ctx, tx, plan); err != nil {
		return err
	}
	idByKey := map[string]string{}
	for pi, ph := range spec.Phases {
		status := "pending"
		if pi == 0 {
			status = "active"
		}
		phase := domain.Phase{
			ID:            uuid.NewString(),
			ActivationID:  act.ID,
			Seq:           pi + 1,
			Name:          ph.Name,
			WindowMinutes: ph.WindowMinutes,
			Status:        status,
		}
		if err := e.Repo.InsertPhase(ctx, tx, phase); err != nil {
			return err
		}
		for ti, t := range ph.Tasks {
			id := uuid.NewString()
			idByKey[t.Key] = id
			task := domain.Task{
				ID:               id,
				ActivationID:     act.ID,
				PhaseID:          phase.ID,
				Seq:              pi*1000 + ti + 1,
				Title:            t.Title,
				AssignedRole:     t.AssignedRole,
				EstimateMinutes:  t.EstimateMinutes,
				Priority:         t.Priority,
				RequiresApproval: t.RequiresApproval,
				Status:           domain.TaskBlocked,
				UpdatedAt:        ts(now),
			}
			if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
				return err
			}
		}
	}
	for _, ph := range spec.Phases {
		for _, t := range ph.Tasks {
			if len(t.DependsOn) == 0 {
				continue
			}
			deps := make([]string, 0, len(t.DependsOn))
			for _, d := range t.DependsOn {
				deps = append(deps, idByKey[d])
			}
			if err := e.Repo.AddTaskDependencies(ctx, tx, idByKey[t.Key], deps); err != nil {
				return err
			}
		}
	}
	return e.Events.Append(ctx, tx, "plan.created", act.ID, "plan", act.ID, "system", events.EventPayload{
		"name": spec.Name, "phases": len(spec.Phases),
	})
}

// Acknowledge records a stakeholder ack. First one wins; a repeat reports
// false without error. Acks against closed activations are rejected.
func (e *Engine) Acknowledge(ctx context.Context, activationID, stakeholderID, ch string) (bool, error) {
	act, err := e.Repo.GetActivation(ctx, activationID)
	if err != nil {
		return false, err
	}
	if act.Status != "active" {
		return false, fmt.Errorf("%w: %s", ErrActivationClosed, act.Status)
	}
	if _, err := e.Repo.GetStakeholder(ctx, stakeholderID); err != nil {
		return false, err
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	first, err := e.Tracker.Record(ctx, tx, activationID, stakeholderID, ch, now)
	if err != nil {
		return false, err
	}
	if !first {
		return false, tx.Rollback()
	}
	if err := e.Events.Append(ctx, tx, "ack.recorded", activationID, "ack", stakeholderID, stakeholderID, events.EventPayload{
		"channel": ch,
	}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// TransitionTask moves a task through start (ready or stalled ->
// in_progress) or done (in_progress or stalled -> done), then re-evaluates
// the plan: dependents unblock, finished phases open the next one, a
// finished plan closes the activation.
func (e *Engine) TransitionTask(ctx context.Context, taskID, action, actorID string) (domain.Task, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return task, err
	}
	act, err := e.Repo.GetActivation(ctx, task.ActivationID)
	if err != nil {
		return task, err
	}
	if act.Status != "active" {
		return task, fmt.Errorf("%w: %s", ErrActivationClosed, act.Status)
	}
	var to string
	var from []string
	switch action {
	case "start":
		to, from = domain.TaskInProgress, []string{domain.TaskReady, domain.TaskStalled}
	case "done":
		to, from = domain.TaskDone, []string{domain.TaskInProgress, domain.TaskStalled}
	default:
		return task, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return task, err
	}
	defer tx.Rollback()
	moved := false
	for _, f := range from {
		ok, err := e.Repo.TransitionTask(ctx, tx, taskID, f, to, ts(now))
		if err != nil {
			return task, err
		}
		if ok {
			moved = true
			break
		}
	}
	if !moved {
		return task, fmt.Errorf("%w: task %s is %s, cannot %s", ErrInvalidTransition, taskID, task.Status, action)
	}
	if err := e.Events.Append(ctx, tx, "task."+to, act.ID, "task", taskID, actorID, events.EventPayload{
		"title": task.Title,
	}); err != nil {
		return task, err
	}
	if to == domain.TaskDone {
		if err := e.evaluate(ctx, tx, act.ID, now); err != nil {
			return task, err
		}
	}
	if err := tx.Commit(); err != nil {
		return task, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// RecordApproval stores an external approval and unblocks any tasks that
// were waiting only on it.
func (e *Engine) RecordApproval(ctx context.Context, activationID, approverID string, amountCents int64, note string) (domain.Approval, error) {
	act, err := e.Repo.GetActivation(ctx, activationID)
	if err != nil {
		return domain.Approval{}, err
	}
	if act.Status != "active" {
		return domain.Approval{}, fmt.Errorf("%w: %s", ErrActivationClosed, act.Status)
	}
	now := e.now()
	appr := domain.Approval{
		ID:           uuid.NewString(),
		ActivationID: activationID,
		ApproverID:   approverID,
		AmountCents:  amountCents,
		CreatedAt:    ts(now),
	}
	if note != "" {
		appr.Note = &note
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return appr, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertApproval(ctx, tx, appr); err != nil {
		return appr, err
	}
	if err := e.Events.Append(ctx, tx, "approval.recorded", activationID, "approval", appr.ID, approverID, events.EventPayload{
		"amount_cents": amountCents,
	}); err != nil {
		return appr, err
	}
	if err := e.evaluate(ctx, tx, activationID, now); err != nil {
		return appr, err
	}
	return appr, tx.Commit()
}

// ResolveJob marks a failed job as seen by an operator, making it eligible
// for retention sweeps.
func (e *Engine) ResolveJob(ctx context.Context, jobID, actorID string) error {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := ts(e.now())
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ResolveFailedJob(ctx, tx, jobID, actorID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "job.resolved", job.ActivationID, "job", jobID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Abort cancels an activation: pending jobs are canceled, the plan and the
// activation close as aborted. In-flight jobs finish and then no-op.
func (e *Engine) Abort(ctx context.Context, activationID, actorID, reason string) error {
	act, err := e.Repo.GetActivation(ctx, activationID)
	if err != nil {
		return err
	}
	if act.Status != "active" {
		return fmt.Errorf("%w: %s", ErrActivationClosed, act.Status)
	}
	now := ts(e.now())
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	canceled, err := e.Repo.CancelPendingJobs(ctx, tx, activationID, now)
	if err != nil {
		return err
	}
	if _, err := e.Repo.ClosePlan(ctx, tx, activationID, "aborted", now); err != nil {
		return err
	}
	if err := e.Repo.CloseActivation(ctx, tx, activationID, "aborted", now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "activation.aborted", activationID, "activation", activationID, actorID, events.EventPayload{
		"reason": reason, "canceled_jobs": canceled,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// stallJobID is stable per task so re-evaluation cannot double-schedule a
// stall check.
func stallJobID(taskID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("warroom:stall:"+taskID)).String()
}

// evaluate advances the plan state machine inside the caller's transaction:
// unblocks eligible tasks of the live phase, closes finished phases, opens
// the next one, and completes plan and activation when everything is done.
func (e *Engine) evaluate(ctx context.Context, tx *sql.Tx, activationID string, now time.Time) error {
	phases, err := e.Repo.ListPhasesTx(ctx, tx, activationID)
	if err != nil {
		return err
	}
	if len(phases) == 0 {
		return nil
	}
	tasks, err := e.Repo.ListTasksTx(ctx, tx, activationID)
	if err != nil {
		return err
	}
	approved, err := e.Repo.HasApprovalTx(ctx, tx, activationID)
	if err != nil {
		return err
	}
	done := map[string]bool{}
	byPhase := map[string][]*domain.Task{}
	for i := range tasks {
		t := &tasks[i]
		if t.Status == domain.TaskDone {
			done[t.ID] = true
		}
		byPhase[t.PhaseID] = append(byPhase[t.PhaseID], t)
	}
	for pi := range phases {
		ph := &phases[pi]
		switch ph.Status {
		case "done":
			continue
		case "pending":
			// Phase barrier: a pending phase waits for every earlier one.
			return nil
		}
		allDone := true
		for _, t := range byPhase[ph.ID] {
			if t.Status == domain.TaskDone {
				continue
			}
			allDone = false
			if t.Status != domain.TaskBlocked {
				continue
			}
			eligible := true
			for _, dep := range t.DependsOn {
				if !done[dep] {
					eligible = false
					break
				}
			}
			if t.RequiresApproval && !approved {
				eligible = false
			}
			if !eligible {
				continue
			}
			ok, err := e.Repo.TransitionTask(ctx, tx, t.ID, domain.TaskBlocked, domain.TaskReady, ts(now))
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			t.Status = domain.TaskReady
			if err := e.Events.Append(ctx, tx, "task.ready", activationID, "task", t.ID, "system", events.EventPayload{
				"title": t.Title,
			}); err != nil {
				return err
			}
			if err := e.scheduleStallCheck(ctx, tx, activationID, t, now); err != nil {
				return err
			}
		}
		if !allDone {
			return nil
		}
		if err := e.Repo.SetPhaseStatus(ctx, tx, ph.ID, "done"); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "phase.completed", activationID, "phase", ph.ID, "system", events.EventPayload{
			"name": ph.Name, "seq": ph.Seq,
		}); err != nil {
			return err
		}
		if pi+1 < len(phases) {
			next := &phases[pi+1]
			if err := e.Repo.SetPhaseStatus(ctx, tx, next.ID, "active"); err != nil {
				return err
			}
			next.Status = "active"
			if err := e.Events.Append(ctx, tx, "phase.started", activationID, "phase", next.ID, "system", events.EventPayload{
				"name": next.Name, "seq": next.Seq,
			}); err != nil {
				return err
			}
			continue
		}
		// Last phase finished: close out the run. Pending notification
		// jobs no-op once the activation is no longer active.
		if _, err := e.Repo.ClosePlan(ctx, tx, activationID, "completed", ts(now)); err != nil {
			return err
		}
		if err := e.Repo.CloseActivation(ctx, tx, activationID, "completed", ts(now)); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "activation.completed", activationID, "activation", activationID, "system", nil)
	}
	return nil
}

func (e *Engine) scheduleStallCheck(ctx context.Context, tx *sql.Tx, activationID string, t *domain.Task, now time.Time) error {
	if t.EstimateMinutes <= 0 {
		return nil
	}
	due := now.Add(time.Duration(t.EstimateMinutes)*time.Minute + e.Config.StallGrace())
	payload, err := json.Marshal(map[string]string{"task_id": t.ID})
	if err != nil {
		return err
	}
	_, err = e.Queue.Enqueue(ctx, tx, domain.Job{
		ID:                 stallJobID(t.ID),
		Queue:              "plan",
		Type:               domain.JobStallCheck,
		ActivationID:       activationID,
		Payload:            string(payload),
		Priority:           t.Priority,
		ScheduledNotBefore: ts(due),
	})
	return err
}

// HandleStallCheck fires when a ready or in-progress task has outlived its
// estimate plus grace. It flags the task stalled; done tasks no-op.
func (e *Engine) HandleStallCheck(ctx context.Context, job domain.Job) error {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return fmt.Errorf("decode stall payload: %w", err)
	}
	task, err := e.Repo.GetTask(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	act, err := e.Repo.GetActivation(ctx, task.ActivationID)
	if err != nil {
		return err
	}
	if act.Status != "active" {
		return nil
	}
	if task.Status != domain.TaskReady && task.Status != domain.TaskInProgress {
		return nil
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.TransitionTask(ctx, tx, task.ID, task.Status, domain.TaskStalled, ts(now))
	if err != nil {
		return err
	}
	if !ok {
		return tx.Rollback()
	}
	if err := e.Events.Append(ctx, tx, "task.stalled", act.ID, "task", task.ID, "system", events.EventPayload{
		"title": task.Title, "was": task.Status,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
