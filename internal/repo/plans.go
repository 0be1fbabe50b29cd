package repo

import (
	"context"
	"database/sql"
	"fmt"

	"warroom/internal/domain"
)

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plans(activation_id,name,owner_id,status,created_at) VALUES (?,?,?,?,?)`,
		p.ActivationID, p.Name, nullable(p.OwnerID), p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, activationID string) (domain.Plan, error) {
	var p domain.Plan
	var owner, completedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT activation_id,name,owner_id,status,created_at,completed_at FROM plans WHERE activation_id=?`, activationID).
		Scan(&p.ActivationID, &p.Name, &owner, &p.Status, &p.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("plan for activation %s: %w", activationID, ErrNotFound)
	}
	if err != nil {
		return p, err
	}
	if owner.Valid {
		p.OwnerID = owner.String
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.String
	}
	return p, nil
}

// ClosePlan is conditional on the plan still being active.
func (r Repo) ClosePlan(ctx context.Context, tx *sql.Tx, activationID, status, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE plans SET status=?, completed_at=? WHERE activation_id=? AND status='active'`, status, completedAt, activationID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) InsertPhase(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(id,activation_id,seq,name,window_minutes,status) VALUES (?,?,?,?,?,?)`,
		p.ID, p.ActivationID, p.Seq, p.Name, p.WindowMinutes, p.Status)
	return err
}

// ListPhases reads through the pool; ListPhasesTx reads through an open
// transaction so freshly inserted rows are visible.
func (r Repo) ListPhases(ctx context.Context, activationID string) ([]domain.Phase, error) {
	return listPhases(ctx, r.DB, activationID)
}

func (r Repo) ListPhasesTx(ctx context.Context, tx *sql.Tx, activationID string) ([]domain.Phase, error) {
	return listPhases(ctx, tx, activationID)
}

func listPhases(ctx context.Context, q querier, activationID string) ([]domain.Phase, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,activation_id,seq,name,window_minutes,status FROM phases WHERE activation_id=? ORDER BY seq`, activationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		var p domain.Phase
		if err := rows.Scan(&p.ID, &p.ActivationID, &p.Seq, &p.Name, &p.WindowMinutes, &p.Status); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SetPhaseStatus(ctx context.Context, tx *sql.Tx, phaseID, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE phases SET status=? WHERE id=?`, status, phaseID)
	return err
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,activation_id,phase_id,seq,title,assigned_role,estimate_minutes,priority,requires_approval,status,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ActivationID, t.PhaseID, t.Seq, t.Title, nullable(t.AssignedRole), t.EstimateMinutes, t.Priority, boolInt(t.RequiresApproval), t.Status, t.UpdatedAt)
	return err
}

func (r Repo) AddTaskDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	return listTaskDeps(ctx, r.DB, taskID)
}

func listTaskDeps(ctx context.Context, q querier, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

const taskCols = `id,activation_id,phase_id,seq,title,assigned_role,estimate_minutes,priority,requires_approval,status,ready_at,started_at,completed_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var role, readyAt, startedAt, completedAt sql.NullString
	var approval int
	err := scan(&t.ID, &t.ActivationID, &t.PhaseID, &t.Seq, &t.Title, &role, &t.EstimateMinutes, &t.Priority, &approval, &t.Status, &readyAt, &startedAt, &completedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.RequiresApproval = approval != 0
	if role.Valid {
		t.AssignedRole = role.String
	}
	if readyAt.Valid {
		t.ReadyAt = &readyAt.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		if err == ErrNotFound {
			return t, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return t, err
	}
	t.DependsOn, err = listTaskDeps(ctx, q, t.ID)
	return t, err
}

func (r Repo) ListTasks(ctx context.Context, activationID string) ([]domain.Task, error) {
	return listTasks(ctx, r.DB, activationID)
}

func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, activationID string) ([]domain.Task, error) {
	return listTasks(ctx, tx, activationID)
}

func listTasks(ctx context.Context, q querier, activationID string) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE activation_id=? ORDER BY seq, id`, activationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].DependsOn, err = listTaskDeps(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// TransitionTask is a conditional single-row update keyed by (id, expected
// prior status): lost races surface as false rather than lost updates.
func (r Repo) TransitionTask(ctx context.Context, tx *sql.Tx, taskID, fromStatus, toStatus, now string) (bool, error) {
	set := `status=?, updated_at=?`
	args := []any{toStatus, now}
	switch toStatus {
	case "ready":
		set += `, ready_at=?`
		args = append(args, now)
	case "in_progress":
		set += `, started_at=?`
		args = append(args, now)
	case "done":
		set += `, completed_at=?`
		args = append(args, now)
	}
	args = append(args, taskID, fromStatus)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+set+` WHERE id=? AND status=?`, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, activationID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE activation_id=? GROUP BY status`, activationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
