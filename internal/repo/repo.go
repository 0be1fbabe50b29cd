package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"warroom/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// querier abstracts *sql.DB and *sql.Tx for reads that must sometimes see
// uncommitted rows of an open transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var ErrNotFound = errors.New("not found")

// --- stakeholders (directory-owned, read-mostly; writes happen only on
// config import) ---

func (r Repo) UpsertStakeholder(ctx context.Context, tx *sql.Tx, s domain.Stakeholder) error {
	endpoints, err := json.Marshal(s.Endpoints)
	if err != nil {
		return fmt.Errorf("marshal endpoints: %w", err)
	}
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stakeholders(id,name,role,endpoints_json,preferred_channel,emergency_override,timezone,business_start_hour,business_end_hour,weekends)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role, endpoints_json=excluded.endpoints_json,
preferred_channel=excluded.preferred_channel, emergency_override=excluded.emergency_override, timezone=excluded.timezone,
business_start_hour=excluded.business_start_hour, business_end_hour=excluded.business_end_hour, weekends=excluded.weekends`,
		s.ID, s.Name, s.Role, string(endpoints), nullable(s.PreferredChannel), boolInt(s.EmergencyOverride),
		tz, s.BusinessStartHour, s.BusinessEndHour, boolInt(s.Weekends))
	return err
}

func scanStakeholder(scan func(dest ...any) error) (domain.Stakeholder, error) {
	var s domain.Stakeholder
	var endpoints string
	var preferred sql.NullString
	var override, weekends int
	err := scan(&s.ID, &s.Name, &s.Role, &endpoints, &preferred, &override, &s.Timezone, &s.BusinessStartHour, &s.BusinessEndHour, &weekends)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if preferred.Valid {
		s.PreferredChannel = preferred.String
	}
	s.EmergencyOverride = override != 0
	s.Weekends = weekends != 0
	if err := json.Unmarshal([]byte(endpoints), &s.Endpoints); err != nil {
		return s, fmt.Errorf("stakeholder %s endpoints: %w", s.ID, err)
	}
	return s, nil
}

const stakeholderCols = `id,name,role,endpoints_json,preferred_channel,emergency_override,timezone,business_start_hour,business_end_hour,weekends`

func (r Repo) GetStakeholder(ctx context.Context, id string) (domain.Stakeholder, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stakeholderCols+` FROM stakeholders WHERE id=?`, id)
	s, err := scanStakeholder(row.Scan)
	if errors.Is(err, ErrNotFound) {
		return s, fmt.Errorf("stakeholder %s: %w", id, ErrNotFound)
	}
	return s, err
}

func (r Repo) ListStakeholders(ctx context.Context) ([]domain.Stakeholder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stakeholderCols+` FROM stakeholders ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stakeholder
	for rows.Next() {
		s, err := scanStakeholder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- notification rules ---

func (r Repo) UpsertRule(ctx context.Context, tx *sql.Tx, rule domain.NotificationRule) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO rules(id,scenario,severity) VALUES (?,?,?)
ON CONFLICT(scenario,severity) DO NOTHING`, rule.ID, rule.Scenario, rule.Severity); err != nil {
		return err
	}
	var ruleID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM rules WHERE scenario=? AND severity=?`, rule.Scenario, rule.Severity).Scan(&ruleID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_levels WHERE rule_id=?`, ruleID); err != nil {
		return err
	}
	for i, lvl := range rule.Levels {
		targets, err := json.Marshal(lvl.Targets)
		if err != nil {
			return err
		}
		policy := lvl.AckPolicy
		if policy == "" {
			policy = "any"
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO rule_levels(rule_id,idx,delay_minutes,targets_json,channel,ack_policy) VALUES (?,?,?,?,?,?)`,
			ruleID, i, lvl.DelayMinutes, string(targets), nullable(lvl.Channel), policy); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetRule(ctx context.Context, scenario, severity string) (domain.NotificationRule, error) {
	var rule domain.NotificationRule
	err := r.DB.QueryRowContext(ctx, `SELECT id,scenario,severity FROM rules WHERE scenario=? AND severity=?`, scenario, severity).
		Scan(&rule.ID, &rule.Scenario, &rule.Severity)
	if err == sql.ErrNoRows {
		return rule, fmt.Errorf("no notification rule for %s/%s: %w", scenario, severity, ErrNotFound)
	}
	if err != nil {
		return rule, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT idx,delay_minutes,targets_json,channel,ack_policy FROM rule_levels WHERE rule_id=? ORDER BY idx`, rule.ID)
	if err != nil {
		return rule, err
	}
	defer rows.Close()
	for rows.Next() {
		var lvl domain.EscalationLevel
		var targets string
		var channel sql.NullString
		if err := rows.Scan(&lvl.Index, &lvl.DelayMinutes, &targets, &channel, &lvl.AckPolicy); err != nil {
			return rule, err
		}
		if channel.Valid {
			lvl.Channel = channel.String
		}
		if err := json.Unmarshal([]byte(targets), &lvl.Targets); err != nil {
			return rule, fmt.Errorf("rule %s level %d targets: %w", rule.ID, lvl.Index, err)
		}
		rule.Levels = append(rule.Levels, lvl)
	}
	return rule, rows.Err()
}

func (r Repo) GetRuleByID(ctx context.Context, id string) (domain.NotificationRule, error) {
	var scenario, severity string
	err := r.DB.QueryRowContext(ctx, `SELECT scenario,severity FROM rules WHERE id=?`, id).Scan(&scenario, &severity)
	if err == sql.ErrNoRows {
		return domain.NotificationRule{}, ErrNotFound
	}
	if err != nil {
		return domain.NotificationRule{}, err
	}
	return r.GetRule(ctx, scenario, severity)
}

// --- activations ---

func (r Repo) InsertActivation(ctx context.Context, tx *sql.Tx, a domain.Activation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO activations(id,scenario,severity,rule_id,status,context_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Scenario, a.Severity, a.RuleID, a.Status, nullable(a.Context), a.CreatedAt)
	return err
}

func (r Repo) GetActivation(ctx context.Context, id string) (domain.Activation, error) {
	var a domain.Activation
	var contextJSON, closedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,scenario,severity,rule_id,status,context_json,created_at,closed_at FROM activations WHERE id=?`, id).
		Scan(&a.ID, &a.Scenario, &a.Severity, &a.RuleID, &a.Status, &contextJSON, &a.CreatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return a, fmt.Errorf("activation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return a, err
	}
	if contextJSON.Valid {
		a.Context = contextJSON.String
	}
	if closedAt.Valid {
		a.ClosedAt = &closedAt.String
	}
	return a, nil
}

func (r Repo) ListActivations(ctx context.Context, status string, limit int) ([]domain.Activation, error) {
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT id,scenario,severity,rule_id,status,context_json,created_at,closed_at FROM activations WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activation
	for rows.Next() {
		var a domain.Activation
		var contextJSON, closedAt sql.NullString
		if err := rows.Scan(&a.ID, &a.Scenario, &a.Severity, &a.RuleID, &a.Status, &contextJSON, &a.CreatedAt, &closedAt); err != nil {
			return nil, err
		}
		if contextJSON.Valid {
			a.Context = contextJSON.String
		}
		if closedAt.Valid {
			a.ClosedAt = &closedAt.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CloseActivation transitions an active activation to a terminal status.
// Conditional on current state so concurrent closers cannot both win.
func (r Repo) CloseActivation(ctx context.Context, tx *sql.Tx, id, status, closedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE activations SET status=?, closed_at=? WHERE id=? AND status='active'`, status, closedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("activation %s is not active", id)
	}
	return nil
}

// --- acknowledgments ---

// InsertAck records an acknowledgment; the first one per stakeholder wins.
// Returns false when the ack already existed.
func (r Repo) InsertAck(ctx context.Context, tx *sql.Tx, ack domain.AckRecord) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO acks(activation_id,stakeholder_id,channel,acked_at) VALUES (?,?,?,?)`,
		ack.ActivationID, ack.StakeholderID, ack.Channel, ack.AckedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListAcks(ctx context.Context, activationID string) ([]domain.AckRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT activation_id,stakeholder_id,channel,acked_at FROM acks WHERE activation_id=? ORDER BY acked_at`, activationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AckRecord
	for rows.Next() {
		var a domain.AckRecord
		if err := rows.Scan(&a.ActivationID, &a.StakeholderID, &a.Channel, &a.AckedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AckedSet returns the stakeholder ids that have acknowledged an activation.
func (r Repo) AckedSet(ctx context.Context, activationID string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stakeholder_id FROM acks WHERE activation_id=?`, activationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res[id] = true
	}
	return res, rows.Err()
}

// --- approvals ---

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(id,activation_id,approver_id,amount_cents,note,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.ActivationID, a.ApproverID, a.AmountCents, nullableStringPtr(a.Note), a.CreatedAt)
	return err
}

func (r Repo) HasApproval(ctx context.Context, activationID string) (bool, error) {
	return hasApproval(ctx, r.DB, activationID)
}

func (r Repo) HasApprovalTx(ctx context.Context, tx *sql.Tx, activationID string) (bool, error) {
	return hasApproval(ctx, tx, activationID)
}

func hasApproval(ctx context.Context, q querier, activationID string) (bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT 1 FROM approvals WHERE activation_id=? LIMIT 1`, activationID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

func (r Repo) ListApprovals(ctx context.Context, activationID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,activation_id,approver_id,amount_cents,note,created_at FROM approvals WHERE activation_id=? ORDER BY created_at`, activationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		var note sql.NullString
		if err := rows.Scan(&a.ID, &a.ActivationID, &a.ApproverID, &a.AmountCents, &note, &a.CreatedAt); err != nil {
			return nil, err
		}
		if note.Valid {
			a.Note = &note.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- delivery attempts ---

func (r Repo) InsertDeliveryAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO delivery_attempts(job_id,attempt,stakeholder_id,channel,outcome,detail,ts) VALUES (?,?,?,?,?,?,?)`,
		a.JobID, a.Attempt, a.StakeholderID, a.Channel, a.Outcome, nullable(a.Detail), a.TS)
	return err
}

func (r Repo) ListDeliveryAttempts(ctx context.Context, jobID string) ([]domain.DeliveryAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,job_id,attempt,stakeholder_id,channel,outcome,detail,ts FROM delivery_attempts WHERE job_id=? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		var detail sql.NullString
		if err := rows.Scan(&a.ID, &a.JobID, &a.Attempt, &a.StakeholderID, &a.Channel, &a.Outcome, &detail, &a.TS); err != nil {
			return nil, err
		}
		if detail.Valid {
			a.Detail = detail.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, activationID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if activationID != "" {
		clauses = append(clauses, "activation_id=?")
		args = append(args, activationID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,activation_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, activationID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if activationID != "" {
		clauses = append(clauses, "activation_id=?")
		args = append(args, activationID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,activation_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var activationID, entityID, payload sql.NullString
	if err := scan(&e.ID, &e.TS, &e.Type, &activationID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
		return e, err
	}
	if activationID.Valid {
		e.ActivationID = activationID.String
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
