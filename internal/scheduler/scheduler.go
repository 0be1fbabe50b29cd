package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"warroom/internal/ack"
	"warroom/internal/channel"
	"warroom/internal/dispatch"
	"warroom/internal/domain"
	"warroom/internal/events"
	"warroom/internal/queue"
	"warroom/internal/repo"
)

// SendPayload is the body of a send job: one stakeholder, one escalation
// tier, channel hint resolved at dispatch time.
type SendPayload struct {
	StakeholderID string `json:"stakeholder_id"`
	LevelIndex    int    `json:"level_index"`
	ChannelHint   string `json:"channel_hint,omitempty"`
	Subject       string `json:"subject"`
	Body          string `json:"body"`
}

// EscalationPayload is the body of an escalation-check job.
type EscalationPayload struct {
	LevelIndex int `json:"level_index"`
}

// Scheduler turns an activation into the jobs that drive it: immediate
// sends for tier zero and one deferred escalation check per later tier.
// It also owns the handlers that execute those jobs.
type Scheduler struct {
	DB               *sql.DB
	Repo             repo.Repo
	Queue            *queue.Queue
	Events           events.Writer
	Dispatcher       *dispatch.Dispatcher
	Tracker          ack.Tracker
	DefaultAckPolicy string
	Now              func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// escalationJobID derives a stable id from (activation, tier) so that
// re-activating the same playbook cannot duplicate a pending check.
func escalationJobID(activationID string, level int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("warroom:escalation:"+activationID+":"+strconv.Itoa(level))).String()
}

func severityPriority(severity string) int {
	switch severity {
	case "critical":
		return 3
	case "high":
		return 2
	case "medium":
		return 1
	default:
		return 0
	}
}

// Schedule enqueues the notification work for a fresh activation inside the
// activation transaction: send jobs for every tier-zero target, plus one
// escalation-check per delayed tier at activation time + delay.
func (s *Scheduler) Schedule(ctx context.Context, tx *sql.Tx, act domain.Activation, rule domain.NotificationRule) error {
	at, err := time.Parse(time.RFC3339, act.CreatedAt)
	if err != nil {
		return fmt.Errorf("parse activation time: %w", err)
	}
	prio := severityPriority(act.Severity)
	for _, lvl := range rule.Levels {
		if lvl.DelayMinutes == 0 && lvl.Index == 0 {
			if err := s.enqueueSends(ctx, tx, act, lvl, at, prio); err != nil {
				return err
			}
			continue
		}
		payload, err := json.Marshal(EscalationPayload{LevelIndex: lvl.Index})
		if err != nil {
			return err
		}
		_, err = s.Queue.Enqueue(ctx, tx, domain.Job{
			ID:                 escalationJobID(act.ID, lvl.Index),
			Queue:              "notify",
			Type:               domain.JobEscalationCheck,
			ActivationID:       act.ID,
			Payload:            string(payload),
			Priority:           prio,
			ScheduledNotBefore: at.Add(time.Duration(lvl.DelayMinutes) * time.Minute).UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) enqueueSends(ctx context.Context, tx *sql.Tx, act domain.Activation, lvl domain.EscalationLevel, notBefore time.Time, prio int) error {
	subject, body := composeMessage(act, lvl.Index)
	for _, target := range lvl.Targets {
		payload, err := json.Marshal(SendPayload{
			StakeholderID: target,
			LevelIndex:    lvl.Index,
			ChannelHint:   lvl.Channel,
			Subject:       subject,
			Body:          body,
		})
		if err != nil {
			return err
		}
		_, err = s.Queue.Enqueue(ctx, tx, domain.Job{
			Queue:              "notify",
			Type:               domain.JobSend,
			ActivationID:       act.ID,
			Payload:            string(payload),
			Priority:           prio,
			ScheduledNotBefore: notBefore.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func composeMessage(act domain.Activation, level int) (subject, body string) {
	subject = fmt.Sprintf("[%s/%s] playbook activated", act.Scenario, act.Severity)
	if level > 0 {
		subject = fmt.Sprintf("[%s/%s] escalation tier %d", act.Scenario, act.Severity, level)
	}
	body = fmt.Sprintf("Scenario %s at severity %s requires your attention (activation %s).", act.Scenario, act.Severity, act.ID)
	if act.Context != "" {
		body += "\n\n" + act.Context
	}
	return subject, body
}

// HandleSend executes one send job. A dispatcher error comes back as-is so
// the queue can tell transient from permanent; a closed activation is a
// clean no-op.
func (s *Scheduler) HandleSend(ctx context.Context, job domain.Job) error {
	var p SendPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return channel.Permanent(fmt.Errorf("decode send payload: %w", err))
	}
	act, err := s.Repo.GetActivation(ctx, job.ActivationID)
	if err != nil {
		return err
	}
	if act.Status != "active" {
		log.Printf("send job %s: activation %s is %s, skipping", job.ID, act.ID, act.Status)
		return nil
	}
	sh, err := s.Repo.GetStakeholder(ctx, p.StakeholderID)
	if err != nil {
		return channel.Permanent(fmt.Errorf("stakeholder %s: %w", p.StakeholderID, err))
	}
	msg := channel.Message{
		ActivationID: act.ID,
		Scenario:     act.Scenario,
		Severity:     act.Severity,
		Subject:      p.Subject,
		Body:         p.Body,
	}
	err = s.Dispatcher.Send(ctx, job.ID, job.Attempts, sh, msg, p.ChannelHint)
	var unavail *dispatch.UnavailableError
	if errors.As(err, &unavail) {
		// A closed availability window is a schedule, not a failure: park
		// the send until it opens without touching the retry budget.
		return &queue.RescheduleError{At: unavail.Until, Cause: err}
	}
	return err
}

// HandleEscalationCheck fires or suppresses one escalation tier. Targets of
// every earlier tier can suppress it; a tracker failure returns an error so
// the check retries rather than escalating blind.
func (s *Scheduler) HandleEscalationCheck(ctx context.Context, job domain.Job) error {
	var p EscalationPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return channel.Permanent(fmt.Errorf("decode escalation payload: %w", err))
	}
	act, err := s.Repo.GetActivation(ctx, job.ActivationID)
	if err != nil {
		return err
	}
	if act.Status != "active" {
		log.Printf("escalation check %s: activation %s is %s, skipping", job.ID, act.ID, act.Status)
		return nil
	}
	rule, err := s.Repo.GetRuleByID(ctx, act.RuleID)
	if err != nil {
		return err
	}
	var lvl *domain.EscalationLevel
	var prior []string
	policy := s.DefaultAckPolicy
	for i := range rule.Levels {
		if rule.Levels[i].Index < p.LevelIndex {
			prior = append(prior, rule.Levels[i].Targets...)
		}
		if rule.Levels[i].Index == p.LevelIndex {
			lvl = &rule.Levels[i]
		}
	}
	if lvl == nil {
		return channel.Permanent(fmt.Errorf("rule %s has no tier %d", rule.ID, p.LevelIndex))
	}
	if lvl.AckPolicy != "" {
		policy = lvl.AckPolicy
	}
	satisfied, err := s.Tracker.IsSatisfied(ctx, act.ID, prior, policy)
	if err != nil {
		return fmt.Errorf("consult ack tracker: %w", err)
	}
	now := s.now()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if satisfied {
		if err := s.Events.Append(ctx, tx, "escalation.suppressed", act.ID, "activation", act.ID, "system", events.EventPayload{
			"level": p.LevelIndex, "policy": policy,
		}); err != nil {
			return err
		}
		return tx.Commit()
	}
	if err := s.enqueueSends(ctx, tx, act, *lvl, now, severityPriority(act.Severity)); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "escalation.fired", act.ID, "activation", act.ID, "system", events.EventPayload{
		"level": p.LevelIndex, "targets": lvl.Targets,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
