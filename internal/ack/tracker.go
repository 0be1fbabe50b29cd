package ack

import (
	"context"
	"database/sql"
	"time"

	"warroom/internal/domain"
	"warroom/internal/repo"
)

// Tracker answers whether an activation has been acknowledged. Delivery
// success never counts; only explicit acks recorded through Record.
type Tracker struct {
	Repo repo.Repo
}

// Record stores an acknowledgment. First ack per (activation, stakeholder)
// wins; repeats report false and change nothing.
func (t Tracker) Record(ctx context.Context, tx *sql.Tx, activationID, stakeholderID, channel string, now time.Time) (bool, error) {
	rec := domain.AckRecord{
		ActivationID:  activationID,
		StakeholderID: stakeholderID,
		Channel:       channel,
		AckedAt:       now.UTC().Format(time.RFC3339),
	}
	return t.Repo.InsertAck(ctx, tx, rec)
}

// IsSatisfied evaluates an escalation suppression policy against the given
// targets: "any" needs one ack among them, "all" needs every one. No targets
// means nothing can satisfy, so the escalation fires.
func (t Tracker) IsSatisfied(ctx context.Context, activationID string, targets []string, policy string) (bool, error) {
	if len(targets) == 0 {
		return false, nil
	}
	acked, err := t.Repo.AckedSet(ctx, activationID)
	if err != nil {
		return false, err
	}
	if policy == "all" {
		for _, id := range targets {
			if !acked[id] {
				return false, nil
			}
		}
		return true, nil
	}
	for _, id := range targets {
		if acked[id] {
			return true, nil
		}
	}
	return false, nil
}
