package server

import (
	"warroom/internal/domain"
	"warroom/internal/engine"
)

// Request payloads

type PlanTaskRequest struct {
	Key              string   `json:"key"`
	Title            string   `json:"title"`
	AssignedRole     string   `json:"assigned_role,omitempty"`
	EstimateMinutes  int      `json:"estimate_minutes,omitempty"`
	Priority         int      `json:"priority,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
	DependsOn        []string `json:"depends_on,omitempty"`
}

type PlanPhaseRequest struct {
	Name          string            `json:"name"`
	WindowMinutes int               `json:"window_minutes,omitempty"`
	Tasks         []PlanTaskRequest `json:"tasks"`
}

type PlanRequest struct {
	Name    string             `json:"name"`
	OwnerID string             `json:"owner_id,omitempty"`
	Phases  []PlanPhaseRequest `json:"phases"`
}

type ActivateRequest struct {
	Scenario string       `json:"scenario"`
	Severity string       `json:"severity" enum:"low,medium,high,critical"`
	Context  string       `json:"context,omitempty"`
	Plan     *PlanRequest `json:"plan,omitempty"`
}

type AckRequest struct {
	StakeholderID string `json:"stakeholder_id"`
	Channel       string `json:"channel,omitempty"`
}

type ApprovalRequest struct {
	ApproverID  string `json:"approver_id"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	Note        string `json:"note,omitempty"`
}

type AbortRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type ActivationResponse struct {
	ID        string  `json:"id"`
	Scenario  string  `json:"scenario"`
	Severity  string  `json:"severity"`
	RuleID    string  `json:"rule_id"`
	Status    string  `json:"status" enum:"active,completed,aborted"`
	Context   string  `json:"context,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	ClosedAt  *string `json:"closed_at,omitempty" format:"date-time"`
}

type AckResponse struct {
	ActivationID  string `json:"activation_id"`
	StakeholderID string `json:"stakeholder_id"`
	First         bool   `json:"first"`
}

func planSpec(req *PlanRequest) *engine.PlanSpec {
	if req == nil {
		return nil
	}
	spec := &engine.PlanSpec{Name: req.Name, OwnerID: req.OwnerID}
	for _, ph := range req.Phases {
		phase := engine.PhaseSpec{Name: ph.Name, WindowMinutes: ph.WindowMinutes}
		for _, t := range ph.Tasks {
			phase.Tasks = append(phase.Tasks, engine.TaskSpec{
				Key:              t.Key,
				Title:            t.Title,
				AssignedRole:     t.AssignedRole,
				EstimateMinutes:  t.EstimateMinutes,
				Priority:         t.Priority,
				RequiresApproval: t.RequiresApproval,
				DependsOn:        t.DependsOn,
			})
		}
		spec.Phases = append(spec.Phases, phase)
	}
	return spec
}

func activationResponse(a domain.Activation) ActivationResponse {
	return ActivationResponse{
		ID:        a.ID,
		Scenario:  a.Scenario,
		Severity:  a.Severity,
		RuleID:    a.RuleID,
		Status:    a.Status,
		Context:   a.Context,
		CreatedAt: a.CreatedAt,
		ClosedAt:  a.ClosedAt,
	}
}

func mapActivations(items []domain.Activation) []ActivationResponse {
	res := make([]ActivationResponse, 0, len(items))
	for _, a := range items {
		res = append(res, activationResponse(a))
	}
	return res
}
