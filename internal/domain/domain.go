package domain

// Stakeholder is a contact record owned by the external directory.
// The orchestrator reads it, never writes it.
type Stakeholder struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Role              string            `json:"role"`
	Endpoints         map[string]string `json:"endpoints"`
	PreferredChannel  string            `json:"preferred_channel,omitempty"`
	EmergencyOverride bool              `json:"emergency_override"`
	Timezone          string            `json:"timezone,omitempty"`
	BusinessStartHour int               `json:"business_start_hour"`
	BusinessEndHour   int               `json:"business_end_hour"`
	Weekends          bool              `json:"weekends"`
}

// NotificationRule maps (scenario, severity) to an ordered escalation ladder.
type NotificationRule struct {
	ID       string            `json:"id"`
	Scenario string            `json:"scenario"`
	Severity string            `json:"severity"`
	Levels   []EscalationLevel `json:"levels"`
}

// EscalationLevel is one tier of the ladder. Delay is measured from
// activation time; level 0 with delay 0 is the immediate tier.
type EscalationLevel struct {
	Index        int      `json:"index"`
	DelayMinutes int      `json:"delay_minutes"`
	Targets      []string `json:"targets"`
	Channel      string   `json:"channel,omitempty"`
	AckPolicy    string   `json:"ack_policy,omitempty" enum:"any,all"`
}

type Activation struct {
	ID        string  `json:"id"`
	Scenario  string  `json:"scenario"`
	Severity  string  `json:"severity"`
	RuleID    string  `json:"rule_id"`
	Status    string  `json:"status" enum:"active,completed,aborted"`
	Context   string  `json:"context,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	ClosedAt  *string `json:"closed_at,omitempty" format:"date-time"`
}

// Job states and types. A job is claimed pending->processing by exactly one
// worker; failed jobs stay visible until an operator resolves them.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCanceled   = "canceled"

	JobSend            = "send"
	JobEscalationCheck = "escalation-check"
	JobStallCheck      = "stall-check"
)

// Task statuses.
const (
	TaskBlocked    = "blocked"
	TaskReady      = "ready"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskStalled    = "stalled"
)

// Job is the durable unit of asynchronous work.
type Job struct {
	ID                 string  `json:"id"`
	Queue              string  `json:"queue"`
	Type               string  `json:"type" enum:"send,escalation-check,stall-check"`
	ActivationID       string  `json:"activation_id"`
	Payload            string  `json:"payload_json"`
	Priority           int     `json:"priority"`
	State              string  `json:"state" enum:"pending,processing,completed,failed,canceled"`
	Attempts           int     `json:"attempts"`
	MaxAttempts        int     `json:"max_attempts"`
	ScheduledNotBefore string  `json:"scheduled_not_before" format:"date-time"`
	ClaimedBy          *string `json:"claimed_by,omitempty"`
	ClaimExpiresAt     *string `json:"claim_expires_at,omitempty" format:"date-time"`
	LastError          *string `json:"last_error,omitempty"`
	ResolvedBy         *string `json:"resolved_by,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

// DeliveryAttempt is one adapter invocation for a send job, success or not.
type DeliveryAttempt struct {
	ID            int64  `json:"id"`
	JobID         string `json:"job_id"`
	Attempt       int    `json:"attempt"`
	StakeholderID string `json:"stakeholder_id"`
	Channel       string `json:"channel"`
	Outcome       string `json:"outcome" enum:"sent,transient_failure,permanent_failure,skipped_unavailable"`
	Detail        string `json:"detail,omitempty"`
	TS            string `json:"ts" format:"date-time"`
}

// AckRecord marks a stakeholder-initiated acknowledgment. Delivery success
// is not an ack.
type AckRecord struct {
	ActivationID  string `json:"activation_id"`
	StakeholderID string `json:"stakeholder_id"`
	Channel       string `json:"channel"`
	AckedAt       string `json:"acked_at" format:"date-time"`
}

type Plan struct {
	ActivationID string  `json:"activation_id"`
	Name         string  `json:"name"`
	OwnerID      string  `json:"owner_id,omitempty"`
	Status       string  `json:"status" enum:"active,completed,aborted"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}

type Phase struct {
	ID            string `json:"id"`
	ActivationID  string `json:"activation_id"`
	Seq           int    `json:"seq"`
	Name          string `json:"name"`
	WindowMinutes int    `json:"window_minutes"`
	Status        string `json:"status" enum:"pending,active,done"`
}

type Task struct {
	ID               string   `json:"id"`
	ActivationID     string   `json:"activation_id"`
	PhaseID          string   `json:"phase_id"`
	Seq              int      `json:"seq"`
	Title            string   `json:"title"`
	AssignedRole     string   `json:"assigned_role,omitempty"`
	EstimateMinutes  int      `json:"estimate_minutes"`
	Priority         int      `json:"priority"`
	RequiresApproval bool     `json:"requires_approval"`
	Status           string   `json:"status" enum:"blocked,ready,in_progress,done,stalled"`
	DependsOn        []string `json:"depends_on,omitempty"`
	ReadyAt          *string  `json:"ready_at,omitempty" format:"date-time"`
	StartedAt        *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt      *string  `json:"completed_at,omitempty" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

// Approval is an external budget/approval event recorded against an
// activation. The engine gates on its presence only.
type Approval struct {
	ID           string  `json:"id"`
	ActivationID string  `json:"activation_id"`
	ApproverID   string  `json:"approver_id"`
	AmountCents  int64   `json:"amount_cents"`
	Note         *string `json:"note,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	ActivationID string `json:"activation_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
