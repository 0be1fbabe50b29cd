package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"warroom/internal/channel"
	"warroom/internal/db"
	"warroom/internal/dispatch"
	"warroom/internal/domain"
	"warroom/internal/migrate"
	"warroom/internal/repo"
)

type fakeAdapter struct {
	name    string
	err     error
	targets []string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Send(ctx context.Context, target string, msg channel.Message) error {
	f.targets = append(f.targets, target)
	return f.err
}

type dispatchEnv struct {
	Repo  repo.Repo
	Ctx   context.Context
	JobID string
}

// Weekday daytime in UTC, so availability tests control the outcome through
// business hours alone.
var testClock = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func newDispatchEnv(t *testing.T) *dispatchEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &dispatchEnv{Repo: repo.Repo{DB: conn}, Ctx: context.Background(), JobID: "job-1"}

	// Attempt rows hang off a job, which hangs off an activation and rule.
	tx, err := conn.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = env.Repo.UpsertRule(env.Ctx, tx, domain.NotificationRule{
		ID: "rule-1", Scenario: "outage", Severity: "high",
		Levels: []domain.EscalationLevel{{Index: 0}},
	})
	if err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	stamp := testClock.UTC().Format(time.RFC3339)
	err = env.Repo.InsertActivation(env.Ctx, tx, domain.Activation{
		ID: "act-1", Scenario: "outage", Severity: "high", RuleID: "rule-1",
		Status: "active", CreatedAt: stamp,
	})
	if err != nil {
		t.Fatalf("seed activation: %v", err)
	}
	_, err = env.Repo.InsertJob(env.Ctx, tx, domain.Job{
		ID: env.JobID, Queue: "notify", Type: domain.JobSend, ActivationID: "act-1",
		State: domain.JobPending, MaxAttempts: 5,
		ScheduledNotBefore: stamp, CreatedAt: stamp, UpdatedAt: stamp,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
	return env
}

func (env *dispatchEnv) dispatcher(adapters ...*fakeAdapter) *dispatch.Dispatcher {
	reg := channel.Registry{}
	var order []string
	for _, a := range adapters {
		reg[a.name] = a
		order = append(order, a.name)
	}
	d := dispatch.New(reg, env.Repo, order)
	d.Now = func() time.Time { return testClock }
	return d
}

func (env *dispatchEnv) outcomes(t *testing.T) []string {
	t.Helper()
	attempts, err := env.Repo.ListDeliveryAttempts(env.Ctx, env.JobID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	var out []string
	for _, a := range attempts {
		out = append(out, a.Outcome)
	}
	return out
}

func testMessage() channel.Message {
	return channel.Message{
		ActivationID: "act-1", Scenario: "outage", Severity: "high",
		Subject: "s", Body: "b",
	}
}

func TestSendUsesPreferredChannelFirst(t *testing.T) {
	env := newDispatchEnv(t)
	email := &fakeAdapter{name: "email"}
	sms := &fakeAdapter{name: "sms"}
	d := env.dispatcher(email, sms)
	s := domain.Stakeholder{
		ID: "alice", PreferredChannel: "sms",
		Endpoints: map[string]string{"email": "a@example.com", "sms": "+1555"},
	}
	if err := d.Send(env.Ctx, env.JobID, 1, s, testMessage(), ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sms.targets) != 1 || sms.targets[0] != "+1555" {
		t.Fatalf("sms targets %v", sms.targets)
	}
	if len(email.targets) != 0 {
		t.Fatalf("email should not have been tried, got %v", email.targets)
	}
	if got := env.outcomes(t); len(got) != 1 || got[0] != "sent" {
		t.Fatalf("outcomes %v", got)
	}
}

func TestSendFallsBackOnTransientFailure(t *testing.T) {
	env := newDispatchEnv(t)
	email := &fakeAdapter{name: "email", err: errors.New("connection refused")}
	sms := &fakeAdapter{name: "sms"}
	d := env.dispatcher(email, sms)
	s := domain.Stakeholder{
		ID:        "alice",
		Endpoints: map[string]string{"email": "a@example.com", "sms": "+1555"},
	}
	if err := d.Send(env.Ctx, env.JobID, 1, s, testMessage(), ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(email.targets) != 1 || len(sms.targets) != 1 {
		t.Fatalf("fallback not walked: email=%v sms=%v", email.targets, sms.targets)
	}
	want := []string{"transient_failure", "sent"}
	got := env.outcomes(t)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("outcomes %v, want %v", got, want)
	}
}

func TestSendHintOutranksDefaultOrder(t *testing.T) {
	env := newDispatchEnv(t)
	email := &fakeAdapter{name: "email"}
	chat := &fakeAdapter{name: "chat"}
	d := env.dispatcher(email, chat)
	s := domain.Stakeholder{
		ID:        "alice",
		Endpoints: map[string]string{"email": "a@example.com", "chat": "#alice"},
	}
	if err := d.Send(env.Ctx, env.JobID, 1, s, testMessage(), "chat"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(chat.targets) != 1 || len(email.targets) != 0 {
		t.Fatalf("hint ignored: chat=%v email=%v", chat.targets, email.targets)
	}
}

func TestSendAllPermanentIsPermanent(t *testing.T) {
	env := newDispatchEnv(t)
	email := &fakeAdapter{name: "email", err: channel.Permanent(errors.New("mailbox gone"))}
	d := env.dispatcher(email)
	s := domain.Stakeholder{ID: "alice", Endpoints: map[string]string{"email": "a@example.com"}}
	err := d.Send(env.Ctx, env.JobID, 1, s, testMessage(), "")
	if err == nil || !channel.IsPermanent(err) {
		t.Fatalf("expected permanent exhaustion, got %v", err)
	}
}

func TestSendMixedFailuresStayRetryable(t *testing.T) {
	env := newDispatchEnv(t)
	email := &fakeAdapter{name: "email", err: channel.Permanent(errors.New("mailbox gone"))}
	sms := &fakeAdapter{name: "sms", err: errors.New("gateway timeout")}
	d := env.dispatcher(email, sms)
	s := domain.Stakeholder{
		ID:        "alice",
		Endpoints: map[string]string{"email": "a@example.com", "sms": "+1555"},
	}
	err := d.Send(env.Ctx, env.JobID, 1, s, testMessage(), "")
	if err == nil || channel.IsPermanent(err) {
		t.Fatalf("expected retryable exhaustion, got %v", err)
	}
}

func TestSendNoUsableEndpointIsPermanent(t *testing.T) {
	env := newDispatchEnv(t)
	d := env.dispatcher(&fakeAdapter{name: "email"})
	s := domain.Stakeholder{ID: "alice", Endpoints: map[string]string{"sms": "+1555"}}
	err := d.Send(env.Ctx, env.JobID, 1, s, testMessage(), "")
	if err == nil || !channel.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestSendRespectsBusinessHours(t *testing.T) {
	env := newDispatchEnv(t)
	email := &fakeAdapter{name: "email"}
	d := env.dispatcher(email)
	// 14:00 UTC is outside a 18-22 window.
	s := domain.Stakeholder{
		ID: "alice", Timezone: "UTC",
		BusinessStartHour: 18, BusinessEndHour: 22,
		Endpoints: map[string]string{"email": "a@example.com"},
	}
	err := d.Send(env.Ctx, env.JobID, 1, s, testMessage(), "")
	if !errors.Is(err, dispatch.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	var unavail *dispatch.UnavailableError
	if !errors.As(err, &unavail) {
		t.Fatalf("unavailability carries no window: %v", err)
	}
	if want := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC); !unavail.Until.Equal(want) {
		t.Fatalf("window reopens %s, want %s", unavail.Until, want)
	}
	if len(email.targets) != 0 {
		t.Fatalf("adapter called despite closed window")
	}
	if got := env.outcomes(t); len(got) != 1 || got[0] != "skipped_unavailable" {
		t.Fatalf("outcomes %v", got)
	}
}

func TestCriticalSeverityBypassesAvailability(t *testing.T) {
	env := newDispatchEnv(t)
	email := &fakeAdapter{name: "email"}
	d := env.dispatcher(email)
	s := domain.Stakeholder{
		ID: "alice", Timezone: "UTC",
		BusinessStartHour: 18, BusinessEndHour: 22,
		Endpoints: map[string]string{"email": "a@example.com"},
	}
	msg := testMessage()
	msg.Severity = "critical"
	if err := d.Send(env.Ctx, env.JobID, 1, s, msg, ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(email.targets) != 1 {
		t.Fatalf("critical send skipped")
	}
}

func TestEmergencyOverrideBypassesAvailability(t *testing.T) {
	env := newDispatchEnv(t)
	email := &fakeAdapter{name: "email"}
	d := env.dispatcher(email)
	s := domain.Stakeholder{
		ID: "oncall", Timezone: "UTC", EmergencyOverride: true,
		BusinessStartHour: 18, BusinessEndHour: 22,
		Endpoints: map[string]string{"email": "oncall@example.com"},
	}
	if err := d.Send(env.Ctx, env.JobID, 1, s, testMessage(), ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(email.targets) != 1 {
		t.Fatalf("override send skipped")
	}
}
