package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"warroom/internal/channel"
	"warroom/internal/domain"
	"warroom/internal/repo"
)

// Dispatcher resolves a stakeholder + message into a channel choice and
// walks the fallback order until one adapter accepts the payload.
type Dispatcher struct {
	Registry     channel.Registry
	Repo         repo.Repo
	DefaultOrder []string
	Now          func() time.Time
}

func New(reg channel.Registry, r repo.Repo, defaultOrder []string) *Dispatcher {
	return &Dispatcher{
		Registry:     reg,
		Repo:         r,
		DefaultOrder: defaultOrder,
		Now:          time.Now,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// ErrUnavailable means the stakeholder's availability window rejected the
// send. It is not a failure: the window opens again at a known time.
var ErrUnavailable = errors.New("stakeholder unavailable")

// UnavailableError carries when the stakeholder's window next opens, so the
// caller can park the send until then instead of burning retries.
type UnavailableError struct {
	StakeholderID string
	Until         time.Time
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%v: %s until %s", ErrUnavailable, e.StakeholderID, e.Until.UTC().Format(time.RFC3339))
}

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Send attempts delivery over the resolved channel order. Every attempt,
// successful or not, lands in the per-job attempt log. A successful send is
// not an acknowledgment.
func (d *Dispatcher) Send(ctx context.Context, jobID string, attempt int, s domain.Stakeholder, msg channel.Message, hint string) error {
	order := d.resolveOrder(s, hint)
	if len(order) == 0 {
		return channel.Permanent(fmt.Errorf("stakeholder %s has no endpoints for any configured channel", s.ID))
	}
	if !d.bypassAvailability(s, msg.Severity) && !d.available(s) {
		d.logAttempt(ctx, jobID, attempt, s.ID, "", "skipped_unavailable", "outside availability window")
		return &UnavailableError{StakeholderID: s.ID, Until: d.nextWindow(s)}
	}
	msg.IdempotencyKey = fmt.Sprintf("%s:%d", jobID, attempt)
	sawTransient := false
	var lastErr error
	for _, name := range order {
		target := s.Endpoints[name]
		adapter, err := d.Registry.Get(name)
		if err != nil {
			d.logAttempt(ctx, jobID, attempt, s.ID, name, "permanent_failure", err.Error())
			lastErr = err
			continue
		}
		err = adapter.Send(ctx, target, msg)
		if err == nil {
			d.logAttempt(ctx, jobID, attempt, s.ID, name, "sent", "")
			return nil
		}
		lastErr = err
		if channel.IsPermanent(err) {
			d.logAttempt(ctx, jobID, attempt, s.ID, name, "permanent_failure", err.Error())
		} else {
			sawTransient = true
			d.logAttempt(ctx, jobID, attempt, s.ID, name, "transient_failure", err.Error())
		}
	}
	err := fmt.Errorf("all channels exhausted for %s: %w", s.ID, lastErr)
	if sawTransient {
		return err
	}
	return channel.Permanent(err)
}

// resolveOrder builds the candidate list: explicit preference, then the
// rule's hint, then the global default order; deduplicated and filtered to
// channels the stakeholder actually has an endpoint for.
func (d *Dispatcher) resolveOrder(s domain.Stakeholder, hint string) []string {
	var order []string
	seen := map[string]bool{}
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		if _, ok := s.Endpoints[name]; ok {
			order = append(order, name)
		}
	}
	add(s.PreferredChannel)
	add(hint)
	for _, name := range d.DefaultOrder {
		add(name)
	}
	return order
}

func (d *Dispatcher) bypassAvailability(s domain.Stakeholder, severity string) bool {
	return s.EmergencyOverride || severity == "critical"
}

// available evaluates business hours in the stakeholder's declared
// timezone, not the server's.
func (d *Dispatcher) available(s domain.Stakeholder) bool {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		loc = time.UTC
	}
	now := d.now().In(loc)
	if wd := now.Weekday(); (wd == time.Saturday || wd == time.Sunday) && !s.Weekends {
		return false
	}
	start, end := s.BusinessStartHour, s.BusinessEndHour
	if start == 0 && end == 0 {
		return true
	}
	h := now.Hour()
	return h >= start && h < end
}

// nextWindow finds the next instant the stakeholder's availability window is
// open, in their timezone. Worst case (weekend plus closed hours) is a few
// days out; the scan is bounded and falls back to a day if the window never
// opens.
func (d *Dispatcher) nextWindow(s domain.Stakeholder) time.Time {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		loc = time.UTC
	}
	now := d.now().In(loc)
	startH, endH := s.BusinessStartHour, s.BusinessEndHour
	if startH == 0 && endH == 0 {
		endH = 24
	}
	for i := 0; i < 8; i++ {
		day := now.AddDate(0, 0, i)
		if wd := day.Weekday(); (wd == time.Saturday || wd == time.Sunday) && !s.Weekends {
			continue
		}
		open := time.Date(day.Year(), day.Month(), day.Day(), startH, 0, 0, 0, loc)
		closeAt := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc).Add(time.Duration(endH) * time.Hour)
		if !now.Before(closeAt) {
			continue
		}
		if now.After(open) {
			return now
		}
		return open
	}
	return now.Add(24 * time.Hour)
}

func (d *Dispatcher) logAttempt(ctx context.Context, jobID string, attempt int, stakeholderID, ch, outcome, detail string) {
	err := d.Repo.InsertDeliveryAttempt(ctx, domain.DeliveryAttempt{
		JobID:         jobID,
		Attempt:       attempt,
		StakeholderID: stakeholderID,
		Channel:       ch,
		Outcome:       outcome,
		Detail:        detail,
		TS:            d.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("dispatch: record attempt for job %s: %v", jobID, err)
	}
}
