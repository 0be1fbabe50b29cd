package channel

import (
	"context"
	"errors"
	"fmt"

	"warroom/internal/config"
)

// Message is the payload handed to an adapter. The idempotency key is
// derived from (job id, attempt) so providers that dedupe can suppress the
// duplicate sends at-least-once delivery allows.
type Message struct {
	ActivationID   string
	Scenario       string
	Severity       string
	Subject        string
	Body           string
	IdempotencyKey string
}

// Adapter sends a message to one endpoint over one medium. Each call is
// bounded by the adapter's configured timeout.
type Adapter interface {
	Name() string
	Send(ctx context.Context, target string, msg Message) error
}

// PermanentError marks a delivery failure that retrying the same channel
// cannot fix (bad address, rejected recipient, channel disabled). The
// dispatcher falls through to the next channel instead of backing off.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

// IsPermanent reports whether a delivery error is non-retryable.
func IsPermanent(err error) bool {
	var pe PermanentError
	return errors.As(err, &pe)
}

// Registry holds the adapters built from validated configuration.
type Registry map[string]Adapter

// NewRegistry builds one adapter per configured channel.
func NewRegistry(cfg *config.Config) Registry {
	reg := Registry{}
	if c := cfg.Channels.Email; c != nil {
		reg["email"] = NewEmail(*c)
	}
	if c := cfg.Channels.SMS; c != nil {
		reg["sms"] = NewSMS(*c)
	}
	if c := cfg.Channels.Push; c != nil {
		reg["push"] = NewPush(*c)
	}
	if c := cfg.Channels.Chat; c != nil {
		reg["chat"] = NewChat(*c)
	}
	return reg
}

// Get returns the adapter for a channel; an unconfigured channel is a
// permanent error so the dispatcher skips it without retrying.
func (r Registry) Get(name string) (Adapter, error) {
	a, ok := r[name]
	if !ok {
		return nil, Permanent(fmt.Errorf("channel %s not configured", name))
	}
	return a, nil
}
