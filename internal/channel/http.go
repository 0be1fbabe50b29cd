package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"warroom/internal/config"
)

// The HTTP-backed adapters share classification: provider 4xx is permanent
// (bad number, revoked key, dead webhook), 5xx and transport errors are
// transient.

func classifyHTTP(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}

func httpClient(timeoutS int, fallback time.Duration) *http.Client {
	timeout := fallback
	if timeoutS > 0 {
		timeout = time.Duration(timeoutS) * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// SMS posts to a Twilio-style messages endpoint with basic auth.
type SMS struct {
	cfg    config.SMSChannel
	client *http.Client
}

func NewSMS(cfg config.SMSChannel) *SMS {
	return &SMS{cfg: cfg, client: httpClient(cfg.TimeoutS, 10*time.Second)}
}

func (s *SMS) Name() string { return "sms" }

func (s *SMS) Send(ctx context.Context, target string, msg Message) error {
	form := url.Values{}
	form.Set("To", target)
	form.Set("From", s.cfg.FromNumber)
	form.Set("Body", msg.Subject+"\n"+msg.Body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.cfg.AccountID, s.cfg.Token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms post: %w", err)
	}
	defer resp.Body.Close()
	return classifyHTTP("sms", resp)
}

// Push posts JSON to a push gateway with a bearer key.
type Push struct {
	cfg    config.PushChannel
	client *http.Client
}

func NewPush(cfg config.PushChannel) *Push {
	return &Push{cfg: cfg, client: httpClient(cfg.TimeoutS, 10*time.Second)}
}

func (p *Push) Name() string { return "push" }

func (p *Push) Send(ctx context.Context, target string, msg Message) error {
	payload, err := json.Marshal(map[string]any{
		"device_token":    target,
		"title":           msg.Subject,
		"body":            msg.Body,
		"activation_id":   msg.ActivationID,
		"severity":        msg.Severity,
		"idempotency_key": msg.IdempotencyKey,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("push post: %w", err)
	}
	defer resp.Body.Close()
	return classifyHTTP("push", resp)
}

// Chat posts to an incoming-webhook URL. The target is the channel or user
// handle carried in the payload.
type Chat struct {
	cfg    config.ChatChannel
	client *http.Client
}

func NewChat(cfg config.ChatChannel) *Chat {
	return &Chat{cfg: cfg, client: httpClient(cfg.TimeoutS, 10*time.Second)}
}

func (c *Chat) Name() string { return "chat" }

func (c *Chat) Send(ctx context.Context, target string, msg Message) error {
	payload, err := json.Marshal(map[string]any{
		"channel": target,
		"text":    fmt.Sprintf("[%s/%s] %s\n%s", msg.Scenario, msg.Severity, msg.Subject, msg.Body),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat post: %w", err)
	}
	defer resp.Body.Close()
	return classifyHTTP("chat", resp)
}
