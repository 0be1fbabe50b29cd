package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"warroom/internal/config"
)

// Email delivers over plain SMTP. Server 5xx replies are permanent (bad
// recipient, policy reject); dial and I/O errors are transient.
type Email struct {
	cfg config.EmailChannel
}

func NewEmail(cfg config.EmailChannel) *Email {
	return &Email{cfg: cfg}
}

func (e *Email) Name() string { return "email" }

func (e *Email) timeout() time.Duration {
	if e.cfg.TimeoutS > 0 {
		return time.Duration(e.cfg.TimeoutS) * time.Second
	}
	return 10 * time.Second
}

func (e *Email) Send(ctx context.Context, target string, msg Message) error {
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	deadline := time.Now().Add(e.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn, err := net.DialTimeout("tcp", addr, time.Until(deadline))
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	_ = conn.SetDeadline(deadline)
	client, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()
	if e.cfg.Username != "" {
		auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				return classifySMTP(fmt.Errorf("smtp auth: %w", err))
			}
		}
	}
	if err := client.Mail(e.cfg.From); err != nil {
		return classifySMTP(fmt.Errorf("smtp mail from: %w", err))
	}
	if err := client.Rcpt(target); err != nil {
		return classifySMTP(fmt.Errorf("smtp rcpt %s: %w", target, err))
	}
	w, err := client.Data()
	if err != nil {
		return classifySMTP(fmt.Errorf("smtp data: %w", err))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", target)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "X-Warroom-Idempotency-Key: %s\r\n", msg.IdempotencyKey)
	fmt.Fprintf(&b, "X-Warroom-Activation: %s\r\n", msg.ActivationID)
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")
	if _, err := w.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP(fmt.Errorf("smtp close data: %w", err))
	}
	return client.Quit()
}

func classifySMTP(err error) error {
	var te *textproto.Error
	if errors.As(err, &te) && te.Code >= 500 && te.Code < 600 {
		return Permanent(err)
	}
	return err
}
