package delivery

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/gomail.v2"
)

// SMTPGateway sends through an SMTP relay.
type SMTPGateway struct {
	host      string
	dial      func() (gomail.SendCloser, error)
	fromEmail string
	fromName  string
}

func NewSMTPGateway(host string, port int, username, password, fromEmail, fromName string) *SMTPGateway {
	dialer := gomail.NewDialer(host, port, username, password)
	return &SMTPGateway{
		host:      host,
		dial:      dialer.Dial,
		fromEmail: fromEmail,
		fromName:  fromName,
	}
}

func (g *SMTPGateway) Send(ctx context.Context, msg Message) (Receipt, error) {
	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(g.fromEmail, g.fromName))
	m.SetHeader("To", m.FormatAddress(msg.To, msg.ToName))
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", msg.IdempotencyKey, g.host))
	m.SetHeader("X-Idempotency-Key", msg.IdempotencyKey)
	m.SetHeader("Auto-Submitted", "auto-generated")
	m.SetBody("text/html", msg.HTMLBody)

	// gomail has no context support; the dial continues in the background
	// after a timeout and its result is discarded.
	done := make(chan error, 1)
	go func() {
		done <- g.dialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return Receipt{}, fmt.Errorf("smtp send: %w", err)
		}
		return Receipt{Provider: "smtp", ProviderID: msg.IdempotencyKey, AcceptedAt: time.Now().UTC()}, nil
	case <-ctx.Done():
		return Receipt{}, fmt.Errorf("smtp send: %w", ctx.Err())
	}
}

func (g *SMTPGateway) dialAndSend(m *gomail.Message) error {
	s, err := g.dial()
	if err != nil {
		return err
	}
	defer s.Close()
	return gomail.Send(s, m)
}
