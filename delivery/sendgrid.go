package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendGridEndpoint = "https://api.sendgrid.com/v3/mail/send"

// SendGridGateway sends through the SendGrid v3 API. The idempotency key is
// forwarded so SendGrid drops a resend of the same message.
type SendGridGateway struct {
	apiKey    string
	endpoint  string
	fromEmail string
	fromName  string
	client    *http.Client
}

func NewSendGridGateway(apiKey, fromEmail, fromName string) *SendGridGateway {
	return &SendGridGateway{
		apiKey:    apiKey,
		endpoint:  sendGridEndpoint,
		fromEmail: fromEmail,
		fromName:  fromName,
		client:    &http.Client{},
	}
}

func (g *SendGridGateway) Send(ctx context.Context, msg Message) (Receipt, error) {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(g.fromName, g.fromEmail))
	message.Subject = msg.Subject

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail(msg.ToName, msg.To))
	message.AddPersonalizations(p)
	message.AddContent(mail.NewContent("text/html", msg.HTMLBody))

	body := mail.GetRequestBody(message)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	request.Header.Set("Authorization", "Bearer "+g.apiKey)
	request.Header.Set("Content-Type", "application/json")
	if msg.IdempotencyKey != "" {
		request.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := g.client.Do(request)
	if err != nil {
		return Receipt{}, fmt.Errorf("sendgrid send error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Receipt{}, fmt.Errorf("sendgrid API error: %d %s", resp.StatusCode, raw)
	}
	return Receipt{
		Provider:   "sendgrid",
		ProviderID: resp.Header.Get("X-Message-Id"),
		AcceptedAt: time.Now().UTC(),
	}, nil
}
