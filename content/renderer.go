package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"

	"drip/models"
	"drip/utils"
)

// ErrNoGenerator is returned for generated steps when no content service is
// configured.
var ErrNoGenerator = errors.New("content generation is not configured")

// Message is rendered, personalised content ready for the gateway.
type Message struct {
	Subject  string
	HTMLBody string
}

// Renderer turns a step into the message for one enrollment.
type Renderer struct {
	generator      Generator
	trackingURL    string
	trackingSecret string
}

func NewRenderer(generator Generator, trackingURL, trackingSecret string) *Renderer {
	return &Renderer{
		generator:      generator,
		trackingURL:    trackingURL,
		trackingSecret: trackingSecret,
	}
}

// Render produces the message for the enrollment's current step. messageID
// identifies the send for open and click tracking.
func (r *Renderer) Render(ctx context.Context, step models.Step, e *models.Enrollment, messageID string) (Message, error) {
	data := models.Personalisation{CustomerName: e.CustomerName, CustomerEmail: e.CustomerEmail}

	var msg Message
	switch c := step.Content().(type) {
	case models.StaticContent:
		subject, err := renderText(c.Subject, data)
		if err != nil {
			return Message{}, fmt.Errorf("step %d subject: %w", step.StepIndex, err)
		}
		body, err := renderHTML(c.HTMLBody, data)
		if err != nil {
			return Message{}, fmt.Errorf("step %d body: %w", step.StepIndex, err)
		}
		msg = Message{Subject: subject, HTMLBody: body}
	case models.GeneratedContent:
		if r.generator == nil {
			return Message{}, ErrNoGenerator
		}
		generated, err := r.generator.Generate(ctx, GenerateRequest{
			Purpose:      c.Purpose,
			Topic:        c.Topic,
			CustomerName: e.CustomerName,
		})
		if err != nil {
			return Message{}, err
		}
		msg = Message{Subject: generated.Subject, HTMLBody: generated.HTMLBody}
	default:
		return Message{}, fmt.Errorf("unsupported step content %T", c)
	}

	if r.trackingURL != "" {
		msg.HTMLBody = utils.InjectTracking(msg.HTMLBody, r.trackingURL, r.trackingSecret, messageID)
	}
	return msg, nil
}

func renderText(src string, data models.Personalisation) (string, error) {
	tmpl, err := texttemplate.New("subject").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderHTML(src string, data models.Personalisation) (string, error) {
	tmpl, err := htmltemplate.New("body").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
