package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"
)

// GenerateRequest asks the content service for one message.
type GenerateRequest struct {
	Purpose      string `json:"purpose"`
	Topic        string `json:"topic"`
	CustomerName string `json:"customerName,omitempty"`
}

// Generated is a subject and HTML body produced by the content service.
type Generated struct {
	Subject  string `json:"subject"`
	HTMLBody string `json:"htmlBody"`
}

// Generator produces message content for steps that don't carry their own.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (Generated, error)
}

// HTTPGenerator calls an external content-generation endpoint.
type HTTPGenerator struct {
	client   *fasthttp.Client
	endpoint string
	apiKey   string
	timeout  time.Duration
}

func NewHTTPGenerator(endpoint, apiKey string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		client: &fasthttp.Client{
			Name:                "drip-content",
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: time.Minute,
		},
		endpoint: endpoint,
		apiKey:   apiKey,
		timeout:  timeout,
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, in GenerateRequest) (Generated, error) {
	timeout := g.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout || timeout <= 0 {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return Generated{}, context.DeadlineExceeded
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return Generated{}, fmt.Errorf("encode content request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(g.endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	req.SetBody(payload)

	if err := g.client.DoTimeout(req, resp, timeout); err != nil {
		var netErr net.Error
		if errors.Is(err, fasthttp.ErrTimeout) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return Generated{}, fmt.Errorf("content service: %w", context.DeadlineExceeded)
		}
		return Generated{}, fmt.Errorf("content service: %w", err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return Generated{}, fmt.Errorf("content service returned %d: %s", code, truncate(resp.Body(), 200))
	}

	var out Generated
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return Generated{}, fmt.Errorf("decode content response: %w", err)
	}
	if out.Subject == "" || out.HTMLBody == "" {
		return Generated{}, errors.New("content service returned an empty subject or body")
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
