package delivery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"drip/store"
	"drip/store/storetest"
	"drip/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type countingGateway struct {
	mu    sync.Mutex
	sent  []Message
	fails int
}

func (g *countingGateway) Send(_ context.Context, msg Message) (Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fails > 0 {
		g.fails--
		return Receipt{}, errors.New("provider unavailable")
	}
	g.sent = append(g.sent, msg)
	return Receipt{Provider: "test", ProviderID: "p-1", AcceptedAt: time.Now().UTC()}, nil
}

func quietLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return utils.Component(logger, "delivery")
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, IdempotencyKey(12, 1), IdempotencyKey(12, 1))
	assert.NotEqual(t, IdempotencyKey(12, 1), IdempotencyKey(12, 2))
	assert.NotEqual(t, IdempotencyKey(1, 21), IdempotencyKey(12, 1))
}

func ledgers(t *testing.T) map[string]Ledger {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Ledger{
		"redis": NewRedisLedger(client, time.Hour),
		"db":    store.NewDeliveryLedger(storetest.Open(t)),
	}
}

func TestDeduplicating_SendsOncePerKey(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			gw := &countingGateway{}
			d := NewDeduplicating(gw, ledger, quietLog())
			msg := Message{EnrollmentID: 3, StepIndex: 0, To: "ada@example.com", IdempotencyKey: IdempotencyKey(3, 0)}

			first, err := d.Send(context.Background(), msg)
			require.NoError(t, err)
			assert.False(t, first.Duplicate)

			second, err := d.Send(context.Background(), msg)
			require.NoError(t, err)
			assert.True(t, second.Duplicate)

			assert.Len(t, gw.sent, 1)
		})
	}
}

func TestDeduplicating_FailedSendIsNotRecorded(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			gw := &countingGateway{fails: 1}
			d := NewDeduplicating(gw, ledger, quietLog())
			msg := Message{EnrollmentID: 5, StepIndex: 1, IdempotencyKey: IdempotencyKey(5, 1)}

			_, err := d.Send(context.Background(), msg)
			require.Error(t, err)

			receipt, err := d.Send(context.Background(), msg)
			require.NoError(t, err)
			assert.False(t, receipt.Duplicate)
			assert.Len(t, gw.sent, 1)
		})
	}
}

func TestSendGridGateway_Send(t *testing.T) {
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("X-Message-Id", "sg-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := NewSendGridGateway("sg-key", "shop@example.com", "Shop")
	g.endpoint = srv.URL

	receipt, err := g.Send(context.Background(), Message{To: "ada@example.com", Subject: "Hi", HTMLBody: "<p>Hi</p>", IdempotencyKey: "k-1"})
	require.NoError(t, err)
	assert.Equal(t, "sg-123", receipt.ProviderID)
	assert.Equal(t, "k-1", gotKey)
	assert.Equal(t, "Bearer sg-key", gotAuth)
}

func TestSendGridGateway_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"bad"}]}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	g := NewSendGridGateway("sg-key", "shop@example.com", "Shop")
	g.endpoint = srv.URL

	_, err := g.Send(context.Background(), Message{To: "ada@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestLogGateway_RespectsCancellation(t *testing.T) {
	g := NewLogGateway(quietLog())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Send(ctx, Message{})
	require.ErrorIs(t, err, context.Canceled)
}

type recordingSMTP struct {
	mu      sync.Mutex
	from    string
	to      []string
	raw     bytes.Buffer
	closed  bool
	release chan struct{}
}

func (r *recordingSMTP) Send(from string, to []string, msg io.WriterTo) error {
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.from, r.to = from, to
	_, err := msg.WriteTo(&r.raw)
	return err
}

func (r *recordingSMTP) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func smtpGatewayWith(conn gomail.SendCloser, dialErr error) *SMTPGateway {
	g := NewSMTPGateway("mail.example.com", 587, "user", "pass", "news@example.com", "Example Shop")
	g.dial = func() (gomail.SendCloser, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return conn, nil
	}
	return g
}

func TestSMTPGateway_Send(t *testing.T) {
	conn := &recordingSMTP{}
	g := smtpGatewayWith(conn, nil)

	receipt, err := g.Send(context.Background(), Message{
		To:             "ada@example.com",
		ToName:         "Ada",
		Subject:        "Welcome",
		HTMLBody:       "<p>Hi</p>",
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "smtp", receipt.Provider)
	assert.Equal(t, "key-1", receipt.ProviderID)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.closed)
	assert.Equal(t, "news@example.com", conn.from)
	assert.Equal(t, []string{"ada@example.com"}, conn.to)
	raw := conn.raw.String()
	assert.Contains(t, raw, "Message-ID: <key-1@mail.example.com>")
	assert.Contains(t, raw, "X-Idempotency-Key: key-1")
	assert.Contains(t, raw, "Auto-Submitted: auto-generated")
	assert.Contains(t, raw, "Subject: Welcome")
}

func TestSMTPGateway_DialFailure(t *testing.T) {
	g := smtpGatewayWith(nil, errors.New("connection refused"))

	_, err := g.Send(context.Background(), Message{To: "ada@example.com", IdempotencyKey: "key-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestSMTPGateway_GivesUpWhenContextEnds(t *testing.T) {
	conn := &recordingSMTP{release: make(chan struct{})}
	defer close(conn.release)
	g := smtpGatewayWith(conn, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Send(ctx, Message{To: "ada@example.com", IdempotencyKey: "key-1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
