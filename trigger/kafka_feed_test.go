package trigger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"drip/models"
	"drip/store"
	"drip/store/storetest"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  chan kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.messages:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestKafkaFeed_HandlesAndCommits(t *testing.T) {
	db := storetest.Open(t)
	a := storetest.SeedAutomation(t, db, models.TriggerWelcome, models.AutomationActive, storetest.Steps(1, 0))
	l := NewListener(store.NewAutomationStore(db), store.NewEnrollmentStore(db), nil, quietLog())

	valid, err := json.Marshal(Event{Type: EventCustomerRegistered, CustomerID: 3, Email: "ada@example.com"})
	require.NoError(t, err)

	reader := &fakeReader{messages: make(chan kafka.Message, 4)}
	reader.messages <- kafka.Message{Offset: 1, Value: valid}
	reader.messages <- kafka.Message{Offset: 2, Value: []byte("{not json")}
	reader.messages <- kafka.Message{Offset: 3, Value: valid}

	feed := newKafkaFeed(reader, "domain-events", l, quietLog())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.True(t, reader.closed)
	assert.Equal(t, []int64{1, 2, 3}, reader.commits())

	enrollments, err := store.NewEnrollmentStore(db).ListByAutomation(context.Background(), a.ID, "")
	require.NoError(t, err)
	assert.Len(t, enrollments, 1)
}
