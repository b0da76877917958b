package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"drip/metrics"
	"drip/models"
	"drip/utils"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaFeed consumes domain events from a Kafka topic. Offsets are committed
// only after an event was handled, so events are processed at least once.
type KafkaFeed struct {
	reader   messageReader
	topic    string
	listener *Listener
	tracer   trace.Tracer
	log      *logrus.Entry
	backoff  time.Duration
}

func NewKafkaFeed(brokers []string, topic, groupID string, listener *Listener, log *logrus.Entry) *KafkaFeed {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
	return newKafkaFeed(reader, topic, listener, log)
}

func newKafkaFeed(reader messageReader, topic string, listener *Listener, log *logrus.Entry) *KafkaFeed {
	return &KafkaFeed{
		reader:   reader,
		topic:    topic,
		listener: listener,
		tracer:   otel.Tracer("drip/trigger"),
		log:      log,
		backoff:  5 * time.Second,
	}
}

// Run consumes until ctx is cancelled.
func (f *KafkaFeed) Run(ctx context.Context) error {
	defer f.reader.Close()
	f.log.WithField("topic", f.topic).Info("Starting Kafka consumer")

	for {
		m, err := f.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				f.log.WithField("topic", f.topic).Info("Shutting down Kafka consumer")
				return nil
			}
			metrics.KafkaSubscriberFailureTotal.WithLabelValues(f.topic).Inc()
			f.log.WithError(err).Error("Error reading Kafka message")
			if !sleep(ctx, f.backoff) {
				return nil
			}
			continue
		}

		if !f.handle(ctx, m) {
			return nil
		}
		if err := f.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.KafkaSubscriberFailureTotal.WithLabelValues(f.topic).Inc()
			f.log.WithError(err).WithField("offset", m.Offset).Error("Failed to commit Kafka offset")
		}
	}
}

// handle processes one message, retrying transient failures until it
// succeeds or ctx ends. It reports false when ctx ended first.
func (f *KafkaFeed) handle(ctx context.Context, m kafka.Message) bool {
	msgCtx := ctx
	if len(m.Headers) > 0 {
		carrier := make(map[string]string)
		for _, h := range m.Headers {
			carrier[h.Key] = string(h.Value)
		}
		msgCtx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
	}
	spanCtx, span := f.tracer.Start(msgCtx, "handle-trigger-event")
	defer span.End()

	var ev Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unmarshal Kafka message")
		f.log.WithError(err).WithField("raw", string(m.Value)).Error("Dropping malformed trigger event")
		return true
	}

	for {
		_, err := f.listener.Handle(spanCtx, ev)
		if err == nil {
			return true
		}
		var verr *models.ValidationError
		var nf *models.NotFoundError
		if errors.As(err, &verr) || errors.As(err, &nf) {
			span.RecordError(err)
			f.log.WithError(err).WithField("customer_id", ev.CustomerID).Warn("Dropping invalid trigger event")
			return true
		}
		span.RecordError(err)
		utils.LogError(f.log, "TriggerHandleError", err, map[string]interface{}{
			"event":       ev.Type,
			"customer_id": ev.CustomerID,
			"offset":      m.Offset,
		})
		if !sleep(ctx, f.backoff) {
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
