package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/clank08/govern"
)

const (
	headerEventType = "govern-event-type"
	defaultTimeout  = 2 * time.Second
)

var ErrNoBrokers = errors.New("kafkasink: at least one broker is required")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	// WriteTimeout bounds each publish. Zero means two seconds.
	WriteTimeout time.Duration
}

// Sink publishes audit events to a Kafka topic as JSON. Events are keyed by
// subject so a subject's events stay on one partition in emission order.
// Publish failures are logged and counted; they never reach the engine.
type Sink struct {
	w       messageWriter
	topic   string
	timeout time.Duration
	log     *zap.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// New returns a Sink writing through a kafka-go Writer.
func New(cfg Config, log *zap.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newSink(w, cfg.Topic, cfg.WriteTimeout, log), nil
}

func newSink(w messageWriter, topic string, timeout time.Duration, log *zap.Logger) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Sink{
		w:       w,
		topic:   topic,
		timeout: timeout,
		log:     log.With(zap.String("component", "kafkasink"), zap.String("topic", topic)),
	}
}

// Emit implements govern.AuditSink.
func (s *Sink) Emit(ctx context.Context, event govern.AuditEvent) {
	value, err := json.Marshal(event)
	if err != nil {
		s.failed.Add(1)
		s.log.Error("audit event marshal failed", zap.String("event_type", event.EventType), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	hdrs := headerCarrier{headerEventType: event.EventType}
	otel.GetTextMapPropagator().Inject(ctx, hdrs)

	msg := kafka.Message{
		Key:     []byte(event.Subject),
		Value:   value,
		Headers: hdrs.toKafka(),
		Time:    event.Timestamp,
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		s.failed.Add(1)
		s.log.Warn("audit publish failed",
			zap.String("event_type", event.EventType),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		return
	}
	s.published.Add(1)
}

// Published returns the number of events written to the topic.
func (s *Sink) Published() uint64 { return s.published.Load() }

// Failed returns the number of events that could not be written.
func (s *Sink) Failed() uint64 { return s.failed.Load() }

func (s *Sink) Close() error { return s.w.Close() }
