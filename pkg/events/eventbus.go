package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
)

type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	AggregateID   string                 `json:"aggregateId"`
	AggregateType string                 `json:"aggregateType"`
	Timestamp     time.Time              `json:"timestamp"`
	Version       int                    `json:"version"`
	Payload       map[string]interface{} `json:"payload"`
	Metadata      EventMetadata          `json:"metadata"`
}

type EventMetadata struct {
	CorrelationID string `json:"correlationId"`
	CausationID   string `json:"causationId"`
	TraceID       string `json:"traceId"`
	SpanID        string `json:"spanId"`
}

type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(topic string, handler EventHandler) error
	Close() error
}

type EventHandler func(ctx context.Context, event Event) error

type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// KafkaEventBus writes every event to a single topic keyed by aggregate id,
// so all events of one execution land on the same partition in order.
type KafkaEventBus struct {
	config  KafkaConfig
	writer  *kafka.Writer
	logger  logger.Logger
	mu      sync.Mutex
	readers map[string]*kafka.Reader
	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
}

func NewKafkaEventBus(config KafkaConfig, log logger.Logger) (*KafkaEventBus, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaEventBus{
		config:  config,
		writer:  writer,
		logger:  log,
		readers: make(map[string]*kafka.Reader),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (k *KafkaEventBus) Publish(ctx context.Context, event Event) error {
	normalize(&event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "trace-id", Value: []byte(event.Metadata.TraceID)},
			{Key: "correlation-id", Value: []byte(event.Metadata.CorrelationID)},
		},
	}

	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaEventBus) Subscribe(topic string, handler EventHandler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       topic,
		GroupID:     k.config.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
		MaxWait:     time.Second,
	})

	k.mu.Lock()
	k.readers[topic] = reader
	k.mu.Unlock()

	k.wg.Add(1)
	go k.consume(reader, handler)
	return nil
}

func (k *KafkaEventBus) consume(reader *kafka.Reader, handler EventHandler) {
	defer k.wg.Done()
	for {
		msg, err := reader.ReadMessage(k.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || k.ctx.Err() != nil {
				return
			}
			k.logger.Warn("Failed to read event", "topic", reader.Config().Topic, "error", err)
			time.Sleep(time.Second)
			continue
		}

		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			k.logger.Warn("Failed to unmarshal event", "offset", msg.Offset, "error", err)
			continue
		}

		if err := handler(k.ctx, event); err != nil {
			k.logger.Error("Event handler failed", "type", event.Type, "aggregateId", event.AggregateID, "error", err)
		}
	}
}

func (k *KafkaEventBus) Close() error {
	k.cancel()

	k.mu.Lock()
	for topic, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.Warn("Failed to close reader", "topic", topic, "error", err)
		}
	}
	k.mu.Unlock()
	k.wg.Wait()

	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

// InMemoryEventBus delivers events synchronously to subscribers of the event type.
// The wildcard topic "*" receives every event.
type InMemoryEventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	history  []Event
	keep     int
}

func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{
		handlers: make(map[string][]EventHandler),
		keep:     1000,
	}
}

func (b *InMemoryEventBus) Publish(ctx context.Context, event Event) error {
	normalize(&event)

	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.keep {
		b.history = b.history[len(b.history)-b.keep:]
	}
	handlers := append([]EventHandler{}, b.handlers[event.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.Unlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *InMemoryEventBus) Subscribe(topic string, handler EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

// Events returns published events of the given type, or all events when eventType is empty.
func (b *InMemoryEventBus) Events(eventType string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, len(b.history))
	for _, e := range b.history {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (b *InMemoryEventBus) Close() error {
	return nil
}

func normalize(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Payload == nil {
		event.Payload = map[string]interface{}{}
	}
}

type EventBuilder struct {
	event Event
}

func NewEventBuilder(eventType string) *EventBuilder {
	return &EventBuilder{
		event: Event{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Version:   1,
			Payload:   make(map[string]interface{}),
		},
	}
}

func (b *EventBuilder) WithAggregateID(id string) *EventBuilder {
	b.event.AggregateID = id
	return b
}

func (b *EventBuilder) WithAggregateType(aggregateType string) *EventBuilder {
	b.event.AggregateType = aggregateType
	return b
}

func (b *EventBuilder) WithPayload(key string, value interface{}) *EventBuilder {
	b.event.Payload[key] = value
	return b
}

func (b *EventBuilder) WithCorrelationID(id string) *EventBuilder {
	b.event.Metadata.CorrelationID = id
	return b
}

func (b *EventBuilder) WithCausationID(id string) *EventBuilder {
	b.event.Metadata.CausationID = id
	return b
}

func (b *EventBuilder) WithTraceID(traceID, spanID string) *EventBuilder {
	b.event.Metadata.TraceID = traceID
	b.event.Metadata.SpanID = spanID
	return b
}

func (b *EventBuilder) Build() Event {
	return b.event
}

// Execution lifecycle event types.
const (
	ExecutionStarted      = "execution.started"
	ExecutionPaused       = "execution.paused"
	ExecutionResumed      = "execution.resumed"
	ExecutionSucceeded    = "execution.succeeded"
	ExecutionFailed       = "execution.failed"
	ExecutionCancelled    = "execution.cancelled"
	ExecutionStateChanged = "execution.state_changed"

	NodeStarted   = "node.started"
	NodeCompleted = "node.completed"
	NodeFailed    = "node.failed"
	NodeSkipped   = "node.skipped"

	CheckpointCreated = "checkpoint.created"
	CheckpointsPurged = "checkpoint.purged"

	RecoveryAttempted  = "recovery.attempted"
	RecoveryExhausted  = "recovery.exhausted"
	StrategyRegistered = "recovery.strategy_registered"

	ReplayCreated   = "replay.created"
	ReplayCompleted = "replay.completed"

	NotificationRequested = "notification.requested"
)

// Inbound command types consumed by the engine.
const (
	ExecutionRequested = "execution.requested"
	ApprovalDecided    = "execution.approval_decided"
)
