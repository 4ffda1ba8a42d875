package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/songzhibin97/approval-flow/events"
	"github.com/songzhibin97/approval-flow/types"
	"go.uber.org/zap"
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Message is the JSON body published for every flow event.
type Message struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Payload   events.Event `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
}

// RoutingKey returns the routing key of an event type, e.g. "flow.flow_started".
func RoutingKey(eventType string) string {
	return "flow." + eventType
}

// ForwardedEvents are the events Attach subscribes to by default.
var ForwardedEvents = []string{
	types.EventFlowStarted,
	types.EventFlowCompleted,
	types.EventFlowRejected,
	types.EventFlowWithdrawn,
	types.EventNodeInstanceCreated,
	types.EventNodeNotified,
}

// Publisher forwards flow events to a topic exchange.
type Publisher struct {
	ch       Channel
	exchange string
	logger   *zap.Logger
	now      func() time.Time
}

// NewPublisher creates a publisher on an open channel.
func NewPublisher(ch Channel, exchange string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{ch: ch, exchange: exchange, logger: logger, now: time.Now}
}

// Dial connects to url, declares a durable topic exchange and returns a
// publisher together with the connection to close.
func Dial(url, exchange string, logger *zap.Logger) (*Publisher, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return NewPublisher(ch, exchange, logger), conn, nil
}

// Publish sends one event as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	msg := Message{
		ID:        uuid.New().String(),
		Type:      e.Type,
		Payload:   e,
		Timestamp: p.now(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := RoutingKey(e.Type)
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", p.exchange, key, err)
	}
	p.logger.Debug("published flow event",
		zap.String("routing_key", key), zap.String("message_id", msg.ID), zap.Uint64("flow_instance_id", e.FlowInstanceID))
	return nil
}

// Attach subscribes the publisher to eventTypes on bus, or to
// ForwardedEvents when none are given.
func (p *Publisher) Attach(bus *events.EventBus, eventTypes ...string) []events.Subscription {
	if len(eventTypes) == 0 {
		eventTypes = ForwardedEvents
	}
	subs := make([]events.Subscription, 0, len(eventTypes))
	for _, t := range eventTypes {
		subs = append(subs, bus.SubscribeFunc(t, p.Publish))
	}
	return subs
}
