package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/warp/points-ledger/ledger"
)

// DefaultExchange receives points events when none is configured.
const DefaultExchange = "loyalty.events"

// Publisher sends a JSON body to an exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body any) error
	Close()
}

// =============================================================================
// AMQP PRODUCER
// =============================================================================

// EventProducer publishes events to RabbitMQ topic exchanges.
type EventProducer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  logrus.FieldLogger
}

// NewEventProducer dials RabbitMQ and opens a channel.
func NewEventProducer(amqpURL string, logger logrus.FieldLogger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	return &EventProducer{conn: conn, channel: channel, logger: logger}, nil
}

// Publish declares the topic exchange and sends body as JSON.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	if err := p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{"exchange": exchange, "routing_key": routingKey}).Debug("Published message")
	return nil
}

// Close releases channel and connection resources.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// FallbackPublisher is used when RabbitMQ is not configured or unreachable.
// It drops every message with a warning.
type FallbackPublisher struct {
	Logger logrus.FieldLogger
}

func (p FallbackPublisher) Publish(_ context.Context, exchange, routingKey string, _ any) error {
	logger := p.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"exchange":    exchange,
		"routing_key": routingKey,
	}).Warn("RabbitMQ unavailable, publish skipped")
	return nil
}

func (FallbackPublisher) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// =============================================================================
// SINK
// =============================================================================

// PointsReceivedEvent is the JSON body published for every intent.
type PointsReceivedEvent struct {
	Channel       string    `json:"channel"`
	AccountID     string    `json:"account_id"`
	Recipient     string    `json:"recipient"`
	TransactionID string    `json:"transaction_id"`
	PointsAmount  int64     `json:"points_amount"`
	Balance       int64     `json:"balance"`
	Message       string    `json:"message"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// RabbitSink publishes intents for the mail and SMS workers.
type RabbitSink struct {
	Publisher Publisher
	Exchange  string
}

func NewRabbitSink(p Publisher, exchange string) *RabbitSink {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &RabbitSink{Publisher: p, Exchange: exchange}
}

func (s *RabbitSink) Name() string { return "rabbitmq" }

func (s *RabbitSink) Deliver(ctx context.Context, intent ledger.Intent) error {
	event := PointsReceivedEvent{
		Channel:       channel(intent.Kind),
		AccountID:     string(intent.AccountID),
		Recipient:     intent.Recipient,
		TransactionID: string(intent.TransactionID),
		PointsAmount:  intent.PointsAmount,
		Balance:       intent.Balance,
		Message:       Message(intent),
		OccurredAt:    intent.CreatedAt,
	}
	return s.Publisher.Publish(ctx, s.Exchange, RoutingKey(intent.Kind), event)
}

// RoutingKey maps an intent kind to its topic, e.g. points.received.email.
func RoutingKey(kind ledger.IntentKind) string {
	return "points.received." + channel(kind)
}
