package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wolfman30/chat-agent/pkg/logging"
)

// Envelope is the message body published to the exchange.
type Envelope struct {
	Meta Meta   `json:"meta"`
	Data Record `json:"data"`
}

// Meta is the transport metadata of an Envelope.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes records to a topic exchange.
type AMQPPublisher struct {
	conn        *amqp.Connection
	openChannel func() (amqpChannel, error)
	exchange    string
	producer    string
	logger      *logging.Logger
}

// NewAMQPPublisher dials url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange, producer string, logger *logging.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = logging.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}
	p := &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		producer: producer,
		logger:   logger,
	}
	p.openChannel = func() (amqpChannel, error) { return conn.Channel() }
	return p, nil
}

// Emit publishes r as a persistent JSON message keyed by RoutingKey.
func (p *AMQPPublisher) Emit(ctx context.Context, r Record) error {
	r = r.Normalize()
	env := Envelope{
		Meta: Meta{
			ID:            r.ID,
			CorrelationID: r.ConversationID,
			Producer:      p.producer,
			Type:          string(r.Kind),
			Time:          r.Timestamp,
		},
		Data: r,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: encode envelope: %w", err)
	}

	ch, err := p.openChannel()
	if err != nil {
		return fmt.Errorf("events: open channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, p.exchange, r.RoutingKey(), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     r.ID,
		CorrelationId: r.ConversationID,
		Timestamp:     r.Timestamp,
		Type:          string(r.Kind),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", r.RoutingKey(), err)
	}
	p.logger.Debug("decision published", "key", r.RoutingKey(), "exchange", p.exchange)
	return nil
}

// Close closes the AMQP connection.
func (p *AMQPPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
