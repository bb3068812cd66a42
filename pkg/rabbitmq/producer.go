/**
 * @description
 * This package provides a simple producer for publishing messages to RabbitMQ.
 * It encapsulates the logic for connecting to RabbitMQ and publishing a
 * message to a specific exchange and routing key. The disbursement-service
 * publishes two kinds of events: completed disbursements (for notification
 * and analytics consumers) and aggregate repair requests (the queue the
 * reconciler drains when a post-commit aggregate update failed).
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// EventsExchange is the topic exchange all disbursement events go to.
const EventsExchange = "scholarship.events"

const (
	routingKeyDisbursementCompleted  = "disbursement.completed"
	routingKeyAggregateRepairRequest = "aggregate.repair.requested"
)

// DisbursementCompletedEvent is published after a payment and its internal
// bookkeeping have fully committed.
type DisbursementCompletedEvent struct {
	ApplicationID uuid.UUID `json:"application_id"`
	RecordID      uuid.UUID `json:"record_id"`
	StudentWallet string    `json:"student_wallet"`
	Amount        int64     `json:"amount"`
	TransactionID string    `json:"transaction_id"`
	ReviewedBy    string    `json:"reviewed_by"`
	Timestamp     time.Time `json:"timestamp"`
}

// AggregateRepairRequestedEvent is published when folding a committed
// disbursement into the aggregates failed and the record needs to be picked
// up by a reconciliation run.
type AggregateRepairRequestedEvent struct {
	RecordID      uuid.UUID `json:"record_id"`
	StudentWallet string    `json:"student_wallet"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishDisbursementCompleted(ctx context.Context, event DisbursementCompletedEvent) error
	PublishAggregateRepairRequested(ctx context.Context, event AggregateRepairRequestedEvent) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	log     *zap.SugaredLogger
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is
// unavailable at startup. Event delivery is best effort by design; a
// disbursement never fails because the broker is down.
type EventProducerFallback struct {
	Log *zap.SugaredLogger
}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.Log != nil {
		p.Log.Warnw("publish skipped", "component", "rabbitmq_producer", "mode", "fallback", "exchange", exchange, "routing_key", routingKey)
	}
	return nil
}

func (p *EventProducerFallback) PublishDisbursementCompleted(ctx context.Context, event DisbursementCompletedEvent) error {
	return p.Publish(ctx, EventsExchange, routingKeyDisbursementCompleted, event)
}

func (p *EventProducerFallback) PublishAggregateRepairRequested(ctx context.Context, event AggregateRepairRequestedEvent) error {
	return p.Publish(ctx, EventsExchange, routingKeyAggregateRepairRequest, event)
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
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

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string, log *zap.SugaredLogger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, log: log}, nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		p.log.Warnw("exchange declare failed; reopening channel", "component", "rabbitmq_producer", "exchange", exchange, "err", err)
		if p.conn == nil {
			return err
		}
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return chErr
		}
		p.channel = ch
		if err2 := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err2 != nil {
			return err2
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		p.log.Errorw("json marshal failed", "component", "rabbitmq_producer", "exchange", exchange, "routing_key", routingKey, "err", err)
		return err
	}

	publishing := amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        jsonBody,
	}

	err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing)
	if err != nil {
		p.log.Warnw("publish failed; reopening channel", "component", "rabbitmq_producer", "exchange", exchange, "routing_key", routingKey, "err", err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr == nil {
					if err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// PublishDisbursementCompleted publishes a completed disbursement to the events exchange.
func (p *EventProducer) PublishDisbursementCompleted(ctx context.Context, event DisbursementCompletedEvent) error {
	return p.Publish(ctx, EventsExchange, routingKeyDisbursementCompleted, event)
}

// PublishAggregateRepairRequested queues a disbursement record whose
// aggregate fold failed for the next reconciliation run.
func (p *EventProducer) PublishAggregateRepairRequested(ctx context.Context, event AggregateRepairRequestedEvent) error {
	return p.Publish(ctx, EventsExchange, routingKeyAggregateRepairRequest, event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
