package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

type Consumer interface {
	Start() error
	Close() error
}

// AdminHandler reacts to admin-side events: new vote codes being issued,
// codes being revoked, and teacher catalog changes.
type AdminHandler interface {
	HandleCodeIssued(ctx context.Context, code string, expiresAt int64) error
	HandleCodeRevoked(ctx context.Context, code string) error
	HandleTeacherUpdated(ctx context.Context) error
}

type EventConsumer struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	queueName    string
	adminHandler AdminHandler
	enabled      bool
}

func NewEventConsumer(rabbitURI, exchangeName, queueName string, adminHandler AdminHandler) (*EventConsumer, error) {
	if rabbitURI == "" {
		log.Println("Warning: RabbitMQ URI is empty, event consumption is disabled")
		return &EventConsumer{
			enabled: false,
		}, nil
	}

	conn, err := amqp091.Dial(rabbitURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := channel.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, routingKey := range []string{"admin.code.*", "admin.teacher.*"} {
		err = channel.QueueBind(
			queue.Name,   // queue name
			routingKey,   // routing key
			exchangeName, // exchange
			false,        // no-wait
			nil,          // arguments
		)
		if err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to bind queue: %w", err)
		}
	}

	return &EventConsumer{
		conn:         conn,
		channel:      channel,
		queueName:    queue.Name,
		adminHandler: adminHandler,
		enabled:      true,
	}, nil
}

func (c *EventConsumer) Start() error {
	if !c.enabled {
		log.Println("Event consumption is disabled")
		return nil
	}

	err := c.channel.Qos(
		10,    // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := c.channel.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for msg := range msgs {
			if err := c.processMessage(msg); err != nil {
				log.Printf("Failed to process message: %v", err)
				msg.Nack(false, true) // Nack and requeue
			} else {
				msg.Ack(false)
			}
		}
	}()

	log.Println("Admin event consumer started, waiting for messages...")
	return nil
}

func (c *EventConsumer) processMessage(msg amqp091.Delivery) error {
	log.Printf("Received message with routing key: %s", msg.RoutingKey)

	var adminEvent AdminEvent
	if err := json.Unmarshal(msg.Body, &adminEvent); err != nil {
		return fmt.Errorf("failed to unmarshal admin event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch msg.RoutingKey {
	case EventTypeCodeIssued:
		if adminEvent.Code == "" {
			log.Printf("No code in issued event, skipping")
			return nil
		}
		return c.adminHandler.HandleCodeIssued(ctx, adminEvent.Code, adminEvent.ExpiresAt)
	case EventTypeCodeRevoked:
		if adminEvent.Code == "" {
			log.Printf("No code in revoked event, skipping")
			return nil
		}
		return c.adminHandler.HandleCodeRevoked(ctx, adminEvent.Code)
	case EventTypeTeacherUpdated:
		return c.adminHandler.HandleTeacherUpdated(ctx)
	default:
		log.Printf("Unknown routing key: %s", msg.RoutingKey)
		return nil // Don't requeue unknown message types
	}
}

func (c *EventConsumer) Close() error {
	if !c.enabled {
		return nil
	}

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			log.Printf("Error closing RabbitMQ channel: %v", err)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("error closing RabbitMQ connection: %w", err)
		}
	}

	return nil
}
