package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"signtrust/internal/domain"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	RoutingKeySMS   = "otp.sms"
	RoutingKeyEmail = "otp.email"

	defaultConfirmTimeout = 10 * time.Second
)

// Message is the payload handed to the delivery workers behind the exchange.
type Message struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Sender    string    `json:"sender,omitempty"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject,omitempty"`
	Text      string    `json:"text"`
	HTML      string    `json:"html,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher hands OTP deliveries to RabbitMQ with publisher confirms. A
// delivery is successful once the broker acks it.
type Publisher struct {
	mu             sync.Mutex
	ch             channel
	conn           *amqp091.Connection
	confirms       <-chan amqp091.Confirmation
	exchange       string
	confirmTimeout time.Duration
	clock          func() time.Time
	newID          func() string
	logger         *zap.Logger
}

// Dial connects, declares the topic exchange and enables confirm mode.
func Dial(url, exchange string, logger *zap.Logger) (*Publisher, error) {
	if url == "" || exchange == "" {
		return nil, errors.New("amqp url and exchange are required")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp091.Confirmation, 1))
	p := newPublisher(ch, confirms, exchange, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, confirms <-chan amqp091.Confirmation, exchange string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		ch:             ch,
		confirms:       confirms,
		exchange:       exchange,
		confirmTimeout: defaultConfirmTimeout,
		clock:          time.Now,
		newID:          uuid.NewString,
		logger:         logger,
	}
}

func (p *Publisher) Send(ctx context.Context, sender, message, recipient string) domain.DeliveryResult {
	return p.publish(ctx, RoutingKeySMS, Message{
		Channel:   "sms",
		Sender:    sender,
		Recipient: recipient,
		Text:      message,
	})
}

func (p *Publisher) SendEmail(ctx context.Context, to, subject, text, html string) domain.DeliveryResult {
	return p.publish(ctx, RoutingKeyEmail, Message{
		Channel:   "email",
		Recipient: to,
		Subject:   subject,
		Text:      text,
		HTML:      html,
	})
}

func (p *Publisher) publish(ctx context.Context, key string, msg Message) domain.DeliveryResult {
	msg.ID = p.newID()
	msg.QueuedAt = p.clock().UTC()
	if err := p.publishConfirmed(ctx, key, msg); err != nil {
		p.logger.Warn("notification publish failed",
			zap.String("routing_key", key),
			zap.String("message_id", msg.ID),
			zap.String("recipient", Mask(msg.Recipient)),
			zap.Error(err),
		)
		return domain.DeliveryResult{Error: err.Error()}
	}
	p.logger.Debug("notification published",
		zap.String("routing_key", key),
		zap.String("message_id", msg.ID),
	)
	return domain.DeliveryResult{Success: true}
}

func (p *Publisher) publishConfirmed(ctx context.Context, key string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	// Confirmations arrive in publish order on one channel.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return errors.New("rabbitmq channel is not initialized")
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		MessageId:    msg.ID,
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    msg.QueuedAt,
	})
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()
	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return errors.New("confirm channel closed")
		}
		if !confirm.Ack {
			return errors.New("message rejected by broker")
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for confirmation: %w", ctx.Err())
	case <-timer.C:
		return errors.New("timeout waiting for confirmation")
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
		p.ch = nil
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
		p.conn = nil
	}
	return errors.Join(errs...)
}
