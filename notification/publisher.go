package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publisher hands a message to the delivery channel. Implementations may be
// called more than once for the same event.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// LogPublisher writes messages to the log. Used when RabbitMQ is not configured.
type LogPublisher struct {
	Log logrus.FieldLogger
}

func (p LogPublisher) Publish(ctx context.Context, msg Message) error {
	p.Log.WithFields(logrus.Fields{
		"event_id":     msg.EventID,
		"job_id":       msg.JobID,
		"recipient_id": msg.RecipientID,
		"type":         msg.Type,
	}).Info("notification")
	return nil
}

// AMQPPublisher publishes to a durable topic exchange with routing key
// job.<type>.
type AMQPPublisher struct {
	url      string
	exchange string
	log      logrus.FieldLogger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPPublisher(ctx context.Context, url, exchange string, log logrus.FieldLogger) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url, exchange: exchange, log: log}
	if err := p.connect(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect(ctx context.Context) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxElapsedTime = 30 * time.Second

	var conn *amqp.Connection
	dial := func() error {
		c, err := amqp.Dial(p.url)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.log.WithError(err).WithField("wait", wait).Warn("rabbitmq dial failed, retrying")
	}
	if err := backoff.RetryNotify(dial, backoff.WithContext(expo, ctx), notify); err != nil {
		return fmt.Errorf("notification: connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("notification: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		p.exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("notification: declare exchange: %w", err)
	}

	p.conn = conn
	p.channel = ch
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notification: marshal message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() {
		if err := p.connect(ctx); err != nil {
			return err
		}
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		"job."+string(msg.Type),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.EventID,
			Timestamp:    msg.CreatedAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("notification: publish %s: %w", msg.Type, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			return fmt.Errorf("notification: close channel: %w", err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("notification: close connection: %w", err)
		}
	}
	return nil
}
