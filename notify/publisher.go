package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/warp/kwh-ledger/ledger"
)

// Publisher delivers one outbox event. A nil error means the event left the
// process and may be marked sent.
type Publisher interface {
	Publish(ctx context.Context, event ledger.Event) error
	Close() error
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	Log *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, event ledger.Event) error {
	logger := p.Log
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("event",
		"id", event.ID,
		"kind", string(event.Kind),
		"user", string(event.User),
		"payload", string(event.Payload),
	)
	return nil
}

func (LogPublisher) Close() error { return nil }

// AMQPPublisher publishes to a durable topic exchange. The routing key is the
// event kind, so consumers can bind to "request.*" or "balance.changed".
type AMQPPublisher struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// DialAMQP connects and declares the exchange.
func DialAMQP(rawURL, exchange string) (*AMQPPublisher, error) {
	clean, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		return nil, errors.New("amqp exchange name is empty")
	}
	conn, err := amqp.DialConfig(clean, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	p := &AMQPPublisher{exchange: exchange, conn: conn}
	if err := p.openChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.channel = ch
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, event ledger.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.CreatedAt,
		Type:         string(event.Kind),
		Headers:      amqp.Table{"user": string(event.User)},
		Body:         event.Payload,
	}
	err := p.channel.PublishWithContext(ctx, p.exchange, string(event.Kind), false, false, msg)
	if err == nil {
		return nil
	}
	// The channel dies on the first protocol error; reopen once and retry.
	if p.conn.IsClosed() {
		return fmt.Errorf("publish %s: %w", event.ID, err)
	}
	if reopenErr := p.openChannel(); reopenErr != nil {
		return fmt.Errorf("publish %s: %w", event.ID, errors.Join(err, reopenErr))
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, string(event.Kind), false, false, msg); err != nil {
		return fmt.Errorf("publish %s after reopen: %w", event.ID, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

// sanitizeAMQPURL trims quotes and whitespace that env files tend to carry
// and insists on an amqp or amqps scheme.
func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url must start with amqp:// or amqps://")
	}
	return clean, nil
}
