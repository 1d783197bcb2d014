// Package queue carries dispatch envelopes over RabbitMQ so that delivery
// can run in a separate consumer from the process that records the logs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"notihub/internal/dispatch"
	logx "notihub/pkg/logx"
)

type Config struct {
	URL         string
	Exchange    string
	Queue       string
	RoutingKey  string
	Prefetch    int
	DialTimeout time.Duration
	// DialAttempts bounds connection attempts per Dial; 0 means 5.
	DialAttempts int
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "notihub"
	}
	if c.Queue == "" {
		c.Queue = "notihub.deliveries"
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "delivery"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 16
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = 5
	}
	return c
}

// Handler executes one envelope and calls done once it is resolved.
// *dispatch.Dispatcher satisfies it.
type Handler interface {
	Execute(env dispatch.Envelope, done func(error))
}

// publisher is the part of *amqp.Channel used for publishing.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type AMQP struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	pub  publisher
}

// Dial connects and declares a durable direct exchange with its bound queue.
func Dial(ctx context.Context, cfg Config, log logx.Logger) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, errors.New("queue: url is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &AMQP{cfg: cfg.withDefaults(), log: log}
	if err := q.connect(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *AMQP) connect(ctx context.Context) error {
	var (
		conn *amqp.Connection
		err  error
	)
	delay := 500 * time.Millisecond
	for attempt := 1; attempt <= q.cfg.DialAttempts; attempt++ {
		conn, err = amqp.DialConfig(q.cfg.URL, amqp.Config{Dial: amqp.DefaultDial(q.cfg.DialTimeout)})
		if err == nil {
			break
		}
		q.log.Warn("amqp dial failed", logx.Int("attempt", attempt), logx.Err(err))
		if attempt == q.cfg.DialAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if err != nil {
		return fmt.Errorf("queue: connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("queue: channel: %w", err)
	}
	if err := declare(ch, q.cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	q.mu.Lock()
	q.conn, q.ch, q.pub = conn, ch, ch
	q.mu.Unlock()
	return nil
}

func declare(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare exchange %q: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare queue %q: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("queue: bind %q: %w", cfg.Queue, err)
	}
	return nil
}

// Publish sends env as a persistent JSON message.
func (q *AMQP) Publish(ctx context.Context, env dispatch.Envelope) error {
	q.mu.Lock()
	pub := q.pub
	q.mu.Unlock()
	if pub == nil {
		return errors.New("queue: not connected")
	}
	msg, err := encode(env)
	if err != nil {
		return err
	}
	return pub.PublishWithContext(ctx, q.cfg.Exchange, q.cfg.RoutingKey, false, false, msg)
}

func encode(env dispatch.Envelope) (amqp.Publishing, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("queue: encode envelope: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}, nil
}

// Consume feeds deliveries to h until ctx is done or the channel closes.
// A closed connection is redialed on the next call.
func (q *AMQP) Consume(ctx context.Context, h Handler) error {
	q.mu.Lock()
	closed := q.conn == nil || q.conn.IsClosed()
	q.mu.Unlock()
	if closed {
		if err := q.connect(ctx); err != nil {
			return err
		}
	}

	q.mu.Lock()
	ch := q.ch
	q.mu.Unlock()
	if err := ch.Qos(q.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("queue: qos: %w", err)
	}
	deliveries, err := ch.Consume(q.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: consume: %w", err)
	}
	q.log.Info("amqp consumer started", logx.String("queue", q.cfg.Queue))
	return serve(ctx, deliveries, h, q.log)
}

func serve(ctx context.Context, deliveries <-chan amqp.Delivery, h Handler, log logx.Logger) error {
	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("queue: delivery channel closed")
			}
			inflight.Add(1)
			handle(d, h, log, inflight.Done)
		}
	}
}

// handle acks once the log entry is resolved, whatever the outcome; the
// delivery result lives in the log, not in the broker. An undecodable
// message is requeued once and dropped on redelivery.
func handle(d amqp.Delivery, h Handler, log logx.Logger, release func()) {
	var env dispatch.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil || env.LogID <= 0 {
		log.Warn("amqp message rejected",
			logx.String("message_id", d.MessageId),
			logx.Bool("redelivered", d.Redelivered),
			logx.Err(err),
		)
		_ = d.Nack(false, !d.Redelivered)
		release()
		return
	}
	h.Execute(env, func(error) {
		if err := d.Ack(false); err != nil {
			log.Warn("amqp ack failed", logx.Int64("log_id", env.LogID), logx.Err(err))
		}
		release()
	})
}

func (q *AMQP) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	if q.ch != nil {
		errs = append(errs, q.ch.Close())
	}
	if q.conn != nil {
		errs = append(errs, q.conn.Close())
	}
	q.ch, q.conn, q.pub = nil, nil, nil
	return errors.Join(errs...)
}
