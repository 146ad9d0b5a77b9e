package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/corray333/backend-labs/relay/internal/relayerr"
	"github.com/streadway/amqp"
)

const (
	// ReservedPrefix marks queue names managed by the gateway itself.
	ReservedPrefix = "reserved."

	deadLetterPrefix      = ReservedPrefix + "dlx."
	defaultExchange       = ""
	contentTypeJSON       = "application/json"
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultHeartbeat      = 10 * time.Second
	confirmBuffer         = 64
)

// channel is the subset of *amqp.Channel used by the gateway.
type channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type connection interface {
	Channel() (channel, error)
	Close() error
}

type dialFunc func(url string, timeout time.Duration) (connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

func dialAMQP(url string, timeout time.Duration) (connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: defaultHeartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, err
	}

	return amqpConnection{Connection: conn}, nil
}

// Client represents a RabbitMQ client owning one connection and one channel.
// It is not meant to be shared between relay workers; calls are serialized.
type Client struct {
	url            string
	dial           dialFunc
	connectTimeout time.Duration
	publishTimeout time.Duration

	mu          sync.Mutex
	conn        connection
	channel     channel
	confirms    chan amqp.Confirmation
	closed      chan *amqp.Error
	deliveryTag uint64
	shut        bool
}

// Option configures the Client.
type Option func(*Client)

// WithConnectTimeout bounds dialing the broker.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.connectTimeout = timeout
		}
	}
}

// WithPublishTimeout bounds waiting for the broker to confirm a publish.
func WithPublishTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.publishTimeout = timeout
		}
	}
}

func withDialer(dial dialFunc) Option {
	return func(c *Client) {
		c.dial = dial
	}
}

// Connect dials the broker, opens the operating channel with prefetch 1 and
// enables publisher confirms.
func Connect(url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:            url,
		dial:           dialAMQP,
		connectTimeout: defaultConnectTimeout,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.open(); err != nil {
		return nil, fmt.Errorf("%w: %w", relayerr.ErrConnect, err)
	}

	slog.Info("RabbitMQ connected")

	return c, nil
}

// DeadLetterQueueName returns the dead-letter queue paired with queue.
func DeadLetterQueueName(queue string) string {
	return deadLetterPrefix + queue
}

// ValidateQueueName rejects empty names and names under the reserved prefix.
func ValidateQueueName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", relayerr.ErrInvalidQueueName)
	}
	if strings.HasPrefix(name, ReservedPrefix) {
		return fmt.Errorf("%w: %q uses the %q prefix", relayerr.ErrInvalidQueueName, name, ReservedPrefix)
	}

	return nil
}

// EnsureQueue declares a durable queue and its durable dead-letter queue.
// Declaring an identical queue again is a no-op.
func (c *Client) EnsureQueue(name string) error {
	if err := ValidateQueueName(name); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return err
	}

	return c.ensureQueue(name)
}

// Publish provisions queue and publishes payload as a persistent message through the
// default exchange, then waits for the broker to confirm it.
func (c *Client) Publish(ctx context.Context, queue string, payload []byte) error {
	if err := ValidateQueueName(queue); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: queue %q: %w", relayerr.ErrPublish, queue, err)
	}
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.ensureQueue(queue); err != nil {
		return err
	}

	err := c.channel.Publish(defaultExchange, queue, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("%w: queue %q: %w", relayerr.ErrPublish, queue, err)
	}
	c.deliveryTag++

	return c.awaitConfirm(ctx, queue, c.deliveryTag)
}

// Close closes the channel and connection for graceful shutdown.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.shut = true

	return c.release()
}

func (c *Client) open() error {
	conn, err := c.dial(c.url, c.connectTimeout)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return fmt.Errorf("open channel: %w", err)
	}

	// https://www.rabbitmq.com/docs/consumer-prefetch
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return fmt.Errorf("set channel prefetch: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	c.conn = conn
	c.channel = ch
	c.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	c.closed = ch.NotifyClose(make(chan *amqp.Error, 1))
	c.deliveryTag = 0

	return nil
}

// ready reopens the connection when the broker closed the channel since the last call.
func (c *Client) ready() error {
	if c.shut {
		return fmt.Errorf("%w: %w", relayerr.ErrPublish, amqp.ErrClosed)
	}
	if !c.isClosed() {
		return nil
	}

	slog.Warn("RabbitMQ channel closed, reconnecting")
	_ = c.release()
	if err := c.open(); err != nil {
		return fmt.Errorf("%w: reconnect: %w", relayerr.ErrPublish, err)
	}
	slog.Info("RabbitMQ reconnected")

	return nil
}

func (c *Client) isClosed() bool {
	if c.channel == nil {
		return true
	}

	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) release() error {
	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		c.channel = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		c.conn = nil
	}

	return errors.Join(errs...)
}

func (c *Client) ensureQueue(name string) error {
	deadLetterQueue := DeadLetterQueueName(name)
	if err := c.declare(deadLetterQueue, nil); err != nil {
		return err
	}

	return c.declare(name, amqp.Table{
		"x-dead-letter-exchange":    defaultExchange,
		"x-dead-letter-routing-key": deadLetterQueue,
	})
}

func (c *Client) declare(name string, args amqp.Table) error {
	_, err := c.channel.QueueDeclare(name, true, false, false, false, args)
	if err == nil {
		return nil
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return fmt.Errorf("%w: queue %q: %w", relayerr.ErrQueueConflict, name, err)
	}

	return fmt.Errorf("%w: declare queue %q: %w", relayerr.ErrPublish, name, err)
}

func (c *Client) awaitConfirm(ctx context.Context, queue string, tag uint64) error {
	timer := time.NewTimer(c.publishTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-c.confirms:
			if !ok {
				return fmt.Errorf("%w: queue %q: channel closed before confirm", relayerr.ErrPublish, queue)
			}
			// Late confirm of a publish that already timed out.
			if confirm.DeliveryTag < tag {
				continue
			}
			if !confirm.Ack {
				return fmt.Errorf("%w: queue %q: broker nacked delivery %d", relayerr.ErrPublish, queue, tag)
			}

			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: queue %q: %w", relayerr.ErrPublish, queue, ctx.Err())
		case <-timer.C:
			return fmt.Errorf("%w: queue %q: confirm timeout after %s", relayerr.ErrPublish, queue, c.publishTimeout)
		}
	}
}
