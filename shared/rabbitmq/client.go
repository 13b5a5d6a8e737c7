package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/hpc-dispatcher/shared/resilience"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned when the client has no open channel
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// QueueConfig describes one queue the client declares
type QueueConfig struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	RoutingKey string // defaults to Name
}

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string // empty selects the default exchange
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	Queues             []QueueConfig
	RetryAttempts      int // 0 retries the connection until the context is done
	RetryInterval      time.Duration
	MaxRetryInterval   time.Duration
	Heartbeat          time.Duration
	PublishRetries     int // 0 retries a publish until the context is done
	PublishRetryDelay  time.Duration
	PublishMaxDelay    time.Duration
}

// Message is an outbound message
type Message struct {
	CorrelationID string
	ContentType   string
	Body          []byte
}

// Client represents a RabbitMQ client that can re-establish its connection
type Client struct {
	config *Config
	logger *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	closeChan   chan *amqp.Error
	isConnected bool
	prefetch    int
}

// NewClient creates a new RabbitMQ client, retrying the connection per config
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}

	if err := client.connectWithRetry(ctx); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

func (c *Client) connectPolicy() resilience.Policy {
	return resilience.Policy{
		InitialBackoff: c.config.RetryInterval,
		MaxBackoff:     c.config.MaxRetryInterval,
	}
}

func (c *Client) connectWithRetry(ctx context.Context) error {
	op := func(ctx context.Context) error {
		c.logger.Info("Connecting to RabbitMQ",
			slog.String("host", c.config.Host),
			slog.Int("port", c.config.Port),
		)
		return c.connect()
	}

	if c.config.RetryAttempts <= 0 {
		return resilience.Forever(ctx, c.connectPolicy(), c.logger, "rabbitmq.connect", op)
	}
	return resilience.Bounded(ctx, c.connectPolicy(), c.config.RetryAttempts, c.logger, "rabbitmq.connect", op)
}

// connect dials, opens a channel and declares the topology
func (c *Client) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	conn, err := amqp.DialConfig(dsn, amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(channel); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to setup exchange and queues: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.prefetch > 0 {
		if err := channel.Qos(c.prefetch, 0, false); err != nil {
			channel.Close()
			conn.Close()
			return fmt.Errorf("failed to restore QoS: %w", err)
		}
	}

	c.conn = conn
	c.channel = channel
	c.closeChan = make(chan *amqp.Error, 1)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected = true

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.Int("queues", len(c.config.Queues)),
	)

	return nil
}

// setup declares the exchange, the queues and their bindings
func (c *Client) setup(channel *amqp.Channel) error {
	if c.config.ExchangeName != "" {
		err := channel.ExchangeDeclare(
			c.config.ExchangeName,       // name
			c.config.ExchangeType,       // type
			c.config.ExchangeDurable,    // durable
			c.config.ExchangeAutoDelete, // auto-deleted
			false,                       // internal
			false,                       // no-wait
			nil,                         // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange: %w", err)
		}
	}

	for _, q := range c.config.Queues {
		_, err := channel.QueueDeclare(
			q.Name,       // name
			q.Durable,    // durable
			q.AutoDelete, // auto-delete
			q.Exclusive,  // exclusive
			false,        // no-wait
			nil,          // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
		}

		if c.config.ExchangeName == "" {
			continue
		}

		err = channel.QueueBind(
			q.Name,                // queue name
			routingKey(q),         // routing key
			c.config.ExchangeName, // exchange
			false,                 // no-wait
			nil,                   // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", q.Name, err)
		}
	}

	return nil
}

func routingKey(q QueueConfig) string {
	if q.RoutingKey != "" {
		return q.RoutingKey
	}
	return q.Name
}

// routingKeyFor returns the routing key that delivers to queue
func (c *Client) routingKeyFor(queue string) string {
	for _, q := range c.config.Queues {
		if q.Name == queue {
			return routingKey(q)
		}
	}
	return queue
}

func (c *Client) currentChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isConnected || c.channel == nil || c.channel.IsClosed() {
		return nil, ErrNotConnected
	}
	return c.channel, nil
}

// Publish publishes msg so that it is delivered to queue
func (c *Client) Publish(ctx context.Context, queue string, msg Message) error {
	channel, err := c.currentChannel()
	if err != nil {
		return err
	}

	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	err = channel.PublishWithContext(
		ctx,
		c.config.ExchangeName,  // exchange
		c.routingKeyFor(queue), // routing key
		false,                  // mandatory
		false,                  // immediate
		amqp.Publishing{
			ContentType:   contentType,
			CorrelationId: msg.CorrelationID,
			Body:          msg.Body,
			DeliveryMode:  amqp.Persistent,
			Timestamp:     time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("queue", queue),
		slog.String("correlation_id", msg.CorrelationID),
		slog.Int("body_size", len(msg.Body)),
	)

	return nil
}

// PublishWithRetry publishes msg with exponential backoff, reconnecting when the channel is gone
func (c *Client) PublishWithRetry(ctx context.Context, queue string, msg Message) error {
	policy := resilience.Policy{
		InitialBackoff: c.config.PublishRetryDelay,
		MaxBackoff:     c.config.PublishMaxDelay,
	}

	op := func(ctx context.Context) error {
		if !c.IsConnected() {
			if err := c.Reconnect(ctx); err != nil {
				return err
			}
		}
		return c.Publish(ctx, queue, msg)
	}

	var err error
	if c.config.PublishRetries <= 0 {
		err = resilience.Forever(ctx, policy, c.logger, "rabbitmq.publish", op)
	} else {
		err = resilience.Bounded(ctx, policy, c.config.PublishRetries+1, c.logger, "rabbitmq.publish", op)
	}
	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ after retries",
			slog.String("queue", queue),
			slog.String("correlation_id", msg.CorrelationID),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message to %s: %w", queue, err)
	}
	return nil
}

// Qos sets the per-consumer prefetch count; it is re-applied after a reconnect
func (c *Client) Qos(prefetch int) error {
	channel, err := c.currentChannel()
	if err != nil {
		return err
	}

	if err := channel.Qos(
		prefetch, // prefetch count
		0,        // prefetch size
		false,    // global
	); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	c.mu.Lock()
	c.prefetch = prefetch
	c.mu.Unlock()

	return nil
}

// Consume starts consuming queue with manual acknowledgement
func (c *Client) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	channel, err := c.currentChannel()
	if err != nil {
		return nil, err
	}

	messages, err := channel.Consume(
		queue,       // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", consumerTag),
	)

	return messages, nil
}

// Get polls one message from queue without auto-ack. ok is false when the queue is empty.
func (c *Client) Get(queue string) (amqp.Delivery, bool, error) {
	channel, err := c.currentChannel()
	if err != nil {
		return amqp.Delivery{}, false, err
	}

	delivery, ok, err := channel.Get(queue, false)
	if err != nil {
		return amqp.Delivery{}, false, fmt.Errorf("failed to get message from %s: %w", queue, err)
	}
	return delivery, ok, nil
}

// NotifyClose returns a channel that receives when the current channel closes
func (c *Client) NotifyClose() <-chan *amqp.Error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeChan
}

// Reconnect drops the current connection and establishes a new one
func (c *Client) Reconnect(ctx context.Context) error {
	c.logger.Warn("Reconnecting to RabbitMQ")
	c.teardown()

	policy := c.connectPolicy()
	return resilience.Forever(ctx, policy, c.logger, "rabbitmq.reconnect", func(ctx context.Context) error {
		return c.connect()
	})
}

func (c *Client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isConnected = false
	if c.channel != nil && !c.channel.IsClosed() {
		_ = c.channel.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		_ = c.conn.Close()
	}
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.mu.Lock()
	defer c.mu.Unlock()

	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected && c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed()
}
