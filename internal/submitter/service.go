package submitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker is the consuming side of the RabbitMQ client
type Broker interface {
	Qos(prefetch int) error
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
	NotifyClose() <-chan *amqp.Error
	Reconnect(ctx context.Context) error
}

// DeliveryHandler processes one delivery and settles it
type DeliveryHandler interface {
	Handle(ctx context.Context, d amqp.Delivery)
}

// Config holds submitter service configuration
type Config struct {
	Logger        *slog.Logger
	Broker        Broker
	Handler       DeliveryHandler
	Queue         string
	ConsumerTag   string
	PrefetchCount int
}

// Service is the single consumer of the work queue
type Service struct {
	logger        *slog.Logger
	broker        Broker
	handler       DeliveryHandler
	queue         string
	consumerTag   string
	prefetchCount int
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewService creates a new submitter service
func NewService(cfg *Config) *Service {
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Service{
		logger:        cfg.Logger,
		broker:        cfg.Broker,
		handler:       cfg.Handler,
		queue:         cfg.Queue,
		consumerTag:   cfg.ConsumerTag,
		prefetchCount: prefetch,
		stopChan:      make(chan struct{}),
	}
}

// Start consumes the work queue until ctx is canceled or Stop is called.
// A lost channel is re-established and consumption resumes.
func (s *Service) Start(ctx context.Context) error {
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.logger.Info("Starting submitter",
		slog.String("queue", s.queue),
		slog.Int("prefetch_count", s.prefetchCount),
	)

	for {
		deliveries, err := s.setupConsumer()
		if err != nil {
			s.logger.Error("Failed to set up consumer",
				slog.String("error", err.Error()),
			)
			if err := s.broker.Reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to reconnect to RabbitMQ: %w", err)
			}
			continue
		}

		if done := s.consume(ctx, deliveries, s.broker.NotifyClose()); done {
			s.logger.Info("Submitter stopped")
			return nil
		}

		if err := s.broker.Reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to reconnect to RabbitMQ: %w", err)
		}
	}
}

// setupConsumer applies QoS and starts consuming with manual acknowledgement
func (s *Service) setupConsumer() (<-chan amqp.Delivery, error) {
	if err := s.broker.Qos(s.prefetchCount); err != nil {
		return nil, err
	}

	deliveries, err := s.broker.Consume(s.queue, s.consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	s.logger.Info("RabbitMQ consumer started",
		slog.String("queue", s.queue),
		slog.String("consumer_tag", s.consumerTag),
	)
	return deliveries, nil
}

// consume handles deliveries one at a time. It returns true when the service
// should stop and false when the channel was lost.
func (s *Service) consume(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) bool {
	for {
		select {
		case <-ctx.Done():
			return true

		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				s.logger.Warn("RabbitMQ channel closed",
					slog.Int("code", amqpErr.Code),
					slog.String("reason", amqpErr.Reason),
				)
			}
			// drained deliveries are redelivered by the broker
			return ctx.Err() != nil

		case d, ok := <-deliveries:
			if !ok {
				s.logger.Warn("RabbitMQ delivery channel closed")
				return ctx.Err() != nil
			}
			s.handler.Handle(ctx, d)
		}
	}
}

// Stop signals the consumer to finish the current delivery and waits for it
func (s *Service) Stop() {
	s.logger.Info("Stopping submitter...")
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}
