// Package backgroundqueue implements repository.BackgroundQueue: the
// host's background execution handle for small, replayable, cross-process
// jobs (TTL refreshes, version-store writes, stale-manifest deletions).
// rabbitmq.go is the production backend; inprocess.go is a channel-based
// backend for tests and small single-process deployments.
package backgroundqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/erfianugrah/edgevidcache/internal/domain/model"
	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/metrics"
)

// ClientConfig holds configuration for the RabbitMQ client.
type ClientConfig struct {
	URL        string
	QueueName  string
	Exchange   string
	RoutingKey string
	Prefetch   int
	MaxRetries int
}

// DefaultClientConfig returns a ClientConfig targeting a "cache_background"
// queue with prefetch 4 (this queue's jobs are cheap and independent, so
// fair dispatch matters less than the transcode queue's prefetch=1) and a
// 5-retry ceiling before a job is dropped rather than looped forever.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:        url,
		QueueName:  "cache_background",
		Exchange:   "",
		RoutingKey: "cache_background",
		Prefetch:   4,
		MaxRetries: 5,
	}
}

// amqpConnection abstracts amqp.Connection for testability.
type amqpConnection interface {
	Channel() (*amqp.Channel, error)
	Close() error
	IsClosed() bool
}

// amqpChannel abstracts amqp.Channel for testability.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

// Client implements repository.BackgroundQueue using RabbitMQ.
type Client struct {
	conn    amqpConnection
	channel amqpChannel
	config  ClientConfig
	logger  *slog.Logger
}

var _ repository.BackgroundQueue = (*Client)(nil)

// NewClient connects to RabbitMQ and declares the queue, failing fast.
func NewClient(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return newClientWithConnection(ctx, conn, cfg, logger)
}

func newClientWithConnection(ctx context.Context, conn amqpConnection, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	_, err = ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &Client{conn: conn, channel: ch, config: cfg, logger: logger}, nil
}

// Publish enqueues a background task as a persistent message.
func (c *Client) Publish(ctx context.Context, task model.BackgroundTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		metrics.BackgroundQueueTotal.WithLabelValues(metrics.QueueOpPublish, metrics.QueueStatusErr).Inc()
		return fmt.Errorf("marshal task: %w", err)
	}

	err = c.channel.PublishWithContext(ctx, c.config.Exchange, c.config.RoutingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
	})
	if err != nil {
		metrics.BackgroundQueueTotal.WithLabelValues(metrics.QueueOpPublish, metrics.QueueStatusErr).Inc()
		return fmt.Errorf("publish task: %w", err)
	}
	metrics.BackgroundQueueTotal.WithLabelValues(metrics.QueueOpPublish, metrics.QueueStatusOK).Inc()
	return nil
}

// Consume drains background tasks, dispatching each to handler. A handler
// failure republishes the task with an incremented RetryCount (up to
// MaxRetries) rather than Nack(requeue=true), so a looping failure doesn't
// retry forever without ever being dropped.
func (c *Client) Consume(ctx context.Context, handler func(task model.BackgroundTask) error) error {
	msgs, err := c.channel.Consume(c.config.QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed unexpectedly")
			}

			var task model.BackgroundTask
			if err := json.Unmarshal(msg.Body, &task); err != nil {
				metrics.BackgroundQueueTotal.WithLabelValues(metrics.QueueOpConsume, metrics.QueueStatusErr).Inc()
				_ = msg.Nack(false, false)
				continue
			}

			if err := handler(task); err != nil {
				metrics.BackgroundQueueTotal.WithLabelValues(metrics.QueueOpConsume, metrics.QueueStatusErr).Inc()
				task.RetryCount++
				if task.RetryCount > c.config.MaxRetries {
					c.logger.Warn("background task exceeded max retries, dropping",
						slog.String("task_id", task.ID), slog.String("kind", string(task.Kind)))
					_ = msg.Nack(false, false)
					continue
				}
				if pubErr := c.Publish(ctx, task); pubErr != nil {
					c.logger.Warn("failed to republish background task for retry",
						slog.String("task_id", task.ID), slog.String("error", pubErr.Error()))
					_ = msg.Nack(false, false)
				} else {
					_ = msg.Ack(false)
				}
				continue
			}

			metrics.BackgroundQueueTotal.WithLabelValues(metrics.QueueOpConsume, metrics.QueueStatusOK).Inc()
			_ = msg.Ack(false)
		}
	}
}

// Close gracefully closes the channel and connection.
func (c *Client) Close() error {
	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
