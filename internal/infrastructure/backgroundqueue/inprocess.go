package backgroundqueue

import (
	"context"
	"fmt"

	"github.com/erfianugrah/edgevidcache/internal/domain/model"
	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/metrics"
)

// InProcess is a channel-based repository.BackgroundQueue with no external
// broker, for tests and single-process deployments where a lost task on
// crash is an acceptable tradeoff against running RabbitMQ.
type InProcess struct {
	tasks chan model.BackgroundTask
}

var _ repository.BackgroundQueue = (*InProcess)(nil)

// NewInProcess creates an InProcess queue with the given channel buffer
// depth.
func NewInProcess(buffer int) *InProcess {
	return &InProcess{tasks: make(chan model.BackgroundTask, buffer)}
}

// Publish enqueues task, failing fast with a buffer-full error rather than
// blocking the request path indefinitely.
func (q *InProcess) Publish(ctx context.Context, task model.BackgroundTask) error {
	select {
	case q.tasks <- task:
		metrics.BackgroundQueueTotal.WithLabelValues(metrics.QueueOpPublish, metrics.QueueStatusOK).Inc()
		return nil
	case <-ctx.Done():
		metrics.BackgroundQueueTotal.WithLabelValues(metrics.QueueOpPublish, metrics.QueueStatusErr).Inc()
		return ctx.Err()
	default:
		metrics.BackgroundQueueTotal.WithLabelValues(metrics.QueueOpPublish, metrics.QueueStatusErr).Inc()
		return fmt.Errorf("background queue buffer full")
	}
}

// Consume drains tasks until ctx is cancelled or Close is called.
func (q *InProcess) Consume(ctx context.Context, handler func(task model.BackgroundTask) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task, ok := <-q.tasks:
			if !ok {
				return nil
			}
			if err := handler(task); err != nil {
				metrics.BackgroundQueueTotal.WithLabelValues(metrics.QueueOpConsume, metrics.QueueStatusErr).Inc()
				continue
			}
			metrics.BackgroundQueueTotal.WithLabelValues(metrics.QueueOpConsume, metrics.QueueStatusOK).Inc()
		}
	}
}

// Close closes the task channel, unblocking any Consume loop.
func (q *InProcess) Close() error {
	close(q.tasks)
	return nil
}
