package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/models"
)

// Handler processes a single stage message. Returning nil acks the message.
// A plain error leaves the message for redelivery after the visibility
// timeout; an error wrapped with Permanent acks it immediately.
type Handler func(ctx context.Context, msg *models.QueueMessage) error

// WorkerPool runs polling workers against the stage queues. Each registered
// message type gets its own set of workers on its own queue.
type WorkerPool struct {
	mgr          *Manager
	handlers     map[string]Handler // keyed by message type
	pollInterval time.Duration
	concurrency  int
	logger       arbor.ILogger
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewWorkerPool creates a worker pool on the queue manager
func NewWorkerPool(mgr *Manager, pollInterval time.Duration, concurrency int, logger arbor.ILogger) *WorkerPool {
	if pollInterval <= 0 {
		pollInterval = 1 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		mgr:          mgr,
		handlers:     make(map[string]Handler),
		pollInterval: pollInterval,
		concurrency:  concurrency,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// RegisterHandler registers the handler for a message type. Must be called
// before Start.
func (wp *WorkerPool) RegisterHandler(msgType string, handler Handler) {
	wp.handlers[msgType] = handler
	wp.logger.Debug().
		Str("message_type", msgType).
		Msg("Queue handler registered")
}

// Start launches workers for every registered message type
func (wp *WorkerPool) Start() error {
	for msgType := range wp.handlers {
		queueName, err := queueForType(msgType)
		if err != nil {
			return err
		}

		wp.logger.Info().
			Str("queue", queueName).
			Int("concurrency", wp.concurrency).
			Msg("Starting queue workers")

		for i := 0; i < wp.concurrency; i++ {
			wp.wg.Add(1)
			go wp.worker(queueName, msgType, i)
		}
	}
	return nil
}

// Stop cancels the workers and waits for in-flight handlers to return
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
	return nil
}

func (wp *WorkerPool) worker(queueName, msgType string, workerID int) {
	defer wp.wg.Done()

	// Stagger worker starts to spread contention across the poll interval
	staggerDelay := (wp.pollInterval / time.Duration(wp.concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		select {
		case <-wp.ctx.Done():
			return
		case <-time.After(staggerDelay):
		}
	}

	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Str("queue", queueName).
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			// Drain ready messages before sleeping again
			for {
				err := wp.processOne(queueName, msgType, workerID)
				if err != nil {
					if !errors.Is(err, models.ErrNoMessage) {
						wp.logger.Warn().
							Err(err).
							Str("queue", queueName).
							Int("worker_id", workerID).
							Msg("Error processing message")
					}
					break
				}
				if wp.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processOne receives and processes a single message
func (wp *WorkerPool) processOne(queueName, msgType string, workerID int) error {
	msg, deleteFn, err := wp.mgr.Receive(wp.ctx, queueName)
	if err != nil {
		if errors.Is(err, models.ErrNoMessage) {
			return err
		}
		return fmt.Errorf("failed to receive message: %w", err)
	}

	handler, exists := wp.handlers[msg.Type]
	if !exists {
		wp.logger.Error().
			Str("type", msg.Type).
			Str("message_id", msg.ID).
			Msg("No handler registered for message type")
		// Unroutable messages are acked, redelivery cannot fix them
		if delErr := deleteFn(); delErr != nil {
			wp.logger.Warn().Err(delErr).Msg("Failed to delete unroutable message")
		}
		return fmt.Errorf("no handler for message type: %s", msg.Type)
	}

	wp.logger.Debug().
		Str("message_id", msg.ID).
		Str("type", msg.Type).
		Int("worker_id", workerID).
		Msg("Processing message")

	startTime := time.Now()
	handlerErr := handler(wp.ctx, msg)
	duration := time.Since(startTime)

	if handlerErr != nil {
		if IsPermanent(handlerErr) {
			wp.logger.Error().
				Err(handlerErr).
				Str("message_id", msg.ID).
				Str("type", msg.Type).
				Dur("duration", duration).
				Msg("Handler failed permanently, acking message")
			if delErr := deleteFn(); delErr != nil {
				wp.logger.Warn().Err(delErr).Msg("Failed to delete permanently failed message")
			}
			return handlerErr
		}

		// Retryable: leave the message unacked so the visibility timeout
		// redelivers it; max receive moves it to the dead-letter bucket
		wp.logger.Warn().
			Err(handlerErr).
			Str("message_id", msg.ID).
			Str("type", msg.Type).
			Dur("duration", duration).
			Msg("Handler failed, message will be redelivered")
		return handlerErr
	}

	wp.logger.Info().
		Str("message_id", msg.ID).
		Str("type", msg.Type).
		Dur("duration", duration).
		Int("worker_id", workerID).
		Msg("Message processed")

	if err := deleteFn(); err != nil {
		wp.logger.Warn().
			Err(err).
			Str("message_id", msg.ID).
			Msg("Failed to delete message after successful processing")
		return err
	}

	return nil
}
