// Package queue decouples "a send was requested" from delivery: producers
// push jobs onto a Redis list and a single background worker pops them off
// in FIFO order and fans them out to all stored subscriptions.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"pushrelay/internal/config"
	"pushrelay/internal/log"
	"pushrelay/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Job is one queued send request. Jobs carry no identity and no ack channel;
// each is consumed once and discarded after its delivery attempt.
type Job struct {
	Message string `json:"message"`
}

type Queue struct {
	rdb     *redis.Client
	key     string
	metrics *metrics.PushMetrics
	logger  *log.Logger
}

func NewQueue(rdb *redis.Client, cfg *config.Config, m *metrics.PushMetrics, logger *log.Logger) *Queue {
	return &Queue{
		rdb:     rdb,
		key:     cfg.QueueKey,
		metrics: m,
		logger:  logger,
	}
}

// Enqueue appends a job to the tail of the queue. Fire-and-forget: the
// producer never waits for delivery.
func (q *Queue) Enqueue(ctx context.Context, message string) error {
	data, err := json.Marshal(Job{Message: message})
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	if q.metrics != nil {
		q.metrics.EnqueueTotal.Inc()
	}
	q.logger.Info("Enqueued push job", zap.String("key", q.key))
	return nil
}
