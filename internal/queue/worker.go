package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pushrelay/internal/config"
	"pushrelay/internal/log"
	"pushrelay/internal/metrics"
	"pushrelay/internal/push"
	"pushrelay/internal/vapid"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Worker is the single queue consumer. It blocks on the list with a bounded
// wait so shutdown is noticed promptly, and it never terminates on a bad job
// or a storage hiccup.
type Worker struct {
	rdb     *redis.Client
	cfg     *config.Config
	sender  *push.Sender
	keys    *vapid.Keys
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.PushMetrics
	logger  *log.Logger
}

func NewWorker(rdb *redis.Client, cfg *config.Config, sender *push.Sender, m *metrics.PushMetrics, logger *log.Logger) *Worker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "push-worker",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Worker{
		rdb:     rdb,
		cfg:     cfg,
		sender:  sender,
		cb:      cb,
		metrics: m,
		logger:  logger.Named("worker"),
	}
}

func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Push worker started", zap.String("key", w.cfg.QueueKey))
	for {
		res, err := w.rdb.BRPop(ctx, w.cfg.PopTimeout, w.cfg.QueueKey).Result()
		if errors.Is(err, redis.Nil) {
			// Bounded wait expired with no job; loop for the liveness check.
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Push worker shutting down")
				return
			}
			w.logger.Error("Queue pop failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		// BRPop returns [key, value].
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			w.logger.Error("Dropping malformed job", zap.Error(err))
			w.countJob("malformed")
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	keys, err := w.loadKeys()
	if err != nil {
		w.logger.Error("Failed to load VAPID keys", zap.Error(err))
		w.countJob("error")
		return
	}
	if keys == nil {
		w.logger.Warn("VAPID keys not configured, dropping job")
		w.countJob("skipped")
		return
	}

	// SendToAll only errors before fan-out (payload encoding, store read),
	// so the breaker trips on a down database, not on dead endpoints.
	out, err := w.cb.Execute(func() (interface{}, error) {
		results, sent, err := w.sender.SendToAll(ctx, job.Message, keys)
		if err != nil {
			return nil, err
		}
		return [2]int{sent, len(results)}, nil
	})
	if err != nil {
		w.logger.Error("Job fan-out failed", zap.Error(err))
		w.countJob("error")
		return
	}
	counts := out.([2]int)
	w.countJob("ok")
	w.logger.Info("Processed push job", zap.Int("sent", counts[0]), zap.Int("subscriptions", counts[1]))
}

// loadKeys reads the credential material, caching it after the first
// successful load. Absent keys are not cached so installing them later does
// not require a restart.
func (w *Worker) loadKeys() (*vapid.Keys, error) {
	if w.keys != nil {
		return w.keys, nil
	}
	keys, err := vapid.Load(w.cfg.VAPIDPublicFile, w.cfg.VAPIDPrivateFile)
	if err != nil {
		return nil, err
	}
	if keys != nil {
		w.keys = keys
	}
	return keys, nil
}

func (w *Worker) countJob(result string) {
	if w.metrics != nil {
		w.metrics.JobsTotal.WithLabelValues(result).Inc()
	}
}
