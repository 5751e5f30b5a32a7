package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"docgather/internal/metrics"
)

// Handler processes one job and returns its result value. Returning
// ErrWaitingChildren suspends the job instead of finishing it.
type Handler func(ctx context.Context, job *Job) (any, error)

// Worker consumes one queue with bounded concurrency. Workers poll the wait
// list; an idle consumer backs off briefly rather than blocking the shared
// connection.
type Worker struct {
	broker      *Broker
	queueName   string
	concurrency int
	handler     Handler
	logger      *zap.Logger

	pollInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker builds a consumer for a queue.
func NewWorker(broker *Broker, queueName string, concurrency int, handler Handler, logger *zap.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		broker:       broker,
		queueName:    queueName,
		concurrency:  concurrency,
		handler:      handler,
		logger:       logger.With(zap.String("queue", queueName)),
		pollInterval: 250 * time.Millisecond,
	}
}

// Start launches the consumers and the delayed-job promoter.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.consume(ctx)
	}
	w.wg.Add(1)
	go w.promote(ctx)
}

// Close stops accepting jobs and waits for in-flight handlers to finish.
func (w *Worker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, err := w.broker.popWaiting(ctx, w.queueName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("queue pop failed", zap.Error(err))
			w.sleep(ctx)
			continue
		}
		if id == "" {
			w.sleep(ctx)
			continue
		}
		w.process(ctx, id)
	}
}

func (w *Worker) promote(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.broker.promoteDelayed(ctx, w.queueName)
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollInterval):
	}
}

func (w *Worker) process(ctx context.Context, id string) {
	job, err := w.broker.GetJob(ctx, w.queueName, id)
	if err != nil {
		w.logger.Error("dequeued unknown job", zap.String("job", id), zap.Error(err))
		return
	}
	job.State = StateActive
	w.broker.rdb.HSet(ctx, jobKey(w.queueName, id), "state", StateActive)

	log := w.logger.With(zap.String("job", id), zap.Int("attempt", job.AttemptsMade+1))
	log.Debug("processing job")

	result, err := w.safeHandle(ctx, job)
	switch {
	case err == nil:
		raw, merr := json.Marshal(result)
		if merr != nil {
			err = fmt.Errorf("marshal job result: %w", merr)
			break
		}
		if cerr := w.broker.completeJob(ctx, job, raw); cerr != nil {
			log.Error("failed to settle completed job", zap.Error(cerr))
			return
		}
		metrics.JobsCompleted.WithLabelValues(w.queueName).Inc()
		log.Debug("job completed")
		return

	case errors.Is(err, ErrWaitingChildren):
		log.Debug("job suspended waiting for children")
		return
	}

	w.retryOrFail(ctx, job, err, log)
}

// safeHandle converts handler panics into job failures; a poisoned payload
// must not take the consumer down.
func (w *Worker) safeHandle(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) retryOrFail(ctx context.Context, job *Job, err error, log *zap.Logger) {
	job.AttemptsMade++
	w.broker.rdb.HSet(ctx, jobKey(w.queueName, job.ID), "attemptsMade", job.AttemptsMade)

	if job.AttemptsMade < job.Attempts {
		delay := backoffDelay(job.BackoffBase, job.AttemptsMade)
		log.Warn("job attempt failed, retrying",
			zap.Error(err), zap.Duration("delay", delay))
		w.broker.rdb.HSet(ctx, jobKey(w.queueName, job.ID), "state", StateDelayed)
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		if zerr := w.broker.rdb.ZAdd(ctx, delayedKey(w.queueName), redis.Z{Score: readyAt, Member: job.ID}).Err(); zerr != nil {
			log.Error("failed to schedule retry", zap.Error(zerr))
		}
		return
	}

	log.Error("job failed permanently", zap.Error(err))
	metrics.JobsFailed.WithLabelValues(w.queueName).Inc()
	if ferr := w.broker.failJobFinal(ctx, job, err.Error()); ferr != nil {
		log.Error("failed to settle failed job", zap.Error(ferr))
	}
}
