package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrWaitingChildren is the distinguished signal a handler returns after
// moving its job to the waiting-children state. The worker neither completes
// nor fails the job; the broker re-activates it when the last child reaches a
// terminal state.
var ErrWaitingChildren = errors.New("job is waiting for children")

// ErrJobNotFound is returned when a job id has no record.
var ErrJobNotFound = errors.New("job not found")

const keyPrefix = "dg"

// FailureHandler runs when a job on its queue fails permanently.
type FailureHandler func(ctx context.Context, job *Job)

// Broker is the shared connection to the Redis queue topology. All workers
// in the process share one broker.
type Broker struct {
	rdb    *redis.Client
	logger *zap.Logger

	mu        sync.RWMutex
	onFailure map[string]FailureHandler
}

// NewBroker connects to the Redis endpoint. Request retries are left to the
// queue's own attempt accounting, not the client.
func NewBroker(redisURL string, logger *zap.Logger) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.MaxRetries = -1
	return &Broker{
		rdb:       redis.NewClient(opts),
		logger:    logger,
		onFailure: make(map[string]FailureHandler),
	}, nil
}

// NewBrokerWithClient wraps an existing client. Test hook.
func NewBrokerWithClient(rdb *redis.Client, logger *zap.Logger) *Broker {
	return &Broker{rdb: rdb, logger: logger, onFailure: make(map[string]FailureHandler)}
}

// Close quits the broker connection.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// Ping verifies the connection.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// RegisterFailureHandler installs the permanent-failure callback for a queue.
func (b *Broker) RegisterFailureHandler(queueName string, fn FailureHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFailure[queueName] = fn
}

func (b *Broker) failureHandler(queueName string) FailureHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.onFailure[queueName]
}

func jobKey(queueName, id string) string {
	return fmt.Sprintf("%s:%s:job:%s", keyPrefix, queueName, id)
}

func depsKey(queueName, id string) string {
	return jobKey(queueName, id) + ":deps"
}

func childValuesKey(queueName, id string) string {
	return jobKey(queueName, id) + ":childvals"
}

func waitKey(queueName string) string    { return fmt.Sprintf("%s:%s:wait", keyPrefix, queueName) }
func delayedKey(queueName string) string { return fmt.Sprintf("%s:%s:delayed", keyPrefix, queueName) }
func prioritizedKey(queueName string) string {
	return fmt.Sprintf("%s:%s:prioritized", keyPrefix, queueName)
}
func prioritySeqKey(queueName string) string {
	return fmt.Sprintf("%s:%s:pcount", keyPrefix, queueName)
}
func doneKey(queueName, state string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, queueName, state)
}

// Enqueue adds a job to its queue. Enqueue is idempotent on the job id: a
// job that already exists in a non-terminal state is left untouched.
func (b *Broker) Enqueue(ctx context.Context, queueName string, job *Job) error {
	job.Queue = queueName
	if job.State == "" {
		job.State = StateWaiting
	}
	if job.Timestamp == 0 {
		job.Timestamp = time.Now().UnixMilli()
	}
	opts := DefaultOptions(queueName)
	if job.Attempts == 0 {
		job.Attempts = opts.Attempts
	}
	if job.BackoffBase == 0 {
		job.BackoffBase = opts.BackoffBase
	}

	key := jobKey(queueName, job.ID)
	created, err := b.rdb.HSetNX(ctx, key, "id", job.ID).Result()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	if !created {
		state, err := b.rdb.HGet(ctx, key, "state").Result()
		if err == nil && state != StateCompleted && state != StateFailed {
			return nil // duplicate enqueue of a live job
		}
		// Terminal job re-enqueued: start over with fresh attempt state.
		b.rdb.Del(ctx, key, depsKey(queueName, job.ID), childValuesKey(queueName, job.ID))
		if _, err := b.rdb.HSetNX(ctx, key, "id", job.ID).Result(); err != nil {
			return fmt.Errorf("enqueue %s: %w", job.ID, err)
		}
	}
	if err := b.rdb.HSet(ctx, key, job.toFields()).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}

	if job.ParentID != "" {
		member := queueName + "|" + job.ID
		if err := b.rdb.SAdd(ctx, depsKey(job.ParentQueue, job.ParentID), member).Err(); err != nil {
			return fmt.Errorf("register child %s on parent %s: %w", job.ID, job.ParentID, err)
		}
	}

	if job.Delay > 0 {
		readyAt := float64(time.Now().Add(job.Delay).UnixMilli())
		if err := b.rdb.HSet(ctx, key, "state", StateDelayed).Err(); err != nil {
			return err
		}
		return b.rdb.ZAdd(ctx, delayedKey(queueName), redis.Z{Score: readyAt, Member: job.ID}).Err()
	}
	if job.Priority > 0 {
		// Lower number first; the sequence counter keeps FIFO order within
		// one priority level.
		seq, err := b.rdb.Incr(ctx, prioritySeqKey(queueName)).Result()
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", job.ID, err)
		}
		score := float64(job.Priority)*1e12 + float64(seq)
		return b.rdb.ZAdd(ctx, prioritizedKey(queueName), redis.Z{Score: score, Member: job.ID}).Err()
	}
	return b.rdb.LPush(ctx, waitKey(queueName), job.ID).Err()
}

// GetJob loads a job record.
func (b *Broker) GetJob(ctx context.Context, queueName, id string) (*Job, error) {
	fields, err := b.rdb.HGetAll(ctx, jobKey(queueName, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrJobNotFound, queueName, id)
	}
	return jobFromFields(queueName, id, fields), nil
}

// UpdateJobData persists the job's mutable payload between orchestrator
// ticks.
func (b *Broker) UpdateJobData(ctx context.Context, job *Job, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal job data: %w", err)
	}
	job.Data = raw
	return b.rdb.HSet(ctx, jobKey(job.Queue, job.ID), "data", string(raw)).Err()
}

// moveToWaitingScript clears the wake-up guard, checks the pending-children
// set, and writes the resulting state as one atomic step. KEYS[1] is the job
// hash, KEYS[2] the deps set; ARGV[1]/ARGV[2] are the waiting-children and
// active state names. Returns 1 when the job parked.
var moveToWaitingScript = redis.NewScript(`
redis.call("HDEL", KEYS[1], "childrenDone")
if redis.call("SCARD", KEYS[2]) > 0 then
	redis.call("HSET", KEYS[1], "state", ARGV[1])
	return 1
end
redis.call("HSET", KEYS[1], "state", ARGV[2])
return 0
`)

// MoveToWaitingChildren parks the job until its pending children finish. It
// returns false, leaving the job active, when no children are outstanding so
// the caller may continue on the same tick. The decision is atomic with the
// children check: a child draining the deps set concurrently either lands
// before the script (the parent continues inline, the child's stale guard is
// cleared) or after it (the parent is parked and woken exactly once).
func (b *Broker) MoveToWaitingChildren(ctx context.Context, job *Job) (bool, error) {
	parked, err := moveToWaitingScript.Run(ctx, b.rdb,
		[]string{jobKey(job.Queue, job.ID), depsKey(job.Queue, job.ID)},
		StateWaitingChildren, StateActive).Int()
	if err != nil {
		return false, err
	}
	if parked == 0 {
		job.State = StateActive
		return false, nil
	}
	job.State = StateWaitingChildren
	return true, nil
}

// ChildrenValues returns the stored return values of the job's finished
// children, keyed by child queue name.
func (b *Broker) ChildrenValues(ctx context.Context, job *Job) (map[string]json.RawMessage, error) {
	raw, err := b.rdb.HGetAll(ctx, childValuesKey(job.Queue, job.ID)).Result()
	if err != nil {
		return nil, err
	}
	values := make(map[string]json.RawMessage, len(raw))
	for member, val := range raw {
		queueName := member
		if i := strings.Index(member, "|"); i >= 0 {
			queueName = member[:i]
		}
		values[queueName] = json.RawMessage(val)
	}
	return values, nil
}

// completeJob stores the result, settles retention, and wakes the parent if
// this was its last pending child.
func (b *Broker) completeJob(ctx context.Context, job *Job, result json.RawMessage) error {
	now := time.Now().UnixMilli()
	key := jobKey(job.Queue, job.ID)
	if err := b.rdb.HSet(ctx, key,
		"state", StateCompleted,
		"returnValue", string(result),
		"finishedOn", now,
	).Err(); err != nil {
		return err
	}
	b.settleRetention(ctx, job.Queue, StateCompleted, job.ID, now)
	return b.notifyParent(ctx, job, result)
}

// failJobFinal marks the job permanently failed, propagates to the parent
// when requested, and runs the queue's failure handler.
func (b *Broker) failJobFinal(ctx context.Context, job *Job, reason string) error {
	now := time.Now().UnixMilli()
	key := jobKey(job.Queue, job.ID)
	job.State = StateFailed
	job.FailedReason = reason
	if err := b.rdb.HSet(ctx, key,
		"state", StateFailed,
		"failedReason", reason,
		"finishedOn", now,
	).Err(); err != nil {
		return err
	}
	b.settleRetention(ctx, job.Queue, StateFailed, job.ID, now)

	if fn := b.failureHandler(job.Queue); fn != nil {
		fn(ctx, job)
	}

	if job.FailParentOnFailure && job.ParentID != "" {
		parent, err := b.GetJob(ctx, job.ParentQueue, job.ParentID)
		if err != nil {
			b.logger.Warn("failed child has no parent record",
				zap.String("job", job.ID), zap.Error(err))
			return nil
		}
		if parent.State == StateFailed {
			return nil
		}
		childReason := fmt.Sprintf("child %s/%s failed: %s", job.Queue, job.ID, reason)
		return b.failJobFinal(ctx, parent, childReason)
	}
	return nil
}

// notifyParent removes this child from the parent's pending set and
// re-activates the parent exactly once when the set drains.
func (b *Broker) notifyParent(ctx context.Context, job *Job, result json.RawMessage) error {
	if job.ParentID == "" {
		return nil
	}
	member := job.Queue + "|" + job.ID
	depsK := depsKey(job.ParentQueue, job.ParentID)
	if err := b.rdb.HSet(ctx, childValuesKey(job.ParentQueue, job.ParentID), member, string(result)).Err(); err != nil {
		return err
	}
	if err := b.rdb.SRem(ctx, depsK, member).Err(); err != nil {
		return err
	}
	pending, err := b.rdb.SCard(ctx, depsK).Result()
	if err != nil || pending > 0 {
		return err
	}

	parentKey := jobKey(job.ParentQueue, job.ParentID)
	// HSetNX guards against two children draining the set concurrently.
	first, err := b.rdb.HSetNX(ctx, parentKey, "childrenDone", "1").Result()
	if err != nil || !first {
		return err
	}
	state, err := b.rdb.HGet(ctx, parentKey, "state").Result()
	if err != nil {
		return err
	}
	if state != StateWaitingChildren {
		return nil
	}
	if err := b.rdb.HSet(ctx, parentKey, "state", StateWaiting).Err(); err != nil {
		return err
	}
	return b.rdb.LPush(ctx, waitKey(job.ParentQueue), job.ParentID).Err()
}

// settleRetention applies the completed/failed retention policy.
func (b *Broker) settleRetention(ctx context.Context, queueName, state, id string, now int64) {
	opts := DefaultOptions(queueName)
	key := doneKey(queueName, state)
	b.rdb.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: id})
	retention := opts.FailedRetention
	if state == StateCompleted {
		retention = opts.CompletedRetention
	}
	cutoff := float64(now - retention.Milliseconds())
	b.rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", cutoff))
	if state == StateCompleted && opts.CompletedKeep > 0 {
		b.rdb.ZRemRangeByRank(ctx, key, 0, int64(-opts.CompletedKeep-1))
	}
}

// promoteDelayed moves due delayed jobs onto the wait list.
func (b *Broker) promoteDelayed(ctx context.Context, queueName string) {
	now := float64(time.Now().UnixMilli())
	ids, err := b.rdb.ZRangeByScore(ctx, delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		removed, err := b.rdb.ZRem(ctx, delayedKey(queueName), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		b.rdb.HSet(ctx, jobKey(queueName, id), "state", StateWaiting)
		b.rdb.LPush(ctx, waitKey(queueName), id)
	}
}

// popWaiting takes the next runnable job id. Jobs enqueued without a priority
// keep strict FIFO precedence; the prioritized set is drained after, lowest
// priority number first.
func (b *Broker) popWaiting(ctx context.Context, queueName string) (string, error) {
	id, err := b.rdb.RPop(ctx, waitKey(queueName)).Result()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", err
	}
	entries, err := b.rdb.ZPopMin(ctx, prioritizedKey(queueName), 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return fmt.Sprint(entries[0].Member), nil
}
