package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"docgather/internal/metrics"
)

// maxRetryableBody is the request-body threshold above which a 429 is treated
// as payload-too-large instead of being retried.
const maxRetryableBody = 195 * 1024

// ErrPayloadTooLarge marks a rate-limited request whose body is too large to
// be worth retrying.
var ErrPayloadTooLarge = errors.New("request payload too large for rate-limit retry")

// Dispatcher serializes provider calls sharing one API key pool. It enforces
// a minimum spacing between dispatches and re-queues rate-limited requests at
// the front of the queue. Dispatch is decoupled from response: the next item
// is released once the spacing has elapsed, not when the previous call
// returns.
type Dispatcher struct {
	mu          sync.Mutex
	queue       []*dispatchItem
	minInterval time.Duration
	lastRequest time.Time
	running     bool
}

type dispatchItem struct {
	run     func() (*Response, error)
	bodyLen int
	done    chan dispatchResult
}

type dispatchResult struct {
	resp *Response
	err  error
}

// NewDispatcher creates a dispatcher allowing at most maxRPS dispatches per
// second (default 1 when maxRPS <= 0).
func NewDispatcher(maxRPS int) *Dispatcher {
	if maxRPS <= 0 {
		maxRPS = 1
	}
	return &Dispatcher{
		minInterval: time.Duration((1000 + maxRPS - 1) / maxRPS) * time.Millisecond,
	}
}

var (
	sharedDispatcher   *Dispatcher
	sharedDispatcherMu sync.Mutex
)

// Shared returns the process-wide dispatcher singleton.
func Shared(maxRPS int) *Dispatcher {
	sharedDispatcherMu.Lock()
	defer sharedDispatcherMu.Unlock()
	if sharedDispatcher == nil {
		sharedDispatcher = NewDispatcher(maxRPS)
	}
	return sharedDispatcher
}

// ResetShared drops the singleton. Test hook.
func ResetShared() {
	sharedDispatcherMu.Lock()
	defer sharedDispatcherMu.Unlock()
	if sharedDispatcher != nil {
		sharedDispatcher.Reset()
	}
	sharedDispatcher = nil
}

// Do enqueues fn and blocks until it resolves or ctx is done. bodyLen is the
// serialized request size, used for the payload-too-large decision on 429.
func (d *Dispatcher) Do(ctx context.Context, bodyLen int, fn func() (*Response, error)) (*Response, error) {
	item := &dispatchItem{run: fn, bodyLen: bodyLen, done: make(chan dispatchResult, 1)}

	d.mu.Lock()
	d.queue = append(d.queue, item)
	d.kickLocked()
	d.mu.Unlock()

	select {
	case res := <-item.done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LastDispatchWithin reports whether a request was dispatched inside the
// given window. The batch coalescer uses this as its busy signal.
func (d *Dispatcher) LastDispatchWithin(window time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.lastRequest.IsZero() && time.Since(d.lastRequest) < window
}

// Reset clears queued items and timing state. Test hook.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, item := range d.queue {
		item.done <- dispatchResult{err: errors.New("dispatcher reset")}
	}
	d.queue = nil
	d.lastRequest = time.Time{}
}

// kickLocked starts the drain loop if it is not already running.
// Caller holds d.mu.
func (d *Dispatcher) kickLocked() {
	if d.running || len(d.queue) == 0 {
		return
	}
	d.running = true
	go d.drain()
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		item := d.queue[0]
		d.queue = d.queue[1:]
		wait := d.minInterval - time.Since(d.lastRequest)
		d.mu.Unlock()

		if wait > 0 {
			time.Sleep(wait)
		}

		d.mu.Lock()
		d.lastRequest = time.Now()
		d.mu.Unlock()

		go d.launch(item)
	}
}

func (d *Dispatcher) launch(item *dispatchItem) {
	resp, err := item.run()
	if err != nil && isRateLimited(err) {
		if item.bodyLen >= maxRetryableBody {
			item.done <- dispatchResult{err: fmt.Errorf("%w (%d bytes): %s", ErrPayloadTooLarge, item.bodyLen, err)}
			return
		}
		metrics.DispatcherRetries.Inc()
		d.mu.Lock()
		d.queue = append([]*dispatchItem{item}, d.queue...)
		d.kickLocked()
		d.mu.Unlock()
		return
	}
	item.done <- dispatchResult{resp: resp, err: err}
}

// isRateLimited matches the error shapes providers use for 429s.
func isRateLimited(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "rate_limited") ||
		strings.Contains(msg, "Rate limit") ||
		strings.Contains(msg, "(429)")
}
