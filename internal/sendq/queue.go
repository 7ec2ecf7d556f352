// Package sendq is the ephemeral send queue for a single live session, such
// as one chat conversation. Messages are rate limited, strictly FIFO, and
// retried indefinitely — losing a message silently is worse than a stalled
// conversation — but the queue is never persisted: loss of the owning
// session invalidates it anyway.
package sendq

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrQueueClosed = errors.New("send queue closed")

const (
	DefaultMinInterval = 500 * time.Millisecond
	DefaultCooldown    = 3 * time.Second
)

// OutboundMessage has no identity beyond its queue position.
type OutboundMessage struct {
	Content       string
	AttachmentRef string
	EnqueuedAt    time.Time
}

// Transport delivers one message over the live channel. A single attempt per
// call; the queue owns pacing and retries.
type Transport interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

type Options struct {
	// MinInterval is the minimum spacing between successful sends. It exists
	// to respect backend throughput limits and to keep send ordering
	// deterministic, not to bound concurrency.
	MinInterval time.Duration
	// Cooldown is the fixed pause after a failed send before retrying.
	Cooldown time.Duration
	Logger   Logger
	Clock    func() time.Time
	Sleep    func(d time.Duration)
}

// Queue drains in FIFO order on a single goroutine. A failed head message is
// re-inserted at the head so it can never be reordered behind a message
// enqueued after it.
type Queue struct {
	transport   Transport
	minInterval time.Duration
	cooldown    time.Duration
	logger      Logger
	now         func() time.Time
	sleep       func(d time.Duration)

	mu       sync.Mutex
	items    []OutboundMessage
	draining bool
	lastSend time.Time
	closed   bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(transport Transport, opts Options) (*Queue, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	q := &Queue{
		transport:   transport,
		minInterval: opts.MinInterval,
		cooldown:    opts.Cooldown,
		logger:      opts.Logger,
		now:         opts.Clock,
		sleep:       opts.Sleep,
		stop:        make(chan struct{}),
	}
	if q.minInterval <= 0 {
		q.minInterval = DefaultMinInterval
	}
	if q.cooldown <= 0 {
		q.cooldown = DefaultCooldown
	}
	if q.logger == nil {
		q.logger = nopLogger{}
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.sleep == nil {
		q.sleep = q.interruptibleSleep
	}
	return q, nil
}

// Enqueue appends a message and starts the drain loop if one is not already
// running. Messages enqueued mid-drain are naturally picked up.
func (q *Queue) Enqueue(content, attachmentRef string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, OutboundMessage{
		Content:       content,
		AttachmentRef: attachmentRef,
		EnqueuedAt:    q.now(),
	})
	start := !q.draining
	if start {
		q.draining = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return nil
}

// drain pops and sends until the queue is empty. The explicit loop replaces
// any recursive re-invocation so the exit condition is a plain queue-empty
// check and each step is testable in isolation.
func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if q.closed || len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		msg := q.items[0]
		q.items = q.items[1:]
		last := q.lastSend
		q.mu.Unlock()

		if !last.IsZero() {
			if wait := q.minInterval - q.now().Sub(last); wait > 0 {
				q.sleep(wait)
			}
		}
		if q.isClosed() {
			q.requeueHead(msg)
			return
		}

		if err := q.transport.Send(context.Background(), msg); err != nil {
			q.logger.Printf("sendq: send failed, retrying after %s: %v", q.cooldown, err)
			q.requeueHead(msg)
			q.sleep(q.cooldown)
			continue
		}

		q.mu.Lock()
		q.lastSend = q.now()
		q.mu.Unlock()
	}
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) requeueHead(msg OutboundMessage) {
	q.mu.Lock()
	q.items = append([]OutboundMessage{msg}, q.items...)
	if q.closed {
		q.draining = false
	}
	q.mu.Unlock()
}

func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// OldestAge reports how long the head message has waited. Callers derive a
// "stuck" indicator from this age, not from a retry count: retries here are
// unbounded.
func (q *Queue) OldestAge() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0
	}
	return q.now().Sub(q.items[0].EnqueuedAt)
}

// Close stops draining. Undelivered messages are dropped with the session.
func (q *Queue) Close() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.stop)
	})
	q.wg.Wait()
}

func (q *Queue) interruptibleSleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-q.stop:
	}
}
