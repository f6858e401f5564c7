package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"

	"github.com/nais/hahaha/internal/logging"
	"github.com/nais/hahaha/internal/metrics"
	"github.com/nais/hahaha/internal/reconcile"
	"github.com/nais/hahaha/internal/resource"
)

// ErrShutdown is returned by Get once the queue has been shut down.
var ErrShutdown = errors.New("work queue shutting down")

// Reason tells why a key was enqueued.
type Reason string

// Enqueue reasons.
const (
	ReasonAdded    Reason = "added"
	ReasonModified Reason = "modified"
	ReasonDeleted  Reason = "deleted"
	ReasonResync   Reason = "resync"
	ReasonRetry    Reason = "retry"
	ReasonRequeue  Reason = "requeue"
)

// Default scheduling parameters.
const (
	DefaultBackoffBase         = time.Second
	DefaultBackoffMax          = 60 * time.Second
	DefaultMaxPermanentRetries = 5

	// DefaultQPS and DefaultBurst are the suggested retry bucket. The zero
	// Config leaves the bucket off.
	DefaultQPS   = 10.0
	DefaultBurst = 100
)

// Item is one unit of work handed to a worker.
type Item struct {
	Key       resource.Key
	Reason    Reason
	NotBefore time.Time
	// Attempts counts consecutive runs of this key since its last success,
	// including the one about to start.
	Attempts int
}

// Config configures a Queue. Zero values select defaults.
type Config struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxPermanentRetries bounds retries of keys failing with a permanent
	// error. After that the key is parked until it changes.
	MaxPermanentRetries int

	// QPS and Burst configure a token bucket shared by all error retries.
	// QPS <= 0 disables it.
	QPS   float64
	Burst int

	Clock   clock.Clock
	Metrics metrics.Collector
	Logger  *slog.Logger
}

type keyState int

const (
	stateQueued keyState = iota + 1
	stateProcessing
	stateDirty
)

type entry struct {
	state     keyState
	reason    Reason
	notBefore time.Time
	// backingOff is set while notBefore comes from an error retry delay.
	backingOff bool
	// seq invalidates heap records left behind when notBefore moves.
	seq uint64
}

// Queue is a deduplicating delayed work queue keyed by resource.Key.
type Queue struct {
	cfg     Config
	clock   clock.Clock
	backoff workqueue.TypedRateLimiter[resource.Key]
	bucket  *rate.Limiter
	metrics metrics.Collector
	logger  *slog.Logger

	mu        sync.Mutex
	entries   map[resource.Key]*entry
	pending   readyHeap
	seq       uint64
	permanent map[resource.Key]int
	parked    map[resource.Key]struct{}
	changed   chan struct{}
	shutdown  bool
}

// New creates an empty Queue.
func New(cfg Config) *Queue {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}

	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}

	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}

	if cfg.MaxPermanentRetries <= 0 {
		cfg.MaxPermanentRetries = DefaultMaxPermanentRetries
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopCollector()
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	q := &Queue{
		cfg:       cfg,
		clock:     cfg.Clock,
		backoff:   workqueue.NewTypedItemExponentialFailureRateLimiter[resource.Key](cfg.BackoffBase, cfg.BackoffMax),
		metrics:   cfg.Metrics,
		logger:    logging.Module(cfg.Logger, "queue"),
		entries:   make(map[resource.Key]*entry),
		permanent: make(map[resource.Key]int),
		parked:    make(map[resource.Key]struct{}),
		changed:   make(chan struct{}),
	}

	if cfg.QPS > 0 {
		burst := max(cfg.Burst, 1)
		q.bucket = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}

	return q
}

// Enqueue marks key as needing a reconcile.
//
// A queued key keeps its single entry and becomes ready now, unless it is
// waiting out an error backoff, which no enqueue cuts short. A key being
// processed is flagged dirty. Resync enqueues never move a pending delay and
// never wake a parked key.
func (q *Queue) Enqueue(key resource.Key, reason Reason) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown {
		return
	}

	q.metrics.RecordQueueAdd(context.Background(), string(reason))

	if _, parked := q.parked[key]; parked {
		if reason == ReasonResync {
			return
		}

		delete(q.parked, key)
		delete(q.permanent, key)
		q.backoff.Forget(key)
		q.logger.Debug("unparking key after change", "key", key.String(), "reason", reason)
	}

	now := q.clock.Now()

	existing, ok := q.entries[key]
	switch {
	case !ok:
		q.entries[key] = &entry{state: stateQueued, reason: reason}
		q.scheduleAt(key, now)
	case existing.state == stateProcessing:
		existing.state = stateDirty
		existing.reason = reason
	case existing.state == stateDirty:
		existing.reason = reason
	case existing.state == stateQueued && reason != ReasonResync:
		existing.reason = reason

		if !existing.backingOff && existing.notBefore.After(now) {
			q.scheduleAt(key, now)
		}
	}
}

// Get blocks until a key is ready and returns it in the processing state. It
// returns ErrShutdown after ShutDown and the context error when ctx ends.
func (q *Queue) Get(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()

		if q.shutdown {
			q.mu.Unlock()

			return Item{}, ErrShutdown
		}

		now := q.clock.Now()

		if item, ok := q.pop(now); ok {
			q.mu.Unlock()

			return item, nil
		}

		wait, hasWait := q.nextWait(now)
		changed := q.changed
		q.mu.Unlock()

		var (
			timer  clock.Timer
			expiry <-chan time.Time
		)

		if hasWait {
			timer = q.clock.NewTimer(wait)
			expiry = timer.C()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return Item{}, errors.Wrap(ctx.Err(), "waiting for work")
		case <-changed:
		case <-expiry:
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// Done reports the result of processing key and schedules what comes next.
func (q *Queue) Done(key resource.Key, result reconcile.Result) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.entries[key]
	if !ok || (current.state != stateProcessing && current.state != stateDirty) {
		q.logger.Warn("done called for a key that is not processing", "key", key.String())

		return
	}

	dirty := current.state == stateDirty
	now := q.clock.Now()

	switch {
	case result.IsError() && reconcile.IsCancelled(result.Err):
		// Interrupted by shutdown or leadership loss; not a failure.
		current.reason = ReasonRequeue
		q.requeue(key, current, now, false)

	case result.IsError():
		if reconcile.IsPermanent(result.Err) {
			q.permanent[key]++

			if q.permanent[key] > q.cfg.MaxPermanentRetries && !dirty {
				delete(q.entries, key)
				q.parked[key] = struct{}{}
				q.logger.Error("parking key after repeated permanent errors",
					"key", key.String(),
					"attempts", q.permanent[key],
					"error", result.Err,
				)
				q.recordDepth()

				return
			}
		}

		delay := q.retryDelay(key, now)
		q.metrics.RecordQueueRetry(context.Background(), delay)

		if !dirty {
			current.reason = ReasonRetry
		}

		notBefore := now.Add(delay)
		if dirty {
			notBefore = now
		}

		q.requeue(key, current, notBefore, !dirty)

	case result.RequeueAfter > 0:
		q.forget(key)

		notBefore := now.Add(result.RequeueAfter)
		if dirty {
			notBefore = now
		} else {
			current.reason = ReasonRequeue
		}

		q.requeue(key, current, notBefore, false)

	default:
		q.forget(key)

		if dirty {
			q.requeue(key, current, now, false)

			return
		}

		delete(q.entries, key)
		q.recordDepth()
	}
}

// ShutDown makes Get return ErrShutdown to all current and future callers.
func (q *Queue) ShutDown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.shutdown = true
	q.notify()
}

// ShuttingDown reports whether ShutDown has been called.
func (q *Queue) ShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.shutdown
}

// Len returns the number of keys waiting to be processed, ready or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.queuedLocked()
}

// Parked reports whether key is parked after exhausting its permanent retries.
func (q *Queue) Parked(key resource.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.parked[key]

	return ok
}

// Ping returns nil once the queue lock could be acquired, or an error when
// ctx ends first. It backs the liveness probe.
func (q *Queue) Ping(ctx context.Context) error {
	acquired := make(chan struct{})

	go func() {
		q.mu.Lock()
		q.mu.Unlock() //nolint:staticcheck // empty critical section is the probe

		close(acquired)
	}()

	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "work queue lock not acquired")
	}
}

func (q *Queue) retryDelay(key resource.Key, now time.Time) time.Duration {
	delay := q.backoff.When(key)

	if q.bucket != nil {
		if bucketDelay := q.bucket.ReserveN(now, 1).DelayFrom(now); bucketDelay > delay {
			delay = bucketDelay
		}
	}

	return delay
}

func (q *Queue) forget(key resource.Key) {
	q.backoff.Forget(key)
	delete(q.permanent, key)
}

func (q *Queue) requeue(key resource.Key, current *entry, notBefore time.Time, backingOff bool) {
	current.state = stateQueued
	current.backingOff = backingOff
	q.scheduleAt(key, notBefore)
}

// scheduleAt must be called with mu held and the entry in the queued state.
func (q *Queue) scheduleAt(key resource.Key, notBefore time.Time) {
	current := q.entries[key]
	q.seq++
	current.seq = q.seq
	current.notBefore = notBefore
	heap.Push(&q.pending, &record{key: key, notBefore: notBefore, seq: current.seq})
	q.recordDepth()
	q.notify()
}

func (q *Queue) pop(now time.Time) (Item, bool) {
	for q.pending.Len() > 0 {
		next := q.pending[0]

		current, ok := q.entries[next.key]
		if !ok || current.state != stateQueued || current.seq != next.seq {
			heap.Pop(&q.pending)

			continue
		}

		if next.notBefore.After(now) {
			return Item{}, false
		}

		heap.Pop(&q.pending)
		current.state = stateProcessing
		q.recordDepth()

		return Item{
			Key:       next.key,
			Reason:    current.reason,
			NotBefore: current.notBefore,
			Attempts:  q.backoff.NumRequeues(next.key) + 1,
		}, true
	}

	return Item{}, false
}

func (q *Queue) nextWait(now time.Time) (time.Duration, bool) {
	for q.pending.Len() > 0 {
		next := q.pending[0]

		current, ok := q.entries[next.key]
		if !ok || current.state != stateQueued || current.seq != next.seq {
			heap.Pop(&q.pending)

			continue
		}

		return next.notBefore.Sub(now), true
	}

	return 0, false
}

func (q *Queue) queuedLocked() int {
	count := 0

	for _, current := range q.entries {
		if current.state == stateQueued {
			count++
		}
	}

	return count
}

func (q *Queue) recordDepth() {
	q.metrics.RecordQueueDepth(context.Background(), q.queuedLocked())
}

// notify wakes every blocked Get. Must be called with mu held.
func (q *Queue) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// readyAt returns when key becomes ready, for tests.
func (q *Queue) readyAt(key resource.Key) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.entries[key]
	if !ok || current.state != stateQueued {
		return time.Time{}, false
	}

	return current.notBefore, true
}
