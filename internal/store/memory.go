package store

import (
	"context"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/nais/hahaha/internal/resource"
)

// Op names a Memory operation for fault injection.
type Op string

// Memory operations.
const (
	OpList         Op = "list"
	OpWatch        Op = "watch"
	OpGet          Op = "get"
	OpUpdate       Op = "update"
	OpUpdateStatus Op = "update-status"
	OpDelete       Op = "delete"
)

const defaultHistoryLimit = 1000

type historyEntry struct {
	version uint64
	event   Event
}

// Memory is an in-process Store with a global version counter, bounded watch
// history, and Kubernetes-style finalizer handling on delete. It is safe for
// concurrent use.
type Memory struct {
	mu           sync.Mutex
	clock        clock.Clock
	version      uint64
	objects      map[resource.Key]*resource.Snapshot
	history      []historyEntry
	historyLimit int
	compacted    uint64
	watches      map[*memoryWatch]struct{}
	faults       map[Op][]error
	calls        map[Op]int
}

var _ Store = (*Memory)(nil)

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock sets the clock used for deletion timestamps.
func WithClock(c clock.Clock) MemoryOption {
	return func(m *Memory) {
		m.clock = c
	}
}

// WithHistoryLimit bounds the number of events retained for watch replay.
// Older events are compacted away.
func WithHistoryLimit(limit int) MemoryOption {
	return func(m *Memory) {
		m.historyLimit = limit
	}
}

// NewMemory returns an empty Memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clock:        clock.RealClock{},
		objects:      make(map[resource.Key]*resource.Snapshot),
		historyLimit: defaultHistoryLimit,
		watches:      make(map[*memoryWatch]struct{}),
		faults:       make(map[Op][]error),
		calls:        make(map[Op]int),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// FailNext makes the next call of op return err instead of executing.
// Multiple calls queue up in order.
func (m *Memory) FailNext(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.faults[op] = append(m.faults[op], err)
}

// Calls returns how many times op has been invoked, including failed calls.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls[op]
}

// Version returns the current global resourceVersion.
func (m *Memory) Version() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return formatVersion(m.version)
}

// Create adds a new resource. It fails with ErrConflict when the key exists.
//
//nolint:wrapcheck // errors.Mark creates new errors
func (m *Memory) Create(_ context.Context, snapshot *resource.Snapshot) (*resource.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[snapshot.Key]; ok {
		return nil, errors.Mark(errors.Newf("resource %s already exists", snapshot.Key), ErrConflict)
	}

	obj := snapshot.DeepCopy()
	obj.UID = uuid.NewString()
	obj.Generation = 1
	obj.DeletionTimestamp = nil
	obj.ResourceVersion = m.nextVersion()
	m.objects[obj.Key] = obj
	m.record(Added, obj)

	return obj.DeepCopy(), nil
}

// List implements Store.
func (m *Memory) List(_ context.Context) (*ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpList); err != nil {
		return nil, err
	}

	items := make([]*resource.Snapshot, 0, len(m.objects))
	for _, obj := range m.objects {
		items = append(items, obj.DeepCopy())
	}

	return &ListResult{Items: items, ResourceVersion: formatVersion(m.version)}, nil
}

// Watch implements Store.
//
//nolint:wrapcheck // errors.Mark creates new errors
func (m *Memory) Watch(ctx context.Context, resourceVersion string) (Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpWatch); err != nil {
		return nil, err
	}

	from := m.version

	if resourceVersion != "" {
		parsed, err := strconv.ParseUint(resourceVersion, 10, 64)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "invalid resource version %q", resourceVersion), ErrInvalid)
		}

		if parsed < m.compacted {
			return nil, errors.Mark(
				errors.Newf("resource version %d compacted (oldest available %d)", parsed, m.compacted),
				ErrVersionTooOld,
			)
		}

		from = parsed
	}

	w := newMemoryWatch()
	m.watches[w] = struct{}{}

	for _, entry := range m.history {
		if entry.version > from {
			w.push(entry.event)
		}
	}

	go w.run(ctx, func() {
		m.mu.Lock()
		delete(m.watches, w)
		m.mu.Unlock()
	})

	return w, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key resource.Key) (*resource.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpGet); err != nil {
		return nil, err
	}

	obj, ok := m.objects[key]
	if !ok {
		return nil, notFound(key)
	}

	return obj.DeepCopy(), nil
}

// Update implements Store. Generation is bumped only when the spec payload
// changes. Clearing the last finalizer of a terminating resource removes it.
func (m *Memory) Update(_ context.Context, snapshot *resource.Snapshot) (*resource.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpUpdate); err != nil {
		return nil, err
	}

	current, err := m.precondition(snapshot)
	if err != nil {
		return nil, err
	}

	next := current.DeepCopy()
	next.Labels = snapshot.DeepCopy().Labels
	next.Annotations = snapshot.DeepCopy().Annotations
	next.Finalizers = snapshot.DeepCopy().Finalizers

	if !current.SameSpec(snapshot) {
		next.Spec = snapshot.DeepCopy().Spec
		next.Generation++
	}

	next.ResourceVersion = m.nextVersion()

	if next.IsTerminating() && len(next.Finalizers) == 0 {
		delete(m.objects, next.Key)
		m.record(Deleted, next)

		return next.DeepCopy(), nil
	}

	m.objects[next.Key] = next
	m.record(Modified, next)

	return next.DeepCopy(), nil
}

// UpdateStatus implements Store.
func (m *Memory) UpdateStatus(_ context.Context, snapshot *resource.Snapshot) (*resource.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpUpdateStatus); err != nil {
		return nil, err
	}

	current, err := m.precondition(snapshot)
	if err != nil {
		return nil, err
	}

	next := current.DeepCopy()
	next.Status = snapshot.DeepCopy().Status
	next.ResourceVersion = m.nextVersion()
	m.objects[next.Key] = next
	m.record(Modified, next)

	return next.DeepCopy(), nil
}

// Delete implements Store. A resource with finalizers is only marked for
// deletion; it disappears once the finalizers are cleared through Update.
func (m *Memory) Delete(_ context.Context, key resource.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpDelete); err != nil {
		return err
	}

	current, ok := m.objects[key]
	if !ok {
		return nil
	}

	if len(current.Finalizers) == 0 {
		gone := current.DeepCopy()
		gone.ResourceVersion = m.nextVersion()
		delete(m.objects, key)
		m.record(Deleted, gone)

		return nil
	}

	if current.IsTerminating() {
		return nil
	}

	next := current.DeepCopy()
	now := m.clock.Now()
	next.DeletionTimestamp = &now
	next.ResourceVersion = m.nextVersion()
	m.objects[key] = next
	m.record(Modified, next)

	return nil
}

// Compact drops watch history at or below resourceVersion. Watches requested
// from an older version fail with ErrVersionTooOld afterwards.
func (m *Memory) Compact(resourceVersion string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version, err := strconv.ParseUint(resourceVersion, 10, 64)
	if err != nil || version <= m.compacted {
		return
	}

	m.compacted = version

	kept := m.history[:0]
	for _, entry := range m.history {
		if entry.version > version {
			kept = append(kept, entry)
		}
	}

	m.history = kept
}

// ExpireWatches terminates every open watch with an ErrVersionTooOld error
// event, the way an API server does after compaction.
func (m *Memory) ExpireWatches() {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := errors.Mark(errors.New("watch expired: too old resource version"), ErrVersionTooOld)
	for w := range m.watches {
		w.terminate(Event{Type: Error, Err: expired})
		delete(m.watches, w)
	}
}

// SendBookmark emits a BOOKMARK at the current version to every open watch.
func (m *Memory) SendBookmark() {
	m.mu.Lock()
	defer m.mu.Unlock()

	marker := &resource.Snapshot{ResourceVersion: formatVersion(m.version)}
	for w := range m.watches {
		w.push(Event{Type: Bookmark, Snapshot: marker.DeepCopy()})
	}
}

// Inject delivers an arbitrary event to every open watch without touching
// stored state. Tests use it to replay stale or duplicate events.
func (m *Memory) Inject(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for w := range m.watches {
		w.push(event)
	}
}

// WatchCount returns the number of open watches.
func (m *Memory) WatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.watches)
}

func (m *Memory) fault(op Op) error {
	m.calls[op]++

	queued := m.faults[op]
	if len(queued) == 0 {
		return nil
	}

	m.faults[op] = queued[1:]

	return queued[0]
}

//nolint:wrapcheck // errors.Mark creates new errors
func (m *Memory) precondition(snapshot *resource.Snapshot) (*resource.Snapshot, error) {
	current, ok := m.objects[snapshot.Key]
	if !ok {
		return nil, notFound(snapshot.Key)
	}

	if current.ResourceVersion != snapshot.ResourceVersion {
		return nil, errors.Mark(
			errors.Newf("resource %s: stored version %s, request version %s",
				snapshot.Key, current.ResourceVersion, snapshot.ResourceVersion),
			ErrConflict,
		)
	}

	return current, nil
}

func (m *Memory) nextVersion() string {
	m.version++

	return formatVersion(m.version)
}

func (m *Memory) record(eventType EventType, obj *resource.Snapshot) {
	version, _ := strconv.ParseUint(obj.ResourceVersion, 10, 64)
	event := Event{Type: eventType, Snapshot: obj.DeepCopy()}

	m.history = append(m.history, historyEntry{version: version, event: event})
	if m.historyLimit > 0 && len(m.history) > m.historyLimit {
		dropped := m.history[0]
		m.history = m.history[1:]
		m.compacted = dropped.version
	}

	for w := range m.watches {
		w.push(Event{Type: eventType, Snapshot: obj.DeepCopy()})
	}
}

//nolint:wrapcheck // errors.Mark creates new errors
func notFound(key resource.Key) error {
	return errors.Mark(errors.Newf("resource %s not found", key), ErrNotFound)
}

func formatVersion(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// memoryWatch buffers events without bound so that broadcasting under the
// store lock never blocks on a slow consumer.
type memoryWatch struct {
	out      chan Event
	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	pending []Event
	closed  bool
}

func newMemoryWatch() *memoryWatch {
	return &memoryWatch{
		out:    make(chan Event),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

func (w *memoryWatch) Events() <-chan Event {
	return w.out
}

func (w *memoryWatch) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

func (w *memoryWatch) push(event Event) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()

		return
	}

	w.pending = append(w.pending, event)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// terminate queues a final event; the stream closes once it is delivered.
func (w *memoryWatch) terminate(event Event) {
	w.push(event)

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

func (w *memoryWatch) run(ctx context.Context, remove func()) {
	defer remove()
	defer close(w.out)

	for {
		w.mu.Lock()
		if len(w.pending) == 0 {
			closed := w.closed
			w.mu.Unlock()

			if closed {
				return
			}

			select {
			case <-w.wake:
				continue
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}

		event := w.pending[0]
		w.pending = w.pending[1:]
		w.mu.Unlock()

		select {
		case w.out <- event:
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
