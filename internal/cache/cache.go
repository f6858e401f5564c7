package cache

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"k8s.io/utils/clock"

	"github.com/nais/hahaha/internal/logging"
	"github.com/nais/hahaha/internal/metrics"
	"github.com/nais/hahaha/internal/resource"
	"github.com/nais/hahaha/internal/store"
)

// ChangeKind tells a Handler what happened to a key.
type ChangeKind string

// Change kinds.
const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Deleted  ChangeKind = "deleted"
	Resync   ChangeKind = "resync"
)

// Handler receives change notifications. OnChange is called from the watch
// loop without any cache lock held and must not block for long.
type Handler interface {
	OnChange(key resource.Key, kind ChangeKind)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(key resource.Key, kind ChangeKind)

// OnChange calls f.
func (f HandlerFunc) OnChange(key resource.Key, kind ChangeKind) {
	f(key, kind)
}

const (
	defaultRetryBase = 10 * time.Millisecond
	defaultRetryMax  = 30 * time.Second
)

// Config configures a Cache.
type Config struct {
	Store   store.Store
	Handler Handler

	// ResyncPeriod is how often every known key is notified with Resync.
	// Zero disables the resync timer.
	ResyncPeriod time.Duration

	// RetryBase and RetryMax bound the wait before re-watching after a
	// failed watch or list.
	RetryBase time.Duration
	RetryMax  time.Duration

	Clock   clock.WithTicker
	Metrics metrics.Collector
	Logger  *slog.Logger
}

// Cache is an in-memory mirror of one collection.
type Cache struct {
	cfg     Config
	clock   clock.WithTicker
	metrics metrics.Collector
	logger  *slog.Logger

	mu      sync.RWMutex
	items   map[resource.Key]*resource.Snapshot
	version string

	synced     atomic.Bool
	syncedCh   chan struct{}
	syncedOnce sync.Once
}

// New creates a Cache. Run must be called to populate it.
func New(cfg Config) *Cache {
	if cfg.Handler == nil {
		cfg.Handler = HandlerFunc(func(resource.Key, ChangeKind) {})
	}

	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}

	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = max(defaultRetryMax, cfg.RetryBase)
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

	return &Cache{
		cfg:      cfg,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		logger:   logging.Module(cfg.Logger, "cache"),
		items:    make(map[resource.Key]*resource.Snapshot),
		syncedCh: make(chan struct{}),
	}
}

// Get returns a copy of the snapshot held for key.
func (c *Cache) Get(key resource.Key) (*resource.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.items[key]
	if !ok {
		return nil, false
	}

	return snap.DeepCopy(), true
}

// List returns copies of every snapshot, ordered by key.
func (c *Cache) List() []*resource.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*resource.Snapshot, 0, len(c.items))
	for _, snap := range c.items {
		out = append(out, snap.DeepCopy())
	}

	slices.SortFunc(out, func(a, b *resource.Snapshot) int {
		return strings.Compare(a.Key.String(), b.Key.String())
	})

	return out
}

// Keys returns every known key, ordered.
func (c *Cache) Keys() []resource.Key {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]resource.Key, 0, len(c.items))
	for key := range c.items {
		keys = append(keys, key)
	}

	slices.SortFunc(keys, func(a, b resource.Key) int {
		return strings.Compare(a.String(), b.String())
	})

	return keys
}

// Len returns the number of cached resources.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// HasSynced reports whether the initial list has been applied.
func (c *Cache) HasSynced() bool {
	return c.synced.Load()
}

// WaitForSync blocks until the initial list has been applied or ctx ends.
func (c *Cache) WaitForSync(ctx context.Context) bool {
	select {
	case <-c.syncedCh:
		return true
	case <-ctx.Done():
		return false
	}
}

// LastSyncResourceVersion returns the newest collection version observed
// through a list, a watch event, or a bookmark.
func (c *Cache) LastSyncResourceVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.version
}

// Run lists, then watches, until ctx ends. Store failures are retried and
// never returned.
func (c *Cache) Run(ctx context.Context) error {
	c.logger.Info("cache started")
	defer c.logger.Info("cache stopped")

	if c.cfg.ResyncPeriod > 0 {
		go c.resyncLoop(ctx)
	}

	needList := true
	retries := 0

	for ctx.Err() == nil {
		if needList {
			if err := c.relist(ctx); err != nil {
				retries++
				c.logger.Warn("list failed", "error", err, "retries", retries)
				c.wait(ctx, retries)

				continue
			}

			needList = false
			retries = 0
		}

		from := c.LastSyncResourceVersion()
		err := c.watch(ctx, from)

		switch {
		case ctx.Err() != nil:
			return nil
		case store.IsVersionTooOld(err):
			c.logger.Info("watch position compacted, relisting", "resourceVersion", from, "error", err)
			c.metrics.RecordWatchRestart(ctx, "expired")

			needList = true
		case err != nil:
			retries++
			c.logger.Error("watch failed", "resourceVersion", from, "error", err, "retries", retries)
			c.metrics.RecordWatchRestart(ctx, "error")
			c.wait(ctx, retries)
		default:
			c.logger.Debug("watch closed, restarting", "resourceVersion", from)
			c.metrics.RecordWatchRestart(ctx, "closed")

			retries = 0
		}
	}

	return nil
}

// relist replaces the cache content with a fresh list and notifies the
// difference.
func (c *Cache) relist(ctx context.Context) error {
	list, err := c.cfg.Store.List(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list resources")
	}

	changes := c.replace(list)
	c.metrics.RecordRelist(ctx)
	c.metrics.RecordCacheObjects(ctx, c.Len())

	c.logger.Debug("relisted",
		"resourceVersion", list.ResourceVersion,
		"items", len(list.Items),
		"changes", len(changes),
	)

	c.syncedOnce.Do(func() {
		c.synced.Store(true)
		close(c.syncedCh)
		c.logger.Info("cache synced", "items", len(list.Items), "resourceVersion", list.ResourceVersion)
	})

	for _, ch := range changes {
		c.cfg.Handler.OnChange(ch.key, ch.kind)
	}

	return nil
}

type change struct {
	key  resource.Key
	kind ChangeKind
}

func (c *Cache) replace(list *store.ListResult) []change {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[resource.Key]*resource.Snapshot, len(list.Items))

	var changes []change

	for _, snap := range list.Items {
		current, ok := c.items[snap.Key]

		switch {
		case !ok:
			next[snap.Key] = snap.DeepCopy()
			changes = append(changes, change{key: snap.Key, kind: Added})
		case resource.IsNewer(snap.ResourceVersion, current.ResourceVersion):
			next[snap.Key] = snap.DeepCopy()
			changes = append(changes, change{key: snap.Key, kind: Modified})
		default:
			next[snap.Key] = current
		}
	}

	for key := range c.items {
		if _, ok := next[key]; !ok {
			changes = append(changes, change{key: key, kind: Deleted})
		}
	}

	c.items = next
	c.version = list.ResourceVersion

	slices.SortFunc(changes, func(a, b change) int {
		return strings.Compare(a.key.String(), b.key.String())
	})

	return changes
}

// watch follows one watch stream until it ends. A nil return means the
// stream closed cleanly and can be resumed from the last known version.
func (c *Cache) watch(ctx context.Context, from string) error {
	stream, err := c.cfg.Store.Watch(ctx, from)
	if err != nil {
		return errors.Wrapf(err, "failed to start watch at %q", from)
	}
	defer stream.Stop()

	c.logger.Debug("watch started", "resourceVersion", from)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-stream.Events():
			if !ok {
				return nil
			}

			if event.Type == store.Error {
				return event.Err
			}

			c.apply(ctx, event)
		}
	}
}

// apply folds one watch event into the cache and notifies any real change.
func (c *Cache) apply(ctx context.Context, event store.Event) {
	if event.Snapshot == nil {
		return
	}

	var (
		kind    ChangeKind
		changed bool
	)

	c.mu.Lock()

	snap := event.Snapshot
	current, exists := c.items[snap.Key]

	switch event.Type {
	case store.Added, store.Modified:
		if exists && !resource.IsNewer(snap.ResourceVersion, current.ResourceVersion) {
			c.logger.Debug("ignoring stale event",
				"key", snap.Key.String(),
				"type", string(event.Type),
				"resourceVersion", snap.ResourceVersion,
				"cachedResourceVersion", current.ResourceVersion,
			)

			break
		}

		c.items[snap.Key] = snap.DeepCopy()
		changed = true

		kind = Modified
		if !exists {
			kind = Added
		}
	case store.Deleted:
		if !exists || resource.IsNewer(current.ResourceVersion, snap.ResourceVersion) {
			break
		}

		delete(c.items, snap.Key)
		changed = true
		kind = Deleted
	case store.Bookmark:
	}

	if resource.IsNewer(snap.ResourceVersion, c.version) {
		c.version = snap.ResourceVersion
	}

	count := len(c.items)
	c.mu.Unlock()

	if !changed {
		return
	}

	c.metrics.RecordCacheObjects(ctx, count)
	c.cfg.Handler.OnChange(snap.Key, kind)
}

func (c *Cache) resyncLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.ResyncPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			keys := c.Keys()
			c.logger.Debug("resync", "keys", len(keys))

			for _, key := range keys {
				c.cfg.Handler.OnChange(key, Resync)
			}
		}
	}
}

// retryWait doubles from RetryBase on every consecutive failure up to RetryMax.
func (c *Cache) retryWait(retries int) time.Duration {
	wait := c.cfg.RetryBase

	for i := 1; i < retries && wait < c.cfg.RetryMax; i++ {
		wait *= 2
	}

	return min(wait, c.cfg.RetryMax)
}

func (c *Cache) wait(ctx context.Context, retries int) {
	select {
	case <-ctx.Done():
	case <-c.clock.After(c.retryWait(retries)):
	}
}
