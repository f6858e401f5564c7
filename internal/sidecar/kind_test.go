package sidecar

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/nais/hahaha/internal/config"
	"github.com/nais/hahaha/internal/metrics"
	"github.com/nais/hahaha/internal/reconcile"
	"github.com/nais/hahaha/internal/resource"
	"github.com/nais/hahaha/internal/store"
)

type recordingCollector struct {
	*metrics.NoopCollector

	mu          sync.Mutex
	shutdowns   []string
	failed      []string
	unsupported []string
	eventPosts  int
}

func (c *recordingCollector) RecordSidecarShutdown(_ context.Context, container, job, ns string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.shutdowns = append(c.shutdowns, ns+"/"+job+"/"+container)
}

func (c *recordingCollector) RecordFailedSidecarShutdown(_ context.Context, container, job, ns string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failed = append(c.failed, ns+"/"+job+"/"+container)
}

func (c *recordingCollector) RecordUnsupportedSidecar(_ context.Context, container, job, ns string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unsupported = append(c.unsupported, ns+"/"+job+"/"+container)
}

func (c *recordingCollector) RecordUnsuccessfulEventPost(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.eventPosts++
}

type recordingRecorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingRecorder) Publish(_ context.Context, _ *Pod, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}

	r.events = append(r.events, event)

	return nil
}

type fixture struct {
	kind     *Kind
	clock    *clocktesting.FakeClock
	metrics  *recordingCollector
	recorder *recordingRecorder

	mu      sync.Mutex
	calls   []string
	failFor map[string]error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clock:    clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		metrics:  &recordingCollector{NoopCollector: metrics.NewNoopCollector()},
		recorder: &recordingRecorder{},
		failFor:  map[string]error{},
	}

	f.kind = NewKind(Config{
		Shutdowner: ShutdownerFunc(func(_ context.Context, pod resource.Key, container string, action config.Action) error {
			f.mu.Lock()
			defer f.mu.Unlock()

			f.calls = append(f.calls, pod.String()+"/"+container+": "+action.String())

			return f.failFor[container]
		}),
		Recorder: f.recorder,
		Clock:    f.clock,
		Metrics:  f.metrics,
	})

	return f
}

func finishedJob(t *testing.T, sidecars ...string) *resource.Snapshot {
	t.Helper()

	containers := append([]string{"job"}, sidecars...)
	statuses := []corev1.ContainerStatus{terminated("job")}

	for _, sidecar := range sidecars {
		statuses = append(statuses, running(sidecar))
	}

	return podSnapshot(t, "batch-x7k2p", map[string]string{AppLabel: "job", JobNameLabel: "batch"}, containers, statuses...)
}

// reconcileOnce applies the plan the way the reconciler does.
func (f *fixture) reconcileOnce(t *testing.T, snapshot *resource.Snapshot) (reconcile.Plan, error) {
	t.Helper()

	ctx := context.Background()

	plan, err := f.kind.Diff(ctx, snapshot, nil)
	require.NoError(t, err)

	var errs error

	for _, action := range plan.Actions {
		if applyErr := f.kind.Apply(ctx, snapshot, action); applyErr != nil {
			errs = errors.CombineErrors(errs, applyErr)
		}
	}

	return plan, errs
}

func TestKind_Contract(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	assert.Empty(t, f.kind.Finalizer(), "pods are never blocked from deletion")

	status, write := f.kind.StatusMap(finishedJob(t), reconcile.Outcome{})
	assert.Nil(t, status)
	assert.False(t, write, "pod status belongs to the kubelet")

	require.NoError(t, f.kind.Finalize(context.Background(), finishedJob(t)))
}

func TestKind_NothingToDoWhileMainRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snapshot := podSnapshot(t, "web", map[string]string{AppLabel: "web"}, []string{"web", "istio-proxy"},
		running("web"), running("istio-proxy"))

	plan, err := f.kind.Diff(context.Background(), snapshot, nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Actions)
	assert.Zero(t, plan.RequeueAfter)
}

func TestKind_ShutsDownRunningSidecars(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	plan, err := f.reconcileOnce(t, finishedJob(t, "cloudsql-proxy", "vks-sidecar"))
	require.NoError(t, err)

	require.Len(t, plan.Actions, 2)
	assert.Equal(t, OpShutdown, plan.Actions[0].Op)
	assert.Equal(t, DefaultRecheckAfter, plan.RequeueAfter)

	assert.Equal(t, []string{
		"team/batch-x7k2p/cloudsql-proxy: POST /quitquitquit on port 9091",
		"team/batch-x7k2p/vks-sidecar: exec `/bin/kill -s INT 1`",
	}, f.calls)

	assert.Equal(t, []Event{
		{Type: corev1.EventTypeNormal, Note: "Successfully shut down container cloudsql-proxy"},
		{Type: corev1.EventTypeNormal, Note: "Successfully shut down container vks-sidecar"},
	}, f.recorder.events)

	assert.Equal(t, []string{"team/batch/cloudsql-proxy", "team/batch/vks-sidecar"}, f.metrics.shutdowns)
}

func TestKind_WaitsBeforeAskingAgain(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snapshot := finishedJob(t, "istio-proxy")

	_, err := f.reconcileOnce(t, snapshot)
	require.NoError(t, err)

	plan, err := f.reconcileOnce(t, snapshot)
	require.NoError(t, err)
	assert.Empty(t, plan.Actions, "a sidecar that was just asked gets time to exit")
	assert.Equal(t, DefaultRecheckAfter, plan.RequeueAfter, "but is checked again later")

	f.clock.Step(DefaultRecheckAfter)

	plan, err = f.reconcileOnce(t, snapshot)
	require.NoError(t, err)
	assert.Len(t, plan.Actions, 1, "still running after the grace period")
	assert.Len(t, f.calls, 2)
}

func TestKind_FailedShutdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.failFor["linkerd-proxy"] = errors.New("POST /shutdown returned 503: not ready")

	_, err := f.reconcileOnce(t, finishedJob(t, "linkerd-proxy"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to shut down linkerd-proxy")

	assert.Equal(t, []Event{
		{Type: corev1.EventTypeWarning, Note: "Unsuccessfully shut down container linkerd-proxy"},
	}, f.recorder.events)
	assert.Equal(t, []string{"team/batch/linkerd-proxy"}, f.metrics.failed)
	assert.Empty(t, f.metrics.shutdowns)

	plan, err := f.reconcileOnce(t, finishedJob(t, "linkerd-proxy"))
	require.Error(t, err)
	assert.Len(t, plan.Actions, 1, "failed shutdowns are retried without waiting for the grace period")
}

func TestKind_UnsupportedSidecar(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snapshot := finishedJob(t, "mystery-agent")

	for range 3 {
		plan, err := f.reconcileOnce(t, snapshot)
		require.NoError(t, err)
		assert.Empty(t, plan.Actions)
		assert.Zero(t, plan.RequeueAfter)
	}

	assert.Equal(t, []string{"team/batch/mystery-agent"}, f.metrics.unsupported, "counted once per pod")
	assert.Empty(t, f.calls)
}

func TestKind_RegistryReload(t *testing.T) {
	t.Parallel()

	registry := config.NewRegistry(config.DefaultActions())
	f := newFixture(t)
	f.kind.actions = registry

	snapshot := finishedJob(t, "envoy")

	plan, err := f.kind.Diff(context.Background(), snapshot, nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Actions)

	registry.Replace(map[string]config.Action{
		"envoy": {Type: config.ActionPortForward, Method: "POST", Path: "/quitquitquit", Port: 15000},
	})

	plan, err = f.kind.Diff(context.Background(), snapshot, nil)
	require.NoError(t, err)
	assert.Len(t, plan.Actions, 1)
}

func TestKind_EventPostFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.recorder.err = errors.New("forbidden")

	_, err := f.reconcileOnce(t, finishedJob(t, "istio-proxy"))
	require.NoError(t, err, "a lost event does not fail the shutdown")
	assert.Equal(t, 1, f.metrics.eventPosts)
	assert.Len(t, f.metrics.shutdowns, 1)
}

func TestKind_InvalidPodIsPermanent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snapshot := finishedJob(t)
	snapshot.Status = []byte(`{"containerStatuses":"nope"}`)

	_, err := f.kind.Diff(context.Background(), snapshot, nil)
	require.Error(t, err)
	assert.True(t, reconcile.IsPermanent(err))
}

func TestKind_ApplyRejectsForeignActions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snapshot := finishedJob(t, "istio-proxy")

	err := f.kind.Apply(context.Background(), snapshot, reconcile.Action{Op: reconcile.OpDelete, Target: "istio-proxy"})
	assert.True(t, reconcile.IsPermanent(err))

	err = f.kind.Apply(context.Background(), snapshot, reconcile.Action{Op: OpShutdown, Target: "istio-proxy", Data: 42})
	assert.True(t, reconcile.IsPermanent(err))
}

func TestKind_ThroughReconciler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	mem := store.NewMemory()

	created, err := mem.Create(ctx, finishedJob(t, "cloudsql-proxy"))
	require.NoError(t, err)

	reconciler := reconcile.New(reconcile.Config{Kind: f.kind, Reader: staticReader{created}, Store: mem})

	result := reconciler.Reconcile(ctx, created.Key)
	assert.Equal(t, reconcile.RequeueAfter(DefaultRecheckAfter), result)
	assert.Equal(t, 0, mem.Calls(store.OpUpdateStatus), "no status is written on pods")
	assert.Equal(t, 0, mem.Calls(store.OpUpdate), "no finalizer is added to pods")
	assert.Len(t, f.calls, 1)
}

type staticReader struct{ snapshot *resource.Snapshot }

func (r staticReader) Get(key resource.Key) (*resource.Snapshot, bool) {
	if r.snapshot.Key != key {
		return nil, false
	}

	return r.snapshot.DeepCopy(), true
}

func (r staticReader) List() []*resource.Snapshot {
	return []*resource.Snapshot{r.snapshot.DeepCopy()}
}
