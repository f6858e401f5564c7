package store

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"

	"github.com/nais/hahaha/internal/resource"
)

// minWatchTimeout spreads watch reconnects over [minWatchTimeout, 2*minWatchTimeout]
// the same way client-go reflectors do.
const minWatchTimeout = 5 * time.Minute

// KubeConfig selects the resources a Kube store serves.
type KubeConfig struct {
	// Resource is the GroupVersionResource to manage, e.g. core/v1 pods.
	Resource schema.GroupVersionResource

	// Namespace restricts List and Watch to one namespace. Empty means all.
	Namespace string

	// LabelSelector restricts List and Watch. Empty means everything.
	LabelSelector string
}

// Kube is a Store backed by a Kubernetes API server.
type Kube struct {
	client dynamic.Interface
	cfg    KubeConfig
}

var _ Store = (*Kube)(nil)

// NewKube returns a Store for cfg.Resource using the dynamic client.
func NewKube(client dynamic.Interface, cfg KubeConfig) *Kube {
	return &Kube{client: client, cfg: cfg}
}

func (k *Kube) collection() dynamic.ResourceInterface {
	if k.cfg.Namespace == "" {
		return k.client.Resource(k.cfg.Resource)
	}

	return k.client.Resource(k.cfg.Resource).Namespace(k.cfg.Namespace)
}

func (k *Kube) object(key resource.Key) dynamic.ResourceInterface {
	if key.Namespace == "" {
		return k.client.Resource(k.cfg.Resource)
	}

	return k.client.Resource(k.cfg.Resource).Namespace(key.Namespace)
}

// List implements Store.
func (k *Kube) List(ctx context.Context) (*ListResult, error) {
	list, err := k.collection().List(ctx, metav1.ListOptions{LabelSelector: k.cfg.LabelSelector})
	if err != nil {
		return nil, errors.Wrapf(FromAPIError(err), "failed to list %s", k.cfg.Resource.Resource)
	}

	items := make([]*resource.Snapshot, 0, len(list.Items))

	for idx := range list.Items {
		snap, convErr := FromUnstructured(&list.Items[idx])
		if convErr != nil {
			return nil, convErr
		}

		items = append(items, snap)
	}

	return &ListResult{Items: items, ResourceVersion: list.GetResourceVersion()}, nil
}

// Watch implements Store.
func (k *Kube) Watch(ctx context.Context, resourceVersion string) (Watch, error) {
	timeoutSeconds := int64(minWatchTimeout.Seconds() * (rand.Float64() + 1.0))

	base, err := k.collection().Watch(ctx, metav1.ListOptions{
		LabelSelector:       k.cfg.LabelSelector,
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: true,
		TimeoutSeconds:      &timeoutSeconds,
	})
	if err != nil {
		return nil, errors.Wrapf(FromAPIError(err), "failed to watch %s from %q", k.cfg.Resource.Resource, resourceVersion)
	}

	kw := &kubeWatch{base: base, out: make(chan Event)}
	go kw.run(ctx)

	return kw, nil
}

// Get implements Store.
func (k *Kube) Get(ctx context.Context, key resource.Key) (*resource.Snapshot, error) {
	obj, err := k.object(key).Get(ctx, key.Name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(FromAPIError(err), "failed to get %s", key)
	}

	return FromUnstructured(obj)
}

// Update implements Store. Metadata and spec are sent as a JSON merge patch
// that carries metadata.resourceVersion, which the API server enforces as an
// optimistic lock.
func (k *Kube) Update(ctx context.Context, snapshot *resource.Snapshot) (*resource.Snapshot, error) {
	metadata := map[string]any{
		"resourceVersion": snapshot.ResourceVersion,
		"finalizers":      nonNil(snapshot.Finalizers),
	}

	// A null map in a merge patch deletes every key, so absent maps are
	// left out rather than sent.
	if snapshot.Labels != nil {
		metadata["labels"] = snapshot.Labels
	}

	if snapshot.Annotations != nil {
		metadata["annotations"] = snapshot.Annotations
	}

	patch := map[string]any{"metadata": metadata}

	if len(snapshot.Spec) > 0 {
		patch["spec"] = json.RawMessage(snapshot.Spec)
	}

	return k.patch(ctx, snapshot.Key, patch)
}

// UpdateStatus implements Store through the status subresource.
func (k *Kube) UpdateStatus(ctx context.Context, snapshot *resource.Snapshot) (*resource.Snapshot, error) {
	patch := map[string]any{
		"metadata": map[string]any{
			"resourceVersion": snapshot.ResourceVersion,
		},
		"status": json.RawMessage(snapshot.Status),
	}

	return k.patch(ctx, snapshot.Key, patch, "status")
}

// Delete implements Store.
func (k *Kube) Delete(ctx context.Context, key resource.Key) error {
	err := k.object(key).Delete(ctx, key.Name, metav1.DeleteOptions{})
	if err != nil {
		marked := FromAPIError(err)
		if IsNotFound(marked) {
			return nil
		}

		return errors.Wrapf(marked, "failed to delete %s", key)
	}

	return nil
}

func (k *Kube) patch(
	ctx context.Context,
	key resource.Key,
	patch map[string]any,
	subresources ...string,
) (*resource.Snapshot, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode patch")
	}

	obj, err := k.object(key).Patch(ctx, key.Name, types.MergePatchType, body, metav1.PatchOptions{}, subresources...)
	if err != nil {
		return nil, errors.Wrapf(FromAPIError(err), "failed to patch %s", key)
	}

	return FromUnstructured(obj)
}

// FromUnstructured converts an API object to a Snapshot. The spec and status
// fields become opaque JSON payloads.
func FromUnstructured(obj *unstructured.Unstructured) (*resource.Snapshot, error) {
	snap := &resource.Snapshot{
		Key:             resource.NewKey(obj.GetNamespace(), obj.GetName()),
		UID:             string(obj.GetUID()),
		ResourceVersion: obj.GetResourceVersion(),
		Generation:      obj.GetGeneration(),
		Labels:          obj.GetLabels(),
		Annotations:     obj.GetAnnotations(),
		Finalizers:      obj.GetFinalizers(),
	}

	if ts := obj.GetDeletionTimestamp(); ts != nil {
		t := ts.Time
		snap.DeletionTimestamp = &t
	}

	var err error

	if snap.Spec, err = encodeField(obj, "spec"); err != nil {
		return nil, err
	}

	if snap.Status, err = encodeField(obj, "status"); err != nil {
		return nil, err
	}

	return snap, nil
}

func encodeField(obj *unstructured.Unstructured, field string) (json.RawMessage, error) {
	value, ok := obj.Object[field]
	if !ok || value == nil {
		return nil, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s of %s/%s", field, obj.GetNamespace(), obj.GetName())
	}

	return raw, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}

	return values
}

type kubeWatch struct {
	base watch.Interface
	out  chan Event
}

func (w *kubeWatch) Events() <-chan Event {
	return w.out
}

func (w *kubeWatch) Stop() {
	w.base.Stop()
}

func (w *kubeWatch) run(ctx context.Context) {
	defer close(w.out)
	defer w.base.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-w.base.ResultChan():
			if !ok {
				return
			}

			event := translate(raw)

			select {
			case w.out <- event:
			case <-ctx.Done():
				return
			}

			if event.Type == Error {
				return
			}
		}
	}
}

//nolint:wrapcheck // errors.Newf creates new errors
func translate(raw watch.Event) Event {
	switch raw.Type {
	case watch.Added, watch.Modified, watch.Deleted:
		obj, ok := raw.Object.(*unstructured.Unstructured)
		if !ok {
			return Event{Type: Error, Err: errors.Newf("unexpected watch object %T", raw.Object)}
		}

		snap, err := FromUnstructured(obj)
		if err != nil {
			return Event{Type: Error, Err: err}
		}

		return Event{Type: EventType(raw.Type), Snapshot: snap}
	case watch.Bookmark:
		obj, ok := raw.Object.(*unstructured.Unstructured)
		if !ok {
			return Event{Type: Error, Err: errors.Newf("unexpected bookmark object %T", raw.Object)}
		}

		return Event{Type: Bookmark, Snapshot: &resource.Snapshot{ResourceVersion: obj.GetResourceVersion()}}
	case watch.Error:
		//nolint:wrapcheck // apierrors builds typed status errors
		return Event{Type: Error, Err: FromAPIError(apierrors.FromObject(raw.Object))}
	default:
		return Event{Type: Error, Err: errors.Newf("unsupported watch event type %q", raw.Type)}
	}
}
