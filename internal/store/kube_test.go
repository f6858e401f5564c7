package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"

	"github.com/nais/hahaha/internal/resource"
)

var podsGVR = schema.GroupVersionResource{Version: "v1", Resource: "pods"}

func testPod(namespace, name string, labels map[string]string) *corev1.Pod {
	return &corev1.Pod{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			Namespace:       namespace,
			Labels:          labels,
			ResourceVersion: "7",
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: "main", Image: "busybox"}},
		},
	}
}

func TestKube_ListAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := dynamicfake.NewSimpleDynamicClient(clientgoscheme.Scheme,
		testPod("default", "job-1", map[string]string{"nais.io/ginuudan": "enabled"}),
		testPod("default", "job-2", map[string]string{"nais.io/ginuudan": "enabled"}),
	)

	kube := NewKube(client, KubeConfig{Resource: podsGVR})

	list, err := kube.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list.Items, 2)

	snap, err := kube.Get(ctx, resource.NewKey("default", "job-1"))
	require.NoError(t, err)
	assert.Equal(t, "enabled", snap.Labels["nais.io/ginuudan"])
	assert.Contains(t, string(snap.Spec), `"name":"main"`)

	_, err = kube.Get(ctx, resource.NewKey("default", "missing"))
	assert.True(t, IsNotFound(err))
}

func TestKube_DeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := dynamicfake.NewSimpleDynamicClient(clientgoscheme.Scheme, testPod("default", "job-1", nil))
	kube := NewKube(client, KubeConfig{Resource: podsGVR})

	require.NoError(t, kube.Delete(ctx, resource.NewKey("default", "job-1")))
	require.NoError(t, kube.Delete(ctx, resource.NewKey("default", "job-1")))
}

func TestFromUnstructured(t *testing.T) {
	t.Parallel()

	now := metav1.Now()
	obj := &unstructured.Unstructured{}
	obj.SetNamespace("default")
	obj.SetName("widget-1")
	obj.SetResourceVersion("5")
	obj.SetGeneration(3)
	obj.SetFinalizers([]string{"hahaha.nais.io/cleanup"})
	obj.SetDeletionTimestamp(&now)
	obj.Object["spec"] = map[string]any{"size": int64(2)}

	snap, err := FromUnstructured(obj)
	require.NoError(t, err)

	assert.Equal(t, resource.NewKey("default", "widget-1"), snap.Key)
	assert.Equal(t, "5", snap.ResourceVersion)
	assert.Equal(t, int64(3), snap.Generation)
	assert.True(t, snap.IsTerminating())
	assert.True(t, snap.HasFinalizer("hahaha.nais.io/cleanup"))
	assert.JSONEq(t, `{"size":2}`, string(snap.Spec))
	assert.Nil(t, snap.Status)
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	bookmark := &unstructured.Unstructured{}
	bookmark.SetResourceVersion("42")

	event := translate(watch.Event{Type: watch.Bookmark, Object: bookmark})
	assert.Equal(t, Bookmark, event.Type)
	assert.Equal(t, "42", event.Snapshot.ResourceVersion)

	gone := &metav1.Status{
		Status: metav1.StatusFailure,
		Code:   410,
		Reason: metav1.StatusReasonExpired,
	}

	event = translate(watch.Event{Type: watch.Error, Object: gone})
	assert.Equal(t, Error, event.Type)
	assert.True(t, IsVersionTooOld(event.Err))
}
