package sidecar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/nais/hahaha/internal/resource"
)

func TestKubeRecorder_Publish(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clientset := fake.NewSimpleClientset()

	recorder := NewKubeRecorder(clientset.EventsV1(), "hahaha-7d9f")
	recorder.clock = clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	pod := &Pod{Key: resource.NewKey("team", "batch-x7k2p"), UID: "uid-1"}

	require.NoError(t, recorder.Publish(ctx, pod, successEvent("istio-proxy")))

	list, err := clientset.EventsV1().Events("team").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)

	event := list.Items[0]
	assert.Equal(t, corev1.EventTypeNormal, event.Type)
	assert.Equal(t, "Killing", event.Reason)
	assert.Equal(t, "Killing", event.Action)
	assert.Equal(t, "Successfully shut down container istio-proxy", event.Note)
	assert.Equal(t, ReportingController, event.ReportingController)
	assert.Equal(t, "hahaha-7d9f", event.ReportingInstance)
	assert.Equal(t, "Pod", event.Regarding.Kind)
	assert.Equal(t, "batch-x7k2p", event.Regarding.Name)
	assert.Equal(t, "uid-1", string(event.Regarding.UID))
	assert.Contains(t, event.Name, "batch-x7k2p.")
}

func TestKubeRecorder_PublishError(t *testing.T) {
	t.Parallel()

	clientset := fake.NewSimpleClientset()
	clientset.PrependReactor("create", "events", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, assert.AnError
	})

	recorder := NewKubeRecorder(clientset.EventsV1(), "hahaha")
	err := recorder.Publish(context.Background(), &Pod{Key: resource.NewKey("team", "p")}, failureEvent("vks-sidecar"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish event on pod team/p")
}
