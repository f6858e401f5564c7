package leader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/nais/hahaha/internal/store"
)

func TestKubeLeaseClient(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clientset := fake.NewSimpleClientset()
	client := NewKubeLeaseClient(clientset.CoordinationV1(), "nais-system", "hahaha")

	assert.Equal(t, "nais-system/hahaha", client.Describe())

	_, err := client.Get(ctx)
	require.True(t, store.IsNotFound(err), "missing lease must be classified as not found")

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	lease := &Lease{
		Holder:      "pod-a",
		AcquiredAt:  now,
		RenewTime:   now,
		Duration:    15 * time.Second,
		Transitions: 2,
	}

	_, err = client.Create(ctx, lease)
	require.NoError(t, err)

	got, err := client.Get(ctx)
	require.NoError(t, err)
	assert.True(t, lease.Equal(got), "round trip through the Lease object: got %+v", got)

	_, err = client.Create(ctx, lease)
	require.True(t, store.IsConflict(err), "second create must be a conflict")

	obj, err := clientset.CoordinationV1().Leases("nais-system").Get(ctx, "hahaha", metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, obj.Spec.LeaseDurationSeconds)
	assert.Equal(t, int32(15), *obj.Spec.LeaseDurationSeconds)
	assert.Equal(t, "pod-a", *obj.Spec.HolderIdentity)
}

func TestKubeLeaseClient_ReleasedHolder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clientset := fake.NewSimpleClientset()
	client := NewKubeLeaseClient(clientset.CoordinationV1(), "default", "hahaha")

	created, err := client.Create(ctx, &Lease{Holder: "pod-a", Duration: 15 * time.Second})
	require.NoError(t, err)

	released := &Lease{Duration: time.Second, Version: created.Version}
	_, err = client.Update(ctx, released)
	require.NoError(t, err)

	got, err := client.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.Holder)
	assert.Equal(t, time.Second, got.Duration)
	assert.True(t, got.AcquiredAt.IsZero())
}
