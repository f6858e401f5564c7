package leader

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	coordinationv1 "k8s.io/api/coordination/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	coordinationclient "k8s.io/client-go/kubernetes/typed/coordination/v1"
	"k8s.io/utils/ptr"

	"github.com/nais/hahaha/internal/store"
)

// KubeLeaseClient stores the Lease as a coordination.k8s.io/v1 Lease object.
type KubeLeaseClient struct {
	client    coordinationclient.LeasesGetter
	namespace string
	name      string
}

var _ LeaseClient = (*KubeLeaseClient)(nil)

// NewKubeLeaseClient returns a client for the Lease namespace/name.
func NewKubeLeaseClient(client coordinationclient.LeasesGetter, namespace, name string) *KubeLeaseClient {
	return &KubeLeaseClient{client: client, namespace: namespace, name: name}
}

// Get implements LeaseClient.
func (c *KubeLeaseClient) Get(ctx context.Context) (*Lease, error) {
	obj, err := c.client.Leases(c.namespace).Get(ctx, c.name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(store.FromAPIError(err), "failed to get lease %s", c.Describe())
	}

	return fromObject(obj), nil
}

// Create implements LeaseClient.
func (c *KubeLeaseClient) Create(ctx context.Context, lease *Lease) (*Lease, error) {
	obj := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: c.name, Namespace: c.namespace},
		Spec:       toSpec(lease),
	}

	created, err := c.client.Leases(c.namespace).Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return nil, errors.Wrapf(store.FromAPIError(err), "failed to create lease %s", c.Describe())
	}

	return fromObject(created), nil
}

// Update implements LeaseClient. The resourceVersion in lease.Version is
// sent along, so the API server rejects the write if the Lease moved on.
func (c *KubeLeaseClient) Update(ctx context.Context, lease *Lease) (*Lease, error) {
	obj := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:            c.name,
			Namespace:       c.namespace,
			ResourceVersion: lease.Version,
		},
		Spec: toSpec(lease),
	}

	updated, err := c.client.Leases(c.namespace).Update(ctx, obj, metav1.UpdateOptions{})
	if err != nil {
		return nil, errors.Wrapf(store.FromAPIError(err), "failed to update lease %s", c.Describe())
	}

	return fromObject(updated), nil
}

// Describe implements LeaseClient.
func (c *KubeLeaseClient) Describe() string {
	return c.namespace + "/" + c.name
}

func toSpec(lease *Lease) coordinationv1.LeaseSpec {
	spec := coordinationv1.LeaseSpec{
		LeaseDurationSeconds: ptr.To(int32(lease.Duration / time.Second)),
		LeaseTransitions:     ptr.To(lease.Transitions),
	}

	if lease.Holder != "" {
		spec.HolderIdentity = ptr.To(lease.Holder)
	}

	if !lease.AcquiredAt.IsZero() {
		spec.AcquireTime = &metav1.MicroTime{Time: lease.AcquiredAt}
	}

	if !lease.RenewTime.IsZero() {
		spec.RenewTime = &metav1.MicroTime{Time: lease.RenewTime}
	}

	return spec
}

func fromObject(obj *coordinationv1.Lease) *Lease {
	lease := &Lease{Version: obj.ResourceVersion}

	if obj.Spec.HolderIdentity != nil {
		lease.Holder = *obj.Spec.HolderIdentity
	}

	if obj.Spec.LeaseDurationSeconds != nil {
		lease.Duration = time.Duration(*obj.Spec.LeaseDurationSeconds) * time.Second
	}

	if obj.Spec.LeaseTransitions != nil {
		lease.Transitions = *obj.Spec.LeaseTransitions
	}

	if obj.Spec.AcquireTime != nil {
		lease.AcquiredAt = obj.Spec.AcquireTime.Time
	}

	if obj.Spec.RenewTime != nil {
		lease.RenewTime = obj.Spec.RenewTime.Time
	}

	return lease
}
