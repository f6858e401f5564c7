package sidecar

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	eventsv1 "k8s.io/api/events/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	eventsclient "k8s.io/client-go/kubernetes/typed/events/v1"
	"k8s.io/utils/clock"
)

// ReportingController is the controller name on published events.
const ReportingController = "hahaha"

// reasonKilling is used for both outcomes, as the kubelet does.
const reasonKilling = "Killing"

// Event is one outcome to publish on a pod.
type Event struct {
	Type string
	Note string
}

// Recorder publishes events on pods.
type Recorder interface {
	Publish(ctx context.Context, pod *Pod, event Event) error
}

// KubeRecorder creates events.k8s.io/v1 Events.
type KubeRecorder struct {
	client   eventsclient.EventsGetter
	instance string
	clock    clock.PassiveClock
}

var _ Recorder = (*KubeRecorder)(nil)

// NewKubeRecorder returns a Recorder reporting as instance.
func NewKubeRecorder(client eventsclient.EventsGetter, instance string) *KubeRecorder {
	return &KubeRecorder{client: client, instance: instance, clock: clock.RealClock{}}
}

// Publish implements Recorder.
func (r *KubeRecorder) Publish(ctx context.Context, pod *Pod, event Event) error {
	now := r.clock.Now()

	obj := &eventsv1.Event{
		ObjectMeta: metav1.ObjectMeta{
			// Same naming scheme as client-go's event recorder.
			Name:      pod.Key.Name + "." + strconv.FormatInt(now.UnixNano(), 16),
			Namespace: pod.Key.Namespace,
		},
		EventTime:           metav1.NewMicroTime(now),
		ReportingController: ReportingController,
		ReportingInstance:   r.instance,
		Action:              reasonKilling,
		Reason:              reasonKilling,
		Type:                event.Type,
		Note:                event.Note,
		Regarding: corev1.ObjectReference{
			APIVersion: "v1",
			Kind:       "Pod",
			Namespace:  pod.Key.Namespace,
			Name:       pod.Key.Name,
			UID:        types.UID(pod.UID),
		},
	}

	if _, err := r.client.Events(pod.Key.Namespace).Create(ctx, obj, metav1.CreateOptions{}); err != nil {
		return errors.Wrapf(err, "failed to publish event on pod %s", pod.Key)
	}

	return nil
}

func successEvent(container string) Event {
	return Event{Type: corev1.EventTypeNormal, Note: "Successfully shut down container " + container}
}

func failureEvent(container string) Event {
	return Event{Type: corev1.EventTypeWarning, Note: "Unsuccessfully shut down container " + container}
}
