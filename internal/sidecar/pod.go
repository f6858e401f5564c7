package sidecar

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"

	"github.com/nais/hahaha/internal/resource"
)

const (
	// AppLabel names the main container.
	AppLabel = "app"

	// JobNameLabel is set by the Job controller on the pods it creates.
	JobNameLabel = "job-name"
)

// Pod is the part of a pod snapshot this package looks at.
type Pod struct {
	Key    resource.Key
	UID    string
	Labels map[string]string
	Spec   corev1.PodSpec
	Status corev1.PodStatus
}

// ParsePod decodes the spec and status payloads of snapshot.
func ParsePod(snapshot *resource.Snapshot) (*Pod, error) {
	pod := &Pod{Key: snapshot.Key, UID: snapshot.UID, Labels: snapshot.Labels}

	if len(snapshot.Spec) > 0 {
		if err := json.Unmarshal(snapshot.Spec, &pod.Spec); err != nil {
			return nil, errors.Wrapf(err, "failed to decode spec of pod %s", snapshot.Key)
		}
	}

	if len(snapshot.Status) > 0 {
		if err := json.Unmarshal(snapshot.Status, &pod.Status); err != nil {
			return nil, errors.Wrapf(err, "failed to decode status of pod %s", snapshot.Key)
		}
	}

	return pod, nil
}

// MainContainer returns the name of the container the pod exists for.
func (p *Pod) MainContainer() string {
	if name := p.Labels[AppLabel]; name != "" {
		for _, container := range p.Spec.Containers {
			if container.Name == name {
				return name
			}
		}
	}

	if len(p.Spec.Containers) == 0 {
		return ""
	}

	return p.Spec.Containers[0].Name
}

// JobName identifies the workload in metrics.
func (p *Pod) JobName() string {
	if name := p.Labels[JobNameLabel]; name != "" {
		return name
	}

	return p.Key.Name
}

// RunningSidecars returns the containers still running after the main
// container terminated, in status order. It is empty while the main
// container is running or has not been reported yet.
func (p *Pod) RunningSidecars() []string {
	main := p.MainContainer()
	if main == "" {
		return nil
	}

	terminated := false

	for _, status := range p.Status.ContainerStatuses {
		if status.Name == main {
			terminated = status.State.Terminated != nil

			break
		}
	}

	if !terminated {
		return nil
	}

	var running []string

	for _, status := range p.Status.ContainerStatuses {
		if status.Name != main && status.State.Running != nil {
			running = append(running, status.Name)
		}
	}

	return running
}
