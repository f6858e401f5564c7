package sidecar

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/transport/spdy"

	"github.com/nais/hahaha/internal/config"
	"github.com/nais/hahaha/internal/resource"
)

const (
	maxResponseBody = 4 << 10
	requestTimeout  = 30 * time.Second
)

// Shutdowner performs a shutdown action against one container.
type Shutdowner interface {
	Shutdown(ctx context.Context, pod resource.Key, container string, action config.Action) error
}

// ShutdownerFunc adapts a function to Shutdowner.
type ShutdownerFunc func(ctx context.Context, pod resource.Key, container string, action config.Action) error

// Shutdown calls f.
func (f ShutdownerFunc) Shutdown(ctx context.Context, pod resource.Key, container string, action config.Action) error {
	return f(ctx, pod, container, action)
}

// KubeShutdowner runs actions through the pods/exec and pods/portforward
// subresources.
type KubeShutdowner struct {
	config *rest.Config
	client kubernetes.Interface
}

var _ Shutdowner = (*KubeShutdowner)(nil)

// NewKubeShutdowner returns a Shutdowner for the cluster behind cfg.
func NewKubeShutdowner(cfg *rest.Config, client kubernetes.Interface) *KubeShutdowner {
	return &KubeShutdowner{config: cfg, client: client}
}

// Shutdown implements Shutdowner.
//
//nolint:wrapcheck // errors.Newf creates new errors
func (k *KubeShutdowner) Shutdown(ctx context.Context, pod resource.Key, container string, action config.Action) error {
	switch action.Type {
	case config.ActionExec:
		return k.exec(ctx, pod, container, action.Command)
	case config.ActionPortForward:
		return k.portForward(ctx, pod, action)
	default:
		return errors.Newf("unknown action type %q", action.Type)
	}
}

func (k *KubeShutdowner) exec(ctx context.Context, pod resource.Key, container string, command []string) error {
	req := k.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(pod.Namespace).
		Name(pod.Name).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(k.config, http.MethodPost, req.URL())
	if err != nil {
		return errors.Wrap(err, "failed to create exec stream")
	}

	var stdout, stderr bytes.Buffer

	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		return errors.Wrapf(err, "exec `%s` in %s@%s failed: %s",
			strings.Join(command, " "), container, pod, strings.TrimSpace(stderr.String()))
	}

	return nil
}

func (k *KubeShutdowner) portForward(ctx context.Context, pod resource.Key, action config.Action) error {
	transport, upgrader, err := spdy.RoundTripperFor(k.config)
	if err != nil {
		return errors.Wrap(err, "failed to create port-forward transport")
	}

	url := k.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(pod.Namespace).
		Name(pod.Name).
		SubResource("portforward").
		URL()

	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, url)

	stop := make(chan struct{})
	ready := make(chan struct{})

	forwarder, err := portforward.NewOnAddresses(dialer, []string{"127.0.0.1"},
		[]string{"0:" + strconv.Itoa(int(action.Port))}, stop, ready, io.Discard, io.Discard)
	if err != nil {
		return errors.Wrap(err, "failed to create port forwarder")
	}

	forwardErr := make(chan error, 1)

	go func() {
		forwardErr <- forwarder.ForwardPorts()
	}()

	defer close(stop)

	select {
	case <-ready:
	case err := <-forwardErr:
		return errors.Wrapf(err, "port-forward to %s:%d failed", pod, action.Port)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "port-forward interrupted")
	}

	ports, err := forwarder.GetPorts()
	if err != nil {
		return errors.Wrapf(err, "port-forward to %s:%d has no local port", pod, action.Port)
	}

	if len(ports) == 0 {
		return errors.Newf("port-forward to %s:%d has no local port", pod, action.Port)
	}

	return SendRequest(ctx, "127.0.0.1:"+strconv.Itoa(int(ports[0].Local)), action)
}

// SendRequest issues the HTTP request of a port-forward action against addr.
// Any status other than 200 is a failure.
func SendRequest(ctx context.Context, addr string, action config.Action) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, action.Method, "http://"+addr+action.Path, http.NoBody)
	if err != nil {
		return errors.Wrap(err, "failed to build shutdown request")
	}

	req.Host = "127.0.0.1"
	req.Close = true

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", action.Method, action.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

		return errors.Newf("%s %s returned %d: %s",
			action.Method, action.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}
