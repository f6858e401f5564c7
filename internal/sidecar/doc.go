// Package sidecar shuts down sidecar containers that keep a pod alive after
// its main container has exited.
//
// A pod opts in with the label nais.io/ginuudan=enabled. The main container is
// the one named by the pod's app label, or the first container. Once it has
// terminated, every other container still running is sent the shutdown action
// registered for its name, and the outcome is published as an Event on the pod.
package sidecar
