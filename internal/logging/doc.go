// Package logging builds the process logger and filters it per module.
//
// A filter expression such as "info,kube=warn,cache=debug" sets a default
// level and per-module overrides. A module is whatever a logger was tagged
// with through Module, carried as the "logger" attribute. Client library
// output from client-go and controller-runtime is routed into the same
// handler under the "kube" module.
package logging
