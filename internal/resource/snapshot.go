package resource

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Snapshot is a versioned copy of one resource.
//
// Spec and Status are opaque to everything except the per-kind reconcile
// logic. Generation is bumped by the store only when Spec changes.
type Snapshot struct {
	Key               Key
	UID               string
	ResourceVersion   string
	Generation        int64
	Labels            map[string]string
	Annotations       map[string]string
	Finalizers        []string
	DeletionTimestamp *time.Time
	Spec              json.RawMessage
	Status            json.RawMessage
}

// IsTerminating reports whether deletion has been requested for the resource.
func (s *Snapshot) IsTerminating() bool {
	return s.DeletionTimestamp != nil
}

// HasFinalizer reports whether the finalizer is present.
func (s *Snapshot) HasFinalizer(finalizer string) bool {
	return slices.Contains(s.Finalizers, finalizer)
}

// WithFinalizer returns a copy of the snapshot with the finalizer appended, or
// an unchanged copy when it is already present.
func (s *Snapshot) WithFinalizer(finalizer string) *Snapshot {
	out := s.DeepCopy()
	if !out.HasFinalizer(finalizer) {
		out.Finalizers = append(out.Finalizers, finalizer)
	}

	return out
}

// WithoutFinalizer returns a copy of the snapshot with every occurrence of the
// finalizer removed.
func (s *Snapshot) WithoutFinalizer(finalizer string) *Snapshot {
	out := s.DeepCopy()
	out.Finalizers = slices.DeleteFunc(out.Finalizers, func(f string) bool {
		return f == finalizer
	})

	return out
}

// SameSpec reports whether both snapshots carry byte-identical spec payloads.
func (s *Snapshot) SameSpec(other *Snapshot) bool {
	return bytes.Equal(s.Spec, other.Spec)
}

// DeepCopy returns a copy that shares no mutable state with s.
func (s *Snapshot) DeepCopy() *Snapshot {
	if s == nil {
		return nil
	}

	out := *s
	out.Labels = maps.Clone(s.Labels)
	out.Annotations = maps.Clone(s.Annotations)
	out.Finalizers = slices.Clone(s.Finalizers)
	out.Spec = bytes.Clone(s.Spec)
	out.Status = bytes.Clone(s.Status)

	if s.DeletionTimestamp != nil {
		ts := *s.DeletionTimestamp
		out.DeletionTimestamp = &ts
	}

	return &out
}
