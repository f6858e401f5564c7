package resource

import (
	"strings"

	"github.com/cockroachdb/errors"
	"k8s.io/apimachinery/pkg/types"
)

// Key identifies a resource by namespace and name. Namespace is empty for
// cluster-scoped resources.
type Key struct {
	Namespace string
	Name      string
}

// NewKey returns the Key for a namespaced resource.
func NewKey(namespace, name string) Key {
	return Key{Namespace: namespace, Name: name}
}

// ClusterKey returns the Key for a cluster-scoped resource.
func ClusterKey(name string) Key {
	return Key{Name: name}
}

// String renders the key as "namespace/name", or "name" when cluster-scoped.
func (k Key) String() string {
	if k.Namespace == "" {
		return k.Name
	}

	return k.Namespace + "/" + k.Name
}

// IsClusterScoped reports whether the key has no namespace.
func (k Key) IsClusterScoped() bool {
	return k.Namespace == ""
}

// NamespacedName converts the key to the apimachinery equivalent.
func (k Key) NamespacedName() types.NamespacedName {
	return types.NamespacedName{Namespace: k.Namespace, Name: k.Name}
}

// ParseKey is the inverse of Key.String.
//
//nolint:wrapcheck // errors.Newf creates new errors
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")

	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return Key{}, errors.New("empty resource key")
		}

		return ClusterKey(parts[0]), nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return Key{}, errors.Newf("malformed resource key %q", s)
		}

		return NewKey(parts[0], parts[1]), nil
	default:
		return Key{}, errors.Newf("malformed resource key %q", s)
	}
}
