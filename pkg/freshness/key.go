package freshness

import (
	"sort"
	"strings"
)

// Key builds a cache key of the form
// <namespace>:<subresource>:<dim1>=<val1>:<dim2>=<val2>... with dimensions
// sorted by name, so equal inputs always produce the same key regardless of
// map iteration order.
func Key(namespace, subresource string, dims map[string]string) string {
	parts := make([]string, 0, 2+len(dims))
	parts = append(parts, namespace, subresource)

	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, name+"="+dims[name])
	}
	return strings.Join(parts, ":")
}

// Predicate matches cache keys for predicate-based invalidation.
type Predicate func(key string) bool

// DimPredicate matches every key carrying the given dimension value, e.g.
// DimPredicate("date", "2024-05-01") matches all keys for that date across
// namespaces.
func DimPredicate(name, value string) Predicate {
	needle := name + "=" + value
	return func(key string) bool {
		return strings.Contains(key, needle)
	}
}

// NamespacePredicate matches every key in the given namespace.
func NamespacePredicate(namespace string) Predicate {
	prefix := namespace + ":"
	return func(key string) bool {
		return strings.HasPrefix(key, prefix)
	}
}
