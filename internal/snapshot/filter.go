package snapshot

import (
	"sort"
	"strings"
)

// NamespaceFilter decides which namespaces are monitored.
type NamespaceFilter struct {
	all     bool
	include map[string]struct{}
	exclude map[string]struct{}
}

// NewNamespaceFilter builds a filter with normalized lookups. When the scope
// names no namespace and does not ask for all of them, "default" is watched.
func NewNamespaceFilter(scope Scope) *NamespaceFilter {
	f := &NamespaceFilter{
		all:     scope.AllNamespaces,
		include: toSet(scope.Namespaces),
		exclude: toSet(scope.ExcludeNamespaces),
	}
	if !f.all && len(f.include) == 0 {
		f.include["default"] = struct{}{}
	}
	return f
}

// All reports whether the filter watches every namespace.
func (f *NamespaceFilter) All() bool {
	return f.all
}

// Allows reports whether pods in ns are monitored.
func (f *NamespaceFilter) Allows(ns string) bool {
	ns = strings.ToLower(ns)
	if _, ok := f.exclude[ns]; ok {
		return false
	}
	if f.all {
		return true
	}
	_, ok := f.include[ns]
	return ok
}

// Namespaces returns the explicit namespace list, sorted. It is nil when every
// namespace is watched.
func (f *NamespaceFilter) Namespaces() []string {
	if f.all {
		return nil
	}
	out := make([]string, 0, len(f.include))
	for ns := range f.include {
		if _, excluded := f.exclude[ns]; !excluded {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
