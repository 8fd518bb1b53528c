package snapshot

import (
	"reflect"
	"testing"
)

func TestNamespaceFilter(t *testing.T) {
	explicit := NewNamespaceFilter(Scope{Namespaces: []string{"Monitoring", "default", " "}, ExcludeNamespaces: []string{"default"}})
	if !explicit.Allows("monitoring") {
		t.Fatalf("monitoring should be allowed")
	}
	if explicit.Allows("default") {
		t.Fatalf("excluded namespace must not be allowed")
	}
	if explicit.Allows("payments") {
		t.Fatalf("unlisted namespace must not be allowed")
	}
	if got := explicit.Namespaces(); !reflect.DeepEqual(got, []string{"monitoring"}) {
		t.Fatalf("Namespaces() = %v", got)
	}

	all := NewNamespaceFilter(Scope{AllNamespaces: true, ExcludeNamespaces: []string{"kube-system"}})
	if !all.All() || all.Namespaces() != nil {
		t.Fatalf("expected cluster-wide filter")
	}
	if all.Allows("kube-system") || !all.Allows("payments") {
		t.Fatalf("unexpected cluster-wide decisions")
	}

	empty := NewNamespaceFilter(Scope{})
	if got := empty.Namespaces(); !reflect.DeepEqual(got, []string{"default"}) {
		t.Fatalf("empty scope should watch default, got %v", got)
	}
}
