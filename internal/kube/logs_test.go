package kube

import (
	"context"
	"testing"

	"k8s.io/client-go/kubernetes/fake"
)

func TestLogReaderTail(t *testing.T) {
	reader := NewLogReader(fake.NewSimpleClientset())

	lines, err := reader.Tail(context.Background(), "default", "web-0", "", 0)
	if err != nil {
		t.Fatalf("Tail err: %v", err)
	}
	if len(lines) != 1 || lines[0] != "fake logs" {
		t.Fatalf("unexpected lines %q", lines)
	}
}
