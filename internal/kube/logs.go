package kube

import (
	"context"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
)

// DefaultTailLines is used when the caller does not ask for a specific amount.
const DefaultTailLines int64 = 100

// LogReader fetches recent container logs for a pod.
type LogReader struct {
	client kubernetes.Interface
}

// NewLogReader returns a LogReader backed by the given clientset.
func NewLogReader(client kubernetes.Interface) *LogReader {
	return &LogReader{client: client}
}

// Tail returns the last lines written by a container. An empty container name
// selects the pod's only container.
func (r *LogReader) Tail(ctx context.Context, namespace, pod, container string, lines int64) ([]string, error) {
	if lines <= 0 {
		lines = DefaultTailLines
	}
	opts := &corev1.PodLogOptions{Container: container, TailLines: &lines}
	stream, err := r.client.CoreV1().Pods(namespace).GetLogs(pod, opts).Stream(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "stream logs for %s/%s", namespace, pod)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, errors.Wrapf(err, "read logs for %s/%s", namespace, pod)
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return []string{}, nil
	}
	return strings.Split(text, "\n"), nil
}
