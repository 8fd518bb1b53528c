package collector

import (
	"context"
	"log/slog"
	"sync"

	"podmon-k8s/internal/kube"

	"github.com/cockroachdb/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"
)

type podMetricsLister interface {
	List(ctx context.Context, opts metav1.ListOptions) (*metricsv1beta1.PodMetricsList, error)
}

// MetricsCollector retrieves usage metrics from the metrics.k8s.io API.
type MetricsCollector struct {
	pods   func(namespace string) podMetricsLister
	logger *slog.Logger
	mu     sync.RWMutex
	last   map[string]kube.PodUsage
}

// NewMetricsCollector returns a configured collector. A nil client yields a
// collector that always reports the API as unavailable.
func NewMetricsCollector(client metricsclientset.Interface, logger *slog.Logger) *MetricsCollector {
	c := &MetricsCollector{logger: logger}
	if client != nil {
		c.pods = func(namespace string) podMetricsLister {
			return client.MetricsV1beta1().PodMetricses(namespace)
		}
	}
	return c
}

// CollectPodMetrics returns usage metrics keyed by namespace/pod name. An empty
// namespace list queries the whole cluster. On failure the last good result is
// returned together with the error.
func (c *MetricsCollector) CollectPodMetrics(ctx context.Context, namespaces []string) (map[string]kube.PodUsage, error) {
	if c.pods == nil {
		return nil, errors.New("metrics client not configured")
	}
	if len(namespaces) == 0 {
		namespaces = []string{metav1.NamespaceAll}
	}

	result := make(map[string]kube.PodUsage)
	for _, ns := range namespaces {
		metricsList, err := c.pods(ns).List(ctx, metav1.ListOptions{})
		if err != nil {
			c.mu.RLock()
			cached := c.last
			c.mu.RUnlock()
			return cached, errors.Wrapf(err, "list pod metrics in %q", ns)
		}
		for _, m := range metricsList.Items {
			var cpuMilli int64
			var memBytes int64
			for _, container := range m.Containers {
				cpuMilli += container.Usage.Cpu().MilliValue()
				memBytes += container.Usage.Memory().Value()
			}
			key := m.Namespace + "/" + m.Name
			result[key] = kube.PodUsage{CPUUsageMilli: cpuMilli, MemoryUsageBytes: memBytes}
		}
	}

	c.mu.Lock()
	c.last = result
	c.mu.Unlock()

	return result, nil
}
