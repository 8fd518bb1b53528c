package collector

import (
	"context"
	"log/slog"

	"podmon-k8s/internal/kube"
	"podmon-k8s/internal/snapshot"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
)

// ErrTransientFetch marks a failure to reach the cluster API. The cycle that
// hit it is skipped and retried on the next tick.
var ErrTransientFetch = errors.New("transient fetch error")

// UsageSource reports per-pod usage keyed by namespace/name.
type UsageSource interface {
	CollectPodMetrics(ctx context.Context, namespaces []string) (map[string]kube.PodUsage, error)
}

// ClusterFetcher produces one observation of the monitored scope per call.
type ClusterFetcher struct {
	client kubernetes.Interface
	usage  UsageSource
	clock  clock.PassiveClock
	logger *slog.Logger
}

// NewClusterFetcher wires a fetcher. usage may be nil when metrics.k8s.io is
// not installed.
func NewClusterFetcher(client kubernetes.Interface, usage UsageSource, clk clock.PassiveClock, logger *slog.Logger) *ClusterFetcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClusterFetcher{client: client, usage: usage, clock: clk, logger: logger}
}

// Fetch lists pods, services, nodes and usage for scope. A pod listing failure
// fails the whole fetch with ErrTransientFetch. Node, service and usage
// failures degrade the observation instead: NodesErr is set for nodes, the
// others are logged.
func (f *ClusterFetcher) Fetch(ctx context.Context, scope snapshot.Scope) (snapshot.Observation, error) {
	filter := snapshot.NewNamespaceFilter(scope)
	namespaces := filter.Namespaces()

	pods, err := f.listPods(ctx, namespaces)
	if err != nil {
		return snapshot.Observation{}, errors.Mark(errors.Wrap(err, "list pods"), ErrTransientFetch)
	}

	services, err := f.listServices(ctx, namespaces)
	if err != nil {
		f.logger.Warn("service listing failed, port exposure unavailable", slog.String("error", err.Error()))
	}

	var nodes []corev1.Node
	var nodesErr error
	if scope.IncludeNodes {
		list, err := f.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
		if err != nil {
			nodesErr = errors.Mark(errors.Wrap(err, "list nodes"), ErrTransientFetch)
			f.logger.Warn("node listing failed", slog.String("error", err.Error()))
		} else {
			nodes = list.Items
		}
	}

	var usage map[string]kube.PodUsage
	if f.usage != nil {
		usage, err = f.usage.CollectPodMetrics(ctx, namespaces)
		if err != nil {
			f.logger.Warn("pod metrics unavailable", slog.String("error", err.Error()))
		}
	}

	snap, rejected := snapshot.NewBuilder(filter).Build(nodes, pods, services, usage, f.clock.Now().UTC())
	return snapshot.Observation{Snapshot: snap, NodesErr: nodesErr, Rejected: rejected}, nil
}

func (f *ClusterFetcher) listPods(ctx context.Context, namespaces []string) ([]corev1.Pod, error) {
	if len(namespaces) == 0 {
		namespaces = []string{metav1.NamespaceAll}
	}
	var out []corev1.Pod
	for _, ns := range namespaces {
		list, err := f.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "namespace %q", ns)
		}
		out = append(out, list.Items...)
	}
	return out, nil
}

func (f *ClusterFetcher) listServices(ctx context.Context, namespaces []string) ([]corev1.Service, error) {
	if len(namespaces) == 0 {
		namespaces = []string{metav1.NamespaceAll}
	}
	var out []corev1.Service
	for _, ns := range namespaces {
		list, err := f.client.CoreV1().Services(ns).List(ctx, metav1.ListOptions{})
		if err != nil {
			return out, errors.Wrapf(err, "namespace %q", ns)
		}
		out = append(out, list.Items...)
	}
	return out, nil
}
