package kube

import (
	"github.com/cockroachdb/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"
)

// Client bundles the clientsets used by the monitor.
type Client struct {
	Kubernetes kubernetes.Interface
	Metrics    metricsclientset.Interface
}

// PodUsage is the summed container usage reported by metrics.k8s.io for one pod.
type PodUsage struct {
	CPUUsageMilli    int64
	MemoryUsageBytes int64
}

// NewClient builds clientsets from an explicit kubeconfig, the in-cluster
// service account, or the default loading rules, in that order.
func NewClient(kubeconfig string) (*Client, error) {
	restCfg, err := restConfig(kubeconfig)
	if err != nil {
		return nil, errors.Wrap(err, "load kubernetes config")
	}
	restCfg.UserAgent = "podmon-k8s"

	k8s, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, errors.Wrap(err, "create kubernetes clientset")
	}
	metrics, err := metricsclientset.NewForConfig(restCfg)
	if err != nil {
		return nil, errors.Wrap(err, "create metrics clientset")
	}
	return &Client{Kubernetes: k8s, Metrics: metrics}, nil
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
}
