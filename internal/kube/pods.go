package kube

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// ErrPodNotFound marks a restart of a pod the API server does not know.
var ErrPodNotFound = errors.New("pod not found")

// Operator performs the cluster calls the API makes on behalf of an operator.
type Operator struct {
	client kubernetes.Interface
}

// NewOperator returns an Operator backed by the given clientset.
func NewOperator(client kubernetes.Interface) *Operator {
	return &Operator{client: client}
}

// RestartPod deletes the pod so that its controller recreates it.
func (o *Operator) RestartPod(ctx context.Context, namespace, name string) error {
	err := o.client.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return errors.Mark(errors.Wrapf(err, "delete pod %s/%s", namespace, name), ErrPodNotFound)
	}
	return errors.Wrapf(err, "delete pod %s/%s", namespace, name)
}

// Namespaces lists the cluster's namespace names in order.
func (o *Operator) Namespaces(ctx context.Context) ([]string, error) {
	list, err := o.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "list namespaces")
	}
	names := make([]string, 0, len(list.Items))
	for _, ns := range list.Items {
		names = append(names, ns.Name)
	}
	sort.Strings(names)
	return names, nil
}
