package kube

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func TestTopologyOf(t *testing.T) {
	tests := []struct {
		name string
		node *corev1.Node
		want Topology
	}{
		{
			name: "labels",
			node: &corev1.Node{ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{
				"topology.kubernetes.io/region":    "eu-west-1",
				"topology.kubernetes.io/zone":      "eu-west-1b",
				"node.kubernetes.io/instance-type": "m6a.large",
			}}},
			want: Topology{Region: "eu-west-1", Zone: "eu-west-1b", InstanceType: "m6a.large"},
		},
		{
			name: "region from zone",
			node: &corev1.Node{ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{
				"failure-domain.beta.kubernetes.io/zone": "europe-west1-b",
			}}},
			want: Topology{Region: "europe-west1", Zone: "europe-west1-b"},
		},
		{
			name: "region from aws provider id",
			node: &corev1.Node{Spec: corev1.NodeSpec{ProviderID: "aws:///us-east-1a/i-0123456789"}},
			want: Topology{Region: "us-east-1"},
		},
		{
			name: "nothing known",
			node: &corev1.Node{Spec: corev1.NodeSpec{ProviderID: "kind://docker/kind/kind-control-plane"}},
			want: Topology{},
		},
		{
			name: "nil node",
			want: Topology{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TopologyOf(tt.node); got != tt.want {
				t.Fatalf("TopologyOf() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
