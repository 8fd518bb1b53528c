package kube

import (
	"strings"

	corev1 "k8s.io/api/core/v1"
)

// Topology describes where a node runs.
type Topology struct {
	Region       string
	Zone         string
	InstanceType string
}

var (
	regionLabels       = []string{"topology.kubernetes.io/region", "failure-domain.beta.kubernetes.io/region"}
	zoneLabels         = []string{"topology.kubernetes.io/zone", "failure-domain.beta.kubernetes.io/zone"}
	instanceTypeLabels = []string{"node.kubernetes.io/instance-type", "beta.kubernetes.io/instance-type", "node.k8s.amazonaws.com/instance-type"}
)

// TopologyOf reads region, zone and instance type from well-known node labels,
// deriving the region from the zone or provider ID when the label is missing.
func TopologyOf(node *corev1.Node) Topology {
	if node == nil {
		return Topology{}
	}
	t := Topology{
		Region:       firstLabel(node.Labels, regionLabels),
		Zone:         firstLabel(node.Labels, zoneLabels),
		InstanceType: firstLabel(node.Labels, instanceTypeLabels),
	}
	if t.Region == "" {
		t.Region = regionFromZone(t.Zone)
	}
	if t.Region == "" {
		t.Region = regionFromProviderID(node.Spec.ProviderID)
	}
	return t
}

func firstLabel(labels map[string]string, keys []string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(labels[key]); v != "" {
			return v
		}
	}
	return ""
}

// regionFromZone strips the single-letter zone suffix: us-east-1a and europe-west1-b both work.
func regionFromZone(zone string) string {
	if len(zone) < 2 {
		return ""
	}
	if idx := strings.LastIndex(zone, "-"); idx > 0 {
		if suffix := zone[idx+1:]; len(suffix) == 1 && isLower(suffix[0]) {
			return zone[:idx]
		}
	}
	if isLower(zone[len(zone)-1]) {
		return zone[:len(zone)-1]
	}
	return ""
}

// regionFromProviderID handles aws:///<zone>/<id>, gce://<project>/<zone>/<name> and ibm IDs.
func regionFromProviderID(providerID string) string {
	providerID = strings.TrimSpace(providerID)
	for _, prefix := range []string{"aws://", "gce://", "gke://", "ibm://"} {
		if !strings.HasPrefix(providerID, prefix) {
			continue
		}
		parts := strings.Split(providerID, "/")
		if len(parts) >= 4 {
			return regionFromZone(parts[3])
		}
	}
	return ""
}

func isLower(b byte) bool {
	return b >= 'a' && b <= 'z'
}
