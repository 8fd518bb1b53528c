package snapshot

import (
	"sort"
	"strings"
	"time"

	"podmon-k8s/internal/kube"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// Builder converts API objects into the snapshot model.
type Builder struct {
	filter *NamespaceFilter
}

// NewBuilder returns a Builder that keeps only pods allowed by filter.
func NewBuilder(filter *NamespaceFilter) *Builder {
	if filter == nil {
		filter = NewNamespaceFilter(Scope{AllNamespaces: true})
	}
	return &Builder{filter: filter}
}

// Build assembles a snapshot. Entities missing their identity are dropped and
// reported as validation errors; everything else is kept.
func (b *Builder) Build(nodes []corev1.Node, pods []corev1.Pod, services []corev1.Service, usage map[string]kube.PodUsage, generatedAt time.Time) (Snapshot, []error) {
	var rejected []error

	servicesByNamespace := make(map[string][]*corev1.Service)
	for i := range services {
		svc := &services[i]
		if len(svc.Spec.Selector) == 0 {
			continue
		}
		servicesByNamespace[svc.Namespace] = append(servicesByNamespace[svc.Namespace], svc)
	}

	podsOut := make(map[PodKey]PodSnapshot, len(pods))
	podsPerNode := make(map[string]int)
	for i := range pods {
		pod := &pods[i]
		if pod.Namespace == "" || pod.Name == "" {
			rejected = append(rejected, invalidf("pod %q/%q: namespace and name are required", pod.Namespace, pod.Name))
			continue
		}
		if !b.filter.Allows(pod.Namespace) {
			continue
		}
		key := PodKey{Namespace: pod.Namespace, Name: pod.Name}
		if _, dup := podsOut[key]; dup {
			rejected = append(rejected, invalidf("pod %s: duplicate identity", key))
			continue
		}
		podsOut[key] = buildPod(pod, servicesByNamespace[pod.Namespace], usage[key.String()])
		if occupiesNode(pod) {
			podsPerNode[pod.Spec.NodeName]++
		}
	}

	nodesOut := make(map[string]NodeSnapshot, len(nodes))
	for i := range nodes {
		node := &nodes[i]
		if node.Name == "" {
			rejected = append(rejected, invalidf("node without name"))
			continue
		}
		topo := kube.TopologyOf(node)
		nodesOut[node.Name] = NodeSnapshot{
			Name:                   node.Name,
			Status:                 nodeStatus(node.Status.Conditions),
			UnderPressure:          nodeUnderPressure(node.Status.Conditions),
			CPUAllocatableMilli:    node.Status.Allocatable.Cpu().MilliValue(),
			MemoryAllocatableBytes: node.Status.Allocatable.Memory().Value(),
			CPUCapacityMilli:       node.Status.Capacity.Cpu().MilliValue(),
			MemoryCapacityBytes:    node.Status.Capacity.Memory().Value(),
			PodCount:               podsPerNode[node.Name],
			Region:                 topo.Region,
			Zone:                   topo.Zone,
			InstanceType:           topo.InstanceType,
		}
	}

	return Snapshot{Timestamp: generatedAt, Pods: podsOut, Nodes: nodesOut}, rejected
}

func buildPod(pod *corev1.Pod, services []*corev1.Service, usage kube.PodUsage) PodSnapshot {
	images := make([]string, 0, len(pod.Spec.Containers))
	var restarts int32
	var diskBytes int64
	for _, c := range pod.Spec.Containers {
		images = append(images, c.Image)
		diskBytes += c.Resources.Limits.StorageEphemeral().Value()
	}
	for _, cs := range pod.Status.ContainerStatuses {
		restarts += cs.RestartCount
	}
	ports, externalIP := podPorts(pod, services)

	return PodSnapshot{
		Namespace:        pod.Namespace,
		Name:             pod.Name,
		Status:           podStatus(pod),
		NodeName:         pod.Spec.NodeName,
		Image:            strings.Join(images, ","),
		Images:           images,
		RestartCount:     restarts,
		CPUUsageMilli:    usage.CPUUsageMilli,
		MemoryUsageBytes: usage.MemoryUsageBytes,
		DiskBytes:        diskBytes,
		Ports:            ports,
		InternalIP:       pod.Status.PodIP,
		ExternalIP:       externalIP,
		CreatedAt:        pod.CreationTimestamp.Time.UTC(),
	}
}

// Waiting reasons that are part of a normal start and say nothing beyond the phase.
var startupWaitReasons = map[string]struct{}{
	"ContainerCreating": {},
	"PodInitializing":   {},
}

func podStatus(pod *corev1.Pod) string {
	if pod.DeletionTimestamp != nil {
		return "Terminating"
	}
	for _, cs := range pod.Status.ContainerStatuses {
		w := cs.State.Waiting
		if w == nil || w.Reason == "" {
			continue
		}
		if _, ok := startupWaitReasons[w.Reason]; !ok {
			return w.Reason
		}
	}
	if pod.Status.Phase == "" {
		return string(corev1.PodUnknown)
	}
	return string(pod.Status.Phase)
}

func occupiesNode(pod *corev1.Pod) bool {
	if pod.Spec.NodeName == "" {
		return false
	}
	return pod.Status.Phase != corev1.PodSucceeded && pod.Status.Phase != corev1.PodFailed
}

func podPorts(pod *corev1.Pod, services []*corev1.Service) ([]Port, string) {
	var selecting []*corev1.Service
	podLabels := labels.Set(pod.Labels)
	for _, svc := range services {
		if labels.SelectorFromSet(svc.Spec.Selector).Matches(podLabels) {
			selecting = append(selecting, svc)
		}
	}

	var out []Port
	var externalIP string
	for _, c := range pod.Spec.Containers {
		for _, cp := range c.Ports {
			port := Port{Name: cp.Name, Port: cp.ContainerPort, Protocol: protocolOrTCP(cp.Protocol)}
		services:
			for _, svc := range selecting {
				for _, sp := range svc.Spec.Ports {
					if !targets(sp, cp) {
						continue
					}
					port.Exposed = true
					port.ServiceName = svc.Name
					port.ServicePort = sp.Port
					port.ExternalIP = loadBalancerAddress(svc)
					break services
				}
			}
			if externalIP == "" {
				externalIP = port.ExternalIP
			}
			out = append(out, port)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].Protocol < out[j].Protocol
	})
	return out, externalIP
}

func targets(sp corev1.ServicePort, cp corev1.ContainerPort) bool {
	if protocolOrTCP(sp.Protocol) != protocolOrTCP(cp.Protocol) {
		return false
	}
	if sp.TargetPort.Type == intstr.String {
		return sp.TargetPort.StrVal != "" && sp.TargetPort.StrVal == cp.Name
	}
	if sp.TargetPort.IntVal == 0 {
		return sp.Port == cp.ContainerPort
	}
	return sp.TargetPort.IntVal == cp.ContainerPort
}

func loadBalancerAddress(svc *corev1.Service) string {
	if svc.Spec.Type != corev1.ServiceTypeLoadBalancer {
		return ""
	}
	for _, ing := range svc.Status.LoadBalancer.Ingress {
		if ing.IP != "" {
			return ing.IP
		}
		if ing.Hostname != "" {
			return ing.Hostname
		}
	}
	return ""
}

func protocolOrTCP(p corev1.Protocol) string {
	if p == "" {
		return string(corev1.ProtocolTCP)
	}
	return string(p)
}

func nodeStatus(conditions []corev1.NodeCondition) string {
	for _, c := range conditions {
		if c.Type == corev1.NodeReady {
			if c.Status == corev1.ConditionTrue {
				return "Ready"
			}
			return "NotReady"
		}
	}
	return "Unknown"
}

func nodeUnderPressure(conditions []corev1.NodeCondition) bool {
	for _, c := range conditions {
		switch c.Type {
		case corev1.NodeDiskPressure, corev1.NodeMemoryPressure, corev1.NodePIDPressure:
			if c.Status == corev1.ConditionTrue {
				return true
			}
		}
	}
	return false
}
