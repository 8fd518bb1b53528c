package snapshot

import (
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

// Kind identifies which entity family a snapshot or event subject belongs to.
type Kind string

const (
	KindPod  Kind = "pod"
	KindNode Kind = "node"
)

// Kinds lists every snapshot kind in persistence order.
var Kinds = []Kind{KindPod, KindNode}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindPod || k == KindNode
}

// PodKey is the identity of a pod.
type PodKey struct {
	Namespace string
	Name      string
}

func (k PodKey) String() string {
	return k.Namespace + "/" + k.Name
}

// Less orders keys by namespace, then name.
func (k PodKey) Less(other PodKey) bool {
	if k.Namespace != other.Namespace {
		return k.Namespace < other.Namespace
	}
	return k.Name < other.Name
}

// MarshalText lets PodKey be used as a JSON object key.
func (k PodKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the namespace/name form.
func (k *PodKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePodKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParsePodKey parses "namespace/name".
func ParsePodKey(s string) (PodKey, error) {
	ns, name, ok := strings.Cut(s, "/")
	if !ok || ns == "" || name == "" {
		return PodKey{}, errors.Newf("invalid pod key %q", s)
	}
	return PodKey{Namespace: ns, Name: name}, nil
}

// Port is one container port and the Service exposing it, if any.
type Port struct {
	Name        string `json:"name,omitempty"`
	Port        int32  `json:"port"`
	Protocol    string `json:"protocol"`
	Exposed     bool   `json:"exposed"`
	ServiceName string `json:"serviceName,omitempty"`
	ServicePort int32  `json:"servicePort,omitempty"`
	ExternalIP  string `json:"externalIp,omitempty"`
}

// PodSnapshot is the observed state of one pod during a cycle.
type PodSnapshot struct {
	Namespace        string    `json:"namespace"`
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	NodeName         string    `json:"nodeName,omitempty"`
	Image            string    `json:"image"`
	Images           []string  `json:"images,omitempty"`
	RestartCount     int32     `json:"restartCount"`
	CPUUsageMilli    int64     `json:"cpuUsageMilli"`
	MemoryUsageBytes int64     `json:"memoryUsageBytes"`
	DiskBytes        int64     `json:"diskBytes"`
	Ports            []Port    `json:"ports,omitempty"`
	InternalIP       string    `json:"internalIp,omitempty"`
	ExternalIP       string    `json:"externalIp,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Key returns the pod identity.
func (p PodSnapshot) Key() PodKey {
	return PodKey{Namespace: p.Namespace, Name: p.Name}
}

// NodeSnapshot is the observed state of one node during a cycle.
type NodeSnapshot struct {
	Name                   string `json:"name"`
	Status                 string `json:"status"`
	UnderPressure          bool   `json:"underPressure"`
	CPUAllocatableMilli    int64  `json:"cpuAllocatableMilli"`
	MemoryAllocatableBytes int64  `json:"memoryAllocatableBytes"`
	CPUCapacityMilli       int64  `json:"cpuCapacityMilli"`
	MemoryCapacityBytes    int64  `json:"memoryCapacityBytes"`
	PodCount               int    `json:"podCount"`
	Region                 string `json:"region,omitempty"`
	Zone                   string `json:"zone,omitempty"`
	InstanceType           string `json:"instanceType,omitempty"`
}

// Snapshot is the immutable result of one fetch. Pods and nodes are persisted
// separately so that a cycle can advance one kind without the other.
type Snapshot struct {
	Timestamp time.Time               `json:"timestamp"`
	Pods      map[PodKey]PodSnapshot  `json:"pods,omitempty"`
	Nodes     map[string]NodeSnapshot `json:"nodes,omitempty"`
}

// Only returns a copy of s restricted to one kind.
func (s Snapshot) Only(kind Kind) Snapshot {
	out := Snapshot{Timestamp: s.Timestamp}
	switch kind {
	case KindPod:
		out.Pods = s.Pods
	case KindNode:
		out.Nodes = s.Nodes
	}
	return out
}

// PodList returns the pods sorted by identity.
func (s Snapshot) PodList() []PodSnapshot {
	keys := lo.Keys(s.Pods)
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	out := make([]PodSnapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.Pods[k])
	}
	return out
}

// NodeList returns the nodes sorted by name.
func (s Snapshot) NodeList() []NodeSnapshot {
	names := lo.Keys(s.Nodes)
	sort.Strings(names)
	out := make([]NodeSnapshot, 0, len(names))
	for _, n := range names {
		out = append(out, s.Nodes[n])
	}
	return out
}

// EventKind enumerates change event types.
type EventKind string

const (
	PodAdded          EventKind = "PodAdded"
	PodRemoved        EventKind = "PodRemoved"
	StatusChanged     EventKind = "StatusChanged"
	ImageChanged      EventKind = "ImageChanged"
	NodeAdded         EventKind = "NodeAdded"
	NodeRemoved       EventKind = "NodeRemoved"
	NodeStatusChanged EventKind = "NodeStatusChanged"
)

// EventKinds lists all event kinds.
var EventKinds = []EventKind{PodAdded, PodRemoved, StatusChanged, ImageChanged, NodeAdded, NodeRemoved, NodeStatusChanged}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	return lo.Contains(EventKinds, k)
}

// Subject identifies the entity an event is about. Namespace is empty for nodes.
type Subject struct {
	Kind      Kind   `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

func (s Subject) String() string {
	if s.Namespace == "" {
		return s.Name
	}
	return s.Namespace + "/" + s.Name
}

// ChangeEvent records one transition between two snapshots.
type ChangeEvent struct {
	ID        string    `json:"id,omitempty"`
	CycleID   string    `json:"cycleId,omitempty"`
	Kind      EventKind `json:"kind"`
	Subject   Subject   `json:"subject"`
	OldValue  string    `json:"oldValue,omitempty"`
	NewValue  string    `json:"newValue,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Scope selects what the fetcher observes.
type Scope struct {
	Namespaces        []string
	AllNamespaces     bool
	ExcludeNamespaces []string
	IncludeNodes      bool
}

// Observation is what one fetch produced. NodesErr is set when nodes could not
// be listed; the node part of Snapshot must then be ignored. Rejected holds one
// validation error per entity that was dropped.
type Observation struct {
	Snapshot Snapshot
	NodesErr error
	Rejected []error
}
