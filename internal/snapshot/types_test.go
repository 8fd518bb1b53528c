package snapshot

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSnapshotJSONKeysByPodIdentity(t *testing.T) {
	snap := Snapshot{
		Timestamp: time.Unix(50, 0).UTC(),
		Pods: map[PodKey]PodSnapshot{
			{Namespace: "ns1", Name: "pod1"}: {Namespace: "ns1", Name: "pod1", Status: "Running"},
		},
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	var pods map[string]json.RawMessage
	if err := json.Unmarshal(raw["pods"], &pods); err != nil {
		t.Fatalf("unmarshal pods: %v", err)
	}
	if _, ok := pods["ns1/pod1"]; !ok {
		t.Fatalf("expected pods keyed by namespace/name, got %s", data)
	}

	var back Snapshot
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Pods[PodKey{Namespace: "ns1", Name: "pod1"}].Status != "Running" {
		t.Fatalf("pod lost in round trip: %+v", back)
	}
}

func TestParsePodKeyRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "ns", "/pod", "ns/"} {
		if _, err := ParsePodKey(in); err == nil {
			t.Fatalf("ParsePodKey(%q) should fail", in)
		}
	}
}

func TestOnlyKeepsOneKind(t *testing.T) {
	snap := Snapshot{
		Pods:  map[PodKey]PodSnapshot{{Namespace: "a", Name: "b"}: {}},
		Nodes: map[string]NodeSnapshot{"n": {}},
	}
	if got := snap.Only(KindPod); got.Nodes != nil || len(got.Pods) != 1 {
		t.Fatalf("Only(pod) = %+v", got)
	}
	if got := snap.Only(KindNode); got.Pods != nil || len(got.Nodes) != 1 {
		t.Fatalf("Only(node) = %+v", got)
	}
}
