// Package diff turns two consecutive snapshots into change events.
package diff

import (
	"sort"
	"time"

	"podmon-k8s/internal/snapshot"

	"github.com/samber/lo"
)

// Compute returns the pod events followed by the node events between prev and
// cur, stamped with cur's timestamp.
func Compute(prev, cur snapshot.Snapshot) []snapshot.ChangeEvent {
	events := Pods(prev.Pods, cur.Pods, cur.Timestamp)
	return append(events, Nodes(prev.Nodes, cur.Nodes, cur.Timestamp)...)
}

// Pods compares two pod maps. Events come out as additions, removals, status
// changes and image changes, each group sorted by identity. A pod that only
// exists in cur yields a single PodAdded.
func Pods(prev, cur map[snapshot.PodKey]snapshot.PodSnapshot, at time.Time) []snapshot.ChangeEvent {
	var added, removed, status, image []snapshot.ChangeEvent

	for _, key := range sortedPodKeys(cur) {
		now := cur[key]
		before, existed := prev[key]
		if !existed {
			added = append(added, podEvent(snapshot.PodAdded, now, "", now.Status, at))
			continue
		}
		if before.Status != now.Status {
			status = append(status, podEvent(snapshot.StatusChanged, now, before.Status, now.Status, at))
		}
		if before.Image != now.Image {
			image = append(image, podEvent(snapshot.ImageChanged, now, before.Image, now.Image, at))
		}
	}
	for _, key := range sortedPodKeys(prev) {
		if _, still := cur[key]; still {
			continue
		}
		gone := prev[key]
		removed = append(removed, podEvent(snapshot.PodRemoved, gone, gone.Status, "", at))
	}

	return concat(added, removed, status, image)
}

// Nodes compares two node maps: additions, removals, then readiness changes.
func Nodes(prev, cur map[string]snapshot.NodeSnapshot, at time.Time) []snapshot.ChangeEvent {
	var added, removed, status []snapshot.ChangeEvent

	for _, name := range sortedNames(cur) {
		now := cur[name]
		before, existed := prev[name]
		switch {
		case !existed:
			added = append(added, nodeEvent(snapshot.NodeAdded, now, "", now.Status, at))
		case before.Status != now.Status:
			status = append(status, nodeEvent(snapshot.NodeStatusChanged, now, before.Status, now.Status, at))
		}
	}
	for _, name := range sortedNames(prev) {
		if _, still := cur[name]; still {
			continue
		}
		gone := prev[name]
		removed = append(removed, nodeEvent(snapshot.NodeRemoved, gone, gone.Status, "", at))
	}

	return concat(added, removed, status)
}

func podEvent(kind snapshot.EventKind, pod snapshot.PodSnapshot, oldValue, newValue string, at time.Time) snapshot.ChangeEvent {
	return snapshot.ChangeEvent{
		Kind:      kind,
		Subject:   snapshot.Subject{Kind: snapshot.KindPod, Namespace: pod.Namespace, Name: pod.Name},
		OldValue:  oldValue,
		NewValue:  newValue,
		Status:    pod.Status,
		Timestamp: at,
	}
}

func nodeEvent(kind snapshot.EventKind, node snapshot.NodeSnapshot, oldValue, newValue string, at time.Time) snapshot.ChangeEvent {
	return snapshot.ChangeEvent{
		Kind:      kind,
		Subject:   snapshot.Subject{Kind: snapshot.KindNode, Name: node.Name},
		OldValue:  oldValue,
		NewValue:  newValue,
		Status:    node.Status,
		Timestamp: at,
	}
}

func sortedPodKeys(m map[snapshot.PodKey]snapshot.PodSnapshot) []snapshot.PodKey {
	keys := lo.Keys(m)
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func sortedNames(m map[string]snapshot.NodeSnapshot) []string {
	names := lo.Keys(m)
	sort.Strings(names)
	return names
}

func concat(groups ...[]snapshot.ChangeEvent) []snapshot.ChangeEvent {
	return lo.Flatten(groups)
}
