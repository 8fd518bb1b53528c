package notify

import (
	"testing"

	"podmon-k8s/internal/snapshot"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	msg := Render(statusEvent())

	assert.Equal(t, "[podmon] Pod ns1/pod1 status Running -> CrashLoopBackOff", msg.Subject)
	assert.Contains(t, msg.Body, "Event:    StatusChanged")
	assert.Contains(t, msg.Body, "Subject:  pod ns1/pod1")
	assert.Contains(t, msg.Body, "Previous: Running")
	assert.Contains(t, msg.Body, "Current:  CrashLoopBackOff")
	assert.Contains(t, msg.Body, "Observed: 2024-05-01T10:00:00Z")
	assert.Equal(t, "podmon: Pod ns1/pod1 status Running -> CrashLoopBackOff (2024-05-01T10:00:00Z)", msg.Short)
}

func TestHeadline(t *testing.T) {
	node := snapshot.Subject{Kind: snapshot.KindNode, Name: "node-a"}
	pod := snapshot.Subject{Kind: snapshot.KindPod, Namespace: "ns", Name: "p"}
	cases := map[string]snapshot.ChangeEvent{
		"New pod ns/p (Pending)":             {Kind: snapshot.PodAdded, Subject: pod, NewValue: "Pending"},
		"Pod ns/p removed (was Running)":     {Kind: snapshot.PodRemoved, Subject: pod, OldValue: "Running"},
		"Pod ns/p image v1 -> v2":            {Kind: snapshot.ImageChanged, Subject: pod, OldValue: "v1", NewValue: "v2"},
		"New node node-a (Ready)":            {Kind: snapshot.NodeAdded, Subject: node, NewValue: "Ready"},
		"Node node-a removed (was NotReady)": {Kind: snapshot.NodeRemoved, Subject: node, OldValue: "NotReady"},
		"Node node-a status Ready -> NotReady": {
			Kind: snapshot.NodeStatusChanged, Subject: node, OldValue: "Ready", NewValue: "NotReady",
		},
	}
	for want, e := range cases {
		assert.Equal(t, want, Headline(e))
	}
}
