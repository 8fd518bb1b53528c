package notify

import (
	"fmt"
	"strings"
	"time"

	"podmon-k8s/internal/snapshot"
)

// Message is a rendered notification. Short is used by the phone channels.
type Message struct {
	Subject string
	Body    string
	Short   string
}

// Render produces the human-readable message for one event.
func Render(e snapshot.ChangeEvent) Message {
	headline := Headline(e)
	when := e.Timestamp.UTC().Format(time.RFC3339)

	var body strings.Builder
	fmt.Fprintf(&body, "%s\n\n", headline)
	fmt.Fprintf(&body, "Event:    %s\n", e.Kind)
	fmt.Fprintf(&body, "Subject:  %s %s\n", e.Subject.Kind, e.Subject)
	if e.OldValue != "" {
		fmt.Fprintf(&body, "Previous: %s\n", e.OldValue)
	}
	if e.NewValue != "" {
		fmt.Fprintf(&body, "Current:  %s\n", e.NewValue)
	}
	fmt.Fprintf(&body, "Observed: %s\n", when)

	return Message{
		Subject: "[podmon] " + headline,
		Body:    body.String(),
		Short:   fmt.Sprintf("podmon: %s (%s)", headline, when),
	}
}

// Headline is the one-line summary of an event.
func Headline(e snapshot.ChangeEvent) string {
	s := e.Subject.String()
	switch e.Kind {
	case snapshot.PodAdded:
		return fmt.Sprintf("New pod %s (%s)", s, e.NewValue)
	case snapshot.PodRemoved:
		return fmt.Sprintf("Pod %s removed (was %s)", s, e.OldValue)
	case snapshot.StatusChanged:
		return fmt.Sprintf("Pod %s status %s -> %s", s, e.OldValue, e.NewValue)
	case snapshot.ImageChanged:
		return fmt.Sprintf("Pod %s image %s -> %s", s, e.OldValue, e.NewValue)
	case snapshot.NodeAdded:
		return fmt.Sprintf("New node %s (%s)", s, e.NewValue)
	case snapshot.NodeRemoved:
		return fmt.Sprintf("Node %s removed (was %s)", s, e.OldValue)
	case snapshot.NodeStatusChanged:
		return fmt.Sprintf("Node %s status %s -> %s", s, e.OldValue, e.NewValue)
	default:
		return fmt.Sprintf("%s %s", e.Kind, s)
	}
}

// TestMessage is sent by the channel test endpoint.
func TestMessage(now time.Time) Message {
	when := now.UTC().Format(time.RFC3339)
	return Message{
		Subject: "[podmon] Test notification",
		Body:    "This is a test notification from podmon.\n\nSent: " + when + "\n",
		Short:   "podmon: test notification (" + when + ")",
	}
}
