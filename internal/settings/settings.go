// Package settings holds the runtime-mutable monitor configuration.
package settings

import (
	"slices"
	"time"

	"podmon-k8s/internal/notify"
	"podmon-k8s/internal/snapshot"

	"github.com/cockroachdb/errors"
)

const (
	DefaultIntervalSeconds     = 600
	DefaultRetentionDays       = 30
	DefaultFetchTimeoutSeconds = 30
	MinIntervalSeconds         = 10
)

// AlertRules selects which event families are sent to channels. Every event is
// recorded in history regardless.
type AlertRules struct {
	PodAdded     bool `yaml:"podAdded" json:"podAdded"`
	PodRemoved   bool `yaml:"podRemoved" json:"podRemoved"`
	StatusChange bool `yaml:"statusChange" json:"statusChange"`
	ImageChange  bool `yaml:"imageChange" json:"imageChange"`
	NodeChange   bool `yaml:"nodeChange" json:"nodeChange"`
}

// Allows reports whether events of kind should be dispatched.
func (r AlertRules) Allows(kind snapshot.EventKind) bool {
	switch kind {
	case snapshot.PodAdded:
		return r.PodAdded
	case snapshot.PodRemoved:
		return r.PodRemoved
	case snapshot.StatusChanged:
		return r.StatusChange
	case snapshot.ImageChanged:
		return r.ImageChange
	case snapshot.NodeAdded, snapshot.NodeRemoved, snapshot.NodeStatusChanged:
		return r.NodeChange
	default:
		return false
	}
}

// Filter returns the events allowed by r, preserving order.
func (r AlertRules) Filter(events []snapshot.ChangeEvent) []snapshot.ChangeEvent {
	out := make([]snapshot.ChangeEvent, 0, len(events))
	for _, e := range events {
		if r.Allows(e.Kind) {
			out = append(out, e)
		}
	}
	return out
}

// Monitoring controls what is watched and how often.
type Monitoring struct {
	Namespaces          []string   `yaml:"namespaces" json:"namespaces"`
	AllNamespaces       bool       `yaml:"allNamespaces" json:"allNamespaces"`
	ExcludeNamespaces   []string   `yaml:"excludeNamespaces" json:"excludeNamespaces,omitempty"`
	MonitorNodes        bool       `yaml:"monitorNodes" json:"monitorNodes"`
	IntervalSeconds     int        `yaml:"intervalSeconds" json:"intervalSeconds"`
	RetentionDays       int        `yaml:"retentionDays" json:"retentionDays"`
	FetchTimeoutSeconds int        `yaml:"fetchTimeoutSeconds" json:"fetchTimeoutSeconds"`
	Alerts              AlertRules `yaml:"alerts" json:"alerts"`
}

// Interval is the time between scheduled cycles.
func (m Monitoring) Interval() time.Duration {
	if m.IntervalSeconds <= 0 {
		return DefaultIntervalSeconds * time.Second
	}
	return time.Duration(m.IntervalSeconds) * time.Second
}

// Retention is how long history is kept.
func (m Monitoring) Retention() time.Duration {
	days := m.RetentionDays
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// FetchTimeout bounds one cluster fetch.
func (m Monitoring) FetchTimeout() time.Duration {
	if m.FetchTimeoutSeconds <= 0 {
		return DefaultFetchTimeoutSeconds * time.Second
	}
	return time.Duration(m.FetchTimeoutSeconds) * time.Second
}

// Scope converts the namespace selection into a fetch scope.
func (m Monitoring) Scope() snapshot.Scope {
	return snapshot.Scope{
		Namespaces:        slices.Clone(m.Namespaces),
		AllNamespaces:     m.AllNamespaces,
		ExcludeNamespaces: slices.Clone(m.ExcludeNamespaces),
		IncludeNodes:      m.MonitorNodes,
	}
}

// Settings is everything an administrator may change at runtime.
type Settings struct {
	Monitoring Monitoring                             `yaml:"monitoring" json:"monitoring"`
	Channels   map[notify.Channel]notify.ChannelConfig `yaml:"channels" json:"channels"`
}

// Defaults mirrors the behaviour operators get without any configuration.
func Defaults() Settings {
	return Settings{
		Monitoring: Monitoring{
			Namespaces:          []string{"default", "monitoring"},
			MonitorNodes:        true,
			IntervalSeconds:     DefaultIntervalSeconds,
			RetentionDays:       DefaultRetentionDays,
			FetchTimeoutSeconds: DefaultFetchTimeoutSeconds,
			Alerts: AlertRules{
				PodAdded:     true,
				PodRemoved:   true,
				StatusChange: true,
				ImageChange:  true,
				NodeChange:   true,
			},
		},
		Channels: map[notify.Channel]notify.ChannelConfig{},
	}
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	out := s
	out.Monitoring.Namespaces = slices.Clone(s.Monitoring.Namespaces)
	out.Monitoring.ExcludeNamespaces = slices.Clone(s.Monitoring.ExcludeNamespaces)
	out.Channels = make(map[notify.Channel]notify.ChannelConfig, len(s.Channels))
	for ch, cfg := range s.Channels {
		out.Channels[ch] = cfg.Clone()
	}
	return out
}

// Redacted returns a copy safe to show over the API.
func (s Settings) Redacted() Settings {
	out := s.Clone()
	for ch, cfg := range out.Channels {
		out.Channels[ch] = cfg.Redacted()
	}
	return out
}

// Validate checks the structural constraints. Channel-level problems are not
// errors here: such channels are reported and skipped by the dispatcher.
func (s Settings) Validate() error {
	m := s.Monitoring
	switch {
	case m.IntervalSeconds < MinIntervalSeconds:
		return invalidf("intervalSeconds must be at least %d", MinIntervalSeconds)
	case m.RetentionDays < 1:
		return invalidf("retentionDays must be at least 1")
	case m.FetchTimeoutSeconds < 0:
		return invalidf("fetchTimeoutSeconds must not be negative")
	case !m.AllNamespaces && len(m.Namespaces) == 0:
		return invalidf("at least one namespace is required unless allNamespaces is set")
	}
	for ch := range s.Channels {
		if !ch.Valid() {
			return invalidf("unknown channel %q", ch)
		}
	}
	return nil
}

var (
	// ErrUnauthorized is returned when the administrator credential is missing or wrong.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalid is returned for settings that cannot be applied.
	ErrInvalid = errors.New("invalid settings")
)

func invalidf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalid)
}
