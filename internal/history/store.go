// Package history persists snapshots, change events and dispatch results.
package history

import (
	"context"
	"strings"
	"time"

	"podmon-k8s/internal/notify"
	"podmon-k8s/internal/snapshot"

	"github.com/cockroachdb/errors"
	"github.com/samber/mo"
)

// DefaultLimit caps history queries.
const DefaultLimit = 1000

// Query filters change events. Zero values match everything. Name matches as
// a case-insensitive substring, Until is exclusive.
type Query struct {
	Namespace   string
	Name        string
	SubjectKind snapshot.Kind
	Status      string
	EventType   snapshot.EventKind
	Since       time.Time
	Until       time.Time
	Limit       int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > DefaultLimit {
		return DefaultLimit
	}
	return q.Limit
}

func (q Query) matches(e snapshot.ChangeEvent) bool {
	switch {
	case q.Namespace != "" && e.Subject.Namespace != q.Namespace:
		return false
	case q.Name != "" && !strings.Contains(strings.ToLower(e.Subject.Name), strings.ToLower(q.Name)):
		return false
	case q.SubjectKind != "" && e.Subject.Kind != q.SubjectKind:
		return false
	case q.Status != "" && e.Status != q.Status:
		return false
	case q.EventType != "" && e.Kind != q.EventType:
		return false
	case !q.Since.IsZero() && e.Timestamp.Before(q.Since):
		return false
	case !q.Until.IsZero() && !e.Timestamp.Before(q.Until):
		return false
	}
	return true
}

// PruneStats counts the rows removed by PruneOlderThan.
type PruneStats struct {
	Events     int64 `json:"events"`
	Snapshots  int64 `json:"snapshots"`
	Dispatches int64 `json:"dispatches"`
}

// UsageSample is a pod's resource usage as observed by one cycle.
type UsageSample struct {
	Timestamp        time.Time `json:"timestamp"`
	CPUUsageMilli    int64     `json:"cpuUsageMilli"`
	MemoryUsageBytes int64     `json:"memoryUsageBytes"`
}

func usageOf(snap snapshot.Snapshot, key snapshot.PodKey) (UsageSample, bool) {
	pod, ok := snap.Pods[key]
	if !ok {
		return UsageSample{}, false
	}
	return UsageSample{
		Timestamp:        snap.Timestamp.UTC(),
		CPUUsageMilli:    pod.CPUUsageMilli,
		MemoryUsageBytes: pod.MemoryUsageBytes,
	}, true
}

// Store is the persistence boundary of the monitor. Snapshots are stored per
// kind; the newest snapshot of a kind is never pruned, so the next cycle always
// has something to diff against.
type Store interface {
	AppendEvents(ctx context.Context, events []snapshot.ChangeEvent) error
	SaveSnapshot(ctx context.Context, kind snapshot.Kind, snap snapshot.Snapshot) error
	// CommitCycle stores a cycle's events and snapshots atomically.
	CommitCycle(ctx context.Context, events []snapshot.ChangeEvent, snaps map[snapshot.Kind]snapshot.Snapshot) error
	LatestSnapshot(ctx context.Context, kind snapshot.Kind) (mo.Option[snapshot.Snapshot], error)
	// Events returns matching events, newest cycle first, in diff order within a cycle.
	Events(ctx context.Context, q Query) ([]snapshot.ChangeEvent, error)
	// PodUsage returns the usage recorded for a pod by every stored pod
	// snapshot taken at or after since, oldest first.
	PodUsage(ctx context.Context, key snapshot.PodKey, since time.Time) ([]UsageSample, error)
	RecordDispatches(ctx context.Context, results []notify.DispatchResult) error
	Dispatches(ctx context.Context, limit int) ([]notify.DispatchResult, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (PruneStats, error)
	LoadSettings(ctx context.Context) ([]byte, bool, error)
	SaveSettings(ctx context.Context, payload []byte) error
	Close() error
}

// Open returns the store for driver: "memory", "sqlite3" or "postgres".
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite3", "postgres":
		return OpenSQL(driver, dsn)
	default:
		return nil, errors.Newf("unsupported storage driver %q", driver)
	}
}

func checkKind(kind snapshot.Kind) error {
	if !kind.Valid() {
		return errors.Newf("unknown snapshot kind %q", kind)
	}
	return nil
}
