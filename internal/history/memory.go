package history

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"podmon-k8s/internal/notify"
	"podmon-k8s/internal/snapshot"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

type storedEvent struct {
	seq   int64
	event snapshot.ChangeEvent
}

type storedSnapshot struct {
	seq  int64
	kind snapshot.Kind
	snap snapshot.Snapshot
}

// MemoryStore keeps everything in process memory. Stored snapshots are shared,
// not copied; callers treat snapshots as immutable.
type MemoryStore struct {
	mu         sync.RWMutex
	seq        int64
	events     []storedEvent
	snapshots  []storedSnapshot
	dispatches []notify.DispatchResult
	settings   []byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendEvents(ctx context.Context, events []snapshot.ChangeEvent) error {
	return m.CommitCycle(ctx, events, nil)
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, kind snapshot.Kind, snap snapshot.Snapshot) error {
	return m.CommitCycle(ctx, nil, map[snapshot.Kind]snapshot.Snapshot{kind: snap})
}

func (m *MemoryStore) CommitCycle(_ context.Context, events []snapshot.ChangeEvent, snaps map[snapshot.Kind]snapshot.Snapshot) error {
	for kind := range snaps {
		if err := checkKind(kind); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		m.seq++
		m.events = append(m.events, storedEvent{seq: m.seq, event: e})
	}
	for _, kind := range snapshot.Kinds {
		snap, ok := snaps[kind]
		if !ok {
			continue
		}
		m.seq++
		m.snapshots = append(m.snapshots, storedSnapshot{seq: m.seq, kind: kind, snap: snap.Only(kind)})
	}
	return nil
}

func (m *MemoryStore) LatestSnapshot(_ context.Context, kind snapshot.Kind) (mo.Option[snapshot.Snapshot], error) {
	if err := checkKind(kind); err != nil {
		return mo.None[snapshot.Snapshot](), err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		if m.snapshots[i].kind == kind {
			return mo.Some(m.snapshots[i].snap), nil
		}
	}
	return mo.None[snapshot.Snapshot](), nil
}

func (m *MemoryStore) Events(_ context.Context, q Query) ([]snapshot.ChangeEvent, error) {
	m.mu.RLock()
	matched := make([]storedEvent, 0)
	for _, se := range m.events {
		if q.matches(se.event) {
			matched = append(matched, se)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		ti, tj := matched[i].event.Timestamp, matched[j].event.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return matched[i].seq < matched[j].seq
	})
	if len(matched) > q.limit() {
		matched = matched[:q.limit()]
	}
	out := make([]snapshot.ChangeEvent, 0, len(matched))
	for _, se := range matched {
		out = append(out, se.event)
	}
	return out, nil
}

func (m *MemoryStore) PodUsage(_ context.Context, key snapshot.PodKey, since time.Time) ([]UsageSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UsageSample, 0)
	for _, ss := range m.snapshots {
		if ss.kind != snapshot.KindPod || ss.snap.Timestamp.Before(since) {
			continue
		}
		if sample, ok := usageOf(ss.snap, key); ok {
			out = append(out, sample)
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordDispatches(_ context.Context, results []notify.DispatchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches = append(m.dispatches, results...)
	return nil
}

func (m *MemoryStore) Dispatches(_ context.Context, limit int) ([]notify.DispatchResult, error) {
	if limit <= 0 || limit > DefaultLimit {
		limit = DefaultLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.dispatches)
	slices.Reverse(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PruneOlderThan(_ context.Context, cutoff time.Time) (PruneStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats PruneStats
	keptEvents := m.events[:0]
	for _, se := range m.events {
		if se.event.Timestamp.Before(cutoff) {
			stats.Events++
			continue
		}
		keptEvents = append(keptEvents, se)
	}
	m.events = keptEvents

	newest := make(map[snapshot.Kind]int64)
	for _, ss := range m.snapshots {
		newest[ss.kind] = ss.seq
	}
	keptSnaps := m.snapshots[:0]
	for _, ss := range m.snapshots {
		if ss.snap.Timestamp.Before(cutoff) && ss.seq != newest[ss.kind] {
			stats.Snapshots++
			continue
		}
		keptSnaps = append(keptSnaps, ss)
	}
	m.snapshots = keptSnaps

	keptDispatches := m.dispatches[:0]
	for _, d := range m.dispatches {
		if d.Timestamp.Before(cutoff) {
			stats.Dispatches++
			continue
		}
		keptDispatches = append(keptDispatches, d)
	}
	m.dispatches = keptDispatches

	return stats, nil
}

func (m *MemoryStore) LoadSettings(context.Context) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return nil, false, nil
	}
	return slices.Clone(m.settings), true, nil
}

func (m *MemoryStore) SaveSettings(_ context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = slices.Clone(payload)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
