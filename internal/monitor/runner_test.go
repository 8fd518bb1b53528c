package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"podmon-k8s/internal/collector"
	"podmon-k8s/internal/history"
	"podmon-k8s/internal/notify"
	"podmon-k8s/internal/settings"
	"podmon-k8s/internal/snapshot"

	crerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int) (snapshot.Observation, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ snapshot.Scope) (snapshot.Observation, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(ctx, call)
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu     sync.Mutex
	events [][]snapshot.ChangeEvent
}

func (n *fakeNotifier) Dispatch(_ context.Context, events []snapshot.ChangeEvent, _ map[notify.Channel]notify.ChannelConfig) []notify.DispatchResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events)
	out := make([]notify.DispatchResult, 0, len(events))
	for _, e := range events {
		out = append(out, notify.DispatchResult{
			EventID:   e.ID,
			EventKind: e.Kind,
			Subject:   e.Subject.String(),
			Channel:   notify.ChannelEmail,
			Success:   true,
			Attempts:  1,
			Timestamp: e.Timestamp,
		})
	}
	return out
}

func (n *fakeNotifier) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fakeSettings struct {
	mu      sync.Mutex
	current settings.Settings
	subs    []chan struct{}
}

func newFakeSettings(mutate func(*settings.Settings)) *fakeSettings {
	s := settings.Defaults()
	if mutate != nil {
		mutate(&s)
	}
	return &fakeSettings{current: s}
}

func (f *fakeSettings) Current() settings.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current.Clone()
}

func (f *fakeSettings) Subscribe() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{}, 1)
	f.subs = append(f.subs, ch)
	return ch
}

func (f *fakeSettings) set(mutate func(*settings.Settings)) {
	f.mu.Lock()
	mutate(&f.current)
	subs := f.subs
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type failingCommitStore struct {
	history.Store
}

func (failingCommitStore) CommitCycle(context.Context, []snapshot.ChangeEvent, map[snapshot.Kind]snapshot.Snapshot) error {
	return errors.New("database is locked")
}

func pod(ns, name, status, image string) snapshot.PodSnapshot {
	return snapshot.PodSnapshot{Namespace: ns, Name: name, Status: status, Image: image, Images: []string{image}}
}

func node(name, status string) snapshot.NodeSnapshot {
	return snapshot.NodeSnapshot{Name: name, Status: status}
}

func observation(at time.Time, pods []snapshot.PodSnapshot, nodes []snapshot.NodeSnapshot) snapshot.Observation {
	snap := snapshot.Snapshot{
		Timestamp: at,
		Pods:      make(map[snapshot.PodKey]snapshot.PodSnapshot),
		Nodes:     make(map[string]snapshot.NodeSnapshot),
	}
	for _, p := range pods {
		snap.Pods[p.Key()] = p
	}
	for _, n := range nodes {
		snap.Nodes[n.Name] = n
	}
	return snapshot.Observation{Snapshot: snap}
}

func sequence(obs ...snapshot.Observation) func(context.Context, int) (snapshot.Observation, error) {
	return func(_ context.Context, call int) (snapshot.Observation, error) {
		if call > len(obs) {
			return obs[len(obs)-1], nil
		}
		return obs[call-1], nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(f Fetcher, store history.Store, n Notifier, src SettingsSource, clk *clocktesting.FakeClock) *Runner {
	return NewRunner(f, store, n, src, Options{Clock: clk, Logger: discardLogger()})
}

func TestFirstCycleRecordsBaseline(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	notifier := &fakeNotifier{}
	fetcher := &fakeFetcher{fn: sequence(observation(t0,
		[]snapshot.PodSnapshot{pod("default", "web", "Running", "nginx:1.25")},
		[]snapshot.NodeSnapshot{node("node-a", "Ready")},
	))}
	runner := newTestRunner(fetcher, store, notifier, newFakeSettings(nil), clocktesting.NewFakeClock(t0))

	res := runner.RunCycle(ctx)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, res.Events)
	assert.Equal(t, []snapshot.Kind{snapshot.KindPod, snapshot.KindNode}, res.Baseline)
	assert.Zero(t, notifier.Calls())

	latest, err := store.LatestSnapshot(ctx, snapshot.KindPod)
	require.NoError(t, err)
	require.True(t, latest.IsPresent())
	assert.Len(t, latest.MustGet().Pods, 1)

	last, ok := runner.Last()
	require.True(t, ok)
	assert.Equal(t, res.ID, last.ID)
}

func TestCycleDetectsAndDispatchesChanges(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	notifier := &fakeNotifier{}
	fetcher := &fakeFetcher{fn: sequence(
		observation(t0, []snapshot.PodSnapshot{
			pod("default", "api", "Running", "api:1"),
			pod("default", "web", "Running", "nginx:1.25"),
		}, nil),
		observation(t0.Add(10*time.Minute), []snapshot.PodSnapshot{
			pod("default", "api", "CrashLoopBackOff", "api:1"),
			pod("default", "worker", "Pending", "worker:1"),
		}, nil),
	)}
	runner := newTestRunner(fetcher, store, notifier, newFakeSettings(nil), clocktesting.NewFakeClock(t0))

	runner.RunCycle(ctx)
	res := runner.RunCycle(ctx)
	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Events, 3)
	assert.Equal(t, snapshot.PodAdded, res.Events[0].Kind)
	assert.Equal(t, snapshot.PodRemoved, res.Events[1].Kind)
	assert.Equal(t, snapshot.StatusChanged, res.Events[2].Kind)
	for _, e := range res.Events {
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, res.ID, e.CycleID)
		assert.True(t, e.Timestamp.Equal(t0.Add(10*time.Minute)))
	}

	require.Equal(t, 1, notifier.Calls())
	assert.Len(t, res.Dispatches, 3)

	stored, err := store.Events(ctx, history.Query{})
	require.NoError(t, err)
	assert.Len(t, stored, 3)
	dispatches, err := store.Dispatches(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, dispatches, 3)
}

func TestAlertRulesLimitDispatchNotHistory(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	notifier := &fakeNotifier{}
	fetcher := &fakeFetcher{fn: sequence(
		observation(t0, []snapshot.PodSnapshot{pod("default", "web", "Running", "nginx:1.25")}, nil),
		observation(t0.Add(time.Minute), []snapshot.PodSnapshot{
			pod("default", "web", "Running", "nginx:1.26"),
			pod("default", "new", "Running", "new:1"),
		}, nil),
	)}
	src := newFakeSettings(func(s *settings.Settings) {
		s.Monitoring.Alerts = settings.AlertRules{ImageChange: true}
	})
	runner := newTestRunner(fetcher, store, notifier, src, clocktesting.NewFakeClock(t0))

	runner.RunCycle(ctx)
	res := runner.RunCycle(ctx)
	require.Len(t, res.Events, 2)
	require.Equal(t, 1, notifier.Calls())
	require.Len(t, notifier.events[0], 1)
	assert.Equal(t, snapshot.ImageChanged, notifier.events[0][0].Kind)
}

func TestFetchTimeoutSkipsCycle(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	notifier := &fakeNotifier{}
	baseline := observation(t0, []snapshot.PodSnapshot{pod("default", "web", "Running", "nginx:1.25")}, nil)
	later := observation(t0.Add(20*time.Minute), []snapshot.PodSnapshot{pod("default", "web", "Failed", "nginx:1.25")}, nil)
	fetcher := &fakeFetcher{fn: func(ctx context.Context, call int) (snapshot.Observation, error) {
		switch call {
		case 1:
			return baseline, nil
		case 2:
			<-ctx.Done()
			return snapshot.Observation{}, crerrors.Mark(crerrors.Wrap(ctx.Err(), "list pods"), collector.ErrTransientFetch)
		default:
			return later, nil
		}
	}}
	src := newFakeSettings(func(s *settings.Settings) { s.Monitoring.FetchTimeoutSeconds = 1 })
	runner := newTestRunner(fetcher, store, notifier, src, clocktesting.NewFakeClock(t0))

	runner.RunCycle(ctx)

	started := time.Now()
	res := runner.RunCycle(ctx)
	assert.Less(t, time.Since(started), 10*time.Second)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Empty(t, res.Events)
	assert.Contains(t, res.Error, "deadline exceeded")
	assert.Zero(t, notifier.Calls())

	latest, err := store.LatestSnapshot(ctx, snapshot.KindPod)
	require.NoError(t, err)
	assert.True(t, latest.MustGet().Timestamp.Equal(t0), "skipped cycle must not touch stored snapshots")

	res = runner.RunCycle(ctx)
	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "Running", res.Events[0].OldValue)
	assert.Equal(t, "Failed", res.Events[0].NewValue)
}

func TestNodeFailureLeavesNodeKindUntouched(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	first := observation(t0,
		[]snapshot.PodSnapshot{pod("default", "web", "Running", "nginx:1.25")},
		[]snapshot.NodeSnapshot{node("node-a", "Ready")},
	)
	second := observation(t0.Add(time.Minute),
		[]snapshot.PodSnapshot{pod("default", "web", "Running", "nginx:1.25"), pod("default", "api", "Running", "api:1")},
		nil,
	)
	second.NodesErr = errors.New("nodes is forbidden")
	fetcher := &fakeFetcher{fn: sequence(first, second)}
	runner := newTestRunner(fetcher, store, &fakeNotifier{}, newFakeSettings(nil), clocktesting.NewFakeClock(t0))

	runner.RunCycle(ctx)
	res := runner.RunCycle(ctx)
	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Events, 1, "no NodeRemoved must be emitted for an unobserved node kind")
	assert.Equal(t, snapshot.PodAdded, res.Events[0].Kind)
	assert.NotEmpty(t, res.Warnings)

	nodes, err := store.LatestSnapshot(ctx, snapshot.KindNode)
	require.NoError(t, err)
	assert.Contains(t, nodes.MustGet().Nodes, "node-a")
}

func TestPersistFailureFailsCycleWithoutDispatch(t *testing.T) {
	ctx := context.Background()
	mem := history.NewMemoryStore()
	require.NoError(t, mem.SaveSnapshot(ctx, snapshot.KindPod, observation(t0, nil, nil).Snapshot))
	notifier := &fakeNotifier{}
	fetcher := &fakeFetcher{fn: sequence(observation(t0.Add(time.Minute),
		[]snapshot.PodSnapshot{pod("default", "web", "Running", "nginx:1.25")}, nil))}
	runner := newTestRunner(fetcher, failingCommitStore{Store: mem}, notifier, newFakeSettings(func(s *settings.Settings) {
		s.Monitoring.MonitorNodes = false
	}), clocktesting.NewFakeClock(t0))

	res := runner.RunCycle(ctx)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "database is locked")
	assert.Empty(t, res.Events)
	assert.Zero(t, notifier.Calls())
}

func TestRejectedEntitiesAreCounted(t *testing.T) {
	obs := observation(t0, []snapshot.PodSnapshot{pod("default", "web", "Running", "nginx:1.25")}, nil)
	obs.Rejected = []error{errors.New("pod \"\"/\"x\": namespace and name are required")}
	fetcher := &fakeFetcher{fn: sequence(obs)}
	runner := newTestRunner(fetcher, history.NewMemoryStore(), nil, newFakeSettings(nil), clocktesting.NewFakeClock(t0))

	res := runner.RunCycle(context.Background())
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Rejected)
}

func TestTriggerCoalescesWithRunningCycle(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	fetcher := &fakeFetcher{fn: func(ctx context.Context, _ int) (snapshot.Observation, error) {
		entered <- struct{}{}
		<-release
		return observation(t0, nil, nil), nil
	}}
	runner := newTestRunner(fetcher, history.NewMemoryStore(), nil, newFakeSettings(nil), clocktesting.NewFakeClock(t0))

	type outcome struct {
		res       CycleResult
		coalesced bool
	}
	first := make(chan outcome, 1)
	go func() {
		res, coalesced, err := runner.Trigger(context.Background())
		assert.NoError(t, err)
		first <- outcome{res, coalesced}
	}()
	<-entered

	second := make(chan outcome, 1)
	go func() {
		res, coalesced, err := runner.Trigger(context.Background())
		assert.NoError(t, err)
		second <- outcome{res, coalesced}
	}()
	// Give the second trigger time to join before the cycle ends.
	time.Sleep(50 * time.Millisecond)
	close(release)

	a := <-first
	b := <-second
	assert.Equal(t, 1, fetcher.Calls())
	assert.Equal(t, a.res.ID, b.res.ID)
	assert.False(t, a.coalesced)
	assert.True(t, b.coalesced)
}

func TestTriggerOutlivesCancelledRequest(t *testing.T) {
	release := make(chan struct{})
	var done atomic.Bool
	fetcher := &fakeFetcher{fn: func(ctx context.Context, _ int) (snapshot.Observation, error) {
		<-release
		if ctx.Err() != nil {
			return snapshot.Observation{}, ctx.Err()
		}
		done.Store(true)
		return observation(t0, nil, nil), nil
	}}
	runner := newTestRunner(fetcher, history.NewMemoryStore(), nil, newFakeSettings(nil), clocktesting.NewFakeClock(t0))

	reqCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := runner.Trigger(reqCtx)
		errCh <- err
	}()
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	close(release)

	require.Eventually(t, func() bool {
		last, ok := runner.Last()
		return ok && last.Status == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, done.Load())
}

func TestLoopTicksAndFollowsIntervalChanges(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	fetcher := &fakeFetcher{fn: sequence(observation(t0, nil, nil))}
	src := newFakeSettings(func(s *settings.Settings) { s.Monitoring.IntervalSeconds = 3600 })
	runner := newTestRunner(fetcher, history.NewMemoryStore(), nil, src, clk)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		runner.Loop(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return fetcher.Calls() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, clk.HasWaiters, 5*time.Second, 10*time.Millisecond)
	clk.Step(time.Hour)
	require.Eventually(t, func() bool { return fetcher.Calls() == 2 }, 5*time.Second, 10*time.Millisecond)

	src.set(func(s *settings.Settings) { s.Monitoring.IntervalSeconds = 30 })
	require.Eventually(t, func() bool {
		clk.Step(30 * time.Second)
		return fetcher.Calls() >= 3
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}

func TestShutdownWaitsForRunningCycle(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	fetcher := &fakeFetcher{fn: func(ctx context.Context, _ int) (snapshot.Observation, error) {
		entered <- struct{}{}
		<-release
		return observation(t0, nil, nil), nil
	}}
	runner := newTestRunner(fetcher, history.NewMemoryStore(), nil, newFakeSettings(nil), clocktesting.NewFakeClock(t0))

	go func() { _, _, _ = runner.Trigger(context.Background()) }()
	<-entered

	drained := make(chan struct{})
	go func() {
		runner.Shutdown()
		close(drained)
	}()
	select {
	case <-drained:
		t.Fatal("Shutdown returned while a cycle was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return after the cycle finished")
	}

	res := runner.RunCycle(context.Background())
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, ErrStopped.Error(), res.Error)
	assert.Equal(t, 1, fetcher.Calls())
}

func TestTriggerRunsOnConfiguredContext(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &fakeFetcher{fn: func(ctx context.Context, _ int) (snapshot.Observation, error) {
		return snapshot.Observation{}, ctx.Err()
	}}
	runner := NewRunner(fetcher, history.NewMemoryStore(), nil, newFakeSettings(nil), Options{
		Context: base,
		Clock:   clocktesting.NewFakeClock(t0),
		Logger:  discardLogger(),
	})

	res, _, err := runner.Trigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Contains(t, res.Error, context.Canceled.Error())
}
