// Package monitor runs the fetch, diff, persist and dispatch cycle.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"podmon-k8s/internal/diff"
	"podmon-k8s/internal/history"
	"podmon-k8s/internal/notify"
	"podmon-k8s/internal/settings"
	"podmon-k8s/internal/snapshot"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

const cycleKey = "cycle"

// ErrStopped is reported by cycles requested after Shutdown.
var ErrStopped = errors.New("monitor stopped")

// Status is the outcome of one cycle.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// CycleResult summarizes one cycle.
type CycleResult struct {
	ID         string                  `json:"id"`
	StartedAt  time.Time               `json:"startedAt"`
	FinishedAt time.Time               `json:"finishedAt"`
	Status     Status                  `json:"status"`
	Baseline   []snapshot.Kind         `json:"baseline,omitempty"`
	Events     []snapshot.ChangeEvent  `json:"events"`
	Dispatches []notify.DispatchResult `json:"dispatches"`
	Rejected   int                     `json:"rejected"`
	Warnings   []string                `json:"warnings,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// Fetcher observes the cluster.
type Fetcher interface {
	Fetch(ctx context.Context, scope snapshot.Scope) (snapshot.Observation, error)
}

// Notifier delivers events to channels.
type Notifier interface {
	Dispatch(ctx context.Context, events []snapshot.ChangeEvent, channels map[notify.Channel]notify.ChannelConfig) []notify.DispatchResult
}

// SettingsSource provides the active settings and change notifications.
type SettingsSource interface {
	Current() settings.Settings
	Subscribe() <-chan struct{}
}

// Recorder receives cycle metrics.
type Recorder interface {
	ObserveCycle(status string, duration time.Duration, finishedAt time.Time)
	ObserveEvent(kind string)
	ObserveRejected(n int)
	ObserveInventory(pods, nodes int)
}

// Options tunes a Runner. Zero values pick defaults. Context bounds cycles
// started by Trigger before Loop runs; it defaults to context.Background.
type Options struct {
	Context         context.Context
	Clock           clock.WithTicker
	Logger          *slog.Logger
	Recorder        Recorder
	StoreTimeout    time.Duration
	DispatchTimeout time.Duration
}

// Runner executes cycles. At most one cycle runs at a time; concurrent
// requests join the running one.
type Runner struct {
	fetcher  Fetcher
	store    history.Store
	notifier Notifier
	settings SettingsSource

	clock           clock.WithTicker
	logger          *slog.Logger
	recorder        Recorder
	storeTimeout    time.Duration
	dispatchTimeout time.Duration

	flight singleflight.Group

	mu       sync.RWMutex
	base     context.Context
	last     CycleResult
	hasLast  bool
	stopped  bool
	inflight sync.WaitGroup
}

// NewRunner wires a Runner. notifier may be nil, in which case nothing is sent.
func NewRunner(fetcher Fetcher, store history.Store, notifier Notifier, src SettingsSource, opts Options) *Runner {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 30 * time.Second
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 2 * time.Minute
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &Runner{
		fetcher:         fetcher,
		store:           store,
		notifier:        notifier,
		settings:        src,
		clock:           opts.Clock,
		logger:          opts.Logger,
		recorder:        opts.Recorder,
		storeTimeout:    opts.StoreTimeout,
		dispatchTimeout: opts.DispatchTimeout,
		base:            opts.Context,
	}
}

// RunCycle runs a cycle on ctx, or waits for the one already running.
func (r *Runner) RunCycle(ctx context.Context) CycleResult {
	v, _, _ := r.flight.Do(cycleKey, func() (any, error) {
		return r.cycle(ctx), nil
	})
	return v.(CycleResult)
}

// Trigger requests an immediate cycle. The cycle runs on the runner's own
// context so an abandoned request does not cancel it. coalesced is true when
// the caller joined a cycle that was already running.
func (r *Runner) Trigger(ctx context.Context) (CycleResult, bool, error) {
	base := r.baseContext()
	started := false
	ch := r.flight.DoChan(cycleKey, func() (any, error) {
		started = true
		return r.cycle(base), nil
	})
	select {
	case res := <-ch:
		return res.Val.(CycleResult), !started, nil
	case <-ctx.Done():
		return CycleResult{}, false, ctx.Err()
	}
}

// Last returns the most recent finished cycle.
func (r *Runner) Last() (CycleResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.hasLast
}

// Loop runs a cycle immediately and then on every tick until ctx ends.
// Interval changes in the settings reset the ticker.
func (r *Runner) Loop(ctx context.Context) {
	r.mu.Lock()
	r.base = ctx
	r.mu.Unlock()

	updates := r.settings.Subscribe()
	interval := r.settings.Current().Monitoring.Interval()
	ticker := r.clock.NewTicker(interval)
	defer func() { ticker.Stop() }()

	r.logger.Info("monitor loop started", slog.Duration("interval", interval))
	for {
		r.RunCycle(ctx)

	wait:
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("monitor loop stopped")
				return
			case <-ticker.C():
				break wait
			case <-updates:
				next := r.settings.Current().Monitoring.Interval()
				if next == interval {
					continue
				}
				ticker.Stop()
				interval = next
				ticker = r.clock.NewTicker(interval)
				r.logger.Info("monitor interval changed", slog.Duration("interval", interval))
			}
		}
	}
}

// Shutdown refuses new cycles and waits for the running one to finish.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.inflight.Wait()
}

func (r *Runner) enter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.inflight.Add(1)
	return true
}

func (r *Runner) baseContext() context.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.base
}

func (r *Runner) cycle(ctx context.Context) CycleResult {
	started := r.clock.Now()
	res := CycleResult{ID: uuid.NewString(), StartedAt: started.UTC()}
	if !r.enter() {
		res.FinishedAt = res.StartedAt
		res.Status = StatusSkipped
		res.Error = ErrStopped.Error()
		return res
	}
	defer r.inflight.Done()

	cfg := r.settings.Current()

	r.execute(ctx, cfg, &res)

	finished := r.clock.Now()
	res.FinishedAt = finished.UTC()
	if r.recorder != nil {
		r.recorder.ObserveCycle(string(res.Status), finished.Sub(started), finished)
	}
	r.mu.Lock()
	r.last = res
	r.hasLast = true
	r.mu.Unlock()

	attrs := []any{
		slog.String("cycle", res.ID),
		slog.String("status", string(res.Status)),
		slog.Int("events", len(res.Events)),
		slog.Int("dispatches", len(res.Dispatches)),
		slog.Int("rejected", res.Rejected),
		slog.Duration("duration", finished.Sub(started)),
	}
	switch res.Status {
	case StatusCompleted:
		r.logger.Info("cycle finished", attrs...)
	default:
		r.logger.Warn("cycle finished", append(attrs, slog.String("error", res.Error))...)
	}
	return res
}

func (r *Runner) execute(ctx context.Context, cfg settings.Settings, res *CycleResult) {
	scope := cfg.Monitoring.Scope()

	fetchCtx, cancel := context.WithTimeout(ctx, cfg.Monitoring.FetchTimeout())
	obs, err := r.fetcher.Fetch(fetchCtx, scope)
	cancel()
	if err != nil {
		res.Status = StatusSkipped
		res.Error = err.Error()
		return
	}

	res.Rejected = len(obs.Rejected)
	for _, rejected := range obs.Rejected {
		r.logger.Warn("entity rejected", slog.String("cycle", res.ID), slog.String("error", rejected.Error()))
	}
	if r.recorder != nil {
		r.recorder.ObserveRejected(res.Rejected)
	}

	kinds := []snapshot.Kind{snapshot.KindPod}
	if scope.IncludeNodes {
		if obs.NodesErr != nil {
			res.Warnings = append(res.Warnings, obs.NodesErr.Error())
		} else {
			kinds = append(kinds, snapshot.KindNode)
		}
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	var events []snapshot.ChangeEvent
	snaps := make(map[snapshot.Kind]snapshot.Snapshot, len(kinds))
	for _, kind := range kinds {
		cur := obs.Snapshot.Only(kind)
		snaps[kind] = cur
		prev, err := r.store.LatestSnapshot(storeCtx, kind)
		if err != nil {
			res.Status = StatusFailed
			res.Error = err.Error()
			return
		}
		previous, ok := prev.Get()
		if !ok {
			res.Baseline = append(res.Baseline, kind)
			continue
		}
		switch kind {
		case snapshot.KindPod:
			events = append(events, diff.Pods(previous.Pods, cur.Pods, cur.Timestamp)...)
		case snapshot.KindNode:
			events = append(events, diff.Nodes(previous.Nodes, cur.Nodes, cur.Timestamp)...)
		}
	}
	for i := range events {
		events[i].ID = uuid.NewString()
		events[i].CycleID = res.ID
	}

	if err := r.store.CommitCycle(storeCtx, events, snaps); err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return
	}
	res.Events = events
	if r.recorder != nil {
		for _, e := range events {
			r.recorder.ObserveEvent(string(e.Kind))
		}
		r.recorder.ObserveInventory(len(obs.Snapshot.Pods), len(obs.Snapshot.Nodes))
	}

	res.Status = StatusCompleted
	toSend := cfg.Monitoring.Alerts.Filter(events)
	if r.notifier == nil || len(toSend) == 0 {
		return
	}
	dispatchCtx, cancelDispatch := context.WithTimeout(ctx, r.dispatchTimeout)
	res.Dispatches = r.notifier.Dispatch(dispatchCtx, toSend, cfg.Channels)
	cancelDispatch()

	if len(res.Dispatches) == 0 {
		return
	}
	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), r.storeTimeout)
	defer cancelRecord()
	if err := r.store.RecordDispatches(recordCtx, res.Dispatches); err != nil {
		r.logger.Warn("failed to record dispatch results", slog.String("cycle", res.ID), slog.String("error", err.Error()))
		res.Warnings = append(res.Warnings, err.Error())
	}
}
