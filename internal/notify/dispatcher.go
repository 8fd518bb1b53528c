package notify

import (
	"context"
	"log/slog"
	"time"

	"podmon-k8s/internal/snapshot"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// maxRetries is the number of extra attempts after a failed send.
const maxRetries = 1

// Transport delivers one message to the recipients in cfg.
type Transport interface {
	Send(ctx context.Context, cfg ChannelConfig, msg Message) error
}

// Observer is told about every finished delivery.
type Observer interface {
	ObserveDispatch(channel string, success bool)
}

// DispatchResult is the outcome of delivering one event on one channel.
type DispatchResult struct {
	EventID   string             `json:"eventId,omitempty"`
	EventKind snapshot.EventKind `json:"eventKind,omitempty"`
	Subject   string             `json:"subject,omitempty"`
	Channel   Channel            `json:"channel"`
	Success   bool               `json:"success"`
	Attempts  int                `json:"attempts"`
	Reason    string             `json:"reason,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ChannelStatus is the administrator view of one channel.
type ChannelStatus struct {
	Channel    Channel `json:"channel"`
	Enabled    bool    `json:"enabled"`
	Recipients int     `json:"recipients"`
	Scheduled  bool    `json:"scheduled"`
	ActiveNow  bool    `json:"activeNow"`
	Error      string  `json:"error,omitempty"`
}

// Options tunes a Dispatcher.
type Options struct {
	// Timeout bounds each delivery attempt.
	Timeout time.Duration
	// RetryDelay is the fixed wait before the single retry.
	RetryDelay time.Duration
	Clock      clock.PassiveClock
	Logger     *slog.Logger
	Observer   Observer
}

// Dispatcher fans change events out to the configured channels.
type Dispatcher struct {
	transports map[Channel]Transport
	timeout    time.Duration
	retryDelay time.Duration
	clock      clock.PassiveClock
	logger     *slog.Logger
	observer   Observer
}

// NewDispatcher returns a Dispatcher using one transport per channel.
func NewDispatcher(transports map[Channel]Transport, opts Options) *Dispatcher {
	d := &Dispatcher{
		transports: transports,
		timeout:    opts.Timeout,
		retryDelay: opts.RetryDelay,
		clock:      opts.Clock,
		logger:     opts.Logger,
		observer:   opts.Observer,
	}
	if d.timeout <= 0 {
		d.timeout = 30 * time.Second
	}
	if d.retryDelay < 0 {
		d.retryDelay = 0
	}
	if d.clock == nil {
		d.clock = clock.RealClock{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Dispatch delivers every event on every channel that is enabled, valid and
// inside its schedule. Channels run concurrently and fail independently.
// Results are ordered by event, then by channel. Failures are reported in the
// results, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, events []snapshot.ChangeEvent, channels map[Channel]ChannelConfig) []DispatchResult {
	if len(events) == 0 {
		return nil
	}
	active := d.activeChannels(channels, d.clock.Now())
	if len(active) == 0 {
		return nil
	}

	perChannel := make([][]DispatchResult, len(active))
	var g errgroup.Group
	for i, ch := range active {
		cfg := channels[ch]
		g.Go(func() error {
			results := make([]DispatchResult, 0, len(events))
			for _, e := range events {
				results = append(results, d.deliver(ctx, ch, cfg, Render(e), e))
			}
			perChannel[i] = results
			return nil
		})
	}
	_ = g.Wait()

	out := make([]DispatchResult, 0, len(events)*len(active))
	for ei := range events {
		for ci := range active {
			out = append(out, perChannel[ci][ei])
		}
	}
	return out
}

// SendTest sends a test message on one channel, ignoring its schedule.
func (d *Dispatcher) SendTest(ctx context.Context, ch Channel, cfg ChannelConfig) DispatchResult {
	now := d.clock.Now()
	result := DispatchResult{Channel: ch, Timestamp: now}
	if !cfg.Enabled {
		result.Reason = "channel disabled"
		return result
	}
	if _, ok := d.transports[ch]; !ok {
		result.Reason = "no transport for channel"
		return result
	}
	if err := Validate(ch, cfg); err != nil {
		result.Reason = err.Error()
		return result
	}
	return d.deliver(ctx, ch, cfg, TestMessage(now), snapshot.ChangeEvent{})
}

// Status reports, for every known channel, whether it would send right now.
func (d *Dispatcher) Status(channels map[Channel]ChannelConfig) []ChannelStatus {
	now := d.clock.Now()
	out := make([]ChannelStatus, 0, len(Channels))
	for _, ch := range Channels {
		cfg := channels[ch]
		st := ChannelStatus{
			Channel:    ch,
			Enabled:    cfg.Enabled,
			Recipients: len(cfg.Recipients),
			Scheduled:  len(cfg.Schedule) > 0,
		}
		if cfg.Enabled {
			if err := Validate(ch, cfg); err != nil {
				st.Error = err.Error()
			} else if _, ok := d.transports[ch]; !ok {
				st.Error = "no transport for channel"
			} else {
				st.ActiveNow = Permits(cfg.Schedule, now)
			}
		}
		out = append(out, st)
	}
	return out
}

func (d *Dispatcher) activeChannels(channels map[Channel]ChannelConfig, now time.Time) []Channel {
	var active []Channel
	for _, ch := range Channels {
		cfg, ok := channels[ch]
		if !ok || !cfg.Enabled {
			continue
		}
		if _, ok := d.transports[ch]; !ok {
			d.logger.Warn("no transport for enabled channel", slog.String("channel", string(ch)))
			continue
		}
		if err := Validate(ch, cfg); err != nil {
			d.logger.Warn("channel misconfigured, treating as disabled",
				slog.String("channel", string(ch)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !Permits(cfg.Schedule, now) {
			d.logger.Debug("channel outside schedule", slog.String("channel", string(ch)))
			continue
		}
		active = append(active, ch)
	}
	return active
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, cfg ChannelConfig, msg Message, e snapshot.ChangeEvent) DispatchResult {
	attempts, err := d.send(ctx, ch, cfg, msg)
	result := DispatchResult{
		EventID:   e.ID,
		EventKind: e.Kind,
		Subject:   e.Subject.String(),
		Channel:   ch,
		Success:   err == nil,
		Attempts:  attempts,
		Timestamp: d.clock.Now(),
	}
	if err != nil {
		err = errors.Mark(err, ErrDispatch)
		result.Reason = err.Error()
		d.logger.Warn("notification delivery failed",
			slog.String("channel", string(ch)),
			slog.String("event", string(e.Kind)),
			slog.String("subject", result.Subject),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
	}
	if d.observer != nil {
		d.observer.ObserveDispatch(string(ch), result.Success)
	}
	return result
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, cfg ChannelConfig, msg Message) (int, error) {
	transport := d.transports[ch]
	attempts := 0
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		err := safeSend(attemptCtx, transport, cfg, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConfiguration) || errors.Is(err, errTransportPanic) {
			return backoff.Permanent(err)
		}
		var partial *RecipientsError
		if errors.As(err, &partial) && len(partial.Failed) > 0 {
			cfg.Recipients = partial.Failed
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(d.retryDelay), maxRetries), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		d.logger.Info("retrying notification",
			slog.String("channel", string(ch)),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
	return attempts, err
}

var errTransportPanic = errors.New("transport panicked")

// safeSend turns a panicking transport into a failed attempt so one channel
// cannot take the process down.
func safeSend(ctx context.Context, transport Transport, cfg ChannelConfig, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Newf("transport panicked: %v", r), errTransportPanic)
		}
	}()
	return transport.Send(ctx, cfg, msg)
}
