package liveness

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/liveness")

const (
	// DefaultInterval is the delay between two probes.
	DefaultInterval = 200 * time.Millisecond
	// DefaultName labels the state gauge of an unnamed monitor.
	DefaultName = "default"

	eventBuffer  = 8
	signalBuffer = 16
)

// Prober is the part of a session backend the monitor depends on.
type Prober interface {
	// Probe performs a lightweight reachability check. Errors wrapping
	// errors.ErrSessionExpired mean the session is definitely gone; any
	// other error except errors.ErrProtocol counts as connection loss.
	Probe(ctx context.Context) error
	// SessionTimeout returns the timeout negotiated at connect time.
	SessionTimeout() time.Duration
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the probe cadence.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithProbeTimeout bounds a single probe. It defaults to the interval.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		m.probeTimeout = d
	}
}

// WithClock replaces time.Now when measuring disconnect duration.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// WithMetrics records probes and state changes on the collectors of the
// metrics package. Registering them is left to the caller.
func WithMetrics() Option {
	return func(m *Monitor) {
		m.metrics = true
	}
}

// WithName sets the session label used for the state gauge. Monitors
// sharing a process need distinct names.
func WithName(name string) Option {
	return func(m *Monitor) {
		m.name = name
	}
}

// WithBus publishes every event on syncbus.LivenessTopic(event.String()).
func WithBus(bus syncbus.Bus) Option {
	return func(m *Monitor) {
		m.bus = bus
	}
}

// WithNotifications feeds connectivity signals raised by the backend on its
// own goroutines into the monitor. They are handled on the polling goroutine
// exactly like probe results.
func WithNotifications(ch <-chan error) Option {
	return func(m *Monitor) {
		m.signals = ch
	}
}

// Monitor polls a Prober on a fixed cadence and tells transient connection
// loss apart from session expiry by timing how long the connection stays
// lost against the session timeout.
type Monitor struct {
	prober       Prober
	timeout      time.Duration
	interval     time.Duration
	probeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      bool
	name         string
	bus          syncbus.Bus
	signals      <-chan error

	mu             sync.Mutex
	state          State
	disconnectedAt time.Time

	events   chan Event
	notify   chan error
	quit     chan struct{}
	done     chan struct{}
	life     sync.Mutex
	started  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New returns a monitor for prober. The session timeout is read once, here.
func New(prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober:   prober,
		timeout:  prober.SessionTimeout(),
		interval: DefaultInterval,
		now:      time.Now,
		logger:   slog.Default(),
		name:     DefaultName,
		state:    StateConnected,
		events:   make(chan Event, eventBuffer),
		notify:   make(chan error, signalBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = m.interval
	}
	return m
}

// Events returns the channel transitions are delivered on. It has a single
// consumer in mind and is closed when the polling goroutine exits. Reading
// it is optional: when the buffer fills up, disconnect and reconnect events
// are dropped while EventExpired is always delivered.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Done is closed when the monitor stops polling, either because the
// session expired or because Stop was called.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// State returns the current session state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Expired reports whether the session reached the terminal state.
func (m *Monitor) Expired() bool {
	return m.State() == StateExpired
}

// DisconnectedSince returns when the current disconnect started. The
// boolean is false while connected.
func (m *Monitor) DisconnectedSince() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectedAt, !m.disconnectedAt.IsZero()
}

// SessionTimeout returns the timeout the monitor measures disconnects
// against.
func (m *Monitor) SessionTimeout() time.Duration {
	return m.timeout
}

// Notify hands a backend signal to the polling goroutine. A nil err reports
// a healthy connection. Signals are dropped when the queue is full since the
// next probe observes the same condition.
func (m *Monitor) Notify(err error) {
	select {
	case m.notify <- err:
	default:
	}
}

// Start launches the polling goroutine. The first probe runs immediately.
// Calling Start more than once has no effect.
func (m *Monitor) Start(ctx context.Context) {
	m.life.Lock()
	defer m.life.Unlock()
	if m.started {
		return
	}
	select {
	case <-m.quit:
		return
	default:
	}
	m.started = true
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop halts polling and waits for the polling goroutine to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.life.Lock()
		close(m.quit)
		started := m.started
		m.life.Unlock()
		if !started {
			close(m.done)
		}
	})
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()
	defer close(m.done)
	defer close(m.events)

	if m.step(ctx) == StateExpired {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	signals := m.signals
	for {
		var st State
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		case <-ticker.C:
			st = m.step(ctx)
		case err, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			st = m.observe(err)
		case err := <-m.notify:
			st = m.observe(err)
		}
		if st == StateExpired {
			m.logger.Info("latch: session expired, polling stopped")
			return
		}
	}
}

// step runs one probe and applies its result. Once the session expired it
// returns immediately without probing.
func (m *Monitor) step(ctx context.Context) State {
	if m.Expired() {
		return StateExpired
	}
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	pctx, span := tracer.Start(pctx, "Monitor.Probe")
	err := m.prober.Probe(pctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if ctx.Err() != nil {
		// Our own cancellation, not a backend failure.
		span.End()
		return m.State()
	}
	st := m.observe(err)
	span.SetAttributes(attribute.String("latch.session.state", st.String()))
	span.End()
	return st
}

// observe applies a probe result or backend signal to the state machine
// and emits the resulting event, if any. Only the polling goroutine calls
// it, which keeps events ordered and lets run close the channel safely.
func (m *Monitor) observe(err error) State {
	ev, st, changed := m.transition(err)
	if changed {
		m.emit(ev)
	}
	return st
}

func (m *Monitor) transition(err error) (Event, State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateExpired {
		return 0, StateExpired, false
	}
	switch {
	case err == nil:
		m.record(metrics.ResultOK)
		if m.state != StateSuspect {
			return 0, m.state, false
		}
		m.logger.Info("latch: connection restored", "disconnected_for", m.now().Sub(m.disconnectedAt))
		m.setState(StateConnected)
		m.disconnectedAt = time.Time{}
		return EventReconnected, StateConnected, true

	case errors.Is(err, latcherrors.ErrSessionExpired):
		m.record(metrics.ResultSessionExpired)
		m.logger.Warn("latch: backend reported session expiry", "error", err)
		m.setState(StateExpired)
		return EventExpired, StateExpired, true

	case errors.Is(err, latcherrors.ErrProtocol):
		m.logger.Warn("latch: unexpected probe response", "error", err)
		return 0, m.state, false

	default:
		m.record(metrics.ResultConnectionLoss)
		now := m.now()
		if m.state == StateConnected {
			m.logger.Debug("latch: connection lost, waiting for session timeout", "timeout", m.timeout, "error", err)
			m.setState(StateSuspect)
			m.disconnectedAt = now
			return EventDisconnected, StateSuspect, true
		}
		if elapsed := now.Sub(m.disconnectedAt); elapsed > m.timeout {
			m.logger.Warn("latch: disconnected longer than session timeout", "elapsed", elapsed, "timeout", m.timeout)
			m.setState(StateExpired)
			return EventExpired, StateExpired, true
		}
		return 0, StateSuspect, false
	}
}

func (m *Monitor) setState(s State) {
	m.state = s
	if m.metrics {
		metrics.SessionStateGauge.WithLabelValues(m.name).Set(float64(s))
	}
}

func (m *Monitor) record(result string) {
	if m.metrics {
		metrics.ProbeCounter.WithLabelValues(result).Inc()
	}
}

func (m *Monitor) emit(ev Event) {
	if m.bus != nil {
		if err := m.bus.Publish(context.Background(), syncbus.LivenessTopic(ev.String())); err != nil {
			m.logger.Warn("latch: liveness publish failed", "event", ev.String(), "error", err)
		}
	}
	// Only the polling goroutine sends, so the length check cannot race
	// with another sender. The last slot is kept for EventExpired, which
	// happens at most once.
	if ev != EventExpired && len(m.events) >= cap(m.events)-1 {
		m.logger.Warn("latch: liveness event dropped, events channel not drained", "event", ev.String())
		return
	}
	m.events <- ev
}
