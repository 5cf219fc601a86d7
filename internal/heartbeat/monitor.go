// Package heartbeat keeps an activated machine alive by pinging the
// licensing service on a fixed interval.
//
// A Monitor pings once when started and then on every tick. With an error
// sink, failed pings are delivered to the sink in tick order and the loop
// keeps going. Without one, the first failure is logged and ends the loop.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"keygen/internal/infrastructure"
)

var (
	ErrNoPinger       = errors.New("heartbeat: pinger is required")
	ErrNoInterval     = errors.New("heartbeat: interval must be positive")
	ErrAlreadyStarted = errors.New("heartbeat: monitor already started")
)

// Pinger sends one heartbeat for a machine.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// State is the lifecycle of a Monitor.
type State int

const (
	StateIdle State = iota
	StateRunning
	// StateFaulted means the last ping failed and was reported to the sink;
	// the loop is still running.
	StateFaulted
	// StateCancelled means Stop was requested and an in-flight ping may
	// still be completing.
	StateCancelled
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFaulted:
		return "faulted"
	case StateCancelled:
		return "cancelled"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of a Monitor.
type Status struct {
	State     State
	Interval  time.Duration
	Pings     int
	Failures  int
	LastPing  time.Time
	LastError error
}

// Monitor runs the heartbeat loop. Create it with New.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	sink     chan<- error
	logger   *slog.Logger
	metrics  *infrastructure.Metrics

	mu       sync.Mutex
	state    State
	err      error
	cancel   context.CancelFunc
	pings    int
	failures int
	lastPing time.Time
	lastErr  error

	done     chan struct{}
	doneOnce sync.Once
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the tick period. It is required.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithErrorSink routes ping failures to sink instead of ending the loop.
// Sends block until received or the monitor is stopped.
func WithErrorSink(sink chan<- error) Option {
	return func(m *Monitor) { m.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = infrastructure.WithComponent(logger, "heartbeat") }
}

func WithMetrics(metrics *infrastructure.Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// New creates an idle monitor.
func New(pinger Pinger, opts ...Option) (*Monitor, error) {
	if pinger == nil {
		return nil, ErrNoPinger
	}
	m := &Monitor{
		pinger:  pinger,
		logger:  infrastructure.WithComponent(nil, "heartbeat"),
		metrics: infrastructure.NoopMetrics(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		return nil, ErrNoInterval
	}
	return m, nil
}

// Start launches the loop. The loop ends when ctx is cancelled, Stop is
// called, or a ping fails without a sink.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return ErrAlreadyStarted
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.state = StateRunning
	go m.run(ctx)

	m.logger.Info("heartbeat monitor started", slog.Duration("interval", m.interval))
	return nil
}

// Stop cancels the loop and waits for it to exit. An in-flight ping is
// allowed to complete. Stopping an idle monitor moves it straight to
// StateStopped.
func (m *Monitor) Stop() {
	m.mu.Lock()
	switch m.state {
	case StateIdle:
		m.state = StateStopped
		m.mu.Unlock()
		m.closeDone()
		return
	case StateRunning, StateFaulted:
		m.state = StateCancelled
	}
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-m.done
}

// Done is closed once the loop has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Err returns the failure that ended the loop. It is nil while running and
// after a cancellation.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:     m.state,
		Interval:  m.interval,
		Pings:     m.pings,
		Failures:  m.failures,
		LastPing:  m.lastPing,
		LastError: m.lastErr,
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer m.closeDone()
	defer m.setState(StateStopped)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if !m.beat(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			m.logger.Debug("heartbeat monitor cancelled")
			return
		case <-ticker.C:
		}
	}
}

// beat sends one ping and reports whether the loop should continue.
func (m *Monitor) beat(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	// The ping runs to completion even if the loop is cancelled meanwhile.
	err := m.pinger.Ping(context.WithoutCancel(ctx))
	m.record(ctx, err)
	if err == nil {
		return ctx.Err() == nil
	}

	if m.sink == nil {
		m.logger.Error("heartbeat ping failed, stopping monitor", slog.String("error", err.Error()))
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		return false
	}

	select {
	case m.sink <- err:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

func (m *Monitor) record(ctx context.Context, err error) {
	m.mu.Lock()
	m.pings++
	m.lastPing = time.Now()
	m.lastErr = err
	if err != nil {
		m.failures++
	}
	switch {
	case m.state == StateCancelled:
	case err != nil && m.sink != nil:
		m.state = StateFaulted
	case err == nil:
		m.state = StateRunning
	}
	m.mu.Unlock()

	result := "ok"
	if err != nil {
		result = "error"
		m.metrics.HeartbeatFailure.Add(ctx, 1)
	}
	m.metrics.HeartbeatPings.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Monitor) closeDone() {
	m.doneOnce.Do(func() { close(m.done) })
}

// Interval returns the ping period for a machine whose heartbeat must arrive
// within duration: duration minus margin, or half of duration when the margin
// does not fit. A non-positive duration yields zero.
func Interval(duration, margin time.Duration) time.Duration {
	if duration <= 0 {
		return 0
	}
	if margin < 0 {
		margin = 0
	}
	if margin >= duration {
		return duration / 2
	}
	return duration - margin
}
