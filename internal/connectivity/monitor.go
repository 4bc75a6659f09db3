// Package connectivity owns the device's online/offline state. Raw probe
// observations are debounced before subscribers hear about a transition.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/angelmondragon/fieldsync/pkg/clock"
	"github.com/angelmondragon/fieldsync/pkg/logger"
	"github.com/angelmondragon/fieldsync/pkg/metrics"
)

// DefaultStabilizationWindow is how long a raw transition must persist.
const DefaultStabilizationWindow = 2 * time.Second

// State is the last published connectivity state.
type State struct {
	Connected bool      `json:"connected"`
	Since     time.Time `json:"since"`
}

// Probe is the platform hook answering "is the remote reachable".
type Probe interface {
	// Check performs a point-in-time reachability test.
	Check(ctx context.Context) (bool, error)
	// Watch emits raw observations until ctx is done, then closes the channel.
	Watch(ctx context.Context) <-chan bool
}

type Options struct {
	Probe               Probe
	Clock               clock.Clock
	Logger              *logger.Logger
	Metrics             *metrics.SyncMetrics
	StabilizationWindow time.Duration
	// Initial is the state assumed before the first published transition.
	Initial bool
}

// Monitor is the single owner of ConnectivityState.
//
// Thread-safety: all methods are safe for concurrent use. Subscribers are
// invoked without the monitor lock held, from whichever goroutine commits
// the transition; they must not block.
type Monitor struct {
	probe   Probe
	clock   clock.Clock
	logg    *logger.Logger
	metrics *metrics.SyncMetrics
	window  time.Duration

	mu           sync.Mutex
	state        State
	pending      clock.Timer
	pendingValue bool
	generation   uint64
	subs         map[int]func(State)
	nextSub      int
}

func NewMonitor(opts Options) (*Monitor, error) {
	if opts.Probe == nil {
		return nil, errors.New("connectivity probe required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logg := opts.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	window := opts.StabilizationWindow
	if window < 0 {
		window = 0
	}
	return &Monitor{
		probe:   opts.Probe,
		clock:   clk,
		logg:    logg,
		metrics: opts.Metrics,
		window:  window,
		state:   State{Connected: opts.Initial, Since: clk.Now()},
		subs:    map[int]func(State){},
	}, nil
}

// CurrentState returns the last published state without blocking on I/O.
func (m *Monitor) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for published transitions.
func (m *Monitor) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// ProbeNow runs an active check. The result is debounced like any other
// observation, so the returned state may not reflect it yet. A probe error
// counts as disconnected.
func (m *Monitor) ProbeNow(ctx context.Context) (State, error) {
	ok, err := m.probe.Check(ctx)
	m.Observe(ok && err == nil)
	return m.CurrentState(), err
}

// Observe feeds one raw observation into the debouncer.
func (m *Monitor) Observe(connected bool) {
	m.mu.Lock()
	if m.pending != nil {
		if connected == m.pendingValue {
			m.mu.Unlock()
			return
		}
		// flapped back before the window elapsed
		m.pending.Stop()
		m.pending = nil
		m.generation++
		m.mu.Unlock()
		return
	}
	if connected == m.state.Connected {
		m.mu.Unlock()
		return
	}
	m.generation++
	gen := m.generation
	m.pendingValue = connected
	if m.window == 0 {
		m.mu.Unlock()
		m.commit(gen, connected)
		return
	}
	m.pending = m.clock.AfterFunc(m.window, func() { m.commit(gen, connected) })
	m.mu.Unlock()
}

func (m *Monitor) commit(gen uint64, connected bool) {
	m.mu.Lock()
	if gen != m.generation || m.state.Connected == connected {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	m.state = State{Connected: connected, Since: m.clock.Now()}
	state := m.state
	subs := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.metrics.ConnectivityTransition(connected)
	ctx := m.logg.WithField(context.Background(), "connected", connected)
	m.logg.Info(ctx, "connectivity changed")
	for _, fn := range subs {
		fn(state)
	}
}

// Run consumes the probe's change notifications until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	updates := m.probe.Watch(ctx)
	defer m.stopPending()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			m.Observe(v)
		}
	}
}

func (m *Monitor) stopPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
		m.generation++
	}
}
