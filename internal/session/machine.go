package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// State is the node's connection state.
type State int

const (
	StateLinkDown State = iota
	StateLinkUp
	StateBusConnecting
	StateBusConnected
)

func (s State) String() string {
	switch s {
	case StateLinkDown:
		return "link_down"
	case StateLinkUp:
		return "link_up"
	case StateBusConnecting:
		return "bus_connecting"
	case StateBusConnected:
		return "bus_connected"
	default:
		return "invalid"
	}
}

// LinkProbe reports whether the network link is usable.
type LinkProbe interface {
	LinkUp() bool
}

// Connector opens and closes the bus session.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect()
}

// Hooks run on the goroutine that calls Step or Lost.
type Hooks struct {
	// Connected runs after entering StateBusConnected.
	Connected func()
	// Disconnected runs after leaving StateBusConnected; err is nil when
	// the link went away.
	Disconnected func(err error)
	// Attempt runs after every connect attempt.
	Attempt func(attempt int, err error, retryIn time.Duration)
}

// Snapshot is a read-only view of the machine.
type Snapshot struct {
	State       State
	LinkUp      bool
	Connected   bool
	Attempts    int
	NextAttempt time.Time
	LastError   string
	LastBeat    uint64
}

// Machine drives LINK_DOWN -> LINK_UP -> BUS_CONNECTING -> BUS_CONNECTED.
// It is not safe for concurrent use; one goroutine owns it.
type Machine struct {
	cfg     Config
	probe   LinkProbe
	conn    Connector
	hooks   Hooks
	log     zerolog.Logger
	backoff *backoff.ExponentialBackOff

	state       State
	attempts    int
	nextAttempt time.Time
	lastErr     error
	lastBeat    uint64
}

func NewMachine(cfg Config, probe LinkProbe, conn Connector, logger zerolog.Logger) *Machine {
	cfg = cfg.WithDefaults()
	return &Machine{
		cfg:     cfg,
		probe:   probe,
		conn:    conn,
		log:     logger,
		backoff: NewBackoff(cfg.Backoff),
		state:   StateLinkDown,
	}
}

func (m *Machine) SetHooks(h Hooks) { m.hooks = h }

func (m *Machine) State() State { return m.state }

func (m *Machine) Connected() bool { return m.state == StateBusConnected }

func (m *Machine) LinkUp() bool { return m.state != StateLinkDown }

// MarkBeat records the logical clock value of the last published beacon.
func (m *Machine) MarkBeat(beat uint64) { m.lastBeat = beat }

func (m *Machine) Snapshot() Snapshot {
	snap := Snapshot{
		State:       m.state,
		LinkUp:      m.LinkUp(),
		Connected:   m.Connected(),
		Attempts:    m.attempts,
		NextAttempt: m.nextAttempt,
		LastBeat:    m.lastBeat,
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	return snap
}

// Step advances the machine as far as it can at now. A connect attempt is
// made only when one is due and is bounded by ConnectTimeout.
func (m *Machine) Step(ctx context.Context, now time.Time) State {
	if !m.probe.LinkUp() {
		m.linkLost()
		return m.state
	}
	if m.state == StateLinkDown {
		m.transition(StateLinkUp)
	}
	if m.state == StateLinkUp {
		m.nextAttempt = now
		m.transition(StateBusConnecting)
	}
	if m.state == StateBusConnecting && !now.Before(m.nextAttempt) {
		m.attempt(ctx, now)
	}
	return m.state
}

// Lost reports a transport error on an established session.
func (m *Machine) Lost(now time.Time, err error) {
	if m.state != StateBusConnected {
		return
	}
	m.lastErr = err
	m.conn.Disconnect()
	m.backoff.Reset()
	m.nextAttempt = now.Add(m.backoff.NextBackOff())
	m.transition(StateBusConnecting)
	m.log.Warn().Err(err).Time("retry_at", m.nextAttempt).Msg("session.Machine.Lost bus connection lost")
	if m.hooks.Disconnected != nil {
		m.hooks.Disconnected(err)
	}
}

func (m *Machine) attempt(ctx context.Context, now time.Time) {
	m.attempts++
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	err := m.conn.Connect(attemptCtx)
	cancel()
	if err != nil {
		m.lastErr = err
		delay := m.backoff.NextBackOff()
		m.nextAttempt = now.Add(delay)
		m.log.Warn().
			Int("attempt", m.attempts).
			Dur("retry_in", delay).
			Err(err).
			Msg("session.Machine.attempt connect failed")
		if m.hooks.Attempt != nil {
			m.hooks.Attempt(m.attempts, err, delay)
		}
		return
	}

	if m.hooks.Attempt != nil {
		m.hooks.Attempt(m.attempts, nil, 0)
	}
	m.attempts = 0
	m.lastErr = nil
	m.backoff.Reset()
	m.transition(StateBusConnected)
	if m.hooks.Connected != nil {
		m.hooks.Connected()
	}
}

func (m *Machine) linkLost() {
	if m.state == StateLinkDown {
		return
	}
	wasConnected := m.state == StateBusConnected
	if wasConnected || m.state == StateBusConnecting {
		m.conn.Disconnect()
	}
	m.attempts = 0
	m.backoff.Reset()
	m.transition(StateLinkDown)
	if wasConnected && m.hooks.Disconnected != nil {
		m.hooks.Disconnected(nil)
	}
}

func (m *Machine) transition(next State) {
	if m.state == next {
		return
	}
	m.log.Debug().Str("from", m.state.String()).Str("to", next.String()).Msg("session.Machine state")
	m.state = next
}
