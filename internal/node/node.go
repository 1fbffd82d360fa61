package node

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/acnode/internal/approval"
	"github.com/danmuck/acnode/internal/beat"
	"github.com/danmuck/acnode/internal/bus"
	"github.com/danmuck/acnode/internal/cloak"
	"github.com/danmuck/acnode/internal/dispatch"
	"github.com/danmuck/acnode/internal/features"
	"github.com/danmuck/acnode/internal/observability"
	"github.com/danmuck/acnode/internal/protocol"
	"github.com/danmuck/acnode/internal/security"
	"github.com/danmuck/acnode/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Dialer builds the bus client. The node passes the Events the client must
// report to and the last-will it must register.
type Dialer func(events bus.Events, will bus.Will) bus.Client

// Deps are the node's collaborators. Probe and Dial are required.
type Deps struct {
	Probe session.LinkProbe
	Dial  Dialer
	// Clock defaults to a fresh counter started at zero.
	Clock *beat.Counter
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Node is one access-control endpoint.
type Node struct {
	cfg    Config
	topics protocol.Topics
	log    zerolog.Logger
	now    func() time.Time

	clock     *beat.Counter
	engine    *cloak.Engine
	fatal     error
	chain     *security.Chain
	registry  *dispatch.Registry
	approvals *approval.Workflow
	client    bus.Client
	machine   *session.Machine

	inbox chan bus.Message
	lost  chan error
	wake  chan struct{}

	started    atomic.Bool
	runCtx     context.Context
	lastBeacon time.Time
	lastSwipe  uint64
	debugAlive atomic.Bool
	online     bool

	onError        func(kind ErrorKind, err error)
	onConnect      func()
	onDisconnect   func()
	onValidatedCmd func(req dispatch.Request) dispatch.Result
	onApproval     func(tag string)
	onDenied       func(tag string, reason approval.Reason)
}

// New builds a node. Unusable key material does not fail here: it is
// reported through OnError when the node is started, and the node then
// refuses to run.
func New(cfg Config, deps Deps) (*Node, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Identity.Validate(); err != nil {
		return nil, err
	}
	if deps.Probe == nil || deps.Dial == nil {
		return nil, fmt.Errorf("%w: link probe and dialer are required", ErrInvalidConfig)
	}
	logger := log.Logger
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	logger = logger.With().Str("node", cfg.Identity.Moi).Logger()
	clock := deps.Clock
	if clock == nil {
		clock = beat.NewCounter(0)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	n := &Node{
		cfg: cfg,
		topics: protocol.NewTopics(
			cfg.Identity.Prefix, cfg.Identity.Machine, cfg.Identity.Master, cfg.Identity.Moi,
		),
		log:       logger,
		now:       now,
		clock:     clock,
		chain:     security.NewChain(),
		registry:  dispatch.NewRegistry(),
		approvals: approval.New(cfg.Approval),
		inbox:     make(chan bus.Message, cfg.QueueSize),
		lost:      make(chan error, 4),
		wake:      make(chan struct{}, 1),
		runCtx:    context.Background(),
	}

	n.debugAlive.Store(cfg.DebugAlive)

	engine, err := cloak.New(cloak.Config{Scheme: cfg.Scheme, Secret: cfg.Secret, Moi: cfg.Identity.Moi}, clock)
	if err != nil {
		n.fatal = err
	} else {
		n.engine = engine
		if err := n.chain.Add(security.NewCloakHandler(engine, logger)); err != nil {
			return nil, err
		}
	}

	builtins, err := features.Build(cfg.Features, n)
	if err != nil {
		return nil, err
	}
	for _, h := range builtins {
		if err := n.registry.Register(h); err != nil {
			return nil, err
		}
	}

	n.approvals.OnApproval(n.approved)
	n.approvals.OnDenied(n.denied)
	n.client = deps.Dial(transportEvents{n: n}, n.will())
	n.machine = session.NewMachine(cfg.Session, deps.Probe, n.client, logger)
	n.machine.SetHooks(session.Hooks{
		Connected:    n.busConnected,
		Disconnected: n.busDisconnected,
		Attempt: func(_ int, err error, _ time.Duration) {
			observability.RecordConnectAttempt(n.cfg.Identity.Moi, err == nil)
		},
	})
	return n, nil
}

func (n *Node) OnError(fn func(kind ErrorKind, err error)) *Node {
	n.onError = fn
	return n
}

func (n *Node) OnConnect(fn func()) *Node {
	n.onConnect = fn
	return n
}

func (n *Node) OnDisconnect(fn func()) *Node {
	n.onDisconnect = fn
	return n
}

// OnValidatedCmd receives commands no registered handler claimed.
func (n *Node) OnValidatedCmd(fn func(req dispatch.Request) dispatch.Result) *Node {
	n.onValidatedCmd = fn
	return n
}

func (n *Node) OnApproval(fn func(tag string)) *Node {
	n.onApproval = fn
	return n
}

func (n *Node) OnDenied(fn func(tag string, reason approval.Reason)) *Node {
	n.onDenied = fn
	return n
}

// AddHandler registers a feature handler behind the built-ins.
func (n *Node) AddHandler(h dispatch.Handler) error {
	if n.started.Load() {
		return ErrAlreadyStarted
	}
	return n.registry.Register(h)
}

// AddSecurityHandler appends h to the security chain. Its scheme must match
// the configured one.
func (n *Node) AddSecurityHandler(h security.Handler) error {
	if n.started.Load() {
		return ErrAlreadyStarted
	}
	return n.chain.Add(h)
}

func (n *Node) SetDebugAlive(on bool) { n.debugAlive.Store(on) }

// Begin starts the logical clock. It fails, after reporting ErrorFatal, if
// the key material could not be used.
func (n *Node) Begin(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if n.fatal != nil {
		err := fmt.Errorf("%w: %w", ErrFatal, n.fatal)
		n.log.Error().Err(n.fatal).Msg("node.Node.Begin unusable security configuration - refusing to run")
		if n.onError != nil {
			n.onError(ErrorFatal, err)
		}
		return err
	}
	n.runCtx = ctx
	go n.clock.Run(ctx, n.cfg.ClockInterval)
	n.log.Info().
		Str("machine", n.cfg.Identity.Machine).
		Str("master", n.cfg.Identity.Master).
		Str("scheme", string(n.cfg.Scheme)).
		Strs("handlers", n.registry.Names()).
		Msg("node.Node.Begin ready")
	return nil
}

// Run starts the node if needed and services it until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	if !n.started.Load() {
		if err := n.Begin(ctx); err != nil {
			return err
		}
	} else if n.fatal != nil {
		return ErrDisabled
	}
	ticker := time.NewTicker(n.cfg.LoopInterval)
	defer ticker.Stop()
	defer n.shutdown()

	for {
		n.Service(ctx, n.now())
		select {
		case <-ctx.Done():
			n.log.Info().Msg("node.Node.Run shutdown")
			return nil
		case <-ticker.C:
		case <-n.wake:
		}
	}
}

// Service runs one loop iteration at now.
func (n *Node) Service(ctx context.Context, now time.Time) {
	if n.fatal != nil {
		return
	}
	n.drainLost(now)
	n.machine.Step(ctx, now)
	n.drainInbox()
	for _, item := range n.approvals.Expire(now) {
		n.log.Info().Str("request_id", item.RequestID).Msg("node.Node.Service approval expired")
	}
	if n.machine.Connected() && !now.Before(n.lastBeacon.Add(n.cfg.BeatInterval)) {
		n.publishBeat(now)
	}
	observability.SetConnectionState(n.cfg.Identity.Moi, int(n.machine.State()))
}

func (n *Node) drainLost(now time.Time) {
	for {
		select {
		case err := <-n.lost:
			n.machine.Lost(now, err)
		default:
			return
		}
	}
}

func (n *Node) drainInbox() {
	for i := 0; i < cap(n.inbox); i++ {
		select {
		case msg := <-n.inbox:
			n.Process(msg.Topic, msg.Payload)
		default:
			return
		}
	}
}

func (n *Node) shutdown() {
	n.runCtx = context.Background()
	if n.machine.Connected() {
		if payload, err := n.announcement(protocol.StateOffline); err == nil {
			_ = n.publish(n.topics.Online(), payload, true)
		}
	}
	n.client.Disconnect()
}

// State reports the connection state.
func (n *Node) State() session.State { return n.machine.State() }

// Snapshot reports the connection session.
func (n *Node) Snapshot() session.Snapshot { return n.machine.Snapshot() }

// IsConnected reports whether the network link is up.
func (n *Node) IsConnected() bool { return n.machine.LinkUp() }

// IsUp reports whether the bus session is established.
func (n *Node) IsUp() bool { return n.machine.Connected() }

// Beat is the current logical clock value.
func (n *Node) Beat() uint64 { return n.clock.Now() }

// LastSwipe is the logical clock value of the last accepted tag submission.
func (n *Node) LastSwipe() uint64 { return n.lastSwipe }

func (n *Node) Topics() protocol.Topics { return n.topics }

// Cloak turns a raw tag into a token for this node's scheme.
func (n *Node) Cloak(tag string) (string, error) {
	if n.engine == nil {
		return "", fmt.Errorf("%w: %v", ErrDisabled, n.fatal)
	}
	return n.engine.Cloak(tag)
}

// Subject is the key approvals for tag's tokens are filed under and the
// value OnApproval and OnDenied report for bus tag submissions.
func (n *Node) Subject(tag string) (string, error) {
	if n.engine == nil {
		return "", fmt.Errorf("%w: %v", ErrDisabled, n.fatal)
	}
	return n.engine.Subject(tag)
}

// RequestApproval asks the master to decide on tag. The request is
// published now if the bus is up, otherwise on the next connect.
func (n *Node) RequestApproval(tag, operation, target string) (approval.Pending, error) {
	if n.fatal != nil {
		return approval.Pending{}, ErrDisabled
	}
	item, err := n.approvals.Request(n.now(), tag, tag, operation, target)
	if err != nil {
		return approval.Pending{}, err
	}
	n.publishRequest(item)
	return item, nil
}

// Status is the snapshot served by the status command.
func (n *Node) Status() features.Status {
	return features.Status{
		Node:      n.cfg.Identity.Moi,
		Machine:   n.cfg.Identity.Machine,
		Master:    n.cfg.Identity.Master,
		State:     n.machine.State().String(),
		Scheme:    string(n.cfg.Scheme),
		Beat:      n.clock.Now(),
		LastSwipe: n.lastSwipe,
		Pending:   n.approvals.Len(),
		Handlers:  n.registry.Names(),
	}
}

func (n *Node) approved(tag string) {
	observability.RecordApproval(n.cfg.Identity.Moi, approval.StateApproved.String())
	n.log.Info().Str("tag", tag).Msg("node.Node approval granted")
	if n.onApproval != nil {
		n.onApproval(tag)
	}
}

func (n *Node) denied(tag string, reason approval.Reason) {
	observability.RecordApproval(n.cfg.Identity.Moi, string(reason))
	n.log.Info().Str("tag", tag).Str("reason", string(reason)).Msg("node.Node approval denied")
	if n.onDenied != nil {
		n.onDenied(tag, reason)
	}
}

func (n *Node) reportTransport(err error) {
	if err == nil || errors.Is(err, bus.ErrNotConnected) {
		return
	}
	if n.onError != nil {
		n.onError(ErrorTransport, err)
	}
}

// transportEvents is handed to the bus client. Its methods run on transport
// goroutines and only enqueue.
type transportEvents struct {
	n *Node
}

func (e transportEvents) OnMessage(msg bus.Message) {
	select {
	case e.n.inbox <- msg:
	default:
		e.n.log.Warn().Str("topic", msg.Topic).Int("queue", cap(e.n.inbox)).Msg("node.Node inbound queue full - dropping message")
		return
	}
	e.n.signal()
}

func (e transportEvents) OnConnectionLost(err error) {
	select {
	case e.n.lost <- err:
	default:
	}
	e.n.signal()
}

func (n *Node) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}
