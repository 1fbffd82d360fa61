package node

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/acnode/internal/approval"
	"github.com/danmuck/acnode/internal/beat"
	"github.com/danmuck/acnode/internal/cloak"
	"github.com/danmuck/acnode/internal/session"
)

var (
	ErrInvalidIdentity = errors.New("node: invalid identity")
	ErrInvalidConfig   = errors.New("node: invalid config")
	ErrAlreadyStarted  = errors.New("node: already started")
	ErrFatal           = errors.New("node: fatal error")
	ErrDisabled        = errors.New("node: disabled after fatal error")
)

const (
	DefaultPrefix       = "ac"
	DefaultMaxPayload   = 1024
	DefaultQueueSize    = 64
	DefaultLoopInterval = 100 * time.Millisecond
	DefaultBeatInterval = 60 * time.Second
	publishTimeout      = 2 * time.Second
)

// Identity names the node on the bus. It is fixed after startup.
type Identity struct {
	Moi     string
	Machine string
	Master  string
	Prefix  string
}

func (id Identity) Validate() error {
	fields := []struct {
		name, value string
		allowSlash  bool
	}{
		{"moi", id.Moi, false},
		{"machine", id.Machine, false},
		{"master", id.Master, false},
		{"prefix", strings.Trim(id.Prefix, "/"), true},
	}
	for _, f := range fields {
		v := strings.TrimSpace(f.value)
		if v == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalidIdentity, f.name)
		}
		if strings.ContainsAny(v, "+#") {
			return fmt.Errorf("%w: %s %q contains a wildcard", ErrInvalidIdentity, f.name, v)
		}
		if !f.allowSlash && strings.Contains(v, "/") {
			return fmt.Errorf("%w: %s %q contains '/'", ErrInvalidIdentity, f.name, v)
		}
	}
	return nil
}

// Config is everything the node needs besides its collaborators.
type Config struct {
	Identity Identity
	Scheme   cloak.Scheme
	// Secret is hex encoded key material for keyed schemes.
	Secret   string
	Session  session.Config
	Approval approval.Config
	// Features names the built-in handlers to register. Nil means all.
	Features      []string
	MaxPayload    int
	QueueSize     int
	LoopInterval  time.Duration
	BeatInterval  time.Duration
	ClockInterval time.Duration
	// DebugAlive logs every beacon at INFO.
	DebugAlive bool
}

func DefaultConfig() Config {
	return Config{
		Identity:      Identity{Prefix: DefaultPrefix},
		Scheme:        cloak.SchemeSIG2,
		Session:       session.DefaultConfig(),
		Approval:      approval.DefaultConfig(),
		MaxPayload:    DefaultMaxPayload,
		QueueSize:     DefaultQueueSize,
		LoopInterval:  DefaultLoopInterval,
		BeatInterval:  DefaultBeatInterval,
		ClockInterval: beat.DefaultInterval,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Identity.Prefix) == "" {
		c.Identity.Prefix = def.Identity.Prefix
	}
	if strings.TrimSpace(string(c.Scheme)) == "" {
		c.Scheme = def.Scheme
	}
	c.Session = c.Session.WithDefaults()
	if c.Approval.Timeout <= 0 {
		c.Approval.Timeout = def.Approval.Timeout
	}
	if c.Approval.Burst <= 0 {
		c.Approval.Burst = def.Approval.Burst
	}
	if strings.TrimSpace(c.Approval.Target) == "" {
		c.Approval.Target = c.Identity.Machine
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = def.MaxPayload
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.LoopInterval <= 0 {
		c.LoopInterval = def.LoopInterval
	}
	if c.BeatInterval <= 0 {
		c.BeatInterval = def.BeatInterval
	}
	if c.ClockInterval <= 0 {
		c.ClockInterval = def.ClockInterval
	}
	return c
}

// ErrorKind classifies errors passed to the OnError callback.
type ErrorKind int

const (
	// ErrorFatal means the node refuses to operate.
	ErrorFatal ErrorKind = iota
	ErrorTransport
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorFatal:
		return "fatal"
	case ErrorTransport:
		return "transport"
	default:
		return "unknown"
	}
}
