// Package approval correlates a presented tag with the master's later
// decision.
//
// At most one request is live per tag. Every entry ends in exactly one
// callback: approval when the master approves, denial when it denies or when
// the deadline passes first. Entries are destroyed before the callback runs.
package approval

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrInvalidTag     = errors.New("approval: empty tag")
	ErrAlreadyPending = errors.New("approval: request already pending for tag")
	ErrRateLimited    = errors.New("approval: request rate exceeded")
	ErrUnknown        = errors.New("approval: no pending request")
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRate      = 5.0
	DefaultBurst     = 5
	DefaultOperation = "energize"
)

// State is the lifecycle position of an entry.
type State int

const (
	StatePending State = iota
	StateApproved
	StateDenied
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApproved:
		return "approved"
	case StateDenied:
		return "denied"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Reason explains a denial callback.
type Reason string

const (
	// ReasonDenied means the master said no.
	ReasonDenied Reason = "denied"
	// ReasonExpired means no decision arrived before the deadline.
	ReasonExpired Reason = "expired"
	// ReasonRejected means the tag failed validation locally.
	ReasonRejected Reason = "rejected"
	// ReasonRateLimited means the request limiter refused to ask the master.
	ReasonRateLimited Reason = "rate_limited"
)

// Pending is one outstanding request.
type Pending struct {
	Tag       string
	Token     string
	RequestID string
	Operation string
	Target    string
	CreatedAt time.Time
	Deadline  time.Time
	State     State
	Published bool
}

type Config struct {
	Timeout time.Duration
	// Rate and Burst bound outbound requests; Rate <= 0 disables the limit.
	Rate  float64
	Burst int
	// Target is used when a request names none, normally the machine.
	Target string
}

func DefaultConfig() Config {
	return Config{
		Timeout: DefaultTimeout,
		Rate:    DefaultRate,
		Burst:   DefaultBurst,
	}
}

// Workflow owns all pending entries.
type Workflow struct {
	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	items     map[string]Pending
	byToken   map[string]string
	byRequest map[string]string
	newID     func() string

	onApproval func(tag string)
	onDenied   func(tag string, reason Reason)
}

func New(cfg Config) *Workflow {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	w := &Workflow{
		cfg:       cfg,
		items:     make(map[string]Pending),
		byToken:   make(map[string]string),
		byRequest: make(map[string]string),
		newID:     uuid.NewString,
	}
	if cfg.Rate > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	}
	return w
}

func (w *Workflow) OnApproval(fn func(tag string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onApproval = fn
}

func (w *Workflow) OnDenied(fn func(tag string, reason Reason)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDenied = fn
}

// Timeout reports the configured decision deadline.
func (w *Workflow) Timeout() time.Duration { return w.cfg.Timeout }

// Request opens an entry for tag. token is the form the master will echo
// back; it defaults to tag. The returned entry is unpublished.
func (w *Workflow) Request(now time.Time, tag, token, operation, target string) (Pending, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return Pending{}, ErrInvalidTag
	}
	token = strings.TrimSpace(token)
	if token == "" {
		token = tag
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = DefaultOperation
	}
	target = strings.TrimSpace(target)
	if target == "" {
		target = w.cfg.Target
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.items[tag]; ok {
		return Pending{}, fmt.Errorf("%w: %s", ErrAlreadyPending, tag)
	}
	if owner, ok := w.byToken[token]; ok {
		return Pending{}, fmt.Errorf("%w: %s", ErrAlreadyPending, owner)
	}
	if w.limiter != nil && !w.limiter.AllowN(now, 1) {
		return Pending{}, ErrRateLimited
	}
	item := Pending{
		Tag:       tag,
		Token:     token,
		RequestID: w.newID(),
		Operation: operation,
		Target:    target,
		CreatedAt: now,
		Deadline:  now.Add(w.cfg.Timeout),
		State:     StatePending,
	}
	w.items[tag] = item
	w.byToken[token] = tag
	w.byRequest[item.RequestID] = tag
	return item, nil
}

// Resolve applies the master's decision to the entry matching ref (tag,
// token or request id), destroys it and then fires exactly one callback.
func (w *Workflow) Resolve(ref string, approved bool) (Pending, error) {
	w.mu.Lock()
	item, ok := w.lookupLocked(strings.TrimSpace(ref))
	if !ok {
		w.mu.Unlock()
		return Pending{}, fmt.Errorf("%w: %s", ErrUnknown, ref)
	}
	w.removeLocked(item)
	onApproval, onDenied := w.onApproval, w.onDenied
	w.mu.Unlock()

	if approved {
		item.State = StateApproved
		if onApproval != nil {
			onApproval(item.Tag)
		}
		return item, nil
	}
	item.State = StateDenied
	if onDenied != nil {
		onDenied(item.Tag, ReasonDenied)
	}
	return item, nil
}

// Expire destroys every entry whose deadline is not after now and fires the
// denial callback once for each, oldest first.
func (w *Workflow) Expire(now time.Time) []Pending {
	w.mu.Lock()
	var expired []Pending
	for _, item := range w.items {
		if now.Before(item.Deadline) {
			continue
		}
		item.State = StateExpired
		expired = append(expired, item)
	}
	for _, item := range expired {
		w.removeLocked(item)
	}
	onDenied := w.onDenied
	w.mu.Unlock()

	sortByCreated(expired)
	if onDenied != nil {
		for _, item := range expired {
			onDenied(item.Tag, ReasonExpired)
		}
	}
	return expired
}

// Deny reports a denial for tag that never had an entry, such as a token
// that failed validation. A live entry for tag is left alone.
func (w *Workflow) Deny(tag string, reason Reason) {
	w.mu.Lock()
	onDenied := w.onDenied
	w.mu.Unlock()
	if onDenied != nil {
		onDenied(tag, reason)
	}
}

func (w *Workflow) Get(ref string) (Pending, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lookupLocked(strings.TrimSpace(ref))
}

func (w *Workflow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// Unpublished lists entries the master has not been told about yet.
func (w *Workflow) Unpublished() []Pending {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Pending, 0, len(w.items))
	for _, item := range w.items {
		if !item.Published {
			out = append(out, item)
		}
	}
	sortByCreated(out)
	return out
}

func (w *Workflow) MarkPublished(tag string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	item, ok := w.items[tag]
	if !ok {
		return false
	}
	item.Published = true
	w.items[tag] = item
	return true
}

func (w *Workflow) lookupLocked(ref string) (Pending, bool) {
	if ref == "" {
		return Pending{}, false
	}
	if item, ok := w.items[ref]; ok {
		return item, true
	}
	if tag, ok := w.byToken[ref]; ok {
		return w.items[tag], true
	}
	if tag, ok := w.byRequest[ref]; ok {
		return w.items[tag], true
	}
	return Pending{}, false
}

func (w *Workflow) removeLocked(item Pending) {
	delete(w.items, item.Tag)
	delete(w.byToken, item.Token)
	delete(w.byRequest, item.RequestID)
}

func sortByCreated(items []Pending) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].Tag < items[j].Tag
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
