// Package bustest is an in-memory broker for driving nodes in tests.
//
// Delivery is synchronous: a publish reaches every matching subscriber's
// Events before Publish returns. Retained messages and last-will are
// honoured the way an MQTT broker does.
package bustest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/danmuck/acnode/internal/bus"
)

var ErrRefused = errors.New("bustest: connection refused")

// Broker holds sessions, subscriptions and the publish log.
type Broker struct {
	mu        sync.Mutex
	clients   map[string]*Client
	retained  map[string]bus.Message
	published []bus.Message
	refuse    int
}

func NewBroker() *Broker {
	return &Broker{
		clients:  make(map[string]*Client),
		retained: make(map[string]bus.Message),
	}
}

// Client returns a session bound to events. will may be nil.
func (b *Broker) Client(id string, events bus.Events, will *bus.Will) *Client {
	if events == nil {
		events = bus.EventFuncs{}
	}
	c := &Client{broker: b, id: id, events: events, will: will}
	b.mu.Lock()
	b.clients[id] = c
	b.mu.Unlock()
	return c
}

// RefuseConnects makes the next n Connect calls fail.
func (b *Broker) RefuseConnects(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = n
}

// Publish injects a message as if another bus client sent it.
func (b *Broker) Publish(topic string, payload []byte, retained bool) {
	b.route(bus.Message{Topic: topic, Payload: append([]byte(nil), payload...), Retained: retained})
}

// Drop kills the session of client id as a network failure would: the will
// is published and the client's Events see a connection loss.
func (b *Broker) Drop(id string, err error) bool {
	b.mu.Lock()
	c, ok := b.clients[id]
	b.mu.Unlock()
	if !ok || !c.kill() {
		return false
	}
	if c.will != nil {
		b.route(bus.Message{Topic: c.will.Topic, Payload: c.will.Payload, Retained: c.will.Retained})
	}
	c.events.OnConnectionLost(err)
	return true
}

// Published returns every message routed through the broker on topic, in
// order. An empty topic returns all of them.
func (b *Broker) Published(topic string) []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bus.Message
	for _, msg := range b.published {
		if topic == "" || msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func (b *Broker) Retained(topic string) (bus.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.retained[topic]
	return msg, ok
}

// Reset clears the publish log.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = nil
}

func (b *Broker) route(msg bus.Message) {
	b.mu.Lock()
	b.published = append(b.published, msg)
	if msg.Retained {
		if len(msg.Payload) == 0 {
			delete(b.retained, msg.Topic)
		} else {
			b.retained[msg.Topic] = msg
		}
	}
	var targets []*Client
	for _, c := range b.clients {
		if c.matches(msg.Topic) {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.events.OnMessage(msg)
	}
}

func (b *Broker) takeRefusal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuse > 0 {
		b.refuse--
		return true
	}
	return false
}

// Client is one session on a Broker. It implements bus.Client.
type Client struct {
	broker *Broker
	id     string
	events bus.Events
	will   *bus.Will

	mu        sync.Mutex
	connected bool
	filters   []string
	connects  int
}

func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
	if c.broker.takeRefusal() {
		return ErrRefused
	}
	c.mu.Lock()
	c.connected = true
	c.filters = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect() {
	c.kill()
}

func (c *Client) Subscribe(ctx context.Context, filter string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(filter) == "" {
		return bus.ErrEmptyTopic
	}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return bus.ErrNotConnected
	}
	c.filters = append(c.filters, filter)
	c.mu.Unlock()

	c.broker.mu.Lock()
	var retained []bus.Message
	for topic, msg := range c.broker.retained {
		if Match(filter, topic) {
			retained = append(retained, msg)
		}
	}
	c.broker.mu.Unlock()
	for _, msg := range retained {
		c.events.OnMessage(msg)
	}
	return nil
}

func (c *Client) Publish(_ context.Context, topic string, payload []byte, retained bool) error {
	if strings.TrimSpace(topic) == "" {
		return bus.ErrEmptyTopic
	}
	if !c.Connected() {
		return bus.ErrNotConnected
	}
	c.broker.Publish(topic, payload, retained)
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connects counts Connect calls, refused ones included.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.filters...)
}

func (c *Client) kill() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.connected
	c.connected = false
	c.filters = nil
	return was
}

func (c *Client) matches(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return false
	}
	for _, f := range c.filters {
		if Match(f, topic) {
			return true
		}
	}
	return false
}

// Match reports whether an MQTT topic filter (with + and #) matches topic.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
