// Package mqtt adapts eclipse/paho.mqtt.golang to bus.Client.
//
// Automatic reconnect is disabled: the session state machine decides when to
// dial again. A fresh paho client is built for every connect so a dead
// session never leaks state into the next one.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/acnode/internal/bus"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	DefaultPort         = 1883
	DefaultTLSPort      = 8883
	DefaultKeepAlive    = 30 * time.Second
	disconnectQuiesceMs = 250
)

// Config is the broker endpoint and session options.
type Config struct {
	Host      string
	Port      int
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	KeepAlive time.Duration
	// TLS enables ssl:// when set.
	TLS  *tls.Config
	Will *bus.Will
}

// BrokerURL returns the paho server URL.
func (c Config) BrokerURL() string {
	scheme := "tcp"
	port := c.Port
	if c.TLS != nil {
		scheme = "ssl"
		if port <= 0 {
			port = DefaultTLSPort
		}
	}
	if port <= 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(strings.TrimSpace(c.Host), strconv.Itoa(port)))
}

// Client is a bus.Client backed by paho.
type Client struct {
	cfg    Config
	events bus.Events
	log    zerolog.Logger

	mu     sync.Mutex
	client paho.Client
}

func New(cfg Config, events bus.Events, logger zerolog.Logger) *Client {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.QoS > 2 {
		cfg.QoS = 2
	}
	if events == nil {
		events = bus.EventFuncs{}
	}
	return &Client{cfg: cfg, events: events, log: logger}
}

func (c *Client) options() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(c.cfg.BrokerURL()).
		SetClientID(c.cfg.ClientID).
		SetKeepAlive(c.cfg.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetConnectionLostHandler(c.onLost).
		SetDefaultPublishHandler(c.onMessage)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.TLS != nil {
		opts.SetTLSConfig(c.cfg.TLS)
	}
	if c.cfg.Will != nil && c.cfg.Will.Topic != "" {
		opts.SetBinaryWill(c.cfg.Will.Topic, c.cfg.Will.Payload, c.cfg.QoS, c.cfg.Will.Retained)
	}
	return opts
}

// Connect dials the broker and waits for CONNACK or ctx.
func (c *Client) Connect(ctx context.Context) error {
	c.Disconnect()
	opts := c.options()
	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}
	client := paho.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("mqtt connect %s: %w", c.cfg.BrokerURL(), err)
	}
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	c.log.Info().Str("broker", c.cfg.BrokerURL()).Str("client_id", c.cfg.ClientID).Msg("mqtt.Client.Connect connected")
	return nil
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client == nil {
		return
	}
	if client.IsConnected() {
		client.Disconnect(disconnectQuiesceMs)
	}
}

func (c *Client) Subscribe(ctx context.Context, topic string) error {
	client, err := c.current(topic)
	if err != nil {
		return err
	}
	return wait(ctx, client.Subscribe(topic, c.cfg.QoS, c.onMessage))
}

// Publish hands the message to paho without waiting for delivery. Delivery
// failures are logged.
func (c *Client) Publish(_ context.Context, topic string, payload []byte, retained bool) error {
	client, err := c.current(topic)
	if err != nil {
		return err
	}
	tok := client.Publish(topic, c.cfg.QoS, retained, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	default:
	}
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			c.log.Warn().Str("topic", topic).Err(err).Msg("mqtt.Client.Publish delivery failed")
		}
	}()
	return nil
}

func (c *Client) current(topic string) (paho.Client, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, bus.ErrEmptyTopic
	}
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return nil, bus.ErrNotConnected
	}
	return client, nil
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	c.events.OnMessage(bus.Message{Topic: msg.Topic(), Payload: payload, Retained: msg.Retained()})
}

func (c *Client) onLost(_ paho.Client, err error) {
	c.log.Debug().Err(err).Msg("mqtt.Client connection lost")
	c.events.OnConnectionLost(err)
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
