// Package config loads the node's TOML configuration.
//
// Keys absent from the file keep their defaults. Durations are Go duration
// strings. The loaded value is validated as a whole before it is returned.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/acnode/internal/approval"
	"github.com/danmuck/acnode/internal/bus/mqtt"
	"github.com/danmuck/acnode/internal/cloak"
	"github.com/danmuck/acnode/internal/features"
	"github.com/danmuck/acnode/internal/node"
	"github.com/danmuck/acnode/internal/session"
)

// SecretEnv supplies the secret when the file leaves it empty.
const SecretEnv = "ACNODE_SECRET"

var ErrInvalid = errors.New("config: invalid")

// Config is the daemon configuration.
type Config struct {
	Moi     string `validate:"required,excludesall=/+#"`
	Machine string `validate:"required,excludesall=/+#"`
	Master  string `validate:"required,excludesall=/+#"`
	Prefix  string `validate:"required,excludesall=+#"`
	Scheme  string `validate:"oneof=sig1 sig2 none"`
	// Secret is hex key material. Its usability is checked when the node
	// starts, which fails closed.
	Secret       string
	Features     []string      `validate:"omitempty,dive,oneof=ping beat status announce"`
	MaxPayload   int           `validate:"min=64,max=65536"`
	QueueSize    int           `validate:"min=1,max=4096"`
	LoopInterval time.Duration `validate:"min=1ms"`
	BeatInterval time.Duration `validate:"min=1s"`
	DebugAlive   bool
	LogLevel     string
	MetricsAddr  string `validate:"omitempty,hostname_port"`

	Approval Approval
	Link     Link
	MQTT     MQTT
	Session  session.Config
}

type Approval struct {
	Timeout time.Duration `validate:"min=1s"`
	Rate    float64       `validate:"gte=0"`
	Burst   int           `validate:"min=1"`
}

type Link struct {
	// Interface names the network interface to watch; empty means any.
	Interface string
	// AlwaysUp skips interface checks.
	AlwaysUp bool
}

type MQTT struct {
	Host      string `validate:"required,hostname|ip"`
	Port      int    `validate:"min=0,max=65535"`
	ClientID  string
	Username  string
	Password  string
	QoS       int           `validate:"min=0,max=2"`
	KeepAlive time.Duration `validate:"min=0"`
}

func Default() Config {
	def := node.DefaultConfig()
	return Config{
		Prefix:       def.Identity.Prefix,
		Scheme:       string(def.Scheme),
		MaxPayload:   def.MaxPayload,
		QueueSize:    def.QueueSize,
		LoopInterval: def.LoopInterval,
		BeatInterval: def.BeatInterval,
		LogLevel:     "info",
		Approval: Approval{
			Timeout: def.Approval.Timeout,
			Rate:    def.Approval.Rate,
			Burst:   def.Approval.Burst,
		},
		MQTT: MQTT{
			Host:      "localhost",
			QoS:       1,
			KeepAlive: mqtt.DefaultKeepAlive,
		},
		Session: def.Session,
	}
}

type fileConfig struct {
	Moi          string   `toml:"moi"`
	Machine      string   `toml:"machine"`
	Master       string   `toml:"master"`
	Prefix       string   `toml:"prefix"`
	Scheme       string   `toml:"scheme"`
	Secret       string   `toml:"secret"`
	Features     []string `toml:"features"`
	MaxPayload   int      `toml:"max_payload"`
	QueueSize    int      `toml:"queue_size"`
	LoopInterval string   `toml:"loop_interval"`
	BeatInterval string   `toml:"beat_interval"`
	DebugAlive   bool     `toml:"debug_alive"`
	LogLevel     string   `toml:"log_level"`
	MetricsAddr  string   `toml:"metrics_addr"`

	Approval struct {
		Timeout string  `toml:"timeout"`
		Rate    float64 `toml:"rate"`
		Burst   int     `toml:"burst"`
	} `toml:"approval"`

	Link struct {
		Interface string `toml:"interface"`
		AlwaysUp  bool   `toml:"always_up"`
	} `toml:"link"`

	MQTT struct {
		Host           string `toml:"host"`
		Port           int    `toml:"port"`
		ClientID       string `toml:"client_id"`
		Username       string `toml:"username"`
		Password       string `toml:"password"`
		QoS            int    `toml:"qos"`
		KeepAlive      string `toml:"keepalive"`
		ConnectTimeout string `toml:"connect_timeout"`
	} `toml:"mqtt"`

	Backoff struct {
		Initial    string  `toml:"initial"`
		Multiplier float64 `toml:"multiplier"`
		Max        string  `toml:"max"`
		Jitter     bool    `toml:"jitter"`
	} `toml:"backoff"`

	TLS struct {
		SecurityMode       string `toml:"security_mode"`
		Enabled            bool   `toml:"enabled"`
		Mutual             bool   `toml:"mutual"`
		CAFile             string `toml:"ca_file"`
		CertFile           string `toml:"cert_file"`
		KeyFile            string `toml:"key_file"`
		ServerName         string `toml:"server_name"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	} `toml:"tls"`
}

// Load reads path, overlays it on Default and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load acnode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	cfg := Default()
	o := overlay{meta: meta}
	o.str(&cfg.Moi, raw.Moi, "moi")
	o.str(&cfg.Machine, raw.Machine, "machine")
	o.str(&cfg.Master, raw.Master, "master")
	o.str(&cfg.Prefix, strings.Trim(strings.TrimSpace(raw.Prefix), "/"), "prefix")
	o.str(&cfg.Scheme, strings.ToLower(raw.Scheme), "scheme")
	o.str(&cfg.Secret, raw.Secret, "secret")
	if meta.IsDefined("features") {
		cfg.Features = normalizeFeatures(raw.Features)
	}
	o.num(&cfg.MaxPayload, raw.MaxPayload, "max_payload")
	o.num(&cfg.QueueSize, raw.QueueSize, "queue_size")
	o.dur(&cfg.LoopInterval, raw.LoopInterval, "loop_interval")
	o.dur(&cfg.BeatInterval, raw.BeatInterval, "beat_interval")
	if meta.IsDefined("debug_alive") {
		cfg.DebugAlive = raw.DebugAlive
	}
	o.str(&cfg.LogLevel, raw.LogLevel, "log_level")
	o.str(&cfg.MetricsAddr, raw.MetricsAddr, "metrics_addr")

	o.dur(&cfg.Approval.Timeout, raw.Approval.Timeout, "approval", "timeout")
	if meta.IsDefined("approval", "rate") {
		cfg.Approval.Rate = raw.Approval.Rate
	}
	o.num(&cfg.Approval.Burst, raw.Approval.Burst, "approval", "burst")

	o.str(&cfg.Link.Interface, raw.Link.Interface, "link", "interface")
	if meta.IsDefined("link", "always_up") {
		cfg.Link.AlwaysUp = raw.Link.AlwaysUp
	}

	o.str(&cfg.MQTT.Host, raw.MQTT.Host, "mqtt", "host")
	o.num(&cfg.MQTT.Port, raw.MQTT.Port, "mqtt", "port")
	o.str(&cfg.MQTT.ClientID, raw.MQTT.ClientID, "mqtt", "client_id")
	o.str(&cfg.MQTT.Username, raw.MQTT.Username, "mqtt", "username")
	o.str(&cfg.MQTT.Password, raw.MQTT.Password, "mqtt", "password")
	o.num(&cfg.MQTT.QoS, raw.MQTT.QoS, "mqtt", "qos")
	o.dur(&cfg.MQTT.KeepAlive, raw.MQTT.KeepAlive, "mqtt", "keepalive")
	o.dur(&cfg.Session.ConnectTimeout, raw.MQTT.ConnectTimeout, "mqtt", "connect_timeout")

	o.dur(&cfg.Session.Backoff.InitialDelay, raw.Backoff.Initial, "backoff", "initial")
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Session.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	o.dur(&cfg.Session.Backoff.MaxDelay, raw.Backoff.Max, "backoff", "max")
	if meta.IsDefined("backoff", "jitter") {
		cfg.Session.Backoff.Jitter = raw.Backoff.Jitter
	}

	if meta.IsDefined("tls", "security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(raw.TLS.SecurityMode)
	}
	if meta.IsDefined("tls", "enabled") {
		cfg.Session.TLS.Enabled = raw.TLS.Enabled
	}
	if meta.IsDefined("tls", "mutual") {
		cfg.Session.TLS.Mutual = raw.TLS.Mutual
	}
	o.str(&cfg.Session.TLS.CAFile, raw.TLS.CAFile, "tls", "ca_file")
	o.str(&cfg.Session.TLS.CertFile, raw.TLS.CertFile, "tls", "cert_file")
	o.str(&cfg.Session.TLS.KeyFile, raw.TLS.KeyFile, "tls", "key_file")
	o.str(&cfg.Session.TLS.ServerName, raw.TLS.ServerName, "tls", "server_name")
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.Session.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}
	if o.err != nil {
		return Config{}, o.err
	}

	if strings.TrimSpace(cfg.Secret) == "" {
		cfg.Secret = strings.TrimSpace(os.Getenv(SecretEnv))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints, the node identity and the broker
// transport policy.
func (c Config) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}
	if err := c.Node().Identity.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.Session.ValidateTransport(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Node converts the file view into the node's runtime config.
func (c Config) Node() node.Config {
	cfg := node.DefaultConfig()
	cfg.Identity = node.Identity{Moi: c.Moi, Machine: c.Machine, Master: c.Master, Prefix: c.Prefix}
	cfg.Scheme = cloak.Scheme(c.Scheme)
	cfg.Secret = c.Secret
	cfg.Session = c.Session
	cfg.Approval = approval.Config{
		Timeout: c.Approval.Timeout,
		Rate:    c.Approval.Rate,
		Burst:   c.Approval.Burst,
		Target:  c.Machine,
	}
	cfg.Features = c.Features
	cfg.MaxPayload = c.MaxPayload
	cfg.QueueSize = c.QueueSize
	cfg.LoopInterval = c.LoopInterval
	cfg.BeatInterval = c.BeatInterval
	cfg.DebugAlive = c.DebugAlive
	return cfg
}

// Broker returns the MQTT endpoint settings. TLS material and the will are
// filled in by the caller.
func (c Config) Broker() mqtt.Config {
	clientID := strings.TrimSpace(c.MQTT.ClientID)
	if clientID == "" {
		clientID = c.Moi
	}
	return mqtt.Config{
		Host:      c.MQTT.Host,
		Port:      c.MQTT.Port,
		ClientID:  clientID,
		Username:  c.MQTT.Username,
		Password:  c.MQTT.Password,
		QoS:       byte(c.MQTT.QoS),
		KeepAlive: c.MQTT.KeepAlive,
	}
}

type overlay struct {
	meta toml.MetaData
	err  error
}

func (o *overlay) str(dst *string, v string, key ...string) {
	if o.meta.IsDefined(key...) {
		*dst = strings.TrimSpace(v)
	}
}

func (o *overlay) num(dst *int, v int, key ...string) {
	if o.meta.IsDefined(key...) {
		*dst = v
	}
}

func (o *overlay) dur(dst *time.Duration, v string, key ...string) {
	if o.err != nil || !o.meta.IsDefined(key...) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		o.err = fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		return
	}
	*dst = d
}

func normalizeFeatures(in []string) []string {
	out := make([]string, 0, len(in))
	for _, name := range in {
		v := strings.ToLower(strings.TrimSpace(name))
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Features lists the built-in feature names a config may enable.
func Features() []string { return features.All() }
