package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/acnode/internal/cloak"
	"github.com/danmuck/acnode/internal/session"
	"github.com/danmuck/acnode/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "acnode.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimal = `moi = "node.a"
machine = "door"
master = "master"
`

func TestLoadMinimalKeepsDefaults(t *testing.T) {
	testlog.Start(t)

	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	def := Default()
	require.Equal(t, "ac", cfg.Prefix)
	require.Equal(t, "sig2", cfg.Scheme)
	require.Nil(t, cfg.Features)
	require.Equal(t, def.MaxPayload, cfg.MaxPayload)
	require.Equal(t, 30*time.Second, cfg.Approval.Timeout)
	require.Equal(t, 5, cfg.Approval.Burst)
	require.Equal(t, "localhost", cfg.MQTT.Host)
	require.Equal(t, def.Session, cfg.Session)

	n := cfg.Node()
	require.Equal(t, cloak.SchemeSIG2, n.Scheme)
	require.Equal(t, "node.a", n.Identity.Moi)
	require.Equal(t, "door", n.Approval.Target)
	require.Equal(t, "node.a", cfg.Broker().ClientID)
}

func TestLoadOverrides(t *testing.T) {
	testlog.Start(t)

	cfg, err := Load(writeConfig(t, minimal+`prefix = "/site/ac/"
scheme = "SIG1"
secret = "00112233445566778899aabbccddeeff"
features = ["Ping", " status ", ""]
loop_interval = "50ms"
beat_interval = "10s"
metrics_addr = "127.0.0.1:9464"

[approval]
timeout = "5s"
rate = 0.0

[mqtt]
host = "10.0.0.7"
port = 1884
client_id = "door-1"
qos = 2
keepalive = "15s"
connect_timeout = "2s"

[backoff]
initial = "100ms"
max = "4s"
jitter = false
`))
	require.NoError(t, err)

	require.Equal(t, "site/ac", cfg.Prefix)
	require.Equal(t, "sig1", cfg.Scheme)
	require.Equal(t, []string{"ping", "status"}, cfg.Features)
	require.Equal(t, 50*time.Millisecond, cfg.LoopInterval)
	require.Equal(t, 10*time.Second, cfg.BeatInterval)
	require.Equal(t, 5*time.Second, cfg.Approval.Timeout)
	require.Zero(t, cfg.Approval.Rate)
	require.Equal(t, 1884, cfg.MQTT.Port)
	require.Equal(t, "door-1", cfg.Broker().ClientID)
	require.Equal(t, byte(2), cfg.Broker().QoS)
	require.Equal(t, 15*time.Second, cfg.Broker().KeepAlive)
	require.Equal(t, 2*time.Second, cfg.Session.ConnectTimeout)
	require.Equal(t, 100*time.Millisecond, cfg.Session.Backoff.InitialDelay)
	require.Equal(t, 4*time.Second, cfg.Session.Backoff.MaxDelay)
	require.Equal(t, 2.0, cfg.Session.Backoff.Multiplier)
	require.False(t, cfg.Session.Backoff.Jitter)
}

func TestLoadEmptyFeaturesDisablesAll(t *testing.T) {
	testlog.Start(t)

	cfg, err := Load(writeConfig(t, minimal+"features = []\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.Features)
	require.Empty(t, cfg.Features)
	require.NotNil(t, cfg.Node().Features)
}

func TestLoadSecretFromEnv(t *testing.T) {
	testlog.Start(t)
	t.Setenv(SecretEnv, " abcdef ")

	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	require.Equal(t, "abcdef", cfg.Secret)

	cfg, err = Load(writeConfig(t, minimal+`secret = "0011"`+"\n"))
	require.NoError(t, err)
	require.Equal(t, "0011", cfg.Secret)
}

func TestLoadRejectsInvalid(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"missing moi":     `machine = "door"` + "\nmaster = \"m\"\n",
		"wildcard":        `moi = "a+"` + "\nmachine = \"door\"\nmaster = \"m\"\n",
		"slash in master": `moi = "a"` + "\nmachine = \"door\"\nmaster = \"m/x\"\n",
		"scheme":          minimal + `scheme = "rot13"` + "\n",
		"feature":         minimal + `features = ["selfdestruct"]` + "\n",
		"payload":         minimal + "max_payload = 8\n",
		"queue":           minimal + "queue_size = 0\n",
		"qos":             minimal + "[mqtt]\nqos = 3\n",
		"metrics addr":    minimal + `metrics_addr = "nope"` + "\n",
		"unknown key":     minimal + "colour = \"red\"\n",
		"production tls":  minimal + "[tls]\nsecurity_mode = \"production\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadProductionRequiresMutualTLS(t *testing.T) {
	testlog.Start(t)

	_, err := Load(writeConfig(t, minimal+"[tls]\nsecurity_mode = \"production\"\nenabled = true\nca_file = \"ca.pem\"\n"))
	require.ErrorIs(t, err, session.ErrMTLSRequired)
}

func TestLoadBadDuration(t *testing.T) {
	testlog.Start(t)

	_, err := Load(writeConfig(t, minimal+`beat_interval = "soon"`+"\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "beat_interval")
}

func TestLoadMissingFile(t *testing.T) {
	testlog.Start(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)

	for _, kind := range []string{"node", "production"} {
		t.Run(kind, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), kind+".toml")
			require.NoError(t, WriteTemplate(path, kind, false))
			require.Error(t, WriteTemplate(path, kind, false))
			require.NoError(t, WriteTemplate(path, kind, true))

			cfg, err := Load(path)
			require.NoError(t, err)
			require.Equal(t, "frontdoor", cfg.Machine)
		})
	}

	_, err := Template("ghost")
	require.Error(t, err)
}
