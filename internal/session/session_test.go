package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/acnode/internal/testutil/testlog"
	"github.com/danmuck/acnode/internal/testutil/tlstest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeLink struct{ up bool }

func (l *fakeLink) LinkUp() bool { return l.up }

type fakeConn struct {
	fail        int
	connects    int
	disconnects int
	deadlines   []bool
}

var errRefused = errors.New("connection refused")

func (c *fakeConn) Connect(ctx context.Context) error {
	c.connects++
	_, ok := ctx.Deadline()
	c.deadlines = append(c.deadlines, ok)
	if c.fail > 0 {
		c.fail--
		return errRefused
	}
	return nil
}

func (c *fakeConn) Disconnect() { c.disconnects++ }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff.Jitter = false
	cfg.Backoff.MaxDelay = 2 * time.Second
	return cfg
}

func TestNewBackoffDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	b := NewBackoff(BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Second})
	want := []time.Duration{
		250 * time.Millisecond, 500 * time.Millisecond, time.Second,
		2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}
	for i, w := range want {
		require.Equal(t, w, b.NextBackOff(), "attempt %d", i+1)
	}
	b.Reset()
	require.Equal(t, 250*time.Millisecond, b.NextBackOff())
}

func TestNewBackoffJitterRange(t *testing.T) {
	testlog.Start(t)
	b := NewBackoff(BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Jitter: true})
	got := b.NextBackOff()
	require.GreaterOrEqual(t, got, 125*time.Millisecond)
	require.LessOrEqual(t, got, 375*time.Millisecond)
}

func TestMachineConnectsWhenLinkComesUp(t *testing.T) {
	testlog.Start(t)
	link := &fakeLink{}
	conn := &fakeConn{}
	m := NewMachine(testConfig(), link, conn, zerolog.Nop())
	var connected int
	m.SetHooks(Hooks{Connected: func() { connected++ }})

	now := time.Unix(1000, 0)
	require.Equal(t, StateLinkDown, m.Step(context.Background(), now))
	require.Zero(t, conn.connects)

	link.up = true
	require.Equal(t, StateBusConnected, m.Step(context.Background(), now))
	require.Equal(t, 1, conn.connects)
	require.Equal(t, []bool{true}, conn.deadlines)
	require.Equal(t, 1, connected)
	require.True(t, m.Connected())

	require.Equal(t, StateBusConnected, m.Step(context.Background(), now.Add(time.Second)))
	require.Equal(t, 1, conn.connects)
}

func TestMachineRetriesWithBoundedIncreasingDelayAfterDrop(t *testing.T) {
	testlog.Start(t)
	link := &fakeLink{up: true}
	conn := &fakeConn{}
	m := NewMachine(testConfig(), link, conn, zerolog.Nop())
	var connected, disconnected int
	var delays []time.Duration
	m.SetHooks(Hooks{
		Connected:    func() { connected++ },
		Disconnected: func(error) { disconnected++ },
		Attempt: func(_ int, err error, retryIn time.Duration) {
			if err != nil {
				delays = append(delays, retryIn)
			}
		},
	})

	now := time.Unix(1000, 0)
	require.Equal(t, StateBusConnected, m.Step(context.Background(), now))

	conn.fail = 5
	m.Lost(now, errors.New("broken pipe"))
	require.Equal(t, StateBusConnecting, m.State())
	require.Equal(t, 1, disconnected)
	require.Equal(t, 1, conn.disconnects)
	require.Equal(t, now.Add(250*time.Millisecond), m.Snapshot().NextAttempt)

	// Not due yet.
	require.Equal(t, StateBusConnecting, m.Step(context.Background(), now.Add(100*time.Millisecond)))
	require.Equal(t, 1, conn.connects)

	for m.State() != StateBusConnected {
		now = m.Snapshot().NextAttempt
		m.Step(context.Background(), now)
		require.Less(t, conn.connects, 20)
	}
	require.Equal(t, []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second,
	}, delays)
	require.Equal(t, 2, connected)
	require.Zero(t, m.Snapshot().Attempts)
	require.Empty(t, m.Snapshot().LastError)
}

func TestMachineLinkLossDropsToLinkDown(t *testing.T) {
	testlog.Start(t)
	link := &fakeLink{up: true}
	conn := &fakeConn{}
	m := NewMachine(testConfig(), link, conn, zerolog.Nop())
	var lostErrs []error
	m.SetHooks(Hooks{Disconnected: func(err error) { lostErrs = append(lostErrs, err) }})

	now := time.Unix(1000, 0)
	m.Step(context.Background(), now)
	require.True(t, m.Connected())

	link.up = false
	require.Equal(t, StateLinkDown, m.Step(context.Background(), now))
	require.Equal(t, []error{nil}, lostErrs)
	require.Equal(t, 1, conn.disconnects)
	require.False(t, m.LinkUp())

	// Lost after the fact is ignored.
	m.Lost(now, errors.New("late"))
	require.Len(t, lostErrs, 1)
}

func TestMachineConnectingLinkLossResets(t *testing.T) {
	testlog.Start(t)
	link := &fakeLink{up: true}
	conn := &fakeConn{fail: 3}
	m := NewMachine(testConfig(), link, conn, zerolog.Nop())
	now := time.Unix(1000, 0)
	m.Step(context.Background(), now)
	require.Equal(t, StateBusConnecting, m.State())
	require.Equal(t, 1, m.Snapshot().Attempts)

	link.up = false
	m.Step(context.Background(), now)
	require.Zero(t, m.Snapshot().Attempts)

	link.up = true
	m.Step(context.Background(), now)
	require.Equal(t, 2, conn.connects, "link recovery connects immediately")
}

func TestStateNames(t *testing.T) {
	testlog.Start(t)
	require.Equal(t, "link_down", StateLinkDown.String())
	require.Equal(t, "link_up", StateLinkUp.String())
	require.Equal(t, "bus_connecting", StateBusConnecting.String())
	require.Equal(t, "bus_connected", StateBusConnected.String())
}

func TestValidateTransportProductionRequiresMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	require.ErrorIs(t, cfg.ValidateTransport(), ErrTLSRequired)

	cfg.TLS.Enabled = true
	require.ErrorIs(t, cfg.ValidateTransport(), ErrMTLSRequired)

	cfg.TLS.Mutual = true
	cfg.TLS.InsecureSkipVerify = true
	require.ErrorIs(t, cfg.ValidateTransport(), ErrTLSInsecureSkipNotAllow)

	cfg.SecurityMode = "staging"
	require.ErrorIs(t, cfg.ValidateTransport(), ErrInvalidSecurityMode)
}

func TestValidateTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	require.ErrorIs(t, cfg.ValidateTransport(), ErrTLSCAFileRequired)

	cfg.TLS.CAFile = "/tmp/ca.pem"
	require.ErrorIs(t, cfg.ValidateTransport(), ErrTLSCertFileRequired)

	cfg.TLS.CertFile = "/tmp/client.pem"
	require.ErrorIs(t, cfg.ValidateTransport(), ErrTLSKeyFileRequired)

	cfg.TLS.KeyFile = "/tmp/client.key"
	require.NoError(t, cfg.ValidateTransport())
}

func TestClientTLSLoadsMutualMaterial(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "acnode-test-ca")
	bundle := ca.IssueClient(t, "node.door")

	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	cfg.TLS = TLSConfig{Enabled: true, Mutual: true, CAFile: bundle.CAFile, CertFile: bundle.CertFile, KeyFile: bundle.KeyFile}

	tlsCfg, err := cfg.ClientTLS("broker.local")
	require.NoError(t, err)
	require.NotNil(t, tlsCfg)
	require.Equal(t, "broker.local", tlsCfg.ServerName)
	require.Len(t, tlsCfg.Certificates, 1)
	require.NotNil(t, tlsCfg.RootCAs)

	cfg.TLS.ServerName = "mqtt.example"
	tlsCfg, err = cfg.ClientTLS("10.0.0.2")
	require.NoError(t, err)
	require.Equal(t, "mqtt.example", tlsCfg.ServerName)
}

func TestClientTLSDisabledAndBadBundle(t *testing.T) {
	testlog.Start(t)
	tlsCfg, err := DefaultConfig().ClientTLS("broker")
	require.NoError(t, err)
	require.Nil(t, tlsCfg)

	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0o600))
	cfg := DefaultConfig()
	cfg.TLS = TLSConfig{Enabled: true, CAFile: bad}
	_, err = cfg.ClientTLS("broker")
	require.ErrorIs(t, err, ErrTLSCABundle)
}
