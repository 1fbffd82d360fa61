package bustest

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/acnode/internal/bus"
	"github.com/danmuck/acnode/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	testlog.Start(t)
	require.True(t, Match("ac/door/cmd", "ac/door/cmd"))
	require.True(t, Match("ac/+/cmd", "ac/door/cmd"))
	require.True(t, Match("ac/#", "ac/door/cmd"))
	require.True(t, Match("#", "ac"))
	require.False(t, Match("ac/+", "ac/door/cmd"))
	require.False(t, Match("ac/door/cmd/x", "ac/door/cmd"))
	require.False(t, Match("ac/#/cmd", "ac/door/cmd"))
}

func TestDeliveryRetainedAndWill(t *testing.T) {
	testlog.Start(t)
	b := NewBroker()
	var masterSeen []bus.Message
	master := b.Client("master", bus.EventFuncs{Message: func(m bus.Message) { masterSeen = append(masterSeen, m) }}, nil)

	var lost []error
	node := b.Client("node", bus.EventFuncs{Lost: func(err error) { lost = append(lost, err) }},
		&bus.Will{Topic: "ac/door/online", Payload: []byte("offline"), Retained: true})

	ctx := context.Background()
	require.NoError(t, node.Connect(ctx))
	require.NoError(t, node.Publish(ctx, "ac/door/online", []byte("online"), true))

	require.NoError(t, master.Connect(ctx))
	require.NoError(t, master.Subscribe(ctx, "ac/+/online"))
	require.Len(t, masterSeen, 1, "retained delivered on subscribe")
	require.Equal(t, "online", string(masterSeen[0].Payload))

	drop := errors.New("reset by peer")
	require.True(t, b.Drop("node", drop))
	require.Equal(t, []error{drop}, lost)
	require.False(t, node.Connected())
	require.Len(t, masterSeen, 2)
	require.Equal(t, "offline", string(masterSeen[1].Payload))
	msg, ok := b.Retained("ac/door/online")
	require.True(t, ok)
	require.Equal(t, "offline", string(msg.Payload))

	require.False(t, b.Drop("node", drop), "already down")
	require.ErrorIs(t, node.Publish(ctx, "ac/door/beat", []byte("1"), false), bus.ErrNotConnected)
}

func TestRefuseConnects(t *testing.T) {
	testlog.Start(t)
	b := NewBroker()
	c := b.Client("node", nil, nil)
	b.RefuseConnects(2)
	require.ErrorIs(t, c.Connect(context.Background()), ErrRefused)
	require.ErrorIs(t, c.Connect(context.Background()), ErrRefused)
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, 3, c.Connects())
}
