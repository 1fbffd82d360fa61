package security

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/acnode/internal/beat"
	"github.com/danmuck/acnode/internal/cloak"
	"github.com/danmuck/acnode/internal/testutil/testlog"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testSecret = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newHandler(t *testing.T, out *bytes.Buffer) (*CloakHandler, *cloak.Engine) {
	t.Helper()
	engine, err := cloak.New(cloak.Config{Scheme: cloak.SchemeSIG2, Secret: testSecret, Moi: "node.door"}, beat.NewCounter(0))
	require.NoError(t, err)
	return NewCloakHandler(engine, zerolog.New(out)), engine
}

func TestCloakHandlerVerdicts(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	h, engine := newHandler(t, &out)
	ctx := Context{Moi: "node.door", Machine: "door", Topic: "ac/door/tag"}

	tok, err := engine.Cloak("tag-a")
	require.NoError(t, err)

	v, err := h.Validate(ctx, tok)
	require.NoError(t, err)
	require.Equal(t, Accepted, v)

	v, err = h.Validate(ctx, tok)
	require.Equal(t, Rejected, v)
	require.ErrorIs(t, err, ErrRejected)
	require.False(t, errors.Is(err, ErrMalformed))

	v, err = h.Validate(ctx, "open sesame now")
	require.NoError(t, err)
	require.Equal(t, NotMine, v)
	require.Zero(t, strings.Count(out.String(), `"level":"warn"`))
}

func TestCloakHandlerWrongLengthLogsOneWarning(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	h, _ := newHandler(t, &out)

	short := "sig2 " + base64.StdEncoding.EncodeToString(make([]byte, 12))
	v, err := h.Validate(Context{Topic: "ac/door/tag"}, short)
	require.Equal(t, Rejected, v)
	require.ErrorIs(t, err, ErrMalformed)

	logged := out.String()
	require.Equal(t, 1, strings.Count(logged, `"level":"warn"`))
	require.Contains(t, logged, `"expected":73`)
	require.Contains(t, logged, `"actual":12`)
}

func TestChainOrderAndSchemeExclusivity(t *testing.T) {
	testlog.Start(t)
	var calls []string
	mk := func(name string, v Verdict) FuncHandler {
		return FuncHandler{SchemeName: cloak.SchemeSIG1, Fn: func(Context, string) (Verdict, error) {
			calls = append(calls, name)
			return v, nil
		}}
	}

	c := NewChain()
	v, h, err := c.Validate(Context{}, "anything")
	require.NoError(t, err)
	require.Nil(t, h)
	require.Equal(t, NotMine, v)

	require.NoError(t, c.Add(mk("first", NotMine)))
	require.NoError(t, c.Add(mk("second", Accepted)))
	require.NoError(t, c.Add(mk("third", Rejected)))
	require.ErrorIs(t, c.Add(nil), ErrHandlerNil)
	require.ErrorIs(t, c.Add(FuncHandler{SchemeName: cloak.SchemeSIG2}), ErrSchemeConflict)

	scheme, ok := c.Scheme()
	require.True(t, ok)
	require.Equal(t, cloak.SchemeSIG1, scheme)

	v, _, err = c.Validate(Context{}, "sig1 xyz")
	require.NoError(t, err)
	require.Equal(t, Accepted, v)
	require.Equal(t, []string{"first", "second"}, calls)
}

func TestChainRejectsDuplicateHandler(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	h, _ := newHandler(t, &out)
	c := NewChain()
	require.NoError(t, c.Add(h))
	require.ErrorIs(t, c.Add(h), ErrHandlerExists)
	require.Equal(t, 1, c.Len())
}

func TestChainSubjectIsStablePerTag(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	h, engine := newHandler(t, &out)
	chain := NewChain()
	require.NoError(t, chain.Add(h))
	ctx := Context{Moi: "node.door", Machine: "door", Topic: "ac/door/tag"}

	first, err := engine.Cloak("04A1B2C3D4")
	require.NoError(t, err)
	second, err := engine.Cloak("04A1B2C3D4")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	v, _, s1, err := chain.ValidateSubject(ctx, first)
	require.NoError(t, err)
	require.Equal(t, Accepted, v)
	v, _, s2, err := chain.ValidateSubject(ctx, second)
	require.NoError(t, err)
	require.Equal(t, Accepted, v)
	require.Equal(t, s1, s2)
	want, err := engine.Subject("04A1B2C3D4")
	require.NoError(t, err)
	require.Equal(t, want, s1)

	v, _, s, err := chain.ValidateSubject(ctx, first)
	require.Equal(t, Rejected, v)
	require.Empty(t, s)
	require.ErrorIs(t, err, ErrRejected)
}

func TestChainSubjectFallsBackToToken(t *testing.T) {
	testlog.Start(t)
	chain := NewChain()
	require.NoError(t, chain.Add(FuncHandler{
		SchemeName: cloak.SchemeNone,
		Fn: func(_ Context, token string) (Verdict, error) {
			if token == "ok" {
				return Accepted, nil
			}
			return NotMine, nil
		},
	}))

	v, h, s, err := chain.ValidateSubject(Context{}, "ok")
	require.NoError(t, err)
	require.Equal(t, Accepted, v)
	require.NotNil(t, h)
	require.Equal(t, "ok", s)

	v, h, s, err = chain.ValidateSubject(Context{}, "other")
	require.NoError(t, err)
	require.Equal(t, NotMine, v)
	require.Nil(t, h)
	require.Empty(t, s)
}
