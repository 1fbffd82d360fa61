package security

import (
	"errors"
	"fmt"

	"github.com/danmuck/acnode/internal/cloak"
	"github.com/rs/zerolog"
)

const maxLoggedPayload = 32

// CloakHandler validates tokens produced by a cloak.Engine.
type CloakHandler struct {
	engine *cloak.Engine
	log    zerolog.Logger
}

func NewCloakHandler(engine *cloak.Engine, logger zerolog.Logger) *CloakHandler {
	return &CloakHandler{engine: engine, log: logger}
}

func (h *CloakHandler) Scheme() cloak.Scheme { return h.engine.Scheme() }

func (h *CloakHandler) Validate(ctx Context, token string) (Verdict, error) {
	verdict, _, err := h.ValidateSubject(ctx, token)
	return verdict, err
}

// ValidateSubject opens token once. An accepted token's subject is the
// record's tag digest.
func (h *CloakHandler) ValidateSubject(ctx Context, token string) (Verdict, string, error) {
	rec, err := h.engine.Open(token)
	if err == nil {
		return Accepted, rec.Subject(), nil
	}
	if errors.Is(err, cloak.ErrNotMine) {
		return NotMine, "", nil
	}

	var lenErr *cloak.LengthError
	switch {
	case errors.As(err, &lenErr):
		h.log.Warn().
			Str("topic", ctx.Topic).
			Int("expected", lenErr.Expected).
			Int("actual", lenErr.Actual).
			Str("payload", truncate(lenErr.Payload, maxLoggedPayload)).
			Msg("security.CloakHandler.Validate wrong token length - ignoring")
		return Rejected, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, cloak.ErrTokenEncoding):
		h.log.Warn().
			Str("topic", ctx.Topic).
			Str("payload", truncate(token, maxLoggedPayload)).
			Err(err).
			Msg("security.CloakHandler.Validate undecodable token - ignoring")
		return Rejected, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		h.log.Info().
			Str("topic", ctx.Topic).
			Str("scheme", string(h.engine.Scheme())).
			Err(err).
			Msg("security.CloakHandler.Validate token rejected")
		return Rejected, "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
