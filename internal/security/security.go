// Package security holds the node's token validators.
//
// A handler answers one of three ways: the token is valid (Accepted), the
// token belongs to this scheme but fails verification (Rejected), or the
// payload is not something this scheme understands (NotMine). NotMine is not
// a failure; the caller falls back to generic command handling.
package security

import (
	"errors"

	"github.com/danmuck/acnode/internal/cloak"
)

// Verdict is the three-way result of validating a token.
type Verdict int

const (
	NotMine Verdict = iota
	Accepted
	Rejected
)

func (v Verdict) String() string {
	switch v {
	case NotMine:
		return "not_mine"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var (
	ErrHandlerNil     = errors.New("security: handler is nil")
	ErrHandlerExists  = errors.New("security: handler already registered")
	ErrSchemeConflict = errors.New("security: handler scheme conflicts with active scheme")
	// ErrMalformed marks a rejection caused by an unusable payload rather
	// than a failed claim. Callers drop such messages without a denial.
	ErrMalformed = errors.New("security: malformed token")
	ErrRejected  = errors.New("security: token rejected")
)

// Context describes where a token was presented.
type Context struct {
	Moi     string
	Machine string
	Topic   string
}

// Handler validates tokens for one scheme.
type Handler interface {
	Scheme() cloak.Scheme
	Validate(ctx Context, token string) (Verdict, error)
}

// SubjectHandler is a Handler that can also name the credential behind an
// accepted token. Distinct tokens for the same credential share a subject.
type SubjectHandler interface {
	Handler
	ValidateSubject(ctx Context, token string) (Verdict, string, error)
}

// FuncHandler adapts a function into a Handler.
type FuncHandler struct {
	SchemeName cloak.Scheme
	Fn         func(ctx Context, token string) (Verdict, error)
}

func (f FuncHandler) Scheme() cloak.Scheme { return f.SchemeName }

func (f FuncHandler) Validate(ctx Context, token string) (Verdict, error) {
	if f.Fn == nil {
		return NotMine, nil
	}
	return f.Fn(ctx, token)
}
