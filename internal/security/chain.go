package security

import (
	"fmt"
	"reflect"

	"github.com/danmuck/acnode/internal/cloak"
)

// Chain holds the node's security handlers in registration order. All
// handlers share one scheme: a node is provisioned for exactly one.
type Chain struct {
	handlers []Handler
}

func NewChain() *Chain {
	return &Chain{}
}

// Add appends h. The first handler fixes the chain's scheme.
func (c *Chain) Add(h Handler) error {
	if h == nil {
		return ErrHandlerNil
	}
	for _, existing := range c.handlers {
		if sameHandler(existing, h) {
			return ErrHandlerExists
		}
	}
	if active, ok := c.Scheme(); ok && h.Scheme() != active {
		return fmt.Errorf("%w: active=%s got=%s", ErrSchemeConflict, active, h.Scheme())
	}
	c.handlers = append(c.handlers, h)
	return nil
}

// Scheme reports the active scheme, if any handler is registered.
func (c *Chain) Scheme() (cloak.Scheme, bool) {
	if len(c.handlers) == 0 {
		return "", false
	}
	return c.handlers[0].Scheme(), true
}

func (c *Chain) Len() int {
	return len(c.handlers)
}

// Validate asks each handler in order; the first verdict other than NotMine
// wins. An empty chain answers NotMine.
func (c *Chain) Validate(ctx Context, token string) (Verdict, Handler, error) {
	verdict, h, _, err := c.ValidateSubject(ctx, token)
	return verdict, h, err
}

// ValidateSubject is Validate that also reports the subject of an accepted
// token. Handlers that cannot name one use the token itself.
func (c *Chain) ValidateSubject(ctx Context, token string) (Verdict, Handler, string, error) {
	for _, h := range c.handlers {
		var (
			verdict Verdict
			subject string
			err     error
		)
		if sh, ok := h.(SubjectHandler); ok {
			verdict, subject, err = sh.ValidateSubject(ctx, token)
		} else {
			verdict, err = h.Validate(ctx, token)
		}
		if verdict == NotMine {
			continue
		}
		if verdict == Accepted && subject == "" {
			subject = token
		}
		return verdict, h, subject, err
	}
	return NotMine, nil, "", nil
}

func sameHandler(a, b Handler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
