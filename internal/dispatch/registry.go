package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrHandlerExists = errors.New("dispatch: handler already exists")
	ErrHandlerNil    = errors.New("dispatch: handler is nil")
	ErrInvalidName   = errors.New("dispatch: invalid handler name")
)

// Registry stores feature handlers in registration order. Order is part of
// the contract: earlier handlers pre-empt later ones.
type Registry struct {
	handlers []Handler
	names    map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register appends a handler.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return ErrHandlerNil
	}
	name := strings.TrimSpace(h.Name())
	if !isValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, h.Name())
	}
	if _, ok := r.names[name]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, name)
	}
	r.names[name] = struct{}{}
	r.handlers = append(r.handlers, h)
	return nil
}

// Dispatch offers req to each handler in order and stops at the first one
// that claims it. The second return value names the claiming handler.
func (r *Registry) Dispatch(req Request) (Result, string) {
	for _, h := range r.handlers {
		if res := h.Handle(req); res != NotMine {
			return res, h.Name()
		}
	}
	return NotMine, ""
}

// Names lists handler names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Name())
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.handlers)
}

func isValidName(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(id)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
