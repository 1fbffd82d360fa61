package dispatch

// Result is a feature handler's answer to one request.
type Result int

const (
	// NotMine lets the next handler look at the request.
	NotMine Result = iota
	Accept
	Reject
)

func (r Result) String() string {
	switch r {
	case NotMine:
		return "not_mine"
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Request is one parsed inbound command. It is built once per message and
// passed by value.
type Request struct {
	Command string
	Args    string
	Raw     string
	Topic   string
	// Validated is set when a security handler accepted the token that
	// accompanied the command.
	Validated bool
	Beat      uint64
}

// Handler is a feature that may claim commands.
type Handler interface {
	Name() string
	Handle(req Request) Result
}

// HandlerFunc adapts a function into a named Handler.
type HandlerFunc struct {
	ID string
	Fn func(req Request) Result
}

func (f HandlerFunc) Name() string { return f.ID }

func (f HandlerFunc) Handle(req Request) Result {
	if f.Fn == nil {
		return NotMine
	}
	return f.Fn(req)
}
