package protocol

import "strings"

const (
	subCommand  = "cmd"
	subTag      = "tag"
	subOnline   = "online"
	subBeat     = "beat"
	subReply    = "reply"
	subApproval = "approval"
	subRequest  = "request"
)

// Route classifies an inbound topic.
type Route int

const (
	// RouteOutside is any topic not under the node's prefix.
	RouteOutside Route = iota
	// RouteUnknown is under the prefix but not addressed to a known sub-topic.
	RouteUnknown
	RouteCommand
	RouteTag
	RouteApproval
)

func (r Route) String() string {
	switch r {
	case RouteOutside:
		return "outside"
	case RouteUnknown:
		return "unknown"
	case RouteCommand:
		return "cmd"
	case RouteTag:
		return "tag"
	case RouteApproval:
		return "approval"
	default:
		return "invalid"
	}
}

// Topics derives every topic the node reads or writes from its identity.
type Topics struct {
	Prefix  string
	Machine string
	Master  string
	Moi     string
}

func NewTopics(prefix, machine, master, moi string) Topics {
	return Topics{
		Prefix:  strings.Trim(strings.TrimSpace(prefix), "/"),
		Machine: strings.TrimSpace(machine),
		Master:  strings.TrimSpace(master),
		Moi:     strings.TrimSpace(moi),
	}
}

// MachineTopic returns <prefix>/<machine>/<sub>.
func (t Topics) MachineTopic(sub string) string {
	return t.join(t.Machine, strings.Trim(sub, "/"))
}

func (t Topics) Command() string { return t.MachineTopic(subCommand) }
func (t Topics) Tag() string     { return t.MachineTopic(subTag) }
func (t Topics) Online() string  { return t.MachineTopic(subOnline) }
func (t Topics) Beat() string    { return t.MachineTopic(subBeat) }
func (t Topics) Reply() string   { return t.MachineTopic(subReply) }

// Approval is where the master answers this node.
func (t Topics) Approval() string { return t.join(t.Master, subApproval, t.Moi) }

// Request is where this node asks the master for a decision.
func (t Topics) Request() string { return t.join(t.Master, subRequest, t.Moi) }

// Subscriptions lists the inbound topics, in subscribe order.
func (t Topics) Subscriptions() []string {
	return []string{t.Command(), t.Tag(), t.Approval()}
}

// Route classifies topic relative to this node's namespace.
func (t Topics) Route(topic string) Route {
	topic = strings.TrimSpace(topic)
	prefix := t.Prefix + "/"
	if t.Prefix == "" || !strings.HasPrefix(topic, prefix) {
		return RouteOutside
	}
	switch topic {
	case t.Command():
		return RouteCommand
	case t.Tag():
		return RouteTag
	case t.Approval():
		return RouteApproval
	default:
		return RouteUnknown
	}
}

func (t Topics) join(parts ...string) string {
	return t.Prefix + "/" + strings.Join(parts, "/")
}
