package node

import (
	"errors"
	"strings"

	"github.com/danmuck/acnode/internal/approval"
	"github.com/danmuck/acnode/internal/dispatch"
	"github.com/danmuck/acnode/internal/observability"
	"github.com/danmuck/acnode/internal/protocol"
	"github.com/danmuck/acnode/internal/security"
)

const maxLoggedPayload = 32

// Process routes one inbound message. It never panics; a panicking handler
// is logged and the message dropped.
func (n *Node) Process(topic string, payload []byte) {
	route := n.topics.Route(topic)
	defer func() {
		if r := recover(); r != nil {
			n.log.Error().Str("topic", topic).Interface("panic", r).Msg("node.Node.Process handler panicked - dropping message")
			n.record(route, "panic")
		}
	}()

	switch route {
	case protocol.RouteOutside:
		n.log.Trace().Str("topic", topic).Msg("node.Node.Process outside namespace - ignoring")
		n.record(route, "ignored")
		return
	case protocol.RouteUnknown:
		n.log.Trace().Str("topic", topic).Msg("node.Node.Process not addressed to us - ignoring")
		n.record(route, "ignored")
		return
	}
	if n.fatal != nil {
		n.record(route, "disabled")
		return
	}
	if err := protocol.CheckSize(payload, n.cfg.MaxPayload); err != nil {
		n.log.Warn().Str("topic", topic).Err(err).Msg("node.Node.Process oversized payload - dropping")
		n.record(route, "oversized")
		return
	}

	text := strings.TrimSpace(string(payload))
	switch route {
	case protocol.RouteCommand:
		n.processCommand(topic, text)
	case protocol.RouteTag:
		n.processTag(topic, text)
	case protocol.RouteApproval:
		n.processApproval(topic, text)
	}
}

// processCommand handles "[<scheme> <token>] <command> [args...]".
func (n *Node) processCommand(topic, line string) {
	token, rest, err := protocol.SplitSigned(line)
	if err != nil {
		n.dispatch(topic, line, false)
		return
	}
	if rest == "" {
		if n.isSchemeWord(token) {
			n.log.Error().Str("topic", topic).Err(protocol.ErrMissingToken).Msg("node.Node.processCommand signed line without command - dropping")
			n.record(protocol.RouteCommand, "malformed")
			return
		}
		n.dispatch(topic, line, false)
		return
	}
	verdict, err := n.validate(topic, token)
	switch verdict {
	case security.Accepted:
		n.dispatch(topic, rest, true)
	case security.Rejected:
		n.reject(topic, token, err)
	default:
		n.dispatch(topic, line, false)
	}
}

// processTag handles a cloaked tag submission. Approvals are keyed by the
// token's subject so repeated swipes of one card share a single request.
func (n *Node) processTag(topic, text string) {
	verdict, subject, err := n.validateSubject(topic, text)
	switch verdict {
	case security.Accepted:
		n.lastSwipe = n.clock.Now()
		n.record(protocol.RouteTag, "accepted")
		item, err := n.approvals.Request(n.now(), subject, text, "", "")
		switch {
		case err == nil:
			n.publishRequest(item)
		case errors.Is(err, approval.ErrAlreadyPending):
			n.log.Debug().Str("subject", subject).Msg("node.Node.processTag request already pending for tag")
		case errors.Is(err, approval.ErrRateLimited):
			n.log.Warn().Err(err).Str("subject", subject).Msg("node.Node.processTag approval not requested - denying")
			n.approvals.Deny(subject, approval.ReasonRateLimited)
		default:
			n.log.Info().Err(err).Msg("node.Node.processTag approval not requested")
		}
	case security.Rejected:
		n.reject(topic, text, err)
	default:
		n.dispatch(topic, text, false)
	}
}

func (n *Node) processApproval(topic, text string) {
	reply, err := protocol.DecodeApprovalReply([]byte(text))
	if err != nil {
		n.log.Warn().
			Str("topic", topic).
			Str("payload", truncate(text, maxLoggedPayload)).
			Err(err).
			Msg("node.Node.processApproval malformed decision - dropping")
		n.record(protocol.RouteApproval, "malformed")
		return
	}
	approved := reply.Decision == protocol.DecisionApprove
	for _, ref := range []string{reply.Tag, reply.RequestID} {
		if ref == "" {
			continue
		}
		if _, err := n.approvals.Resolve(ref, approved); err == nil {
			n.log.Debug().Str("decision", string(reply.Decision)).Str("reason", reply.Reason).Msg("node.Node.processApproval resolved")
			n.record(protocol.RouteApproval, string(reply.Decision))
			return
		}
	}
	n.log.Info().
		Str("request_id", reply.RequestID).
		Str("decision", string(reply.Decision)).
		Msg("node.Node.processApproval no pending request - ignoring")
	n.record(protocol.RouteApproval, "unmatched")
}

func (n *Node) isSchemeWord(token string) bool {
	active, ok := n.chain.Scheme()
	word, _, _ := protocol.NextToken(token)
	return ok && strings.EqualFold(word, string(active))
}

func (n *Node) validate(topic, token string) (security.Verdict, error) {
	verdict, _, err := n.validateSubject(topic, token)
	return verdict, err
}

func (n *Node) validateSubject(topic, token string) (security.Verdict, string, error) {
	verdict, h, subject, err := n.chain.ValidateSubject(security.Context{
		Moi:     n.cfg.Identity.Moi,
		Machine: n.cfg.Identity.Machine,
		Topic:   topic,
	}, token)
	if h != nil {
		observability.RecordVerdict(n.cfg.Identity.Moi, string(h.Scheme()), verdict.String())
	}
	return verdict, subject, err
}

// reject ends processing of a rejected token. Malformed tokens were already
// logged by the security handler and fire no callback.
func (n *Node) reject(topic, token string, err error) {
	route := n.topics.Route(topic)
	if errors.Is(err, security.ErrMalformed) {
		n.log.Debug().Str("topic", topic).Msg("node.Node malformed token dropped")
		n.record(route, "malformed")
		return
	}
	n.record(route, "rejected")
	n.approvals.Deny(token, approval.ReasonRejected)
}

func (n *Node) dispatch(topic, line string, validated bool) {
	route := n.topics.Route(topic)
	cmd, err := protocol.ParseCommandLine(line)
	if err != nil {
		n.log.Error().Str("topic", topic).Err(err).Msg("node.Node.dispatch missing command - dropping")
		n.record(route, "malformed")
		return
	}
	req := dispatch.Request{
		Command:   cmd.Command,
		Args:      cmd.Args,
		Raw:       line,
		Topic:     topic,
		Validated: validated,
		Beat:      n.clock.Now(),
	}
	res, name := n.registry.Dispatch(req)
	if res == dispatch.NotMine {
		if n.onValidatedCmd != nil {
			res = n.onValidatedCmd(req)
			name = "callback"
		} else {
			n.log.Debug().
				Str("command", req.Command).
				Bool("validated", validated).
				Msg("node.Node.dispatch unhandled command")
		}
	}
	observability.RecordDispatch(n.cfg.Identity.Moi, name, res.String())
	n.record(route, res.String())
}

func (n *Node) record(route protocol.Route, outcome string) {
	observability.RecordMessage(n.cfg.Identity.Moi, route.String(), outcome)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
