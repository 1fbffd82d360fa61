package node

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/acnode/internal/approval"
	"github.com/danmuck/acnode/internal/bus"
	"github.com/danmuck/acnode/internal/protocol"
)

// Send publishes payload. A non-raw topic is relative to the machine
// namespace and an empty one means the reply topic. Publishing while the
// bus is down does nothing and returns bus.ErrNotConnected.
func (n *Node) Send(topic string, payload []byte, raw bool) error {
	topic = strings.TrimSpace(topic)
	if !raw {
		if topic == "" {
			topic = n.topics.Reply()
		} else {
			topic = n.topics.MachineTopic(topic)
		}
	}
	return n.publish(topic, payload, false)
}

// Reply publishes on the reply topic.
func (n *Node) Reply(payload string) error {
	return n.Send("", []byte(payload), false)
}

// Announce publishes the retained online announcement.
func (n *Node) Announce() error {
	payload, err := n.announcement(protocol.StateOnline)
	if err != nil {
		return err
	}
	return n.publish(n.topics.Online(), payload, true)
}

func (n *Node) announcement(state string) ([]byte, error) {
	return protocol.EncodeAnnouncement(protocol.Announcement{
		Node:    n.cfg.Identity.Moi,
		Machine: n.cfg.Identity.Machine,
		Master:  n.cfg.Identity.Master,
		State:   state,
		Scheme:  string(n.cfg.Scheme),
		Caps:    n.registry.Names(),
		Beat:    n.clock.Now(),
	})
}

func (n *Node) will() bus.Will {
	payload, err := protocol.EncodeAnnouncement(protocol.Announcement{
		Node:    n.cfg.Identity.Moi,
		Machine: n.cfg.Identity.Machine,
		Master:  n.cfg.Identity.Master,
		State:   protocol.StateOffline,
		Scheme:  string(n.cfg.Scheme),
	})
	if err != nil {
		payload = []byte(protocol.StateOffline)
	}
	return bus.Will{Topic: n.topics.Online(), Payload: payload, Retained: true}
}

func (n *Node) publish(topic string, payload []byte, retained bool) error {
	if !n.machine.Connected() {
		n.log.Trace().Str("topic", topic).Msg("node.Node.publish bus down - skipped")
		return bus.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(n.runCtx, publishTimeout)
	defer cancel()
	if err := n.client.Publish(ctx, topic, payload, retained); err != nil {
		n.log.Warn().Str("topic", topic).Err(err).Msg("node.Node.publish failed")
		n.reportTransport(err)
		return err
	}
	return nil
}

func (n *Node) publishBeat(now time.Time) {
	value := n.clock.Now()
	n.lastBeacon = now
	if err := n.publish(n.topics.Beat(), []byte(strconv.FormatUint(value, 10)), false); err != nil {
		return
	}
	n.machine.MarkBeat(value)
	if n.debugAlive.Load() {
		n.log.Info().Uint64("beat", value).Msg("node.Node alive")
	} else {
		n.log.Trace().Uint64("beat", value).Msg("node.Node alive")
	}
}

func (n *Node) publishRequest(item approval.Pending) {
	if !n.machine.Connected() {
		n.log.Debug().Str("request_id", item.RequestID).Msg("node.Node.publishRequest bus down - deferred")
		return
	}
	payload, err := protocol.EncodeApprovalRequest(protocol.ApprovalRequest{
		RequestID: item.RequestID,
		Node:      n.cfg.Identity.Moi,
		Machine:   n.cfg.Identity.Machine,
		Tag:       item.Token,
		Operation: item.Operation,
		Target:    item.Target,
		Beat:      n.clock.Now(),
	})
	if err != nil {
		n.log.Error().Err(err).Str("request_id", item.RequestID).Msg("node.Node.publishRequest encode failed")
		return
	}
	if err := n.publish(n.topics.Request(), payload, false); err != nil {
		return
	}
	n.approvals.MarkPublished(item.Tag)
	n.log.Info().
		Str("request_id", item.RequestID).
		Str("operation", item.Operation).
		Str("target", item.Target).
		Msg("node.Node.publishRequest approval requested")
}

// busConnected runs on entering BUS_CONNECTED.
func (n *Node) busConnected() {
	ctx, cancel := context.WithTimeout(n.runCtx, n.cfg.Session.ConnectTimeout)
	defer cancel()
	for _, topic := range n.topics.Subscriptions() {
		if err := n.client.Subscribe(ctx, topic); err != nil {
			n.log.Warn().Str("topic", topic).Err(err).Msg("node.Node.busConnected subscribe failed")
			n.reportTransport(err)
			transportEvents{n: n}.OnConnectionLost(err)
			return
		}
	}
	if err := n.Announce(); err != nil {
		n.log.Warn().Err(err).Msg("node.Node.busConnected announce failed")
	}
	for _, item := range n.approvals.Unpublished() {
		n.publishRequest(item)
	}
	n.lastBeacon = time.Time{}
	n.online = true
	n.log.Info().Str("state", n.machine.State().String()).Msg("node.Node.busConnected online")
	if n.onConnect != nil {
		n.onConnect()
	}
}

// busDisconnected runs on leaving BUS_CONNECTED. Pending approvals stay.
func (n *Node) busDisconnected(err error) {
	n.log.Info().Err(err).Int("pending_approvals", n.approvals.Len()).Msg("node.Node.busDisconnected offline")
	wasOnline := n.online
	n.online = false
	if wasOnline && n.onDisconnect != nil {
		n.onDisconnect()
	}
}
