// Package bus is the node's view of the message bus.
//
// Implementations deliver inbound traffic and connection loss through the
// Events value they were built with. Those callbacks run on transport
// goroutines and must only hand the event off.
package bus

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("bus: not connected")
	ErrEmptyTopic   = errors.New("bus: empty topic")
)

// Message is one inbound or published bus message.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Will is published by the broker when the session dies uncleanly.
type Will struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Events receives transport callbacks.
type Events interface {
	OnMessage(msg Message)
	OnConnectionLost(err error)
}

// Client is a bus session. Connect may be called again after Disconnect or
// after a lost connection.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
}

// EventFuncs adapts plain functions to Events.
type EventFuncs struct {
	Message func(msg Message)
	Lost    func(err error)
}

func (f EventFuncs) OnMessage(msg Message) {
	if f.Message != nil {
		f.Message(msg)
	}
}

func (f EventFuncs) OnConnectionLost(err error) {
	if f.Lost != nil {
		f.Lost(err)
	}
}
