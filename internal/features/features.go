// Package features holds the node's built-in command handlers.
package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/acnode/internal/dispatch"
)

const (
	Ping     = "ping"
	Beat     = "beat"
	StatusID = "status"
	Announce = "announce"
)

var ErrUnknownFeature = errors.New("features: unknown feature")

// All lists every built-in feature in registration order.
func All() []string {
	return []string{Ping, Beat, StatusID, Announce}
}

// Status is the snapshot returned by the status command.
type Status struct {
	Node      string   `json:"node"`
	Machine   string   `json:"machine"`
	Master    string   `json:"master"`
	State     string   `json:"state"`
	Scheme    string   `json:"scheme"`
	Beat      uint64   `json:"beat"`
	LastSwipe uint64   `json:"last_swipe"`
	Pending   int      `json:"pending_approvals"`
	Handlers  []string `json:"handlers"`
}

// Host is what features need from the node.
type Host interface {
	Beat() uint64
	Reply(payload string) error
	Status() Status
	Announce() error
}

// Build returns handlers for names, in the order given. Nil names means
// All; an empty list means none.
func Build(names []string, host Host) ([]dispatch.Handler, error) {
	if names == nil {
		names = All()
	}
	out := make([]dispatch.Handler, 0, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		var fn func(dispatch.Request) dispatch.Result
		switch name {
		case Ping:
			fn = func(req dispatch.Request) dispatch.Result {
				return replied(host.Reply("pong " + strconv.FormatUint(host.Beat(), 10)))
			}
		case Beat:
			fn = func(req dispatch.Request) dispatch.Result {
				return replied(host.Reply(strconv.FormatUint(host.Beat(), 10)))
			}
		case StatusID:
			fn = func(req dispatch.Request) dispatch.Result {
				payload, err := json.Marshal(host.Status())
				if err != nil {
					return dispatch.Reject
				}
				return replied(host.Reply(string(payload)))
			}
		case Announce:
			fn = func(req dispatch.Request) dispatch.Result {
				return replied(host.Announce())
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownFeature, raw)
		}
		out = append(out, command(name, fn))
	}
	return out, nil
}

// command claims only requests whose command word is name.
func command(name string, fn func(dispatch.Request) dispatch.Result) dispatch.Handler {
	return dispatch.HandlerFunc{
		ID: "feature." + name,
		Fn: func(req dispatch.Request) dispatch.Result {
			if !strings.EqualFold(req.Command, name) {
				return dispatch.NotMine
			}
			return fn(req)
		},
	}
}

// A publish failure still counts as handled; the command was ours.
func replied(err error) dispatch.Result {
	if err != nil {
		return dispatch.Reject
	}
	return dispatch.Accept
}
