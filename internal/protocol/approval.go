package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidApprovalRequest = errors.New("protocol: invalid approval request")
	ErrInvalidApprovalReply   = errors.New("protocol: invalid approval reply")
)

// Decision is the master's verdict on one approval request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// ApprovalRequest is published to the master's request topic.
type ApprovalRequest struct {
	RequestID string `json:"request_id"`
	Node      string `json:"node"`
	Machine   string `json:"machine"`
	Tag       string `json:"tag"`
	Operation string `json:"operation"`
	Target    string `json:"target"`
	Beat      uint64 `json:"beat"`
}

func (r ApprovalRequest) Validate() error {
	if strings.TrimSpace(r.RequestID) == "" {
		return fmt.Errorf("%w: missing request_id", ErrInvalidApprovalRequest)
	}
	if strings.TrimSpace(r.Node) == "" {
		return fmt.Errorf("%w: missing node", ErrInvalidApprovalRequest)
	}
	if strings.TrimSpace(r.Tag) == "" {
		return fmt.Errorf("%w: missing tag", ErrInvalidApprovalRequest)
	}
	if strings.TrimSpace(r.Operation) == "" {
		return fmt.Errorf("%w: missing operation", ErrInvalidApprovalRequest)
	}
	return nil
}

func EncodeApprovalRequest(r ApprovalRequest) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// ApprovalReply is the master's answer. Tag carries the token the master
// was asked about; RequestID is optional.
type ApprovalReply struct {
	Tag       string   `json:"tag"`
	RequestID string   `json:"request_id,omitempty"`
	Decision  Decision `json:"decision"`
	Reason    string   `json:"reason,omitempty"`
}

func (r ApprovalReply) Validate() error {
	if strings.TrimSpace(r.Tag) == "" && strings.TrimSpace(r.RequestID) == "" {
		return fmt.Errorf("%w: missing tag and request_id", ErrInvalidApprovalReply)
	}
	if r.Decision != DecisionApprove && r.Decision != DecisionDeny {
		return fmt.Errorf("%w: decision %q", ErrInvalidApprovalReply, r.Decision)
	}
	return nil
}

// DecodeApprovalReply accepts the JSON form or the text form
// "<approved|denied> <tag>".
func DecodeApprovalReply(payload []byte) (ApprovalReply, error) {
	text := strings.TrimSpace(string(payload))
	var reply ApprovalReply
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &reply); err != nil {
			return ApprovalReply{}, fmt.Errorf("%w: %v", ErrInvalidApprovalReply, err)
		}
		reply.Decision = normalizeDecision(string(reply.Decision))
	} else {
		word, rest, ok := NextToken(text)
		if !ok {
			return ApprovalReply{}, fmt.Errorf("%w: empty", ErrInvalidApprovalReply)
		}
		reply = ApprovalReply{Decision: normalizeDecision(word), Tag: strings.TrimSpace(rest)}
	}
	reply.Tag = strings.TrimSpace(reply.Tag)
	if err := reply.Validate(); err != nil {
		return ApprovalReply{}, err
	}
	return reply, nil
}

func normalizeDecision(raw string) Decision {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approve", "approved", "allow", "ok":
		return DecisionApprove
	case "deny", "denied", "reject", "rejected":
		return DecisionDeny
	default:
		return Decision(raw)
	}
}

// Announcement is the retained online message.
type Announcement struct {
	Node    string   `json:"node"`
	Machine string   `json:"machine"`
	Master  string   `json:"master"`
	State   string   `json:"state"`
	Scheme  string   `json:"scheme"`
	Caps    []string `json:"caps"`
	Beat    uint64   `json:"beat"`
}

const (
	StateOnline  = "online"
	StateOffline = "offline"
)

func EncodeAnnouncement(a Announcement) ([]byte, error) {
	if a.Caps == nil {
		a.Caps = []string{}
	}
	return json.Marshal(a)
}
