package p2p

import (
	"encoding/json"
	"fmt"
)

// Wire message kinds. Every post-handshake frame is one encrypted
// Message.
const (
	MsgHello     = "hello"
	MsgGossip    = "gossip"
	MsgRangeReq  = "rangeReq"
	MsgRangeResp = "rangeResp"
	MsgPeerScore = "peerScore"
)

const (
	// ProtocolVersion is bumped on incompatible wire changes.
	ProtocolVersion = 1

	// MaxRangeLimit caps how many events one rangeResp may carry.
	MaxRangeLimit = 256

	// maxFrameBytes bounds a decrypted frame; anything larger is
	// treated as malformed.
	maxFrameBytes = 4 << 20
)

// Message is the envelope for every frame on a secure channel.
type Message struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Hello is exchanged once per connection, both directions, before any
// other traffic.
type Hello struct {
	NodeDID         string   `json:"nodeDid"`
	ProtocolVersion int      `json:"protocolVersion"`
	Network         string   `json:"network"`
	Cursor          string   `json:"cursor"`
	Topics          []string `json:"topics,omitempty"`
}

// Gossip carries one event. Raw holds the canonical envelope bytes
// verbatim so the receiver can re-verify the hash without
// re-serializing.
type Gossip struct {
	Raw json.RawMessage `json:"raw"`
}

// RangeReq asks a peer for committed events after a cursor.
type RangeReq struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}

// RangeResp answers a RangeReq. Done means the sender had nothing
// past NextCursor at the time of the reply.
type RangeResp struct {
	Events     []json.RawMessage `json:"events"`
	NextCursor string            `json:"nextCursor"`
	Done       bool              `json:"done"`
}

// PeerScore is an advisory notice telling the remote how this node
// currently rates it, sent just before a score-triggered disconnect.
type PeerScore struct {
	Score  int    `json:"score"`
	Reason string `json:"reason,omitempty"`
}

func encodeMessage(kind string, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("p2p: encode %s body: %v", kind, err)
	}
	return json.Marshal(Message{Kind: kind, Body: raw})
}

func decodeMessage(frame []byte) (*Message, error) {
	if len(frame) > maxFrameBytes {
		return nil, fmt.Errorf("p2p: frame exceeds %d bytes", maxFrameBytes)
	}
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("p2p: malformed frame: %v", err)
	}
	if msg.Kind == "" {
		return nil, fmt.Errorf("p2p: frame missing kind")
	}
	return &msg, nil
}
