// Package bridge implements the TCP attach protocol between a gateway and
// its peer nodes: length-prefixed JSON frames, a pairing-gated handshake,
// sequence-checked duplex streaming, and ping liveness.
package bridge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame types.
const (
	FrameHello   = "hello"
	FrameWelcome = "welcome"
	FramePair    = "pair"
	FramePing    = "ping"
	FrameGoodbye = "goodbye"
	FrameMessage = "message"
	FrameEvent   = "event"
)

// maxFrameSize bounds a single frame on the wire.
const maxFrameSize = 1 << 20

// Frame is the wire unit: a type tag, a per-sender increasing sequence
// number, and a type-specific payload. Receivers drop out-of-order
// frames.
type Frame struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hello is the node's opening frame.
type Hello struct {
	NodeID          string   `json:"nodeId"`
	DisplayName     string   `json:"displayName"`
	Token           string   `json:"token,omitempty"`
	Platform        string   `json:"platform"`
	Version         string   `json:"version"`
	DeviceFamily    string   `json:"deviceFamily,omitempty"`
	ModelIdentifier string   `json:"modelIdentifier,omitempty"`
	Caps            []string `json:"caps,omitempty"`
	Commands        []string `json:"commands,omitempty"`
}

// Welcome is the server's accept frame. Token is set when the server
// issued a fresh bearer for this node.
type Welcome struct {
	ServerName   string   `json:"serverName"`
	Capabilities []string `json:"capabilities,omitempty"`
	Token        string   `json:"token,omitempty"`
}

// Pair tells an unpaired node to surface a pairing code to its user.
type Pair struct {
	Status string `json:"status"` // always "pair"
	Code   string `json:"code"`
}

// Ping carries the sender's clock.
type Ping struct {
	TS int64 `json:"ts"`
}

// Goodbye announces a graceful close.
type Goodbye struct {
	Reason string `json:"reason,omitempty"`
}

// Message is an inbound admission forwarded by a node.
type Message struct {
	Text      string `json:"text"`
	MessageID string `json:"messageId,omitempty"`
	Peer      string `json:"peer,omitempty"`
}

// WriteFrame encodes f as length-prefixed JSON.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(data)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame decodes one length-prefixed frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if n == 0 || n > maxFrameSize {
		return Frame{}, fmt.Errorf("invalid frame length %d", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}

// NewFrame builds a frame with a marshaled payload.
func NewFrame(frameType string, seq uint64, payload any) (Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("encoding %s payload: %w", frameType, err)
		}
		raw = data
	}
	return Frame{Type: frameType, Seq: seq, Payload: raw}, nil
}

// DecodePayload unmarshals a frame payload into v.
func DecodePayload(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", f.Type, err)
	}
	return nil
}
