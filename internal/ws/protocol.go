package ws

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dgnsrekt/forumlive/internal/live"
)

// Subprotocols offered on the live socket.
const (
	ProtocolJSON     = "json.live.v1"
	ProtocolProtobuf = "protobuf.live.v1"
)

// Frame types.
const (
	FrameConnected = "connected"
	FrameLive      = "live"
	FrameExpired   = "expired"
	FrameError     = "error"
	FramePong      = "pong"
)

// Frame is one downstream message. Protobuf clients receive the same fields as a
// zstd-compressed google.protobuf.Struct.
type Frame struct {
	Type         string         `json:"type"`
	ConnectionID string         `json:"connectionId,omitempty"`
	UserID       int64          `json:"userId,omitempty"`
	LastID       int64          `json:"lastId,omitempty"`
	Data         *live.LiveData `json:"data,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Upstream message types for internal routing
type (
	pingRequest struct{}
)

type upstream struct {
	Type string `json:"type"`
}

func parseUpstream(u upstream) (any, error) {
	switch u.Type {
	case "ping":
		return &pingRequest{}, nil
	default:
		return nil, fmt.Errorf("unknown message type: %q", u.Type)
	}
}

// parseUpstreamMessageJSON parses a text frame such as {"type":"ping"}.
func parseUpstreamMessageJSON(data []byte) (any, error) {
	var u upstream
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("unmarshal upstream message: %w", err)
	}
	return parseUpstream(u)
}

// parseUpstreamMessage parses an uncompressed protobuf Struct with a "type" field.
func parseUpstreamMessage(data []byte) (any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal upstream message: %w", err)
	}
	return parseUpstream(upstream{Type: s.GetFields()["type"].GetStringValue()})
}

// frameStruct converts a frame to a protobuf Struct via its JSON form.
func frameStruct(f Frame) (*structpb.Struct, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return structpb.NewStruct(m)
}
