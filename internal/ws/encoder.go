package ws

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encoder converts frames to wire format: JSON text, or Protobuf + Zstd.
type Encoder struct {
	zstdEncoder *zstd.Encoder
}

// NewEncoder creates a new Encoder with Zstd compression.
func NewEncoder() (*Encoder, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Encoder{zstdEncoder: enc}, nil
}

// Encode renders f for the negotiated protocol.
func (e *Encoder) Encode(protocol string, f Frame) ([]byte, error) {
	if protocol == ProtocolJSON {
		return json.Marshal(f)
	}

	s, err := frameStruct(f)
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf: %w", err)
	}
	return e.zstdEncoder.EncodeAll(pbData, nil), nil
}

// Close releases encoder resources.
func (e *Encoder) Close() {
	if e.zstdEncoder != nil {
		e.zstdEncoder.Close()
	}
}

// Decoder reverses Encoder for protobuf frames.
type Decoder struct {
	zstdDecoder *zstd.Decoder
}

func NewDecoder() (*Decoder, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Decoder{zstdDecoder: dec}, nil
}

// Decode returns the frame fields of a compressed protobuf frame.
func (d *Decoder) Decode(data []byte) (map[string]any, error) {
	pbData, err := d.zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress frame: %w", err)
	}
	var s structpb.Struct
	if err := proto.Unmarshal(pbData, &s); err != nil {
		return nil, fmt.Errorf("unmarshal protobuf: %w", err)
	}
	return s.AsMap(), nil
}

func (d *Decoder) Close() {
	d.zstdDecoder.Close()
}
