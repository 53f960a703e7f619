// Package transport connects a client document and its presence channel to a
// relay over a websocket.
package transport

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// FrameSync carries a full document state. Clients send it when they
	// connect; the relay answers with its own.
	FrameSync = "sync"
	// FrameUpdate carries one document transaction.
	FrameUpdate = "update"
	// FrameAwareness carries presence records.
	FrameAwareness = "awareness"
)

// Frame is the envelope of every websocket message, msgpack-encoded and sent
// as a binary message.
type Frame struct {
	Type string `msgpack:"t"`
	Data []byte `msgpack:"d"`
}

func EncodeFrame(f Frame) ([]byte, error) {
	data, err := msgpack.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case FrameSync, FrameUpdate, FrameAwareness:
		return f, nil
	default:
		return Frame{}, fmt.Errorf("decode frame: unknown type %q", f.Type)
	}
}
