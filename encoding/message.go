// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	// PingMsg wire Ping message id.
	PingMsg = 0

	// PongMsg wire Pong message id.
	PongMsg = 1

	// FindNodesMsg wire FindNodes message id.
	FindNodesMsg = 2

	// NodesMsg wire Nodes message id.
	NodesMsg = 3

	// BroadcastMsg message propagation type.
	BroadcastMsg = 10
)

var byteOrder = binary.LittleEndian

// ErrInvalidFormat is returned on any truncated or malformed wire unit.
var ErrInvalidFormat = errors.New("invalid wire format")

// ErrUnknownType is returned for a message tag the codec does not handle.
var ErrUnknownType = errors.New("unknown message type")

// Message is a decoded wire frame: msg_type(1) || header || payload.
type Message interface {
	// Type returns the wire tag of the message.
	Type() byte

	// Header returns the sender-identifying header common to all messages.
	Header() *Header

	// MarshalBinary writes the full frame, type byte included.
	MarshalBinary(buf *bytes.Buffer) error
}

// Ping asks the receiver to prove liveness with a Pong.
type Ping struct {
	Hdr Header
}

// Pong answers a Ping.
type Pong struct {
	Hdr Header
}

// FindNodes asks for the K closest peers to Target.
type FindNodes struct {
	Hdr    Header
	Target BinaryKey
}

// Nodes carries the peer records answering a FindNodes.
type Nodes struct {
	Hdr     Header
	Payload NodesPayload
}

// Broadcast carries one hop of the recursive broadcast descent.
type Broadcast struct {
	Hdr     Header
	Payload BroadcastPayload
}

// Type implements Message.
func (m *Ping) Type() byte { return PingMsg }

// Type implements Message.
func (m *Pong) Type() byte { return PongMsg }

// Type implements Message.
func (m *FindNodes) Type() byte { return FindNodesMsg }

// Type implements Message.
func (m *Nodes) Type() byte { return NodesMsg }

// Type implements Message.
func (m *Broadcast) Type() byte { return BroadcastMsg }

// Header implements Message.
func (m *Ping) Header() *Header { return &m.Hdr }

// Header implements Message.
func (m *Pong) Header() *Header { return &m.Hdr }

// Header implements Message.
func (m *FindNodes) Header() *Header { return &m.Hdr }

// Header implements Message.
func (m *Nodes) Header() *Header { return &m.Hdr }

// Header implements Message.
func (m *Broadcast) Header() *Header { return &m.Hdr }

// MarshalBinary implements Message.
func (m *Ping) MarshalBinary(buf *bytes.Buffer) error {
	if err := buf.WriteByte(PingMsg); err != nil {
		return err
	}

	return m.Hdr.MarshalBinary(buf)
}

// MarshalBinary implements Message.
func (m *Pong) MarshalBinary(buf *bytes.Buffer) error {
	if err := buf.WriteByte(PongMsg); err != nil {
		return err
	}

	return m.Hdr.MarshalBinary(buf)
}

// MarshalBinary implements Message.
func (m *FindNodes) MarshalBinary(buf *bytes.Buffer) error {
	if err := buf.WriteByte(FindNodesMsg); err != nil {
		return err
	}

	if err := m.Hdr.MarshalBinary(buf); err != nil {
		return err
	}

	_, err := buf.Write(m.Target[:])
	return err
}

// MarshalBinary implements Message.
func (m *Nodes) MarshalBinary(buf *bytes.Buffer) error {
	if err := buf.WriteByte(NodesMsg); err != nil {
		return err
	}

	if err := m.Hdr.MarshalBinary(buf); err != nil {
		return err
	}

	return m.Payload.MarshalBinary(buf)
}

// MarshalBinary implements Message.
func (m *Broadcast) MarshalBinary(buf *bytes.Buffer) error {
	if err := buf.WriteByte(BroadcastMsg); err != nil {
		return err
	}

	if err := m.Hdr.MarshalBinary(buf); err != nil {
		return err
	}

	return m.Payload.MarshalBinary(buf)
}

// UnmarshalMessage decodes a full wire frame.
func UnmarshalMessage(buf *bytes.Buffer) (Message, error) {
	msgType, err := buf.ReadByte()
	if err != nil {
		return nil, ErrInvalidFormat
	}

	var header Header
	if err := header.UnmarshalBinary(buf); err != nil {
		return nil, err
	}

	switch msgType {
	case PingMsg:
		return &Ping{Hdr: header}, nil
	case PongMsg:
		return &Pong{Hdr: header}, nil
	case FindNodesMsg:
		m := &FindNodes{Hdr: header}
		if err := readFull(buf, m.Target[:]); err != nil {
			return nil, err
		}

		return m, nil
	case NodesMsg:
		m := &Nodes{Hdr: header}
		if err := m.Payload.UnmarshalBinary(buf); err != nil {
			return nil, err
		}

		return m, nil
	case BroadcastMsg:
		m := &Broadcast{Hdr: header}
		if err := m.Payload.UnmarshalBinary(buf); err != nil {
			return nil, err
		}

		return m, nil
	default:
		return nil, ErrUnknownType
	}
}
