// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

// Package fec chunks broadcast frames into raptor-coded symbols sized for
// a single UDP datagram, and reassembles them on the receiving side behind
// a deduplicating cache.
package fec

import (
	"encoding/binary"
	"errors"
)

const (
	// RayLen is the length of the chunk-group identifier, a BLAKE2s-256
	// digest of the original gossip frame.
	RayLen = 32

	// TransmissionInfoLen is the length of the per-group coding parameters.
	TransmissionInfoLen = 12

	// ChunkHeaderLen is the length of the cache key: ray || transmission info.
	ChunkHeaderLen = RayLen + TransmissionInfoLen

	// minChunkedLen is the shortest frame that can possibly be a chunk:
	// header plus the 4-byte block code.
	minChunkedLen = ChunkHeaderLen + 4

	// symbolAlignment is the XOR granularity in bytes. 4-byte alignment is
	// the efficient choice on 32-bit-word XOR paths.
	symbolAlignment = 4

	// maxSourceSymbols is the RFC 5053 ceiling on source symbols per block.
	maxSourceSymbols = 8192
)

var byteOrder = binary.LittleEndian

// ErrNotChunked marks a gossip frame that does not parse as a chunk.
var ErrNotChunked = errors.New("frame is not a valid encoded chunk")

// TransmissionInfo carries the coding parameters a receiver needs to
// rebuild the decoder for a chunk group. It is identical across all chunks
// of a group, which is what makes it usable as part of the cache key.
type TransmissionInfo struct {
	SourceSymbols  uint16
	Padding        uint16
	TransferLength uint32
	SymbolSize     uint32
}

// ChunkHeader is the cache key: ray_id || transmission_info.
type ChunkHeader [ChunkHeaderLen]byte

// ChunkedPayload is the FEC form of a broadcast gossip frame:
// ray_id(32) || transmission_info(12) || block_code(4, LE) || symbol.
type ChunkedPayload struct {
	Ray       [RayLen]byte
	Info      TransmissionInfo
	BlockCode uint32
	Symbol    []byte
}

// Header returns the cache key for this chunk.
func (c *ChunkedPayload) Header() ChunkHeader {
	var h ChunkHeader
	copy(h[:RayLen], c.Ray[:])
	c.Info.marshal(h[RayLen:])

	return h
}

func (ti *TransmissionInfo) marshal(target []byte) {
	byteOrder.PutUint16(target[0:2], ti.SourceSymbols)
	byteOrder.PutUint16(target[2:4], ti.Padding)
	byteOrder.PutUint32(target[4:8], ti.TransferLength)
	byteOrder.PutUint32(target[8:12], ti.SymbolSize)
}

func (ti *TransmissionInfo) unmarshal(data []byte) {
	ti.SourceSymbols = byteOrder.Uint16(data[0:2])
	ti.Padding = byteOrder.Uint16(data[2:4])
	ti.TransferLength = byteOrder.Uint32(data[4:8])
	ti.SymbolSize = byteOrder.Uint32(data[8:12])
}

// valid runs the internal consistency checks a hostile chunk must pass
// before a decoder is allocated for it.
func (ti *TransmissionInfo) valid() bool {
	if ti.SourceSymbols == 0 || ti.SourceSymbols > maxSourceSymbols {
		return false
	}

	if ti.SymbolSize == 0 || ti.SymbolSize%symbolAlignment != 0 {
		return false
	}

	padded := uint64(ti.SourceSymbols) * uint64(ti.SymbolSize)
	return uint64(ti.TransferLength)+uint64(ti.Padding) == padded
}

// Marshal serializes the chunk into a gossip frame.
func (c *ChunkedPayload) Marshal() []byte {
	out := make([]byte, minChunkedLen+len(c.Symbol))
	copy(out[:RayLen], c.Ray[:])
	c.Info.marshal(out[RayLen:ChunkHeaderLen])
	byteOrder.PutUint32(out[ChunkHeaderLen:minChunkedLen], c.BlockCode)
	copy(out[minChunkedLen:], c.Symbol)

	return out
}

// UnmarshalChunk parses a gossip frame as a chunk. ErrNotChunked is
// returned for frames that cannot be one, so callers can fall back to
// plain-broadcast handling.
func UnmarshalChunk(frame []byte) (*ChunkedPayload, error) {
	if len(frame) < minChunkedLen {
		return nil, ErrNotChunked
	}

	c := &ChunkedPayload{}
	copy(c.Ray[:], frame[:RayLen])
	c.Info.unmarshal(frame[RayLen:ChunkHeaderLen])
	c.BlockCode = byteOrder.Uint32(frame[ChunkHeaderLen:minChunkedLen])
	c.Symbol = frame[minChunkedLen:]

	if !c.Info.valid() {
		return nil, ErrNotChunked
	}

	return c, nil
}
