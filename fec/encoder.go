// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package fec

import (
	fountain "github.com/google/gofountain"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2s"
)

// Encoder produces the raptor-coded chunks for a gossip frame. Chunking is
// deterministic: the same frame under the same configuration yields the
// same ray, the same transmission info and the same symbols, so chunks
// re-emitted by different forwarders collide in the receiver's cache.
type Encoder struct {
	symbolSize int
	redundancy float64
	minRepair  int
}

// NewEncoder returns an encoder cutting symbols of the given size.
// symbolSize is aligned down to the XOR granularity.
func NewEncoder(symbolSize int, redundancy float64, minRepair int) (*Encoder, error) {
	symbolSize -= symbolSize % symbolAlignment
	if symbolSize <= 0 {
		return nil, errors.Errorf("symbol size %d too small", symbolSize)
	}

	if redundancy < 0 {
		return nil, errors.Errorf("negative redundancy factor %f", redundancy)
	}

	return &Encoder{
		symbolSize: symbolSize,
		redundancy: redundancy,
		minRepair:  minRepair,
	}, nil
}

// Encode cuts the frame into source symbols and produces
// s + max(ceil(s*f), minRepair) encoded chunks.
func (e *Encoder) Encode(frame []byte) ([]ChunkedPayload, error) {
	if len(frame) == 0 {
		return nil, errors.New("empty frame")
	}

	sourceSymbols := (len(frame) + e.symbolSize - 1) / e.symbolSize
	if sourceSymbols < minSourceSymbols {
		sourceSymbols = minSourceSymbols
	}

	if sourceSymbols > maxSourceSymbols {
		return nil, errors.Errorf(
			"frame of %d bytes needs %d source symbols, max is %d",
			len(frame), sourceSymbols, maxSourceSymbols)
	}

	paddedLen := sourceSymbols * e.symbolSize
	padded := make([]byte, paddedLen)
	copy(padded, frame)

	repair := int(float64(sourceSymbols)*e.redundancy + 0.999999)
	if repair < e.minRepair {
		repair = e.minRepair
	}

	total := sourceSymbols + repair
	ids := make([]int64, total)

	for i := range ids {
		ids[i] = int64(i)
	}

	codec := fountain.NewRaptorCodec(sourceSymbols, symbolAlignment)
	blocks := fountain.EncodeLTBlocks(padded, ids, codec)

	info := TransmissionInfo{
		SourceSymbols:  uint16(sourceSymbols),
		Padding:        uint16(paddedLen - len(frame)),
		TransferLength: uint32(len(frame)),
		SymbolSize:     uint32(e.symbolSize),
	}

	ray := blake2s.Sum256(frame)

	chunks := make([]ChunkedPayload, len(blocks))
	for i, b := range blocks {
		chunks[i] = ChunkedPayload{
			Ray:       ray,
			Info:      info,
			BlockCode: uint32(b.BlockCode),
			Symbol:    b.Data,
		}
	}

	return chunks, nil
}

// minSourceSymbols keeps the raptor systematic construction well-formed
// for tiny frames.
const minSourceSymbols = 4
