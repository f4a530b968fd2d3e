// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package encoding

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"net"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
)

const (
	// IDLen is the node identifier length.
	IDLen = 16

	// NonceLen is the PoW nonce length.
	NonceLen = 8
)

// BinaryKey is the 128-bit node identifier the XOR metric operates on.
type BinaryKey = [IDLen]byte

// BinaryNonce is the proof-of-work nonce bound to a BinaryKey.
type BinaryNonce = [NonceLen]byte

// BinaryID pairs a node key with the nonce that proves it was not cheaply
// minted. The nonce satisfies: BLAKE2b-256(key || nonce) has at least
// `difficulty` leading zero bits.
type BinaryID struct {
	Key   BinaryKey
	Nonce BinaryNonce
}

// ComputeKey derives the node key from the address the node is reachable
// at: BLAKE2s-256(port_le || ip_octets) truncated to 16 bytes.
func ComputeKey(ip net.IP, port uint16) BinaryKey {
	seed := make([]byte, 2, 2+net.IPv6len)
	binary.LittleEndian.PutUint16(seed, port)

	if v4 := ip.To4(); v4 != nil {
		seed = append(seed, v4...)
	} else {
		seed = append(seed, ip.To16()...)
	}

	digest := blake2s.Sum256(seed)

	var key BinaryKey
	copy(key[:], digest[0:IDLen])

	return key
}

// GenerateID solves the nonce for the given key at the given difficulty.
// The search is linear over a little-endian counter, same as any peer
// verifying us would expect.
func GenerateID(key BinaryKey, difficulty int) BinaryID {
	var nonce uint64

	for {
		var n BinaryNonce
		binary.LittleEndian.PutUint64(n[:], nonce)

		id := BinaryID{Key: key, Nonce: n}
		if id.VerifyNonce(difficulty) {
			return id
		}

		nonce++
	}
}

// VerifyNonce reports whether BLAKE2b-256(key || nonce) carries at least
// `difficulty` leading zero bits.
func (id *BinaryID) VerifyNonce(difficulty int) bool {
	seed := make([]byte, 0, IDLen+NonceLen)
	seed = append(seed, id.Key[:]...)
	seed = append(seed, id.Nonce[:]...)

	digest := blake2b.Sum256(seed)
	return verifyDifficulty(digest[:], difficulty)
}

// verifyDifficulty checks for `difficulty` leading zero bits, walking the
// digest from its first byte.
func verifyDifficulty(digest []byte, difficulty int) bool {
	for _, b := range digest {
		if difficulty <= 0 {
			return true
		}

		if difficulty >= 8 {
			if b != 0 {
				return false
			}

			difficulty -= 8
			continue
		}

		// Partial byte: the top `difficulty` bits must be clear.
		return b>>(8-uint(difficulty)) == 0
	}

	return difficulty <= 0
}

// Distance returns the 0-based bucket height between two keys, i.e. the
// position of the highest set bit of their XOR treated as a little-endian
// 128-bit integer. ok is false when the keys are identical.
func Distance(a, b *BinaryKey) (height byte, ok bool) {
	for i := IDLen - 1; i >= 0; i-- {
		x := a[i] ^ b[i]
		if x == 0 {
			continue
		}

		return byte(i*8) + msb(x), true
	}

	return 0, false
}

// msb returns the 0-based position of the highest set bit. n must not be 0.
func msb(n byte) byte {
	var pos byte
	for n > 1 {
		n >>= 1
		pos++
	}

	return pos
}

// Equal reports whether two IDs carry the same key.
func (id *BinaryID) Equal(other *BinaryID) bool {
	return bytes.Equal(id.Key[:], other.Key[:])
}

// String returns the abbreviated hex form used in logs.
func (id *BinaryID) String() string {
	s := hex.EncodeToString(id.Key[:])
	if len(s) >= 7 {
		s = s[0:7]
	}

	return s
}
