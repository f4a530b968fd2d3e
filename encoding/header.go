// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package encoding

import (
	"bytes"
)

// Header is carried by every wire message. The sender advertises its
// identity (key + PoW nonce), the port it wants replies on, the network it
// belongs to and the semantic version it speaks.
type Header struct {
	BinaryID   BinaryID
	SenderPort uint16
	NetworkID  byte
	Version    string
	Reserved   [2]byte
}

// MarshalBinary writes the wire form of the header to buf.
func (h *Header) MarshalBinary(buf *bytes.Buffer) error {
	if len(h.Version) > 255 {
		return ErrInvalidFormat
	}

	if _, err := buf.Write(h.BinaryID.Key[:]); err != nil {
		return err
	}

	if _, err := buf.Write(h.BinaryID.Nonce[:]); err != nil {
		return err
	}

	port := make([]byte, 2)
	byteOrder.PutUint16(port, h.SenderPort)

	if _, err := buf.Write(port); err != nil {
		return err
	}

	if err := buf.WriteByte(h.NetworkID); err != nil {
		return err
	}

	if err := buf.WriteByte(byte(len(h.Version))); err != nil {
		return err
	}

	if _, err := buf.WriteString(h.Version); err != nil {
		return err
	}

	_, err := buf.Write(h.Reserved[:])
	return err
}

// UnmarshalBinary reads the header from buf. PoW verification is left to
// the handler, where the configured difficulty is known.
func (h *Header) UnmarshalBinary(buf *bytes.Buffer) error {
	if err := readFull(buf, h.BinaryID.Key[:]); err != nil {
		return err
	}

	if err := readFull(buf, h.BinaryID.Nonce[:]); err != nil {
		return err
	}

	var port [2]byte
	if err := readFull(buf, port[:]); err != nil {
		return err
	}

	h.SenderPort = byteOrder.Uint16(port[:])

	networkID, err := buf.ReadByte()
	if err != nil {
		return ErrInvalidFormat
	}

	h.NetworkID = networkID

	versionLen, err := buf.ReadByte()
	if err != nil {
		return ErrInvalidFormat
	}

	if versionLen > 0 {
		version := make([]byte, versionLen)
		if err := readFull(buf, version); err != nil {
			return err
		}

		h.Version = string(version)
	} else {
		h.Version = ""
	}

	return readFull(buf, h.Reserved[:])
}

// readFull reads exactly len(target) bytes or fails with ErrInvalidFormat.
// bytes.Buffer.Read returns short counts silently, which is exactly the
// truncation case the codec must surface.
func readFull(buf *bytes.Buffer, target []byte) error {
	n, err := buf.Read(target)
	if err != nil || n != len(target) {
		return ErrInvalidFormat
	}

	return nil
}
