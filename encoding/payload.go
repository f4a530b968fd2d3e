// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package encoding

import (
	"bytes"
	"net"
)

// PeerBytesSizeV4 is the wire size of an IPv4 peer record.
const PeerBytesSizeV4 = 1 + net.IPv4len + 2 + IDLen

// PeerEncodedInfo is the peer record exchanged on NODES messages:
// ip_disc(1) || ip(4 or 16) || port(2, LE) || id(16). The record carries no
// nonce, so a receiver can only check key consistency against (ip, port);
// full PoW verification happens when the advertised peer speaks for itself.
type PeerEncodedInfo struct {
	IP   net.IP
	Port uint16
	ID   BinaryKey
}

// NodesPayload is the payload of a NODES message:
// count(2, LE) || count x PeerEncodedInfo.
type NodesPayload struct {
	Peers []PeerEncodedInfo
}

// BroadcastPayload is the payload of a BROADCAST message:
// height(1) || length(4, LE) || gossip_frame.
type BroadcastPayload struct {
	Height      byte
	GossipFrame []byte
}

// MarshalBinary writes the wire form of the record to buf.
func (p *PeerEncodedInfo) MarshalBinary(buf *bytes.Buffer) error {
	if v4 := p.IP.To4(); v4 != nil {
		if err := buf.WriteByte(0); err != nil {
			return err
		}

		if _, err := buf.Write(v4); err != nil {
			return err
		}
	} else {
		if err := buf.WriteByte(1); err != nil {
			return err
		}

		if _, err := buf.Write(p.IP.To16()); err != nil {
			return err
		}
	}

	port := make([]byte, 2)
	byteOrder.PutUint16(port, p.Port)

	if _, err := buf.Write(port); err != nil {
		return err
	}

	_, err := buf.Write(p.ID[:])
	return err
}

// UnmarshalBinary reads a record from buf.
func (p *PeerEncodedInfo) UnmarshalBinary(buf *bytes.Buffer) error {
	disc, err := buf.ReadByte()
	if err != nil {
		return ErrInvalidFormat
	}

	ipLen := net.IPv4len
	if disc != 0 {
		ipLen = net.IPv6len
	}

	ip := make([]byte, ipLen)
	if err := readFull(buf, ip); err != nil {
		return err
	}

	p.IP = net.IP(ip)

	var port [2]byte
	if err := readFull(buf, port[:]); err != nil {
		return err
	}

	p.Port = byteOrder.Uint16(port[:])

	return readFull(buf, p.ID[:])
}

// UDPAddr returns the peer record's address in socket form.
func (p *PeerEncodedInfo) UDPAddr() net.UDPAddr {
	return net.UDPAddr{IP: p.IP, Port: int(p.Port)}
}

// VerifyKey reports whether the advertised key matches the record's
// address. Records failing this check are forged or stale and must not be
// contacted.
func (p *PeerEncodedInfo) VerifyKey() bool {
	return ComputeKey(p.IP, p.Port) == p.ID
}

// MarshalBinary writes the wire form of the payload to buf.
func (p *NodesPayload) MarshalBinary(buf *bytes.Buffer) error {
	count := make([]byte, 2)
	byteOrder.PutUint16(count, uint16(len(p.Peers)))

	if _, err := buf.Write(count); err != nil {
		return err
	}

	for i := range p.Peers {
		if err := p.Peers[i].MarshalBinary(buf); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalBinary reads the payload from buf. Fails when the payload
// declares more peers than the buffer can possibly hold.
func (p *NodesPayload) UnmarshalBinary(buf *bytes.Buffer) error {
	var count [2]byte
	if err := readFull(buf, count[:]); err != nil {
		return err
	}

	num := int(byteOrder.Uint16(count[:]))
	if num*PeerBytesSizeV4 > buf.Len() {
		return ErrInvalidFormat
	}

	p.Peers = make([]PeerEncodedInfo, 0, num)

	for i := 0; i < num; i++ {
		var info PeerEncodedInfo
		if err := info.UnmarshalBinary(buf); err != nil {
			return err
		}

		p.Peers = append(p.Peers, info)
	}

	return nil
}

// MarshalBinary writes the wire form of the payload to buf.
func (p *BroadcastPayload) MarshalBinary(buf *bytes.Buffer) error {
	if err := buf.WriteByte(p.Height); err != nil {
		return err
	}

	length := make([]byte, 4)
	byteOrder.PutUint32(length, uint32(len(p.GossipFrame)))

	if _, err := buf.Write(length); err != nil {
		return err
	}

	_, err := buf.Write(p.GossipFrame)
	return err
}

// UnmarshalBinary reads the payload from buf.
func (p *BroadcastPayload) UnmarshalBinary(buf *bytes.Buffer) error {
	height, err := buf.ReadByte()
	if err != nil {
		return ErrInvalidFormat
	}

	var length [4]byte
	if err := readFull(buf, length[:]); err != nil {
		return err
	}

	n := byteOrder.Uint32(length[:])
	if int(n) > buf.Len() {
		return ErrInvalidFormat
	}

	frame := make([]byte, n)
	if n > 0 {
		if err := readFull(buf, frame); err != nil {
			return err
		}
	}

	p.Height = height
	p.GossipFrame = frame

	return nil
}
