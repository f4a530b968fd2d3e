// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package encoding

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// PeerInfo stores a peer address together with its full identity. It is
// the in-memory form; the wire form is PeerEncodedInfo.
type PeerInfo struct {
	ID   BinaryID
	IP   net.IP
	Port uint16
}

// MakePeer builds a peer tuple from a verified header and the IP the
// datagram actually came from. The key is not recomputed here; callers
// validate it against the source address first.
func MakePeer(id BinaryID, ip net.IP, port uint16) PeerInfo {
	return PeerInfo{ID: id, IP: canonicalIP(ip), Port: port}
}

// canonicalIP collapses IPv4-mapped addresses to their 4-byte form, so
// equality and wire encoding are representation-independent.
func canonicalIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}

	return ip
}

// GeneratePeer derives the full identity for the local node at the given
// address, solving the PoW nonce at the given difficulty.
func GeneratePeer(addr string, difficulty int) (PeerInfo, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return PeerInfo{}, errors.Wrapf(err, "unresolvable address %s", addr)
	}

	ip := canonicalIP(udpAddr.IP)
	if ip == nil {
		ip = net.IPv4(127, 0, 0, 1).To4()
	}

	port := uint16(udpAddr.Port)
	id := GenerateID(ComputeKey(ip, port), difficulty)

	return PeerInfo{ID: id, IP: ip, Port: port}, nil
}

// VerifyHeader reports whether the header's key is consistent with the
// source IP and the advertised sender port.
func VerifyHeader(h *Header, ip net.IP) bool {
	return ComputeKey(ip, h.SenderPort) == h.BinaryID.Key
}

// UDPAddr returns the peer address in socket form.
func (p *PeerInfo) UDPAddr() net.UDPAddr {
	return net.UDPAddr{IP: p.IP, Port: int(p.Port)}
}

// Encoded returns the wire record for this peer.
func (p *PeerInfo) Encoded() PeerEncodedInfo {
	return PeerEncodedInfo{IP: canonicalIP(p.IP), Port: p.Port, ID: p.ID.Key}
}

// ToHeader builds the wire header this peer stamps on outbound messages.
func (p *PeerInfo) ToHeader(networkID byte, version string) Header {
	return Header{
		BinaryID:   p.ID,
		SenderPort: p.Port,
		NetworkID:  networkID,
		Version:    version,
	}
}

// IsEqual reports whether two peers carry the same key.
func (p *PeerInfo) IsEqual(other *PeerInfo) bool {
	return p.ID.Key == other.ID.Key
}

// Address returns the peer address as a string.
func (p *PeerInfo) Address() string {
	addr := p.UDPAddr()
	return addr.String()
}

// String returns peer address and abbreviated key for logging.
func (p *PeerInfo) String() string {
	return fmt.Sprintf("%s, %s", p.Address(), p.ID.String())
}
