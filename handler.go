// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package kadcast

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/dusk-network/kadcast/encoding"
)

// messageIn is a decoded inbound message with its datagram source and,
// for reassembled broadcasts, the chunk-group ray.
type messageIn struct {
	msg encoding.Message
	src net.UDPAddr
	ray []byte
}

// messageOut is an outbound message fanned to one or more targets.
type messageOut struct {
	msg     encoding.Message
	targets []net.UDPAddr
}

// notification is one delivery to the user listener: either a broadcast
// frame or a peer event.
type notification struct {
	data []byte
	info MessageInfo
	evt  *PeerEvent
}

// messageHandler is the protocol state machine. It is stateless per
// message except for the routing table, the active lookups and the chunk
// cache; all of those are independently locked, so handling runs off a
// single goroutine but would be safe from more.
type messageHandler struct {
	cfg      *Config
	table    *RoutingTable
	lookups  *lookupManager
	myHeader encoding.Header

	sendCtrl func(msg encoding.Message, targets []net.UDPAddr)
	sendData func(msg encoding.Message, targets []net.UDPAddr)

	notifications chan notification

	versionReq *semver.Constraints

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func newMessageHandler(
	cfg *Config,
	table *RoutingTable,
	lookups *lookupManager,
	sendCtrl, sendData func(msg encoding.Message, targets []net.UDPAddr),
	notifications chan notification,
) (*messageHandler, error) {
	version, err := semver.NewVersion(cfg.Version)
	if err != nil {
		return nil, err
	}

	// Same major accepted, any minor/patch.
	req, err := semver.NewConstraint(fmt.Sprintf("^%d", version.Major()))
	if err != nil {
		return nil, err
	}

	root := table.Root()

	return &messageHandler{
		cfg:           cfg,
		table:         table,
		lookups:       lookups,
		myHeader:      root.ToHeader(cfg.NetworkID, cfg.Version),
		sendCtrl:      sendCtrl,
		sendData:      sendData,
		notifications: notifications,
		versionReq:    req,
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// serve consumes the inbound channel until ctx is done.
func (h *messageHandler) serve(ctx context.Context, inbound <-chan messageIn) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-inbound:
			h.handle(in)
		}
	}
}

// handle validates the sender, books it into the routing table and
// dispatches on the message type. All rejections are silent on the wire.
func (h *messageHandler) handle(in messageIn) {
	header := in.msg.Header()

	// The datagram source port is ephemeral; replies go to the advertised
	// sender port on the datagram source IP.
	senderAddr := net.UDPAddr{IP: in.src.IP, Port: int(header.SenderPort)}

	if header.NetworkID != h.cfg.NetworkID {
		messagesDropped.WithLabelValues("network_mismatch").Inc()
		log.WithField("r_addr", senderAddr.String()).
			WithField("network", header.NetworkID).
			Warn("message from foreign network")

		return
	}

	if !encoding.VerifyHeader(header, in.src.IP) {
		messagesDropped.WithLabelValues("id_mismatch").Inc()
		log.WithField("r_addr", senderAddr.String()).Warn("sender id mismatch")

		return
	}

	if !header.BinaryID.VerifyNonce(h.cfg.PowDifficulty) {
		messagesDropped.WithLabelValues("pow_fail").Inc()
		log.WithField("r_addr", senderAddr.String()).Warn("sender pow invalid")

		return
	}

	sender := encoding.MakePeer(header.BinaryID, in.src.IP, header.SenderPort)

	if !h.handleSender(&sender, in.msg) {
		return
	}

	messagesReceived.WithLabelValues(msgTypeLabel(in.msg.Type())).Inc()

	switch m := in.msg.(type) {
	case *encoding.Ping:
		h.handlePing(&senderAddr)
	case *encoding.Pong:
		// Liveness bookkeeping happened in handleSender; a refresh of a
		// probed LRU has already demoted its pending candidate.
	case *encoding.FindNodes:
		h.handleFindNodes(&senderAddr, &m.Target)
	case *encoding.Nodes:
		h.handleNodes(&header.BinaryID.Key, &m.Payload)
	case *encoding.Broadcast:
		h.handleBroadcast(&senderAddr, &m.Payload, in.ray)
	}
}

// handleSender applies the version gate and books the sender into the
// routing table. Broadcast senders skip the version gate (the broadcast
// header does carry a version, but an unknown forwarder is PINGed instead
// of trusted outright, so insertion happens on its reply).
func (h *messageHandler) handleSender(sender *encoding.PeerInfo, msg encoding.Message) bool {
	if msg.Type() == encoding.BroadcastMsg {
		if _, known := h.table.HasPeer(&sender.ID.Key); !known {
			h.sendCtrl(&encoding.Ping{Hdr: h.myHeader}, []net.UDPAddr{sender.UDPAddr()})
			return true
		}

		h.table.Touch(&sender.ID.Key)
		return true
	}

	version, err := semver.NewVersion(msg.Header().Version)
	if err != nil || !h.versionReq.Check(version) {
		messagesDropped.WithLabelValues("version_mismatch").Inc()
		log.WithField("r_addr", sender.Address()).
			WithField("version", msg.Header().Version).
			Warn("incompatible sender version")

		return false
	}

	res := h.table.Insert(*sender)

	switch res.Status {
	case PendingEviction:
		// Probe the LRU; its silence promotes the candidate, its PONG
		// refreshes it and demotes the candidate.
		h.sendCtrl(&encoding.Ping{Hdr: h.myHeader}, []net.UDPAddr{res.ProbeLRU.UDPAddr()})
	case RejectedInvalid:
		return false
	}

	return true
}

func (h *messageHandler) handlePing(senderAddr *net.UDPAddr) {
	h.sendCtrl(&encoding.Pong{Hdr: h.myHeader}, []net.UDPAddr{*senderAddr})
}

func (h *messageHandler) handleFindNodes(senderAddr *net.UDPAddr, target *encoding.BinaryKey) {
	closest := h.table.ClosestTo(target, h.cfg.Bucket.K)

	payload := encoding.NodesPayload{Peers: make([]encoding.PeerEncodedInfo, 0, len(closest))}
	for i := range closest {
		payload.Peers = append(payload.Peers, closest[i].Encoded())
	}

	h.sendCtrl(&encoding.Nodes{Hdr: h.myHeader, Payload: payload}, []net.UDPAddr{*senderAddr})
}

// handleNodes filters the advertised records and either feeds them to the
// lookup that asked, or probes them directly. Records are never inserted
// from hearsay: a peer enters the table only once it speaks for itself
// with a valid header.
func (h *messageHandler) handleNodes(sender *encoding.BinaryKey, payload *encoding.NodesPayload) {
	root := h.table.Root()

	valid := make([]encoding.PeerEncodedInfo, 0, len(payload.Peers))

	for i := range payload.Peers {
		record := payload.Peers[i]

		if record.ID == root.ID.Key {
			continue
		}

		if !record.VerifyKey() {
			messagesDropped.WithLabelValues("forged_record").Inc()
			continue
		}

		valid = append(valid, record)
	}

	// A NODES answering one of our lookup queries merges into that
	// lookup's frontier; the lookup decides whom to contact next.
	if h.lookups.OnNodes(sender, valid) {
		return
	}

	// Unsolicited NODES (bootstrap replies, gratuitous advertisements):
	// probe the records we do not know and could still place.
	for i := range valid {
		record := valid[i]

		if _, known := h.table.HasPeer(&record.ID); known {
			continue
		}

		if h.table.IsBucketFull(&record.ID) {
			continue
		}

		addr := record.UDPAddr()

		if h.cfg.RecursiveDiscovery {
			h.sendCtrl(&encoding.FindNodes{Hdr: h.myHeader, Target: record.ID}, []net.UDPAddr{addr})
		} else {
			h.sendCtrl(&encoding.Ping{Hdr: h.myHeader}, []net.UDPAddr{addr})
		}
	}
}

// handleBroadcast delivers the frame to the listener and forwards it down
// the tree. Chunk reassembly and dedup happened in the decode stage; by
// the time a Broadcast reaches the handler its frame is whole.
func (h *messageHandler) handleBroadcast(src *net.UDPAddr, payload *encoding.BroadcastPayload, ray []byte) {
	broadcastsDelivered.Inc()
	h.notify(payload.GossipFrame, MessageInfo{
		Src:    *src,
		Height: payload.Height,
		Ray:    ray,
	})

	if !h.cfg.AutoPropagate || payload.Height == 0 {
		return
	}

	h.forward(payload.Height, payload.GossipFrame)
}

// forward sends the frame to beta delegates of every bucket strictly
// below height, each hop stamped with its bucket height.
func (h *messageHandler) forward(height byte, frame []byte) {
	h.rndMu.Lock()
	sets := h.table.Extract(int(height), DefaultBeta, h.rnd)
	h.rndMu.Unlock()

	for _, set := range sets {
		targets := make([]net.UDPAddr, 0, len(set.peers))
		for i := range set.peers {
			targets = append(targets, set.peers[i].UDPAddr())
		}

		msg := &encoding.Broadcast{
			Hdr: h.myHeader,
			Payload: encoding.BroadcastPayload{
				Height:      set.height,
				GossipFrame: frame,
			},
		}

		h.sendData(msg, targets)
	}
}

// notify hands a frame to the listener channel without ever blocking the
// handling path. When the channel is full the oldest unfetched
// notification is dropped with a warning.
func (h *messageHandler) notify(data []byte, info MessageInfo) {
	n := notification{data: data, info: info}

	select {
	case h.notifications <- n:
		return
	default:
	}

	select {
	case dropped := <-h.notifications:
		log.WithField("height", dropped.info.Height).
			Warn("listener too slow, dropping oldest notification")
	default:
	}

	select {
	case h.notifications <- n:
	default:
		log.Warn("listener too slow, notification lost")
	}
}
