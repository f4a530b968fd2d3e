// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

// Package kadcast implements the Kadcast structured broadcast overlay: a
// UDP network of peers keyed by 128-bit identifiers, Kademlia-style
// recursive discovery, and recursive tree-descent broadcast with raptor
// codes protecting large payloads.
package kadcast

import (
	"context"
	"encoding/hex"
	"net"

	"github.com/dusk-network/kadcast/encoding"
	"github.com/dusk-network/kadcast/fec"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
)

var log = logger.WithFields(logger.Fields{"process": "kadcast"})

// MessageInfo is the metadata attached to every delivered broadcast.
type MessageInfo struct {
	// Src is the address the final hop arrived from.
	Src net.UDPAddr

	// Height is the remaining broadcast depth at delivery time.
	Height byte

	// Ray is the chunk-group id, when the message travelled chunked.
	Ray []byte
}

// PeerEvent types.
const (
	// EventPeerAdded: a pending candidate was promoted into the routing
	// table after an eviction. Peers inserted directly into a bucket with
	// room raise no event.
	EventPeerAdded = iota

	// EventPeerRemoved: a peer was evicted for unresponsiveness.
	EventPeerRemoved

	// EventBootstrapping: the table is under min_peers and the seeds are
	// being (re-)contacted.
	EventBootstrapping
)

// PeerEvent notifies routing-state changes to the listener.
type PeerEvent struct {
	Type int
	Peer encoding.PeerInfo
}

// Listener is the user-facing callback capability. Both methods are
// invoked from the dedicated notification task only, never from the I/O
// path; implementations must not call back into the Peer's Close from
// within a callback and must not retain the Peer.
type Listener interface {
	OnMessage(data []byte, info MessageInfo)
	OnPeerEvent(evt PeerEvent)
}

// Peer is the public façade over the protocol engine.
type Peer struct {
	cfg   Config
	table *RoutingTable

	network    *wireNetwork
	handler    *messageHandler
	maintainer *maintainer
	cache      *fec.ChunkCache

	listener      Listener
	notifications chan notification

	cancel context.CancelFunc
}

// NewPeer validates the configuration, solves the local PoW identity,
// binds the sockets and starts the engine tasks. Construction is the only
// operation that surfaces errors; everything after is fire-and-forget.
func NewPeer(cfg Config, listener Listener) (*Peer, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	root, err := encoding.GeneratePeer(cfg.PublicAddress, cfg.PowDifficulty)
	if err != nil {
		return nil, err
	}

	log.WithField("this", root.String()).Info("identity generated")

	table := NewRoutingTable(root, cfg.Bucket)
	cache := fec.NewChunkCache(fec.CacheConfig{
		MaxTTL:       cfg.RaptorCache.MaxTTL,
		ProcessedTTL: cfg.RaptorCache.ProcessedTTL,
		PendingTTL:   cfg.RaptorCache.PendingTTL,
	})

	encoder, err := fec.NewEncoder(
		chunkSymbolBudget(&cfg),
		cfg.FEC.RedundancyFactor,
		cfg.FEC.MinRepairPacketsPerBlock,
	)
	if err != nil {
		return nil, errors.Wrap(err, "invalid fec configuration")
	}

	network, err := newWireNetwork(&cfg, encoder, cache)
	if err != nil {
		return nil, err
	}

	p := &Peer{
		cfg:      cfg,
		table:    table,
		network:  network,
		cache:    cache,
		listener: listener,
	}

	myHeader := root.ToHeader(cfg.NetworkID, cfg.Version)

	lookups := newLookupManager(
		table,
		network.enqueueCtrl,
		func(target encoding.BinaryKey) encoding.Message {
			return &encoding.FindNodes{Hdr: myHeader, Target: target}
		},
		DefaultAlpha,
		cfg.Bucket.K,
		cfg.Bucket.NodeEvictAfter,
	)

	notifications := make(chan notification, cfg.Channel.NotificationCapacity)
	p.notifications = notifications

	handler, err := newMessageHandler(
		&p.cfg, table, lookups,
		network.enqueueCtrl, network.enqueueData,
		notifications,
	)
	if err != nil {
		return nil, errors.Wrap(err, "invalid version configuration")
	}

	p.handler = handler
	p.maintainer = newMaintainer(&p.cfg, table, lookups, cache,
		network.enqueueCtrl, p.emitPeerEvent)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	network.serve(ctx)

	go handler.serve(ctx, network.inbound)
	go p.maintainer.serve(ctx)
	go p.dispatchNotifications(ctx, notifications)

	return p, nil
}

// chunkSymbolBudget is the room an encoded symbol has inside a datagram:
// the MTU budget minus the broadcast frame wrapper around a chunk.
func chunkSymbolBudget(cfg *Config) int {
	// msg_type + header(id, nonce, port, network, version, reserved)
	headerLen := 1 + encoding.IDLen + encoding.NonceLen + 2 + 1 + 1 + len(cfg.Version) + 2

	// broadcast payload prefix + chunk header + block code
	overhead := headerLen + 5 + fec.ChunkHeaderLen + 4

	return cfg.maxDatagramLen() - overhead
}

// Broadcast sends data to the whole overlay, entering the descent at full
// height. Success means enqueued, not delivered.
func (p *Peer) Broadcast(ctx context.Context, data []byte) error {
	return p.BroadcastWithHeight(ctx, data, InitHeight)
}

// BroadcastWithHeight enters the broadcast descent at the given height,
// covering only buckets below it.
func (p *Peer) BroadcastWithHeight(ctx context.Context, data []byte, height byte) error {
	if len(data) == 0 {
		return errors.New("empty broadcast payload")
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.handler.forward(height, data)

	return nil
}

// Send delivers data to a single peer, stamped with height 0 so the
// receiver does not re-propagate it.
func (p *Peer) Send(ctx context.Context, data []byte, target net.UDPAddr) error {
	if len(data) == 0 {
		return errors.New("empty payload")
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	msg := &encoding.Broadcast{
		Hdr: p.handler.myHeader,
		Payload: encoding.BroadcastPayload{
			Height:      0,
			GossipFrame: data,
		},
	}

	p.network.enqueueData(msg, []net.UDPAddr{target})

	return nil
}

// AliveNodes returns up to n random peers recently seen alive.
func (p *Peer) AliveNodes(n int) []encoding.PeerInfo {
	p.handler.rndMu.Lock()
	defer p.handler.rndMu.Unlock()

	return p.table.AliveNodes(n, p.handler.rnd)
}

// ReportPeer looks a key up in the routing table, returning its record
// and bucket height when known.
func (p *Peer) ReportPeer(key encoding.BinaryKey) (encoding.PeerInfo, byte, bool) {
	height, ok := p.table.HasPeer(&key)
	if !ok {
		return encoding.PeerInfo{}, 0, false
	}

	if peer := p.table.GetPeer(&key); peer != nil {
		return *peer, height, true
	}

	return encoding.PeerInfo{}, 0, false
}

// Report trace-logs the routing state, bucket by bucket.
func (p *Peer) Report() {
	root := p.table.Root()

	log.Tracef("this_peer: %s, bucket peers num %d", root.String(), p.table.TotalPeers())

	p.table.lock.RLock()
	defer p.table.lock.RUnlock()

	for height := range p.table.buckets {
		for _, peer := range p.table.buckets[height].peers() {
			log.Tracef("bucket: %d, peer: %s", height, peer.String())
		}
	}
}

// Table returns the routing table, for embedders needing read access.
func (p *Peer) Table() *RoutingTable {
	return p.table
}

// Close stops all engine tasks and releases the sockets. The routing
// table is not persisted.
func (p *Peer) Close() error {
	p.cancel()

	err := p.network.close()

	log.Info("peer closed")

	return err
}

// emitPeerEvent routes a routing-state event through the notification
// task, so listener code never runs on an engine goroutine.
func (p *Peer) emitPeerEvent(evt PeerEvent) {
	select {
	case p.notifications <- notification{evt: &evt}:
	default:
		log.Warn("listener too slow, peer event lost")
	}
}

// dispatchNotifications is the dedicated task running user callbacks,
// isolating the I/O path from listener stalls.
func (p *Peer) dispatchNotifications(ctx context.Context, notifications <-chan notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notifications:
			if p.listener == nil {
				continue
			}

			if n.evt != nil {
				p.listener.OnPeerEvent(*n.evt)
				continue
			}

			p.listener.OnMessage(n.data, n.info)
		}
	}
}

func hexKey(key encoding.BinaryKey) string {
	s := hex.EncodeToString(key[:])
	if len(s) > 7 {
		s = s[:7]
	}

	return s
}
