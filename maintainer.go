// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package kadcast

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/dusk-network/kadcast/encoding"
	"github.com/dusk-network/kadcast/fec"
)

// maintainer keeps the routing state healthy: it refreshes idle buckets
// with random-target lookups, probes and evicts unresponsive peers,
// re-contacts the bootstrap seeds when the table runs dry, and prunes the
// chunk cache. Every action is fire-and-forget; failures are logged and
// the ticker moves on.
type maintainer struct {
	cfg     *Config
	table   *RoutingTable
	lookups *lookupManager
	cache   *fec.ChunkCache

	myHeader encoding.Header
	send     func(msg encoding.Message, targets []net.UDPAddr)
	events   func(evt PeerEvent)

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func newMaintainer(
	cfg *Config,
	table *RoutingTable,
	lookups *lookupManager,
	cache *fec.ChunkCache,
	send func(msg encoding.Message, targets []net.UDPAddr),
	events func(evt PeerEvent),
) *maintainer {
	root := table.Root()

	return &maintainer{
		cfg:      cfg,
		table:    table,
		lookups:  lookups,
		cache:    cache,
		myHeader: root.ToHeader(cfg.NetworkID, cfg.Version),
		send:     send,
		events:   events,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano() ^ 0x6b6164)),
	}
}

// serve runs the maintenance loop until ctx is cancelled.
func (m *maintainer) serve(ctx context.Context) {
	log.WithField("interval", m.cfg.Maintenance.Interval.String()).
		Info("maintainer started")

	// Contact the seeds right away; a fresh peer has an empty table.
	m.contactBootstrappers()

	tick := time.NewTicker(m.cfg.Maintenance.Interval)
	defer tick.Stop()

	prune := time.NewTicker(m.cfg.RaptorCache.PruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("maintainer stopped")
			return
		case <-prune.C:
			m.cache.Prune()
		case <-tick.C:
			m.tick()
		}
	}
}

func (m *maintainer) tick() {
	if m.table.AliveCount() < m.cfg.Bucket.MinPeers {
		m.contactBootstrappers()
	}

	m.refreshIdleBuckets()
	m.probeIdleNodes()
	m.evictExpired()
}

// contactBootstrappers asks every seed for the peers closest to us. The
// maintainer keeps retrying each tick until min_peers is satisfied, so an
// all-seeds-down network loops with the tick interval as backoff.
func (m *maintainer) contactBootstrappers() {
	root := m.table.Root()

	var targets []net.UDPAddr

	for _, seed := range m.cfg.BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", seed)
		if err != nil {
			log.WithError(err).WithField("seed", seed).
				Warn("unresolvable bootstrap node")
			continue
		}

		if addr.IP.Equal(root.IP) && addr.Port == int(root.Port) {
			continue
		}

		targets = append(targets, *addr)
	}

	if len(targets) == 0 {
		return
	}

	log.WithField("seeds", len(targets)).Debug("contacting bootstrappers")

	m.send(&encoding.FindNodes{Hdr: m.myHeader, Target: root.ID.Key}, targets)
	m.events(PeerEvent{Type: EventBootstrapping})
}

// refreshIdleBuckets schedules a recursive lookup for a random key inside
// every bucket that saw no traffic for bucket_ttl.
func (m *maintainer) refreshIdleBuckets() {
	for _, height := range m.table.IdleBucketHeights() {
		m.rndMu.Lock()
		target := m.table.RandomKeyInBucket(height, m.rnd)
		m.rndMu.Unlock()

		log.WithField("height", height).Trace("refreshing idle bucket")
		m.lookups.Start(target)
	}
}

// probeIdleNodes pings every peer unseen for node_ttl. The ping flags the
// node; a PONG within node_evict_after clears the flag, silence evicts.
func (m *maintainer) probeIdleNodes() {
	idle := m.table.FlagIdleNodes()
	if len(idle) == 0 {
		return
	}

	targets := make([]net.UDPAddr, 0, len(idle))
	for i := range idle {
		targets = append(targets, idle[i].UDPAddr())
	}

	m.send(&encoding.Ping{Hdr: m.myHeader}, targets)
}

func (m *maintainer) evictExpired() {
	removed, promoted := m.table.RemoveExpired()

	for i := range removed {
		log.WithField("peer", removed[i].String()).Debug("evicted unresponsive peer")
		m.events(PeerEvent{Type: EventPeerRemoved, Peer: removed[i]})
	}

	for i := range promoted {
		m.events(PeerEvent{Type: EventPeerAdded, Peer: promoted[i]})
	}
}
