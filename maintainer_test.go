// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package kadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/dusk-network/kadcast/encoding"
	"github.com/dusk-network/kadcast/fec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []PeerEvent
}

func (r *eventRecorder) record(evt PeerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, evt)
}

func (r *eventRecorder) byType(typ int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, e := range r.events {
		if e.Type == typ {
			count++
		}
	}

	return count
}

func newTestMaintainer(t *testing.T, cfg *Config, table *RoutingTable, rec *sendRecorder, events *eventRecorder) *maintainer {
	t.Helper()

	cache := fec.NewChunkCache(fec.CacheConfig{
		MaxTTL:       cfg.RaptorCache.MaxTTL,
		ProcessedTTL: cfg.RaptorCache.ProcessedTTL,
		PendingTTL:   cfg.RaptorCache.PendingTTL,
	})

	root := table.Root()
	hdr := root.ToHeader(cfg.NetworkID, cfg.Version)

	lookups := newLookupManager(table, rec.send,
		func(target encoding.BinaryKey) encoding.Message {
			return &encoding.FindNodes{Hdr: hdr, Target: target}
		},
		DefaultAlpha, cfg.Bucket.K, cfg.Bucket.NodeEvictAfter)

	return newMaintainer(cfg, table, lookups, cache, rec.send, events.record)
}

func TestMaintainerContactsBootstrappers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PublicAddress = "192.168.0.1:666"
	cfg.PowDifficulty = testDifficulty
	cfg.BootstrapNodes = []string{"10.0.0.1:9000", "10.0.0.2:9000", "bad host"}

	table := NewRoutingTable(genPeer(t, cfg.PublicAddress), cfg.Bucket)

	rec := &sendRecorder{}
	events := &eventRecorder{}
	m := newTestMaintainer(t, &cfg, table, rec, events)

	m.tick()

	sent := rec.all()
	require.NotEmpty(t, sent)
	assert.Equal(t, byte(encoding.FindNodesMsg), sent[0].msg.Type())
	assert.Len(t, sent[0].targets, 2, "unresolvable seeds are skipped")
	assert.Equal(t, 1, events.byType(EventBootstrapping))

	// The query target is our own key: we ask for our neighbourhood.
	fn := sent[0].msg.(*encoding.FindNodes)
	assert.Equal(t, table.Root().ID.Key, fn.Target)
}

func TestMaintainerSkipsBootstrapWhenSatisfied(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PublicAddress = "192.168.0.1:666"
	cfg.PowDifficulty = testDifficulty
	cfg.BootstrapNodes = []string{"10.0.0.1:9000"}
	cfg.Bucket.MinPeers = 2

	table := NewRoutingTable(genPeer(t, cfg.PublicAddress), cfg.Bucket)
	populate(t, table, 5)

	rec := &sendRecorder{}
	events := &eventRecorder{}
	m := newTestMaintainer(t, &cfg, table, rec, events)

	m.tick()

	assert.Equal(t, 0, events.byType(EventBootstrapping))
}

func TestMaintainerProbesAndEvictsIdleNodes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PublicAddress = "192.168.0.1:666"
	cfg.PowDifficulty = testDifficulty
	cfg.Bucket.MinPeers = 0
	cfg.Bucket.NodeTTL = 50 * time.Millisecond
	cfg.Bucket.NodeEvictAfter = 50 * time.Millisecond

	table := NewRoutingTable(genPeer(t, cfg.PublicAddress), cfg.Bucket)
	peers := populate(t, table, 4)

	rec := &sendRecorder{}
	events := &eventRecorder{}
	m := newTestMaintainer(t, &cfg, table, rec, events)

	// Let every peer go idle, probe, then let the probes expire.
	time.Sleep(80 * time.Millisecond)
	m.tick()

	assert.Equal(t, len(peers), len(rec.all()[0].targets), "every idle peer is pinged")
	assert.Equal(t, byte(encoding.PingMsg), rec.all()[0].msg.Type())

	time.Sleep(80 * time.Millisecond)
	m.tick()

	assert.Equal(t, 0, table.TotalPeers(), "silent peers are evicted")
	assert.Equal(t, len(peers), events.byType(EventPeerRemoved))
}
