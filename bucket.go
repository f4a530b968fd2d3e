// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package kadcast

import (
	"math/rand"
	"time"

	"github.com/dusk-network/kadcast/encoding"
)

// InsertStatus classifies the outcome of a routing-table insertion.
type InsertStatus int

// Insertion outcomes.
const (
	// Inserted: the peer went into a bucket with room, as MRU.
	Inserted InsertStatus = iota

	// Updated: the peer was already known; refreshed and moved to MRU.
	Updated

	// PendingEviction: the bucket is full; the peer sits in the pending
	// slot while the LRU is probed for liveness.
	PendingEviction

	// RejectedFull: the bucket is full and a liveness probe is already in
	// flight for another candidate.
	RejectedFull

	// RejectedInvalid: the peer carries our own key (distance zero).
	RejectedInvalid
)

// InsertResult is the outcome of an insertion, plus the LRU to probe when
// the status is PendingEviction.
type InsertResult struct {
	Status   InsertStatus
	ProbeLRU *encoding.PeerInfo
}

// node wraps a peer with its bucket-local bookkeeping.
type node struct {
	peer   encoding.PeerInfo
	seenAt time.Time

	// evictRequested is non-zero while a liveness probe is outstanding
	// for this node. A refresh clears it; expiry removes the node.
	evictRequested time.Time
}

// bucket is a distance-range slot of the routing table: an LRU-ordered
// list of up to K peers (index 0 is the LRU, the tail is the MRU), a
// single pending candidate awaiting the LRU's liveness verdict, and the
// activity timestamp driving idle-bucket refresh.
type bucket struct {
	conf         BucketConfig
	entries      []node
	pending      *node
	lastActivity time.Time
}

func makeBucket(conf BucketConfig) bucket {
	return bucket{
		conf:    conf,
		entries: make([]node, 0, conf.K),
	}
}

func (b *bucket) markActivity(now time.Time) {
	b.lastActivity = now
}

func (b *bucket) indexOf(key *encoding.BinaryKey) int {
	for i := range b.entries {
		if b.entries[i].peer.ID.Key == *key {
			return i
		}
	}

	return -1
}

// insert applies the LRU discipline. A refresh of a probed LRU drops the
// pending candidate: the LRU proved alive, the candidate loses.
func (b *bucket) insert(peer encoding.PeerInfo, now time.Time) InsertResult {
	b.markActivity(now)

	if i := b.indexOf(&peer.ID.Key); i >= 0 {
		flagged := !b.entries[i].evictRequested.IsZero()

		n := b.entries[i]
		n.peer = peer // address may have changed
		n.seenAt = now
		n.evictRequested = time.Time{}

		b.entries = append(append(b.entries[:i], b.entries[i+1:]...), n)

		if flagged && b.pending != nil {
			b.pending = nil
		}

		return InsertResult{Status: Updated}
	}

	if len(b.entries) < b.conf.K {
		b.entries = append(b.entries, node{peer: peer, seenAt: now})
		return InsertResult{Status: Inserted}
	}

	if b.pending != nil {
		return InsertResult{Status: RejectedFull}
	}

	b.pending = &node{peer: peer, seenAt: now}
	b.entries[0].evictRequested = now

	lru := b.entries[0].peer

	return InsertResult{Status: PendingEviction, ProbeLRU: &lru}
}

// touch refreshes a peer, moving it to MRU. Returns false when unknown.
func (b *bucket) touch(key *encoding.BinaryKey, now time.Time) bool {
	i := b.indexOf(key)
	if i < 0 {
		return false
	}

	b.markActivity(now)

	flagged := !b.entries[i].evictRequested.IsZero()

	n := b.entries[i]
	n.seenAt = now
	n.evictRequested = time.Time{}

	b.entries = append(append(b.entries[:i], b.entries[i+1:]...), n)

	if flagged && b.pending != nil {
		b.pending = nil
	}

	return true
}

func (b *bucket) remove(key *encoding.BinaryKey) *encoding.PeerInfo {
	i := b.indexOf(key)
	if i < 0 {
		return nil
	}

	removed := b.entries[i].peer
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	b.promotePending()

	return &removed
}

// flagIdle marks nodes unseen for nodeTTL and returns the peers to PING.
// Nodes already under probe are skipped; their clock is running.
func (b *bucket) flagIdle(now time.Time) []encoding.PeerInfo {
	var idle []encoding.PeerInfo

	for i := range b.entries {
		if !b.entries[i].evictRequested.IsZero() {
			continue
		}

		if now.Sub(b.entries[i].seenAt) > b.conf.NodeTTL {
			b.entries[i].evictRequested = now
			idle = append(idle, b.entries[i].peer)
		}
	}

	return idle
}

// removeExpired evicts nodes whose probe window elapsed without a refresh
// and promotes the pending candidate into the freed slot.
func (b *bucket) removeExpired(now time.Time) (removed, promoted []encoding.PeerInfo) {
	kept := b.entries[:0]

	for i := range b.entries {
		flagged := b.entries[i].evictRequested
		if !flagged.IsZero() && now.Sub(flagged) > b.conf.NodeEvictAfter {
			removed = append(removed, b.entries[i].peer)
			continue
		}

		kept = append(kept, b.entries[i])
	}

	b.entries = kept

	if len(removed) > 0 {
		if p := b.promotePending(); p != nil {
			promoted = append(promoted, *p)
		}
	}

	return removed, promoted
}

func (b *bucket) promotePending() *encoding.PeerInfo {
	if b.pending == nil || len(b.entries) >= b.conf.K {
		return nil
	}

	candidate := *b.pending
	candidate.evictRequested = time.Time{}
	b.pending = nil
	b.entries = append(b.entries, candidate)

	return &candidate.peer
}

func (b *bucket) peers() []encoding.PeerInfo {
	out := make([]encoding.PeerInfo, 0, len(b.entries))
	for i := range b.entries {
		out = append(out, b.entries[i].peer)
	}

	return out
}

func (b *bucket) alivePeers(now time.Time) []encoding.PeerInfo {
	var out []encoding.PeerInfo

	for i := range b.entries {
		if now.Sub(b.entries[i].seenAt) < b.conf.NodeTTL {
			out = append(out, b.entries[i].peer)
		}
	}

	return out
}

// pickDelegates selects up to beta peers uniformly without replacement.
func (b *bucket) pickDelegates(beta int, rnd *rand.Rand) []encoding.PeerInfo {
	count := len(b.entries)
	if count == 0 {
		return nil
	}

	if count <= beta {
		return b.peers()
	}

	idx := rnd.Perm(count)[:beta]
	out := make([]encoding.PeerInfo, 0, beta)

	for _, i := range idx {
		out = append(out, b.entries[i].peer)
	}

	return out
}

// isIdle reports whether the bucket saw no traffic for bucketTTL. Buckets
// never touched are not idle; there is nothing to refresh there yet.
func (b *bucket) isIdle(now time.Time) bool {
	if b.lastActivity.IsZero() {
		return false
	}

	return now.Sub(b.lastActivity) > b.conf.BucketTTL
}

func (b *bucket) isFull() bool {
	return len(b.entries) >= b.conf.K
}
