// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package kadcast

import (
	"math/rand"
	"sort"
	"time"

	"github.com/dusk-network/kadcast/encoding"
)

// MaxBuckets is the number of distance classes; one per key bit.
const MaxBuckets = encoding.IDLen * 8

// RoutingTable is the k-bucket set. All state sits behind a single
// reader/writer lock; every critical section is a short, pure computation
// and nothing is sent while the lock is held.
type RoutingTable struct {
	lock *rwLock

	root    encoding.PeerInfo
	conf    BucketConfig
	buckets [MaxBuckets]bucket
}

// delegateSet is one hop of a broadcast descent: the peers picked from the
// bucket at the given height.
type delegateSet struct {
	height byte
	peers  []encoding.PeerInfo
}

// NewRoutingTable builds an empty table owned by root.
func NewRoutingTable(root encoding.PeerInfo, conf BucketConfig) *RoutingTable {
	t := &RoutingTable{
		lock: newRWLock("ktable"),
		root: root,
		conf: conf,
	}

	for i := range t.buckets {
		t.buckets[i] = makeBucket(conf)
	}

	return t
}

// Root returns the local peer record.
func (t *RoutingTable) Root() encoding.PeerInfo {
	return t.root
}

// Insert classifies the peer by distance and applies the bucket LRU
// discipline. Distance zero (ourselves) is rejected.
func (t *RoutingTable) Insert(peer encoding.PeerInfo) InsertResult {
	height, ok := encoding.Distance(&t.root.ID.Key, &peer.ID.Key)
	if !ok {
		return InsertResult{Status: RejectedInvalid}
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	return t.buckets[height].insert(peer, time.Now())
}

// Touch refreshes the peer, moving it to MRU in its bucket.
func (t *RoutingTable) Touch(key *encoding.BinaryKey) bool {
	height, ok := encoding.Distance(&t.root.ID.Key, key)
	if !ok {
		return false
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	return t.buckets[height].touch(key, time.Now())
}

// Remove drops the peer from its bucket, promoting any pending candidate.
func (t *RoutingTable) Remove(key *encoding.BinaryKey) *encoding.PeerInfo {
	height, ok := encoding.Distance(&t.root.ID.Key, key)
	if !ok {
		return nil
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	return t.buckets[height].remove(key)
}

// HasPeer returns the bucket height holding the key, if any.
func (t *RoutingTable) HasPeer(key *encoding.BinaryKey) (byte, bool) {
	height, ok := encoding.Distance(&t.root.ID.Key, key)
	if !ok {
		return 0, false
	}

	t.lock.RLock()
	defer t.lock.RUnlock()

	return height, t.buckets[height].indexOf(key) >= 0
}

// GetPeer returns the record stored for key, when present.
func (t *RoutingTable) GetPeer(key *encoding.BinaryKey) *encoding.PeerInfo {
	height, ok := encoding.Distance(&t.root.ID.Key, key)
	if !ok {
		return nil
	}

	t.lock.RLock()
	defer t.lock.RUnlock()

	if i := t.buckets[height].indexOf(key); i >= 0 {
		peer := t.buckets[height].entries[i].peer
		return &peer
	}

	return nil
}

// IsBucketFull reports whether the bucket at the key's height has no room.
func (t *RoutingTable) IsBucketFull(key *encoding.BinaryKey) bool {
	height, ok := encoding.Distance(&t.root.ID.Key, key)
	if !ok {
		return false
	}

	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.buckets[height].isFull()
}

// xorDist is the XOR distance as a comparable byte string, most
// significant byte first.
func xorDist(a, b *encoding.BinaryKey) (d [encoding.IDLen]byte) {
	for i := 0; i < encoding.IDLen; i++ {
		// Key bytes are little-endian; flip so lexicographic compare works.
		d[encoding.IDLen-1-i] = a[i] ^ b[i]
	}

	return d
}

func lessDist(a, b *[encoding.IDLen]byte) bool {
	for i := 0; i < encoding.IDLen; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}

	return false
}

// ClosestTo returns up to n peers closest to target by XOR distance,
// excluding the target key itself. The sort is stable, so equidistant
// peers keep their bucket order.
func (t *RoutingTable) ClosestTo(target *encoding.BinaryKey, n int) []encoding.PeerInfo {
	type peerDist struct {
		peer encoding.PeerInfo
		dist [encoding.IDLen]byte
	}

	var all []peerDist

	t.lock.RLock()
	for i := range t.buckets {
		for _, p := range t.buckets[i].peers() {
			if p.ID.Key == *target {
				continue
			}

			all = append(all, peerDist{peer: p, dist: xorDist(&p.ID.Key, target)})
		}
	}
	t.lock.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		return lessDist(&all[i].dist, &all[j].dist)
	})

	if len(all) > n {
		all = all[:n]
	}

	out := make([]encoding.PeerInfo, 0, len(all))
	for i := range all {
		out = append(out, all[i].peer)
	}

	return out
}

// AliveNodes returns up to n random peers seen within the node TTL.
func (t *RoutingTable) AliveNodes(n int, rnd *rand.Rand) []encoding.PeerInfo {
	now := time.Now()

	var alive []encoding.PeerInfo

	t.lock.RLock()
	for i := range t.buckets {
		alive = append(alive, t.buckets[i].alivePeers(now)...)
	}
	t.lock.RUnlock()

	if len(alive) <= n {
		return alive
	}

	out := make([]encoding.PeerInfo, 0, n)
	for _, i := range rnd.Perm(len(alive))[:n] {
		out = append(out, alive[i])
	}

	return out
}

// AliveCount counts peers seen within the node TTL.
func (t *RoutingTable) AliveCount() int {
	now := time.Now()
	count := 0

	t.lock.RLock()
	for i := range t.buckets {
		count += len(t.buckets[i].alivePeers(now))
	}
	t.lock.RUnlock()

	return count
}

// TotalPeers counts all bucket entries.
func (t *RoutingTable) TotalPeers() int {
	count := 0

	t.lock.RLock()
	for i := range t.buckets {
		count += len(t.buckets[i].entries)
	}
	t.lock.RUnlock()

	return count
}

// IdleBucketHeights lists buckets with no traffic for bucketTTL.
func (t *RoutingTable) IdleBucketHeights() []byte {
	now := time.Now()

	var idle []byte

	t.lock.RLock()
	for i := range t.buckets {
		if t.buckets[i].isIdle(now) {
			idle = append(idle, byte(i))
		}
	}
	t.lock.RUnlock()

	return idle
}

// FlagIdleNodes marks peers unseen for nodeTTL across all buckets and
// returns them, so the maintainer can probe their liveness.
func (t *RoutingTable) FlagIdleNodes() []encoding.PeerInfo {
	now := time.Now()

	var idle []encoding.PeerInfo

	t.lock.Lock()
	for i := range t.buckets {
		idle = append(idle, t.buckets[i].flagIdle(now)...)
	}
	t.lock.Unlock()

	return idle
}

// RemoveExpired evicts all peers whose liveness probe expired, promoting
// pending candidates into the freed slots.
func (t *RoutingTable) RemoveExpired() (removed, promoted []encoding.PeerInfo) {
	now := time.Now()

	t.lock.Lock()
	for i := range t.buckets {
		r, p := t.buckets[i].removeExpired(now)
		removed = append(removed, r...)
		promoted = append(promoted, p...)
	}
	t.lock.Unlock()

	return removed, promoted
}

// Extract picks up to beta delegates from every bucket strictly below
// maxHeight; one hop of the broadcast descent.
func (t *RoutingTable) Extract(maxHeight int, beta int, rnd *rand.Rand) []delegateSet {
	if maxHeight > MaxBuckets {
		maxHeight = MaxBuckets
	}

	var sets []delegateSet

	t.lock.RLock()
	for i := 0; i < maxHeight; i++ {
		peers := t.buckets[i].pickDelegates(beta, rnd)
		if len(peers) == 0 {
			continue
		}

		sets = append(sets, delegateSet{height: byte(i), peers: peers})
	}
	t.lock.RUnlock()

	return sets
}

// RandomKeyInBucket fabricates a key whose distance from the root falls in
// the bucket's range: bit `height` of the XOR set, everything above clear,
// everything below random.
func (t *RoutingTable) RandomKeyInBucket(height byte, rnd *rand.Rand) encoding.BinaryKey {
	key := t.root.ID.Key

	// Flip the height bit.
	key[height/8] ^= 1 << (height % 8)

	// Randomize all lower bits.
	for bit := 0; bit < int(height); bit++ {
		if rnd.Intn(2) == 1 {
			key[bit/8] ^= 1 << (bit % 8)
		}
	}

	return key
}
