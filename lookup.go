// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package kadcast

import (
	"net"
	"sync"
	"time"

	"github.com/dusk-network/kadcast/encoding"
)

// Candidate states inside a lookup frontier.
const (
	candidateNew = iota
	candidateQueried
	candidateResponded
	candidateFailed
)

type candidate struct {
	addr  net.UDPAddr
	key   encoding.BinaryKey
	dist  [encoding.IDLen]byte
	state int
}

// lookup is the in-memory state of one recursive peer search: the target,
// the distance-sorted frontier, and the in-flight query count.
// Cancellation is dropping the struct; no task is spawned per hop.
type lookup struct {
	target   encoding.BinaryKey
	frontier []*candidate
	seen     map[encoding.BinaryKey]*candidate
	inFlight int
	started  time.Time
}

// lookupManager drives all active recursive lookups with at most alpha
// concurrent queries each. Lookups are keyed by target; starting a lookup
// for a target already in flight is a no-op.
type lookupManager struct {
	mu sync.Mutex

	table        *RoutingTable
	send         func(msg encoding.Message, targets []net.UDPAddr)
	makeQuery    func(target encoding.BinaryKey) encoding.Message
	alpha        int
	k            int
	queryTimeout time.Duration

	active map[encoding.BinaryKey]*lookup
}

func newLookupManager(
	table *RoutingTable,
	send func(msg encoding.Message, targets []net.UDPAddr),
	makeQuery func(target encoding.BinaryKey) encoding.Message,
	alpha, k int,
	queryTimeout time.Duration,
) *lookupManager {
	return &lookupManager{
		table:        table,
		send:         send,
		makeQuery:    makeQuery,
		alpha:        alpha,
		k:            k,
		queryTimeout: queryTimeout,
		active:       make(map[encoding.BinaryKey]*lookup),
	}
}

// Start seeds a lookup from the local table and issues the first alpha
// queries.
func (lm *lookupManager) Start(target encoding.BinaryKey) {
	seeds := lm.table.ClosestTo(&target, lm.k)
	if len(seeds) == 0 {
		return
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, ok := lm.active[target]; ok {
		return
	}

	l := &lookup{
		target:  target,
		seen:    make(map[encoding.BinaryKey]*candidate),
		started: time.Now(),
	}

	for i := range seeds {
		l.addCandidate(seeds[i].UDPAddr(), seeds[i].ID.Key)
	}

	lm.active[target] = l
	lm.issueLocked(l)
}

// OnNodes merges a NODES response into whatever lookup queried the
// sender. Records must already be key-verified by the handler.
func (lm *lookupManager) OnNodes(sender *encoding.BinaryKey, records []encoding.PeerEncodedInfo) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var owner *lookup

	for _, l := range lm.active {
		if c, ok := l.seen[*sender]; ok && c.state == candidateQueried {
			c.state = candidateResponded
			l.inFlight--
			owner = l

			break
		}
	}

	if owner == nil {
		return false
	}

	for i := range records {
		owner.addCandidate(records[i].UDPAddr(), records[i].ID)
	}

	lm.issueLocked(owner)
	return true
}

// addCandidate inserts a record into the frontier, keeping it sorted by
// distance to the target. Duplicates merge on the key.
func (l *lookup) addCandidate(addr net.UDPAddr, key encoding.BinaryKey) {
	if _, ok := l.seen[key]; ok {
		return
	}

	c := &candidate{
		addr:  addr,
		key:   key,
		dist:  xorDist(&key, &l.target),
		state: candidateNew,
	}

	l.seen[key] = c

	pos := len(l.frontier)
	for i := range l.frontier {
		if lessDist(&c.dist, &l.frontier[i].dist) {
			pos = i
			break
		}
	}

	l.frontier = append(l.frontier, nil)
	copy(l.frontier[pos+1:], l.frontier[pos:])
	l.frontier[pos] = c
}

// issueLocked fires queries toward the closest unqueried candidates until
// alpha are in flight or the lookup terminates. Termination: the K closest
// candidates all resolved (responded or failed) and nothing is in flight.
func (lm *lookupManager) issueLocked(l *lookup) {
	for lm.inWindowUnqueried(l) != nil && l.inFlight < lm.alpha {
		c := lm.inWindowUnqueried(l)
		c.state = candidateQueried
		l.inFlight++

		lm.send(lm.makeQuery(l.target), []net.UDPAddr{c.addr})

		key := c.key
		target := l.target
		time.AfterFunc(lm.queryTimeout, func() {
			lm.onTimeout(target, key)
		})
	}

	if l.inFlight == 0 {
		delete(lm.active, l.target)

		log.WithField("target", hexKey(l.target)).
			WithField("took", time.Since(l.started).String()).
			Debug("lookup finished")
	}
}

// inWindowUnqueried returns the closest candidate not yet queried within
// the top-K window, or nil when the window is settled.
func (lm *lookupManager) inWindowUnqueried(l *lookup) *candidate {
	window := l.frontier
	if len(window) > lm.k {
		window = window[:lm.k]
	}

	for _, c := range window {
		if c.state == candidateNew {
			return c
		}
	}

	return nil
}

func (lm *lookupManager) onTimeout(target, key encoding.BinaryKey) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	l, ok := lm.active[target]
	if !ok {
		return
	}

	c, ok := l.seen[key]
	if !ok || c.state != candidateQueried {
		return
	}

	c.state = candidateFailed
	l.inFlight--

	lm.issueLocked(l)
}

// ActiveCount returns the number of lookups in flight.
func (lm *lookupManager) ActiveCount() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	return len(lm.active)
}
