// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package fec

import (
	"bytes"
	"sync"
	"time"

	fountain "github.com/google/gofountain"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2s"
)

// Chunk-group states. Transitions are monotonic:
// receiving -> processed, or receiving -> poisoned.
const (
	statusReceiving = iota
	statusProcessed
	statusPoisoned
)

var (
	// ErrDuplicate marks a chunk whose group has already been delivered.
	// Callers drop these silently; this is the dedup path.
	ErrDuplicate = errors.New("chunk group already processed")

	// ErrPoisoned marks a chunk of a group that failed its ray check.
	ErrPoisoned = errors.New("chunk group poisoned")

	// ErrRayMismatch is returned once, when a decoded frame does not hash
	// to the advertised ray. The group is poisoned afterwards.
	ErrRayMismatch = errors.New("decoded frame does not match ray")
)

// CacheConfig bounds the chunk cache. Pending entries are expected to
// outlive a broadcast burst only; processed entries must cover the window
// in which late duplicates from other forwarders keep arriving.
type CacheConfig struct {
	MaxTTL       time.Duration
	ProcessedTTL time.Duration
	PendingTTL   time.Duration
}

type cacheEntry struct {
	status      int
	decoder     fountain.Decoder
	firstSeen   time.Time
	completedAt time.Time
}

// ChunkCache accumulates raptor-coded chunks keyed by
// ray_id || transmission_info, and suppresses duplicate groups.
type ChunkCache struct {
	mu      sync.Mutex
	conf    CacheConfig
	entries map[ChunkHeader]*cacheEntry
}

// NewChunkCache returns an empty cache.
func NewChunkCache(conf CacheConfig) *ChunkCache {
	return &ChunkCache{
		conf:    conf,
		entries: make(map[ChunkHeader]*cacheEntry),
	}
}

// Consume feeds a chunk into its group decoder. It returns the fully
// reassembled gossip frame exactly once, on the call that completes the
// group; (nil, nil) while the group is still accumulating; ErrDuplicate or
// ErrPoisoned for groups in a terminal state.
func (c *ChunkCache) Consume(chunk *ChunkedPayload) ([]byte, error) {
	header := chunk.Header()
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[header]
	if !ok {
		// Lazy pruning on insert keeps the map bounded even if the
		// periodic prune stalls.
		if len(c.entries)%64 == 0 {
			c.pruneLocked(now)
		}

		padded := int(chunk.Info.TransferLength) + int(chunk.Info.Padding)
		codec := fountain.NewRaptorCodec(int(chunk.Info.SourceSymbols), symbolAlignment)

		entry = &cacheEntry{
			status:    statusReceiving,
			decoder:   codec.NewDecoder(padded),
			firstSeen: now,
		}
		c.entries[header] = entry
	}

	switch entry.status {
	case statusProcessed:
		return nil, ErrDuplicate
	case statusPoisoned:
		return nil, ErrPoisoned
	}

	block := fountain.LTBlock{
		BlockCode: int64(chunk.BlockCode),
		Data:      chunk.Symbol,
	}

	if !entry.decoder.AddBlocks([]fountain.LTBlock{block}) {
		return nil, nil
	}

	padded := entry.decoder.Decode()
	if padded == nil || len(padded) < int(chunk.Info.TransferLength) {
		entry.status = statusPoisoned
		entry.completedAt = now

		return nil, ErrRayMismatch
	}

	frame := padded[:chunk.Info.TransferLength]

	digest := blake2s.Sum256(frame)
	if !bytes.Equal(digest[:], chunk.Ray[:]) {
		entry.status = statusPoisoned
		entry.completedAt = now

		return nil, ErrRayMismatch
	}

	entry.status = statusProcessed
	entry.completedAt = now
	entry.decoder = nil

	return frame, nil
}

// Prune drops entries past their TTL.
func (c *ChunkCache) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(time.Now())
}

func (c *ChunkCache) pruneLocked(now time.Time) {
	for header, entry := range c.entries {
		age := now.Sub(entry.firstSeen)

		expired := age > c.conf.MaxTTL
		switch entry.status {
		case statusReceiving:
			expired = expired || age > c.conf.PendingTTL
		default:
			expired = expired || now.Sub(entry.completedAt) > c.conf.ProcessedTTL
		}

		if expired {
			delete(c.entries, header)
		}
	}
}

// Len returns the number of live chunk groups, for diagnostics.
func (c *ChunkCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
