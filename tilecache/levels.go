// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

package tilecache

import (
	"container/list"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// victim is an entry displaced from a level by capacity or budget
// pressure, carried out so the owning cache can demote or discard it and
// report the eviction.
type victim struct {
	id   ID
	data Data
}

const (
	// shardCount is the number of L1 shards. Must be a power of 2 for
	// fast modulo via bitwise AND.
	shardCount = 16

	// shardMask is used for fast shard selection.
	shardMask = shardCount - 1
)

// shardedLevel is the fast level: a sharded, entry-count-bounded store
// optimized for the per-frame lookup storm while gestures are live.
type shardedLevel struct {
	shards   [shardCount]*levelShard
	perShard int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type levelShard struct {
	mu      sync.RWMutex
	entries map[ID]*shardEntry
	lru     *lruList
	bytes   int64
}

type shardEntry struct {
	data Data
	node *lruNode
}

// newShardedLevel builds the level with a total entry capacity spread
// across shards.
func newShardedLevel(capacity int) *shardedLevel {
	perShard := (capacity + shardCount - 1) / shardCount
	if perShard < 1 {
		perShard = 1
	}
	l := &shardedLevel{perShard: perShard}
	for i := range l.shards {
		l.shards[i] = &levelShard{
			entries: make(map[ID]*shardEntry),
			lru:     &lruList{},
		}
	}
	return l
}

// shard selects the shard for an identity by hashing its five fields.
func (l *shardedLevel) shard(id ID) *levelShard {
	var buf [40]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(id.Page))
	binary.LittleEndian.PutUint64(buf[8:], uint64(id.X))
	binary.LittleEndian.PutUint64(buf[16:], uint64(id.Y))
	binary.LittleEndian.PutUint64(buf[24:], math.Float64bits(id.ScaleTier))
	binary.LittleEndian.PutUint64(buf[32:], uint64(id.Size))
	return l.shards[xxhash.Sum64(buf[:])&shardMask]
}

// get retrieves an entry, refreshing its recency on hit.
func (l *shardedLevel) get(id ID) (Data, bool) {
	shard := l.shard(id)

	// Fast path: read lock to check existence.
	shard.mu.RLock()
	_, exists := shard.entries[id]
	shard.mu.RUnlock()

	if !exists {
		l.misses.Add(1)
		return Data{}, false
	}

	// Slow path: write lock for the LRU update, re-checking because the
	// entry may have been evicted in between.
	shard.mu.Lock()
	entry, ok := shard.entries[id]
	if !ok {
		shard.mu.Unlock()
		l.misses.Add(1)
		return Data{}, false
	}
	shard.lru.MoveToFront(entry.node)
	data := entry.data
	shard.mu.Unlock()

	l.hits.Add(1)
	return data, true
}

// insert stores an entry, returning any entries displaced to make room.
func (l *shardedLevel) insert(id ID, data Data) []victim {
	shard := l.shard(id)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if existing, ok := shard.entries[id]; ok {
		shard.bytes += data.ByteSize() - existing.data.ByteSize()
		existing.data = data
		shard.lru.MoveToFront(existing.node)
		return nil
	}

	var out []victim
	for shard.lru.Len() >= l.perShard {
		oldest, ok := shard.lru.RemoveOldest()
		if !ok {
			break
		}
		entry := shard.entries[oldest]
		delete(shard.entries, oldest)
		shard.bytes -= entry.data.ByteSize()
		l.evictions.Add(1)
		out = append(out, victim{id: oldest, data: entry.data})
	}

	node := shard.lru.PushFront(id)
	shard.entries[id] = &shardEntry{data: data, node: node}
	shard.bytes += data.ByteSize()
	return out
}

// take removes and returns an entry, counting the lookup as a hit or
// miss. Used when promoting between levels.
func (l *shardedLevel) take(id ID) (Data, bool) {
	shard := l.shard(id)

	shard.mu.Lock()
	entry, ok := shard.entries[id]
	if !ok {
		shard.mu.Unlock()
		l.misses.Add(1)
		return Data{}, false
	}
	shard.lru.Remove(entry.node)
	delete(shard.entries, id)
	shard.bytes -= entry.data.ByteSize()
	shard.mu.Unlock()

	l.hits.Add(1)
	return entry.data, true
}

// has reports presence without touching recency or counters.
func (l *shardedLevel) has(id ID) bool {
	shard := l.shard(id)
	shard.mu.RLock()
	_, ok := shard.entries[id]
	shard.mu.RUnlock()
	return ok
}

// clearAll empties every shard, returning the entry count and bytes
// released.
func (l *shardedLevel) clearAll() (int, int64) {
	entries := 0
	var bytes int64
	for _, shard := range l.shards {
		shard.mu.Lock()
		entries += len(shard.entries)
		bytes += shard.bytes
		shard.entries = make(map[ID]*shardEntry)
		shard.lru.Clear()
		shard.bytes = 0
		shard.mu.Unlock()
	}
	if entries > 0 {
		l.evictions.Add(uint64(entries))
	}
	return entries, bytes
}

// prune removes every entry rejected by keep, returning them as victims.
func (l *shardedLevel) prune(keep func(ID) bool) []victim {
	var out []victim
	for _, shard := range l.shards {
		shard.mu.Lock()
		for id, entry := range shard.entries {
			if keep(id) {
				continue
			}
			shard.lru.Remove(entry.node)
			delete(shard.entries, id)
			shard.bytes -= entry.data.ByteSize()
			l.evictions.Add(1)
			out = append(out, victim{id: id, data: entry.data})
		}
		shard.mu.Unlock()
	}
	return out
}

// usage returns the live entry count and byte total.
func (l *shardedLevel) usage() (int, int64) {
	entries := 0
	var bytes int64
	for _, shard := range l.shards {
		shard.mu.RLock()
		entries += len(shard.entries)
		bytes += shard.bytes
		shard.mu.RUnlock()
	}
	return entries, bytes
}

// byteLevel is a memory-budgeted LRU store used for the larger, slower
// levels. Insertion evicts from the least recently used end until the
// new entry fits the budget.
type byteLevel struct {
	mu      sync.RWMutex
	entries map[ID]*byteEntry
	lru     *list.List // front = most recent
	size    int64
	maxSize int64

	// encodedOnly restricts admission to FormatEncoded data, for the
	// final level where raw pixels are too expensive to keep.
	encodedOnly bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type byteEntry struct {
	id      ID
	data    Data
	size    int64
	element *list.Element
}

func newByteLevel(maxBytes int64, encodedOnly bool) *byteLevel {
	return &byteLevel{
		entries:     make(map[ID]*byteEntry),
		lru:         list.New(),
		maxSize:     maxBytes,
		encodedOnly: encodedOnly,
	}
}

// get retrieves an entry, refreshing its recency on hit.
func (l *byteLevel) get(id ID) (Data, bool) {
	l.mu.RLock()
	_, ok := l.entries[id]
	l.mu.RUnlock()

	if !ok {
		l.misses.Add(1)
		return Data{}, false
	}

	l.mu.Lock()
	entry, ok := l.entries[id]
	if !ok {
		l.mu.Unlock()
		l.misses.Add(1)
		return Data{}, false
	}
	l.lru.MoveToFront(entry.element)
	data := entry.data
	l.mu.Unlock()

	l.hits.Add(1)
	return data, true
}

// admits reports whether this level stores the given data at all.
func (l *byteLevel) admits(data Data) bool {
	if l.encodedOnly && data.Format != FormatEncoded {
		return false
	}
	size := data.ByteSize()
	return size > 0 && size <= l.maxSize
}

// insert stores an entry if admissible, returning displaced entries.
func (l *byteLevel) insert(id ID, data Data) []victim {
	if !l.admits(data) {
		return nil
	}
	entrySize := data.ByteSize()

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.entries[id]; ok {
		l.size -= existing.size
		l.lru.Remove(existing.element)
		delete(l.entries, id)
	}

	var out []victim
	for l.size > l.maxSize-entrySize && l.lru.Len() > 0 {
		elem := l.lru.Back()
		if elem == nil {
			break
		}
		entry := elem.Value.(*byteEntry)
		l.lru.Remove(elem)
		l.size -= entry.size
		delete(l.entries, entry.id)
		l.evictions.Add(1)
		out = append(out, victim{id: entry.id, data: entry.data})
	}

	entry := &byteEntry{id: id, data: data, size: entrySize}
	entry.element = l.lru.PushFront(entry)
	l.entries[id] = entry
	l.size += entrySize
	return out
}

// take removes and returns an entry, counting the lookup.
func (l *byteLevel) take(id ID) (Data, bool) {
	l.mu.Lock()
	entry, ok := l.entries[id]
	if !ok {
		l.mu.Unlock()
		l.misses.Add(1)
		return Data{}, false
	}
	l.lru.Remove(entry.element)
	l.size -= entry.size
	delete(l.entries, id)
	l.mu.Unlock()

	l.hits.Add(1)
	return entry.data, true
}

// has reports presence without touching recency or counters.
func (l *byteLevel) has(id ID) bool {
	l.mu.RLock()
	_, ok := l.entries[id]
	l.mu.RUnlock()
	return ok
}

// clearAll empties the level, returning the entry count and bytes
// released.
func (l *byteLevel) clearAll() (int, int64) {
	l.mu.Lock()
	entries := len(l.entries)
	bytes := l.size
	l.entries = make(map[ID]*byteEntry)
	l.lru.Init()
	l.size = 0
	l.mu.Unlock()

	if entries > 0 {
		l.evictions.Add(uint64(entries))
	}
	return entries, bytes
}

// prune removes every entry rejected by keep, returning them as victims.
func (l *byteLevel) prune(keep func(ID) bool) []victim {
	var out []victim
	l.mu.Lock()
	for id, entry := range l.entries {
		if keep(id) {
			continue
		}
		l.lru.Remove(entry.element)
		l.size -= entry.size
		delete(l.entries, id)
		l.evictions.Add(1)
		out = append(out, victim{id: id, data: entry.data})
	}
	l.mu.Unlock()
	return out
}

// usage returns the live entry count and byte total.
func (l *byteLevel) usage() (int, int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), l.size
}
