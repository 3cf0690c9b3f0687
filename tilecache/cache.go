// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

// Package tilecache stores rendered tiles across three levels keyed by
// exact tile identity.
//
// L1 is a sharded, entry-count-bounded store sized for the lookup storm
// of an active gesture. L2 is a larger memory-budgeted store that absorbs
// L1's evictions. L3, optional, keeps only encoded tiles as a last stop
// before rasterizing again. Lookups promote hits toward L1; insertion
// pressure demotes cold tiles toward L3. A tile lives in at most one
// level at a time.
//
// Every insertion is gated by the data integrity check: dimensions must
// be positive and raw buffers exactly width*height*4 bytes. Rejected data
// never touches any level, so a failed Set leaves the cache observably
// unchanged.
//
// Identities must be built with NewID so the scale component has passed
// through cache-key quantization; see the ID documentation.
package tilecache

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zoomgrid/zoomgrid/telemetry"
)

// Default level sizing.
const (
	// DefaultL1Capacity is the total L1 entry budget across shards,
	// roughly two 4K viewports of 256px tiles.
	DefaultL1Capacity = 256

	// DefaultL2SizeMB is the L2 memory budget in megabytes.
	DefaultL2SizeMB = 128

	// DefaultL3SizeMB is the L3 memory budget in megabytes.
	DefaultL3SizeMB = 64

	// bytesPerMB is the number of bytes in a megabyte.
	bytesPerMB = 1024 * 1024
)

// EvictReason classifies why a tile left the cache.
type EvictReason string

// The closed set of eviction reasons.
const (
	EvictLRU            EvictReason = "lru"
	EvictMemoryPressure EvictReason = "memory-pressure"
	EvictZoomChange     EvictReason = "zoom-change"
	EvictModeTransition EvictReason = "mode-transition"
	EvictDocumentSwitch EvictReason = "document-switch"
	EvictManual         EvictReason = "manual"
)

// Level names used in telemetry events and stats.
const (
	LevelL1 = "l1"
	LevelL2 = "l2"
	LevelL3 = "l3"
)

// Cache is the multi-level tile store. Construct with New; the zero
// value is not usable.
//
// Individual operations are safe for concurrent use; Clear and
// PruneTiers additionally exclude all other operations so a reader never
// observes a partially cleared cache.
type Cache struct {
	mu sync.RWMutex

	l1 *shardedLevel
	l2 *byteLevel
	l3 *byteLevel // nil when disabled

	sink telemetry.Sink

	stores     atomic.Uint64
	violations atomic.Uint64

	vmu             sync.Mutex
	violationCounts map[IntegrityReason]uint64
}

type config struct {
	l1Capacity int
	l2SizeMB   int
	l3SizeMB   int
	sink       telemetry.Sink
}

// Option configures a Cache.
type Option func(*config)

// WithL1Capacity sets the total L1 entry budget. Values below 1 fall
// back to the default.
func WithL1Capacity(entries int) Option {
	return func(c *config) {
		if entries > 0 {
			c.l1Capacity = entries
		}
	}
}

// WithL2SizeMB sets the L2 memory budget in megabytes. Values below 1
// fall back to the default.
func WithL2SizeMB(mb int) Option {
	return func(c *config) {
		if mb > 0 {
			c.l2SizeMB = mb
		}
	}
}

// WithL3SizeMB sets the L3 memory budget in megabytes. Zero or negative
// disables the level.
func WithL3SizeMB(mb int) Option {
	return func(c *config) { c.l3SizeMB = mb }
}

// WithSink sets the telemetry sink receiving cache events.
func WithSink(s telemetry.Sink) Option {
	return func(c *config) { c.sink = telemetry.OrNop(s) }
}

// New builds a cache with the given options.
func New(opts ...Option) *Cache {
	cfg := config{
		l1Capacity: DefaultL1Capacity,
		l2SizeMB:   DefaultL2SizeMB,
		l3SizeMB:   DefaultL3SizeMB,
		sink:       telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Cache{
		l1:              newShardedLevel(cfg.l1Capacity),
		l2:              newByteLevel(int64(cfg.l2SizeMB)*bytesPerMB, false),
		sink:            cfg.sink,
		violationCounts: make(map[IntegrityReason]uint64),
	}
	if cfg.l3SizeMB > 0 {
		c.l3 = newByteLevel(int64(cfg.l3SizeMB)*bytesPerMB, true)
	}
	return c
}

// Set validates and stores tile data under the given identity. On an
// integrity violation it returns the *IntegrityError, increments the
// violation counters, and leaves every level untouched.
func (c *Cache) Set(id ID, data Data) error {
	if err := data.Validate(); err != nil {
		c.violations.Add(1)
		var ierr *IntegrityError
		if errors.As(err, &ierr) {
			c.vmu.Lock()
			c.violationCounts[ierr.Reason]++
			c.vmu.Unlock()
			c.sink.TileEvent(telemetry.TileEvent{
				Kind:    telemetry.KindDrop,
				TileKey: id.Key(),
				Page:    id.Page,
				X:       id.X,
				Y:       id.Y,
				Scale:   id.ScaleTier,
				Size:    id.Size,
				Reason:  "integrity-" + string(ierr.Reason),
			})
		}
		return err
	}

	var evs []telemetry.TileEvent

	c.mu.RLock()
	victims := c.l1.insert(id, data)
	c.demote(victims, &evs)
	c.mu.RUnlock()

	c.stores.Add(1)
	evs = append(evs, telemetry.TileEvent{
		Kind:    telemetry.KindCacheStore,
		TileKey: id.Key(),
		Page:    id.Page,
		X:       id.X,
		Y:       id.Y,
		Scale:   id.ScaleTier,
		Size:    id.Size,
	})
	c.emit(evs)
	return nil
}

// demote pushes L1 victims down the hierarchy, recording evictions.
// Called with at least a read lock held.
func (c *Cache) demote(victims []victim, evs *[]telemetry.TileEvent) {
	for _, v := range victims {
		*evs = append(*evs, c.evictEvent(v, LevelL1, EvictLRU))
		for _, v2 := range c.l2.insert(v.id, v.data) {
			*evs = append(*evs, c.evictEvent(v2, LevelL2, EvictMemoryPressure))
			if c.l3 == nil {
				continue
			}
			for _, v3 := range c.l3.insert(v2.id, v2.data) {
				*evs = append(*evs, c.evictEvent(v3, LevelL3, EvictMemoryPressure))
			}
		}
	}
}

func (c *Cache) evictEvent(v victim, level string, reason EvictReason) telemetry.TileEvent {
	return telemetry.TileEvent{
		Kind:       telemetry.KindCacheEvict,
		TileKey:    v.id.Key(),
		Page:       v.id.Page,
		X:          v.id.X,
		Y:          v.id.Y,
		Scale:      v.id.ScaleTier,
		Size:       v.id.Size,
		Level:      level,
		Reason:     string(reason),
		BytesFreed: int(v.data.ByteSize()),
		Count:      1,
	}
}

// Has reports whether the identity is present at any level. Recency and
// hit statistics are not touched.
func (c *Cache) Has(id ID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.l1.has(id) || c.l2.has(id) {
		return true
	}
	return c.l3 != nil && c.l3.has(id)
}

// GetData retrieves tile data by identity, promoting lower-level hits
// into L1.
func (c *Cache) GetData(id ID) (Data, bool) {
	var evs []telemetry.TileEvent
	data, ok, level := c.lookup(id, &evs)
	if ok {
		evs = append(evs, telemetry.TileEvent{
			Kind:    telemetry.KindCacheHit,
			TileKey: id.Key(),
			Page:    id.Page,
			X:       id.X,
			Y:       id.Y,
			Scale:   id.ScaleTier,
			Size:    id.Size,
			Level:   level,
		})
	}
	c.emit(evs)
	return data, ok
}

func (c *Cache) lookup(id ID, evs *[]telemetry.TileEvent) (Data, bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if data, ok := c.l1.get(id); ok {
		return data, true, LevelL1
	}
	if data, ok := c.l2.take(id); ok {
		c.demote(c.l1.insert(id, data), evs)
		return data, true, LevelL2
	}
	if c.l3 != nil {
		if data, ok := c.l3.take(id); ok {
			c.demote(c.l1.insert(id, data), evs)
			return data, true, LevelL3
		}
	}
	return Data{}, false, ""
}

// Clear removes every tile from every level in one atomic step: no
// concurrent operation can observe some levels cleared and others not.
// The reason is reported per level as an aggregate eviction event.
func (c *Cache) Clear(reason EvictReason) {
	c.mu.Lock()
	n1, b1 := c.l1.clearAll()
	n2, b2 := c.l2.clearAll()
	n3, b3 := 0, int64(0)
	if c.l3 != nil {
		n3, b3 = c.l3.clearAll()
	}
	c.mu.Unlock()

	var evs []telemetry.TileEvent
	for _, lv := range []struct {
		name  string
		count int
		bytes int64
	}{
		{LevelL1, n1, b1},
		{LevelL2, n2, b2},
		{LevelL3, n3, b3},
	} {
		if lv.count == 0 {
			continue
		}
		evs = append(evs, telemetry.TileEvent{
			Kind:       telemetry.KindCacheEvict,
			Level:      lv.name,
			Reason:     string(reason),
			BytesFreed: int(lv.bytes),
			Count:      lv.count,
		})
	}
	c.emit(evs)
}

// PruneTiers removes every tile whose scale tier is not in keep, across
// all levels atomically. Used on zoom changes to shed tiers that are no
// longer reachable. Pruned tiles are discarded, not demoted.
func (c *Cache) PruneTiers(keep []float64, reason EvictReason) {
	keepSet := make(map[float64]struct{}, len(keep))
	for _, tier := range keep {
		keepSet[tier] = struct{}{}
	}
	pred := func(id ID) bool {
		_, ok := keepSet[id.ScaleTier]
		return ok
	}

	c.mu.Lock()
	v1 := c.l1.prune(pred)
	v2 := c.l2.prune(pred)
	var v3 []victim
	if c.l3 != nil {
		v3 = c.l3.prune(pred)
	}
	c.mu.Unlock()

	var evs []telemetry.TileEvent
	for _, lv := range []struct {
		name    string
		victims []victim
	}{
		{LevelL1, v1},
		{LevelL2, v2},
		{LevelL3, v3},
	} {
		if len(lv.victims) == 0 {
			continue
		}
		var bytes int64
		for _, v := range lv.victims {
			bytes += v.data.ByteSize()
		}
		evs = append(evs, telemetry.TileEvent{
			Kind:       telemetry.KindCacheEvict,
			Level:      lv.name,
			Reason:     string(reason),
			BytesFreed: int(bytes),
			Count:      len(lv.victims),
		})
	}
	c.emit(evs)
}

func (c *Cache) emit(evs []telemetry.TileEvent) {
	for _, ev := range evs {
		c.sink.TileEvent(ev)
	}
}

// LevelStats describes one cache level.
type LevelStats struct {
	Entries   int
	Bytes     int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
	HitRate   float64
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	L1, L2, L3 LevelStats
	L3Enabled  bool

	Stores     uint64
	Violations uint64

	// ViolationsByReason classifies rejected insertions.
	ViolationsByReason map[IntegrityReason]uint64

	// HitRate is the fraction of lookups satisfied by any level.
	HitRate float64
}

func levelStats(entries int, bytes int64, hits, misses, evictions uint64) LevelStats {
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return LevelStats{
		Entries:   entries,
		Bytes:     bytes,
		Hits:      hits,
		Misses:    misses,
		Evictions: evictions,
		HitRate:   rate,
	}
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n1, b1 := c.l1.usage()
	n2, b2 := c.l2.usage()
	var n3 int
	var b3 int64
	if c.l3 != nil {
		n3, b3 = c.l3.usage()
	}
	c.mu.RUnlock()

	s := Stats{
		L1:        levelStats(n1, b1, c.l1.hits.Load(), c.l1.misses.Load(), c.l1.evictions.Load()),
		L2:        levelStats(n2, b2, c.l2.hits.Load(), c.l2.misses.Load(), c.l2.evictions.Load()),
		L3Enabled: c.l3 != nil,
		Stores:    c.stores.Load(),
	}
	if c.l3 != nil {
		s.L3 = levelStats(n3, b3, c.l3.hits.Load(), c.l3.misses.Load(), c.l3.evictions.Load())
	}

	s.Violations = c.violations.Load()
	s.ViolationsByReason = make(map[IntegrityReason]uint64)
	c.vmu.Lock()
	for reason, count := range c.violationCounts {
		s.ViolationsByReason[reason] = count
	}
	c.vmu.Unlock()

	// Every lookup consults L1 first, so L1 traffic is total traffic.
	hits := s.L1.Hits + s.L2.Hits + s.L3.Hits
	if total := s.L1.Hits + s.L1.Misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// ResetStats zeroes all counters. Entries are untouched.
func (c *Cache) ResetStats() {
	for _, lv := range []*atomic.Uint64{
		&c.l1.hits, &c.l1.misses, &c.l1.evictions,
		&c.l2.hits, &c.l2.misses, &c.l2.evictions,
	} {
		lv.Store(0)
	}
	if c.l3 != nil {
		c.l3.hits.Store(0)
		c.l3.misses.Store(0)
		c.l3.evictions.Store(0)
	}
	c.stores.Store(0)
	c.violations.Store(0)
	c.vmu.Lock()
	c.violationCounts = make(map[IntegrityReason]uint64)
	c.vmu.Unlock()
}
