// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accountcloner

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/luxfi/ephemeral-cloner/accountkey"
)

// monitoredCache bounds the set of non-delegated tracked accounts (spec
// §4.3). It is single-owner interior mutability: the orchestrator
// guarantees by construction that no reference into it crosses a
// suspension point, so it needs no lock of its own (spec §5).
//
// It is built on hashicorp/golang-lru's onEvicted hook, which the
// teacher's module graph already pulls in transitively; here it is
// promoted to a direct, exercised dependency (see core/headerchain.go's
// typed-LRU-field pattern in the teacher for the shape this follows).
type monitoredCache struct {
	lru *lru.Cache

	// pendingEvictions accumulates victims popped by the most recent
	// mutation; onEvicted cannot itself perform the I/O half of the
	// eviction cascade (bank removal, subscription teardown) because
	// those are suspension points and must run outside any lock (§5), so
	// it only records the key here for the caller to drain.
	pendingEvictions []accountkey.Key
}

// newMonitoredCache creates a cache bounded at capacity (N_MON in spec.md).
func newMonitoredCache(capacity int) *monitoredCache {
	if capacity <= 0 {
		capacity = 1
	}
	mc := &monitoredCache{}
	c, err := lru.NewWithEvict(capacity, func(key, _ interface{}) {
		mc.pendingEvictions = append(mc.pendingEvictions, key.(accountkey.Key))
	})
	if err != nil {
		// Only returns an error for capacity <= 0, already guarded above.
		panic(err)
	}
	mc.lru = c
	return mc
}

// Track inserts or promotes key. If the insertion evicted a victim (size
// exceeded N_MON), Track returns it so the caller can run the eviction
// cascade (spec §4.3's {remove from LastCloneMap, bank.remove_account,
// drop listeners, updates.stop_monitoring}).
func (mc *monitoredCache) Track(key accountkey.Key) (victim accountkey.Key, evicted bool) {
	mc.pendingEvictions = mc.pendingEvictions[:0]
	mc.lru.Add(key, struct{}{})
	if len(mc.pendingEvictions) == 0 {
		return accountkey.Key{}, false
	}
	return mc.pendingEvictions[0], true
}

// Promote marks key as most recently used without inserting.
func (mc *monitoredCache) Promote(key accountkey.Key) {
	mc.lru.Get(key)
}

// Untrack unconditionally removes key, used when an account transitions
// from undelegated to delegated (spec §4.2: delegated accounts are
// removed from MonitoredSet, not subject to LRU eviction).
func (mc *monitoredCache) Untrack(key accountkey.Key) {
	mc.lru.Remove(key)
}

// Contains reports whether key is currently tracked.
func (mc *monitoredCache) Contains(key accountkey.Key) bool {
	return mc.lru.Contains(key)
}

// Len returns the current size, always <= N_MON (spec §4.3 invariant).
func (mc *monitoredCache) Len() int {
	return mc.lru.Len()
}
