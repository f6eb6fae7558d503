// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package stubfetcher is a reference, in-memory clonetransport.Fetcher
// used by tests and by cmd/ephemeral-cloner's demo mode. It models an
// upstream that holds exactly one current snapshot per key and counts
// how many times it has been asked for that key, so tests can assert on
// the coalescing and freshness invariants in spec.md §8.
package stubfetcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/ephemeral-cloner/accountkey"
	"github.com/luxfi/ephemeral-cloner/clonestate"
)

// Fetcher is the reference in-memory Fetcher.
type Fetcher struct {
	mu        sync.Mutex
	snapshots map[accountkey.Key]clonestate.ChainSnapshot
	counts    map[accountkey.Key]int
}

// New creates an empty Fetcher.
func New() *Fetcher {
	return &Fetcher{
		snapshots: make(map[accountkey.Key]clonestate.ChainSnapshot),
		counts:    make(map[accountkey.Key]int),
	}
}

// Set installs (or replaces) the current snapshot for a key, simulating
// an upstream write.
func (f *Fetcher) Set(snapshot clonestate.ChainSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[snapshot.Key] = snapshot
}

// FetchCount returns how many times FetchChainSnapshot has been called
// for key.
func (f *Fetcher) FetchCount(key accountkey.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key]
}

// FetchChainSnapshot implements clonetransport.Fetcher. It returns
// whatever snapshot is currently installed for key regardless of
// minContextSlot; satisfying the bound is the Freshness Protocol's job,
// not the transport's (spec §4.4: min_context_slot is advisory to the
// fetcher, enforced by the caller).
func (f *Fetcher) FetchChainSnapshot(_ context.Context, key accountkey.Key, _ *clonestate.Slot) (clonestate.ChainSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	snap, ok := f.snapshots[key]
	if !ok {
		return clonestate.ChainSnapshot{}, fmt.Errorf("stubfetcher: no snapshot installed for %s", key)
	}
	return snap, nil
}
