// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accountcloner

import (
	"context"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/ephemeral-cloner/accountkey"
	"github.com/luxfi/ephemeral-cloner/clonestate"
	"github.com/luxfi/ephemeral-cloner/clonetransport"
)

// awaitFreshSnapshot implements the Freshness Protocol (spec §4.4): it
// ensures a subscription exists for key, then retries fetching until the
// returned snapshot's AtSlot is no older than the subscription fence,
// bounding retries at cfg.FetchRetries.
//
// Grounded on network.Network.SendSyncedAppRequest's select-on-context-
// or-channel retry shape (network/network.go), adapted here to a sleep-
// and-retry loop since there is no single response channel to wait on —
// each attempt is an independent fetch.
func awaitFreshSnapshot(
	ctx context.Context,
	logger log.Logger,
	fetcher clonetransport.Fetcher,
	updates clonetransport.Updates,
	cfg Config,
	key accountkey.Key,
) (clonestate.ChainSnapshot, *CloneError) {
	if err := updates.EnsureMonitoring(ctx, key); err != nil {
		return clonestate.ChainSnapshot{}, newCloneError(FetcherError, err)
	}

	var lastSlotSeen clonestate.Slot
	sawSubscription := false

	for attempt := uint64(0); attempt < cfg.FetchRetries; attempt++ {
		fence, ok := updates.FirstSubscribedSlot(key)
		if ok {
			sawSubscription = true
		}

		var minSlot *clonestate.Slot
		if ok {
			minSlot = &fence
		}

		snapshot, err := fetcher.FetchChainSnapshot(ctx, key, minSlot)
		if err != nil {
			return clonestate.ChainSnapshot{}, newCloneError(FetcherError, err)
		}
		lastSlotSeen = snapshot.AtSlot

		// Re-read the fence at acceptance time: the subscription may have
		// only just confirmed while the fetch was in flight (spec §4.4
		// step 3 — "accept iff ... at read time").
		fence, ok = updates.FirstSubscribedSlot(key)
		if ok && snapshot.AtSlot >= fence {
			return snapshot, nil
		}
		if ok {
			sawSubscription = true
		}

		select {
		case <-ctx.Done():
			return clonestate.ChainSnapshot{}, newCloneError(FetcherError, ctx.Err())
		case <-time.After(cfg.FreshnessRetryInterval):
		}
	}

	logger.Debug("freshness protocol exhausted retries", "key", key, "last_slot_seen", lastSlotSeen, "saw_subscription", sawSubscription)
	if !sawSubscription {
		return clonestate.ChainSnapshot{}, newCloneError(FailedToGetSubscriptionSlot, nil)
	}
	return clonestate.ChainSnapshot{}, newCloneError(FailedToFetchSatisfactorySlot, nil)
}

// bestEffortFetch performs a single fetch with no freshness constraint,
// used when allow_refresh is unset (spec §4.2).
func bestEffortFetch(ctx context.Context, fetcher clonetransport.Fetcher, key accountkey.Key) (clonestate.ChainSnapshot, *CloneError) {
	snapshot, err := fetcher.FetchChainSnapshot(ctx, key, nil)
	if err != nil {
		return clonestate.ChainSnapshot{}, newCloneError(FetcherError, err)
	}
	return snapshot, nil
}
