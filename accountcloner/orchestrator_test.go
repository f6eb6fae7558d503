// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accountcloner

import (
	"context"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ephemeral-cloner/accountkey"
	"github.com/luxfi/ephemeral-cloner/clonestate"
	"github.com/luxfi/ephemeral-cloner/clonetransport/stubdumper"
	"github.com/luxfi/ephemeral-cloner/clonetransport/stubfetcher"
	"github.com/luxfi/ephemeral-cloner/clonetransport/stubupdates"
)

func testKey(b byte) accountkey.Key {
	var k accountkey.Key
	k[0] = b
	return k
}

func ephemeralConfig() Config {
	return Config{
		Permissions: clonestate.Permissions{
			AllowRefresh:     true,
			AllowFeePayer:    true,
			AllowUndelegated: true,
			AllowDelegated:   true,
			AllowProgram:     true,
		},
		BlacklistedAccounts:    mapset.NewSet[accountkey.Key](),
		MaxMonitoredAccounts:   10,
		FetchRetries:           50,
		FreshnessRetryInterval: time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config) (*Engine, *stubfetcher.Fetcher, *stubupdates.Transport, *stubdumper.Bank) {
	t.Helper()
	fetcher := stubfetcher.New()
	updates := stubupdates.New(nil, 0)
	bank := stubdumper.New()
	e := New(cfg, nil, fetcher, updates, bank, bank, nil)
	t.Cleanup(e.Stop)
	return e, fetcher, updates, bank
}

// Scenario 1 (spec.md §8): undelegated account with subscription already
// behind the fetched slot clones successfully in one fetch.
func TestRequestUndelegatedCloneSuccess(t *testing.T) {
	e, fetcher, updates, bank := newHarness(t, ephemeralConfig())
	key := testKey(1)

	updates.ConfirmSubscription(key, 41)
	fetcher.Set(clonestate.ChainSnapshot{
		Key: key, AtSlot: 42, Kind: clonestate.KindUndelegated,
		Account: clonestate.Account{Owner: testKey(9), Data: []byte("hi")},
	})

	out, err := e.Request(context.Background(), key, clonestate.Running)
	require.NoError(t, err)
	require.True(t, out.IsCloned())
	require.Equal(t, 1, fetcher.FetchCount(key))
	require.True(t, bank.HasAccount(key))
}

// Scenario 2: subscription ahead of the fetchable slot exhausts retries.
func TestRequestFailsWhenSubscriptionAheadOfFetch(t *testing.T) {
	cfg := ephemeralConfig()
	cfg.FreshnessRetryInterval = time.Microsecond
	e, fetcher, updates, bank := newHarness(t, cfg)
	key := testKey(2)

	updates.ConfirmSubscription(key, 50)
	fetcher.Set(clonestate.ChainSnapshot{Key: key, AtSlot: 42, Kind: clonestate.KindUndelegated})

	_, err := e.Request(context.Background(), key, clonestate.Running)
	require.Error(t, err)
	var cerr *CloneError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, FailedToFetchSatisfactorySlot, cerr.Kind)
	require.Equal(t, 50, fetcher.FetchCount(key))
	require.False(t, bank.HasAccount(key))
}

// Scenario 3: programs-only permissions refuse a delegated account.
func TestProgramsOnlyRefusesDelegated(t *testing.T) {
	cfg := Config{
		Permissions:            clonestate.Permissions{AllowProgram: true, AllowRefresh: true},
		BlacklistedAccounts:    mapset.NewSet[accountkey.Key](),
		MaxMonitoredAccounts:   10,
		FetchRetries:           50,
		FreshnessRetryInterval: time.Millisecond,
	}
	e, fetcher, updates, bank := newHarness(t, cfg)
	key := testKey(3)
	updates.ConfirmSubscription(key, 10)
	fetcher.Set(clonestate.ChainSnapshot{
		Key: key, AtSlot: 42, Kind: clonestate.KindDelegated,
		Delegation: clonestate.DelegationRecord{DelegationSlot: 11},
	})

	out, err := e.Request(context.Background(), key, clonestate.Running)
	require.NoError(t, err)
	require.False(t, out.IsCloned())
	require.Equal(t, clonestate.DoesNotAllowDelegatedAccount, out.Reason)
	require.Equal(t, clonestate.Slot(42), out.AtSlot)
	require.Empty(t, bank.Writes())
}

// Scenario 6 (partial): delegation-slot short-circuit means repeated
// clones of the same delegation_slot don't re-dump.
func TestDelegationSlotShortCircuit(t *testing.T) {
	e, fetcher, updates, _ := newHarness(t, ephemeralConfig())
	key := testKey(4)
	updates.ConfirmSubscription(key, 10)

	fetcher.Set(clonestate.ChainSnapshot{
		Key: key, AtSlot: 42, Kind: clonestate.KindDelegated,
		Account:    clonestate.Account{Owner: testKey(7)},
		Delegation: clonestate.DelegationRecord{DelegationSlot: 11, Lamports: 100},
	})
	out1, err := e.Request(context.Background(), key, clonestate.Running)
	require.NoError(t, err)
	require.True(t, out1.IsCloned())

	updates.DeliverUpdate(key, 66)
	fetcher.Set(clonestate.ChainSnapshot{
		Key: key, AtSlot: 66, Kind: clonestate.KindDelegated,
		Account:    clonestate.Account{Owner: testKey(7)},
		Delegation: clonestate.DelegationRecord{DelegationSlot: 11, Lamports: 100},
	})
	out2, err := e.Request(context.Background(), key, clonestate.Running)
	require.NoError(t, err)
	require.True(t, out2.IsCloned())
	require.Equal(t, out1.Signature, out2.Signature)
	require.Equal(t, 2, fetcher.FetchCount(key))
}

// Coalescing invariant (spec §8): n concurrent requests for the same key
// cause exactly one fetch and n equal results.
func TestCoalescingSingleFetch(t *testing.T) {
	e, fetcher, updates, _ := newHarness(t, ephemeralConfig())
	key := testKey(5)
	updates.ConfirmSubscription(key, 1)
	fetcher.Set(clonestate.ChainSnapshot{Key: key, AtSlot: 5, Kind: clonestate.KindUndelegated})

	const n = 20
	var wg sync.WaitGroup
	results := make([]clonestate.CloneOutput, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Request(context.Background(), key, clonestate.Running)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
	require.Equal(t, 1, fetcher.FetchCount(key))
}

// LRU bound invariant (spec §8): the monitored set never exceeds N_MON,
// and eviction cascades remove the victim from the bank.
func TestMonitoredSetLRUEviction(t *testing.T) {
	cfg := ephemeralConfig()
	cfg.MaxMonitoredAccounts = 2
	e, fetcher, updates, bank := newHarness(t, cfg)

	keys := []accountkey.Key{testKey(10), testKey(11), testKey(12)}
	for i, k := range keys {
		updates.ConfirmSubscription(k, clonestate.Slot(i))
		fetcher.Set(clonestate.ChainSnapshot{
			Key: k, AtSlot: clonestate.Slot(i + 1), Kind: clonestate.KindUndelegated,
			Account: clonestate.Account{Owner: testKey(99)},
		})
		_, err := e.Request(context.Background(), k, clonestate.Running)
		require.NoError(t, err)
	}

	require.LessOrEqual(t, e.monitored.Len(), 2)
	require.False(t, bank.HasAccount(keys[0]))
	require.True(t, bank.HasAccount(keys[1]))
	require.True(t, bank.HasAccount(keys[2]))
}

// A cache-hit reuse (spec §4.2 pre-gate 3) promotes the key's LRU recency
// (spec §4.3 "promote"), so a frequently re-requested account survives
// eviction in favor of one that was materialized more recently but never
// touched again.
func TestCacheHitPromotesMonitoredRecency(t *testing.T) {
	cfg := ephemeralConfig()
	cfg.MaxMonitoredAccounts = 2
	e, fetcher, updates, bank := newHarness(t, cfg)

	a, b, c := testKey(13), testKey(14), testKey(15)
	for i, k := range []accountkey.Key{a, b} {
		updates.ConfirmSubscription(k, clonestate.Slot(i))
		fetcher.Set(clonestate.ChainSnapshot{
			Key: k, AtSlot: clonestate.Slot(i + 1), Kind: clonestate.KindUndelegated,
			Account: clonestate.Account{Owner: testKey(99)},
		})
		_, err := e.Request(context.Background(), k, clonestate.Running)
		require.NoError(t, err)
	}

	// Re-request a: this is a cache hit (no upstream update slot observed),
	// which must promote a ahead of b in LRU order.
	_, err := e.Request(context.Background(), a, clonestate.Running)
	require.NoError(t, err)

	updates.ConfirmSubscription(c, 1)
	fetcher.Set(clonestate.ChainSnapshot{
		Key: c, AtSlot: 2, Kind: clonestate.KindUndelegated,
		Account: clonestate.Account{Owner: testKey(99)},
	})
	_, err = e.Request(context.Background(), c, clonestate.Running)
	require.NoError(t, err)

	require.True(t, bank.HasAccount(a), "a was re-requested and should have survived eviction")
	require.False(t, bank.HasAccount(b), "b should have been the LRU victim")
	require.True(t, bank.HasAccount(c))
}

// Delegated non-tracking invariant (spec §8): a key observed Delegated is
// not present in MonitoredSet immediately after the decision.
func TestDelegatedKeyNotMonitored(t *testing.T) {
	e, fetcher, updates, _ := newHarness(t, ephemeralConfig())
	key := testKey(20)
	updates.ConfirmSubscription(key, 1)
	fetcher.Set(clonestate.ChainSnapshot{
		Key: key, AtSlot: 5, Kind: clonestate.KindDelegated,
		Account:    clonestate.Account{Owner: testKey(1)},
		Delegation: clonestate.DelegationRecord{DelegationSlot: 1},
	})

	_, err := e.Request(context.Background(), key, clonestate.Running)
	require.NoError(t, err)
	require.False(t, e.monitored.Contains(key))
}
