// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accountcloner

import (
	"context"

	"github.com/davecgh/go-spew/spew"

	"github.com/luxfi/ephemeral-cloner/accountkey"
	"github.com/luxfi/ephemeral-cloner/clonestate"
)

// decide is the Clone Decision Engine (spec §4.2). It is only ever called
// from Engine.completeClone, i.e. at most once concurrently per key
// (coalescing guarantees this), though many different keys run decide
// concurrently.
//
// Grounded on warp/backend.go's GetMessageSignature shape: check a cache,
// fall through to recompute on miss, populate the cache on the way out.
func (e *Engine) decide(ctx context.Context, key accountkey.Key, stage clonestate.ValidatorStage) (clonestate.CloneOutput, *CloneError) {
	// Pre-gate 1: global clone permission.
	if !e.cfg.Permissions.CanClone() {
		out := clonestate.NewUnclonable(key, clonestate.NoCloningAllowed, clonestate.NeverReconsider)
		e.storeOutput(key, out)
		e.metrics.Unclonable(clonestate.NoCloningAllowed)
		return out, nil
	}

	// Pre-gate 2: blacklist.
	if e.cfg.BlacklistedAccounts.Contains(key) {
		out := clonestate.NewUnclonable(key, clonestate.IsBlacklisted, clonestate.NeverReconsider)
		e.storeOutput(key, out)
		e.metrics.Unclonable(clonestate.IsBlacklisted)
		return out, nil
	}

	prev, hadPrev := e.readOutput(key)
	lastKnown, _ := e.updates.LastKnownUpdateSlot(key)

	// Pre-gate 3: cache hit reuse.
	if hadPrev && prev.StillValid(lastKnown) {
		e.metrics.CloneCacheHit(key)
		if prev.IsCloned() && prev.Snapshot.Kind != clonestate.KindDelegated {
			e.promoteMonitored(key)
		}
		return prev, nil
	}

	// Pre-gate 4: first-time case. Hydration is exempt: it runs precisely
	// because the bank already holds these accounts, and defers to
	// materializeDelegated's hydrating exception (or, for non-delegated
	// snapshots, to the ordinary first-time materialization) instead.
	if !hadPrev && !stage.Hydrating && e.bank.HasAccount(key) {
		out := clonestate.NewUnclonable(key, clonestate.AlreadyLocallyOverridden, clonestate.NeverReconsider)
		e.storeOutput(key, out)
		e.metrics.Unclonable(clonestate.AlreadyLocallyOverridden)
		return out, nil
	}

	var snapshot clonestate.ChainSnapshot
	if e.cfg.Permissions.AllowRefresh {
		snap, cerr := awaitFreshSnapshot(ctx, e.log, e.fetcher, e.updates, e.cfg, key)
		if cerr != nil {
			return clonestate.CloneOutput{}, cerr
		}
		snapshot = snap
	} else {
		snap, cerr := bestEffortFetch(ctx, e.fetcher, key)
		if cerr != nil {
			return clonestate.CloneOutput{}, cerr
		}
		snapshot = snap
	}

	out, cerr := e.materialize(ctx, key, snapshot, stage, prev, hadPrev)
	if cerr != nil {
		e.log.Debug("decision engine materialization failed", "key", key, "snapshot", spew.Sdump(snapshot), "err", cerr)
		return clonestate.CloneOutput{}, cerr
	}
	e.storeOutput(key, out)
	return out, nil
}

// materialize branches on the fetched snapshot's kind (spec §4.2).
func (e *Engine) materialize(
	ctx context.Context,
	key accountkey.Key,
	snapshot clonestate.ChainSnapshot,
	stage clonestate.ValidatorStage,
	prev clonestate.CloneOutput,
	hadPrev bool,
) (clonestate.CloneOutput, *CloneError) {
	switch snapshot.Kind {
	case clonestate.KindFeePayer:
		return e.materializeFeePayer(ctx, key, snapshot)
	case clonestate.KindUndelegated:
		return e.materializeUndelegated(ctx, key, snapshot)
	case clonestate.KindDelegated:
		return e.materializeDelegated(ctx, key, snapshot, stage, prev, hadPrev)
	default:
		out := clonestate.NewUnclonable(key, clonestate.NoCloningAllowed, clonestate.NeverReconsider)
		return out, nil
	}
}

func (e *Engine) materializeFeePayer(ctx context.Context, key accountkey.Key, snapshot clonestate.ChainSnapshot) (clonestate.CloneOutput, *CloneError) {
	if !e.cfg.Permissions.AllowFeePayer {
		out := clonestate.NewUnclonable(key, clonestate.DoesNotAllowFeePayerAccount, snapshot.AtSlot)
		e.metrics.Unclonable(clonestate.DoesNotAllowFeePayerAccount)
		return out, nil
	}

	e.trackMonitored(ctx, key)

	lamports := snapshot.FeePayerLamports
	if e.cfg.ValidatorCollectsFees {
		if e.cfg.DeriveEscrow == nil {
			return clonestate.CloneOutput{}, newCloneError(FetcherError, errNoEscrowDeriver)
		}
		escrowKey := e.cfg.DeriveEscrow(key)
		escrowSnapshot, cerr := bestEffortFetch(ctx, e.fetcher, escrowKey)
		if cerr != nil {
			out := clonestate.NewUnclonable(key, clonestate.DoesNotHaveEscrowAccount, snapshot.AtSlot)
			e.metrics.Unclonable(clonestate.DoesNotHaveEscrowAccount)
			return out, nil
		}
		if escrowSnapshot.Kind != clonestate.KindDelegated {
			out := clonestate.NewUnclonable(key, clonestate.DoesNotHaveDelegatedEscrowAccount, snapshot.AtSlot)
			e.metrics.Unclonable(clonestate.DoesNotHaveDelegatedEscrowAccount)
			return out, nil
		}

		if _, exists := e.readOutput(escrowKey); exists {
			out := clonestate.NewUnclonable(key, clonestate.DoesNotAllowFeePayerWithEscrowedPda, snapshot.AtSlot)
			e.metrics.Unclonable(clonestate.DoesNotAllowFeePayerWithEscrowedPda)
			return out, nil
		}
		// Escrow pre-insertion trick (spec §9): prevents the escrow from
		// later being resolved as an ordinary delegated account and
		// double-mapped into this fee-payer's lamports.
		e.storeOutput(escrowKey, clonestate.NewUnclonable(escrowKey, clonestate.DoesNotAllowEscrowedPda, clonestate.NeverReconsider))

		lamports = escrowSnapshot.Delegation.Lamports
	} else if e.cfg.PayerInitLamports != nil {
		lamports = *e.cfg.PayerInitLamports
	}

	sig, err := e.dumper.DumpFeePayer(ctx, key, lamports, snapshot.FeePayerOwner)
	if err != nil {
		return clonestate.CloneOutput{}, newCloneError(DumperError, err)
	}
	return clonestate.Cloned(snapshot, sig), nil
}

func (e *Engine) materializeUndelegated(ctx context.Context, key accountkey.Key, snapshot clonestate.ChainSnapshot) (clonestate.CloneOutput, *CloneError) {
	if snapshot.Account.Executable {
		if !e.cfg.Permissions.AllowProgram {
			out := clonestate.NewUnclonable(key, clonestate.DoesNotAllowProgramAccount, snapshot.AtSlot)
			e.metrics.Unclonable(clonestate.DoesNotAllowProgramAccount)
			return out, nil
		}
		if !e.cfg.programAllowed(key) {
			out := clonestate.NewUnclonable(key, clonestate.IsNotAllowedProgram, snapshot.AtSlot)
			e.metrics.Unclonable(clonestate.IsNotAllowedProgram)
			return out, nil
		}
		return e.materializeProgram(ctx, key, snapshot)
	}

	if !e.cfg.Permissions.AllowUndelegated {
		out := clonestate.NewUnclonable(key, clonestate.DoesNotAllowUndelegatedAccount, snapshot.AtSlot)
		e.metrics.Unclonable(clonestate.DoesNotAllowUndelegatedAccount)
		return out, nil
	}

	e.trackMonitored(ctx, key)

	sig, err := e.dumper.DumpUndelegated(ctx, key, snapshot.Account)
	if err != nil {
		return clonestate.CloneOutput{}, newCloneError(DumperError, err)
	}
	return clonestate.Cloned(snapshot, sig), nil
}

func (e *Engine) materializeDelegated(
	ctx context.Context,
	key accountkey.Key,
	snapshot clonestate.ChainSnapshot,
	stage clonestate.ValidatorStage,
	prev clonestate.CloneOutput,
	hadPrev bool,
) (clonestate.CloneOutput, *CloneError) {
	e.untrackMonitored(key)

	if !e.cfg.Permissions.AllowDelegated {
		out := clonestate.NewUnclonable(key, clonestate.DoesNotAllowDelegatedAccount, snapshot.AtSlot)
		e.metrics.Unclonable(clonestate.DoesNotAllowDelegatedAccount)
		return out, nil
	}

	record := snapshot.Delegation

	// Hydrating exception (spec §4.2, §9): trust existing local state
	// rather than overwrite it, when the delegation record names us (or,
	// lacking an authority, when the locally observed owner matches).
	if stage.Hydrating {
		namesUs := record.HasAuthority() && record.Authority == stage.Identity
		ambiguousButPlausible := !record.HasAuthority() && stage.ObservedOwner == record.Owner
		if namesUs || ambiguousButPlausible {
			if local, ok := e.bank.GetAccount(key); ok && local.Owner == record.Owner {
				sig := e.mintSignature(key, "hydrated")
				return clonestate.Cloned(snapshot, sig), nil
			}
			e.log.Info("hydration candidate owner mismatch, falling back to normal delegated clone", "key", key, "record_owner", record.Owner, "observed_owner", stage.ObservedOwner)
		}
	}

	// Delegation-slot short-circuit (spec §4.2, §8).
	if hadPrev && prev.IsCloned() && prev.Snapshot.Delegation.DelegationSlot == record.DelegationSlot {
		return clonestate.Cloned(snapshot, prev.Signature), nil
	}

	sig, err := e.dumper.DumpDelegated(ctx, key, snapshot.Account, record)
	if err != nil {
		return clonestate.CloneOutput{}, newCloneError(DumperError, err)
	}
	return clonestate.Cloned(snapshot, sig), nil
}

// trackMonitored inserts key into the Monitored-Account Cache and, if that
// insertion evicted a victim, runs the eviction cascade (spec §4.3, §8).
func (e *Engine) trackMonitored(ctx context.Context, key accountkey.Key) {
	e.cacheMu.Lock()
	victim, evicted := e.monitored.Track(key)
	e.cacheMu.Unlock()
	if evicted {
		e.evict(ctx, victim)
	}
}

// untrackMonitored unconditionally removes key (spec §4.2: delegated
// accounts are not LRU-tracked).
func (e *Engine) untrackMonitored(key accountkey.Key) {
	e.cacheMu.Lock()
	e.monitored.Untrack(key)
	e.cacheMu.Unlock()
}

// promoteMonitored marks key as most recently used without inserting it
// (spec §4.3 "promote"): a cache-hit reuse on an already-tracked key still
// counts as activity for LRU purposes, so a frequently-requested account
// isn't evicted just because it was materialized a long time ago.
func (e *Engine) promoteMonitored(key accountkey.Key) {
	e.cacheMu.Lock()
	e.monitored.Promote(key)
	e.cacheMu.Unlock()
}

// evict runs the eviction cascade for a key popped from the
// Monitored-Account Cache: drop from LastCloneMap, remove from the bank,
// drop pending listeners, stop the subscription (spec §4.3, §8). None of
// this runs while cacheMu is held, matching §5's "no lock across a
// suspension point."
func (e *Engine) evict(ctx context.Context, victim accountkey.Key) {
	e.lastCloneMu.Lock()
	delete(e.lastClone, victim)
	e.lastCloneMu.Unlock()

	e.bank.RemoveAccount(victim)

	e.promisesMu.Lock()
	listeners, ok := e.promises[victim]
	delete(e.promises, victim)
	e.promisesMu.Unlock()
	if ok {
		for _, ch := range listeners {
			close(ch)
		}
	}

	if err := e.updates.StopMonitoring(ctx, victim); err != nil {
		e.log.Error("failed to stop monitoring evicted account, local removal still proceeds", "key", victim, "err", err)
	}
	e.metrics.Eviction(victim)
}

func (e *Engine) readOutput(key accountkey.Key) (clonestate.CloneOutput, bool) {
	e.lastCloneMu.RLock()
	defer e.lastCloneMu.RUnlock()
	out, ok := e.lastClone[key]
	return out, ok
}

func (e *Engine) storeOutput(key accountkey.Key, out clonestate.CloneOutput) {
	e.lastCloneMu.Lock()
	e.lastClone[key] = out
	e.lastCloneMu.Unlock()
}
