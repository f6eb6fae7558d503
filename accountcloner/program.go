// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accountcloner

import (
	"context"

	"github.com/luxfi/ephemeral-cloner/accountkey"
	"github.com/luxfi/ephemeral-cloner/clonestate"
	"github.com/luxfi/ephemeral-cloner/clonetransport"
)

// materializeProgram implements the program clone (spec §4.7, §6). A
// program owned by the original, non-upgradable BPF loader has no separate
// program-data account, so it is dumped in one shot via
// DumpProgramWithOldLoader before any program-data derivation is
// attempted; everything else takes the three-part upgradable-loader clone
// (the program account itself, its program-data account, and an optional
// IDL account, anchor-style derivation tried first, shank-style as
// fallback). Grounded on plugin/evm/network_handler.go's one-struct-
// field-per-request-kind composition, here expressed as one helper call
// per sub-account kind issued in sequence.
func (e *Engine) materializeProgram(ctx context.Context, key accountkey.Key, snapshot clonestate.ChainSnapshot) (clonestate.CloneOutput, *CloneError) {
	if !e.cfg.OldLoaderOwner.IsZero() && snapshot.Account.Owner == e.cfg.OldLoaderOwner {
		sig, err := e.dumper.DumpProgramWithOldLoader(ctx, key, snapshot.Account)
		if err != nil {
			return clonestate.CloneOutput{}, newCloneError(DumperError, err)
		}
		return clonestate.Cloned(snapshot, sig), nil
	}

	if e.cfg.DeriveProgramData == nil {
		return clonestate.CloneOutput{}, newCloneError(ProgramDataDoesNotExist, nil)
	}

	programDataKey := e.cfg.DeriveProgramData(key)
	programDataSnapshot, cerr := bestEffortFetch(ctx, e.fetcher, programDataKey)
	if cerr != nil || isEmptyAccount(programDataSnapshot.Account) {
		return clonestate.CloneOutput{}, newCloneError(ProgramDataDoesNotExist, nil)
	}

	idl := e.resolveIDL(ctx, key)

	dump := clonetransport.ProgramDump{
		Program:     snapshot.Account,
		ProgramData: programDataSnapshot.Account,
		IDL:         idl,
	}
	sig, err := e.dumper.DumpProgramAccounts(ctx, key, dump)
	if err != nil {
		return clonestate.CloneOutput{}, newCloneError(DumperError, err)
	}
	return clonestate.Cloned(snapshot, sig), nil
}

// resolveIDL tries the anchor-style derivation first, falling back to
// shank-style if the anchor account comes back empty (spec §4.7). Absence
// under both schemes means "no IDL," which is not an error: IDL is
// optional.
func (e *Engine) resolveIDL(ctx context.Context, programKey accountkey.Key) *clonestate.Account {
	if e.cfg.DeriveAnchorIDL != nil {
		anchorKey := e.cfg.DeriveAnchorIDL(programKey)
		if snap, cerr := bestEffortFetch(ctx, e.fetcher, anchorKey); cerr == nil && !isEmptyAccount(snap.Account) {
			acc := snap.Account
			return &acc
		}
	}
	if e.cfg.DeriveShankIDL != nil {
		shankKey := e.cfg.DeriveShankIDL(programKey)
		if snap, cerr := bestEffortFetch(ctx, e.fetcher, shankKey); cerr == nil && !isEmptyAccount(snap.Account) {
			acc := snap.Account
			return &acc
		}
	}
	return nil
}

func isEmptyAccount(a clonestate.Account) bool {
	return len(a.Data) == 0 && a.Lamports == 0 && a.Owner.IsZero()
}
