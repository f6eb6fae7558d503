// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accountcloner

import (
	"context"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ephemeral-cloner/accountkey"
	"github.com/luxfi/ephemeral-cloner/clonestate"
)

func setOf(keys ...accountkey.Key) mapset.Set[accountkey.Key] {
	return mapset.NewSet(keys...)
}

func deriveSuffixed(tag byte) func(accountkey.Key) accountkey.Key {
	return func(k accountkey.Key) accountkey.Key {
		out := k
		out[accountkey.Size-1] = tag
		return out
	}
}

// Scenario 4 (spec.md §8): a program whose anchor-style IDL derivation
// yields nothing (not installed in the fetcher, so the stub errors) falls
// back to the shank-style derivation, which is present. All three writes
// (program, program_data, shank_idl) land through the single
// DumpProgramAccounts call; the anchor-style key is never dumped.
func TestMaterializeProgramFallsBackToShankIDL(t *testing.T) {
	cfg := ephemeralConfig()
	cfg.DeriveProgramData = deriveSuffixed(0xaa)
	cfg.DeriveAnchorIDL = deriveSuffixed(0xab)
	cfg.DeriveShankIDL = deriveSuffixed(0xac)
	e, fetcher, updates, bank := newHarness(t, cfg)

	program := testKey(30)
	programData := cfg.DeriveProgramData(program)
	shankIDL := cfg.DeriveShankIDL(program)

	updates.ConfirmSubscription(program, 1)
	fetcher.Set(clonestate.ChainSnapshot{
		Key: program, AtSlot: 42, Kind: clonestate.KindUndelegated,
		Account: clonestate.Account{Owner: testKey(9), Executable: true, Data: []byte("program")},
	})
	fetcher.Set(clonestate.ChainSnapshot{
		Key: programData, AtSlot: 42, Kind: clonestate.KindUndelegated,
		Account: clonestate.Account{Owner: testKey(9), Data: []byte("program-data")},
	})
	// Anchor IDL is deliberately never installed: the stub fetcher errors
	// for it, which materializeProgram treats the same as an empty account.
	fetcher.Set(clonestate.ChainSnapshot{
		Key: shankIDL, AtSlot: 42, Kind: clonestate.KindUndelegated,
		Account: clonestate.Account{Owner: testKey(9), Data: []byte("shank-idl")},
	})

	out, err := e.Request(context.Background(), program, clonestate.Running)
	require.NoError(t, err)
	require.True(t, out.IsCloned())

	writes := bank.Writes()
	require.Len(t, writes, 1)
	require.Equal(t, "program", writes[0].Kind)
	require.GreaterOrEqual(t, fetcher.FetchCount(cfg.DeriveAnchorIDL(program)), 1)
	require.GreaterOrEqual(t, fetcher.FetchCount(shankIDL), 1)
}

// A program whose derived program-data account doesn't exist is a
// definitive refusal for this clone attempt (spec §4.7, §4.8), surfaced as
// a CloneError rather than a cached Unclonable verdict.
func TestMaterializeProgramMissingProgramDataFails(t *testing.T) {
	cfg := ephemeralConfig()
	cfg.DeriveProgramData = deriveSuffixed(0xaa)
	e, fetcher, updates, bank := newHarness(t, cfg)

	program := testKey(31)
	updates.ConfirmSubscription(program, 1)
	fetcher.Set(clonestate.ChainSnapshot{
		Key: program, AtSlot: 42, Kind: clonestate.KindUndelegated,
		Account: clonestate.Account{Owner: testKey(9), Executable: true, Data: []byte("program")},
	})
	// No snapshot installed for the derived program-data key.

	_, err := e.Request(context.Background(), program, clonestate.Running)
	require.Error(t, err)
	var cerr *CloneError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ProgramDataDoesNotExist, cerr.Kind)
	require.Empty(t, bank.Writes())
}

// A program owned by the original, non-upgradable BPF loader has no
// separate program-data account, so it is dumped in one shot via
// DumpProgramWithOldLoader, never reaching program-data derivation at all
// (spec §4.7, §6; original_source's do_clone_program_accounts branches the
// same way on account.owner == bpf_loader::ID).
func TestMaterializeProgramOldLoaderSkipsProgramData(t *testing.T) {
	cfg := ephemeralConfig()
	cfg.OldLoaderOwner = testKey(0xfe)
	// Deliberately left nil: the old-loader path must never touch it.
	cfg.DeriveProgramData = nil
	e, fetcher, updates, bank := newHarness(t, cfg)

	program := testKey(33)
	updates.ConfirmSubscription(program, 1)
	fetcher.Set(clonestate.ChainSnapshot{
		Key: program, AtSlot: 42, Kind: clonestate.KindUndelegated,
		Account: clonestate.Account{Owner: testKey(0xfe), Executable: true, Data: []byte("old-loader-program")},
	})

	out, err := e.Request(context.Background(), program, clonestate.Running)
	require.NoError(t, err)
	require.True(t, out.IsCloned())

	writes := bank.Writes()
	require.Len(t, writes, 1)
	require.Equal(t, "program_old_loader", writes[0].Kind)
}

// A program key outside allowed_program_ids is refused with
// IsNotAllowedProgram before any program-data lookup happens.
func TestMaterializeProgramRejectsDisallowedID(t *testing.T) {
	cfg := ephemeralConfig()
	// Restrict to a different key than the one requested.
	cfg.AllowedProgramIDs = setOf(testKey(77))
	e, fetcher, updates, _ := newHarness(t, cfg)

	program := testKey(32)
	updates.ConfirmSubscription(program, 1)
	fetcher.Set(clonestate.ChainSnapshot{
		Key: program, AtSlot: 42, Kind: clonestate.KindUndelegated,
		Account: clonestate.Account{Owner: testKey(9), Executable: true, Data: []byte("program")},
	})

	out, err := e.Request(context.Background(), program, clonestate.Running)
	require.NoError(t, err)
	require.False(t, out.IsCloned())
	require.Equal(t, clonestate.IsNotAllowedProgram, out.Reason)
}
