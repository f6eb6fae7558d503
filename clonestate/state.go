// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package clonestate holds the data model shared by every stage of the
// remote account cloning engine: the shape of a remote observation, the
// outcome of a clone attempt, and the configuration gates that decide
// whether an attempt is even allowed.
package clonestate

import (
	"fmt"
	"math"

	"github.com/luxfi/ephemeral-cloner/accountkey"
)

// NeverReconsider is the at_slot sentinel meaning "this verdict never
// expires" (spec: at_slot = MAX). It mirrors the original Rust
// implementation's u64::MAX sentinel literally.
const NeverReconsider = uint64(math.MaxUint64)

// Slot is an upstream slot number.
type Slot = uint64

// SnapshotKind discriminates the three ChainSnapshot states.
type SnapshotKind uint8

const (
	// KindFeePayer: a system-owned wallet account, never written locally.
	KindFeePayer SnapshotKind = iota
	// KindUndelegated: a non-wallet account not currently delegated.
	KindUndelegated
	// KindDelegated: an account under the custody of some validator.
	KindDelegated
)

func (k SnapshotKind) String() string {
	switch k {
	case KindFeePayer:
		return "fee_payer"
	case KindUndelegated:
		return "undelegated"
	case KindDelegated:
		return "delegated"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// DelegationRecord describes the custody record attached to a Delegated
// snapshot.
type DelegationRecord struct {
	Authority      accountkey.Key // zero value means "no authority recorded"
	Owner          accountkey.Key
	DelegationSlot Slot
	Lamports       uint64
}

// HasAuthority reports whether the record names an explicit authority.
func (r DelegationRecord) HasAuthority() bool {
	return !r.Authority.IsZero()
}

// Account is the minimal account payload the engine needs: enough to
// decide materialization strategy, not a full account representation.
type Account struct {
	Lamports   uint64
	Owner      accountkey.Key
	Executable bool
	Data       []byte
}

// ChainSnapshot is a point-in-time observation of an account on the
// upstream authoritative chain.
type ChainSnapshot struct {
	Key    accountkey.Key
	AtSlot Slot
	Kind   SnapshotKind

	// Populated when Kind == KindFeePayer.
	FeePayerLamports uint64
	FeePayerOwner    accountkey.Key

	// Populated when Kind == KindUndelegated or KindDelegated.
	Account Account

	// Populated when Kind == KindDelegated.
	Delegation DelegationRecord
}

// UnclonableReason is the closed set of reasons a clone attempt can be
// definitively refused.
type UnclonableReason uint8

const (
	NoCloningAllowed UnclonableReason = iota
	IsBlacklisted
	AlreadyLocallyOverridden
	IsNotAllowedProgram
	DoesNotAllowFeePayerAccount
	DoesNotAllowUndelegatedAccount
	DoesNotAllowDelegatedAccount
	DoesNotAllowProgramAccount
	DoesNotHaveEscrowAccount
	DoesNotHaveDelegatedEscrowAccount
	DoesNotAllowFeePayerWithEscrowedPda
	DoesNotAllowEscrowedPda
)

var reasonNames = [...]string{
	"no_cloning_allowed",
	"is_blacklisted",
	"already_locally_overridden",
	"is_not_allowed_program",
	"does_not_allow_feepayer_account",
	"does_not_allow_undelegated_account",
	"does_not_allow_delegated_account",
	"does_not_allow_program_account",
	"does_not_have_escrow_account",
	"does_not_have_delegated_escrow_account",
	"does_not_allow_feepayer_with_escrowed_pda",
	"does_not_allow_escrowed_pda",
}

func (r UnclonableReason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("unclonable_reason(%d)", uint8(r))
}

// Signature identifies a synthetic local transaction that introduced (or
// stands in for) a cloned account.
type Signature [64]byte

func (s Signature) String() string {
	return fmt.Sprintf("%x", s[:8])
}

// CloneOutput is the result of a clone decision: either a successful
// materialization or a cached refusal.
type CloneOutput struct {
	cloned bool

	// Cloned fields.
	Snapshot  ChainSnapshot
	Signature Signature

	// Unclonable fields.
	Key    accountkey.Key
	Reason UnclonableReason
	AtSlot Slot
}

// Cloned builds a successful CloneOutput.
func Cloned(snapshot ChainSnapshot, sig Signature) CloneOutput {
	return CloneOutput{cloned: true, Snapshot: snapshot, Signature: sig}
}

// NewUnclonable builds a refusal CloneOutput.
func NewUnclonable(key accountkey.Key, reason UnclonableReason, atSlot Slot) CloneOutput {
	return CloneOutput{cloned: false, Key: key, Reason: reason, AtSlot: atSlot}
}

// IsCloned reports whether this output represents a successful materialization.
func (o CloneOutput) IsCloned() bool { return o.cloned }

// StillValid reports whether a cached output is still valid given the
// latest known upstream update slot U (spec §4.2 step 3): a Cloned output
// if its snapshot is a fee-payer or was taken at or after U, an Unclonable
// verdict if its AtSlot is at or after U.
func (o CloneOutput) StillValid(u Slot) bool {
	if o.cloned {
		return o.Snapshot.Kind == KindFeePayer || o.Snapshot.AtSlot >= u
	}
	return o.AtSlot >= u
}

func (o CloneOutput) String() string {
	if o.cloned {
		return fmt.Sprintf("Cloned{key=%s at_slot=%d sig=%s}", o.Snapshot.Key, o.Snapshot.AtSlot, o.Signature)
	}
	return fmt.Sprintf("Unclonable{key=%s reason=%s at_slot=%d}", o.Key, o.Reason, o.AtSlot)
}

// Permissions are the five independent clone gates (spec §3).
type Permissions struct {
	AllowRefresh     bool
	AllowFeePayer    bool
	AllowUndelegated bool
	AllowDelegated   bool
	AllowProgram     bool
}

// CanClone reports whether any gate is set.
func (p Permissions) CanClone() bool {
	return p.AllowRefresh || p.AllowFeePayer || p.AllowUndelegated || p.AllowDelegated || p.AllowProgram
}

// ValidatorStage distinguishes ledger-replay hydration from normal
// operation; the Hydrating case carries the pragmatic identity-check
// fallback described in spec.md §9.
type ValidatorStage struct {
	Hydrating     bool
	Identity      accountkey.Key
	ObservedOwner accountkey.Key // only meaningful when Hydrating
}

// Running is the non-hydrating ValidatorStage.
var Running = ValidatorStage{}
