// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package clonetransport defines the external-interface contracts the
// cloning engine consumes: a remote fetcher, an update/subscription
// transport, a bank writer ("dumper"), and a read-only view of the local
// bank's accounts. Concrete implementations (RPC client, Geyser-style
// pub/sub client, bank writer) live outside this module's scope; this
// package only defines the contract plus in-memory reference
// implementations used by tests and by cmd/ephemeral-cloner's demo mode.
package clonetransport

import (
	"context"

	"github.com/luxfi/ephemeral-cloner/accountkey"
	"github.com/luxfi/ephemeral-cloner/clonestate"
)

// Fetcher retrieves a point-in-time snapshot of an account from the
// upstream authoritative chain. Implementations must retry internally on
// transient upstream errors (spec §6).
type Fetcher interface {
	// FetchChainSnapshot returns the current snapshot for key. When
	// minContextSlot is non-nil, implementations should honor it as a
	// lower bound on the returned snapshot's AtSlot; callers that care
	// about the bound must still verify it themselves (spec §4.4).
	FetchChainSnapshot(ctx context.Context, key accountkey.Key, minContextSlot *clonestate.Slot) (clonestate.ChainSnapshot, error)
}

// Updates manages upstream subscriptions and reports the freshness fence
// used by the Freshness Protocol (spec §4.4, §6).
type Updates interface {
	// EnsureMonitoring asks the transport to start (or confirm) a
	// subscription for key. It does not block until confirmed; poll
	// FirstSubscribedSlot for that.
	EnsureMonitoring(ctx context.Context, key accountkey.Key) error

	// StopMonitoring tears down any subscription for key.
	StopMonitoring(ctx context.Context, key accountkey.Key) error

	// FirstSubscribedSlot returns the lowest slot for which the
	// subscription guarantees delivery of subsequent updates, or ok=false
	// if the subscription is not yet confirmed.
	FirstSubscribedSlot(key accountkey.Key) (slot clonestate.Slot, ok bool)

	// LastKnownUpdateSlot returns the highest slot for which an update has
	// been delivered for key, or ok=false if none has.
	LastKnownUpdateSlot(key accountkey.Key) (slot clonestate.Slot, ok bool)
}

// ProgramDump groups the three writes a program clone performs (spec §4.7).
type ProgramDump struct {
	Program     clonestate.Account
	ProgramData clonestate.Account
	IDL         *clonestate.Account // nil when no IDL account was found
}

// Dumper writes materialized accounts to the local bank, returning the
// synthetic transaction signature that identifies the write (spec §6).
type Dumper interface {
	DumpFeePayer(ctx context.Context, key accountkey.Key, lamports uint64, owner accountkey.Key) (clonestate.Signature, error)
	DumpUndelegated(ctx context.Context, key accountkey.Key, account clonestate.Account) (clonestate.Signature, error)
	DumpDelegated(ctx context.Context, key accountkey.Key, account clonestate.Account, record clonestate.DelegationRecord) (clonestate.Signature, error)
	DumpProgramWithOldLoader(ctx context.Context, key accountkey.Key, account clonestate.Account) (clonestate.Signature, error)
	DumpProgramAccounts(ctx context.Context, programKey accountkey.Key, dump ProgramDump) (clonestate.Signature, error)
}

// BankAccountProvider is a read-only view onto the local bank's accounts
// (spec §6).
type BankAccountProvider interface {
	HasAccount(key accountkey.Key) bool
	GetAccount(key accountkey.Key) (clonestate.Account, bool)
	GetAllAccounts() map[accountkey.Key]clonestate.Account
	RemoveAccount(key accountkey.Key)
}
