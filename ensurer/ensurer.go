// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ensurer implements the Transaction Account Ensurer (spec.md
// §4.5): the sole entry point the transaction admission path uses to
// guarantee every account a transaction references has been materialized,
// or definitively and legitimately refused, before the transaction is
// handed to the executor.
package ensurer

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/luxfi/log"

	"github.com/luxfi/ephemeral-cloner/accountcloner"
	"github.com/luxfi/ephemeral-cloner/accountkey"
	"github.com/luxfi/ephemeral-cloner/clonestate"
)

// AdmissionErrorKind distinguishes why ensure rejected a transaction, so
// callers can tell "we refused to clone" apart from "we failed to clone"
// (spec §7).
type AdmissionErrorKind uint8

const (
	// UnclonableAccountUsedAsWritableInEphemeral: a writable reference
	// named an account the engine will not materialize locally.
	UnclonableAccountUsedAsWritableInEphemeral AdmissionErrorKind = iota
	// CloneFailed: the clone attempt itself failed (CloneError), not a
	// policy refusal.
	CloneFailed
)

func (k AdmissionErrorKind) String() string {
	switch k {
	case UnclonableAccountUsedAsWritableInEphemeral:
		return "unclonable_account_used_as_writable_in_ephemeral"
	case CloneFailed:
		return "clone_failed"
	default:
		return fmt.Sprintf("admission_error_kind(%d)", uint8(k))
	}
}

// AdmissionError rejects a transaction from the executor (spec §4.5, §7).
type AdmissionError struct {
	Kind AdmissionErrorKind
	Key  accountkey.Key
	// Reason is populated when Kind == UnclonableAccountUsedAsWritableInEphemeral.
	Reason clonestate.UnclonableReason
	// Cause is populated when Kind == CloneFailed.
	Cause error
}

func (e *AdmissionError) Error() string {
	switch e.Kind {
	case UnclonableAccountUsedAsWritableInEphemeral:
		return fmt.Sprintf("account %s used as writable but refused: %s", e.Key, e.Reason)
	default:
		return fmt.Sprintf("account %s failed to clone: %v", e.Key, e.Cause)
	}
}

func (e *AdmissionError) Unwrap() error { return e.Cause }

// Holder groups a transaction's account references by role (spec §4.5).
type Holder struct {
	Payer    accountkey.Key
	Writable []accountkey.Key
	ReadOnly []accountkey.Key
}

// TouchRecorder receives the set of delegated accounts a successfully
// admitted transaction touched, so a later commit-cycle can schedule
// their state back to the upstream chain. The commit pipeline itself is
// out of scope (spec §4.5).
type TouchRecorder interface {
	RecordDelegatedTouch(txSignature string, keys []accountkey.Key)
}

type noopTouchRecorder struct{}

func (noopTouchRecorder) RecordDelegatedTouch(string, []accountkey.Key) {}

// Ensurer is the Transaction Account Ensurer. It holds no state of its
// own beyond what it needs to drive the orchestrator and report touches;
// all clone bookkeeping lives in the accountcloner.Engine it wraps.
type Ensurer struct {
	engine *accountcloner.Engine
	log    log.Logger
	touch  TouchRecorder
}

// New constructs an Ensurer over engine. touch may be nil, in which case
// delegated-touch recording is a no-op.
func New(engine *accountcloner.Engine, logger log.Logger, touch TouchRecorder) *Ensurer {
	if logger == nil {
		logger = log.Root()
	}
	if touch == nil {
		touch = noopTouchRecorder{}
	}
	return &Ensurer{engine: engine, log: logger, touch: touch}
}

// writableRefusalReasons is the closed set of Unclonable reasons that a
// writable reference may never tolerate (spec §4.5: "a writable
// reference to any account returning a refusal whose reason corresponds
// to an undelegated/fee-payer/program policy likewise fails the
// admission"). AlreadyLocallyOverridden is listed first since the spec
// calls it out by name; the rest of this set covers the
// allow_* policy refusals that bear on whether a writable reference is
// safe to execute against.
var writableRefusalReasons = mapset.NewSet(
	clonestate.AlreadyLocallyOverridden,
	clonestate.DoesNotAllowFeePayerAccount,
	clonestate.DoesNotAllowUndelegatedAccount,
	clonestate.DoesNotAllowDelegatedAccount,
	clonestate.DoesNotAllowProgramAccount,
	clonestate.IsNotAllowedProgram,
	clonestate.DoesNotHaveEscrowAccount,
	clonestate.DoesNotHaveDelegatedEscrowAccount,
	clonestate.DoesNotAllowFeePayerWithEscrowedPda,
	clonestate.DoesNotAllowEscrowedPda,
)

// Ensure implements the §4.5 contract: every unique account Holder
// references is cloned (or definitively refused) before the transaction
// may be admitted. Read-only references tolerate any refusal; writable
// references (including the payer) do not tolerate the refusal reasons
// in writableRefusalReasons.
func (en *Ensurer) Ensure(ctx context.Context, holder Holder, txSignature string) error {
	type ref struct {
		key      accountkey.Key
		writable bool
	}

	seen := mapset.NewSet[accountkey.Key]()
	var refs []ref
	addRef := func(key accountkey.Key, writable bool) {
		if seen.Contains(key) {
			return
		}
		seen.Add(key)
		refs = append(refs, ref{key: key, writable: writable})
	}

	addRef(holder.Payer, true)
	for _, k := range holder.Writable {
		addRef(k, true)
	}
	for _, k := range holder.ReadOnly {
		addRef(k, false)
	}

	var touchedDelegated []accountkey.Key
	for _, r := range refs {
		out, err := en.engine.Request(ctx, r.key, clonestate.Running)
		if err != nil {
			var cerr *accountcloner.CloneError
			if errors.As(err, &cerr) {
				return &AdmissionError{Kind: CloneFailed, Key: r.key, Cause: cerr}
			}
			return &AdmissionError{Kind: CloneFailed, Key: r.key, Cause: err}
		}

		if !out.IsCloned() {
			if r.writable && writableRefusalReasons.Contains(out.Reason) {
				return &AdmissionError{Kind: UnclonableAccountUsedAsWritableInEphemeral, Key: r.key, Reason: out.Reason}
			}
			// Read-only refusal, or a writable reference refused for a
			// reason outside writableRefusalReasons (NoCloningAllowed,
			// IsBlacklisted): succeed silently. A writable reference refused
			// as AlreadyLocallyOverridden is always rejected above; no
			// account is exempted as local-only.
			continue
		}

		if out.Snapshot.Kind == clonestate.KindDelegated {
			touchedDelegated = append(touchedDelegated, r.key)
		}
	}

	if len(touchedDelegated) > 0 {
		en.touch.RecordDelegatedTouch(txSignature, touchedDelegated)
	}
	en.log.Debug("admitted transaction", "tx", txSignature, "accounts", len(refs), "delegated_touched", len(touchedDelegated))
	return nil
}
