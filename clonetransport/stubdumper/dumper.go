// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package stubdumper is a reference, in-memory implementation of both
// clonetransport.Dumper and clonetransport.BankAccountProvider, standing
// in for the real bank writer spec.md §1 declares out of scope.
package stubdumper

import (
	"context"
	"crypto/sha256"
	"sync"
	"sync/atomic"

	"github.com/luxfi/ephemeral-cloner/accountkey"
	"github.com/luxfi/ephemeral-cloner/clonestate"
	"github.com/luxfi/ephemeral-cloner/clonetransport"
)

// Bank is the reference in-memory bank.
type Bank struct {
	mu       sync.RWMutex
	accounts map[accountkey.Key]clonestate.Account

	seq       atomic.Uint64
	writeLog  []Write
	writeLogM sync.Mutex
}

// Write records one dump operation for test assertions.
type Write struct {
	Key  accountkey.Key
	Kind string
}

// New creates an empty Bank.
func New() *Bank {
	return &Bank{accounts: make(map[accountkey.Key]clonestate.Account)}
}

// Seed installs an account directly, bypassing the dumper, to simulate
// ledger-replayed local state.
func (b *Bank) Seed(key accountkey.Key, account clonestate.Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[key] = account
}

// Writes returns a copy of the dump operation log, in order.
func (b *Bank) Writes() []Write {
	b.writeLogM.Lock()
	defer b.writeLogM.Unlock()
	out := make([]Write, len(b.writeLog))
	copy(out, b.writeLog)
	return out
}

// --- clonetransport.BankAccountProvider ---

func (b *Bank) HasAccount(key accountkey.Key) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.accounts[key]
	return ok
}

func (b *Bank) GetAccount(key accountkey.Key) (clonestate.Account, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	acc, ok := b.accounts[key]
	return acc, ok
}

func (b *Bank) GetAllAccounts() map[accountkey.Key]clonestate.Account {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[accountkey.Key]clonestate.Account, len(b.accounts))
	for k, v := range b.accounts {
		out[k] = v
	}
	return out
}

func (b *Bank) RemoveAccount(key accountkey.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.accounts, key)
}

// --- clonetransport.Dumper ---

func (b *Bank) record(key accountkey.Key, kind string) {
	b.writeLogM.Lock()
	b.writeLog = append(b.writeLog, Write{Key: key, Kind: kind})
	b.writeLogM.Unlock()
}

func (b *Bank) DumpFeePayer(_ context.Context, key accountkey.Key, lamports uint64, owner accountkey.Key) (clonestate.Signature, error) {
	b.mu.Lock()
	b.accounts[key] = clonestate.Account{Lamports: lamports, Owner: owner}
	b.mu.Unlock()
	b.record(key, "feepayer")
	return b.signatureFor(key, "feepayer"), nil
}

func (b *Bank) DumpUndelegated(_ context.Context, key accountkey.Key, account clonestate.Account) (clonestate.Signature, error) {
	b.mu.Lock()
	b.accounts[key] = account
	b.mu.Unlock()
	b.record(key, "undelegated")
	return b.signatureFor(key, "undelegated"), nil
}

func (b *Bank) DumpDelegated(_ context.Context, key accountkey.Key, account clonestate.Account, record clonestate.DelegationRecord) (clonestate.Signature, error) {
	account.Owner = record.Owner
	account.Lamports = record.Lamports
	b.mu.Lock()
	b.accounts[key] = account
	b.mu.Unlock()
	b.record(key, "delegated")
	return b.signatureFor(key, "delegated"), nil
}

func (b *Bank) DumpProgramWithOldLoader(_ context.Context, key accountkey.Key, account clonestate.Account) (clonestate.Signature, error) {
	account.Executable = true
	b.mu.Lock()
	b.accounts[key] = account
	b.mu.Unlock()
	b.record(key, "program_old_loader")
	return b.signatureFor(key, "program_old_loader"), nil
}

func (b *Bank) DumpProgramAccounts(_ context.Context, programKey accountkey.Key, dump clonetransport.ProgramDump) (clonestate.Signature, error) {
	b.mu.Lock()
	dump.Program.Executable = true
	b.accounts[programKey] = dump.Program
	b.mu.Unlock()
	b.record(programKey, "program")
	return b.signatureFor(programKey, "program"), nil
}

// signatureFor derives a stable, deterministic synthetic signature from
// the key and operation kind so tests can assert equality across repeated
// dumps without needing real signing (spec.md's signing is explicitly out
// of scope, §1).
func (b *Bank) signatureFor(key accountkey.Key, kind string) clonestate.Signature {
	h := sha256.New()
	h.Write(key[:])
	h.Write([]byte(kind))
	var counter [8]byte
	n := b.seq.Add(1)
	for i := 0; i < 8; i++ {
		counter[i] = byte(n >> (8 * i))
	}
	h.Write(counter[:])
	sum := h.Sum(nil)
	var sig clonestate.Signature
	copy(sig[:32], sum)
	copy(sig[32:], sum)
	return sig
}
