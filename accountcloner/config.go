// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accountcloner

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/luxfi/ephemeral-cloner/accountkey"
	"github.com/luxfi/ephemeral-cloner/clonestate"
)

// EscrowDeriver derives the escrow PDA for a fee-payer key. The original
// implementation hardcodes one PDA scheme; the engine treats it as
// pluggable so alternate derivation schemes don't require touching the
// decision engine (spec.md §9's escrow pre-insertion trick still applies
// regardless of scheme).
type EscrowDeriver func(feePayer accountkey.Key) accountkey.Key

// ProgramDataDeriver derives the program-data account key for a program.
type ProgramDataDeriver func(program accountkey.Key) accountkey.Key

// IDLDeriver derives the IDL account key for a program under a given
// naming scheme (anchor-style, then shank-style as fallback, spec §4.7).
type IDLDeriver func(program accountkey.Key) accountkey.Key

// Config collects the enumerated options from spec.md §6.
type Config struct {
	AllowedProgramIDs     mapset.Set[accountkey.Key] // nil means "no restriction"
	BlacklistedAccounts   mapset.Set[accountkey.Key]
	PayerInitLamports     *uint64 // nil defaults to observed remote lamports
	ValidatorCollectsFees bool
	Permissions           clonestate.Permissions
	MaxMonitoredAccounts  int
	ValidatorIdentity     accountkey.Key
	FetchRetries          uint64
	FreshnessRetryInterval time.Duration

	// OldLoaderOwner is the well-known owner of programs deployed under the
	// original, non-upgradable BPF loader: such a program has no separate
	// program-data account, so it is dumped directly via
	// Dumper.DumpProgramWithOldLoader instead of going through the
	// three-part upgradable-loader clone (spec §4.7, §6). Zero value means
	// "no old-loader owner configured" — every executable account takes
	// the upgradable-loader path.
	OldLoaderOwner accountkey.Key

	DeriveEscrow      EscrowDeriver
	DeriveProgramData ProgramDataDeriver
	DeriveAnchorIDL   IDLDeriver
	DeriveShankIDL    IDLDeriver
}

// DefaultFetchRetries and DefaultFreshnessRetryInterval match spec.md §6's
// stated defaults.
const (
	DefaultFetchRetries           = 50
	DefaultFreshnessRetryInterval = 400 * time.Millisecond
)

// WithDefaults fills in zero-valued fields with spec.md's documented
// defaults and returns the (possibly modified) config.
func (c Config) WithDefaults() Config {
	if c.FetchRetries == 0 {
		c.FetchRetries = DefaultFetchRetries
	}
	if c.FreshnessRetryInterval == 0 {
		c.FreshnessRetryInterval = DefaultFreshnessRetryInterval
	}
	if c.BlacklistedAccounts == nil {
		c.BlacklistedAccounts = mapset.NewSet[accountkey.Key]()
	}
	if c.MaxMonitoredAccounts <= 0 {
		c.MaxMonitoredAccounts = 1
	}
	return c
}

func (c Config) programAllowed(key accountkey.Key) bool {
	if c.AllowedProgramIDs == nil {
		return true
	}
	return c.AllowedProgramIDs.Contains(key)
}
