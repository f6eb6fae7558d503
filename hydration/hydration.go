// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package hydration implements Startup Hydration (spec.md §4.6):
// pre-warming the clone cache from the bank's existing account set at
// validator start so that ledger replay does not issue spurious remote
// clones.
package hydration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/luxfi/log"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/ephemeral-cloner/accountcloner"
	"github.com/luxfi/ephemeral-cloner/accountkey"
	"github.com/luxfi/ephemeral-cloner/clonestate"
	"github.com/luxfi/ephemeral-cloner/clonetransport"
)

// maxConcurrentHydrationRequests bounds how many clone requests are
// in flight at once during hydration (spec §4.6 step 2: "bounded
// concurrency of 30").
const maxConcurrentHydrationRequests = 30

// sentinelLamportsThreshold marks accounts the original runtime tags
// with a reserved lamports value; these are skipped rather than
// hydrated (spec §4.6 step 1: "lamports exceed u64::MAX / 2").
const sentinelLamportsThreshold = math.MaxUint64 / 2

// Hydrate implements the §4.6 protocol against every account bank
// currently holds, using identity as the hydrating validator's identity
// for the decision engine's authority check. upgradableLoaderOwner is the
// well-known owner of executable-data records under the upgradable BPF
// loader scheme: a non-executable account owned by it is a program-data
// record, not a program, and is excluded from hydration (spec §4.6 step 1)
// since the engine's normal program-clone path
// (accountcloner.materializeProgram) handles program data as a side
// effect of cloning the program account itself. The zero key means "no
// upgradable loader configured," in which case this skip never triggers.
func Hydrate(ctx context.Context, engine *accountcloner.Engine, bank clonetransport.BankAccountProvider, blacklist mapset.Set[accountkey.Key], identity accountkey.Key, upgradableLoaderOwner accountkey.Key, logger log.Logger) error {
	if logger == nil {
		logger = log.Root()
	}
	if blacklist == nil {
		blacklist = mapset.NewSet[accountkey.Key]()
	}

	accounts := bank.GetAllAccounts()
	logger.Info("starting hydration", "local_accounts", len(accounts))

	// Per-key fetch already retries internally (spec §4.6 step 3), so
	// hydration itself never retries; a failing key is collected into the
	// return error, not treated as fatal to the rest of the batch. The
	// errgroup only bounds concurrency here — its derived context is
	// deliberately unused, so one key's failure never cancels the others.
	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentHydrationRequests)

	var errsMu sync.Mutex
	var errs []error

	skipped := 0
	issued := 0
	for key, account := range accounts {
		key, account := key, account
		if blacklist.Contains(key) {
			skipped++
			continue
		}
		if account.Lamports > sentinelLamportsThreshold {
			skipped++
			continue
		}
		if !account.Executable && !upgradableLoaderOwner.IsZero() && account.Owner == upgradableLoaderOwner {
			skipped++
			continue
		}

		issued++
		g.Go(func() error {
			stage := clonestate.ValidatorStage{Hydrating: true, Identity: identity, ObservedOwner: account.Owner}
			_, err := engine.Request(ctx, key, stage)
			if err != nil {
				logger.Error("hydration request failed", "key", key, "err", err)
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("hydrate %s: %w", key, err))
				errsMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	err := errors.Join(errs...)
	logger.Info("hydration complete", "issued", issued, "skipped", skipped, "failed_count", len(errs))
	return err
}
