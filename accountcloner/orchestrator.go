// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package accountcloner implements the Clone Orchestrator, Clone Decision
// Engine, Monitored-Account Cache, Freshness Protocol, and program-account
// materialization described in spec.md §4.1-§4.4 and §4.7. Engine is the
// single entry point both the transaction admission path (via the
// ensurer package) and startup hydration (via the hydration package) use.
package accountcloner

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/ephemeral-cloner/accountkey"
	"github.com/luxfi/ephemeral-cloner/clonestate"
	"github.com/luxfi/ephemeral-cloner/clonetransport"
)

// maxBatchSize bounds how many inbound requests the orchestrator pulls off
// its queue per scheduling turn before looping back to drain more (spec
// §4.1: "batches up to 100 requests per scheduling turn"). It is a
// throughput hint, not a correctness property.
const maxBatchSize = 100

type result struct {
	output clonestate.CloneOutput
	err    *CloneError
}

// Engine is the Clone Orchestrator (spec §4.1), wired to the Clone
// Decision Engine (§4.2), the Monitored-Account Cache (§4.3), and the
// Freshness Protocol (§4.4). Grounded on core/txpool.TxPool's shutdown
// channel pair (quit/term) for lifecycle, and its reservations map +
// mutex for the per-key serialization pattern (core/txpool/txpool.go).
type Engine struct {
	cfg Config
	log log.Logger

	fetcher clonetransport.Fetcher
	updates clonetransport.Updates
	dumper  clonetransport.Dumper
	bank    clonetransport.BankAccountProvider

	metrics Recorder

	lastCloneMu sync.RWMutex
	lastClone   map[accountkey.Key]clonestate.CloneOutput

	cacheMu   sync.Mutex
	monitored *monitoredCache

	promisesMu sync.Mutex
	promises   map[accountkey.Key][]chan result

	sigCounter uint64
	sigMu      sync.Mutex

	inbox chan cloneRequest

	cancel context.CancelFunc
	done   chan struct{}
}

type cloneRequest struct {
	ctx   context.Context
	key   accountkey.Key
	stage clonestate.ValidatorStage
	reply chan result
}

// Recorder receives metric events from the engine; a no-op implementation
// is used when the caller doesn't care (see metricsx.Recorder for the
// Prometheus-backed one).
type Recorder interface {
	CloneAttempt(key accountkey.Key)
	CloneCacheHit(key accountkey.Key)
	Coalesced(key accountkey.Key)
	Eviction(key accountkey.Key)
	Unclonable(reason clonestate.UnclonableReason)
	FreshnessRetry(key accountkey.Key)
}

type noopRecorder struct{}

func (noopRecorder) CloneAttempt(accountkey.Key)            {}
func (noopRecorder) CloneCacheHit(accountkey.Key)           {}
func (noopRecorder) Coalesced(accountkey.Key)               {}
func (noopRecorder) Eviction(accountkey.Key)                {}
func (noopRecorder) Unclonable(clonestate.UnclonableReason) {}
func (noopRecorder) FreshnessRetry(accountkey.Key)          {}

// New constructs an Engine and starts its background processing loop.
// Call Stop to cancel it.
func New(
	cfg Config,
	logger log.Logger,
	fetcher clonetransport.Fetcher,
	updates clonetransport.Updates,
	dumper clonetransport.Dumper,
	bank clonetransport.BankAccountProvider,
	metrics Recorder,
) *Engine {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = log.Root()
	}
	if metrics == nil {
		metrics = noopRecorder{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		log:       logger,
		fetcher:   fetcher,
		updates:   updates,
		dumper:    dumper,
		bank:      bank,
		metrics:   metrics,
		lastClone: make(map[accountkey.Key]clonestate.CloneOutput),
		monitored: newMonitoredCache(cfg.MaxMonitoredAccounts),
		promises:  make(map[accountkey.Key][]chan result),
		inbox:     make(chan cloneRequest, maxBatchSize),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go e.run(ctx)
	return e
}

// Stop cancels the orchestrator's main loop. In-flight requests resolve to
// their current state; any request still queued observes the inbox being
// abandoned once the context is done (spec §5 cancellation).
func (e *Engine) Stop() {
	e.cancel()
	<-e.done
}

// Request is the public coalescing entry point (spec §4.1): multiple
// concurrent Request calls for the same key observe the same CloneOutput.
func (e *Engine) Request(ctx context.Context, key accountkey.Key, stage clonestate.ValidatorStage) (clonestate.CloneOutput, error) {
	reply := make(chan result, 1)
	req := cloneRequest{ctx: ctx, key: key, stage: stage, reply: reply}

	select {
	case e.inbox <- req:
	case <-ctx.Done():
		return clonestate.CloneOutput{}, ctx.Err()
	case <-e.done:
		return clonestate.CloneOutput{}, fmt.Errorf("accountcloner: engine stopped")
	}

	select {
	case res, ok := <-reply:
		if !ok {
			return clonestate.CloneOutput{}, fmt.Errorf("accountcloner: request for %s dropped (evicted while in flight)", key)
		}
		if res.err != nil {
			return clonestate.CloneOutput{}, res.err
		}
		return res.output, nil
	case <-ctx.Done():
		return clonestate.CloneOutput{}, ctx.Err()
	}
}

// run is the orchestrator's dedicated task: it drains the inbox in
// batches of up to maxBatchSize and processes each batch's requests
// concurrently, coalescing by key (spec §4.1).
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		var batch []cloneRequest
		select {
		case <-ctx.Done():
			return
		case req := <-e.inbox:
			batch = append(batch, req)
		}
	drain:
		for len(batch) < maxBatchSize {
			select {
			case req := <-e.inbox:
				batch = append(batch, req)
			default:
				break drain
			}
		}

		for _, req := range batch {
			e.dispatch(ctx, req)
		}
	}
}

// dispatch implements the per-key coalescing protocol (spec §4.1 steps
// 1-4): join an in-flight clone if one exists for this key, otherwise
// start one as an independent child task.
func (e *Engine) dispatch(ctx context.Context, req cloneRequest) {
	e.promisesMu.Lock()
	listeners, inFlight := e.promises[req.key]
	if inFlight {
		e.promises[req.key] = append(listeners, req.reply)
		e.promisesMu.Unlock()
		e.metrics.Coalesced(req.key)
		return
	}
	e.promises[req.key] = []chan result{req.reply}
	e.promisesMu.Unlock()

	go e.completeClone(ctx, req.key, req.stage)
}

// completeClone runs one clone decision to completion and fans the result
// out to every listener that coalesced onto it (spec §4.1 step 4).
func (e *Engine) completeClone(ctx context.Context, key accountkey.Key, stage clonestate.ValidatorStage) {
	e.metrics.CloneAttempt(key)
	output, cerr := e.decide(ctx, key, stage)

	e.promisesMu.Lock()
	listeners, ok := e.promises[key]
	delete(e.promises, key)
	e.promisesMu.Unlock()

	if !ok || len(listeners) == 0 {
		e.log.Error("clone completed with no listeners registered", "key", key, "err", errListenerNeverResolved)
		return
	}

	res := result{output: output, err: cerr}
	for _, ch := range listeners {
		select {
		case ch <- res:
		default:
			// Receiver already gave up (its ctx was done); dropping is
			// correct, spec §4.1 failure semantics.
		}
		close(ch)
	}
}

// mintSignature derives a deterministic-enough synthetic signature for
// paths that accept existing local state without invoking the dumper
// (spec §4.2's hydrating exception). It never touches the bank.
func (e *Engine) mintSignature(key accountkey.Key, tag string) clonestate.Signature {
	e.sigMu.Lock()
	e.sigCounter++
	n := e.sigCounter
	e.sigMu.Unlock()

	var sig clonestate.Signature
	copy(sig[:], fmt.Sprintf("%s:%s:%d", tag, key, n))
	return sig
}
