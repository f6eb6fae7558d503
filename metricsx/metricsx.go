// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metricsx is the Prometheus-backed accountcloner.Recorder
// implementation. It registers go-ethereum-style metrics (as the rest of
// the teacher's module graph does, via github.com/luxfi/geth/metrics) and
// exposes them to Prometheus scraping through the same Gatherer adapter
// the teacher ships in metrics/prometheus.
package metricsx

import (
	"github.com/luxfi/geth/metrics"

	"github.com/luxfi/ephemeral-cloner/accountkey"
	"github.com/luxfi/ephemeral-cloner/clonestate"
)

// Recorder is the Prometheus-backed accountcloner.Recorder. Every counter,
// including one per UnclonableReason, is created and registered eagerly
// in New.
type Recorder struct {
	registry metrics.Registry

	cloneAttempts  *metrics.Counter
	cloneCacheHits *metrics.Counter
	coalesced      *metrics.Counter
	evictions      *metrics.Counter
	freshnessRetry *metrics.Counter

	unclonableByReason [12]*metrics.Counter
}

// New constructs a Recorder registered into registry. A nil registry
// selects metrics.DefaultRegistry, matching getOrOverrideAsRegisteredCounter's
// convention elsewhere in this module family.
func New(registry metrics.Registry) *Recorder {
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	r := &Recorder{
		registry:       registry,
		cloneAttempts:  metrics.NewRegisteredCounter("accountcloner/clone_attempts", registry),
		cloneCacheHits: metrics.NewRegisteredCounter("accountcloner/clone_cache_hits", registry),
		coalesced:      metrics.NewRegisteredCounter("accountcloner/coalesced_requests", registry),
		evictions:      metrics.NewRegisteredCounter("accountcloner/evictions", registry),
		freshnessRetry: metrics.NewRegisteredCounter("accountcloner/freshness_retries", registry),
	}
	for reason := clonestate.UnclonableReason(0); int(reason) < len(r.unclonableByReason); reason++ {
		r.unclonableByReason[reason] = metrics.NewRegisteredCounter("accountcloner/unclonable_total/"+reason.String(), registry)
	}
	return r
}

func (r *Recorder) CloneAttempt(accountkey.Key)   { r.cloneAttempts.Inc(1) }
func (r *Recorder) CloneCacheHit(accountkey.Key)  { r.cloneCacheHits.Inc(1) }
func (r *Recorder) Coalesced(accountkey.Key)      { r.coalesced.Inc(1) }
func (r *Recorder) Eviction(accountkey.Key)       { r.evictions.Inc(1) }
func (r *Recorder) FreshnessRetry(accountkey.Key) { r.freshnessRetry.Inc(1) }

func (r *Recorder) Unclonable(reason clonestate.UnclonableReason) {
	if int(reason) < len(r.unclonableByReason) {
		r.unclonableByReason[reason].Inc(1)
		return
	}
}
