// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package profiler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/ddprof-go/internal/provenance"
	"github.com/DataDog/ddprof-go/pprofile"
	"github.com/DataDog/ddprof-go/profiler/internal/samplepool"
)

// counters tracks profiles the engine lost outside the sample pool. The
// fields are accessed atomically.
type counters struct {
	queueEvicted uint64
	uploadFailed uint64
}

// activeSet accumulates leased sample slots for the interval currently being
// filled. Its slots slice is pre-sized to the pool capacity, which bounds the
// number of outstanding leases, so appends never grow it.
type activeSet struct {
	slots []*pprofile.Sample
	start time.Time
	seq   uint64
}

// sampler owns the active profile interval. Sample admission appends a
// leased pool slot under a narrow mutex; rotation swaps the active set under
// the same mutex and does all copying and slot recycling outside of it, so a
// sample racing a rotation lands in exactly one of the two intervals.
type sampler struct {
	pool  *samplepool.Pool
	prov  *provenance.Table
	drops *counters

	mu      sync.Mutex
	active  *activeSet
	nextSeq uint64

	types  map[pprofile.SampleType]struct{}
	statsd StatsdClient
	tags   []string
}

func newSampler(cfg *config) (*sampler, error) {
	pool, err := samplepool.NewPool(cfg.poolCapacity)
	if err != nil {
		return nil, err
	}
	s := &sampler{
		pool:   pool,
		prov:   provenance.NewTable(),
		drops:  &counters{},
		types:  cfg.types,
		statsd: cfg.statsd,
		tags:   cfg.tags,
		active: &activeSet{
			slots: make([]*pprofile.Sample, 0, pool.Cap()),
			start: now(),
			seq:   1,
		},
		nextSeq: 2,
	}
	return s, nil
}

// sample records one measurement into the active interval and reports
// whether it was recorded. Samples of disabled types are rejected without
// counting; pool exhaustion drops the sample and counts it, it never blocks.
func (s *sampler) sample(stack []uint64, typ pprofile.SampleType, values []int64, labels []pprofile.Label) (bool, error) {
	if !typ.Valid() {
		return false, fmt.Errorf("unknown sample type %d", typ)
	}
	if want := typ.NumValues(); len(values) != want {
		return false, fmt.Errorf("%s sample takes %d values, got %d", typ, want, len(values))
	}
	if _, enabled := s.types[typ]; !enabled {
		return false, nil
	}

	slot, ok := s.pool.Acquire()
	if !ok {
		s.statsd.Count("datadog.profiling.native.sample_drop", 1, s.tags, 1)
		return false, nil
	}
	slot.Type = typ
	slot.Timestamp = time.Now().UnixNano()
	for _, addr := range stack {
		slot.Stack = append(slot.Stack, pprofile.Frame{Addr: addr})
	}
	slot.Values = append(slot.Values, values...)
	slot.Labels = append(slot.Labels, labels...)

	s.mu.Lock()
	s.active.slots = append(s.active.slots, slot)
	s.mu.Unlock()
	return true, nil
}

// rotate closes the active interval at end and returns it as an immutable
// profile carrying a provenance snapshot and the cumulative drop counters.
// The next interval starts at end.
func (s *sampler) rotate(end time.Time) *pprofile.Profile {
	fresh := &activeSet{
		slots: make([]*pprofile.Sample, 0, s.pool.Cap()),
		start: end,
	}

	s.mu.Lock()
	old := s.active
	fresh.seq = s.nextSeq
	s.nextSeq++
	s.active = fresh
	s.mu.Unlock()

	prof := &pprofile.Profile{
		Start: old.start,
		End:   end,
		Seq:   old.seq,
	}
	for _, slot := range old.slots {
		prof.AddSample(slot)
		s.pool.Release(slot)
	}
	prof.Provenance = s.prov.Snapshot()
	prof.Drops = s.dropCounters()
	return prof
}

// discard throws away the samples of the active interval and starts a fresh
// one with the same sequence number. Used after fork, where the parent's
// samples do not belong to the child.
func (s *sampler) discard(at time.Time) {
	fresh := &activeSet{
		slots: make([]*pprofile.Sample, 0, s.pool.Cap()),
		start: at,
	}

	s.mu.Lock()
	old := s.active
	fresh.seq = old.seq
	s.active = fresh
	s.mu.Unlock()

	for _, slot := range old.slots {
		s.pool.Release(slot)
	}
}

// dropCounters snapshots the cumulative drop counters. They only grow
// between calls to resetCounters.
func (s *sampler) dropCounters() pprofile.DropCounters {
	return pprofile.DropCounters{
		PoolExhausted: s.pool.Dropped(),
		QueueEvicted:  atomic.LoadUint64(&s.drops.queueEvicted),
		UploadFailed:  atomic.LoadUint64(&s.drops.uploadFailed),
	}
}

// resetCounters zeroes the drop counters. Used after fork: the parent keeps
// its history, the child starts from a clean slate.
func (s *sampler) resetCounters() {
	s.pool.ResetDropped()
	atomic.StoreUint64(&s.drops.queueEvicted, 0)
	atomic.StoreUint64(&s.drops.uploadFailed, 0)
}

// numSamples returns how many samples the active interval holds.
func (s *sampler) numSamples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active.slots)
}
