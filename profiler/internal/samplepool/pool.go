// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

// Package samplepool provides a fixed-size pool of sample slots so the
// record path stays allocation-free once sampling has started.
package samplepool

import (
	"errors"
	"sync/atomic"

	"github.com/DataDog/ddprof-go/pprofile"
)

// Pooled slots are pre-sized so typical samples fill in without growing.
// A deep stack or label-heavy sample grows its slot once and the larger
// capacity survives reuse.
const (
	slotStackDepth = 64
	slotValues     = 4
	slotLabels     = 8
)

// Pool hands out pre-allocated sample slots. Acquire never blocks: when
// every slot is leased it reports exhaustion and the caller drops the
// sample. The pool never grows, so memory stays bounded regardless of the
// sampling rate.
type Pool struct {
	free    chan *pprofile.Sample
	dropped uint64 // accessed atomically
}

// NewPool returns a pool with the given number of slots.
func NewPool(capacity int) (*Pool, error) {
	if capacity <= 0 {
		return nil, errors.New("sample pool capacity must be positive")
	}
	p := &Pool{free: make(chan *pprofile.Sample, capacity)}
	for i := 0; i < capacity; i++ {
		p.free <- &pprofile.Sample{
			Stack:  make([]pprofile.Frame, 0, slotStackDepth),
			Values: make([]int64, 0, slotValues),
			Labels: make([]pprofile.Label, 0, slotLabels),
		}
	}
	return p, nil
}

// Acquire leases a slot from the pool. It returns false when every slot is
// leased, counting the exhaustion so the next profile reports the drop.
func (p *Pool) Acquire() (*pprofile.Sample, bool) {
	select {
	case s := <-p.free:
		return s, true
	default:
		atomic.AddUint64(&p.dropped, 1)
		return nil, false
	}
}

// Release resets a slot and returns it to the pool. Slots released beyond
// the pool's capacity are discarded.
func (p *Pool) Release(s *pprofile.Sample) {
	if s == nil {
		return
	}
	s.Reset()
	select {
	case p.free <- s:
	default:
	}
}

// Dropped returns the cumulative number of acquisitions that failed because
// the pool was exhausted. It only grows between calls to ResetDropped.
func (p *Pool) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}

// ResetDropped clears the exhaustion counter. A forked child calls this so
// it does not report the parent's drop history as its own.
func (p *Pool) ResetDropped() {
	atomic.StoreUint64(&p.dropped, 0)
}

// Cap returns the number of slots the pool was created with.
func (p *Pool) Cap() int {
	return cap(p.free)
}

// Idle returns the number of slots currently available for lease.
func (p *Pool) Idle() int {
	return len(p.free)
}
