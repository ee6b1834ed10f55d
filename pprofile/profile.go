// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package pprofile

import (
	"time"
)

// DropCounters tallies data the engine lost rather than blocked on. The
// counters are cumulative over the process lifetime and a snapshot is
// embedded in every profile.
type DropCounters struct {
	// PoolExhausted counts samples dropped because no pool slot was free.
	PoolExhausted uint64
	// QueueEvicted counts profiles evicted from a full upload queue.
	QueueEvicted uint64
	// UploadFailed counts profiles dropped after the upload retry budget
	// was exhausted.
	UploadFailed uint64
}

// merge folds other into d by taking the per-counter maximum. Each profile
// carries a cumulative snapshot of its engine's counters, so the later
// snapshot subsumes the earlier one and summing them would double-count.
func (d *DropCounters) merge(other DropCounters) {
	d.PoolExhausted = max(d.PoolExhausted, other.PoolExhausted)
	d.QueueEvicted = max(d.QueueEvicted, other.QueueEvicted)
	d.UploadFailed = max(d.UploadFailed, other.UploadFailed)
}

// CodeUnit attributes an address range [Lo, Hi) to the code unit it was
// loaded from.
type CodeUnit struct {
	Lo      uint64
	Hi      uint64
	UnitID  string
	Version string
}

// Profile is a collection of samples covering one observation interval,
// together with the provenance entries needed to attribute their addresses
// and a snapshot of the engine's drop counters. A profile is mutable only
// while the sampler owns it; once rotated out it must be treated as
// immutable.
type Profile struct {
	Start      time.Time
	End        time.Time
	Seq        uint64
	Samples    []Sample
	Provenance []CodeUnit
	Drops      DropCounters
}

// AddSample appends a deep copy of s to the profile. The caller retains
// ownership of s and may reuse it immediately.
func (p *Profile) AddSample(s *Sample) {
	p.Samples = append(p.Samples, s.clone())
}

// NumSamples returns the number of samples in the profile.
func (p *Profile) NumSamples() int {
	return len(p.Samples)
}

// Duration returns the length of the profile's observation interval.
func (p *Profile) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// Merge folds other into p: samples are appended in order, the interval
// widens to the union of both intervals, drop counters combine by taking
// the per-counter maximum (they are cumulative snapshots, see
// DropCounters.merge), and provenance entries missing from p are appended.
// The receiver keeps its sequence number. The merge is deterministic for a
// given pair of profiles. other is not modified.
func (p *Profile) Merge(other *Profile) {
	if other == nil {
		return
	}
	for i := range other.Samples {
		p.Samples = append(p.Samples, other.Samples[i].clone())
	}
	if p.Start.IsZero() || (!other.Start.IsZero() && other.Start.Before(p.Start)) {
		p.Start = other.Start
	}
	if other.End.After(p.End) {
		p.End = other.End
	}
	p.Drops.merge(other.Drops)
	for _, unit := range other.Provenance {
		if !p.hasCodeUnit(unit) {
			p.Provenance = append(p.Provenance, unit)
		}
	}
}

func (p *Profile) hasCodeUnit(unit CodeUnit) bool {
	for _, have := range p.Provenance {
		if have == unit {
			return true
		}
	}
	return false
}
