// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package pprofile

import (
	"fmt"

	"github.com/google/pprof/profile"
)

// Pprof converts the profile to the pprof format. The value schema is the
// fixed union of all sample type schemas; each sample fills its own type's
// columns and leaves the rest zero. Samples with equal identity (type,
// timestamp, stack, labels) are aggregated by summing their values. Addresses
// are attributed to mappings via the profile's provenance entries, with later
// entries winning over earlier overlapping ones. The conversion is
// deterministic.
func (p *Profile) Pprof() (*profile.Profile, error) {
	out := &profile.Profile{}
	if !p.Start.IsZero() {
		out.TimeNanos = p.Start.UnixNano()
	}
	if d := p.Duration(); d > 0 {
		out.DurationNanos = int64(d)
	}

	offsets := make(map[SampleType]int)
	for _, t := range SampleTypes() {
		offsets[t] = len(out.SampleType)
		for _, vt := range t.ValueTypes() {
			out.SampleType = append(out.SampleType, &profile.ValueType{Type: vt.Type, Unit: vt.Unit})
		}
	}
	numCols := len(out.SampleType)

	for i := range p.Provenance {
		unit := &p.Provenance[i]
		out.Mapping = append(out.Mapping, &profile.Mapping{
			ID:      uint64(i + 1),
			Start:   unit.Lo,
			Limit:   unit.Hi,
			File:    unit.UnitID,
			BuildID: unit.Version,
		})
	}
	mappingFor := func(addr uint64) *profile.Mapping {
		for i := len(out.Mapping) - 1; i >= 0; i-- {
			if m := out.Mapping[i]; addr >= m.Start && addr < m.Limit {
				return m
			}
		}
		return nil
	}

	type frameKey struct {
		addr   uint64
		symbol string
	}
	locations := make(map[frameKey]*profile.Location)
	functions := make(map[string]*profile.Function)
	locationFor := func(f Frame) *profile.Location {
		key := frameKey{f.Addr, f.Symbol}
		if loc, ok := locations[key]; ok {
			return loc
		}
		loc := &profile.Location{
			ID:      uint64(len(out.Location) + 1),
			Address: f.Addr,
			Mapping: mappingFor(f.Addr),
		}
		if f.Symbol != "" {
			fn, ok := functions[f.Symbol]
			if !ok {
				fn = &profile.Function{
					ID:         uint64(len(out.Function) + 1),
					Name:       f.Symbol,
					SystemName: f.Symbol,
				}
				functions[f.Symbol] = fn
				out.Function = append(out.Function, fn)
			}
			loc.Line = []profile.Line{{Function: fn}}
		}
		locations[key] = loc
		out.Location = append(out.Location, loc)
		return loc
	}

	h := newHasher()
	index := make(map[Hash]*profile.Sample)
	for i := range p.Samples {
		s := &p.Samples[i]
		if !s.Type.Valid() {
			return nil, fmt.Errorf("cannot export sample of invalid type %d", s.Type)
		}
		offset := offsets[s.Type]
		if n := s.Type.NumValues(); len(s.Values) > n {
			return nil, fmt.Errorf("%s sample has %d values, want at most %d", s.Type, len(s.Values), n)
		}
		id := h.sample(s)
		if exist, ok := index[id]; ok {
			for j, v := range s.Values {
				exist.Value[offset+j] += v
			}
			continue
		}
		ps := &profile.Sample{Value: make([]int64, numCols)}
		for j, v := range s.Values {
			ps.Value[offset+j] = v
		}
		for _, f := range s.Stack {
			ps.Location = append(ps.Location, locationFor(f))
		}
		for _, l := range s.Labels {
			if l.Str != "" {
				if ps.Label == nil {
					ps.Label = make(map[string][]string)
				}
				ps.Label[l.Key] = append(ps.Label[l.Key], l.Str)
			}
			if l.Num != 0 || l.NumUnit != "" {
				if ps.NumLabel == nil {
					ps.NumLabel = make(map[string][]int64)
				}
				ps.NumLabel[l.Key] = append(ps.NumLabel[l.Key], l.Num)
				if l.NumUnit != "" {
					if ps.NumUnit == nil {
						ps.NumUnit = make(map[string][]string)
					}
					ps.NumUnit[l.Key] = append(ps.NumUnit[l.Key], l.NumUnit)
				}
			}
		}
		if s.Timestamp != 0 {
			if ps.NumLabel == nil {
				ps.NumLabel = make(map[string][]int64)
			}
			ps.NumLabel["end_timestamp_ns"] = append(ps.NumLabel["end_timestamp_ns"], s.Timestamp)
		}
		index[id] = ps
		out.Sample = append(out.Sample, ps)
	}

	if p.Drops != (DropCounters{}) {
		out.Comments = append(out.Comments,
			fmt.Sprintf("dropped.pool_exhausted=%d", p.Drops.PoolExhausted),
			fmt.Sprintf("dropped.queue_evicted=%d", p.Drops.QueueEvicted),
			fmt.Sprintf("dropped.upload_failed=%d", p.Drops.UploadFailed),
		)
	}
	return out, nil
}
