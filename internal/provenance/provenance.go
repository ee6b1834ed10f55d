// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

// Package provenance tracks which code unit each address range was loaded
// from. The host records mappings as code units are loaded and the profiler
// resolves them when a profile or crash report is serialized, never on the
// sampling hot path.
package provenance

import (
	"sync"

	"github.com/DataDog/ddprof-go/pprofile"
)

// Table maps half-open address ranges [lo, hi) to code units. It is safe for
// concurrent use: ranges may be recorded while resolution and snapshotting
// are in progress. The table is append-only, so a range stays resolvable
// until a later record overlaps it.
type Table struct {
	mu    sync.RWMutex
	units []pprofile.CodeUnit
}

// NewTable returns an empty provenance table.
func NewTable() *Table {
	return &Table{}
}

// Record registers that the address range [lo, hi) belongs to the given code
// unit. A record overlapping earlier ones shadows them for the overlapped
// addresses. Ranges with hi <= lo are discarded.
func (t *Table) Record(lo, hi uint64, unitID, version string) {
	if hi <= lo {
		return
	}
	t.mu.Lock()
	t.units = append(t.units, pprofile.CodeUnit{Lo: lo, Hi: hi, UnitID: unitID, Version: version})
	t.mu.Unlock()
}

// Resolve returns the code unit addr was loaded from, preferring the most
// recently recorded range when several contain addr. The second return value
// is false if no recorded range contains addr.
func (t *Table) Resolve(addr uint64) (pprofile.CodeUnit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.units) - 1; i >= 0; i-- {
		if u := t.units[i]; addr >= u.Lo && addr < u.Hi {
			return u, true
		}
	}
	return pprofile.CodeUnit{}, false
}

// Snapshot returns a copy of the recorded ranges in record order. Records
// arriving after the snapshot was taken do not show up in it, so a profile
// closed at rotation time serializes the mappings that were live during its
// interval.
func (t *Table) Snapshot() []pprofile.CodeUnit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.units) == 0 {
		return nil
	}
	units := make([]pprofile.CodeUnit, len(t.units))
	copy(units, t.units)
	return units
}

// Len returns the number of recorded ranges.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.units)
}

// Reset discards all recorded ranges.
func (t *Table) Reset() {
	t.mu.Lock()
	t.units = nil
	t.mu.Unlock()
}
