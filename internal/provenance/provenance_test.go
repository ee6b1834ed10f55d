// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package provenance

import (
	"fmt"
	"sync"
	"testing"

	"github.com/DataDog/ddprof-go/pprofile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTableResolve(t *testing.T) {
	tbl := NewTable()

	_, ok := tbl.Resolve(0x1000)
	assert.False(t, ok)

	tbl.Record(0x1000, 0x2000, "libfoo.so", "1.2.3")

	u, ok := tbl.Resolve(0x1000)
	require.True(t, ok)
	assert.Equal(t, "libfoo.so", u.UnitID)
	assert.Equal(t, "1.2.3", u.Version)

	// hi is exclusive.
	u, ok = tbl.Resolve(0x1fff)
	require.True(t, ok)
	assert.Equal(t, "libfoo.so", u.UnitID)
	_, ok = tbl.Resolve(0x2000)
	assert.False(t, ok)
	_, ok = tbl.Resolve(0xfff)
	assert.False(t, ok)
}

func TestTableLaterRecordWins(t *testing.T) {
	tbl := NewTable()
	tbl.Record(0x1000, 0x3000, "app.bin", "1")
	tbl.Record(0x2000, 0x4000, "libm.so", "2")

	u, ok := tbl.Resolve(0x1800)
	require.True(t, ok)
	assert.Equal(t, "app.bin", u.UnitID)

	u, ok = tbl.Resolve(0x2800)
	require.True(t, ok)
	assert.Equal(t, "libm.so", u.UnitID)

	u, ok = tbl.Resolve(0x3800)
	require.True(t, ok)
	assert.Equal(t, "libm.so", u.UnitID)
}

func TestTableIgnoresEmptyRange(t *testing.T) {
	tbl := NewTable()
	tbl.Record(0x1000, 0x1000, "empty", "1")
	tbl.Record(0x2000, 0x1000, "inverted", "1")
	assert.Equal(t, 0, tbl.Len())
	_, ok := tbl.Resolve(0x1000)
	assert.False(t, ok)
}

func TestTableSnapshot(t *testing.T) {
	tbl := NewTable()
	assert.Nil(t, tbl.Snapshot())

	tbl.Record(0x1000, 0x2000, "app.bin", "1")
	tbl.Record(0x2000, 0x3000, "libm.so", "2")

	snap := tbl.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, pprofile.CodeUnit{Lo: 0x1000, Hi: 0x2000, UnitID: "app.bin", Version: "1"}, snap[0])
	assert.Equal(t, pprofile.CodeUnit{Lo: 0x2000, Hi: 0x3000, UnitID: "libm.so", Version: "2"}, snap[1])

	// Records arriving after the snapshot are not visible in it.
	tbl.Record(0x3000, 0x4000, "libz.so", "3")
	assert.Len(t, snap, 2)

	// Mutating the snapshot does not touch the table.
	snap[0].UnitID = "clobbered"
	u, ok := tbl.Resolve(0x1000)
	require.True(t, ok)
	assert.Equal(t, "app.bin", u.UnitID)
}

func TestTableReset(t *testing.T) {
	tbl := NewTable()
	tbl.Record(0x1000, 0x2000, "app.bin", "1")
	require.Equal(t, 1, tbl.Len())
	tbl.Reset()
	assert.Equal(t, 0, tbl.Len())
	assert.Nil(t, tbl.Snapshot())
	_, ok := tbl.Resolve(0x1800)
	assert.False(t, ok)
}

// TestTableResolveMonotonic checks that resolution always returns the unit of
// the last range recorded over an address, no matter how earlier and later
// ranges overlap.
func TestTableResolveMonotonic(t *testing.T) {
	rapid.Check(t, func(tt *rapid.T) {
		type record struct {
			lo, hi uint64
			unit   string
		}
		tbl := NewTable()
		var history []record
		n := rapid.IntRange(1, 32).Draw(tt, "records")
		for i := 0; i < n; i++ {
			lo := rapid.Uint64Range(0, 1<<16).Draw(tt, "lo")
			hi := lo + rapid.Uint64Range(1, 1<<10).Draw(tt, "size")
			unit := fmt.Sprintf("unit-%d", i)
			tbl.Record(lo, hi, unit, "1")
			history = append(history, record{lo: lo, hi: hi, unit: unit})

			// The range just recorded resolves to its own unit right away.
			u, ok := tbl.Resolve(lo)
			require.True(tt, ok)
			require.Equal(tt, unit, u.UnitID)
		}

		addr := rapid.Uint64Range(0, 1<<16+1<<10).Draw(tt, "addr")
		var want string
		var wantOK bool
		for i := len(history) - 1; i >= 0; i-- {
			if addr >= history[i].lo && addr < history[i].hi {
				want, wantOK = history[i].unit, true
				break
			}
		}
		u, ok := tbl.Resolve(addr)
		require.Equal(tt, wantOK, ok)
		if wantOK {
			require.Equal(tt, want, u.UnitID)
		}
	})
}

func TestTableConcurrentAccess(t *testing.T) {
	tbl := NewTable()
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 2; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					tbl.Resolve(0x1234)
					tbl.Snapshot()
				}
			}
		}()
	}
	var writers sync.WaitGroup
	for w := 0; w < 4; w++ {
		writers.Add(1)
		go func(w int) {
			defer writers.Done()
			for i := 0; i < 250; i++ {
				lo := uint64(w<<20 | i<<4)
				tbl.Record(lo, lo+16, fmt.Sprintf("unit-%d", w), "1")
			}
		}(w)
	}
	writers.Wait()
	close(stop)
	readers.Wait()
	assert.Equal(t, 4*250, tbl.Len())
}
