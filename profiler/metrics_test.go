// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package profiler

import (
	"bytes"
	"math"
	"runtime"
	"testing"
	"time"

	"github.com/DataDog/ddprof-go/pprofile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsReport(t *testing.T) {
	m := newMetrics()
	m.compute = func(*runtime.MemStats, *runtime.MemStats, time.Duration) []point {
		return []point{{metric: "go_alloc_bytes_per_sec", value: 1.5}}
	}
	start := now()
	m.reset(start)

	var buf bytes.Buffer
	drops := pprofile.DropCounters{PoolExhausted: 1, QueueEvicted: 2, UploadFailed: 3}
	err := m.report(start.Add(2*time.Second), drops, &buf)
	require.NoError(t, err)
	assert.JSONEq(t,
		`[["go_alloc_bytes_per_sec",1.5],
		  ["profiler_samples_dropped",1],
		  ["profiler_batches_evicted",2],
		  ["profiler_uploads_failed",3]]`,
		buf.String())
}

func TestMetricsCollectFrequency(t *testing.T) {
	m := newMetrics()
	start := now()
	m.reset(start)

	var buf bytes.Buffer
	err := m.report(start.Add(200*time.Millisecond), pprofile.DropCounters{}, &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too small")
	assert.Zero(t, buf.Len())
}

func TestMetricsFiltersInvalidPoints(t *testing.T) {
	m := newMetrics()
	m.compute = func(*runtime.MemStats, *runtime.MemStats, time.Duration) []point {
		return []point{
			{metric: "nan", value: math.NaN()},
			{metric: "plus_inf", value: math.Inf(1)},
			{metric: "ok", value: 42},
		}
	}
	start := now()
	m.reset(start)

	var buf bytes.Buffer
	err := m.report(start.Add(2*time.Second), pprofile.DropCounters{}, &buf)
	require.NoError(t, err)
	assert.JSONEq(t,
		`[["ok",42],
		  ["profiler_samples_dropped",0],
		  ["profiler_batches_evicted",0],
		  ["profiler_uploads_failed",0]]`,
		buf.String())
}

func TestComputeMetrics(t *testing.T) {
	var prev, curr runtime.MemStats
	prev.TotalAlloc, curr.TotalAlloc = 100, 300
	prev.Mallocs, curr.Mallocs = 10, 30
	prev.Frees, curr.Frees = 5, 15
	prev.HeapAlloc, curr.HeapAlloc = 1000, 800

	points := computeMetrics(&prev, &curr, 2*time.Second)
	assert.Contains(t, points, point{metric: "go_alloc_bytes_per_sec", value: 100})
	assert.Contains(t, points, point{metric: "go_allocs_per_sec", value: 10})
	assert.Contains(t, points, point{metric: "go_frees_per_sec", value: 5})
	// heap shrinkage shows up as a negative growth rate
	assert.Contains(t, points, point{metric: "go_heap_growth_bytes_per_sec", value: -100})
}

func TestRemoveInvalid(t *testing.T) {
	points := removeInvalid([]point{
		{metric: "a", value: math.NaN()},
		{metric: "b", value: math.Inf(1)},
		{metric: "c", value: math.Inf(-1)},
		{metric: "d", value: 1},
	})
	require.Len(t, points, 1)
	assert.Equal(t, "d", points[0].metric)
}
