// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

// Package pprofile implements the profile data model and its versioned binary
// encoding.
package pprofile

// SampleType identifies the kind of event a Sample measures.
type SampleType int32

// Sample type constants are part of the wire format.
// note: avoid iota, hard-code the constants, so they are not order-sensitive
const (
	UnknownSample   SampleType = 0
	CPUSample       SampleType = 1
	WallSample      SampleType = 2
	AllocSample     SampleType = 3
	LockSample      SampleType = 4
	ExceptionSample SampleType = 5
)

// ValueType describes one dimension of the values a sample type records.
type ValueType struct {
	Type string
	Unit string
}

type sampleTypeInfo struct {
	Name   string
	Values []ValueType
}

var sampleTypes = map[SampleType]sampleTypeInfo{
	CPUSample: {
		Name: "cpu",
		Values: []ValueType{
			{Type: "cpu-time", Unit: "nanoseconds"},
			{Type: "cpu-samples", Unit: "count"},
		},
	},
	WallSample: {
		Name: "wall",
		Values: []ValueType{
			{Type: "wall-time", Unit: "nanoseconds"},
		},
	},
	AllocSample: {
		Name: "alloc",
		Values: []ValueType{
			{Type: "alloc-samples", Unit: "count"},
			{Type: "alloc-space", Unit: "bytes"},
		},
	},
	LockSample: {
		Name: "lock",
		Values: []ValueType{
			{Type: "lock-acquire", Unit: "count"},
			{Type: "lock-time", Unit: "nanoseconds"},
		},
	},
	ExceptionSample: {
		Name: "exception",
		Values: []ValueType{
			{Type: "exception-samples", Unit: "count"},
		},
	},
}

// String returns the name of the sample type.
func (t SampleType) String() string {
	if info, ok := sampleTypes[t]; ok {
		return info.Name
	}
	return "unknown"
}

// Valid reports whether t is one of the supported sample types.
func (t SampleType) Valid() bool {
	_, ok := sampleTypes[t]
	return ok
}

// ValueTypes returns the value schema for samples of type t. The returned
// slice is a copy and may be modified by the caller.
func (t SampleType) ValueTypes() []ValueType {
	info := sampleTypes[t]
	out := make([]ValueType, len(info.Values))
	copy(out, info.Values)
	return out
}

// NumValues returns the number of values a sample of type t carries.
func (t SampleType) NumValues() int {
	return len(sampleTypes[t].Values)
}

// SampleTypes returns the supported sample types in wire order.
func SampleTypes() []SampleType {
	return []SampleType{CPUSample, WallSample, AllocSample, LockSample, ExceptionSample}
}

// Frame is a single entry of a sample's call stack, identified by its program
// counter address and an optional caller-supplied symbol.
type Frame struct {
	Addr   uint64
	Symbol string
}

// Label attaches caller-supplied context to a sample. Key is required. Str
// holds a string value, Num/NumUnit a numeric one, following the pprof label
// model.
type Label struct {
	Key     string
	Str     string
	Num     int64
	NumUnit string
}

// Sample is a single recorded measurement: the call stack it was taken at,
// the measured values per the type's schema, and optional labels. Samples are
// leased from a pool on the hot path, so all fields must survive Reset and
// refill.
type Sample struct {
	Type      SampleType
	Stack     []Frame
	Values    []int64
	Labels    []Label
	Timestamp int64 // nanoseconds
}

// Reset clears the sample for reuse, retaining allocated slice capacity.
func (s *Sample) Reset() {
	s.Type = UnknownSample
	s.Stack = s.Stack[:0]
	s.Values = s.Values[:0]
	s.Labels = s.Labels[:0]
	s.Timestamp = 0
}

// clone returns a self-contained deep copy of s.
func (s *Sample) clone() Sample {
	c := Sample{
		Type:      s.Type,
		Timestamp: s.Timestamp,
	}
	if len(s.Stack) > 0 {
		c.Stack = make([]Frame, len(s.Stack))
		copy(c.Stack, s.Stack)
	}
	if len(s.Values) > 0 {
		c.Values = make([]int64, len(s.Values))
		copy(c.Values, s.Values)
	}
	if len(s.Labels) > 0 {
		c.Labels = make([]Label, len(s.Labels))
		copy(c.Labels, s.Labels)
	}
	return c
}
