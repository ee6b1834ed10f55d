// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package pprofile

// enum types for profile bundle protobuf records
// note: avoid iota, hard-code the constants, so they are not order-sensitive

// bundleRecordNumber type for ProfileBundle message records
type bundleRecordNumber int32

const (
	recBundleSchemaVersion  bundleRecordNumber = 1
	recBundleStartTimeNanos bundleRecordNumber = 2
	recBundleEndTimeNanos   bundleRecordNumber = 3
	recBundleSeq            bundleRecordNumber = 4
	recBundleSample         bundleRecordNumber = 5
	recBundleProvenance     bundleRecordNumber = 6
	recBundleDropCounters   bundleRecordNumber = 7
	recBundleStringTable    bundleRecordNumber = 8
)

// sampleRecordNumber type for SampleRecord message records
type sampleRecordNumber int32

const (
	recSampleType           sampleRecordNumber = 1
	recSampleAddrs          sampleRecordNumber = 2
	recSampleValues         sampleRecordNumber = 3
	recSampleLabel          sampleRecordNumber = 4
	recSampleTimestampNanos sampleRecordNumber = 5
	recSampleSymbols        sampleRecordNumber = 6
)

// labelRecordNumber type for Label message records
type labelRecordNumber int32

const (
	recLabelKey     labelRecordNumber = 1
	recLabelStr     labelRecordNumber = 2
	recLabelNum     labelRecordNumber = 3
	recLabelNumUnit labelRecordNumber = 4
)

// provenanceRecordNumber type for ProvenanceEntry message records
type provenanceRecordNumber int32

const (
	recProvenanceLo      provenanceRecordNumber = 1
	recProvenanceHi      provenanceRecordNumber = 2
	recProvenanceUnitID  provenanceRecordNumber = 3
	recProvenanceVersion provenanceRecordNumber = 4
)

// dropRecordNumber type for DropCounters message records
type dropRecordNumber int32

const (
	recDropPoolExhausted dropRecordNumber = 1
	recDropQueueEvicted  dropRecordNumber = 2
	recDropUploadFailed  dropRecordNumber = 3
)
