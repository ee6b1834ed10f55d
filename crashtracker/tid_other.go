// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

//go:build unix && !linux

package crashtracker

// gettid reports 0 where thread ids are not cheaply available; the crash
// frame documents 0 as unknown.
func gettid() uint32 {
	return 0
}
