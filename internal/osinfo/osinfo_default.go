// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

//go:build !linux && !darwin && !freebsd && !windows

package osinfo

import (
	"runtime"
)

func osName() string {
	return runtime.GOOS
}

func osVersion() string {
	return "unknown"
}
