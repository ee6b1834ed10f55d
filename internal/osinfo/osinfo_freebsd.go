// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package osinfo

import (
	"golang.org/x/sys/unix"
)

func osName() string {
	return "FreeBSD"
}

func osVersion() string {
	version, err := unix.Sysctl("kern.osrelease")
	if err != nil {
		return "unknown"
	}
	return version
}
