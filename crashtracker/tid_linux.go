// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

//go:build linux

package crashtracker

import "golang.org/x/sys/unix"

func gettid() uint32 {
	return uint32(unix.Gettid())
}
