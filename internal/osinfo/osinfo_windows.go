// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package osinfo

import (
	"fmt"

	"golang.org/x/sys/windows/registry"
)

func osName() string {
	return "Windows"
}

func osVersion() string {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Windows NT\CurrentVersion`, registry.QUERY_VALUE)
	if err != nil {
		return "unknown"
	}
	defer k.Close()

	var version string
	maj, _, err := k.GetIntegerValue("CurrentMajorVersionNumber")
	if err == nil {
		min, _, err := k.GetIntegerValue("CurrentMinorVersionNumber")
		if err == nil {
			version = fmt.Sprintf("%d.%d", maj, min)
		}
	}
	if version == "" {
		version, _, err = k.GetStringValue("CurrentVersion")
		if err != nil {
			return "unknown"
		}
	}
	build, _, err := k.GetStringValue("CurrentBuild")
	if err == nil {
		version += " Build " + build
	}
	return version
}
