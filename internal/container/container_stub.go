// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

//go:build !linux

package container

// ID returns the container ID of the current process. Container detection is
// cgroup-based, so it always comes up empty off Linux.
func ID() string {
	return ""
}

// EntityID identifies the container for the agent. Always empty off Linux.
func EntityID() string {
	return ""
}
