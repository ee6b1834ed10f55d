// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package osinfo

import (
	"bufio"
	"os"
	"strings"
)

func osName() string {
	// Valid fallback if the file parsing fails
	name := "Linux (Unknown Distribution)"
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return name
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "NAME=") {
			name = strings.Trim(line[5:], "\"")
			break
		}
	}
	return name
}

func osVersion() string {
	version := "unknown"
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return version
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "VERSION_ID=") {
			version = strings.Trim(line[11:], "\"")
			break
		}
	}
	return version
}
