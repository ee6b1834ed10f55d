// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

// Package container reads the identity of the container the process runs in
// so uploads can be attributed to it. Detection is cgroup-based and comes up
// empty outside containers.
package container

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
)

const (
	// cgroupPath is the path to the cgroup file where we can find the
	// container id if one exists.
	cgroupPath = "/proc/self/cgroup"

	// mountsPath is the path to the file listing all the mount points.
	mountsPath = "/proc/mounts"
)

const (
	uuidSource      = "[0-9a-f]{8}[-_][0-9a-f]{4}[-_][0-9a-f]{4}[-_][0-9a-f]{4}[-_][0-9a-f]{12}|[0-9a-f]{8}(?:-[0-9a-f]{4}){4}$"
	containerSource = "[0-9a-f]{64}"
	taskSource      = "[0-9a-f]{32}-\\d+"
)

var (
	// expLine matches a line in the /proc/self/cgroup file. It has a submatch
	// for the last element (path), which contains the container ID.
	expLine = regexp.MustCompile(`^\d+:[^:]*:(.+)$`)

	// expContainerID matches container IDs and sources. Source: https://github.com/Qard/container-info/blob/master/index.js
	expContainerID = regexp.MustCompile(fmt.Sprintf(`(%s|%s|%s)(?:\.scope)?$`, uuidSource, containerSource, taskSource))

	containerID = readContainerID(cgroupPath)

	entityID = readEntityID()
)

// parseContainerID finds the first container ID reading from r and returns it.
func parseContainerID(r io.Reader) string {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		path := expLine.FindStringSubmatch(scanner.Text())
		if len(path) != 2 {
			// invalid entry, continue
			continue
		}
		if parts := expContainerID.FindStringSubmatch(path[1]); len(parts) == 2 {
			return parts[1]
		}
	}
	return ""
}

// readContainerID attempts to return the container ID from the provided file
// path or empty on failure.
func readContainerID(fpath string) string {
	f, err := os.Open(fpath)
	if err != nil {
		return ""
	}
	defer f.Close()
	return parseContainerID(f)
}

// ID returns the container ID of the current process, or an empty string when
// not running in a container.
func ID() string {
	return containerID
}

// parseCgroupV2MountPath parses the cgroup mount path from /proc/mounts. It
// returns an empty string if cgroup v2 is not used.
func parseCgroupV2MountPath(r io.Reader) string {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// a correct line is formatted as `cgroup2 <path> cgroup2 rw, ...`
		tokens := strings.Fields(scanner.Text())
		if len(tokens) >= 3 && tokens[2] == "cgroup2" {
			return tokens[1]
		}
	}
	return ""
}

// parseCgroupV2NodePath parses the cgroup node path from /proc/self/cgroup.
// It returns an empty string if cgroup v2 is not used.
func parseCgroupV2NodePath(r io.Reader) string {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// the node path is the last element of the line starting with "0::"
		if line := scanner.Text(); strings.HasPrefix(line, "0::") {
			return line[3:]
		}
	}
	return ""
}

// getCgroupV2Inode returns the cgroup v2 node inode prefixed with "in-", or
// an empty string when it cannot be determined. The agent maps the inode back
// to a container ID.
func getCgroupV2Inode(mountsPath, cgroupPath string) string {
	var cgroupMountPath string
	if f, err := os.Open(mountsPath); err == nil {
		defer f.Close()
		cgroupMountPath = parseCgroupV2MountPath(f)
	}
	var cgroupNodePath string
	if f, err := os.Open(cgroupPath); err == nil {
		defer f.Close()
		cgroupNodePath = parseCgroupV2NodePath(f)
	}
	if cgroupMountPath == "" || cgroupNodePath == "" {
		return ""
	}
	fi, err := os.Stat(filepath.Clean(filepath.Join(cgroupMountPath, cgroupNodePath)))
	if err != nil {
		return ""
	}
	stats, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return ""
	}
	return fmt.Sprintf("in-%d", stats.Ino)
}

// readEntityID returns the container ID when known, otherwise the cgroup v2
// node inode.
func readEntityID() string {
	if containerID != "" {
		return "cid-" + containerID
	}
	return getCgroupV2Inode(mountsPath, cgroupPath)
}

// EntityID identifies the container either by ID ("cid-<id>") or by cgroup v2
// node inode ("in-<inode>"). It is empty outside containers on hosts without
// cgroup v2.
func EntityID() string {
	return entityID
}
