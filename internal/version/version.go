// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

// Package version reports the library version attached to every upload.
package version

// Tag specifies the current release tag. It needs to be manually updated. A
// test checks that the value of Tag never points to a git tag that is older
// than HEAD.
const Tag = "v0.3.0"
