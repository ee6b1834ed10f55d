// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

//go:build !unix

package crashtracker

import "errors"

// Crash tracking needs signal dispositions and inherited descriptors that
// only exist on unix; everywhere else Enable reports the platform gap.

type tracker struct {
	cfg Config
}

func arm(Config) (*tracker, error) {
	return nil, errors.New("crashtracker: not supported on this platform")
}

func (t *tracker) disarm(bool) {}

func (t *tracker) state() State { return Disabled }
