// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package profiler

import (
	"github.com/DataDog/ddprof-go/internal/log"
)

// Logger implementations are able to log given messages that the profiler
// might emit.
type Logger interface {
	// Log prints the given message.
	Log(msg string)
}

// UseLogger sets l as the logger for all messages emitted by the profiler
// and the crash tracker. It returns a function restoring the previous
// logger. By default messages go to the standard library logger on stderr.
func UseLogger(l Logger) (undo func()) {
	return log.UseLogger(l)
}
