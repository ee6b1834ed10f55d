// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LoggerFile is the name of the file the profiler logs to when log directory
// output is configured.
const LoggerFile = "ddprof.log"

// ManagedFile functions like a *os.File but is safe for concurrent use.
type ManagedFile struct {
	mu     sync.RWMutex
	file   *os.File
	closed bool
}

// OpenFileAtPath creates a managed log file in the given directory, sets it
// as the active logger output, and returns it. The caller must call Close
// when the file is no longer needed.
func OpenFileAtPath(dir string) (*ManagedFile, error) {
	path, err := os.Stat(dir)
	if err != nil || !path.IsDir() {
		return nil, fmt.Errorf("log directory %v: %v", dir, err)
	}
	fp := filepath.Join(dir, LoggerFile)
	f, err := os.OpenFile(fp, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %v: %v", fp, err)
	}
	mf := &ManagedFile{file: f}
	UseLogger(&fileLogger{mf: mf})
	return mf, nil
}

// Close closes the underlying file. It is safe to call multiple times and
// from multiple goroutines.
func (m *ManagedFile) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if err := m.file.Close(); err != nil {
		Warn("closing log file: %v", err)
	}
	m.closed = true
}

type fileLogger struct{ mf *ManagedFile }

func (f *fileLogger) Log(msg string) {
	f.mf.mu.RLock()
	defer f.mf.mu.RUnlock()
	if f.mf.closed {
		return
	}
	f.mf.file.WriteString(msg + "\n")
}
