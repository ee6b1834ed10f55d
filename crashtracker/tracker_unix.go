// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

//go:build unix

package crashtracker

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/DataDog/ddprof-go/internal/log"
)

// fatalSignals are the signals the watcher arms for. Synchronous signals
// raised by Go code surface as runtime panics before reaching the watcher;
// the watcher sees externally delivered fatal signals and faults forwarded
// from native code.
var fatalSignals = []os.Signal{
	syscall.SIGSEGV,
	syscall.SIGBUS,
	syscall.SIGFPE,
	syscall.SIGILL,
	syscall.SIGABRT,
	syscall.SIGTRAP,
}

// receiverExitGrace bounds how long Disable waits for the receiver to drain
// the crash channel and exit before killing it.
const receiverExitGrace = 5 * time.Second

type tracker struct {
	cfg Config
	st  atomic.Int32

	// frame and pcs are allocated while arming. The crash path only ever
	// writes into them; it must not allocate or take locks.
	frame []byte
	pcs   [MaxStack]uintptr

	wfile *os.File // keeps the fd alive; the crash path writes via wfd
	wfd   int
	cmd   *exec.Cmd

	sigCh chan os.Signal
	stop  chan struct{}
}

// arm spawns the receiver, builds the crash frame template, and installs the
// signal watcher. Called with the package mutex held.
func arm(cfg Config) (*tracker, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("crashtracker: creating crash channel: %v", err)
	}
	exe := cfg.ReceiverPath
	if exe == "" {
		exe, err = os.Executable()
		if err != nil {
			r.Close()
			w.Close()
			return nil, fmt.Errorf("crashtracker: resolving receiver executable: %v", err)
		}
	}
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(),
		envReceiver+"=1",
		envEndpoint+"="+cfg.Endpoint,
		envAPIKey+"="+cfg.APIKey,
		envTags+"="+strings.Join(cfg.Tags, ","),
		envHostname+"="+cfg.Hostname,
		envTimeout+"="+cfg.UploadTimeout.String(),
		envTraceback+"="+cfg.TracebackPath,
	)
	cmd.ExtraFiles = []*os.File{r} // becomes receiverFD in the child
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("crashtracker: starting receiver %s: %v", exe, err)
	}
	r.Close() // the receiver holds the read end now

	tags := fitTags(cfg.Tags)
	if len(tags) < len(cfg.Tags) {
		log.Warn("Dropping %d tags from the crash frame to fit the tag budget", len(cfg.Tags)-len(tags))
	}
	frame, err := EncodeFrame(&CrashContext{
		PID:  uint32(os.Getpid()),
		Tags: tags,
	})
	if err != nil {
		w.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}

	t := &tracker{
		cfg:   cfg,
		frame: frame,
		wfile: w,
		wfd:   int(w.Fd()),
		cmd:   cmd,
		sigCh: make(chan os.Signal, len(fatalSignals)),
		stop:  make(chan struct{}),
	}
	t.st.Store(int32(Armed))
	signal.Notify(t.sigCh, fatalSignals...)
	go t.watch()
	log.Debug("Crash tracking armed, receiver pid %d", cmd.Process.Pid)
	return t, nil
}

func (t *tracker) state() State {
	return State(t.st.Load())
}

func (t *tracker) watch() {
	for {
		select {
		case sig := <-t.sigCh:
			t.trigger(sig.(syscall.Signal))
			return
		case <-t.stop:
			return
		}
	}
}

// trigger runs once per process when a fatal signal arrives: hand the crash
// context to the receiver, then restore the default disposition and re-raise
// so the process dies with the original signal.
func (t *tracker) trigger(sig syscall.Signal) {
	if !t.emit(sig) {
		return
	}
	signal.Reset(sig)
	unix.Kill(os.Getpid(), sig)
}

// emit captures the crash context and writes it to the crash channel in a
// single syscall. Everything works on pre-allocated state; the crash path
// must not allocate or take locks. Reports whether this call won the Armed
// to Triggered transition.
func (t *tracker) emit(sig syscall.Signal) bool {
	if !t.st.CompareAndSwap(int32(Armed), int32(Triggered)) {
		return false
	}
	n := runtime.Callers(3, t.pcs[:])
	fillVolatile(t.frame, int32(sig), 0, gettid(), time.Now().UnixNano(), t.pcs[:n])
	unix.Write(t.wfd, t.frame)
	t.st.Store(int32(ReceiverFinalizing))
	return true
}

// disarm stops the watcher and closes the crash channel. Closing the write
// end is what tells the receiver to finish: it drains the pipe, sees EOF, and
// exits. reap is false when disarming inherited parent state after a fork;
// the receiver is the parent's child, not ours.
func (t *tracker) disarm(reap bool) {
	if !t.st.CompareAndSwap(int32(Armed), int32(Disabled)) {
		return
	}
	signal.Stop(t.sigCh)
	close(t.stop)
	t.wfile.Close()
	if !reap {
		return
	}
	done := make(chan struct{})
	go func() {
		t.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(receiverExitGrace):
		log.Warn("Crash receiver did not exit within %s, killing it", receiverExitGrace)
		t.cmd.Process.Kill()
		<-done
	}
}
