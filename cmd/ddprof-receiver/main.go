// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

// ddprof-receiver is the standalone crash receiver. The profiler spawns it
// with the crash channel on file descriptor 3 and its settings in the
// environment; it outlives the host process and uploads a crash report for
// every frame it receives.
//
// The -test-frame flag decodes a single frame from stdin and exits, which
// lets deployments verify the binary and the frame schema without crashing
// anything.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/DataDog/ddprof-go/crashtracker"
	"github.com/DataDog/ddprof-go/internal/log"
	"github.com/DataDog/ddprof-go/internal/version"
)

// crashChannelFD is where the spawning tracker places the read end of the
// crash channel.
const crashChannelFD = 3

type logrusBridge struct{}

func (logrusBridge) Log(msg string) { logrus.Info(msg) }

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:          true,
		TimestampFormat:        "2006-01-02T15:04:05Z",
		DisableLevelTruncation: true,
	})

	testFrame := flag.Bool("test-frame", false, "decode one crash frame from stdin, print it, and exit")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
		log.SetLevel(log.LevelDebug)
	}
	undo := log.UseLogger(logrusBridge{})
	defer undo()

	if *testFrame {
		runTestFrame()
		return
	}

	logrus.Infof("ddprof receiver %s starting (pid %d)", version.Tag, os.Getpid())

	cfg := crashtracker.ReceiverConfigFromEnv()
	cfg.In = os.NewFile(crashChannelFD, "crash-channel")
	if cfg.Endpoint == "" {
		logrus.Fatal("no intake endpoint in the environment; this binary is meant to be spawned by the crash tracker")
	}
	rec, err := crashtracker.NewReceiver(cfg)
	if err != nil {
		logrus.Fatalf("receiver setup: %v", err)
	}
	if err := rec.Run(context.Background()); err != nil {
		logrus.Fatalf("receiver: %v", err)
	}
	received, discarded, reported := rec.Stats()
	logrus.Infof("crash channel closed: %d frames received, %d discarded, %d reports sent", received, discarded, reported)
}

func runTestFrame() {
	frame := make([]byte, crashtracker.FrameSize)
	if _, err := io.ReadFull(os.Stdin, frame); err != nil {
		logrus.Fatalf("reading frame from stdin: %v", err)
	}
	c, err := crashtracker.DecodeFrame(frame)
	if err != nil {
		logrus.Fatalf("decoding frame: %v", err)
	}
	logrus.WithFields(logrus.Fields{
		"signal": c.SignalName(),
		"pid":    c.PID,
		"tid":    c.TID,
		"time":   time.Unix(0, c.Timestamp).UTC().Format(time.RFC3339Nano),
		"stack":  len(c.Stack),
		"tags":   strings.Join(c.Tags, ","),
	}).Info("frame ok")
}
