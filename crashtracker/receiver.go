// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package crashtracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/DataDog/gostackparse"
	"golang.org/x/time/rate"

	"github.com/DataDog/ddprof-go/internal/log"
	"github.com/DataDog/ddprof-go/internal/uploader"
	"github.com/DataDog/ddprof-go/pprofile"
)

// receiverFD is where the tracker places the read end of the crash channel
// in the spawned receiver, right after stdin, stdout and stderr.
const receiverFD = 3

// Environment variables the tracker hands to the receiver it spawns.
const (
	envReceiver  = "DDPROF_CRASH_RECEIVER"
	envEndpoint  = "DDPROF_CRASH_ENDPOINT"
	envAPIKey    = "DDPROF_CRASH_API_KEY"
	envTags      = "DDPROF_CRASH_TAGS"
	envHostname  = "DDPROF_CRASH_HOSTNAME"
	envTimeout   = "DDPROF_CRASH_TIMEOUT"
	envTraceback = "DDPROF_CRASH_TRACEBACK"
)

// ReceiverConfig configures a crash receiver.
type ReceiverConfig struct {
	// In is the crash channel, normally the inherited pipe on receiverFD.
	In io.Reader
	// Endpoint is the profile intake crash reports are uploaded to.
	Endpoint string
	// APIKey enables agentless upload when set.
	APIKey string
	// Tags are added to every crash report.
	Tags []string
	// Hostname is reported on the upload.
	Hostname string
	// UploadTimeout bounds a single upload attempt.
	UploadTimeout time.Duration
	// TracebackPath optionally names the file holding the host's runtime
	// traceback; its goroutine stacks are attached to the crash report.
	TracebackPath string
	// Statsd counts receiver events. Defaults to a no-op client.
	Statsd uploader.StatsdClient
}

// ReceiverConfigFromEnv rebuilds the configuration the tracker passed through
// the environment when it spawned this process. In is left nil; the caller
// attaches the crash channel.
func ReceiverConfigFromEnv() ReceiverConfig {
	cfg := ReceiverConfig{
		Endpoint:      os.Getenv(envEndpoint),
		APIKey:        os.Getenv(envAPIKey),
		Hostname:      os.Getenv(envHostname),
		TracebackPath: os.Getenv(envTraceback),
	}
	if tags := os.Getenv(envTags); tags != "" {
		cfg.Tags = strings.Split(tags, ",")
	}
	if d, err := time.ParseDuration(os.Getenv(envTimeout)); err == nil {
		cfg.UploadTimeout = d
	}
	return cfg
}

// Receiver drains crash frames from the crash channel and turns each one into
// a crash report upload. It runs in its own process so it survives the host.
type Receiver struct {
	in            io.Reader
	up            *uploader.Uploader
	hostname      string
	tracebackPath string
	statsd        uploader.StatsdClient
	warnLimit     *rate.Limiter

	received  int
	discarded int
	reported  int
}

// NewReceiver validates cfg and builds the receiver and its uploader.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.In == nil {
		return nil, errors.New("crashtracker: receiver needs an input stream")
	}
	if cfg.Statsd == nil {
		cfg.Statsd = &statsd.NoOpClient{}
	}
	up, err := uploader.Builder{
		Endpoint:    cfg.Endpoint,
		APIKey:      cfg.APIKey,
		Timeout:     cfg.UploadTimeout,
		RetryBudget: 2,
		Tags:        cfg.Tags,
		Statsd:      cfg.Statsd,
	}.Build()
	if err != nil {
		return nil, err
	}
	return &Receiver{
		in:            cfg.In,
		up:            up,
		hostname:      cfg.Hostname,
		tracebackPath: cfg.TracebackPath,
		statsd:        cfg.Statsd,
		warnLimit:     rate.NewLimiter(rate.Every(time.Second), 5),
	}, nil
}

// Run reads frames until the crash channel reports EOF, which happens when
// the host closes the write end (orderly Disable) or dies after a crash.
// Malformed frames are discarded and counted; frames are fixed-size, so the
// next read starts at a frame boundary again.
func (r *Receiver) Run(ctx context.Context) error {
	frame := make([]byte, FrameSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := io.ReadFull(r.in, frame)
		switch {
		case err == io.EOF:
			return nil
		case err == io.ErrUnexpectedEOF:
			r.discarded++
			log.Warn("Discarding truncated frame at crash channel end")
			return nil
		case err != nil:
			return fmt.Errorf("reading crash channel: %v", err)
		}
		r.received++
		c, err := DecodeFrame(frame)
		if err != nil {
			r.discarded++
			if r.warnLimit.Allow() {
				log.Warn("Discarding malformed crash frame: %v", err)
			}
			continue
		}
		if err := r.report(ctx, c); err != nil {
			log.Error("Failed to upload crash report: %v", err)
			continue
		}
		r.reported++
	}
}

// Stats returns the frame counters. Only meaningful after Run has returned.
func (r *Receiver) Stats() (received, discarded, reported int) {
	return r.received, r.discarded, r.reported
}

// report turns one crash context into a profile upload: an exception sample
// carrying the crash stack, plus one sample per goroutine when a runtime
// traceback is available.
func (r *Receiver) report(ctx context.Context, c *CrashContext) error {
	ts := time.Unix(0, c.Timestamp).UTC()
	if c.Timestamp == 0 {
		ts = time.Now().UTC()
	}
	prof := &pprofile.Profile{Start: ts, End: ts}
	crash := &pprofile.Sample{
		Type:   pprofile.ExceptionSample,
		Values: []int64{1},
		Labels: []pprofile.Label{
			{Key: "signal", Str: c.SignalName()},
			{Key: "pid", Num: int64(c.PID), NumUnit: "id"},
			{Key: "tid", Num: int64(c.TID), NumUnit: "id"},
		},
		Timestamp: c.Timestamp,
	}
	for _, pc := range c.Stack {
		crash.Stack = append(crash.Stack, pprofile.Frame{Addr: pc})
	}
	prof.AddSample(crash)
	if r.tracebackPath != "" {
		r.attachTraceback(prof, c.Timestamp)
	}

	bundle, err := prof.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding crash report: %v", err)
	}
	pp, err := prof.Pprof()
	if err != nil {
		return fmt.Errorf("building crash pprof: %v", err)
	}
	var pbuf bytes.Buffer
	if err := pp.Write(&pbuf); err != nil {
		return fmt.Errorf("encoding crash pprof: %v", err)
	}
	err = r.up.Upload(ctx, &uploader.EncodedProfile{
		Start: ts,
		End:   ts,
		Host:  r.hostname,
		Attachments: []uploader.Attachment{
			{Name: "crash.bin", Data: bundle},
			{Name: "crash.pprof", Data: pbuf.Bytes(), Gzipped: true},
		},
		Tags: append(c.Tags, "crash:1", "signal:"+c.SignalName()),
	})
	if err != nil {
		return err
	}
	r.statsd.Count("datadog.profiling.native.crash.report_sent", 1, nil, 1)
	return nil
}

// attachTraceback parses the host's runtime traceback and adds one exception
// sample per goroutine, mirroring how the runtime prints them: the creating
// frame is appended to the stack and elided frames get a virtual entry.
func (r *Receiver) attachTraceback(prof *pprofile.Profile, ts int64) {
	f, err := os.Open(r.tracebackPath)
	if err != nil {
		log.Debug("No runtime traceback at %s: %v", r.tracebackPath, err)
		return
	}
	defer f.Close()
	goroutines, errs := parseTraceback(f)
	for _, e := range errs {
		log.Debug("Traceback parse: %v", e)
	}
	for _, g := range goroutines {
		s := &pprofile.Sample{
			Type:   pprofile.ExceptionSample,
			Values: []int64{1},
			Labels: []pprofile.Label{
				{Key: "goroutine", Num: int64(g.ID), NumUnit: "id"},
				{Key: "state", Str: g.State},
			},
			Timestamp: ts,
		}
		if g.CreatedBy != nil {
			g.Stack = append(g.Stack, g.CreatedBy)
		}
		if g.FramesElided {
			g.Stack = append(g.Stack, &gostackparse.Frame{
				Func: "...additional frames elided...",
			})
		}
		for _, call := range g.Stack {
			s.Stack = append(s.Stack, pprofile.Frame{Symbol: call.Func})
		}
		prof.AddSample(s)
	}
}

// parseTraceback wraps gostackparse.Parse so a panic on unexpected input
// surfaces as an error instead of killing the receiver.
func parseTraceback(in io.Reader) (goroutines []*gostackparse.Goroutine, errs []error) {
	defer func() {
		if p := recover(); p != nil {
			errs = append(errs, fmt.Errorf("panic: %v", p))
		}
	}()
	return gostackparse.Parse(in)
}

// MaybeRunReceiver runs the crash receive loop if this process was spawned as
// a crash receiver and reports whether it did. Programs that enable crash
// tracking without a dedicated receiver executable must call it first thing
// in main and exit when it returns true.
func MaybeRunReceiver() bool {
	if os.Getenv(envReceiver) == "" {
		return false
	}
	cfg := ReceiverConfigFromEnv()
	cfg.In = os.NewFile(receiverFD, "crash-channel")
	r, err := NewReceiver(cfg)
	if err != nil {
		log.Error("Crash receiver setup failed: %v", err)
		return true
	}
	if err := r.Run(context.Background()); err != nil {
		log.Error("Crash receiver exited: %v", err)
	}
	return true
}
