// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

// Package profiler implements the caller-facing surface of the profiling
// engine: it accepts samples recorded by an instrumentation layer, aggregates
// them into interval profiles, and uploads the rotated profiles to Datadog.
package profiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/ddprof-go/crashtracker"
	"github.com/DataDog/ddprof-go/internal/container"
	"github.com/DataDog/ddprof-go/internal/log"
	"github.com/DataDog/ddprof-go/internal/uploader"
	"github.com/DataDog/ddprof-go/pprofile"
)

// SampleType identifies the kind of event a recorded sample measures.
type SampleType = pprofile.SampleType

// The supported sample types.
const (
	CPUSample       = pprofile.CPUSample
	WallSample      = pprofile.WallSample
	AllocSample     = pprofile.AllocSample
	LockSample      = pprofile.LockSample
	ExceptionSample = pprofile.ExceptionSample
)

// Label attaches caller-supplied context to a sample.
type Label = pprofile.Label

// outChannelSize specifies the size of the profile output channel.
const outChannelSize = 5

var (
	mu             sync.Mutex // serializes Start and Stop
	activeProfiler atomic.Pointer[profiler]
	containerID    = container.ID()       // replaced in tests
	entityID       = container.EntityID() // replaced in tests
)

// ErrNotStarted is returned by operations that need a running profiler.
var ErrNotStarted = errors.New("profiler: not started")

// ErrFlushLimited is returned when Flush is called more often than the
// backend protection limit allows.
var ErrFlushLimited = errors.New("profiler: flush rate limit exceeded")

// UploadStatus reports the outcome of one profile upload.
type UploadStatus struct {
	// Seq is the sequence number of the uploaded profile.
	Seq uint64
	// Samples is the number of samples the profile carried.
	Samples int
	// Err is nil if the upload was accepted. A *uploader.PermanentError
	// means the backend rejected the profile and it was not retried.
	Err error
}

// Start starts the profiler. It may return an error if agentless uploading
// is enabled without a valid API key, or if a hostname is not found.
func Start(opts ...Option) error {
	mu.Lock()
	defer mu.Unlock()
	if p := activeProfiler.Load(); p != nil {
		p.stop()
		activeProfiler.Store(nil)
	}
	p, err := newProfiler(opts...)
	if err != nil {
		return err
	}
	activeProfiler.Store(p)
	p.run()
	return nil
}

// Stop stops the profiler, flushing and uploading the samples of the current
// interval with a bounded grace period.
func Stop() {
	mu.Lock()
	defer mu.Unlock()
	if p := activeProfiler.Load(); p != nil {
		p.stop()
		activeProfiler.Store(nil)
	}
}

// RecordSample records one measurement: the call stack it was taken at, the
// values per the sample type's schema, and optional labels. It reports
// whether the sample was recorded. A false return with a nil error means the
// sample was dropped (pool exhausted, counted in the profile's drop
// counters) or its type is not enabled. RecordSample never blocks on I/O and
// is safe for concurrent use.
func RecordSample(stack []uint64, typ SampleType, values []int64, labels ...Label) (bool, error) {
	p := activeProfiler.Load()
	if p == nil {
		return false, ErrNotStarted
	}
	return p.sampler.sample(stack, typ, values, labels)
}

// RecordCodeUnit registers the code unit loaded at the address range
// [lo, hi) for symbolication. Later registrations shadow earlier overlapping
// ones. Profiles rotated before a registration do not see it.
func RecordCodeUnit(lo, hi uint64, unitID, version string) error {
	p := activeProfiler.Load()
	if p == nil {
		return ErrNotStarted
	}
	p.sampler.prov.Record(lo, hi, unitID, version)
	return nil
}

// Flush forces an out-of-cycle rotation. The rotated profile is queued for
// upload and returned to the caller; it must be treated as immutable. Flush
// calls are rate limited. A Flush that races Stop returns ErrNotStarted.
func Flush() (*pprofile.Profile, error) {
	p := activeProfiler.Load()
	if p == nil {
		return nil, ErrNotStarted
	}
	return p.flush()
}

// EnableCrashTracking arms the crash tracker using the running profiler's
// upload configuration. The receiver executable at path is spawned as a
// companion process that survives the host and uploads a crash report if a
// fatal signal kills the host. An empty path re-runs the current executable
// in receiver mode.
func EnableCrashTracking(path string) error {
	p := activeProfiler.Load()
	if p == nil {
		return ErrNotStarted
	}
	return p.enableCrashTracking(path)
}

// DisableCrashTracking restores the default fatal signal dispositions and
// shuts down the receiver process. It is safe to call at any time.
func DisableCrashTracking() {
	crashtracker.Disable()
}

// OnFork must be called in a child process after a fork. It discards the
// samples and drop counters inherited from the parent, regenerates the pid
// and runtime-id identity tags, resets the runtime metrics baseline, and
// re-arms the crash tracker with a fresh receiver for the child pid.
func OnFork() {
	p := activeProfiler.Load()
	if p == nil {
		return
	}
	if err := p.onFork(); err != nil {
		log.Error("Failed to re-identify profiler after fork: %v", err)
	}
	if err := crashtracker.Refork(p.cfg.tags); err != nil {
		log.Error("Failed to re-arm crash tracker after fork: %v", err)
	}
}

// profiler accumulates recorded samples and uploads the rotated profiles to
// the Datadog API at a given frequency using a given configuration.
type profiler struct {
	cfg           *config                        // profile configuration
	sampler       *sampler                       // owns the active interval
	uploader      *uploader.Uploader             // transport, immutable
	out           chan *pprofile.Profile         // upload queue
	outMu         sync.Mutex                     // serializes sends on out with its close
	outClosed     bool                           // set before out is closed; no sends after
	uploadFunc    func(*pprofile.Profile) error  // defaults to (*profiler).upload; replaced in tests
	exit          chan struct{}                  // exit signals the profiler to stop; it is closed after stopping
	stopOnce      sync.Once                      // stopOnce ensures the profiler is stopped exactly once.
	wg            sync.WaitGroup                 // wg waits for all goroutines to exit when stopping.
	met           *metrics                       // runtime metric collector state
	flushMu       sync.Mutex                     // guards flushLimiter
	flushLimiter  *rateLimiter                   // bounds out-of-cycle flushes
	logFile       *log.ManagedFile               // closed on stop when WithLogDirectory is used
	uploadCtx     context.Context                // canceled to abandon in-flight uploads
	cancelUploads context.CancelFunc
}

// newProfiler creates a new, unstarted profiler.
func newProfiler(opts ...Option) (*profiler, error) {
	cfg, err := defaultConfig()
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	var logFile *log.ManagedFile
	if cfg.logDirectory != "" {
		logFile, err = log.OpenFileAtPath(cfg.logDirectory)
		if err != nil {
			log.Error("Failed to create log file in %s: %v", cfg.logDirectory, err)
		}
	}
	if cfg.agentless {
		if !uploader.IsAPIKeyValid(cfg.apiKey) {
			return nil, errors.New("profiler.WithAgentlessUpload requires a valid API key. Use profiler.WithAPIKey or the DD_API_KEY env variable to set it")
		}
		log.Warn("profiler.WithAgentlessUpload is enabled. Profiles are sent directly to the Datadog intake, bypassing any local agent.")
		cfg.targetURL = cfg.apiURL
	} else {
		if cfg.apiKey != "" {
			log.Warn("profiler.WithAPIKey is ignored unless agentless uploading is enabled with profiler.WithAgentlessUpload. Profiles will be uploaded to the agent.")
		}
		cfg.targetURL = cfg.agentURL
	}
	if cfg.hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			if cfg.targetURL == cfg.apiURL {
				return nil, fmt.Errorf("could not obtain hostname: %v", err)
			}
			log.Warn("unable to look up hostname: %v", err)
		}
		cfg.hostname = hostname
	}
	// uploadTimeout defaults to DefaultUploadTimeout, but in theory a user
	// might set it to 0 or a negative value. Not having a timeout is
	// dangerous, having one that fires immediately breaks uploading, and
	// silently defaulting is confusing. So don't allow such values.
	if cfg.uploadTimeout <= 0 {
		return nil, fmt.Errorf("invalid upload timeout, must be > 0: %s", cfg.uploadTimeout)
	}
	if cfg.period <= 0 {
		return nil, fmt.Errorf("invalid period, must be > 0: %s", cfg.period)
	}
	cfg.tags = append(cfg.tags, "service:"+cfg.service, "env:"+cfg.env)

	smp, err := newSampler(cfg)
	if err != nil {
		return nil, err
	}
	up, err := newUploader(cfg)
	if err != nil {
		return nil, err
	}
	uploadCtx, cancel := context.WithCancel(context.Background())
	p := profiler{
		cfg:           cfg,
		sampler:       smp,
		uploader:      up,
		out:           make(chan *pprofile.Profile, outChannelSize),
		exit:          make(chan struct{}),
		met:           newMetrics(),
		flushLimiter:  newRateLimiter(flushLimit, flushLimitPeriod),
		logFile:       logFile,
		uploadCtx:     uploadCtx,
		cancelUploads: cancel,
	}
	p.uploadFunc = p.upload
	return &p, nil
}

func newUploader(cfg *config) (*uploader.Uploader, error) {
	var apiKey string
	if cfg.agentless {
		apiKey = cfg.apiKey
	}
	return uploader.Builder{
		Endpoint:    cfg.targetURL,
		APIKey:      apiKey,
		Compression: cfg.compression,
		Timeout:     cfg.uploadTimeout,
		RetryBudget: cfg.retryBudget,
		Tags:        cfg.tags,
		ContainerID: containerID,
		EntityID:    entityID,
		HTTPClient:  cfg.httpClient,
		Statsd:      cfg.statsd,
	}.Build()
}

// run runs the profiler.
func (p *profiler) run() {
	if p.cfg.crashTracking {
		if err := p.enableCrashTracking(p.cfg.receiverPath); err != nil {
			log.Error("Failed to arm the crash tracker: %v", err)
		}
	}
	p.met.reset(now()) // collect baseline metrics at profiler start
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		tick := time.NewTicker(p.cfg.period)
		defer tick.Stop()
		p.collect(tick.C)
	}()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.send()
	}()
}

// collect rotates the active interval whenever the ticker fires and queues
// the rotated profile for upload. On exit it performs one final rotation so
// the tail interval is not lost.
func (p *profiler) collect(ticker <-chan time.Time) {
	defer func() {
		p.outMu.Lock()
		p.outClosed = true
		close(p.out)
		p.outMu.Unlock()
	}()
	for {
		select {
		case <-ticker:
			start := now()
			prof := p.sampler.rotate(start)
			p.cfg.statsd.Timing("datadog.profiling.native.collect_time", time.Since(start), p.cfg.tags, 1)
			p.enqueueUpload(prof)
		case <-p.exit:
			p.enqueueUpload(p.sampler.rotate(now()))
			return
		}
	}
}

// enqueueUpload pushes a rotated profile onto the queue to be uploaded. If
// there is no room, it will evict the oldest profile to make some. It
// reports whether the profile was accepted; a profiler that has already
// stopped refuses it rather than racing the queue's close.
func (p *profiler) enqueueUpload(prof *pprofile.Profile) bool {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	if p.outClosed {
		return false
	}
	for {
		select {
		case p.out <- prof:
			return true
		default:
			// queue is full; evict oldest
			select {
			case <-p.out:
				atomic.AddUint64(&p.sampler.drops.queueEvicted, 1)
				p.cfg.statsd.Count("datadog.profiling.native.queue_evict", 1, p.cfg.tags, 1)
				log.Warn("Evicting one profile batch from the upload queue to make room.")
			default:
				// this case should be almost impossible to trigger, it would require a
				// full p.out to completely drain within nanoseconds or extreme
				// scheduling decisions by the runtime.
			}
		}
	}
}

// send takes profiles from the output queue and uploads them.
func (p *profiler) send() {
	for prof := range p.out {
		err := p.uploadFunc(prof)
		if err != nil {
			atomic.AddUint64(&p.sampler.drops.uploadFailed, 1)
			p.cfg.statsd.Count("datadog.profiling.native.upload_error", 1, p.cfg.tags, 1)
			log.Error("Failed to upload profile: %v", err)
		}
		if p.cfg.uploadStatus != nil {
			p.cfg.uploadStatus(UploadStatus{Seq: prof.Seq, Samples: prof.NumSamples(), Err: err})
		}
	}
}

// flush rotates out of cycle, queues the profile for upload and hands it to
// the caller.
func (p *profiler) flush() (*pprofile.Profile, error) {
	p.flushMu.Lock()
	p.flushLimiter.activate()
	allowed := p.flushLimiter.allow()
	p.flushMu.Unlock()
	if !allowed {
		return nil, ErrFlushLimited
	}
	prof := p.sampler.rotate(now())
	if !p.enqueueUpload(prof) {
		return nil, ErrNotStarted
	}
	return prof, nil
}

// onFork re-identifies the profiler for a forked child: the inherited
// samples are discarded, the pid and runtime-id tags are regenerated, the
// uploader is rebuilt so its reports carry the new identity, and the drop
// counters start over. The parent's history stays with the parent.
func (p *profiler) onFork() error {
	p.sampler.discard(now())
	p.sampler.resetCounters()
	p.met.reset(now())
	p.cfg.tags = refreshIdentityTags(p.cfg.tags)
	p.sampler.tags = p.cfg.tags
	up, err := newUploader(p.cfg)
	if err != nil {
		return err
	}
	p.uploader = up
	return nil
}

func (p *profiler) enableCrashTracking(path string) error {
	var apiKey string
	if p.cfg.agentless {
		apiKey = p.cfg.apiKey
	}
	return crashtracker.Enable(crashtracker.Config{
		ReceiverPath:  path,
		Endpoint:      p.cfg.targetURL,
		APIKey:        apiKey,
		Tags:          p.cfg.tags,
		Hostname:      p.cfg.hostname,
		UploadTimeout: p.cfg.uploadTimeout,
	})
}

// stop stops the profiler. In-flight uploads get a grace period of one
// upload timeout, then they are abandoned.
func (p *profiler) stop() {
	p.stopOnce.Do(func() {
		close(p.exit)
		time.AfterFunc(p.cfg.uploadTimeout, p.cancelUploads)
	})
	p.wg.Wait()
	p.cancelUploads()
	if p.cfg.crashTracking {
		crashtracker.Disable()
	}
	if p.logFile != nil {
		p.logFile.Close()
	}
}

// StatsdClient implementations can count and time certain event occurrences that happen
// in the profiler.
type StatsdClient interface {
	// Count counts how many times an event happened, at the given rate using the given tags.
	Count(event string, times int64, tags []string, rate float64) error
	// Timing creates a distribution of the values registered as the duration of a certain event.
	Timing(event string, duration time.Duration, tags []string, rate float64) error
}

func now() time.Time {
	return time.Now().UTC()
}
