// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package profiler

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/DataDog/ddprof-go/internal/log"
	"github.com/DataDog/ddprof-go/internal/osinfo"
	"github.com/DataDog/ddprof-go/internal/version"
	"github.com/DataDog/ddprof-go/pprofile"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/google/uuid"
)

const (
	// DefaultPeriod specifies the default period at which profiles are
	// rotated and uploaded.
	DefaultPeriod = time.Minute

	// DefaultPoolCapacity is the number of pre-allocated sample slots. It
	// bounds how many samples a single profile interval can hold.
	DefaultPoolCapacity = 2048

	// DefaultRetryBudget is the number of times a failed upload is retried
	// before the profile is dropped and counted.
	DefaultRetryBudget = 2

	// DefaultUploadTimeout is the timeout for a single upload attempt.
	DefaultUploadTimeout = 10 * time.Second
)

const (
	defaultAPIURL    = "https://intake.profile.datadoghq.com/v1/input"
	defaultAgentHost = "localhost"
	defaultAgentPort = "8126"
	defaultEnv       = "none"

	// Out-of-cycle Flush calls are bounded to protect the backend from
	// callers flushing in a loop.
	flushLimit       = 15
	flushLimitPeriod = time.Minute
)

var defaultClient = &http.Client{
	// We copy the transport to avoid using the default one, as it might be
	// augmented with tracing and we don't want these calls to be recorded.
	// See https://golang.org/pkg/net/http/#DefaultTransport .
	Transport: &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	},
	Timeout: DefaultUploadTimeout,
}

var defaultSampleTypes = []pprofile.SampleType{
	pprofile.CPUSample,
	pprofile.WallSample,
	pprofile.AllocSample,
	pprofile.LockSample,
	pprofile.ExceptionSample,
}

type config struct {
	apiKey    string
	agentless bool
	// targetURL is the upload destination URL. It will be set by the
	// profiler on start to either apiURL or agentURL based on the other
	// options.
	targetURL     string
	apiURL        string // apiURL is the Datadog intake API URL
	agentURL      string // agentURL is the Datadog agent profiling URL
	service, env  string
	hostname      string
	statsd        StatsdClient
	httpClient    *http.Client
	tags          []string
	types         map[pprofile.SampleType]struct{}
	period        time.Duration
	poolCapacity  int
	retryBudget   int
	uploadTimeout time.Duration
	compression   string
	logDirectory  string
	receiverPath  string
	crashTracking bool
	uploadStatus  func(UploadStatus)
}

func urlForSite(site string) (string, error) {
	u := fmt.Sprintf("https://intake.profile.%s/v1/input", site)
	_, err := url.Parse(u)
	return u, err
}

func (c *config) addSampleType(t pprofile.SampleType) {
	if c.types == nil {
		c.types = make(map[pprofile.SampleType]struct{})
	}
	c.types[t] = struct{}{}
}

func defaultConfig() (*config, error) {
	c := config{
		env:           defaultEnv,
		apiURL:        defaultAPIURL,
		service:       filepath.Base(os.Args[0]),
		statsd:        &statsd.NoOpClient{},
		httpClient:    defaultClient,
		period:        DefaultPeriod,
		poolCapacity:  DefaultPoolCapacity,
		retryBudget:   DefaultRetryBudget,
		uploadTimeout: DefaultUploadTimeout,
		tags:          []string{fmt.Sprintf("pid:%d", os.Getpid())},
	}
	for _, t := range defaultSampleTypes {
		c.addSampleType(t)
	}

	agentHost, agentPort := defaultAgentHost, defaultAgentPort
	if v := os.Getenv("DD_AGENT_HOST"); v != "" {
		agentHost = v
	}
	if v := os.Getenv("DD_TRACE_AGENT_PORT"); v != "" {
		agentPort = v
	}
	WithAgentAddr(net.JoinHostPort(agentHost, agentPort))(&c)
	if v := os.Getenv("DD_API_KEY"); v != "" {
		WithAPIKey(v)(&c)
	}
	if v := os.Getenv("DD_PROFILING_AGENTLESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("DD_PROFILING_AGENTLESS: %v", err)
		}
		if b {
			WithAgentlessUpload()(&c)
		}
	}
	if v := os.Getenv("DD_PROFILING_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("DD_PROFILING_DEBUG: %v", err)
		}
		if b {
			log.SetLevel(log.LevelDebug)
		}
	}
	if v := os.Getenv("DD_SITE"); v != "" {
		WithSite(v)(&c)
	}
	if v := os.Getenv("DD_HOSTNAME"); v != "" {
		WithHostname(v)(&c)
	}
	if v := os.Getenv("DD_ENV"); v != "" {
		WithEnv(v)(&c)
	}
	if v := os.Getenv("DD_SERVICE"); v != "" {
		WithService(v)(&c)
	}
	if v := os.Getenv("DD_VERSION"); v != "" {
		WithVersion(v)(&c)
	}
	if v := os.Getenv("DD_PROFILING_UPLOAD_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("DD_PROFILING_UPLOAD_PERIOD: %v", err)
		}
		WithPeriod(d)(&c)
	}
	if v := os.Getenv("DD_PROFILING_UPLOAD_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("DD_PROFILING_UPLOAD_TIMEOUT: %v", err)
		}
		WithUploadTimeout(d)(&c)
	}
	if v := os.Getenv("DD_PROFILING_POOL_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("DD_PROFILING_POOL_CAPACITY: %v", err)
		}
		WithPoolCapacity(n)(&c)
	}
	if v := os.Getenv("DD_PROFILING_COMPRESSION"); v != "" {
		WithCompression(v)(&c)
	}
	if v := os.Getenv("DD_TAGS"); v != "" {
		sep := " "
		if strings.Index(v, ",") > -1 {
			// falling back to comma as separator
			sep = ","
		}
		for _, tag := range strings.Split(v, sep) {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				continue
			}
			WithTags(tag)(&c)
		}
	}
	WithTags(
		"profiler_version:"+version.Tag,
		"runtime_version:"+strings.TrimPrefix(runtime.Version(), "go"),
		"runtime_compiler:"+runtime.Compiler,
		"runtime_arch:"+runtime.GOARCH,
		"runtime_os:"+runtime.GOOS,
		"os_name:"+osinfo.OSName(),
		"os_version:"+osinfo.OSVersion(),
		"runtime-id:"+uuid.NewString(),
	)(&c)
	// not for public use
	if v := os.Getenv("DD_PROFILING_URL"); v != "" {
		WithURL(v)(&c)
	}
	return &c, nil
}

// refreshIdentityTags returns a copy of tags with the pid and runtime-id
// values replaced by the current process identity. A forked child calls
// this so its uploads are not attributed to the parent.
func refreshIdentityTags(tags []string) []string {
	out := make([]string, len(tags))
	for i, tag := range tags {
		switch {
		case strings.HasPrefix(tag, "pid:"):
			out[i] = fmt.Sprintf("pid:%d", os.Getpid())
		case strings.HasPrefix(tag, "runtime-id:"):
			out[i] = "runtime-id:" + uuid.NewString()
		default:
			out[i] = tag
		}
	}
	return out
}

// An Option is used to configure the profiler's behaviour.
type Option func(*config)

// WithAgentAddr specifies the address to use when reaching the Datadog Agent.
func WithAgentAddr(hostport string) Option {
	return func(cfg *config) {
		cfg.agentURL = "http://" + hostport + "/profiling/v1/input"
	}
}

// WithAPIKey sets the Datadog API key to use. It has no effect unless
// agentless uploading is enabled via WithAgentlessUpload.
func WithAPIKey(key string) Option {
	return func(cfg *config) {
		cfg.apiKey = key
	}
}

// WithAgentlessUpload enables uploading directly to the Datadog intake
// instead of going through a local agent. It requires a valid API key set
// via WithAPIKey or DD_API_KEY.
func WithAgentlessUpload() Option {
	return func(cfg *config) {
		cfg.agentless = true
	}
}

// WithURL specifies the HTTP URL for the Datadog Profiling API.
func WithURL(url string) Option {
	return func(cfg *config) {
		cfg.apiURL = url
	}
}

// WithPeriod specifies the interval at which to rotate and upload profiles.
func WithPeriod(d time.Duration) Option {
	return func(cfg *config) {
		cfg.period = d
	}
}

// WithPoolCapacity sets the number of pre-allocated sample slots. Once
// sampling has started the pool never grows; samples arriving while all
// slots are filled are dropped and counted.
func WithPoolCapacity(n int) Option {
	return func(cfg *config) {
		cfg.poolCapacity = n
	}
}

// WithRetryBudget sets how many times a failed upload is retried before the
// profile is dropped. A budget of 0 disables retries.
func WithRetryBudget(n int) Option {
	return func(cfg *config) {
		cfg.retryBudget = n
	}
}

// WithUploadTimeout sets the timeout for a single upload attempt.
func WithUploadTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.uploadTimeout = d
	}
}

// WithCompression selects the upload compression mode: "none", "gzip",
// "gzip-1" through "gzip-9", "zstd", or "zstd-1" through "zstd-4". The
// default is gzip-6.
func WithCompression(mode string) Option {
	return func(cfg *config) {
		cfg.compression = mode
	}
}

// WithSampleTypes specifies the sample types accepted by RecordSample.
// Samples of other types are rejected without being counted as drops.
func WithSampleTypes(types ...pprofile.SampleType) Option {
	return func(cfg *config) {
		// reset the types and only use what the user has specified
		for k := range cfg.types {
			delete(cfg.types, k)
		}
		for _, t := range types {
			cfg.addSampleType(t)
		}
	}
}

// WithService specifies the service name to attach to a profile.
func WithService(name string) Option {
	return func(cfg *config) {
		cfg.service = name
	}
}

// WithEnv specifies the environment to which these profiles should be
// registered.
func WithEnv(env string) Option {
	return func(cfg *config) {
		cfg.env = env
	}
}

// WithHostname sets the hostname tagged on uploads. It defaults to the
// hostname reported by the operating system.
func WithHostname(hostname string) Option {
	return func(cfg *config) {
		cfg.hostname = hostname
	}
}

// WithVersion specifies the service version tag to attach to profiles
func WithVersion(version string) Option {
	return WithTags("version:" + version)
}

// WithTags specifies a set of tags to be attached to the profiler. These may help
// filter the profiling view based on various information.
func WithTags(tags ...string) Option {
	return func(cfg *config) {
		cfg.tags = append(cfg.tags, tags...)
	}
}

// WithStatsd specifies an optional statsd client to use for metrics. By default,
// no metrics are sent.
func WithStatsd(client StatsdClient) Option {
	return func(cfg *config) {
		cfg.statsd = client
	}
}

// WithSite specifies the datadog site (datadoghq.com, datadoghq.eu, etc.)
// which profiles will be sent to.
func WithSite(site string) Option {
	return func(cfg *config) {
		u, err := urlForSite(site)
		if err != nil {
			log.Error("profiler: invalid site provided, using %s (%s)", defaultAPIURL, err)
			return
		}
		cfg.apiURL = u
	}
}

// WithHTTPClient specifies the HTTP client to use when submitting profiles to Site.
// In general, using this method is only necessary if you have need to customize the
// transport layer, for instance when using a unix domain socket.
func WithHTTPClient(client *http.Client) Option {
	return func(cfg *config) {
		cfg.httpClient = client
	}
}

// WithUDS configures the HTTP client to dial the Datadog Agent via the specified Unix Domain Socket path.
func WithUDS(socketPath string) Option {
	return WithHTTPClient(&http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
		Timeout: DefaultUploadTimeout,
	})
}

// WithLogDirectory redirects the profiler's logs to a file in the given
// directory instead of stderr. The file is closed when the profiler stops.
func WithLogDirectory(dir string) Option {
	return func(cfg *config) {
		cfg.logDirectory = dir
	}
}

// WithCrashTracking arms the crash tracker when the profiler starts. The
// receiver executable at path is spawned as a companion process; if path is
// empty the current executable is re-run in receiver mode.
func WithCrashTracking(path string) Option {
	return func(cfg *config) {
		cfg.crashTracking = true
		cfg.receiverPath = path
	}
}

// WithUploadStatusHandler registers f to be called after every upload
// completes with the outcome. Permanent transport failures are surfaced
// this way; they do not stop the profiler.
func WithUploadStatusHandler(f func(UploadStatus)) Option {
	return func(cfg *config) {
		cfg.uploadStatus = f
	}
}
