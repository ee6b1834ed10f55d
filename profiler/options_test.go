// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package profiler

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DataDog/ddprof-go/internal/version"
	"github.com/DataDog/ddprof-go/pprofile"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearProfilerEnv blanks every environment variable read by defaultConfig so
// tests see the built-in defaults regardless of the machine they run on.
func clearProfilerEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DD_AGENT_HOST",
		"DD_TRACE_AGENT_PORT",
		"DD_API_KEY",
		"DD_PROFILING_AGENTLESS",
		"DD_PROFILING_DEBUG",
		"DD_SITE",
		"DD_HOSTNAME",
		"DD_ENV",
		"DD_SERVICE",
		"DD_VERSION",
		"DD_PROFILING_UPLOAD_PERIOD",
		"DD_PROFILING_UPLOAD_TIMEOUT",
		"DD_PROFILING_POOL_CAPACITY",
		"DD_PROFILING_COMPRESSION",
		"DD_TAGS",
		"DD_PROFILING_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestOptions(t *testing.T) {
	t.Run("WithAgentAddr", func(t *testing.T) {
		var cfg config
		WithAgentAddr("test:123")(&cfg)
		assert.Equal(t, "http://test:123/profiling/v1/input", cfg.agentURL)
	})

	t.Run("WithAPIKey", func(t *testing.T) {
		var cfg config
		WithAPIKey("12345678901234567890123456789012")(&cfg)
		assert.Equal(t, "12345678901234567890123456789012", cfg.apiKey)
	})

	t.Run("WithAgentlessUpload", func(t *testing.T) {
		var cfg config
		WithAgentlessUpload()(&cfg)
		assert.True(t, cfg.agentless)
	})

	t.Run("WithURL", func(t *testing.T) {
		var cfg config
		WithURL("https://my.site/api/v0/profiling/hehe")(&cfg)
		assert.Equal(t, "https://my.site/api/v0/profiling/hehe", cfg.apiURL)
	})

	t.Run("WithPeriod", func(t *testing.T) {
		var cfg config
		WithPeriod(2 * time.Second)(&cfg)
		assert.Equal(t, 2*time.Second, cfg.period)
	})

	t.Run("WithPoolCapacity", func(t *testing.T) {
		var cfg config
		WithPoolCapacity(300)(&cfg)
		assert.Equal(t, 300, cfg.poolCapacity)
	})

	t.Run("WithRetryBudget", func(t *testing.T) {
		var cfg config
		WithRetryBudget(5)(&cfg)
		assert.Equal(t, 5, cfg.retryBudget)
	})

	t.Run("WithUploadTimeout", func(t *testing.T) {
		var cfg config
		WithUploadTimeout(5 * time.Second)(&cfg)
		assert.Equal(t, 5*time.Second, cfg.uploadTimeout)
	})

	t.Run("WithCompression", func(t *testing.T) {
		var cfg config
		WithCompression("zstd-2")(&cfg)
		assert.Equal(t, "zstd-2", cfg.compression)
	})

	t.Run("WithSampleTypes", func(t *testing.T) {
		cfg, err := defaultConfig()
		require.NoError(t, err)
		require.Len(t, cfg.types, len(defaultSampleTypes))
		// the given types replace the defaults instead of adding to them
		WithSampleTypes(pprofile.LockSample)(cfg)
		assert.Len(t, cfg.types, 1)
		assert.Contains(t, cfg.types, pprofile.LockSample)
	})

	t.Run("WithService", func(t *testing.T) {
		var cfg config
		WithService("serviceName")(&cfg)
		assert.Equal(t, "serviceName", cfg.service)
	})

	t.Run("WithEnv", func(t *testing.T) {
		var cfg config
		WithEnv("envName")(&cfg)
		assert.Equal(t, "envName", cfg.env)
	})

	t.Run("WithHostname", func(t *testing.T) {
		var cfg config
		WithHostname("example")(&cfg)
		assert.Equal(t, "example", cfg.hostname)
	})

	t.Run("WithVersion", func(t *testing.T) {
		var cfg config
		WithVersion("1.2.3")(&cfg)
		assert.Contains(t, cfg.tags, "version:1.2.3")
	})

	t.Run("WithTags", func(t *testing.T) {
		var cfg config
		WithTags("tag1:value1", "tag2:value2")(&cfg)
		assert.Contains(t, cfg.tags, "tag1:value1")
		assert.Contains(t, cfg.tags, "tag2:value2")
	})

	t.Run("WithStatsd", func(t *testing.T) {
		var cfg config
		client := &statsd.NoOpClient{}
		WithStatsd(client)(&cfg)
		assert.Equal(t, client, cfg.statsd)
	})

	t.Run("WithSite", func(t *testing.T) {
		var cfg config
		WithSite("datadoghq.eu")(&cfg)
		assert.Equal(t, "https://intake.profile.datadoghq.eu/v1/input", cfg.apiURL)
	})

	t.Run("WithHTTPClient", func(t *testing.T) {
		var cfg config
		client := &http.Client{}
		WithHTTPClient(client)(&cfg)
		assert.Same(t, client, cfg.httpClient)
	})

	t.Run("WithUDS", func(t *testing.T) {
		var cfg config
		WithUDS("/var/run/datadog/apm.socket")(&cfg)
		require.NotNil(t, cfg.httpClient)
		assert.NotSame(t, defaultClient, cfg.httpClient)
	})

	t.Run("WithLogDirectory", func(t *testing.T) {
		var cfg config
		WithLogDirectory("/tmp/profiling")(&cfg)
		assert.Equal(t, "/tmp/profiling", cfg.logDirectory)
	})

	t.Run("WithCrashTracking", func(t *testing.T) {
		var cfg config
		WithCrashTracking("/usr/local/bin/receiver")(&cfg)
		assert.True(t, cfg.crashTracking)
		assert.Equal(t, "/usr/local/bin/receiver", cfg.receiverPath)
	})

	t.Run("WithCrashTracking/self", func(t *testing.T) {
		var cfg config
		WithCrashTracking("")(&cfg)
		assert.True(t, cfg.crashTracking)
		assert.Empty(t, cfg.receiverPath)
	})

	t.Run("WithUploadStatusHandler", func(t *testing.T) {
		var cfg config
		var got UploadStatus
		WithUploadStatusHandler(func(s UploadStatus) { got = s })(&cfg)
		require.NotNil(t, cfg.uploadStatus)
		cfg.uploadStatus(UploadStatus{Seq: 9, Samples: 3})
		assert.Equal(t, uint64(9), got.Seq)
		assert.Equal(t, 3, got.Samples)
	})
}

func TestDefaultConfig(t *testing.T) {
	t.Run("base", func(t *testing.T) {
		clearProfilerEnv(t)
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert := assert.New(t)
		assert.Equal(defaultAPIURL, cfg.apiURL)
		assert.Equal("http://localhost:8126/profiling/v1/input", cfg.agentURL)
		assert.Empty(cfg.apiKey)
		assert.False(cfg.agentless)
		assert.Equal("none", cfg.env)
		assert.Equal(filepath.Base(os.Args[0]), cfg.service)
		assert.Empty(cfg.hostname)
		assert.Equal(DefaultPeriod, cfg.period)
		assert.Equal(DefaultPoolCapacity, cfg.poolCapacity)
		assert.Equal(DefaultRetryBudget, cfg.retryBudget)
		assert.Equal(DefaultUploadTimeout, cfg.uploadTimeout)
		assert.Equal(defaultClient, cfg.httpClient)
		assert.IsType(&statsd.NoOpClient{}, cfg.statsd)
		assert.Empty(cfg.compression)
		assert.False(cfg.crashTracking)
		for _, typ := range defaultSampleTypes {
			assert.Contains(cfg.types, typ)
		}
		assert.Contains(cfg.tags, fmt.Sprintf("pid:%d", os.Getpid()))
		assert.Contains(cfg.tags, "profiler_version:"+version.Tag)
		var runtimeID bool
		for _, tag := range cfg.tags {
			if strings.HasPrefix(tag, "runtime-id:") {
				runtimeID = true
			}
		}
		assert.True(runtimeID, "missing runtime-id tag: %v", cfg.tags)
	})

	t.Run("DD_AGENT_HOST", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_AGENT_HOST", "agent.example.com")
		t.Setenv("DD_TRACE_AGENT_PORT", "9999")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.Equal(t, "http://agent.example.com:9999/profiling/v1/input", cfg.agentURL)
	})

	t.Run("DD_API_KEY", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_API_KEY", "12345678901234567890123456789012")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.Equal(t, "12345678901234567890123456789012", cfg.apiKey)
	})

	t.Run("DD_PROFILING_AGENTLESS", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_PROFILING_AGENTLESS", "true")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.True(t, cfg.agentless)
	})

	t.Run("DD_PROFILING_AGENTLESS/bad", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_PROFILING_AGENTLESS", "bogus")
		_, err := defaultConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DD_PROFILING_AGENTLESS")
	})

	t.Run("DD_PROFILING_DEBUG/bad", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_PROFILING_DEBUG", "bogus")
		_, err := defaultConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DD_PROFILING_DEBUG")
	})

	t.Run("DD_SITE", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_SITE", "datadoghq.eu")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.Equal(t, "https://intake.profile.datadoghq.eu/v1/input", cfg.apiURL)
	})

	t.Run("DD_HOSTNAME", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_HOSTNAME", "bloop")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.Equal(t, "bloop", cfg.hostname)
	})

	t.Run("DD_ENV", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_ENV", "staging")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.Equal(t, "staging", cfg.env)
	})

	t.Run("DD_SERVICE", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_SERVICE", "frontend")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.Equal(t, "frontend", cfg.service)
	})

	t.Run("DD_VERSION", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_VERSION", "1.2.3")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.Contains(t, cfg.tags, "version:1.2.3")
	})

	t.Run("DD_PROFILING_UPLOAD_PERIOD", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_PROFILING_UPLOAD_PERIOD", "10s")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, cfg.period)
	})

	t.Run("DD_PROFILING_UPLOAD_PERIOD/bad", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_PROFILING_UPLOAD_PERIOD", "bogus")
		_, err := defaultConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DD_PROFILING_UPLOAD_PERIOD")
	})

	t.Run("DD_PROFILING_UPLOAD_TIMEOUT", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_PROFILING_UPLOAD_TIMEOUT", "5s")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, cfg.uploadTimeout)
	})

	t.Run("DD_PROFILING_POOL_CAPACITY", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_PROFILING_POOL_CAPACITY", "512")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.Equal(t, 512, cfg.poolCapacity)
	})

	t.Run("DD_PROFILING_POOL_CAPACITY/bad", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_PROFILING_POOL_CAPACITY", "many")
		_, err := defaultConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DD_PROFILING_POOL_CAPACITY")
	})

	t.Run("DD_PROFILING_COMPRESSION", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_PROFILING_COMPRESSION", "zstd-2")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.Equal(t, "zstd-2", cfg.compression)
	})

	t.Run("DD_TAGS/space", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_TAGS", "tag1:value1 tag2:value2")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.Contains(t, cfg.tags, "tag1:value1")
		assert.Contains(t, cfg.tags, "tag2:value2")
	})

	t.Run("DD_TAGS/comma", func(t *testing.T) {
		clearProfilerEnv(t)
		t.Setenv("DD_TAGS", "tag1:value1,tag2:value2")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.Contains(t, cfg.tags, "tag1:value1")
		assert.Contains(t, cfg.tags, "tag2:value2")
	})

	t.Run("DD_PROFILING_URL", func(t *testing.T) {
		clearProfilerEnv(t)
		// DD_PROFILING_URL wins over DD_SITE
		t.Setenv("DD_SITE", "datadoghq.eu")
		t.Setenv("DD_PROFILING_URL", "https://my.site/goes/here")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.Equal(t, "https://my.site/goes/here", cfg.apiURL)
	})
}

func TestAddSampleType(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		var cfg config
		assert.Nil(t, cfg.types)
		cfg.addSampleType(pprofile.CPUSample)
		assert.Len(t, cfg.types, 1)
		assert.Contains(t, cfg.types, pprofile.CPUSample)
	})

	t.Run("dedup", func(t *testing.T) {
		var cfg config
		cfg.addSampleType(pprofile.CPUSample)
		cfg.addSampleType(pprofile.CPUSample)
		assert.Len(t, cfg.types, 1)
	})
}
