// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package profiler

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/DataDog/ddprof-go/internal/uploader"
	"github.com/DataDog/ddprof-go/pprofile"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uploadMeta is one upload as seen by the mock backend.
type uploadMeta struct {
	headers     http.Header
	event       uploader.Event
	tags        []string
	attachments map[string][]byte
}

type mockBackend struct {
	t       *testing.T
	uploads chan uploadMeta
}

func (m *mockBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		m.t.Errorf("parsing upload: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	up := uploadMeta{headers: r.Header.Clone(), attachments: make(map[string][]byte)}
	for name, files := range r.MultipartForm.File {
		f, err := files[0].Open()
		if err != nil {
			m.t.Errorf("opening part %s: %v", name, err)
			continue
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			m.t.Errorf("reading part %s: %v", name, err)
			continue
		}
		if name == "event" {
			if err := json.Unmarshal(data, &up.event); err != nil {
				m.t.Errorf("decoding event: %v", err)
			}
			continue
		}
		up.attachments[name] = data
	}
	up.tags = strings.Split(up.event.Tags, ",")
	select {
	case m.uploads <- up:
	default:
		m.t.Error("dropping upload, no room in the channel")
	}
	w.WriteHeader(http.StatusAccepted)
}

func gunzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	r, err := kgzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return out
}

func TestUpload(t *testing.T) {
	// Force an empty container identity on this test.
	defer func(cid, eid string) { containerID, entityID = cid, eid }(containerID, entityID)
	containerID, entityID = "", ""

	uploads := make(chan uploadMeta, 1)
	server := httptest.NewServer(&mockBackend{t: t, uploads: uploads})
	defer server.Close()

	p, err := unstartedProfiler(
		WithAgentAddr(server.Listener.Addr().String()),
		WithService("my-service"),
		WithEnv("my-env"),
		WithHostname("my-host"),
		WithTags("tag1:1", "tag2:2"),
		WithCompression("none"),
	)
	require.NoError(t, err)

	ok, err := p.sampler.sample(testStack, pprofile.WallSample, []int64{int64(5 * time.Millisecond)}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	p.sampler.prov.Record(0x400000, 0x500000, "app", "1.0.0")
	p.met.reset(now().Add(-2 * time.Second))

	require.NoError(t, p.upload(p.sampler.rotate(now())))
	up := <-uploads

	assert := assert.New(t)
	assert.Empty(up.headers.Get("Datadog-Container-ID"))
	assert.Equal("4", up.event.Version)
	assert.Equal("go", up.event.Family)
	assert.NotEmpty(up.event.Start)
	assert.NotEmpty(up.event.End)
	assert.ElementsMatch([]string{"profile.bin", "profile.pprof", "metrics.json"}, up.event.Attachments)
	assert.Subset(up.tags, []string{
		"host:my-host",
		"service:my-service",
		"env:my-env",
		"profile_seq:1",
		"tag1:1",
		"tag2:2",
		"dropped.pool_exhausted:0",
		"dropped.queue_evicted:0",
		"dropped.upload_failed:0",
	})

	// the bundle decodes back to the profile that was rotated
	var decoded pprofile.Profile
	require.NoError(t, decoded.UnmarshalBinary(up.attachments["profile.bin"]))
	assert.EqualValues(1, decoded.Seq)
	assert.Equal(1, decoded.NumSamples())
	require.Len(t, decoded.Provenance, 1)
	assert.Equal("app", decoded.Provenance[0].UnitID)

	// the pprof attachment ships gzip-compressed even when the uploader
	// compression is off
	assert.True(bytes.HasPrefix(up.attachments["profile.pprof"], []byte{0x1f, 0x8b}))

	var points [][]interface{}
	require.NoError(t, json.Unmarshal(up.attachments["metrics.json"], &points))
	assert.NotEmpty(points)
}

func TestUploadCompression(t *testing.T) {
	uploads := make(chan uploadMeta, 1)
	server := httptest.NewServer(&mockBackend{t: t, uploads: uploads})
	defer server.Close()

	p, err := unstartedProfiler(
		WithAgentAddr(server.Listener.Addr().String()),
		WithCompression("gzip-1"),
	)
	require.NoError(t, err)

	ok, err := p.sampler.sample(testStack, pprofile.WallSample, []int64{1}, nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, p.upload(p.sampler.rotate(now())))
	up := <-uploads

	bin := up.attachments["profile.bin"]
	require.True(t, bytes.HasPrefix(bin, []byte{0x1f, 0x8b}), "profile.bin should be gzip-compressed")
	var decoded pprofile.Profile
	require.NoError(t, decoded.UnmarshalBinary(gunzipBytes(t, bin)))
	assert.Equal(t, 1, decoded.NumSamples())
}

func TestUploadUDS(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Unix domain sockets are non-functional on windows.")
	}
	uploads := make(chan uploadMeta, 1)
	server := httptest.NewUnstartedServer(&mockBackend{t: t, uploads: uploads})
	udsPath := filepath.Join(t.TempDir(), "agent.sock")
	l, err := net.Listen("unix", udsPath)
	require.NoError(t, err)
	server.Listener = l
	server.Start()
	defer server.Close()

	p, err := unstartedProfiler(
		WithUDS(udsPath),
		WithHostname("my-host"),
	)
	require.NoError(t, err)

	require.NoError(t, p.upload(p.sampler.rotate(now())))
	up := <-uploads
	assert.Contains(t, up.tags, "host:my-host")
}

func TestUploadOldAgent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	p, err := unstartedProfiler(
		WithAgentAddr(server.Listener.Addr().String()),
	)
	require.NoError(t, err)

	err = p.upload(p.sampler.rotate(now()))
	assert.ErrorIs(t, err, uploader.ErrOldAgent)
}

func TestUploadContainerIDHeader(t *testing.T) {
	// Force a non-empty container identity on this test.
	defer func(cid, eid string) { containerID, entityID = cid, eid }(containerID, entityID)
	containerID, entityID = "fakeContainerID", "fakeEntityID"

	uploads := make(chan uploadMeta, 1)
	server := httptest.NewServer(&mockBackend{t: t, uploads: uploads})
	defer server.Close()

	p, err := unstartedProfiler(
		WithAgentAddr(server.Listener.Addr().String()),
	)
	require.NoError(t, err)

	require.NoError(t, p.upload(p.sampler.rotate(now())))
	up := <-uploads
	assert.Equal(t, "fakeContainerID", up.headers.Get("Datadog-Container-Id"))
	assert.Equal(t, "fakeEntityID", up.headers.Get("Datadog-Entity-Id"))
}

func BenchmarkUpload(b *testing.B) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		io.Copy(io.Discard, req.Body)
		req.Body.Close()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p, err := unstartedProfiler(
		WithAgentAddr(server.Listener.Addr().String()),
	)
	require.NoError(b, err)
	for i := 0; i < 64; i++ {
		p.sampler.sample(testStack, pprofile.WallSample, []int64{1}, nil)
	}
	prof := p.sampler.rotate(now())
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := p.upload(prof); err != nil {
			b.Fatal(err)
		}
	}
}
