// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

// Package uploader implements the HTTP transport that delivers encoded
// profiles and crash reports to the Datadog intake, either through the agent
// or directly (agentless). Transport configuration is assembled by a Builder
// and frozen into an Uploader; retries of transient failures follow a capped
// exponential backoff with a fixed budget.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/sethvargo/go-retry"
)

const (
	defaultUploadTimeout = 10 * time.Second
	defaultRetryBaseWait = 200 * time.Millisecond

	// maxRetryWait caps the exponential backoff between attempts.
	maxRetryWait = 30 * time.Second
)

// ErrOldAgent is returned when the agent replies 404 to an upload, which
// means it predates profile intake support.
var ErrOldAgent = errors.New("Datadog Agent is not accepting profiles. Agent-based profiling deployments require Datadog Agent >= 7.20")

// PermanentError is returned for responses that retrying cannot fix, such as
// authentication failures or rejected payloads.
type PermanentError struct {
	StatusCode int
	Status     string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("server rejected the upload: %s", e.Status)
}

// StatsdClient implementations can count and time certain event occurrences
// that happen during uploads.
type StatsdClient interface {
	// Count counts how many times an event happened, at the given rate using the given tags.
	Count(event string, times int64, tags []string, rate float64) error
	// Timing creates a distribution of the values registered as the duration of a certain event.
	Timing(event string, duration time.Duration, tags []string, rate float64) error
}

// Event is the metadata envelope sent as the event.json part of an upload.
type Event struct {
	Start       string   `json:"start"`
	End         string   `json:"end"`
	Attachments []string `json:"attachments"`
	Tags        string   `json:"tags_profiler"`
	Family      string   `json:"family"`
	Version     string   `json:"version"`
}

// Attachment is one named payload of an upload.
type Attachment struct {
	// Name is the attachment's file name inside the upload, for example
	// "profile.bin" or "profile.pprof".
	Name string
	// Data is the raw payload.
	Data []byte
	// Gzipped declares that Data is already gzip-compressed, so the
	// uploader recompresses instead of double-compressing it.
	Gzipped bool
}

// EncodedProfile is a finalized, serialized profile ready for upload.
type EncodedProfile struct {
	Seq         uint64
	Start, End  time.Time
	Host        string
	Attachments []Attachment
	// Tags are added to the upload event in addition to the uploader's
	// static tags.
	Tags []string
}

// Builder assembles the transport configuration for an Uploader. Build
// validates it and returns an immutable Uploader; the zero value needs at
// least Endpoint to be set.
type Builder struct {
	// Endpoint is the full intake URL, for example
	// http://localhost:8126/profiling/v1/input.
	Endpoint string
	// APIKey switches the uploader to agentless mode when set. It is sent
	// as the DD-API-KEY header and must look like a valid API key.
	APIKey string
	// Compression names the output compression for attachments: "none",
	// "gzip", "gzip-1".."gzip-9", "zstd" or "zstd-1".."zstd-4".
	// Defaults to gzip-6.
	Compression string
	// Timeout bounds a single upload attempt. Defaults to 10s.
	Timeout time.Duration
	// RetryBudget is the number of additional attempts after the first
	// one for transient failures. Zero disables retries.
	RetryBudget int
	// RetryBaseWait is the wait before the first retry; later waits grow
	// exponentially up to a 30s cap. Defaults to 200ms.
	RetryBaseWait time.Duration
	// Tags are static tags added to every upload event.
	Tags []string
	// ContainerID and EntityID are sent as the Datadog-Container-ID and
	// Datadog-Entity-ID headers when set.
	ContainerID string
	EntityID    string
	// HTTPClient performs the requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Statsd receives upload metrics. Defaults to a no-op client.
	Statsd StatsdClient
}

// Build validates the configuration and returns the Uploader. The builder
// may be reused afterwards without affecting uploaders already built.
func (b Builder) Build() (*Uploader, error) {
	if b.Endpoint == "" {
		return nil, errors.New("uploader: endpoint is required")
	}
	target, err := url.Parse(b.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("uploader: invalid endpoint: %v", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("uploader: unsupported endpoint scheme %q", target.Scheme)
	}
	if b.APIKey != "" && !IsAPIKeyValid(b.APIKey) {
		return nil, errors.New("uploader: API key does not look valid, expected 32 lowercase hex characters")
	}
	if b.RetryBudget < 0 {
		return nil, errors.New("uploader: retry budget must not be negative")
	}
	if b.Timeout < 0 {
		return nil, errors.New("uploader: timeout must not be negative")
	}
	if b.RetryBaseWait < 0 {
		return nil, errors.New("uploader: retry base wait must not be negative")
	}
	mode := b.Compression
	if mode == "" {
		mode = gzip6Compression.String()
	}
	out, err := parseCompression(mode)
	if err != nil {
		return nil, fmt.Errorf("uploader: %v", err)
	}
	u := &Uploader{
		endpoint:      target.String(),
		apiKey:        b.APIKey,
		compression:   out,
		timeout:       b.Timeout,
		retryBudget:   b.RetryBudget,
		retryBaseWait: b.RetryBaseWait,
		tags:          append([]string(nil), b.Tags...),
		containerID:   b.ContainerID,
		entityID:      b.EntityID,
		client:        b.HTTPClient,
		statsd:        b.Statsd,
	}
	if u.timeout == 0 {
		u.timeout = defaultUploadTimeout
	}
	if u.retryBaseWait == 0 {
		u.retryBaseWait = defaultRetryBaseWait
	}
	if u.client == nil {
		u.client = http.DefaultClient
	}
	if u.statsd == nil {
		u.statsd = &statsd.NoOpClient{}
	}
	return u, nil
}

// Uploader sends finalized profiles to the intake. It is immutable after
// construction and safe for concurrent use.
type Uploader struct {
	endpoint      string
	apiKey        string
	compression   compression
	timeout       time.Duration
	retryBudget   int
	retryBaseWait time.Duration
	tags          []string
	containerID   string
	entityID      string
	client        *http.Client
	statsd        StatsdClient
}

// Upload sends one encoded profile. Transient failures (network errors, 5xx)
// are retried with capped exponential backoff until the retry budget is
// spent, so a budget of n makes at most n+1 attempts. Permanent failures
// (4xx) are returned right away.
func (u *Uploader) Upload(ctx context.Context, prof *EncodedProfile) error {
	body, contentType, err := u.encode(prof)
	if err != nil {
		return fmt.Errorf("encoding upload request: %w", err)
	}
	bck := u.backoff()
	defer func(start time.Time) {
		u.statsd.Timing("datadog.profiling.native.upload_time", time.Since(start), nil, 1)
	}(time.Now())
	attempt := 0
	return retry.Do(ctx, bck, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			u.statsd.Count("datadog.profiling.native.upload_retry", 1, nil, 1)
		}
		return u.doRequest(ctx, contentType, body)
	})
}

func (u *Uploader) backoff() retry.Backoff {
	bck := retry.NewExponential(u.retryBaseWait)
	bck = retry.WithCappedDuration(maxRetryWait, bck)
	bck = retry.WithMaxRetries(uint64(u.retryBudget), bck)
	return bck
}

// doRequest performs a single upload attempt. Errors that a retry might fix
// come back wrapped as retryable.
func (u *Uploader) doRequest(ctx context.Context, contentType string, body []byte) error {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if u.apiKey != "" {
		req.Header.Set("DD-API-KEY", u.apiKey)
	}
	if u.containerID != "" {
		req.Header.Set("Datadog-Container-ID", u.containerID)
	}
	if u.entityID != "" {
		req.Header.Set("Datadog-Entity-ID", u.entityID)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode/100 == 2:
		return nil
	case resp.StatusCode/100 == 5:
		return retry.RetryableError(fmt.Errorf("server returned %s", resp.Status))
	case resp.StatusCode == http.StatusNotFound && u.apiKey == "":
		return ErrOldAgent
	default:
		return &PermanentError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
}

// encode builds the multipart request body: one form file per attachment,
// compressed through the configured pipeline, then the event.json envelope
// listing them.
func (u *Uploader) encode(prof *EncodedProfile) (body []byte, contentType string, err error) {
	tags := append([]string(nil), u.tags...)
	tags = append(tags, prof.Tags...)
	tags = append(tags, fmt.Sprintf("profile_seq:%d", prof.Seq))
	if prof.Host != "" {
		tags = append(tags, "host:"+prof.Host)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	event := &Event{
		Version: "4",
		Family:  "go",
		Start:   prof.Start.UTC().Format(time.RFC3339Nano),
		End:     prof.End.UTC().Format(time.RFC3339Nano),
		Tags:    strings.Join(tags, ","),
	}
	for _, att := range prof.Attachments {
		event.Attachments = append(event.Attachments, att.Name)
		f, err := mw.CreateFormFile(att.Name, att.Name)
		if err != nil {
			return nil, "", err
		}
		in := noCompression
		if att.Gzipped {
			in = gzip1Compression
		}
		pipeline, err := newCompressionPipeline(in, u.compression)
		if err != nil {
			return nil, "", err
		}
		pipeline.Reset(f)
		if _, err := pipeline.Write(att.Data); err != nil {
			return nil, "", err
		}
		if err := pipeline.Close(); err != nil {
			return nil, "", err
		}
	}
	f, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="event"; filename="event.json"`},
		"Content-Type":        {"application/json"},
	})
	if err != nil {
		return nil, "", err
	}
	if err := json.NewEncoder(f).Encode(event); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// IsAPIKeyValid reports whether the string is a structurally valid API key.
func IsAPIKeyValid(key string) bool {
	if len(key) != 32 {
		return false
	}
	for _, c := range key {
		if c > unicode.MaxASCII || (!unicode.IsLower(c) && !unicode.IsNumber(c)) {
			return false
		}
	}
	return true
}
