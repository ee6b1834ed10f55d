// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package uploader

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compressData(t *testing.T, data []byte, c compression) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch c.algorithm {
	case compressionAlgorithmNone:
		return data
	case compressionAlgorithmGzip:
		gw, err := kgzip.NewWriterLevel(&buf, c.level)
		require.NoError(t, err)
		_, err = gw.Write(data)
		require.NoError(t, err)
		require.NoError(t, gw.Close())
	case compressionAlgorithmZstd:
		zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(getZstdLevelOrDefault(c.level)))
		require.NoError(t, err)
		_, err = zw.Write(data)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
	default:
		t.Fatalf("unknown compression: %s", c)
	}
	return buf.Bytes()
}

func TestNewCompressionPipeline(t *testing.T) {
	data := []byte("1234")
	gzip1Data := compressData(t, data, gzip1Compression)
	gzip6Data := compressData(t, data, gzip6Compression)
	zstdData := compressData(t, data, zstdCompression)

	tests := []struct {
		in   compression
		out  compression
		data []byte
		want []byte
	}{
		{noCompression, noCompression, data, data},
		{gzip1Compression, noCompression, gzip1Data, gzip1Data},
		{gzip1Compression, gzip1Compression, gzip1Data, gzip1Data},
		{gzip1Compression, gzip6Compression, gzip1Data, gzip1Data},
		{noCompression, gzip1Compression, data, gzip1Data},
		{noCompression, gzip6Compression, data, gzip6Data},
		{noCompression, zstdCompression, data, zstdData},
		{gzip1Compression, zstdCompression, gzip1Data, zstdData},
		{gzip6Compression, zstdCompression, gzip6Data, zstdData},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("%s->%s", test.in, test.out), func(t *testing.T) {
			pipeline, err := newCompressionPipeline(test.in, test.out)
			require.NoError(t, err)
			buf := new(bytes.Buffer)
			pipeline.Reset(buf)
			_, err = pipeline.Write(test.data)
			require.NoError(t, err)
			require.NoError(t, pipeline.Close())
			require.Equal(t, test.want, buf.Bytes())
		})
	}
}

func TestNewCompressionPipelineUnsupported(t *testing.T) {
	_, err := newCompressionPipeline(zstdCompression, gzip6Compression)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}

func TestCompressionPipelineReuse(t *testing.T) {
	data := []byte("reusable pipeline input")
	want := compressData(t, data, zstdCompression)
	gzipped := compressData(t, data, gzip1Compression)

	pipeline, err := newCompressionPipeline(gzip1Compression, zstdCompression)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		buf := new(bytes.Buffer)
		pipeline.Reset(buf)
		_, err = pipeline.Write(gzipped)
		require.NoError(t, err)
		require.NoError(t, pipeline.Close())
		require.Equal(t, want, buf.Bytes(), "iteration %d", i)
	}
}

func TestZstdRecompressorLevels(t *testing.T) {
	data := []byte(strings.Repeat("heap profile sample payload ", 1024))
	gzipped := compressData(t, data, gzip1Compression)

	for level := range zstdLevels {
		t.Run(fmt.Sprintf("zstd-%d", level), func(t *testing.T) {
			out := compression{algorithm: compressionAlgorithmZstd, level: level}
			want := compressData(t, data, out)

			pipeline, err := newCompressionPipeline(gzip1Compression, out)
			require.NoError(t, err)
			buf := new(bytes.Buffer)
			pipeline.Reset(buf)
			_, err = pipeline.Write(gzipped)
			require.NoError(t, err)
			require.NoError(t, pipeline.Close())
			require.Equal(t, want, buf.Bytes())
			require.Equal(t, data, unzstdData(t, buf.Bytes()))
		})
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		config  string
		want    compression
		wantErr bool
	}{
		{config: "none", want: noCompression},
		{config: "gzip", want: gzip6Compression},
		{config: "gzip-1", want: gzip1Compression},
		{config: "gzip-9", want: compression{algorithm: compressionAlgorithmGzip, level: 9}},
		{config: "zstd", want: zstdCompression},
		{config: "zstd-4", want: compression{algorithm: compressionAlgorithmZstd, level: 4}},
		{config: "", wantErr: true},
		{config: "none-1", wantErr: true},
		{config: "gzip-0", wantErr: true},
		{config: "gzip-10", wantErr: true},
		{config: "gzip-x", wantErr: true},
		{config: "zstd-9", wantErr: true},
		{config: "brotli", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.config, func(t *testing.T) {
			got, err := parseCompression(test.config)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.want, got)
		})
	}
}
