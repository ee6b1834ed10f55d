// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package uploader

/*
To save bandwidth and networking cost, attachments are compressed before they
are sent. Attachments do not all arrive in the same shape: profile bundles are
raw bytes, while pprof payloads already come gzip-compressed from the encoder.
The pipeline in this file converts whatever compression an attachment already
has into the compression the uploader was configured with, recompressing
through a pipe when the input has to change algorithm.
*/

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type compressionAlgorithm string

const (
	compressionAlgorithmNone compressionAlgorithm = "none"
	compressionAlgorithmGzip compressionAlgorithm = "gzip"
	compressionAlgorithmZstd compressionAlgorithm = "zstd"
)

type compression struct {
	algorithm compressionAlgorithm
	level     int
}

func (c compression) String() string {
	if c.algorithm == compressionAlgorithmNone {
		return string(c.algorithm)
	}
	return fmt.Sprintf("%s-%d", c.algorithm, c.level)
}

// Common compression algorithm and level combinations.
var (
	noCompression    = compression{algorithm: compressionAlgorithmNone}
	gzip1Compression = compression{algorithm: compressionAlgorithmGzip, level: 1}
	gzip6Compression = compression{algorithm: compressionAlgorithmGzip, level: 6}
	zstdCompression  = compression{algorithm: compressionAlgorithmZstd, level: 2}
)

// parseCompression turns a configuration string such as "none", "gzip",
// "gzip-6", "zstd" or "zstd-3" into a compression value. Algorithms without
// an explicit level get their default one.
func parseCompression(config string) (compression, error) {
	algorithm, levelStr, hasLevel := strings.Cut(config, "-")
	var level int
	if hasLevel {
		l, err := strconv.Atoi(levelStr)
		if err != nil {
			return compression{}, fmt.Errorf("invalid compression level in %q: %v", config, err)
		}
		level = l
	}
	switch compressionAlgorithm(algorithm) {
	case compressionAlgorithmNone:
		if hasLevel {
			return compression{}, fmt.Errorf("compression %q does not take a level", algorithm)
		}
		return noCompression, nil
	case compressionAlgorithmGzip:
		if !hasLevel {
			return gzip6Compression, nil
		}
		if level < kgzip.BestSpeed || level > kgzip.BestCompression {
			return compression{}, fmt.Errorf("gzip level %d out of range [%d, %d]", level, kgzip.BestSpeed, kgzip.BestCompression)
		}
		return compression{algorithm: compressionAlgorithmGzip, level: level}, nil
	case compressionAlgorithmZstd:
		if !hasLevel {
			return zstdCompression, nil
		}
		if _, ok := zstdLevels[level]; !ok {
			return compression{}, fmt.Errorf("zstd level %d out of range [1, %d]", level, len(zstdLevels))
		}
		return compression{algorithm: compressionAlgorithmZstd, level: level}, nil
	default:
		return compression{}, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}
}

var zstdLevels = map[int]zstd.EncoderLevel{
	1: zstd.SpeedFastest,
	2: zstd.SpeedDefault,
	3: zstd.SpeedBetterCompression,
	4: zstd.SpeedBestCompression,
}

func getZstdLevelOrDefault(level int) zstd.EncoderLevel {
	if l, ok := zstdLevels[level]; ok {
		return l
	}
	return zstd.SpeedDefault
}

// newCompressionPipeline returns a compressor that converts the data written
// to it from the expected input compression to the given output compression.
// Data already carrying the output algorithm passes through at its original
// level, as does any input when no output compression is requested.
func newCompressionPipeline(in compression, out compression) (compressor, error) {
	if in.algorithm == out.algorithm || out.algorithm == compressionAlgorithmNone {
		return newPassthroughCompressor(), nil
	}

	if in == noCompression && out.algorithm == compressionAlgorithmGzip {
		return kgzip.NewWriterLevel(nil, out.level)
	}

	if in == noCompression && out.algorithm == compressionAlgorithmZstd {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(getZstdLevelOrDefault(out.level)))
	}

	if in.algorithm == compressionAlgorithmGzip && out.algorithm == compressionAlgorithmZstd {
		return newZstdRecompressor(getZstdLevelOrDefault(out.level))
	}

	return nil, fmt.Errorf("unsupported recompression: %s -> %s", in, out)
}

// compressor provides an interface for compressing attachment data. If the
// input is already compressed, it can also act as a re-compressor that
// decompresses the data from one format and then re-compresses it into
// another format.
type compressor interface {
	io.Writer
	io.Closer
	Reset(w io.Writer)
}

// newPassthroughCompressor returns a compressor that simply passes all data
// through without applying any compression.
func newPassthroughCompressor() *passthroughCompressor {
	return &passthroughCompressor{}
}

type passthroughCompressor struct {
	io.Writer
}

func (r *passthroughCompressor) Reset(w io.Writer) {
	r.Writer = w
}

func (r *passthroughCompressor) Close() error {
	return nil
}

func newZstdRecompressor(level zstd.EncoderLevel) (*zstdRecompressor, error) {
	zstdOut, err := zstd.NewWriter(io.Discard, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	return &zstdRecompressor{zstdOut: zstdOut, err: make(chan error)}, nil
}

type zstdRecompressor struct {
	// err synchronizes finishing writes after closing pw and reports any
	// error during recompression
	err     chan error
	pw      io.WriteCloser
	zstdOut *zstd.Encoder
}

func (r *zstdRecompressor) Reset(w io.Writer) {
	r.zstdOut.Reset(w)
	pr, pw := io.Pipe()
	go func() {
		gzr, err := kgzip.NewReader(pr)
		if err != nil {
			r.err <- err
			return
		}
		_, err = io.Copy(r.zstdOut, gzr)
		r.err <- err
	}()
	r.pw = pw
}

func (r *zstdRecompressor) Write(p []byte) (int, error) {
	return r.pw.Write(p)
}

func (r *zstdRecompressor) Close() error {
	r.pw.Close()
	err := <-r.err
	closeErr := r.zstdOut.Close()
	if err != nil {
		return err
	}
	return closeErr
}
