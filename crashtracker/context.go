// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package crashtracker

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	frameMagic   uint16 = 0xDD0C
	frameVersion uint16 = 1

	// MaxStack is the maximum number of program counters a crash frame
	// carries. Deeper stacks are truncated.
	MaxStack = 64

	maxTagBytes = 608
	headerSize  = 40

	// FrameSize is the byte-exact size of every message on the crash
	// channel. Fixed-size frames let the receiver resynchronize after a
	// malformed message, and FrameSize is below PIPE_BUF so the kernel
	// performs the crash-path write atomically.
	FrameSize = headerSize + MaxStack*8 + maxTagBytes
)

// Byte offsets of the frame fields. All integers are little-endian.
const (
	offMagic   = 0  // uint16
	offVersion = 2  // uint16
	offSignal  = 4  // int32
	offCode    = 8  // int32
	offPID     = 12 // uint32
	offTID     = 16 // uint32
	offTime    = 24 // int64, unix nanoseconds
	offDepth   = 32 // uint16, number of stack entries
	offTagLen  = 34 // uint16, used bytes of the tag region
	offStack   = headerSize
	offTags    = offStack + MaxStack*8
)

// CrashContext is the minimal description of a fatal signal that the dying
// process hands to the receiver. The volatile fields (signal, thread,
// timestamp, stack) are captured at crash time; the rest is rendered into
// the frame when the tracker arms, so the crash path itself never allocates.
type CrashContext struct {
	Signal    int32
	Code      int32 // si_code when known, 0 otherwise
	PID       uint32
	TID       uint32
	Timestamp int64    // unix nanoseconds
	Stack     []uint64 // best-effort program counters, at most MaxStack
	Tags      []string // process metadata in "key:value" form
}

// SignalName returns the conventional name of the delivered signal.
func (c *CrashContext) SignalName() string {
	switch c.Signal {
	case 4:
		return "SIGILL"
	case 5:
		return "SIGTRAP"
	case 6:
		return "SIGABRT"
	case 7:
		return "SIGBUS"
	case 8:
		return "SIGFPE"
	case 11:
		return "SIGSEGV"
	default:
		return fmt.Sprintf("signal %d", c.Signal)
	}
}

// EncodeFrame serializes c into a full crash frame. The tracker uses it to
// pre-render the frame template when arming; tests use it to produce
// synthetic frames.
func EncodeFrame(c *CrashContext) ([]byte, error) {
	if len(c.Stack) > MaxStack {
		return nil, fmt.Errorf("crash stack has %d entries, max is %d", len(c.Stack), MaxStack)
	}
	tags := strings.Join(c.Tags, "\x00")
	if len(tags) > maxTagBytes {
		return nil, fmt.Errorf("crash tags need %d bytes, max is %d", len(tags), maxTagBytes)
	}
	frame := make([]byte, FrameSize)
	binary.LittleEndian.PutUint16(frame[offMagic:], frameMagic)
	binary.LittleEndian.PutUint16(frame[offVersion:], frameVersion)
	binary.LittleEndian.PutUint32(frame[offSignal:], uint32(c.Signal))
	binary.LittleEndian.PutUint32(frame[offCode:], uint32(c.Code))
	binary.LittleEndian.PutUint32(frame[offPID:], c.PID)
	binary.LittleEndian.PutUint32(frame[offTID:], c.TID)
	binary.LittleEndian.PutUint64(frame[offTime:], uint64(c.Timestamp))
	binary.LittleEndian.PutUint16(frame[offDepth:], uint16(len(c.Stack)))
	binary.LittleEndian.PutUint16(frame[offTagLen:], uint16(len(tags)))
	for i, pc := range c.Stack {
		binary.LittleEndian.PutUint64(frame[offStack+i*8:], pc)
	}
	copy(frame[offTags:], tags)
	return frame, nil
}

// fitTags returns the longest prefix of tags whose encoded form fits the
// frame's tag region.
func fitTags(tags []string) []string {
	n := 0
	for i, tag := range tags {
		if i > 0 {
			n++ // NUL separator
		}
		n += len(tag)
		if n > maxTagBytes {
			return tags[:i]
		}
	}
	return tags
}

// fillVolatile writes the crash-time fields into a pre-rendered frame. It is
// called on the crash path and must not allocate.
func fillVolatile(frame []byte, sig, code int32, tid uint32, ts int64, pcs []uintptr) {
	binary.LittleEndian.PutUint32(frame[offSignal:], uint32(sig))
	binary.LittleEndian.PutUint32(frame[offCode:], uint32(code))
	binary.LittleEndian.PutUint32(frame[offTID:], tid)
	binary.LittleEndian.PutUint64(frame[offTime:], uint64(ts))
	n := len(pcs)
	if n > MaxStack {
		n = MaxStack
	}
	binary.LittleEndian.PutUint16(frame[offDepth:], uint16(n))
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(frame[offStack+i*8:], uint64(pcs[i]))
	}
}

// DecodeFrame parses one crash frame. Malformed input yields an error, never
// a panic; the receiver discards such frames and keeps listening.
func DecodeFrame(b []byte) (*CrashContext, error) {
	if len(b) != FrameSize {
		return nil, fmt.Errorf("crash frame is %d bytes, want %d", len(b), FrameSize)
	}
	if m := binary.LittleEndian.Uint16(b[offMagic:]); m != frameMagic {
		return nil, fmt.Errorf("bad crash frame magic %#x", m)
	}
	if v := binary.LittleEndian.Uint16(b[offVersion:]); v != frameVersion {
		return nil, fmt.Errorf("unsupported crash frame version %d", v)
	}
	depth := binary.LittleEndian.Uint16(b[offDepth:])
	if depth > MaxStack {
		return nil, fmt.Errorf("crash frame stack depth %d exceeds %d", depth, MaxStack)
	}
	tagLen := binary.LittleEndian.Uint16(b[offTagLen:])
	if tagLen > maxTagBytes {
		return nil, fmt.Errorf("crash frame tag length %d exceeds %d", tagLen, maxTagBytes)
	}
	c := &CrashContext{
		Signal:    int32(binary.LittleEndian.Uint32(b[offSignal:])),
		Code:      int32(binary.LittleEndian.Uint32(b[offCode:])),
		PID:       binary.LittleEndian.Uint32(b[offPID:]),
		TID:       binary.LittleEndian.Uint32(b[offTID:]),
		Timestamp: int64(binary.LittleEndian.Uint64(b[offTime:])),
	}
	if depth > 0 {
		c.Stack = make([]uint64, depth)
		for i := range c.Stack {
			c.Stack[i] = binary.LittleEndian.Uint64(b[offStack+i*8:])
		}
	}
	if tagLen > 0 {
		c.Tags = strings.Split(string(b[offTags:offTags+int(tagLen)]), "\x00")
	}
	return c, nil
}
