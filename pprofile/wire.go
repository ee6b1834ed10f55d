package pprofile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/richardartoul/molecule"
	"github.com/richardartoul/molecule/src/codec"
	"github.com/richardartoul/molecule/src/protowire"
)

// WireVersion is the bundle schema version written by MarshalBinary and the
// only version UnmarshalBinary accepts.
const WireVersion = 1

// stringTable interns strings during encoding. Index 0 is always the empty
// string.
type stringTable struct {
	index   map[string]uint64
	strings []string
}

func newStringTable() *stringTable {
	return &stringTable{
		index:   map[string]uint64{"": 0},
		strings: []string{""},
	}
}

// intern returns the table index for s, adding it on first use.
func (st *stringTable) intern(s string) uint64 {
	if i, ok := st.index[s]; ok {
		return i
	}
	i := uint64(len(st.strings))
	st.index[s] = i
	st.strings = append(st.strings, s)
	return i
}

// MarshalBinary encodes the profile as a versioned bundle. The encoding is
// canonical: encoding the same profile twice yields identical bytes, and
// re-encoding a decoded bundle reproduces the input byte for byte. Addresses
// and symbols are written as captured; nothing is resolved during encoding.
// The zero time encodes as 0 nanoseconds.
func (p *Profile) MarshalBinary() ([]byte, error) {
	for i := range p.Samples {
		s := &p.Samples[i]
		if s.Type != UnknownSample && !s.Type.Valid() {
			return nil, fmt.Errorf("invalid sample type %d", s.Type)
		}
		for _, l := range s.Labels {
			if l.Key == "" {
				return nil, fmt.Errorf("sample label with empty key")
			}
		}
	}

	var buf bytes.Buffer
	enc := bundleEncoder{
		ps: molecule.NewProtoStream(&buf),
		st: newStringTable(),
	}
	if err := enc.bundle(p); err != nil {
		return nil, err
	}
	// The string table goes last so decoding can collect it in a first pass
	// over the buffer before the records referencing it are resolved.
	var scratch []byte
	for _, s := range enc.st.strings {
		scratch = appendProtoBytes(scratch[:0], int32(recBundleStringTable), []byte(s))
		buf.Write(scratch)
	}
	return buf.Bytes(), nil
}

type bundleEncoder struct {
	ps    *molecule.ProtoStream
	st    *stringTable
	addrs []uint64
	syms  []uint64
}

func (e *bundleEncoder) bundle(p *Profile) error {
	if err := e.ps.Uint64(int(recBundleSchemaVersion), WireVersion); err != nil {
		return err
	}
	var startNanos, endNanos int64
	if !p.Start.IsZero() {
		startNanos = p.Start.UnixNano()
	}
	if !p.End.IsZero() {
		endNanos = p.End.UnixNano()
	}
	if err := e.ps.Int64(int(recBundleStartTimeNanos), startNanos); err != nil {
		return err
	}
	if err := e.ps.Int64(int(recBundleEndTimeNanos), endNanos); err != nil {
		return err
	}
	if err := e.ps.Uint64(int(recBundleSeq), p.Seq); err != nil {
		return err
	}
	for i := range p.Samples {
		s := &p.Samples[i]
		err := e.ps.Embedded(int(recBundleSample), func(ps *molecule.ProtoStream) error {
			return e.sample(ps, s)
		})
		if err != nil {
			return err
		}
	}
	for i := range p.Provenance {
		unit := &p.Provenance[i]
		err := e.ps.Embedded(int(recBundleProvenance), func(ps *molecule.ProtoStream) error {
			return e.codeUnit(ps, unit)
		})
		if err != nil {
			return err
		}
	}
	if p.Drops != (DropCounters{}) {
		err := e.ps.Embedded(int(recBundleDropCounters), func(ps *molecule.ProtoStream) error {
			if err := ps.Uint64(int(recDropPoolExhausted), p.Drops.PoolExhausted); err != nil {
				return err
			}
			if err := ps.Uint64(int(recDropQueueEvicted), p.Drops.QueueEvicted); err != nil {
				return err
			}
			return ps.Uint64(int(recDropUploadFailed), p.Drops.UploadFailed)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *bundleEncoder) sample(ps *molecule.ProtoStream, s *Sample) error {
	if err := ps.Int64(int(recSampleType), int64(s.Type)); err != nil {
		return err
	}
	e.addrs = e.addrs[:0]
	e.syms = e.syms[:0]
	hasSymbols := false
	for _, f := range s.Stack {
		e.addrs = append(e.addrs, f.Addr)
		idx := e.st.intern(f.Symbol)
		e.syms = append(e.syms, idx)
		if idx != 0 {
			hasSymbols = true
		}
	}
	if err := encodeUint64s(ps, int(recSampleAddrs), e.addrs); err != nil {
		return err
	}
	if err := encodeInt64s(ps, int(recSampleValues), s.Values); err != nil {
		return err
	}
	for i := range s.Labels {
		l := &s.Labels[i]
		err := ps.Embedded(int(recSampleLabel), func(ps *molecule.ProtoStream) error {
			if err := ps.Int64(int(recLabelKey), int64(e.st.intern(l.Key))); err != nil {
				return err
			}
			if err := ps.Int64(int(recLabelStr), int64(e.st.intern(l.Str))); err != nil {
				return err
			}
			if err := ps.Int64(int(recLabelNum), l.Num); err != nil {
				return err
			}
			return ps.Int64(int(recLabelNumUnit), int64(e.st.intern(l.NumUnit)))
		})
		if err != nil {
			return err
		}
	}
	if err := ps.Int64(int(recSampleTimestampNanos), s.Timestamp); err != nil {
		return err
	}
	// the symbols field is omitted when no frame carries a symbol
	if hasSymbols {
		return encodeUint64s(ps, int(recSampleSymbols), e.syms)
	}
	return nil
}

func (e *bundleEncoder) codeUnit(ps *molecule.ProtoStream, unit *CodeUnit) error {
	if err := ps.Uint64(int(recProvenanceLo), unit.Lo); err != nil {
		return err
	}
	if err := ps.Uint64(int(recProvenanceHi), unit.Hi); err != nil {
		return err
	}
	if err := ps.Int64(int(recProvenanceUnitID), int64(e.st.intern(unit.UnitID))); err != nil {
		return err
	}
	return ps.Int64(int(recProvenanceVersion), int64(e.st.intern(unit.Version)))
}

// Repeated scalar fields encode a single nonzero element unpacked; empty
// slices and lone zeros take the packed path so they survive the stream's
// zero-value skipping.
func encodeUint64s(ps *molecule.ProtoStream, field int, vals []uint64) error {
	if len(vals) == 1 && vals[0] != 0 {
		return ps.Uint64(field, vals[0])
	}
	return ps.Uint64Packed(field, vals)
}

func encodeInt64s(ps *molecule.ProtoStream, field int, vals []int64) error {
	if len(vals) == 1 && vals[0] != 0 {
		return ps.Int64(field, vals[0])
	}
	return ps.Int64Packed(field, vals)
}

func appendProtoBytes(b []byte, field int32, value []byte) []byte {
	b = protowire.AppendVarint(b, uint64((field<<3)|int32(codec.WireBytes)))
	b = protowire.AppendVarint(b, uint64(len(value)))
	return append(b, value...)
}

// UnmarshalBinary decodes a bundle produced by MarshalBinary, replacing the
// profile's contents. Malformed input returns an error and never panics; the
// profile contents are unspecified after an error.
func (p *Profile) UnmarshalBinary(b []byte) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("internal panic during bundle decoding: %v", e)
		}
	}()

	var d bundleDecoder
	// First pass collects the string table and the schema version so the
	// second pass can resolve string indices as records arrive.
	if err := molecule.MessageEach(codec.NewBuffer(b), d.stringsPass); err != nil {
		return fmt.Errorf("decoding bundle string table: %w", err)
	}
	if d.version != WireVersion {
		return fmt.Errorf("unsupported bundle version %d", d.version)
	}

	*p = Profile{}
	err = molecule.MessageEach(codec.NewBuffer(b), func(field int32, value molecule.Value) (bool, error) {
		return d.recordsPass(p, field, value)
	})
	if err != nil {
		return fmt.Errorf("decoding bundle records: %w", err)
	}
	return nil
}

type bundleDecoder struct {
	version uint64
	strings []string
}

func (d *bundleDecoder) stringsPass(field int32, value molecule.Value) (bool, error) {
	switch bundleRecordNumber(field) {
	case recBundleSchemaVersion:
		if value.WireType != codec.WireVarint {
			return false, fmt.Errorf("schema version: unexpected wire type %d", value.WireType)
		}
		d.version = value.Number
	case recBundleStringTable:
		if value.WireType != codec.WireBytes {
			return false, fmt.Errorf("string table: unexpected wire type %d", value.WireType)
		}
		d.strings = append(d.strings, string(value.Bytes))
	}
	return true, nil
}

func (d *bundleDecoder) str(i uint64) (string, error) {
	if i >= uint64(len(d.strings)) {
		return "", fmt.Errorf("string index %d out of range", i)
	}
	return d.strings[i], nil
}

func (d *bundleDecoder) recordsPass(p *Profile, field int32, value molecule.Value) (bool, error) {
	switch bundleRecordNumber(field) {
	case recBundleStartTimeNanos:
		if value.WireType != codec.WireVarint {
			return false, fmt.Errorf("start time: unexpected wire type %d", value.WireType)
		}
		if n := int64(value.Number); n != 0 {
			p.Start = time.Unix(0, n).UTC()
		}
	case recBundleEndTimeNanos:
		if value.WireType != codec.WireVarint {
			return false, fmt.Errorf("end time: unexpected wire type %d", value.WireType)
		}
		if n := int64(value.Number); n != 0 {
			p.End = time.Unix(0, n).UTC()
		}
	case recBundleSeq:
		if value.WireType != codec.WireVarint {
			return false, fmt.Errorf("seq: unexpected wire type %d", value.WireType)
		}
		p.Seq = value.Number
	case recBundleSample:
		if value.WireType != codec.WireBytes {
			return false, fmt.Errorf("sample: unexpected wire type %d", value.WireType)
		}
		s, err := d.decodeSample(value.Bytes)
		if err != nil {
			return false, err
		}
		p.Samples = append(p.Samples, s)
	case recBundleProvenance:
		if value.WireType != codec.WireBytes {
			return false, fmt.Errorf("provenance: unexpected wire type %d", value.WireType)
		}
		unit, err := d.decodeCodeUnit(value.Bytes)
		if err != nil {
			return false, err
		}
		p.Provenance = append(p.Provenance, unit)
	case recBundleDropCounters:
		if value.WireType != codec.WireBytes {
			return false, fmt.Errorf("drop counters: unexpected wire type %d", value.WireType)
		}
		if err := d.decodeDrops(value.Bytes, &p.Drops); err != nil {
			return false, err
		}
	case recBundleSchemaVersion, recBundleStringTable:
		// handled in the first pass
	}
	return true, nil
}

func (d *bundleDecoder) decodeSample(b []byte) (Sample, error) {
	var (
		s      Sample
		addrs  []uint64
		symIdx []uint64
	)
	err := molecule.MessageEach(codec.NewBuffer(b), func(field int32, value molecule.Value) (bool, error) {
		switch sampleRecordNumber(field) {
		case recSampleType:
			if value.WireType != codec.WireVarint {
				return false, fmt.Errorf("sample type: unexpected wire type %d", value.WireType)
			}
			if value.Number > uint64(ExceptionSample) {
				return false, fmt.Errorf("invalid sample type %d", value.Number)
			}
			s.Type = SampleType(value.Number)
		case recSampleAddrs:
			switch value.WireType {
			case codec.WireBytes:
				if err := iterPackedVarints(value.Bytes, func(n uint64) {
					addrs = append(addrs, n)
				}); err != nil {
					return false, err
				}
			case codec.WireVarint:
				addrs = append(addrs, value.Number)
			default:
				return false, fmt.Errorf("sample addresses: unexpected wire type %d", value.WireType)
			}
		case recSampleValues:
			switch value.WireType {
			case codec.WireBytes:
				if err := iterPackedVarints(value.Bytes, func(n uint64) {
					s.Values = append(s.Values, int64(n))
				}); err != nil {
					return false, err
				}
			case codec.WireVarint:
				s.Values = append(s.Values, int64(value.Number))
			default:
				return false, fmt.Errorf("sample values: unexpected wire type %d", value.WireType)
			}
		case recSampleLabel:
			if value.WireType != codec.WireBytes {
				return false, fmt.Errorf("sample label: unexpected wire type %d", value.WireType)
			}
			l, err := d.decodeLabel(value.Bytes)
			if err != nil {
				return false, err
			}
			s.Labels = append(s.Labels, l)
		case recSampleTimestampNanos:
			if value.WireType != codec.WireVarint {
				return false, fmt.Errorf("sample timestamp: unexpected wire type %d", value.WireType)
			}
			s.Timestamp = int64(value.Number)
		case recSampleSymbols:
			switch value.WireType {
			case codec.WireBytes:
				if err := iterPackedVarints(value.Bytes, func(n uint64) {
					symIdx = append(symIdx, n)
				}); err != nil {
					return false, err
				}
			case codec.WireVarint:
				symIdx = append(symIdx, value.Number)
			default:
				return false, fmt.Errorf("sample symbols: unexpected wire type %d", value.WireType)
			}
		}
		return true, nil
	})
	if err != nil {
		return Sample{}, err
	}
	if len(symIdx) > len(addrs) {
		return Sample{}, fmt.Errorf("sample has %d symbols for %d frames", len(symIdx), len(addrs))
	}
	if len(addrs) > 0 {
		s.Stack = make([]Frame, len(addrs))
		for i, a := range addrs {
			s.Stack[i].Addr = a
			if i < len(symIdx) && symIdx[i] != 0 {
				sym, err := d.str(symIdx[i])
				if err != nil {
					return Sample{}, err
				}
				s.Stack[i].Symbol = sym
			}
		}
	}
	return s, nil
}

func (d *bundleDecoder) decodeLabel(b []byte) (Label, error) {
	var l Label
	err := molecule.MessageEach(codec.NewBuffer(b), func(field int32, value molecule.Value) (bool, error) {
		switch labelRecordNumber(field) {
		case recLabelKey, recLabelStr, recLabelNumUnit:
			if value.WireType != codec.WireVarint {
				return false, fmt.Errorf("label field %d: unexpected wire type %d", field, value.WireType)
			}
			s, err := d.str(value.Number)
			if err != nil {
				return false, err
			}
			switch labelRecordNumber(field) {
			case recLabelKey:
				l.Key = s
			case recLabelStr:
				l.Str = s
			case recLabelNumUnit:
				l.NumUnit = s
			}
		case recLabelNum:
			if value.WireType != codec.WireVarint {
				return false, fmt.Errorf("label num: unexpected wire type %d", value.WireType)
			}
			l.Num = int64(value.Number)
		}
		return true, nil
	})
	if err != nil {
		return Label{}, err
	}
	if l.Key == "" {
		return Label{}, fmt.Errorf("label has empty key")
	}
	return l, nil
}

func (d *bundleDecoder) decodeCodeUnit(b []byte) (CodeUnit, error) {
	var unit CodeUnit
	err := molecule.MessageEach(codec.NewBuffer(b), func(field int32, value molecule.Value) (bool, error) {
		switch provenanceRecordNumber(field) {
		case recProvenanceLo, recProvenanceHi, recProvenanceUnitID, recProvenanceVersion:
			if value.WireType != codec.WireVarint {
				return false, fmt.Errorf("provenance field %d: unexpected wire type %d", field, value.WireType)
			}
		default:
			return true, nil
		}
		switch provenanceRecordNumber(field) {
		case recProvenanceLo:
			unit.Lo = value.Number
		case recProvenanceHi:
			unit.Hi = value.Number
		case recProvenanceUnitID:
			s, err := d.str(value.Number)
			if err != nil {
				return false, err
			}
			unit.UnitID = s
		case recProvenanceVersion:
			s, err := d.str(value.Number)
			if err != nil {
				return false, err
			}
			unit.Version = s
		}
		return true, nil
	})
	return unit, err
}

func (d *bundleDecoder) decodeDrops(b []byte, drops *DropCounters) error {
	return molecule.MessageEach(codec.NewBuffer(b), func(field int32, value molecule.Value) (bool, error) {
		switch dropRecordNumber(field) {
		case recDropPoolExhausted, recDropQueueEvicted, recDropUploadFailed:
			if value.WireType != codec.WireVarint {
				return false, fmt.Errorf("drop counter field %d: unexpected wire type %d", field, value.WireType)
			}
		default:
			return true, nil
		}
		switch dropRecordNumber(field) {
		case recDropPoolExhausted:
			drops.PoolExhausted = value.Number
		case recDropQueueEvicted:
			drops.QueueEvicted = value.Number
		case recDropUploadFailed:
			drops.UploadFailed = value.Number
		}
		return true, nil
	})
}

func iterPackedVarints(b []byte, f func(n uint64)) error {
	for len(b) > 0 {
		v, n := binary.Uvarint(b)
		if n <= 0 {
			return fmt.Errorf("invalid varint")
		}
		f(v)
		b = b[n:]
	}
	return nil
}
