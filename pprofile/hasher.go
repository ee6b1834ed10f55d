package pprofile

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/spaolacci/murmur3"
)

// Hash is a 128-bit hash representing sample identity
type Hash [16]byte

type byHash []Hash

func (h byHash) Len() int           { return len(h) }
func (h byHash) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h byHash) Less(i, j int) bool { return bytes.Compare(h[i][:], h[j][:]) == -1 }

// hasher computes identity hashes for samples. Two samples share an identity
// when their type, timestamp, stack and labels are equal; values do not
// contribute, so equal-identity samples can be aggregated by summing values.
type hasher struct {
	alg murmur3.Hash128

	scratch       [8]byte
	scratchHashes byHash
	scratchHash   Hash
}

func newHasher() *hasher {
	return &hasher{alg: murmur3.New128()}
}

func (h *hasher) sample(s *Sample) Hash {
	h.scratchHashes = h.scratchHashes[:0]
	for i := range s.Labels {
		l := &s.Labels[i]
		h.alg.Reset()
		h.alg.Write([]byte(l.Key))
		h.alg.Write([]byte(l.Str))
		binary.BigEndian.PutUint64(h.scratch[:], uint64(l.Num))
		h.alg.Write(h.scratch[0:8])
		h.alg.Write([]byte(l.NumUnit))
		h.alg.Sum(h.scratchHash[:0])
		h.scratchHashes = append(h.scratchHashes, h.scratchHash)
	}

	h.alg.Reset()
	binary.LittleEndian.PutUint64(h.scratch[:], uint64(s.Type))
	h.alg.Write(h.scratch[:8])
	binary.LittleEndian.PutUint64(h.scratch[:], uint64(s.Timestamp))
	h.alg.Write(h.scratch[:8])
	for _, f := range s.Stack {
		binary.LittleEndian.PutUint64(h.scratch[:], f.Addr)
		h.alg.Write(h.scratch[:8])
		h.alg.Write([]byte(f.Symbol))
	}

	// Label order must not affect identity, so the per-label hashes are
	// folded in sorted order.
	if len(h.scratchHashes) > 1 {
		sort.Sort(&h.scratchHashes)
	}
	for _, sub := range h.scratchHashes {
		copy(h.scratchHash[:], sub[:]) // avoid sub escape to heap
		h.alg.Write(h.scratchHash[:])
	}
	h.alg.Sum(h.scratchHash[:0])
	return h.scratchHash
}
