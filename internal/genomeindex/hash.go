package genomeindex

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// hasher wraps xxhash.Digest with the little-endian-normalised write
// helpers used to build a stable, platform-independent genome index
// hash.
type hasher struct {
	d *xxhash.Digest
}

func xxhashNew() *hasher { return &hasher{d: xxhash.New()} }

func (h *hasher) WriteString(s string) {
	_, _ = h.d.WriteString(s)
	h.d.Write([]byte{0}) // separator so adjacent fields can't collide
}

func (h *hasher) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	h.d.Write(b[:])
}

func (h *hasher) Sum64() uint64 { return h.d.Sum64() }
