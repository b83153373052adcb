package methylome

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

type hasher struct{ d *xxhash.Digest }

func newHasher() *hasher { return &hasher{d: xxhash.New()} }

func (h *hasher) writeU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	h.d.Write(b[:])
}

func (h *hasher) sum64() uint64 { return h.d.Sum64() }
