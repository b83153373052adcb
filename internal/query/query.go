// Package query implements the query container: an ordered,
// self-describing list of CpG-offset ranges derived from genomic
// intervals and a specific genome index, plus its wire encoding.
package query

import (
	"encoding/binary"

	"github.com/andrewdavidsmith/transferase-go/internal/genomeindex"
)

// Range is a half-open [start, stop) range of CpG-index ordinals.
type Range struct {
	Start uint32
	Stop  uint32
}

// Container is the ordered sequence of CpG-offset ranges that a request
// carries for intervals/intervals_covered queries.
type Container struct {
	Ranges []Range
}

// FromIntervals builds a Container deterministically from a list of
// genomic intervals and a genome index.
func FromIntervals(g *genomeindex.GenomeIndex, intervals []genomeindex.GenomicInterval) (Container, error) {
	raw, err := g.MakeQuery(intervals)
	if err != nil {
		return Container{}, err
	}
	ranges := make([]Range, len(raw))
	for i, r := range raw {
		ranges[i] = Range{Start: r[0], Stop: r[1]}
	}
	return Container{Ranges: ranges}, nil
}

// Len reports n_intervals for this container.
func (c Container) Len() int { return len(c.Ranges) }

// EncodedSize returns the number of bytes the wire encoding occupies:
// 8 bytes (two little-endian u32) per range.
func (c Container) EncodedSize() int { return len(c.Ranges) * 8 }

// Encode writes the container as raw little-endian (u32, u32) pairs,
// the form the wire protocol carries after an intervals request header.
func (c Container) Encode() []byte {
	buf := make([]byte, c.EncodedSize())
	for i, r := range c.Ranges {
		binary.LittleEndian.PutUint32(buf[i*8:], r.Start)
		binary.LittleEndian.PutUint32(buf[i*8+4:], r.Stop)
	}
	return buf
}

// Decode parses n ranges from raw little-endian (u32, u32) pairs.
func Decode(buf []byte, n int) (Container, error) {
	if len(buf) < n*8 {
		return Container{}, errShortQueryBuffer
	}
	ranges := make([]Range, n)
	for i := 0; i < n; i++ {
		ranges[i] = Range{
			Start: binary.LittleEndian.Uint32(buf[i*8:]),
			Stop:  binary.LittleEndian.Uint32(buf[i*8+4:]),
		}
	}
	return Container{Ranges: ranges}, nil
}
