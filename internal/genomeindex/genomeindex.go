// Package genomeindex implements the on-disk, memory-mappable CpG-site
// enumeration for a reference genome: chromosome order and sizes,
// per-chromosome CpG position vectors, and the prefix-sum chrom_offset
// table that lets interval queries translate to contiguous CpG-index
// ranges in O(log N).
package genomeindex

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sys/unix"

	"github.com/andrewdavidsmith/transferase-go/internal/errs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	dataExt = ".cpg_idx"
	metaExt = ".cpg_idx.json"
	version = "1"
)

// GenomicInterval is a half-open (ch_id, start, stop) range into a
// chromosome named by its index into a GenomeIndex's chromosome order.
type GenomicInterval struct {
	ChromID uint32
	Start   uint32
	Stop    uint32
}

// metadata is the JSON sidecar (<genome>.cpg_idx.json), matching the
// documented on-disk format.
type metadata struct {
	Version     string         `json:"version"`
	Assembly    string         `json:"assembly"`
	NCpGs       uint64         `json:"n_cpgs"`
	IndexHash   uint64         `json:"index_hash"`
	ChromOrder  []string       `json:"chrom_order"`
	ChromSize   []uint32       `json:"chrom_size"`
	ChromOffset []uint64       `json:"chrom_offset"`
	ChromIndex  map[string]int `json:"chrom_index"`
}

// GenomeIndex is the read-only, reference-counted-by-convention (shared
// via plain pointer in this single-process Go port) enumeration of CpG
// sites. Once built or loaded it is never mutated.
type GenomeIndex struct {
	Assembly    string
	Hash        uint64
	ChromOrder  []string
	ChromSize   []uint32
	ChromOffset []uint64 // len == len(ChromOrder)+1, prefix sums
	ChromIndex  map[string]int
	Positions   [][]uint32 // per-chromosome, strictly increasing
	NCpGs       uint64
}

// NCpGsTotal returns n_cpgs, the sum of all per-chromosome CpG counts.
func (g *GenomeIndex) NCpGsTotal() uint64 { return g.NCpGs }

// NChroms returns the number of chromosomes in the canonical order.
func (g *GenomeIndex) NChroms() int { return len(g.ChromOrder) }

// New builds a GenomeIndex from parallel chromosome name/size/positions
// slices (as would be produced by an external FASTA-driven builder; that
// builder lives outside this module). Positions must already be
// sorted increasing per chromosome and bounded by the chromosome size.
func New(assembly string, chromOrder []string, chromSize []uint32, positions [][]uint32) (*GenomeIndex, error) {
	if len(chromOrder) != len(chromSize) || len(chromOrder) != len(positions) {
		return nil, fmt.Errorf("genomeindex: mismatched chromosome slice lengths")
	}
	g := &GenomeIndex{
		Assembly:    assembly,
		ChromOrder:  append([]string(nil), chromOrder...),
		ChromSize:   append([]uint32(nil), chromSize...),
		ChromIndex:  make(map[string]int, len(chromOrder)),
		ChromOffset: make([]uint64, len(chromOrder)+1),
		Positions:   make([][]uint32, len(positions)),
	}
	var total uint64
	for i, name := range chromOrder {
		g.ChromIndex[name] = i
		g.ChromOffset[i] = total
		pos := positions[i]
		for j, p := range pos {
			if p >= chromSize[i] {
				return nil, fmt.Errorf("genomeindex: position %d out of bounds for chrom %q (size %d)", p, name, chromSize[i])
			}
			if j > 0 && pos[j-1] >= p {
				return nil, fmt.Errorf("genomeindex: positions for chrom %q not strictly increasing", name)
			}
		}
		g.Positions[i] = append([]uint32(nil), pos...)
		total += uint64(len(pos))
	}
	g.ChromOffset[len(chromOrder)] = total
	g.NCpGs = total
	g.Hash = computeHash(g)
	return g, nil
}

// IsConsistent recomputes the hash and reports whether it still matches
// the stored one.
func (g *GenomeIndex) IsConsistent() bool { return computeHash(g) == g.Hash }

func computeHash(g *GenomeIndex) uint64 {
	h := xxhashNew()
	for i, name := range g.ChromOrder {
		h.WriteString(name)
		h.WriteUint32(g.ChromSize[i])
		for _, p := range g.Positions[i] {
			h.WriteUint32(p)
		}
	}
	return h.Sum64()
}

// MakeQuery translates a list of genomic intervals into CpG-offset
// ranges. Intervals with an out-of-range
// ChromID fail the whole call with ErrIndexNotFound-flavored semantics
// (chrom_name_not_found_in_index, folded here into a generic error since
// this layer doesn't see methylome names).
func (g *GenomeIndex) MakeQuery(intervals []GenomicInterval) ([][2]uint32, error) {
	out := make([][2]uint32, len(intervals))
	for i, iv := range intervals {
		if int(iv.ChromID) >= len(g.ChromOrder) {
			return nil, fmt.Errorf("genomeindex: chrom_id %d not found in index", iv.ChromID)
		}
		size := g.ChromSize[iv.ChromID]
		start, stop := iv.Start, iv.Stop
		if start > size {
			start = size
		}
		if stop > size {
			stop = size
		}
		if start > stop {
			start = stop
		}
		pos := g.Positions[iv.ChromID]
		off := uint32(g.ChromOffset[iv.ChromID])
		lo := off + uint32(lowerBound(pos, start))
		hi := off + uint32(lowerBound(pos, stop))
		out[i] = [2]uint32{lo, hi}
	}
	return out, nil
}

func lowerBound(pos []uint32, v uint32) int {
	return sort.Search(len(pos), func(i int) bool { return pos[i] >= v })
}

// NBins returns the number of fixed-width bins across the whole genome
// for a given bin size.
func (g *GenomeIndex) NBins(binSize uint32) uint32 {
	var n uint32
	for _, size := range g.ChromSize {
		n += ceilDiv(size, binSize)
	}
	return n
}

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// NWindows returns the number of sliding windows of the given size and
// step across the whole genome.
func (g *GenomeIndex) NWindows(windowSize, windowStep uint32) uint32 {
	var n uint32
	for _, size := range g.ChromSize {
		n += nWindowsForChrom(size, windowStep)
	}
	_ = windowSize // window size does not affect the count of starts
	return n
}

func nWindowsForChrom(chromSize, step uint32) uint32 {
	if step == 0 || chromSize == 0 {
		return 0
	}
	return (chromSize-1)/step + 1
}

// BinRange returns the CpG offset range [lo, hi) for the bin on
// chromosome chromID starting at genomic coordinate start, clamped to
// the chromosome size.
func (g *GenomeIndex) BinRange(chromID uint32, start, binSize uint32) (lo, hi uint32) {
	size := g.ChromSize[chromID]
	end := start + binSize
	if end > size {
		end = size
	}
	pos := g.Positions[chromID]
	off := uint32(g.ChromOffset[chromID])
	return off + uint32(lowerBound(pos, start)), off + uint32(lowerBound(pos, end))
}

// ReadHash reads only the index_hash field from dir/genome.cpg_idx.json,
// without loading the (potentially large) CpG position data. Used by
// internal/server to map a request's index_hash back to a genome name.
func ReadHash(dir, genome string) (uint64, error) {
	mf, err := os.Open(filepath.Join(dir, genome) + metaExt)
	if err != nil {
		return 0, errs.Wrap(errs.CategoryIO, errs.StatusIndexNotFound, "open genome index metadata", err)
	}
	defer mf.Close()
	var md struct {
		IndexHash uint64 `json:"index_hash"`
	}
	if err := json.NewDecoder(mf).Decode(&md); err != nil {
		return 0, errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "decode genome index metadata", err)
	}
	return md.IndexHash, nil
}

// Read loads a GenomeIndex from dir/genome.cpg_idx(.json).
func Read(dir, genome string) (*GenomeIndex, error) {
	base := filepath.Join(dir, genome)
	var md metadata
	mf, err := os.Open(base + metaExt)
	if err != nil {
		return nil, errs.Wrap(errs.CategoryIO, errs.StatusIndexNotFound, "open genome index metadata", err)
	}
	defer mf.Close()
	if err := json.NewDecoder(mf).Decode(&md); err != nil {
		return nil, errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "decode genome index metadata", err)
	}

	raw, closeMap, err := mmapFile(base + dataExt)
	if err != nil {
		return nil, errs.Wrap(errs.CategoryIO, errs.StatusIndexNotFound, "mmap genome index data", err)
	}
	defer closeMap()

	g := &GenomeIndex{
		Assembly:    md.Assembly,
		Hash:        md.IndexHash,
		ChromOrder:  md.ChromOrder,
		ChromSize:   md.ChromSize,
		ChromOffset: md.ChromOffset,
		ChromIndex:  md.ChromIndex,
		NCpGs:       md.NCpGs,
		Positions:   make([][]uint32, len(md.ChromOrder)),
	}
	off := 0
	for i := range g.ChromOrder {
		n := int(md.ChromOffset[i+1] - md.ChromOffset[i])
		vals := make([]uint32, n)
		for j := 0; j < n; j++ {
			if off+4 > len(raw) {
				return nil, errs.New(errs.CategoryIO, errs.StatusServerFailure, "truncated genome index data")
			}
			vals[j] = binary.LittleEndian.Uint32(raw[off : off+4])
			off += 4
		}
		g.Positions[i] = vals
	}
	if !g.IsConsistent() {
		return nil, errs.New(errs.CategoryIO, errs.StatusInvalidIndexHash, "genome index hash mismatch on load")
	}
	return g, nil
}

// Write persists the GenomeIndex as dir/genome.cpg_idx(.json), atomically
// via a temp-file-then-rename.
func Write(dir, genome string, g *GenomeIndex) error {
	base := filepath.Join(dir, genome)

	buf := make([]byte, 0, int(g.NCpGs)*4)
	for _, pos := range g.Positions {
		for _, p := range pos {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], p)
			buf = append(buf, b[:]...)
		}
	}
	if err := atomicWrite(base+dataExt, buf); err != nil {
		return errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "write genome index data", err)
	}

	md := metadata{
		Version:     version,
		Assembly:    g.Assembly,
		NCpGs:       g.NCpGs,
		IndexHash:   g.Hash,
		ChromOrder:  g.ChromOrder,
		ChromSize:   g.ChromSize,
		ChromOffset: g.ChromOffset,
		ChromIndex:  g.ChromIndex,
	}
	mb, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "marshal genome index metadata", err)
	}
	if err := atomicWrite(base+metaExt, mb); err != nil {
		return errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "write genome index metadata", err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// mmapFile memory-maps path read-only and returns the mapped bytes
// plus a closer that
// unmaps them. An empty file maps to a nil slice since unix.Mmap
// rejects a zero-length mapping.
func mmapFile(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if info.Size() == 0 {
		return nil, func() {}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	return data, func() { _ = unix.Munmap(data) }, nil
}
