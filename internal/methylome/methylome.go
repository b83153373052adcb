// Package methylome implements the per-sample count store: a per-CpG
// (n_meth, n_unmeth) vector, its compressed on-disk form, and the
// interval/bin/window aggregation kernels.
//
// Data blobs are DEFLATE-compressed via klauspost/compress/flate; the
// JSON sidecar and blob are each written atomically.
package methylome

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/flate"

	jsoniter "github.com/json-iterator/go"

	"github.com/andrewdavidsmith/transferase-go/internal/errs"
	"github.com/andrewdavidsmith/transferase-go/internal/genomeindex"
	"github.com/andrewdavidsmith/transferase-go/internal/levels"
	"github.com/andrewdavidsmith/transferase-go/internal/query"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	dataExt = ".m16"
	metaExt = ".m16.json"
	version = "1"

	siteBytes = 4 // (u16 n_meth, u16 n_unmeth)
)

// Site is one (n_meth, n_unmeth) pair; counts saturate at the u16 max.
type Site struct {
	NMeth   uint16
	NUnmeth uint16
}

// Metadata is the JSON sidecar persisted at <name>.m16.json.
type Metadata struct {
	IndexHash     uint64 `json:"index_hash"`
	NCpGs         uint64 `json:"n_cpgs"`
	IsCompressed  bool   `json:"is_compressed"`
	MethylomeHash uint64 `json:"methylome_hash"`
	Version       string `json:"version"`
	CreationTime  string `json:"creation_time"`
}

// Methylome is the in-memory data + metadata pair.
type Methylome struct {
	Meta Metadata
	Data []Site // length == Meta.NCpGs
}

// New builds a Methylome for the given index-consistent data vector,
// computing its content hash.
func New(indexHash uint64, data []Site) *Methylome {
	m := &Methylome{
		Meta: Metadata{
			IndexHash:    indexHash,
			NCpGs:        uint64(len(data)),
			IsCompressed: true,
			Version:      version,
			CreationTime: time.Now().UTC().Format(time.RFC3339),
		},
		Data: data,
	}
	m.Meta.MethylomeHash = contentHash(data)
	return m
}

// IsConsistent reports whether m's metadata index_hash matches g's hash.
func (m *Methylome) IsConsistent(g *genomeindex.GenomeIndex) bool {
	return m.Meta.IndexHash == g.Hash
}

// Add performs element-wise saturated addition, requiring equal
// index_hash and n_cpgs.
func (m *Methylome) Add(other *Methylome) error {
	if m.Meta.IndexHash != other.Meta.IndexHash || m.Meta.NCpGs != other.Meta.NCpGs {
		return errs.ErrInconsistentGenomes
	}
	for i := range m.Data {
		m.Data[i].NMeth = satAddU16(m.Data[i].NMeth, other.Data[i].NMeth)
		m.Data[i].NUnmeth = satAddU16(m.Data[i].NUnmeth, other.Data[i].NUnmeth)
	}
	m.Meta.MethylomeHash = contentHash(m.Data)
	return nil
}

func satAddU16(a, b uint16) uint16 {
	s := uint32(a) + uint32(b)
	if s > 0xFFFF {
		return 0xFFFF
	}
	return uint16(s)
}

// GetLevelsForQuery aggregates sum(n_meth)/sum(n_unmeth) (and, for the
// covered variant, sum(1 where n_meth+n_unmeth>0)) over each range in q.
func (m *Methylome) GetLevelsForQuery(q query.Container, covered bool) levels.ContainerMD {
	out := levels.NewContainerMD(q.Len(), 1, covered)
	for i, r := range q.Ranges {
		out.Set(i, 0, aggregateRange(m.Data, r.Start, r.Stop, covered))
	}
	return out
}

func aggregateRange(data []Site, lo, hi uint32, covered bool) levels.Element {
	var e levels.Element
	e.Covered = covered
	if hi > uint32(len(data)) {
		hi = uint32(len(data))
	}
	for i := lo; i < hi; i++ {
		s := data[i]
		e.NMeth = satAddU32(e.NMeth, uint32(s.NMeth))
		e.NUnmeth = satAddU32(e.NUnmeth, uint32(s.NUnmeth))
		if covered && (s.NMeth > 0 || s.NUnmeth > 0) {
			e.NCovered++
		}
	}
	return e
}

func satAddU32(a, b uint32) uint32 {
	s := a + b
	if s < a {
		return ^uint32(0)
	}
	return s
}

// GetLevelsForBins walks chromosomes in genome-index order, emitting
// one row per bin, including empty bins.
func (m *Methylome) GetLevelsForBins(g *genomeindex.GenomeIndex, binSize uint32, covered bool) levels.ContainerMD {
	nBins := int(g.NBins(binSize))
	out := levels.NewContainerMD(nBins, 1, covered)
	row := 0
	for chromID := range g.ChromOrder {
		size := g.ChromSize[chromID]
		for start := uint32(0); start < size; start += binSize {
			lo, hi := g.BinRange(uint32(chromID), start, binSize)
			out.Set(row, 0, aggregateRange(m.Data, lo, hi, covered))
			row++
		}
	}
	return out
}

// GetLevelsForWindows mirrors GetLevelsForBins with stepped, possibly
// overlapping windows.
func (m *Methylome) GetLevelsForWindows(g *genomeindex.GenomeIndex, windowSize, windowStep uint32, covered bool) levels.ContainerMD {
	nWin := int(g.NWindows(windowSize, windowStep))
	out := levels.NewContainerMD(nWin, 1, covered)
	row := 0
	for chromID := range g.ChromOrder {
		size := g.ChromSize[chromID]
		if size == 0 {
			continue
		}
		for start := uint32(0); start < size; start += windowStep {
			lo, hi := g.BinRange(uint32(chromID), start, windowSize)
			out.Set(row, 0, aggregateRange(m.Data, lo, hi, covered))
			row++
		}
	}
	return out
}

// GlobalLevels aggregates across the whole methylome.
func (m *Methylome) GlobalLevels(covered bool) levels.Element {
	return aggregateRange(m.Data, 0, uint32(len(m.Data)), covered)
}

func contentHash(data []Site) uint64 {
	h := newHasher()
	for _, s := range data {
		h.writeU16(s.NMeth)
		h.writeU16(s.NUnmeth)
	}
	return h.sum64()
}

// Read loads a Methylome from dir/name.m16(.json).
// Metadata is parsed first, then data is loaded and, if compressed,
// inflated; a length check validates n_cpgs against the decoded data.
func Read(dir, name string) (*Methylome, error) {
	base := filepath.Join(dir, name)
	var md Metadata
	mf, err := os.Open(base + metaExt)
	if err != nil {
		return nil, errs.Wrap(errs.CategoryIO, errs.StatusMethylomeNotFound, "open methylome metadata", err)
	}
	defer mf.Close()
	if err := json.NewDecoder(mf).Decode(&md); err != nil {
		return nil, errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "decode methylome metadata", err)
	}

	raw, err := os.ReadFile(base + dataExt)
	if err != nil {
		return nil, errs.Wrap(errs.CategoryIO, errs.StatusMethylomeNotFound, "read methylome data", err)
	}
	if md.IsCompressed {
		raw, err = inflate(raw)
		if err != nil {
			return nil, errs.Wrap(errs.CategoryCompression, errs.StatusServerFailure, "decompression_failed", err)
		}
	}
	if len(raw)%siteBytes != 0 || uint64(len(raw)/siteBytes) != md.NCpGs {
		return nil, errs.New(errs.CategoryIO, errs.StatusServerFailure, "invalid_methylome_header: data/metadata length mismatch")
	}
	data := make([]Site, md.NCpGs)
	for i := range data {
		off := i * siteBytes
		data[i] = Site{
			NMeth:   binary.LittleEndian.Uint16(raw[off:]),
			NUnmeth: binary.LittleEndian.Uint16(raw[off+2:]),
		}
	}
	return &Methylome{Meta: md, Data: data}, nil
}

// Write persists the Methylome as dir/name.m16(.json), compressing the
// data blob with DEFLATE and writing both files atomically.
func Write(dir, name string, m *Methylome) error {
	base := filepath.Join(dir, name)

	raw := make([]byte, len(m.Data)*siteBytes)
	for i, s := range m.Data {
		off := i * siteBytes
		binary.LittleEndian.PutUint16(raw[off:], s.NMeth)
		binary.LittleEndian.PutUint16(raw[off+2:], s.NUnmeth)
	}
	out := raw
	if m.Meta.IsCompressed {
		var err error
		out, err = deflate(raw)
		if err != nil {
			return errs.Wrap(errs.CategoryCompression, errs.StatusServerFailure, "bad_data", err)
		}
	}
	if err := atomicWrite(base+dataExt, out); err != nil {
		return errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "write methylome data", err)
	}

	mb, err := json.MarshalIndent(m.Meta, "", "  ")
	if err != nil {
		return errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "marshal methylome metadata", err)
	}
	if err := atomicWrite(base+metaExt, mb); err != nil {
		return errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "write methylome metadata", err)
	}
	return nil
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.ErrDecompressionFailed
	}
	return out, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
