// Package levels implements the aggregated per-(region, methylome)
// counts returned by a query, in both uncovered (n_meth, n_unmeth) and
// covered (n_meth, n_unmeth, n_covered) variants, plus their row-major
// binary encoding for the response payload.
package levels

import "encoding/binary"

// Element is one aggregated (region, methylome) cell. Covered is false
// for the two-field "uncovered" variant; NCovered is meaningless unless
// Covered is true.
type Element struct {
	NMeth    uint32
	NUnmeth  uint32
	NCovered uint32
	Covered  bool
}

// MinReads is the minimum total read count below which Wmean returns
// the sentinel -1.0.
const MinReads = 1

// Wmean returns n_meth / (n_meth + n_unmeth), or -1.0 if the total falls
// below minReads.
func (e Element) Wmean(minReads uint32) float64 {
	total := e.NMeth + e.NUnmeth
	if total < minReads {
		return -1.0
	}
	return float64(e.NMeth) / float64(total)
}

// Add accumulates src into e with saturating u32 addition.
func (e *Element) Add(src Element) {
	e.NMeth = satAddU32(e.NMeth, src.NMeth)
	e.NUnmeth = satAddU32(e.NUnmeth, src.NUnmeth)
	if e.Covered || src.Covered {
		e.NCovered = satAddU32(e.NCovered, src.NCovered)
		e.Covered = true
	}
}

func satAddU32(a, b uint32) uint32 {
	s := a + b
	if s < a { // overflow
		return ^uint32(0)
	}
	return s
}

// ElementSize returns the on-wire size in bytes of one element: three
// u32 for covered, two for uncovered.
func ElementSize(covered bool) int {
	if covered {
		return 12
	}
	return 8
}

// ContainerMD is the row-major n_rows x n_cols container: rows index
// query regions, columns index methylome names.
type ContainerMD struct {
	NRows   int
	NCols   int
	Covered bool
	Data    []Element // len == NRows*NCols, row-major
}

// NewContainerMD allocates a zeroed container of the given shape.
func NewContainerMD(nRows, nCols int, covered bool) ContainerMD {
	data := make([]Element, nRows*nCols)
	if covered {
		for i := range data {
			data[i].Covered = true
		}
	}
	return ContainerMD{NRows: nRows, NCols: nCols, Covered: covered, Data: data}
}

// At returns the element at (row, col).
func (c ContainerMD) At(row, col int) Element { return c.Data[row*c.NCols+col] }

// Set assigns the element at (row, col).
func (c ContainerMD) Set(row, col int, e Element) { c.Data[row*c.NCols+col] = e }

// NBytes returns rows*cols*element size, the response header's
// n_bytes field.
func (c ContainerMD) NBytes() int { return c.NRows * c.NCols * ElementSize(c.Covered) }

// Encode writes the container body as row-major little-endian u32
// tuples.
func (c ContainerMD) Encode() []byte {
	sz := ElementSize(c.Covered)
	buf := make([]byte, len(c.Data)*sz)
	for i, e := range c.Data {
		off := i * sz
		binary.LittleEndian.PutUint32(buf[off:], e.NMeth)
		binary.LittleEndian.PutUint32(buf[off+4:], e.NUnmeth)
		if c.Covered {
			binary.LittleEndian.PutUint32(buf[off+8:], e.NCovered)
		}
	}
	return buf
}

// Decode parses a row-major body into a ContainerMD of the given shape.
func Decode(buf []byte, nRows, nCols int, covered bool) ContainerMD {
	c := NewContainerMD(nRows, nCols, covered)
	sz := ElementSize(covered)
	for i := range c.Data {
		off := i * sz
		e := Element{
			NMeth:   binary.LittleEndian.Uint32(buf[off:]),
			NUnmeth: binary.LittleEndian.Uint32(buf[off+4:]),
			Covered: covered,
		}
		if covered {
			e.NCovered = binary.LittleEndian.Uint32(buf[off+8:])
		}
		c.Data[i] = e
	}
	return c
}

// Dense returns the container as a dense [][]float64 matrix of wmean
// values for host-application consumption.
func (c ContainerMD) Dense(minReads uint32) [][]float64 {
	out := make([][]float64, c.NRows)
	for r := 0; r < c.NRows; r++ {
		row := make([]float64, c.NCols)
		for col := 0; col < c.NCols; col++ {
			row[col] = c.At(r, col).Wmean(minReads)
		}
		out[r] = row
	}
	return out
}
