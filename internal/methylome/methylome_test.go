package methylome

import (
	"testing"

	"github.com/andrewdavidsmith/transferase-go/internal/genomeindex"
	"github.com/andrewdavidsmith/transferase-go/internal/query"
)

func testIndex(t *testing.T) *genomeindex.GenomeIndex {
	t.Helper()
	g, err := genomeindex.New("pAntiquusx",
		[]string{"chr1", "chr2"},
		[]uint32{100, 50},
		[][]uint32{{2, 10, 20, 90}, {5, 40}},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func testData() []Site {
	return []Site{
		{NMeth: 1, NUnmeth: 0}, // chr1 pos2
		{NMeth: 0, NUnmeth: 0}, // chr1 pos10, uncovered
		{NMeth: 3, NUnmeth: 1}, // chr1 pos20
		{NMeth: 2, NUnmeth: 2}, // chr1 pos90
		{NMeth: 1, NUnmeth: 1}, // chr2 pos5
		{NMeth: 0, NUnmeth: 4}, // chr2 pos40
	}
}

func TestLengthMatchesIndex(t *testing.T) {
	g := testIndex(t)
	m := New(g.Hash, testData())
	if uint64(len(m.Data)) != g.NCpGsTotal() {
		t.Fatalf("len mismatch")
	}
}

func TestIsConsistent(t *testing.T) {
	g := testIndex(t)
	m := New(g.Hash, testData())
	if !m.IsConsistent(g) {
		t.Fatal("expected consistent")
	}
	m2 := New(g.Hash+1, testData())
	if m2.IsConsistent(g) {
		t.Fatal("expected inconsistent")
	}
}

func TestAggregationEquivalence(t *testing.T) {
	g := testIndex(t)
	m := New(g.Hash, testData())
	ivs := []genomeindex.GenomicInterval{{ChromID: 0, Start: 0, Stop: 15}}
	q, err := query.FromIntervals(g, ivs)
	if err != nil {
		t.Fatalf("FromIntervals: %v", err)
	}
	got := m.GetLevelsForQuery(q, false)
	// direct computation over offsets [0,2)
	want := levelsDirect(m.Data, 0, 2)
	e := got.At(0, 0)
	if e.NMeth != want.NMeth || e.NUnmeth != want.NUnmeth {
		t.Fatalf("aggregation mismatch: got %+v want %+v", e, want)
	}
}

func levelsDirect(data []Site, lo, hi uint32) struct{ NMeth, NUnmeth uint32 } {
	var nm, nu uint32
	for i := lo; i < hi; i++ {
		nm += uint32(data[i].NMeth)
		nu += uint32(data[i].NUnmeth)
	}
	return struct{ NMeth, NUnmeth uint32 }{nm, nu}
}

func TestBinCountMatchesIndex(t *testing.T) {
	g := testIndex(t)
	m := New(g.Hash, testData())
	binSize := uint32(30)
	got := m.GetLevelsForBins(g, binSize, false)
	if uint32(got.NRows) != g.NBins(binSize) {
		t.Fatalf("bin rows = %d, want %d", got.NRows, g.NBins(binSize))
	}
}

func TestCoveredVariantBounds(t *testing.T) {
	g := testIndex(t)
	m := New(g.Hash, testData())
	e := m.GlobalLevels(true)
	if e.NCovered > uint32(len(m.Data)) {
		t.Fatalf("n_covered exceeds range length")
	}
}

func TestEmptyIntervalOutsideCoverage(t *testing.T) {
	g := testIndex(t)
	m := New(g.Hash, testData())
	ivs := []genomeindex.GenomicInterval{{ChromID: 0, Start: 95, Stop: 100}} // lies past pos90, so it holds no CpG site
	q, err := query.FromIntervals(g, ivs)
	if err != nil {
		t.Fatalf("FromIntervals: %v", err)
	}
	got := m.GetLevelsForQuery(q, true)
	e := got.At(0, 0)
	if e.NMeth != 0 || e.NUnmeth != 0 || e.NCovered != 0 {
		t.Fatalf("expected zero counts outside coverage, got %+v", e)
	}
}

func TestAddSaturatesAndRejectsMismatch(t *testing.T) {
	g := testIndex(t)
	m1 := New(g.Hash, testData())
	m2 := New(g.Hash, testData())
	if err := m1.Add(m2); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if m1.Data[0].NMeth != 2 {
		t.Fatalf("expected doubled NMeth, got %d", m1.Data[0].NMeth)
	}

	saturating := New(g.Hash, testData())
	saturating.Data[0].NMeth = 0xFFFF
	if err := m1.Add(saturating); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if m1.Data[0].NMeth != 0xFFFF {
		t.Fatalf("expected NMeth saturated at 0xFFFF, got %d", m1.Data[0].NMeth)
	}

	mismatched := New(g.Hash+1, testData())
	if err := m1.Add(mismatched); err == nil {
		t.Fatal("expected error adding methylome with different index_hash")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	g := testIndex(t)
	m := New(g.Hash, testData())
	dir := t.TempDir()
	if err := Write(dir, "SRX012346", m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(dir, "SRX012346")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Meta.MethylomeHash != m.Meta.MethylomeHash {
		t.Fatalf("hash mismatch after round trip")
	}
	for i := range m.Data {
		if got.Data[i] != m.Data[i] {
			t.Fatalf("site %d mismatch: got %+v want %+v", i, got.Data[i], m.Data[i])
		}
	}
}

func TestReadUncompressedRoundTrip(t *testing.T) {
	g := testIndex(t)
	m := New(g.Hash, testData())
	m.Meta.IsCompressed = false
	dir := t.TempDir()
	if err := Write(dir, "raw", m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(dir, "raw")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got.Data) != len(m.Data) {
		t.Fatalf("length mismatch")
	}
}
