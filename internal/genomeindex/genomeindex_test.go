package genomeindex

import (
	"testing"
)

func testIndex(t *testing.T) *GenomeIndex {
	t.Helper()
	g, err := New("pAntiquusx",
		[]string{"chr1", "chr2"},
		[]uint32{100, 50},
		[][]uint32{
			{2, 10, 20, 90},
			{5, 40},
		},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestNCpGsMatchesChromSums(t *testing.T) {
	g := testIndex(t)
	if g.NCpGsTotal() != 6 {
		t.Fatalf("expected 6 total cpgs, got %d", g.NCpGsTotal())
	}
}

func TestMakeQueryLength(t *testing.T) {
	g := testIndex(t)
	ivs := []GenomicInterval{{ChromID: 0, Start: 0, Stop: 15}, {ChromID: 1, Start: 0, Stop: 50}}
	q, err := g.MakeQuery(ivs)
	if err != nil {
		t.Fatalf("MakeQuery: %v", err)
	}
	if len(q) != len(ivs) {
		t.Fatalf("expected %d ranges, got %d", len(ivs), len(q))
	}
	for _, r := range q {
		if r[1] < r[0] || r[1] > uint32(g.NCpGsTotal()) {
			t.Fatalf("invalid range %v", r)
		}
	}
	// chr1 [0,15) covers positions 2 and 10 -> offsets [0,2)
	if q[0] != [2]uint32{0, 2} {
		t.Fatalf("chr1 range = %v, want [0 2]", q[0])
	}
	// chr2 [0,50) covers positions 5,40 at offset 4 -> [4,6)
	if q[1] != [2]uint32{4, 6} {
		t.Fatalf("chr2 range = %v, want [4 6]", q[1])
	}
}

func TestMakeQueryUnknownChrom(t *testing.T) {
	g := testIndex(t)
	_, err := g.MakeQuery([]GenomicInterval{{ChromID: 5, Start: 0, Stop: 1}})
	if err == nil {
		t.Fatal("expected error for unknown chrom id")
	}
}

func TestNBins(t *testing.T) {
	g := testIndex(t)
	// chr1: ceil(100/30)=4, chr2: ceil(50/30)=2 -> 6
	if n := g.NBins(30); n != 6 {
		t.Fatalf("NBins(30) = %d, want 6", n)
	}
}

func TestNWindows(t *testing.T) {
	g := testIndex(t)
	// starts at 0,10,...,90 for chr1 (size100,step10) = 10; chr2 size50,step10 = 5
	if n := g.NWindows(20, 10); n != 15 {
		t.Fatalf("NWindows = %d, want 15", n)
	}
}

func TestIsConsistentAfterTamper(t *testing.T) {
	g := testIndex(t)
	if !g.IsConsistent() {
		t.Fatal("freshly built index should be consistent")
	}
	g.ChromSize[0] = 999
	if g.IsConsistent() {
		t.Fatal("tampering with chrom size should break consistency")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	g := testIndex(t)
	dir := t.TempDir()
	if err := Write(dir, "pAntiquusx", g); err != nil {
		t.Fatalf("Write: %v", err)
	}
	g2, err := Read(dir, "pAntiquusx")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if g2.Hash != g.Hash {
		t.Fatalf("hash mismatch after round-trip: %d vs %d", g2.Hash, g.Hash)
	}
	if g2.NCpGsTotal() != g.NCpGsTotal() {
		t.Fatalf("n_cpgs mismatch after round-trip")
	}
	for i := range g.Positions {
		if len(g2.Positions[i]) != len(g.Positions[i]) {
			t.Fatalf("chrom %d position count mismatch", i)
		}
		for j := range g.Positions[i] {
			if g2.Positions[i][j] != g.Positions[i][j] {
				t.Fatalf("chrom %d position %d mismatch", i, j)
			}
		}
	}
}

func TestReadMissingFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	if _, err := Read(dir, "nope"); err == nil {
		t.Fatal("expected error reading nonexistent index")
	}
}
