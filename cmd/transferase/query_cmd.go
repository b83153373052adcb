package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"github.com/andrewdavidsmith/transferase-go/internal/client"
	"github.com/andrewdavidsmith/transferase-go/internal/config"
	"github.com/andrewdavidsmith/transferase-go/internal/genomeindex"
	"github.com/andrewdavidsmith/transferase-go/internal/levels"
	"github.com/andrewdavidsmith/transferase-go/internal/query"
)

var queryCmd = cli.Command{
	Name:      "query",
	Usage:     "query a running server for methylation levels",
	ArgsUsage: "METHYLOME [METHYLOME...]",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "config-dir, c", Usage: "client config `DIR` (default: ~/.config/transferase)"},
		cli.StringFlag{Name: "genome", Usage: "genome index `NAME` (required)"},
		cli.StringFlag{Name: "intervals", Usage: "BED `FILE` of genomic intervals"},
		cli.UintFlag{Name: "bin-size", Usage: "fixed bin size in bp"},
		cli.UintFlag{Name: "window-size", Usage: "sliding window size in bp"},
		cli.UintFlag{Name: "window-step", Usage: "sliding window step in bp"},
		cli.BoolFlag{Name: "covered", Usage: "also report the count of covered sites per region"},
		cli.StringFlag{Name: "out, o", Usage: "output `FILE` (default: stdout)"},
	},
	Action: queryHandler,
}

func queryHandler(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("at least one METHYLOME argument is required")
	}
	genome := c.String("genome")
	if genome == "" {
		return fmt.Errorf("missing required flag --genome")
	}
	modes := 0
	for _, set := range []bool{c.String("intervals") != "", c.Uint("bin-size") != 0, c.Uint("window-size") != 0} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return fmt.Errorf("exactly one of --intervals, --bin-size, --window-size is required")
	}

	cfg, err := config.ReadClientConfig(c.String("config-dir"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	g, err := genomeindex.Read(cfg.IndexDir, genome)
	if err != nil {
		return err
	}

	names := c.Args()
	covered := c.Bool("covered")
	var lv levels.ContainerMD
	var intervals []genomeindex.GenomicInterval

	switch {
	case c.String("intervals") != "":
		intervals, err = readBED(g, c.String("intervals"))
		if err != nil {
			return err
		}
		q, err := query.FromIntervals(g, intervals)
		if err != nil {
			return err
		}
		cl := client.NewIntervalsClient(cfg.Hostname, cfg.Port, g.Hash, names, q, covered, client.DefaultTimeouts)
		if err := cl.Run(); err != nil {
			return err
		}
		lv = cl.TakeLevels()
	case c.Uint("bin-size") != 0:
		cl := client.NewBinsClient(cfg.Hostname, cfg.Port, g.Hash, names,
			uint32(c.Uint("bin-size")), covered, client.DefaultTimeouts)
		if err := cl.Run(); err != nil {
			return err
		}
		lv = cl.TakeLevels()
	default:
		step := uint32(c.Uint("window-step"))
		if step == 0 {
			step = uint32(c.Uint("window-size"))
		}
		cl := client.NewWindowsClient(cfg.Hostname, cfg.Port, g.Hash, names,
			uint32(c.Uint("window-size")), step, covered, client.DefaultTimeouts)
		if err := cl.Run(); err != nil {
			return err
		}
		lv = cl.TakeLevels()
	}

	out := os.Stdout
	if path := c.String("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return writeLevels(out, g, intervals, lv)
}

// readBED parses chrom/start/stop triples, mapping chromosome names
// through the genome index's canonical order. Extra BED columns are
// ignored; blank lines and '#' comments are skipped.
func readBED(g *genomeindex.GenomeIndex, path string) ([]genomeindex.GenomicInterval, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []genomeindex.GenomicInterval
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("%s:%d: expected at least 3 columns", path, lineNo)
		}
		chromID, ok := g.ChromIndex[fields[0]]
		if !ok {
			return nil, fmt.Errorf("%s:%d: chromosome %q not in genome index", path, lineNo, fields[0])
		}
		start, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad start: %v", path, lineNo, err)
		}
		stop, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad stop: %v", path, lineNo, err)
		}
		out = append(out, genomeindex.GenomicInterval{
			ChromID: uint32(chromID), Start: uint32(start), Stop: uint32(stop),
		})
	}
	return out, sc.Err()
}

// writeLevels renders one row per region. For intervals queries the
// region coordinates lead each row; bins/windows rows are indexed only.
func writeLevels(f *os.File, g *genomeindex.GenomeIndex, intervals []genomeindex.GenomicInterval, lv levels.ContainerMD) error {
	w := bufio.NewWriter(f)
	for row := 0; row < lv.NRows; row++ {
		if intervals != nil {
			iv := intervals[row]
			fmt.Fprintf(w, "%s\t%d\t%d", g.ChromOrder[iv.ChromID], iv.Start, iv.Stop)
		} else {
			fmt.Fprintf(w, "%d", row)
		}
		for col := 0; col < lv.NCols; col++ {
			e := lv.At(row, col)
			fmt.Fprintf(w, "\t%d\t%d", e.NMeth, e.NUnmeth)
			if lv.Covered {
				fmt.Fprintf(w, "\t%d", e.NCovered)
			}
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}
