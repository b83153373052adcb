// Package server implements the TCP accept loop, the per-connection
// state machine with its watchdog deadlines, and the request handler
// shared by every connection, which owns the methylome and genome-index
// caches.
package server

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andrewdavidsmith/transferase-go/internal/cache"
	"github.com/andrewdavidsmith/transferase-go/internal/errs"
	"github.com/andrewdavidsmith/transferase-go/internal/genomeindex"
	"github.com/andrewdavidsmith/transferase-go/internal/levels"
	"github.com/andrewdavidsmith/transferase-go/internal/methylome"
	"github.com/andrewdavidsmith/transferase-go/internal/metrics"
	"github.com/andrewdavidsmith/transferase-go/internal/query"
	"github.com/andrewdavidsmith/transferase-go/internal/wire"
	"github.com/andrewdavidsmith/transferase-go/internal/xlog"
)

// ServerVersion is written into every response header's server_version
// field.
const ServerVersion = "transferase-go/1"

// Handler is shared by every connection, holding the two LRU-bounded
// caches and the process-wide validation limits. Constructed once and
// safe for concurrent use by every connection goroutine; its only
// mutable state is the index_hash -> genome map, guarded by mu and
// refreshed by rescans of indexDir.
type Handler struct {
	Limits  wire.Limits
	Indexes *cache.Set[*genomeindex.GenomeIndex]
	Methyl  *cache.Set[*methylome.Methylome]
	Metrics *metrics.Registry

	indexDir string

	mu           sync.Mutex
	hashToGenome map[uint64]string // index_hash -> assembly filename stem
}

// NewHandler wires together the two caches backed by indexDir and
// methylomeDir, bounded to maxResident entries each.
func NewHandler(indexDir, methylomeDir string, maxResident int, limits wire.Limits, reg *metrics.Registry) (*Handler, error) {
	h := &Handler{
		Limits:       limits,
		Metrics:      reg,
		indexDir:     indexDir,
		hashToGenome: make(map[uint64]string),
	}
	indexes, err := cache.NewSet[*genomeindex.GenomeIndex](maxResident,
		func(name string) (*genomeindex.GenomeIndex, error) {
			return genomeindex.Read(indexDir, name)
		},
		func(name string) bool { return fileExists(filepath.Join(indexDir, name+".cpg_idx.json")) },
	)
	if err != nil {
		return nil, err
	}
	methyl, err := cache.NewSet[*methylome.Methylome](maxResident,
		func(name string) (*methylome.Methylome, error) {
			return methylome.Read(methylomeDir, name)
		},
		func(name string) bool { return fileExists(filepath.Join(methylomeDir, name+".m16.json")) },
	)
	if err != nil {
		return nil, err
	}
	h.Indexes, h.Methyl = indexes, methyl
	if reg != nil {
		indexes.OnEvict(func(string) { reg.CacheEvictions.WithLabelValues("genome_index").Inc() })
		methyl.OnEvict(func(string) { reg.CacheEvictions.WithLabelValues("methylome").Inc() })
	}
	h.scanGenomeHashes()
	return h, nil
}

// scanGenomeHashes populates hashToGenome by reading every
// <genome>.cpg_idx.json sidecar's index_hash field without loading the
// (potentially large) CpG position data. Called once at startup and
// again on a resolveIndexByHash miss, since new genome indexes can
// appear in indexDir while the server is running.
func (h *Handler) scanGenomeHashes() {
	entries, err := os.ReadDir(h.indexDir)
	if err != nil {
		return
	}
	found := make(map[uint64]string, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".cpg_idx.json") {
			continue
		}
		genome := strings.TrimSuffix(name, ".cpg_idx.json")
		if hash, err := genomeindex.ReadHash(h.indexDir, genome); err == nil {
			found[hash] = genome
		}
	}
	h.mu.Lock()
	for hash, genome := range found {
		h.hashToGenome[hash] = genome
	}
	h.mu.Unlock()
}

// resolveIndexByHash resolves req.IndexHash to a loaded GenomeIndex via
// the name-keyed cache, looking up the genome name through hashToGenome
// (rescanning indexDir once on a miss, since a new index may have
// appeared after startup).
func (h *Handler) resolveIndexByHash(hash uint64) (*genomeindex.GenomeIndex, error) {
	h.mu.Lock()
	name, ok := h.hashToGenome[hash]
	h.mu.Unlock()
	if !ok {
		h.scanGenomeHashes()
		h.mu.Lock()
		name, ok = h.hashToGenome[hash]
		h.mu.Unlock()
		if !ok {
			return nil, &errs.Error{Category: errs.CategoryServerSemantics, Status: errs.StatusIndexNotFound, Msg: "index_not_found"}
		}
	}
	h.recordCacheAccess("genome_index", h.Indexes.Contains(name))
	idx, err := h.Indexes.Get(name)
	if err != nil {
		return nil, err
	}
	if idx.Hash != hash {
		return nil, &errs.Error{Category: errs.CategoryServerSemantics, Status: errs.StatusInvalidIndexHash, Msg: "invalid_index_hash"}
	}
	return idx, nil
}

// HandleRequest validates req against the process-wide Limits, resolves
// every named methylome, checks index-hash consistency, resolves the
// genome index for bins/windows requests, and aggregates levels.
//
// q is nil for bins/windows requests; for intervals requests it must be
// the query decoded from the payload already read by the caller.
func (h *Handler) HandleRequest(req wire.Request, q *query.Container) (wire.ResponseHeader, levels.ContainerMD, *errs.Error) {
	if !req.Type.IsValid() {
		return errHeader(errs.StatusInvalidRequestType), levels.ContainerMD{}, errs.ErrInvalidRequestType
	}
	for _, name := range req.MethylomeNames {
		if !wire.ValidMethylomeName(name) {
			return errHeader(errs.StatusInvalidMethylomeName), levels.ContainerMD{}, errs.ErrInvalidMethylomeName
		}
	}
	if len(req.MethylomeNames) == 0 || len(req.MethylomeNames) > wire.MaxMethylomesPerRequest {
		return errHeader(errs.StatusInvalidMethylomeName), levels.ContainerMD{}, errs.ErrInvalidMethylomeName
	}
	if !req.IsValidAuxValue(h.Limits) {
		ec := req.InvalidAuxErrorCode(h.Limits)
		return errHeader(ec.Status), levels.ContainerMD{}, ec
	}

	methylomes := make([]*methylome.Methylome, len(req.MethylomeNames))
	for i, name := range req.MethylomeNames {
		h.recordCacheAccess("methylome", h.Methyl.Contains(name))
		m, err := h.Methyl.Get(name)
		if err != nil {
			return errHeader(errs.StatusMethylomeNotFound), levels.ContainerMD{}, errs.Wrap(errs.CategoryServerSemantics, errs.StatusMethylomeNotFound, "methylome_not_found", err)
		}
		if m.Meta.IndexHash != req.IndexHash {
			return errHeader(errs.StatusInconsistentGenomes), levels.ContainerMD{}, errs.ErrInconsistentGenomes
		}
		methylomes[i] = m
	}
	// All named methylomes share req.IndexHash at this point; verify
	// they also agree with each other.
	for i := 1; i < len(methylomes); i++ {
		if methylomes[i].Meta.IndexHash != methylomes[0].Meta.IndexHash {
			return errHeader(errs.StatusInconsistentGenomes), levels.ContainerMD{}, errs.ErrInconsistentGenomes
		}
	}

	covered := req.Type.IsCovered()
	var rows int
	var idx *genomeindex.GenomeIndex
	if req.Type.IsBins() || req.Type.IsWindows() {
		var err error
		idx, err = h.resolveIndexByHash(req.IndexHash)
		if err != nil {
			return errHeader(errs.StatusIndexNotFound), levels.ContainerMD{}, errs.Wrap(errs.CategoryServerSemantics, errs.StatusIndexNotFound, "index_not_found", err)
		}
		switch {
		case req.Type.IsBins():
			rows = int(idx.NBins(uint32(req.BinSize())))
		case req.Type.IsWindows():
			rows = int(idx.NWindows(uint32(req.WindowSize()), uint32(req.WindowStep())))
		}
	} else {
		rows = q.Len()
	}

	cols := len(req.MethylomeNames)
	out := levels.NewContainerMD(rows, cols, covered)
	for col, m := range methylomes {
		var perCol levels.ContainerMD
		switch {
		case req.Type.IsIntervals():
			perCol = m.GetLevelsForQuery(*q, covered)
		case req.Type.IsBins():
			perCol = m.GetLevelsForBins(idx, uint32(req.BinSize()), covered)
		case req.Type.IsWindows():
			perCol = m.GetLevelsForWindows(idx, uint32(req.WindowSize()), uint32(req.WindowStep()), covered)
		}
		for row := 0; row < rows; row++ {
			out.Set(row, col, perCol.At(row, 0))
		}
	}

	hdr := wire.ResponseHeader{
		Status:  errs.StatusOK,
		Version: ServerVersion,
		Cols:    uint32(cols),
		Rows:    uint32(rows),
		NBytes:  uint32(out.NBytes()),
	}
	return hdr, out, nil
}

func (h *Handler) recordCacheAccess(cacheName string, hit bool) {
	if h.Metrics == nil {
		return
	}
	if hit {
		h.Metrics.CacheHits.WithLabelValues(cacheName).Inc()
	} else {
		h.Metrics.CacheMisses.WithLabelValues(cacheName).Inc()
		xlog.Module("server").Debugw("cache miss", "cache", cacheName)
	}
	switch cacheName {
	case "methylome":
		h.Metrics.CacheResident.WithLabelValues(cacheName).Set(float64(h.Methyl.Len()))
	case "genome_index":
		h.Metrics.CacheResident.WithLabelValues(cacheName).Set(float64(h.Indexes.Len()))
	}
}

func errHeader(status errs.StatusCode) wire.ResponseHeader {
	return wire.ResponseHeader{Status: status, Version: ServerVersion}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
