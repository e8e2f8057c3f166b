// Package analyzer implements the station-coincidence analyzer: it
// accumulates per-station-pair arrival-time-difference histograms with
// geodesy-derived bin widths, and periodically flushes them to disk.
package analyzer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cosmicmesh/clustercore/internal/model"
	"github.com/cosmicmesh/clustercore/pkg/geodesy"
	"github.com/cosmicmesh/clustercore/pkg/histogram"
	"github.com/cosmicmesh/clustercore/pkg/log"
	"github.com/cosmicmesh/clustercore/pkg/stationhash"
	"github.com/cosmicmesh/clustercore/pkg/triangularmatrix"
)

// Config tunes the analyzer.
type Config struct {
	Bins    int    // B, fixed bins centred on 0
	DataDir string // output directory for the periodic dump
}

// LocationLookup resolves a station's last-known location, needed to
// derive a pair's geodesy-based bin width.
type LocationLookup func(hash stationhash.Hash) (geodesy.Location, bool)

// identity records the originally seen station hash and a stable
// display id for file naming.
type identity struct {
	hash stationhash.Hash
	id   string
}

// Analyzer receives composite events and, for each unordered pair of
// participating stations, bins their arrival-time difference.
type Analyzer struct {
	cfg    Config
	lookup LocationLookup

	mu       sync.Mutex
	index    map[stationhash.Hash]int // assigns each station an ordinal index
	idents   []identity                // ordinal index -> identity
	hists    *triangularmatrix.Matrix[*histogram.Histogram]
}

// New creates an Analyzer.
func New(cfg Config, lookup LocationLookup) *Analyzer {
	return &Analyzer{
		cfg:    cfg,
		lookup: lookup,
		index:  make(map[stationhash.Hash]int),
		hists:  triangularmatrix.New[*histogram.Histogram](),
	}
}

// ordinalLocked returns the ordinal index for hash, assigning a fresh
// one (and growing the triangular matrix's diagonal) on first sight.
// Caller must hold a.mu.
func (a *Analyzer) ordinalLocked(hash stationhash.Hash) int {
	if idx, ok := a.index[hash]; ok {
		return idx
	}
	idx := len(a.idents)
	a.index[hash] = idx
	a.idents = append(a.idents, identity{hash: hash, id: fmt.Sprintf("%d", uint64(hash))})
	a.hists.Increase()
	return idx
}

// binWidth derives the bin width for a station pair from their
// geodesic straight-line distance: `bin_width = clamp(floor(2*t_of /
// B), 1, total_width/B)` nanoseconds.
func (a *Analyzer) binWidth(ha, hb stationhash.Hash) float64 {
	const totalWidthNs = 2000.0 // symmetric window around 0, in ns; matches T_max scale
	locA, okA := a.lookup(ha)
	locB, okB := a.lookup(hb)
	if !okA || !okB {
		return totalWidthNs / float64(a.cfg.Bins)
	}
	d := geodesy.StraightDistance(locA, locB)
	tOf := geodesy.LightTravelTimeNs(d)
	width := float64(int64(2 * tOf / float64(a.cfg.Bins)))
	minWidth := 1.0
	maxWidth := totalWidthNs / float64(a.cfg.Bins)
	if width < minWidth {
		width = minWidth
	}
	if width > maxWidth {
		width = maxWidth
	}
	return width
}

// Get implements pipeline.Sink[model.Event]: for each pair (i,j),
// i < j by hash, bins Δt = start_i - start_j.
func (a *Analyzer) Get(e model.Event) {
	if !e.IsComposite() {
		return
	}
	participants := e.Participants()
	if len(participants) < 2 {
		return
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i] < participants[j] })

	starts := make(map[stationhash.Hash]int64, len(e.Events))
	for _, child := range e.Events {
		starts[child.Hash] = child.Start()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < len(participants); i++ {
		for j := i + 1; j < len(participants); j++ {
			hi, hj := participants[i], participants[j]
			if hi == hj {
				continue
			}
			oi, oj := a.ordinalLocked(hi), a.ordinalLocked(hj)
			h := a.hists.GetOrCreate(oi, oj, func() *histogram.Histogram {
				w := a.binWidth(hi, hj)
				half := w * float64(a.cfg.Bins) / 2
				return histogram.New(a.cfg.Bins, -half, half)
			})
			dt := float64(starts[hi] - starts[hj])
			h.Add(dt)
		}
	}
}

// Flush dumps the current histograms to <DataDir>/stations and one
// <id_i>_<id_j>.dat per pair, then resets every histogram it wrote. A
// failure to create the directory or the station index is logged and
// skips the whole tick; a failure to write one pair's file is logged
// and keeps only that pair's histogram in memory for the next tick,
// while the other pairs are still written and reset.
func (a *Analyzer) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.idents) == 0 {
		return
	}

	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		log.Warnf("analyzer: could not create data dir %q: %v", a.cfg.DataDir, err)
		return
	}

	if err := a.writeStationIndexLocked(); err != nil {
		log.Warnf("analyzer: could not write station index: %v", err)
		return
	}

	for _, pair := range a.hists.Pairs() {
		idI, idJ := a.idents[pair.I].id, a.idents[pair.J].id
		path := filepath.Join(a.cfg.DataDir, fmt.Sprintf("%s_%s.dat", idI, idJ))
		if err := writeHistogramFile(path, pair.Value); err != nil {
			log.Warnf("analyzer: could not write %q: %v", path, err)
			continue
		}
		pair.Value.Reset()
	}
}

func (a *Analyzer) writeStationIndexLocked() error {
	path := filepath.Join(a.cfg.DataDir, "stations")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for i, id := range a.idents {
		if _, err := fmt.Fprintf(f, "%d %s\n", i, id.id); err != nil {
			return err
		}
	}
	return nil
}

func writeHistogramFile(path string, h *histogram.Histogram) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, qb := range h.QualifiedBins() {
		if _, err := fmt.Fprintf(f, "%g %d\n", qb.Center, qb.Count); err != nil {
			return err
		}
	}
	return nil
}
