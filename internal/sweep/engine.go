// Package sweep runs the multi-threshold aggregation: for every cutoff of a
// fixed sweep set it filters each sample's intervals, pools and sorts them,
// merges overlaps and writes scored track files.
package sweep

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/me/dammer/internal/interval"
	"github.com/me/dammer/internal/repro"
	"github.com/me/dammer/pkg/model"
	"golang.org/x/sync/errgroup"
)

// Artifact file suffixes.
const (
	RegionSuffix = ".regionPeak"
	MergeSuffix  = ".mergePeak"
	ReproSuffix  = ".reproPeak"
)

// Sample is one replicate's intervals.
type Sample struct {
	Name      string
	Intervals interval.Set
}

// Config holds sweep configuration.
type Config struct {
	// Thresholds overrides the sweep set; nil means Thresholds().
	Thresholds []int
	// Parallelism bounds how many thresholds are processed at once.
	// Zero or less means one per threshold.
	Parallelism int
	// RemoveRegion deletes the intermediate region files after merging.
	RemoveRegion bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Parallelism: 4}
}

// Result describes what one threshold produced.
type Result struct {
	Threshold    int    `json:"threshold" yaml:"threshold"`
	Regions      int    `json:"regions" yaml:"regions"`
	Merged       int    `json:"merged" yaml:"merged"`
	Reproducible int    `json:"reproducible" yaml:"reproducible"`
	Empty        bool   `json:"empty" yaml:"empty"`
	RegionPath   string `json:"region_path,omitempty" yaml:"region_path,omitempty"`
	MergePath    string `json:"merge_path,omitempty" yaml:"merge_path,omitempty"`
	ReproPath    string `json:"repro_path,omitempty" yaml:"repro_path,omitempty"`
}

// Engine runs threshold sweeps.
type Engine struct {
	config Config
	logger *slog.Logger
}

// New creates an Engine.
func New(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		config: cfg,
		logger: logger.With("component", "sweep"),
	}
}

// LoadSamples reads one sample per path using format f. Sample names are the
// file name stems and must be unique.
func LoadSamples(paths []string, f interval.Format) ([]Sample, error) {
	samples := make([]Sample, 0, len(paths))
	for _, p := range paths {
		name := interval.SampleName(strings.TrimSuffix(p, ".gz"))
		f.Sample = name
		set, err := interval.Load(p, f)
		if err != nil {
			return nil, err
		}
		samples = append(samples, Sample{Name: name, Intervals: set})
	}
	return samples, nil
}

// Run sweeps every threshold over samples, writing artifacts into outDir.
// runID labels the rows of the reproducible artifact. Thresholds whose
// filtered set is empty get an empty region file and no merge or repro
// files; that is reported through Result.Empty, not as an error.
func (e *Engine) Run(ctx context.Context, samples []Sample, outDir, runID string) ([]Result, error) {
	total := len(samples)
	if total == 0 {
		return nil, model.NewError(model.KindInvalidSampleCount, outDir, "no samples to aggregate")
	}
	names := make(map[string]bool, total)
	for _, s := range samples {
		if names[s.Name] {
			return nil, model.NewError(model.KindInvalidSampleCount, s.Name, "duplicate sample name")
		}
		names[s.Name] = true
	}
	thr := e.config.Thresholds
	if thr == nil {
		thr = thresholds
	}
	if err := checkThresholds(thr); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	e.logger.Info("sweep started", "samples", total, "thresholds", len(thr), "out_dir", outDir)

	store := interval.NewStore()
	results := make([]Result, len(thr))
	var written atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	if e.config.Parallelism > 0 {
		g.SetLimit(e.config.Parallelism)
	}
	for i, t := range thr {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, n, err := e.runThreshold(store, samples, t, total, outDir, runID)
			if err != nil {
				return fmt.Errorf("threshold %d: %w", t, err)
			}
			results[i] = res
			written.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	empty := 0
	for _, r := range results {
		if r.Empty {
			empty++
		}
	}
	e.logger.Info("sweep finished",
		"thresholds", len(results),
		"empty", empty,
		"written", humanize.Bytes(uint64(written.Load())),
	)
	return results, nil
}

// checkThresholds rejects negative and repeated thresholds. Each threshold
// owns its artifact files and its Store key.
func checkThresholds(thr []int) error {
	if len(thr) == 0 {
		return fmt.Errorf("no thresholds to sweep")
	}
	seen := make(map[int]bool, len(thr))
	for _, t := range thr {
		if t < 0 {
			return fmt.Errorf("negative threshold %d", t)
		}
		if seen[t] {
			return fmt.Errorf("duplicate threshold %d", t)
		}
		seen[t] = true
	}
	return nil
}

func (e *Engine) runThreshold(store *interval.Store, samples []Sample, t, total int, outDir, runID string) (Result, int64, error) {
	thr := float64(t)
	for _, s := range samples {
		store.Add(thr, s.Intervals.Filter(thr).WithSample(s.Name)...)
	}
	sorted := store.Sort(thr)

	base := filepath.Join(outDir, strconv.Itoa(t))
	res := Result{Threshold: t, Regions: len(sorted), RegionPath: base + RegionSuffix}

	var written int64
	n, err := writeFile(res.RegionPath, func(w io.Writer) error {
		return interval.WriteRegion(w, sorted)
	})
	if err != nil {
		return res, 0, err
	}
	written += n

	if len(sorted) == 0 {
		res.Empty = true
		e.logger.Debug("threshold empty", "threshold", t)
		return res, written, e.cleanRegion(&res)
	}

	scored, err := repro.ScoreAll(Merge(sorted), total)
	if err != nil {
		return res, written, err
	}
	res.Merged = len(scored)

	res.MergePath = base + MergeSuffix
	n, err = writeFile(res.MergePath, func(w io.Writer) error {
		return WriteMergeTrack(w, t, scored)
	})
	if err != nil {
		return res, written, err
	}
	written += n

	res.ReproPath = base + ReproSuffix
	n, err = writeFile(res.ReproPath, func(w io.Writer) error {
		var werr error
		res.Reproducible, werr = WriteReproTrack(w, t, runID, scored)
		return werr
	})
	if err != nil {
		return res, written, err
	}
	written += n

	e.logger.Debug("threshold merged",
		"threshold", t,
		"regions", res.Regions,
		"merged", res.Merged,
		"reproducible", res.Reproducible,
	)
	return res, written, e.cleanRegion(&res)
}

func (e *Engine) cleanRegion(res *Result) error {
	if !e.config.RemoveRegion {
		return nil
	}
	if err := os.Remove(res.RegionPath); err != nil {
		return fmt.Errorf("remove region file: %w", err)
	}
	res.RegionPath = ""
	return nil
}

// TrackHeader returns the track definition line for threshold t.
func TrackHeader(t int) string {
	return fmt.Sprintf("track name=\"%d\" description=\"%d\" visibility=2 itemRgb=\"On\"", t, t)
}

// WriteMergeTrack writes scored intervals as a BED9 track: chromosome,
// range, reproducibility as the name, score 0, no strand, thick range equal
// to the range, and the class color.
func WriteMergeTrack(w io.Writer, t int, scored []repro.Scored) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, TrackHeader(t))
	for _, s := range scored {
		fmt.Fprintf(bw, "%s\t%d\t%d\t%s\t0\t.\t%d\t%d\t%s\n",
			s.Chrom, s.Start, s.End, formatPercent(s.Reproducibility), s.Start, s.End, s.Class.Color())
	}
	return bw.Flush()
}

// WriteReproTrack writes the intervals with reproducibility above 50% as a
// BED4 track named by runID and returns how many it wrote.
func WriteReproTrack(w io.Writer, t int, runID string, scored []repro.Scored) (int, error) {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, TrackHeader(t))
	n := 0
	for _, s := range scored {
		if !s.Reproducible() {
			continue
		}
		fmt.Fprintf(bw, "%s\t%d\t%d\t%s\n", s.Chrom, s.Start, s.End, runID)
		n++
	}
	return n, bw.Flush()
}

// formatPercent renders whole numbers with one decimal ("100.0") and other
// values with the shortest exact representation ("66.67").
func formatPercent(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// writeFile creates path, fills it with fn and returns the bytes written.
func writeFile(path string, fn func(io.Writer) error) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	cw := &countingWriter{w: f}
	if err := fn(cw); err != nil {
		f.Close()
		return cw.n, fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return cw.n, fmt.Errorf("close %s: %w", path, err)
	}
	return cw.n, nil
}
