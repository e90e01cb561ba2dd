package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/me/dammer/internal/cluster"
	"github.com/me/dammer/internal/interval"
	"github.com/me/dammer/internal/orchestrator"
	"github.com/me/dammer/internal/sweep"
	"github.com/me/dammer/internal/toolpath"
	"github.com/me/dammer/pkg/model"
)

// Output directory suffixes for the two aggregations.
const (
	PeaksSuffix        = "_peaks"
	ControlPeaksSuffix = "_DamOnly_peaks"
)

// Options configures a Driver.
type Options struct {
	Orchestrator orchestrator.Config
	Sweep        sweep.Config
	// ToolPaths pins tool locations by name; others are looked up on PATH.
	ToolPaths map[string]string
	Prefer    toolpath.Prefer
	// OrchestratorOptions are passed to every orchestrator the driver creates.
	OrchestratorOptions []orchestrator.Option
	// Clock dates renamed logs. Nil means the wall clock.
	Clock clock.Clock
}

// Report is the result of one pipeline run.
type Report struct {
	Run          model.Run      `json:"run" yaml:"run"`
	Peaks        []sweep.Result `json:"peaks,omitempty" yaml:"peaks,omitempty"`
	ControlPeaks []sweep.Result `json:"control_peaks,omitempty" yaml:"control_peaks,omitempty"`
	PeaksDir     string         `json:"peaks_dir,omitempty" yaml:"peaks_dir,omitempty"`
	ControlDir   string         `json:"control_dir,omitempty" yaml:"control_dir,omitempty"`
	// Tracks are the bigWig files the track chains produced.
	Tracks []string `json:"tracks,omitempty" yaml:"tracks,omitempty"`
	// Logs are the renamed scheduler logs.
	Logs []string `json:"logs,omitempty" yaml:"logs,omitempty"`
}

// Driver runs pipelines on a cluster scheduler.
type Driver struct {
	sched  cluster.Scheduler
	opts   Options
	engine *sweep.Engine
	clk    clock.Clock
	logger *slog.Logger
}

// NewDriver creates a Driver.
func NewDriver(sched cluster.Scheduler, opts Options, logger *slog.Logger) *Driver {
	d := &Driver{
		sched:  sched,
		opts:   opts,
		engine: sweep.New(opts.Sweep, logger),
		clk:    opts.Clock,
		logger: logger.With("component", "pipeline"),
	}
	if d.clk == nil {
		d.clk = clock.New()
	}
	return d
}

// Expand resolves the pipeline's tools and renders its WorkUnits.
func (d *Driver) Expand(p *Pipeline) (*Build, error) {
	tools, err := toolpath.ResolveAll(p.Tools, d.opts.ToolPaths, d.opts.Prefer)
	if err != nil {
		return nil, err
	}
	paths := make(map[string]string, len(tools))
	for name, r := range tools {
		if r.Alternative != "" {
			d.logger.Warn("tool found in two places", "tool", name, "using", r.Path, "ignored", r.Alternative)
		}
		paths[name] = r.Path
	}
	return Expand(p, paths)
}

// Run stages, calls and aggregates p. Aggregation only starts when every
// unit succeeded; otherwise the report carries the failed run and an error
// is returned.
func (d *Driver) Run(ctx context.Context, p *Pipeline) (*Report, error) {
	b, err := d.Expand(p)
	if err != nil {
		return nil, err
	}
	plan, err := orchestrator.NewPlan(b.Units)
	if err != nil {
		return nil, err
	}
	dirs := append([]string(nil), b.Dirs...)
	for _, pair := range b.Pairs {
		dirs = append(dirs, pair.Dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	opts := append([]orchestrator.Option{orchestrator.WithRunName(p.Name)}, d.opts.OrchestratorOptions...)
	orch := orchestrator.New(d.sched, d.opts.Orchestrator, d.logger, opts...)
	d.logger.Info("pipeline started", "pipeline", p.Name, "pairs", len(b.Pairs), "units", plan.Len())

	outcomes, err := orch.Run(ctx, plan)
	report := &Report{Run: orch.Report()}
	if p.RenameLogs != "" && ctx.Err() == nil {
		report.Logs = d.renameLogs(b.Pairs, p.RenameLogs)
	}
	if err != nil {
		return report, err
	}
	failed := 0
	for _, o := range outcomes {
		if o.State != model.UnitStateSucceeded {
			failed++
		}
	}
	if failed > 0 {
		return report, fmt.Errorf("pipeline %s: %d of %d units did not succeed", p.Name, failed, len(outcomes))
	}

	report.PeaksDir = filepath.Join(p.workDir(), p.out()+PeaksSuffix)
	report.Peaks, err = d.Aggregate(ctx, b.Outputs(b.Treatment), report.PeaksDir, p.label())
	if err != nil {
		return report, fmt.Errorf("aggregate peaks: %w", err)
	}
	if len(b.Control) > 0 {
		report.ControlDir = filepath.Join(p.workDir(), p.out()+ControlPeaksSuffix)
		report.ControlPeaks, err = d.Aggregate(ctx, b.Outputs(b.Control), report.ControlDir, p.label())
		if err != nil {
			return report, fmt.Errorf("aggregate control peaks: %w", err)
		}
	}
	report.Tracks = b.Outputs(b.Tracks)
	d.logger.Info("pipeline finished", "pipeline", p.Name, "run_id", report.Run.ID, "tracks", len(report.Tracks))
	return report, nil
}

// Aggregate sweeps the broadPeak files at paths into outDir.
func (d *Driver) Aggregate(ctx context.Context, paths []string, outDir, label string) ([]sweep.Result, error) {
	samples, err := sweep.LoadSamples(paths, interval.BroadPeak())
	if err != nil {
		return nil, err
	}
	return d.engine.Run(ctx, samples, outDir, label)
}

func (d *Driver) renameLogs(pairs []Pair, pattern string) []string {
	date := d.clk.Now()
	var renamed []string
	for _, pair := range pairs {
		paths, err := RenameLogs(pair.Dir, pattern, date)
		if err != nil {
			d.logger.Warn("rename logs", "dir", pair.Dir, "error", err)
		}
		renamed = append(renamed, paths...)
	}
	return renamed
}

// RenameLogs renames the files in dir matching pattern to
// <YYYYMMDD>_<name>.log, where name is the file name up to its first dot,
// and returns the new paths. Existing targets are not overwritten.
func RenameLogs(dir, pattern string, date time.Time) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("log pattern %q: %w", pattern, err)
	}
	var renamed []string
	for _, m := range matches {
		target := filepath.Join(dir, date.Format("20060102")+"_"+stem(m)+".log")
		if _, err := os.Stat(target); err == nil {
			return renamed, fmt.Errorf("rename %s: %s exists", m, target)
		}
		if err := os.Rename(m, target); err != nil {
			return renamed, fmt.Errorf("rename %s: %w", m, err)
		}
		renamed = append(renamed, target)
	}
	return renamed, nil
}
