package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/me/dammer/internal/cluster"
	"github.com/me/dammer/internal/orchestrator"
	"github.com/me/dammer/internal/sweep"
	"github.com/me/dammer/pkg/model"
	"go.uber.org/goleak"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePeakCaller writes two broadPeak rows named after its first argument.
const fakePeakCaller = `#!/bin/sh
printf 'chr2\t100\t200\tp1\t0\t.\t2.0\t5.0\t150.5\n' > "$1_peaks.broadPeak"
printf 'chr2\t150\t300\tp2\t0\t.\t2.0\t5.0\t20\n' >> "$1_peaks.broadPeak"
`

// setupRun creates input files and tool stubs and returns a pipeline over
// them. callCommand is the call stage command.
func setupRun(t *testing.T, callCommand string) *Pipeline {
	t.Helper()
	in := t.TempDir()
	bin := t.TempDir()
	for _, f := range []string{"exp1.fastq.gz", "exp2.fastq.gz", "dam.fastq.gz"} {
		if err := os.WriteFile(filepath.Join(in, f), []byte("@r\nACGT\n+\nIIII\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(bin, "peakcaller"), []byte(fakePeakCaller), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	return &Pipeline{
		Name:        "kc167",
		WorkDir:     filepath.Join(t.TempDir(), "work"),
		Experiments: []string{filepath.Join(in, "exp1.fastq.gz"), filepath.Join(in, "exp2.fastq.gz")},
		Controls:    []string{filepath.Join(in, "dam.fastq.gz")},
		Tools:       []string{"peakcaller"},
		Stages: Stages{
			Call:         Stage{Command: callCommand},
			Peaks:        Stage{Command: "{{peakcaller}} {{name}}"},
			ControlPeaks: Stage{Command: "{{peakcaller}} {{name}}"},
		},
	}
}

func testOptions() Options {
	cfg := orchestrator.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.QueueGrace = 0
	return Options{
		Orchestrator: cfg,
		Sweep:        sweep.DefaultConfig(),
	}
}

func TestDriver_Run_LocalEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := setupRun(t, "test -f {{experiment_file}} && test -f {{control_file}} && echo 'All done.'")
	local := cluster.NewLocal(newTestLogger())
	defer local.Close()

	d := NewDriver(local, testOptions(), newTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := d.Run(ctx, p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Run.State != model.RunStateCompleted || len(report.Run.Units) != 7 {
		t.Fatalf("run = %s with %d units", report.Run.State, len(report.Run.Units))
	}

	byThreshold := func(rs []sweep.Result) map[int]sweep.Result {
		m := make(map[int]sweep.Result, len(rs))
		for _, r := range rs {
			m[r.Threshold] = r
		}
		return m
	}
	peaks := byThreshold(report.Peaks)
	if len(peaks) != len(sweep.Thresholds()) {
		t.Fatalf("peaks results = %d", len(peaks))
	}
	if !peaks[2000].Empty {
		t.Error("threshold 2000 should be empty")
	}
	if r := peaks[100]; r.Regions != 2 || r.Merged != 1 || r.Reproducible != 1 {
		t.Errorf("threshold 100 = %+v", r)
	}
	if r := peaks[0]; r.Regions != 4 || r.Merged != 1 {
		t.Errorf("threshold 0 = %+v", r)
	}
	if _, err := os.Stat(filepath.Join(report.PeaksDir, "100.mergePeak")); err != nil {
		t.Errorf("merge track missing: %v", err)
	}
	if filepath.Base(report.PeaksDir) != "kc167_peaks" || filepath.Base(report.ControlDir) != "kc167_DamOnly_peaks" {
		t.Errorf("output dirs = %s, %s", report.PeaksDir, report.ControlDir)
	}
	if r := byThreshold(report.ControlPeaks)[0]; r.Regions != 2 || r.Merged != 1 {
		t.Errorf("control threshold 0 = %+v", r)
	}

	// Both inputs were staged into every pairing directory.
	for _, pair := range []string{"exp1-vs-dam", "exp2-vs-dam"} {
		matches, _ := filepath.Glob(filepath.Join(p.WorkDir, pair, "*.fastq.gz"))
		if len(matches) != 2 {
			t.Errorf("%s holds %d inputs, want 2", pair, len(matches))
		}
	}
	local.Wait()
}

func TestDriver_Run_FailedCallSkipsAggregation(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := setupRun(t, "exit 3")
	local := cluster.NewLocal(newTestLogger())
	defer local.Close()

	d := NewDriver(local, testOptions(), newTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := d.Run(ctx, p)
	if err == nil {
		t.Fatal("expected error from failed call stage")
	}
	if report == nil || report.Run.State != model.RunStateFailed {
		t.Fatalf("report = %+v", report)
	}
	for _, u := range report.Run.Units {
		if u.UnitID == "peaks/exp1-vs-dam" && u.State != model.UnitStateSkipped {
			t.Errorf("peaks unit = %s, want skipped", u.State)
		}
	}
	if report.Peaks != nil {
		t.Error("aggregation ran after a failed unit")
	}
	if _, err := os.Stat(filepath.Join(p.WorkDir, "kc167_peaks")); err == nil {
		t.Error("peaks dir created after a failed unit")
	}
	local.Wait()
}

func TestDriver_Run_TracksAndLogs(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := setupRun(t, "echo t > {{name}}.gatc.bedgraph && echo c > {{control_name}}.DamOnly.gatc.bedgraph")
	p.Tracks = Tracks{
		Normalize: Stage{Command: "for f in {{inputs}}; do cp $f ${f%%.*}.quant.norm.bedgraph; done"},
		Average:   Stage{Command: "cat {{inputs}} > {{output}}"},
		BigWig:    Stage{Command: "cp {{input}} {{output}}"},
	}
	p.RenameLogs = "local-*.out"
	local := cluster.NewLocal(newTestLogger())
	defer local.Close()

	opts := testOptions()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, time.March, 5, 9, 0, 0, 0, time.UTC))
	opts.Clock = mock
	d := NewDriver(local, opts, newTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := d.Run(ctx, p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Tracks) != 5 {
		t.Fatalf("tracks = %v", report.Tracks)
	}
	for _, f := range report.Tracks {
		if _, err := os.Stat(f); err != nil {
			t.Errorf("track missing: %v", err)
		}
	}
	avg, err := os.ReadFile(filepath.Join(p.WorkDir, "kc167_tracks", "average.quant.norm.bedgraph.bw"))
	if err != nil || string(avg) != "t\nt\n" {
		t.Errorf("average track = %q, %v", avg, err)
	}

	// copy, call, peaks in each pairing plus control_peaks in the first.
	if len(report.Logs) != 7 {
		t.Errorf("renamed logs = %v", report.Logs)
	}
	for _, l := range report.Logs {
		if !strings.HasPrefix(filepath.Base(l), "20240305_local-") || filepath.Ext(l) != ".log" {
			t.Errorf("renamed log = %s", l)
		}
	}
	if left, _ := filepath.Glob(filepath.Join(p.WorkDir, "exp1-vs-dam", "local-*.out")); len(left) != 0 {
		t.Errorf("logs left behind: %v", left)
	}
	local.Wait()
}

func TestRenameLogs(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"slurm-41.out", "slurm-42.out", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, f), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	date := time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)

	got, err := RenameLogs(dir, "slurm-*.out", date)
	if err != nil {
		t.Fatalf("RenameLogs: %v", err)
	}
	want := []string{filepath.Join(dir, "20240305_slurm-41.log"), filepath.Join(dir, "20240305_slurm-42.log")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("renamed (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("unmatched file touched: %v", err)
	}

	// A second log with the same stem never overwrites the first.
	if err := os.WriteFile(filepath.Join(dir, "slurm-41.out"), []byte("again"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := RenameLogs(dir, "slurm-*.out", date); err == nil || !strings.Contains(err.Error(), "exists") {
		t.Errorf("err = %v, want target exists", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "slurm-41.out")); err != nil {
		t.Errorf("log removed after failed rename: %v", err)
	}

	if _, err := RenameLogs(dir, "slurm-[.out", date); err == nil {
		t.Error("bad pattern accepted")
	}
}

func TestDriver_Aggregate(t *testing.T) {
	dir := t.TempDir()
	rows := "chr2\t10\t20\tp\t0\t.\t1\t1\t3.5\n"
	var paths []string
	for _, name := range []string{"a.broadPeak", "b.broadPeak"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(rows), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, path)
	}

	d := NewDriver(nil, Options{Sweep: sweep.Config{Thresholds: []int{3, 5}}}, newTestLogger())
	got, err := d.Aggregate(context.Background(), paths, filepath.Join(dir, "out"), "lbl")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(got) != 2 || got[0].Merged != 1 || !got[1].Empty {
		t.Errorf("Aggregate = %+v", got)
	}
}
