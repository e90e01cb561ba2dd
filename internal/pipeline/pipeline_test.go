package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/me/dammer/pkg/model"
)

const minimal = `
name: kc167
experiments: [exp1.fastq.gz, exp2.fastq.gz]
controls: [dam.fastq.gz]
tools: [macs2]
stages:
  call:
    command: "damidseq_pipeline --dam={{control_file}} {{experiment_file}}"
  peaks:
    command: "{{macs2}} callpeak --name {{name}}"
    max_wait: 2h
`

func TestParse_Minimal(t *testing.T) {
	p, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Name != "kc167" || len(p.Experiments) != 2 || p.Stages.Peaks.MaxWait.Hours() != 2 {
		t.Errorf("Parse = %+v", p)
	}
	if p.out() != "kc167" || p.label() != "kc167" {
		t.Errorf("out/label defaults = %q/%q", p.out(), p.label())
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "name: [unterminated"},
		{"no name", "experiments: [a]\ncontrols: [b]"},
		{"no experiments", "name: x\ncontrols: [b]\nstages: {call: {command: c}, peaks: {command: p}}"},
		{"no controls", "name: x\nexperiments: [a]\nstages: {call: {command: c}, peaks: {command: p}}"},
		{"no call", "name: x\nexperiments: [a]\ncontrols: [b]\nstages: {peaks: {command: p}}"},
		{"no peaks", "name: x\nexperiments: [a]\ncontrols: [b]\nstages: {call: {command: c}}"},
		{"name clash", "name: x\nexperiments: [d1/a.fq.gz]\ncontrols: [d2/a.fq.gz]\nstages: {call: {command: c}, peaks: {command: p}}"},
		{"tool shadows var", "name: x\nexperiments: [a]\ncontrols: [b]\ntools: [g]\nvars: {g: v}\nstages: {call: {command: c}, peaks: {command: p}}"},
		{"tracks without average", "name: x\nexperiments: [a]\ncontrols: [b]\nstages: {call: {command: c}, peaks: {command: p}}\ntracks: {normalize: {command: n}, bigwig: {command: w}}"},
		{"tracks without bigwig", "name: x\nexperiments: [a]\ncontrols: [b]\nstages: {call: {command: c}, peaks: {command: p}}\ntracks: {normalize: {command: n}, average: {command: a}}"},
		{"bad log pattern", "name: x\nexperiments: [a]\ncontrols: [b]\nstages: {call: {command: c}, peaks: {command: p}}\nrename_logs: \"slurm-[.out\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, model.ErrInvalidPlan) {
				t.Errorf("err = %v, want InvalidPlan", err)
			}
		})
	}
}

func TestLoad_ResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(path, []byte(minimal+"work_dir: runs\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Experiments[0] != filepath.Join(dir, "exp1.fastq.gz") {
		t.Errorf("experiment = %s", p.Experiments[0])
	}
	if p.workDir() != filepath.Join(dir, "runs") {
		t.Errorf("work dir = %s", p.workDir())
	}
}

func TestWorkDir_DefaultsToInputDir(t *testing.T) {
	p := &Pipeline{Experiments: []string{"/data/seq/exp1.fastq.gz"}}
	if got := p.workDir(); got != "/data/seq" {
		t.Errorf("workDir = %s", got)
	}
}

func TestExpand(t *testing.T) {
	p, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatal(err)
	}
	p.WorkDir = "/w"
	p.Experiments = []string{"/in/exp1.fastq.gz", "/in/exp2.fastq.gz"}
	p.Controls = []string{"/in/dam.fastq.gz"}
	p.Stages.ControlPeaks = Stage{Command: "{{macs2}} callpeak --name {{name}}"}

	b, err := Expand(p, map[string]string{"macs2": "/opt/bin/macs2"})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}

	var ids []string
	for _, u := range b.Units {
		ids = append(ids, u.ID)
	}
	wantIDs := []string{
		"copy/exp1-vs-dam", "call/exp1-vs-dam", "peaks/exp1-vs-dam",
		"copy/exp2-vs-dam", "call/exp2-vs-dam", "peaks/exp2-vs-dam",
		"control_peaks/dam",
	}
	if diff := cmp.Diff(wantIDs, ids); diff != "" {
		t.Errorf("unit IDs mismatch (-want +got):\n%s", diff)
	}

	copyUnit := b.Units[0]
	if copyUnit.Command != "cp /in/exp1.fastq.gz /in/dam.fastq.gz /w/exp1-vs-dam/" {
		t.Errorf("copy command = %q", copyUnit.Command)
	}
	wantBarrier := &model.BarrierSpec{Dir: "/w/exp1-vs-dam", Pattern: "*.fastq.gz", Count: 2}
	if copyUnit.Completion != model.CompletionBarrier || !cmp.Equal(copyUnit.Barrier, wantBarrier) {
		t.Errorf("copy barrier = %s %+v", copyUnit.Completion, copyUnit.Barrier)
	}

	call := b.Units[1]
	if call.Command != "damidseq_pipeline --dam=dam.fastq.gz exp1.fastq.gz" || call.WorkDir != "/w/exp1-vs-dam" {
		t.Errorf("call = %+v", call)
	}
	if diff := cmp.Diff([]string{"copy/exp1-vs-dam"}, call.DependsOn); diff != "" {
		t.Errorf("call deps (-want +got):\n%s", diff)
	}

	peaks := b.Units[2]
	if peaks.Command != "/opt/bin/macs2 callpeak --name exp1-vs-dam" || peaks.MaxWait.Hours() != 2 {
		t.Errorf("peaks = %+v", peaks)
	}
	if diff := cmp.Diff([]string{"exp1-vs-dam_peaks.broadPeak"}, peaks.Outputs); diff != "" {
		t.Errorf("peaks outputs (-want +got):\n%s", diff)
	}

	ctrl := b.Units[6]
	if ctrl.Command != "/opt/bin/macs2 callpeak --name dam" || ctrl.DependsOn[0] != "call/exp1-vs-dam" {
		t.Errorf("control peaks = %+v", ctrl)
	}

	wantOut := []string{"/w/exp1-vs-dam/exp1-vs-dam_peaks.broadPeak", "/w/exp2-vs-dam/exp2-vs-dam_peaks.broadPeak"}
	if diff := cmp.Diff(wantOut, b.Outputs(b.Treatment)); diff != "" {
		t.Errorf("treatment outputs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/w/exp1-vs-dam/dam_peaks.broadPeak"}, b.Outputs(b.Control)); diff != "" {
		t.Errorf("control outputs (-want +got):\n%s", diff)
	}
}

func TestExpand_DistinctControls(t *testing.T) {
	p, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatal(err)
	}
	p.Controls = []string{"dam1.fastq.gz", "dam2.fastq.gz"}
	p.Stages.ControlPeaks = Stage{Command: "call {{name}}"}

	b, err := Expand(p, map[string]string{"macs2": "macs2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Pairs) != 4 || len(b.Treatment) != 4 {
		t.Errorf("pairs = %d, treatment = %d, want 4 each", len(b.Pairs), len(b.Treatment))
	}
	if diff := cmp.Diff([]string{"control_peaks/dam1", "control_peaks/dam2"}, b.Control); diff != "" {
		t.Errorf("control units (-want +got):\n%s", diff)
	}
}

func TestExpand_Tracks(t *testing.T) {
	p, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatal(err)
	}
	p.WorkDir = "/w"
	p.Experiments = []string{"/in/exp1.fastq.gz", "/in/exp2.fastq.gz"}
	p.Controls = []string{"/in/dam.fastq.gz"}
	p.Tracks = Tracks{
		Normalize: Stage{Command: "norm {{inputs}}"},
		Average:   Stage{Command: "avg {{inputs}} {{output}}"},
		BigWig:    Stage{Command: "bw {{input}} {{output}}"},
	}

	b, err := Expand(p, map[string]string{"macs2": "macs2"})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	byID := make(map[string]model.WorkUnit)
	var ids []string
	for _, u := range b.Units[6:] {
		ids = append(ids, u.ID)
		byID[u.ID] = u
	}
	wantIDs := []string{
		"collect/tracks", "normalize/tracks", "average/tracks",
		"bigwig/tracks/exp1-vs-dam.quant.norm.bedgraph",
		"bigwig/tracks/exp2-vs-dam.quant.norm.bedgraph",
		"bigwig/tracks/average.quant.norm.bedgraph",
		"collect/control_tracks", "normalize/control_tracks", "average/control_tracks",
		"bigwig/control_tracks/dam.quant.norm.bedgraph",
		"bigwig/control_tracks/average.quant.norm.bedgraph",
	}
	if diff := cmp.Diff(wantIDs, ids); diff != "" {
		t.Fatalf("track unit IDs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/w/kc167_tracks", "/w/kc167_DamOnly_tracks"}, b.Dirs); diff != "" {
		t.Errorf("dirs (-want +got):\n%s", diff)
	}

	collect := byID["collect/tracks"]
	if collect.Command != "cp /w/exp1-vs-dam/exp1-vs-dam.gatc.bedgraph /w/exp2-vs-dam/exp2-vs-dam.gatc.bedgraph /w/kc167_tracks/" {
		t.Errorf("collect command = %q", collect.Command)
	}
	if diff := cmp.Diff([]string{"call/exp1-vs-dam", "call/exp2-vs-dam"}, collect.DependsOn); diff != "" {
		t.Errorf("collect deps (-want +got):\n%s", diff)
	}

	norm := byID["normalize/tracks"]
	if norm.Command != "norm exp1-vs-dam.gatc.bedgraph exp2-vs-dam.gatc.bedgraph" || norm.WorkDir != "/w/kc167_tracks" {
		t.Errorf("normalize = %+v", norm)
	}
	avg := byID["average/tracks"]
	if avg.Command != "avg exp1-vs-dam.quant.norm.bedgraph exp2-vs-dam.quant.norm.bedgraph average.quant.norm.bedgraph" {
		t.Errorf("average command = %q", avg.Command)
	}
	if diff := cmp.Diff([]string{"normalize/tracks"}, avg.DependsOn); diff != "" {
		t.Errorf("average deps (-want +got):\n%s", diff)
	}
	bw := byID["bigwig/tracks/average.quant.norm.bedgraph"]
	if bw.Command != "bw average.quant.norm.bedgraph average.quant.norm.bedgraph.bw" || bw.DependsOn[0] != "average/tracks" {
		t.Errorf("bigwig = %+v", bw)
	}

	// Both pairings share the control, so its bedgraph is collected once.
	ctrl := byID["collect/control_tracks"]
	if ctrl.Command != "cp /w/exp1-vs-dam/dam.DamOnly.gatc.bedgraph /w/kc167_DamOnly_tracks/" {
		t.Errorf("control collect command = %q", ctrl.Command)
	}
	if diff := cmp.Diff([]string{"call/exp1-vs-dam"}, ctrl.DependsOn); diff != "" {
		t.Errorf("control collect deps (-want +got):\n%s", diff)
	}

	wantTracks := []string{
		"/w/kc167_tracks/exp1-vs-dam.quant.norm.bedgraph.bw",
		"/w/kc167_tracks/exp2-vs-dam.quant.norm.bedgraph.bw",
		"/w/kc167_tracks/average.quant.norm.bedgraph.bw",
		"/w/kc167_DamOnly_tracks/dam.quant.norm.bedgraph.bw",
		"/w/kc167_DamOnly_tracks/average.quant.norm.bedgraph.bw",
	}
	if diff := cmp.Diff(wantTracks, b.Outputs(b.Tracks)); diff != "" {
		t.Errorf("track outputs (-want +got):\n%s", diff)
	}
}

func TestExpand_NoTracksWithoutNormalize(t *testing.T) {
	p, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatal(err)
	}
	p.Tracks.Average = Stage{Command: "avg"}
	b, err := Expand(p, map[string]string{"macs2": "macs2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Tracks) != 0 || len(b.Dirs) != 0 || len(b.Units) != 6 {
		t.Errorf("tracks = %v, dirs = %v, units = %d", b.Tracks, b.Dirs, len(b.Units))
	}
}

func TestExpand_Errors(t *testing.T) {
	p, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Expand(p, nil); !errors.Is(err, model.ErrToolNotFound) {
		t.Errorf("unresolved tool: err = %v", err)
	}

	p.Stages.Call.Command = "run {{genome}}"
	_, err = Expand(p, map[string]string{"macs2": "macs2"})
	if !errors.Is(err, model.ErrInvalidPlan) || !strings.Contains(err.Error(), "genome") {
		t.Errorf("unknown variable: err = %v", err)
	}

	p.Vars = map[string]string{"genome": "dm6"}
	if _, err := Expand(p, map[string]string{"macs2": "macs2"}); err != nil {
		t.Errorf("with var: %v", err)
	}
}

func TestRender(t *testing.T) {
	got, err := render("{{ a }}-{{b}}", map[string]string{"a": "x", "b": "y"})
	if err != nil || got != "x-y" {
		t.Errorf("render = %q, %v", got, err)
	}
	if _, err := render("{{a", map[string]string{"a": "x"}); err == nil {
		t.Error("unterminated tag should fail")
	}
}
