package pipeline

import (
	"path/filepath"
	"strings"

	"github.com/me/dammer/pkg/model"
)

// Track stage names, also the prefixes of unit IDs.
const (
	StageCollect   = "collect"
	StageNormalize = "normalize"
	StageAverage   = "average"
	StageBigWig    = "bigwig"
)

// Track groups. Each gets its own directory under the work dir.
const (
	GroupTracks        = "tracks"
	GroupControlTracks = "control_tracks"

	TracksSuffix        = "_tracks"
	ControlTracksSuffix = "_DamOnly_tracks"
)

// Tracks turns the bedgraphs the call stage leaves in every pairing
// directory into normalized, averaged bigWig tracks: one chain for the
// experiment-vs-control bedgraphs and one for the control-only bedgraphs.
// Without a normalize command no track units are built.
//
// Each chain collects its bedgraphs into <out>_tracks (or
// <out>_DamOnly_tracks), normalizes them in one job, averages the
// normalized files in one job, then converts every normalized file and the
// average to bigWig, one job per file.
type Tracks struct {
	// Bedgraph and ControlBedgraph name the call stage's bedgraphs inside
	// a pairing directory. They see the pairing variables.
	Bedgraph        string `yaml:"bedgraph,omitempty"`
	ControlBedgraph string `yaml:"control_bedgraph,omitempty"`
	// Normalized names the normalize job's output for one input, given
	// {{file}} and {{file_name}}. Averaged names the average job's output.
	Normalized string `yaml:"normalized,omitempty"`
	Averaged   string `yaml:"averaged,omitempty"`

	// Collect sees {{inputs}} (bedgraph paths) and {{dir}}; Normalize sees
	// {{inputs}}; Average sees {{inputs}} and {{output}}; BigWig sees
	// {{input}} and {{output}}. All of them also see {{group}}.
	Collect   Stage `yaml:"collect,omitempty"`
	Normalize Stage `yaml:"normalize,omitempty"`
	Average   Stage `yaml:"average,omitempty"`
	BigWig    Stage `yaml:"bigwig,omitempty"`
}

func (t Tracks) enabled() bool {
	return t.Normalize.Command != ""
}

func (t Tracks) withDefaults() Tracks {
	if t.Bedgraph == "" {
		t.Bedgraph = "{{name}}.gatc.bedgraph"
	}
	if t.ControlBedgraph == "" {
		t.ControlBedgraph = "{{control_name}}.DamOnly.gatc.bedgraph"
	}
	if t.Normalized == "" {
		t.Normalized = "{{file_name}}.quant.norm.bedgraph"
	}
	if t.Averaged == "" {
		t.Averaged = "average.quant.norm.bedgraph"
	}
	if t.Collect.Command == "" {
		t.Collect.Command = "cp {{inputs}} {{dir}}/"
	}
	return t
}

// expandTracks appends both track chains to b. It runs after the pairings
// are built.
func expandTracks(b *Build, p *Pipeline, base map[string]string) error {
	t := p.Tracks.withDefaults()

	var trt, trtDeps, ctrl, ctrlDeps []string
	seen := make(map[string]bool)
	for _, pair := range b.Pairs {
		vars := pairVars(base, pair)
		callID := StageCall + "/" + pair.Name

		f, err := render(t.Bedgraph, vars)
		if err != nil {
			return model.WrapError(model.KindInvalidPlan, "tracks.bedgraph", err)
		}
		trt = append(trt, inDir(pair.Dir, f))
		trtDeps = append(trtDeps, callID)

		// Pairings sharing a control produce the same control-only
		// bedgraph; the first one is used.
		f, err = render(t.ControlBedgraph, vars)
		if err != nil {
			return model.WrapError(model.KindInvalidPlan, "tracks.control_bedgraph", err)
		}
		if seen[filepath.Base(f)] {
			continue
		}
		seen[filepath.Base(f)] = true
		ctrl = append(ctrl, inDir(pair.Dir, f))
		ctrlDeps = append(ctrlDeps, callID)
	}

	if err := b.addTrackGroup(t, base, GroupTracks, filepath.Join(p.workDir(), p.out()+TracksSuffix), trt, trtDeps); err != nil {
		return err
	}
	return b.addTrackGroup(t, base, GroupControlTracks, filepath.Join(p.workDir(), p.out()+ControlTracksSuffix), ctrl, ctrlDeps)
}

func (b *Build) addTrackGroup(t Tracks, base map[string]string, group, dir string, files, deps []string) error {
	b.Dirs = append(b.Dirs, dir)

	vars := make(map[string]string, len(base)+6)
	for k, v := range base {
		vars[k] = v
	}
	vars["group"] = group
	vars["name"] = group
	vars["dir"] = dir

	var collected, normalized []string
	for _, f := range files {
		collected = append(collected, filepath.Base(f))
		vars["file"] = filepath.Base(f)
		vars["file_name"] = stem(f)
		n, err := render(t.Normalized, vars)
		if err != nil {
			return model.WrapError(model.KindInvalidPlan, "tracks.normalized", err)
		}
		normalized = append(normalized, n)
	}
	delete(vars, "file")
	delete(vars, "file_name")
	averaged, err := render(t.Averaged, vars)
	if err != nil {
		return model.WrapError(model.KindInvalidPlan, "tracks.averaged", err)
	}

	collectID := StageCollect + "/" + group
	normalizeID := StageNormalize + "/" + group
	averageID := StageAverage + "/" + group

	add := func(id string, s Stage, outputs []string, deps []string, extra map[string]string) error {
		v := make(map[string]string, len(vars)+len(extra))
		for k, val := range vars {
			v[k] = val
		}
		for k, val := range extra {
			v[k] = val
		}
		s.Outputs = outputs
		u, err := renderUnit(id, s, dir, deps, v)
		if err != nil {
			return err
		}
		b.Units = append(b.Units, u)
		return nil
	}

	if err := add(collectID, t.Collect, collected, deps, map[string]string{
		"inputs": strings.Join(files, " "),
	}); err != nil {
		return err
	}
	if err := add(normalizeID, t.Normalize, normalized, []string{collectID}, map[string]string{
		"inputs": strings.Join(collected, " "),
	}); err != nil {
		return err
	}
	if err := add(averageID, t.Average, []string{averaged}, []string{normalizeID}, map[string]string{
		"inputs": strings.Join(normalized, " "),
		"output": averaged,
	}); err != nil {
		return err
	}
	for _, in := range append(normalized, averaged) {
		id := StageBigWig + "/" + group + "/" + in
		out := in + ".bw"
		if err := add(id, t.BigWig, []string{out}, []string{averageID}, map[string]string{
			"input":  in,
			"output": out,
		}); err != nil {
			return err
		}
		b.Tracks = append(b.Tracks, id)
	}
	return nil
}

func inDir(dir, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(dir, f)
}
