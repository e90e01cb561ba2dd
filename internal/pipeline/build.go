package pipeline

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/me/dammer/pkg/model"
	"github.com/valyala/fasttemplate"
)

// Stage names, also the prefixes of unit IDs.
const (
	StageCopy         = "copy"
	StageCall         = "call"
	StagePeaks        = "peaks"
	StageControlPeaks = "control_peaks"
)

// Pair is one experiment/control combination and its working directory.
type Pair struct {
	Name       string // <experiment>-vs-<control>
	Dir        string
	Experiment string
	Control    string
}

// Build is the expansion of a Pipeline into WorkUnits.
type Build struct {
	Units []model.WorkUnit
	Pairs []Pair
	// Treatment and Control list the peak-calling unit IDs whose declared
	// outputs feed the two aggregations.
	Treatment []string
	Control   []string
	// Tracks lists the bigWig conversion unit IDs.
	Tracks []string
	// Dirs are output directories, besides the pairing directories, that
	// must exist before the units run.
	Dirs []string
}

// Outputs returns the declared outputs of the units named by ids, resolved
// against each unit's working directory, in ids order.
func (b *Build) Outputs(ids []string) []string {
	byID := make(map[string]*model.WorkUnit, len(b.Units))
	for i := range b.Units {
		byID[b.Units[i].ID] = &b.Units[i]
	}
	var out []string
	for _, id := range ids {
		u, ok := byID[id]
		if !ok {
			continue
		}
		for _, o := range u.Outputs {
			if !filepath.IsAbs(o) {
				o = filepath.Join(u.WorkDir, o)
			}
			out = append(out, o)
		}
	}
	return out
}

// Expand renders p into WorkUnits. tools maps each tool name in p.Tools to
// its resolved executable.
func Expand(p *Pipeline, tools map[string]string) (*Build, error) {
	base := map[string]string{
		"work_dir": p.workDir(),
		"out":      p.out(),
	}
	for k, v := range p.Vars {
		base[k] = v
	}
	for _, t := range p.Tools {
		path, ok := tools[t]
		if !ok {
			return nil, model.NewError(model.KindToolNotFound, t, "tool not resolved")
		}
		base[t] = path
	}

	copyStage := p.Stages.Copy
	if copyStage.Command == "" {
		copyStage.Command = "cp {{experiment}} {{control}} {{dir}}/"
	}
	if copyStage.Barrier == nil {
		copyStage.Barrier = &model.BarrierSpec{
			Dir:     "{{dir}}",
			Pattern: "*" + extension(p.Experiments[0]),
			Count:   2,
		}
	}
	peaks := withDefaultOutputs(p.Stages.Peaks)
	controlPeaks := withDefaultOutputs(p.Stages.ControlPeaks)

	b := &Build{}
	firstPair := make(map[string]Pair)
	var controlOrder []string
	for _, e := range p.Experiments {
		for _, c := range p.Controls {
			pair := Pair{
				Name:       stem(e) + "-vs-" + stem(c),
				Experiment: e,
				Control:    c,
			}
			pair.Dir = filepath.Join(p.workDir(), pair.Name)
			b.Pairs = append(b.Pairs, pair)

			if _, ok := firstPair[stem(c)]; !ok {
				firstPair[stem(c)] = pair
				controlOrder = append(controlOrder, stem(c))
			}

			vars := pairVars(base, pair)
			copyID := StageCopy + "/" + pair.Name
			callID := StageCall + "/" + pair.Name
			peaksID := StagePeaks + "/" + pair.Name

			for _, spec := range []struct {
				id    string
				stage Stage
				deps  []string
			}{
				{copyID, copyStage, nil},
				{callID, p.Stages.Call, []string{copyID}},
				{peaksID, peaks, []string{callID}},
			} {
				u, err := renderUnit(spec.id, spec.stage, pair.Dir, spec.deps, vars)
				if err != nil {
					return nil, err
				}
				b.Units = append(b.Units, u)
			}
			b.Treatment = append(b.Treatment, peaksID)
		}
	}

	// One control-only call per distinct control, run in the directory of
	// the first pairing that staged it.
	for _, name := range controlOrder {
		if controlPeaks.Command == "" {
			break
		}
		pair := firstPair[name]
		vars := pairVars(base, pair)
		vars["name"] = name
		id := StageControlPeaks + "/" + name
		u, err := renderUnit(id, controlPeaks, pair.Dir, []string{StageCall + "/" + pair.Name}, vars)
		if err != nil {
			return nil, err
		}
		b.Units = append(b.Units, u)
		b.Control = append(b.Control, id)
	}

	if p.Tracks.enabled() {
		if err := expandTracks(b, p, base); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func withDefaultOutputs(s Stage) Stage {
	if len(s.Outputs) == 0 {
		s.Outputs = []string{"{{name}}_peaks.broadPeak"}
	}
	return s
}

func pairVars(base map[string]string, pair Pair) map[string]string {
	vars := make(map[string]string, len(base)+8)
	for k, v := range base {
		vars[k] = v
	}
	vars["experiment"] = pair.Experiment
	vars["control"] = pair.Control
	vars["experiment_file"] = filepath.Base(pair.Experiment)
	vars["control_file"] = filepath.Base(pair.Control)
	vars["experiment_name"] = stem(pair.Experiment)
	vars["control_name"] = stem(pair.Control)
	vars["pair"] = pair.Name
	vars["name"] = pair.Name
	vars["dir"] = pair.Dir
	return vars
}

func renderUnit(id string, s Stage, dir string, deps []string, vars map[string]string) (model.WorkUnit, error) {
	u := model.WorkUnit{
		ID:        id,
		DependsOn: deps,
		WorkDir:   dir,
		MaxWait:   s.MaxWait,
	}
	var err error
	if u.Command, err = render(s.Command, vars); err != nil {
		return u, model.WrapError(model.KindInvalidPlan, id, err)
	}
	for _, o := range s.Outputs {
		r, err := render(o, vars)
		if err != nil {
			return u, model.WrapError(model.KindInvalidPlan, id, err)
		}
		u.Outputs = append(u.Outputs, r)
	}
	if s.Barrier != nil {
		bs := *s.Barrier
		if bs.Dir, err = render(bs.Dir, vars); err != nil {
			return u, model.WrapError(model.KindInvalidPlan, id, err)
		}
		if bs.Dir == "" {
			bs.Dir = dir
		}
		u.Completion = model.CompletionBarrier
		u.Barrier = &bs
	}
	return u, nil
}

// render expands {{tag}} references from vars. Unknown tags are an error so
// that a typo never reaches the cluster as a literal.
func render(src string, vars map[string]string) (string, error) {
	t, err := fasttemplate.NewTemplate(src, "{{", "}}")
	if err != nil {
		return "", fmt.Errorf("template %q: %w", src, err)
	}
	return t.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		v, ok := vars[strings.TrimSpace(tag)]
		if !ok {
			return 0, fmt.Errorf("unknown variable {{%s}} in %q", tag, src)
		}
		return io.WriteString(w, v)
	})
}
