// Package pipeline builds and drives the experiment-vs-control workflow:
// stage input files into one directory per pairing, call each pairing,
// call peaks, then aggregate the declared peak outputs across replicates.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/me/dammer/pkg/model"
	"gopkg.in/yaml.v3"
)

// Pipeline is a pipeline definition as read from YAML.
type Pipeline struct {
	Name string `yaml:"name"`
	// WorkDir holds one <experiment>-vs-<control> directory per pairing and
	// the aggregated output directories. Defaults to the directory of the
	// first experiment file.
	WorkDir string `yaml:"work_dir,omitempty"`
	// Out prefixes the aggregated output directories. Defaults to Name.
	Out string `yaml:"out,omitempty"`
	// Label names the rows of the reproducible-peak tracks. Defaults to Name.
	Label string `yaml:"label,omitempty"`

	Experiments []string `yaml:"experiments"`
	Controls    []string `yaml:"controls"`

	// Tools lists executables commands refer to by name, e.g. {{macs2}}.
	Tools []string `yaml:"tools,omitempty"`
	// Vars are extra template variables (genome size, index paths).
	Vars map[string]string `yaml:"vars,omitempty"`

	Stages Stages `yaml:"stages"`
	Tracks Tracks `yaml:"tracks,omitempty"`

	// RenameLogs is a glob of scheduler logs, e.g. "slurm-*.out". After the
	// run, matching files in every pairing directory are renamed to
	// <YYYYMMDD>_<name>.log. Empty leaves logs alone.
	RenameLogs string `yaml:"rename_logs,omitempty"`
}

// Stages holds the per-stage templates.
type Stages struct {
	Copy  Stage `yaml:"copy"`
	Call  Stage `yaml:"call"`
	Peaks Stage `yaml:"peaks"`
	// ControlPeaks, when it has a command, calls peaks on each distinct
	// control alone.
	ControlPeaks Stage `yaml:"control_peaks"`
}

// Stage is one templated WorkUnit shape. Command, Outputs and the barrier
// directory are fasttemplate templates with {{name}} style tags.
type Stage struct {
	Command string             `yaml:"command"`
	Outputs []string           `yaml:"outputs,omitempty"`
	Barrier *model.BarrierSpec `yaml:"barrier,omitempty"`
	MaxWait time.Duration      `yaml:"max_wait,omitempty"`
}

// Load reads a pipeline file. Relative input paths and work_dir are taken
// relative to the file's directory.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.resolvePaths(filepath.Dir(path))
	return p, nil
}

// Parse decodes and validates a pipeline definition.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, model.WrapError(model.KindInvalidPlan, "pipeline", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the definition is complete enough to build units from.
func (p *Pipeline) Validate() error {
	invalid := func(format string, args ...any) error {
		return model.NewError(model.KindInvalidPlan, p.Name, format, args...)
	}
	if p.Name == "" {
		return model.NewError(model.KindInvalidPlan, "pipeline", "name is required")
	}
	if len(p.Experiments) == 0 {
		return invalid("at least one experiment is required")
	}
	if len(p.Controls) == 0 {
		return invalid("at least one control is required")
	}
	if p.Stages.Call.Command == "" {
		return invalid("stages.call.command is required")
	}
	if p.Stages.Peaks.Command == "" {
		return invalid("stages.peaks.command is required")
	}
	if p.Tracks.enabled() {
		if p.Tracks.Average.Command == "" {
			return invalid("tracks.average.command is required with tracks.normalize")
		}
		if p.Tracks.BigWig.Command == "" {
			return invalid("tracks.bigwig.command is required with tracks.normalize")
		}
	}
	if p.RenameLogs != "" {
		if _, err := filepath.Match(p.RenameLogs, ""); err != nil {
			return invalid("rename_logs: %v", err)
		}
	}

	seen := make(map[string]string)
	for _, f := range append(append([]string(nil), p.Experiments...), p.Controls...) {
		name := stem(f)
		if prev, ok := seen[name]; ok && prev != f {
			return invalid("inputs %s and %s share the name %q", prev, f, name)
		}
		seen[name] = f
	}
	for _, t := range p.Tools {
		if _, ok := p.Vars[t]; ok {
			return invalid("%q is both a tool and a variable", t)
		}
	}
	return nil
}

func (p *Pipeline) resolvePaths(base string) {
	abs := func(s string) string {
		if s == "" || filepath.IsAbs(s) {
			return s
		}
		return filepath.Join(base, s)
	}
	for i, f := range p.Experiments {
		p.Experiments[i] = abs(f)
	}
	for i, f := range p.Controls {
		p.Controls[i] = abs(f)
	}
	p.WorkDir = abs(p.WorkDir)
}

func (p *Pipeline) workDir() string {
	if p.WorkDir != "" {
		return p.WorkDir
	}
	return filepath.Dir(p.Experiments[0])
}

func (p *Pipeline) out() string {
	if p.Out != "" {
		return p.Out
	}
	return p.Name
}

func (p *Pipeline) label() string {
	if p.Label != "" {
		return p.Label
	}
	return p.Name
}

// stem is the base name up to its first dot, the way sample and pairing
// directory names are derived from input files.
func stem(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

// extension is everything from the first dot of the base name on.
func extension(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[i:]
	}
	return ""
}
