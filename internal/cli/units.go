package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/dammer/pkg/model"
	"gopkg.in/yaml.v3"
)

// unitFile is the on-disk form of a plan. A bare YAML list of units is
// accepted too.
type unitFile struct {
	Name  string           `yaml:"name"`
	Units []model.WorkUnit `yaml:"units"`
}

// loadUnits reads a unit file. Relative working and barrier directories are
// resolved against the file's directory, which is also the default working
// directory.
func loadUnits(path string) (string, []model.WorkUnit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read units: %w", err)
	}

	var f unitFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		var list []model.WorkUnit
		if lerr := yaml.Unmarshal(data, &list); lerr != nil {
			return "", nil, model.WrapError(model.KindInvalidPlan, path, err)
		}
		f.Units = list
	}
	if f.Name == "" {
		f.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return "", nil, err
	}
	abs := func(p string) string {
		if p == "" {
			return base
		}
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for i := range f.Units {
		u := &f.Units[i]
		u.WorkDir = abs(u.WorkDir)
		if u.Barrier != nil {
			u.Barrier.Dir = abs(u.Barrier.Dir)
		}
	}
	return f.Name, f.Units, nil
}
