// Package toolpath locates external executables, reconciling a configured
// location with whatever the search path provides.
package toolpath

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/me/dammer/pkg/model"
)

// Prefer decides which location wins when a configured path and the search
// path both provide a tool but disagree.
type Prefer string

const (
	// PreferNone fails with AmbiguousTool on disagreement.
	PreferNone       Prefer = ""
	PreferConfigured Prefer = "configured"
	PreferPath       Prefer = "path"
)

// Source records where a resolved path came from.
type Source string

const (
	SourceConfigured Source = "configured"
	SourcePath       Source = "path"
)

// Resolution is the outcome of resolving one tool.
type Resolution struct {
	Name   string
	Path   string
	Source Source
	// Alternative is the losing candidate when both locations existed and
	// differed; empty otherwise.
	Alternative string
}

// Resolve finds the executable for name. configured is the path from
// configuration and may be empty; when name is empty it defaults to the
// base name of configured.
//
// A configured path that exists and matches the search path result is used
// as is. When both exist but differ, prefer picks one; PreferNone fails with
// AmbiguousTool. A tool found in neither place fails with ToolNotFound.
func Resolve(name, configured string, prefer Prefer) (Resolution, error) {
	if name == "" {
		name = filepath.Base(configured)
	}
	if name == "" || name == "." {
		return Resolution{}, model.NewError(model.KindToolNotFound, configured, "no tool name")
	}

	chosen := ""
	if configured != "" && isExecutable(configured) {
		chosen = clean(configured)
	}
	detected := ""
	if p, err := exec.LookPath(name); err == nil {
		detected = clean(p)
	} else if !errors.Is(err, exec.ErrNotFound) && !errors.Is(err, os.ErrNotExist) {
		return Resolution{}, model.WrapError(model.KindToolNotFound, name, err)
	}

	switch {
	case chosen != "" && detected != "" && chosen == detected:
		return Resolution{Name: name, Path: chosen, Source: SourceConfigured}, nil
	case chosen != "" && detected != "":
		switch prefer {
		case PreferConfigured:
			return Resolution{Name: name, Path: chosen, Source: SourceConfigured, Alternative: detected}, nil
		case PreferPath:
			return Resolution{Name: name, Path: detected, Source: SourcePath, Alternative: chosen}, nil
		}
		return Resolution{}, model.NewError(model.KindAmbiguousTool, name,
			"configured %s differs from %s on PATH; set tools.prefer", chosen, detected)
	case chosen != "":
		return Resolution{Name: name, Path: chosen, Source: SourceConfigured}, nil
	case detected != "":
		return Resolution{Name: name, Path: detected, Source: SourcePath}, nil
	}
	if configured != "" {
		return Resolution{}, model.NewError(model.KindToolNotFound, name, "%s does not exist and %s is not on PATH", configured, name)
	}
	return Resolution{}, model.NewError(model.KindToolNotFound, name, "not on PATH")
}

// ResolveAll resolves every named tool and returns the results by name.
// configured may be nil. The first failure, in name order, is returned.
func ResolveAll(names []string, configured map[string]string, prefer Prefer) (map[string]Resolution, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	out := make(map[string]Resolution, len(sorted))
	for _, name := range sorted {
		r, err := Resolve(name, configured[name], prefer)
		if err != nil {
			return nil, err
		}
		out[name] = r
	}
	return out, nil
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return fi.Mode()&0o111 != 0
}

func clean(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}
