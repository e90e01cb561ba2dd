// Package barrier implements filesystem barriers: synchronization
// conditions between independently scheduled processes that are satisfied
// by the presence of files and are polled rather than signalled.
package barrier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/me/dammer/pkg/model"
)

// Barrier is a polled synchronization condition.
type Barrier interface {
	// Satisfied reports whether the condition holds right now.
	Satisfied(ctx context.Context) (bool, error)
	String() string
}

// FromSpec builds the barrier a WorkUnit declares.
func FromSpec(spec model.BarrierSpec) Barrier {
	fc := FileCount{Dir: spec.Dir, Pattern: spec.Pattern, Count: spec.Count}
	if spec.Marker != "" {
		return LogMarker{FileCount: fc, Marker: spec.Marker}
	}
	return fc
}

// FileCount holds when Dir contains exactly Count regular files whose names
// match the glob Pattern. A missing directory counts as zero files.
type FileCount struct {
	Dir     string
	Pattern string
	Count   int
}

func (b FileCount) String() string {
	return fmt.Sprintf("%d files matching %s in %s", b.Count, b.Pattern, b.Dir)
}

// Satisfied implements Barrier.
func (b FileCount) Satisfied(ctx context.Context) (bool, error) {
	matches, err := b.matches()
	if err != nil {
		return false, err
	}
	return len(matches) == b.Count, nil
}

func (b FileCount) matches() ([]string, error) {
	if _, err := filepath.Match(b.Pattern, ""); err != nil {
		return nil, fmt.Errorf("barrier pattern %q: %w", b.Pattern, err)
	}
	entries, err := os.ReadDir(b.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if ok, _ := filepath.Match(b.Pattern, e.Name()); ok {
			out = append(out, filepath.Join(b.Dir, e.Name()))
		}
	}
	return out, nil
}

// tailLines is how many trailing lines LogMarker inspects.
const tailLines = 4

// tailBytes caps how much of a file's end LogMarker reads.
const tailBytes = 8 << 10

// LogMarker holds when its FileCount holds and every matching file has
// Marker in one of its last few lines, e.g. a job log ending in "All done.".
type LogMarker struct {
	FileCount
	Marker string
}

func (b LogMarker) String() string {
	return fmt.Sprintf("%s ending with %q", b.FileCount, b.Marker)
}

// Satisfied implements Barrier.
func (b LogMarker) Satisfied(ctx context.Context) (bool, error) {
	matches, err := b.matches()
	if err != nil {
		return false, err
	}
	if len(matches) != b.Count {
		return false, nil
	}
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ok, err := endsWithMarker(path, b.Marker)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func endsWithMarker(path, marker string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	off := info.Size() - tailBytes
	if off < 0 {
		off = 0
	}
	buf := make([]byte, info.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil && err != io.EOF {
		return false, err
	}

	lines := bytes.Split(bytes.TrimRight(buf, "\n"), []byte("\n"))
	if len(lines) > tailLines {
		lines = lines[len(lines)-tailLines:]
	}
	for _, l := range lines {
		if bytes.Contains(l, []byte(marker)) {
			return true, nil
		}
	}
	return false, nil
}

// Wait polls b every interval until it holds, ctx is done, or timeout (if
// positive) elapses.
func Wait(ctx context.Context, clk clock.Clock, b Barrier, interval, timeout time.Duration) error {
	start := clk.Now()
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		ok, err := b.Satisfied(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if timeout > 0 && clk.Since(start) >= timeout {
			return model.NewError(model.KindTimeout, b.String(), "barrier not satisfied after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
