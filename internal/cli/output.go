package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/me/dammer/internal/sweep"
	"github.com/me/dammer/pkg/model"
	"gopkg.in/yaml.v3"
)

// writeStructured writes v as YAML or JSON. It reports false for any other
// format so the caller can fall back to text.
func writeStructured(w io.Writer, format string, v any) (bool, error) {
	switch strings.ToLower(format) {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "", "text":
		return false, nil
	}
	return true, fmt.Errorf("unknown output format %q (want text, yaml or json)", format)
}

func colorState(s string) string {
	switch s {
	case string(model.UnitStateSucceeded), string(model.RunStateCompleted):
		return color.GreenString(s)
	case string(model.UnitStateFailed): // same value as model.RunStateFailed
		return color.RedString(s)
	case string(model.UnitStateSkipped), string(model.RunStateCancelled):
		return color.YellowString(s)
	}
	return s
}

func writeRun(w io.Writer, run model.Run) error {
	fmt.Fprintf(w, "Run:     %s (%s)\n", run.ID, run.Name)
	fmt.Fprintf(w, "State:   %s\n", colorState(string(run.State)))
	if !run.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Started: %s (%s)\n", run.CreatedAt.Format(time.RFC3339), humanize.Time(run.CreatedAt))
	}
	if run.CompletedAt != nil {
		fmt.Fprintf(w, "Took:    %s\n", run.CompletedAt.Sub(run.CreatedAt).Round(time.Second))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error:   %s\n", run.Error)
	}
	if len(run.Units) == 0 {
		return nil
	}
	fmt.Fprintln(w, "Units:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  UNIT\tSTATE\tHANDLE\tERROR")
	for _, u := range run.Units {
		msg := u.Error
		if u.ErrorKind != "" {
			msg = string(u.ErrorKind) + ": " + msg
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", u.UnitID, colorState(string(u.State)), u.Handle, msg)
	}
	return tw.Flush()
}

func writeRuns(w io.Writer, runs []*model.Run, total int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Name, colorState(string(r.State)), humanize.Time(r.CreatedAt))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if total > len(runs) {
		fmt.Fprintf(w, "(%d of %d runs)\n", len(runs), total)
	}
	return nil
}

func writeSweep(w io.Writer, title string, results []sweep.Result) error {
	fmt.Fprintf(w, "%s:\n", title)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "THRESHOLD\tREGIONS\tMERGED\tREPRODUCIBLE\t")
	for _, r := range results {
		if r.Empty {
			fmt.Fprintf(tw, "%d\t0\t-\t-\t\n", r.Threshold)
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t\n", r.Threshold,
			humanize.Comma(int64(r.Regions)), humanize.Comma(int64(r.Merged)), humanize.Comma(int64(r.Reproducible)))
	}
	return tw.Flush()
}
