package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/me/dammer/internal/interval"
	"github.com/me/dammer/internal/sweep"
	"github.com/spf13/cobra"
)

func newAggregateCmd() *cobra.Command {
	var outDir string
	var label string
	var layout string
	var thresholds string
	var keepChr bool
	var format string

	cmd := &cobra.Command{
		Use:   "aggregate <peaks>...",
		Short: "Sweep replicate peak files into merged reproducibility tracks",
		Long: `For every threshold of the sweep set, pools the intervals of all input
files scoring at least the threshold, merges overlaps and writes
<t>.regionPeak, <t>.mergePeak and <t>.reproPeak into the output directory.
Each input file is one sample, named by its file name up to the first dot.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var f interval.Format
			switch strings.ToLower(layout) {
			case "broadpeak":
				f = interval.BroadPeak()
			case "regionpeak":
				f = interval.RegionPeak()
			default:
				return fmt.Errorf("unknown layout %q (want broadpeak or regionpeak)", layout)
			}
			if keepChr {
				f.StripChrPrefix = false
			}

			sc := sweepConfig(cfg)
			if thresholds != "" {
				for _, s := range strings.Split(thresholds, ",") {
					t, err := strconv.Atoi(strings.TrimSpace(s))
					if err != nil {
						return fmt.Errorf("threshold %q: %w", s, err)
					}
					sc.Thresholds = append(sc.Thresholds, t)
				}
			}

			samples, err := sweep.LoadSamples(args, f)
			if err != nil {
				return err
			}
			results, err := sweep.New(sc, logger).Run(cmd.Context(), samples, outDir, label)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if ok, err := writeStructured(out, format, results); ok {
				return err
			}
			return writeSweep(out, fmt.Sprintf("%d samples -> %s", len(samples), outDir), results)
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "peaks", "Output directory")
	cmd.Flags().StringVar(&label, "label", "dammer", "Name written on reproducible-peak rows")
	cmd.Flags().StringVar(&layout, "layout", "broadpeak", "Input column layout (broadpeak, regionpeak)")
	cmd.Flags().StringVar(&thresholds, "thresholds", "", "Comma-separated thresholds instead of the standard sweep")
	cmd.Flags().BoolVar(&keepChr, "keep-chr", false, "Keep a leading \"chr\" on chromosome names")
	cmd.Flags().StringVarP(&format, "output", "o", "text", "Summary format (text, yaml, json)")
	return cmd
}
