package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/me/dammer/internal/orchestrator"
	"github.com/me/dammer/internal/pipeline"
	"github.com/spf13/cobra"
)

func newPipelineCmd() *cobra.Command {
	var format string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "pipeline <pipeline.yaml>",
		Short: "Stage, call and aggregate an experiment-vs-control pipeline",
		Long: `Expands the pipeline definition into one copy, call and peak-calling unit
per experiment/control pairing (plus one control-only peak call per distinct
control), runs them on the cluster, and aggregates the declared peak files
into <out>_peaks and <out>_DamOnly_peaks.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.Load(args[0])
			if err != nil {
				return err
			}

			opts := pipeline.Options{
				Orchestrator: orchestratorConfig(cfg),
				Sweep:        sweepConfig(cfg),
				ToolPaths:    cfg.Tools.Paths,
				Prefer:       toolPrefer(cfg),
			}
			out := cmd.OutOrStdout()

			if dryRun {
				b, err := pipeline.NewDriver(nil, opts, logger).Expand(p)
				if err != nil {
					return err
				}
				if _, err := orchestrator.NewPlan(b.Units); err != nil {
					return err
				}
				f := format
				if f == "text" {
					f = "yaml"
				}
				_, err = writeStructured(out, f, b.Units)
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched, release, err := newScheduler(cfg)
			if err != nil {
				return err
			}
			defer release()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			opts.OrchestratorOptions = []orchestrator.Option{orchestrator.WithRecorder(st)}

			report, runErr := pipeline.NewDriver(sched, opts, logger).Run(ctx, p)
			if report == nil {
				return runErr
			}
			if ok, err := writeStructured(out, format, report); ok {
				if err != nil {
					return err
				}
				return runErr
			}
			if err := writeRun(out, report.Run); err != nil {
				return err
			}
			if report.Peaks != nil {
				fmt.Fprintf(out, "\nPeaks written to %s\n", report.PeaksDir)
				if err := writeSweep(out, "Peaks", report.Peaks); err != nil {
					return err
				}
			}
			if report.ControlPeaks != nil {
				fmt.Fprintf(out, "\nControl peaks written to %s\n", report.ControlDir)
				if err := writeSweep(out, "Control peaks", report.ControlPeaks); err != nil {
					return err
				}
			}
			if len(report.Tracks) > 0 {
				fmt.Fprintf(out, "\nTracks (%d):\n", len(report.Tracks))
				for _, t := range report.Tracks {
					fmt.Fprintf(out, "  %s\n", t)
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "text", "Report format (text, yaml, json)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the expanded units without submitting anything")
	return cmd
}
