package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/me/dammer/internal/orchestrator"
	"github.com/me/dammer/internal/server"
	"github.com/me/dammer/pkg/model"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var format string
	var serveAddr string
	var noStore bool

	cmd := &cobra.Command{
		Use:   "run <units.yaml>",
		Short: "Submit a unit file to the cluster and wait for every unit",
		Long: `Plans the units, submits them in dependency order, and polls the
scheduler and filesystem barriers until every unit has succeeded, failed or
been skipped. Exits non-zero unless every unit succeeded. Interrupting the
command stops polling but leaves submitted jobs running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, units, err := loadUnits(args[0])
			if err != nil {
				return err
			}
			plan, err := orchestrator.NewPlan(units)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched, release, err := newScheduler(cfg)
			if err != nil {
				return err
			}
			defer release()

			opts := []orchestrator.Option{orchestrator.WithRunName(name)}
			var srv *server.Server
			if !noStore {
				st, err := openStore(ctx, cfg)
				if err != nil {
					return err
				}
				defer st.Close()
				opts = append(opts, orchestrator.WithRecorder(st))
				if serveAddr != "" {
					srvCfg := cfg.Server
					srvCfg.Addr = serveAddr
					srv = server.New(srvCfg, st, logger)
				}
			}

			orch := orchestrator.New(sched, orchestratorConfig(cfg), logger, opts...)
			stopServer := func() {}
			if srv != nil {
				srv.AddLive(orch)
				srvCtx, cancel := context.WithCancel(ctx)
				done := make(chan struct{})
				go func() {
					defer close(done)
					if err := srv.ListenAndServe(srvCtx); err != nil {
						logger.Error("status server stopped", "error", err)
					}
				}()
				stopServer = func() {
					cancel()
					<-done
				}
			}

			_, runErr := orch.Run(ctx, plan)
			stopServer()
			report := orch.Report()
			if ok, err := writeStructured(cmd.OutOrStdout(), format, report); ok {
				if err != nil {
					return err
				}
			} else if err := writeRun(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			if report.State != model.RunStateCompleted {
				return fmt.Errorf("run %s %s", report.ID, report.State)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "text", "Report format (text, yaml, json)")
	cmd.Flags().StringVar(&serveAddr, "serve", "", "Serve live run status on this address while running")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "Do not record the run in the history database")
	return cmd
}
