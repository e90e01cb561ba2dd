package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/me/dammer/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve recorded run status over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			srvCfg := cfg.Server
			if cmd.Flags().Changed("addr") {
				srvCfg.Addr = addr
			}
			return server.New(srvCfg, st, logger).ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8090", "Listen address (overrides server.addr)")
	return cmd
}
