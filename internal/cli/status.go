package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/me/dammer/pkg/model"
	"github.com/spf13/cobra"
)

// runSource is where status reads runs from: the local store or a remote
// status server.
type runSource interface {
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
}

// remoteRuns adapts Client to runSource.
type remoteRuns struct{ c *Client }

func (r remoteRuns) GetRun(ctx context.Context, id string) (*model.Run, error) {
	run, err := r.c.Run(ctx, id)
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code == model.CodeNotFound {
		return nil, nil
	}
	return run, err
}

func (r remoteRuns) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	return r.c.Runs(ctx, opts)
}

func newStatusCmd() *cobra.Command {
	var serverURL string
	var format string
	opts := model.DefaultListOptions()

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show recorded runs, or one run with its units",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var src runSource
			if serverURL != "" {
				src = remoteRuns{c: NewClient(serverURL, logger)}
			} else {
				st, err := openStore(ctx, cfg)
				if err != nil {
					return err
				}
				defer st.Close()
				src = st
			}

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := src.GetRun(ctx, args[0])
				if err != nil {
					return fmt.Errorf("get run: %w", err)
				}
				if run == nil {
					return model.NewNotFoundError("run", args[0])
				}
				if ok, err := writeStructured(out, format, run); ok {
					return err
				}
				return writeRun(out, *run)
			}

			if err := opts.Validate(); err != nil {
				return err
			}
			runs, total, err := src.ListRuns(ctx, opts)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			if ok, err := writeStructured(out, format, runs); ok {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			return writeRuns(out, runs, total)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Query a status server instead of the local store")
	cmd.Flags().StringVarP(&format, "output", "o", "text", "Output format (text, yaml, json)")
	cmd.Flags().IntVar(&opts.Limit, "limit", opts.Limit, "Maximum runs to list")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Runs to skip")
	cmd.Flags().StringVar(&opts.State, "state", "", "Only list runs in this state")
	return cmd
}
