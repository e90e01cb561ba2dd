package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/me/dammer/internal/toolpath"
	"github.com/spf13/cobra"
)

func newToolCmd() *cobra.Command {
	var prefer string

	cmd := &cobra.Command{
		Use:   "tool <name>...",
		Short: "Resolve external tools against configuration and PATH",
		Long: `Resolves each tool from tools.paths in the configuration and from PATH.
When both exist and differ the command fails unless tools.prefer (or
--prefer) says which one to use.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := toolPrefer(cfg)
			if cmd.Flags().Changed("prefer") {
				p = toolpath.Prefer(prefer)
			}
			switch p {
			case toolpath.PreferNone, toolpath.PreferConfigured, toolpath.PreferPath:
			default:
				return fmt.Errorf("unknown preference %q (want configured or path)", prefer)
			}

			resolved, err := toolpath.ResolveAll(args, cfg.Tools.Paths, p)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, name := range args {
				r := resolved[name]
				line := fmt.Sprintf("%s\t%s\t%s", r.Name, r.Path, r.Source)
				if r.Alternative != "" {
					line += "\t(ignored " + r.Alternative + ")"
					logger.Warn("tool found in two places", "tool", name, "using", r.Path, "ignored", r.Alternative)
				}
				fmt.Fprintln(tw, line)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&prefer, "prefer", "", "On conflict use the configured path or the one on PATH (configured, path)")
	return cmd
}
