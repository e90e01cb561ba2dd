package cli

import (
	"fmt"
	"strings"

	"github.com/me/dammer/internal/orchestrator"
	"github.com/spf13/cobra"
)

func newPlanCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "plan <units.yaml>",
		Short: "Validate a unit file and print its submission order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, units, err := loadUnits(args[0])
			if err != nil {
				return err
			}
			plan, err := orchestrator.NewPlan(units)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if ok, err := writeStructured(out, format, plan.Units()); ok {
				return err
			}
			for i, u := range plan.Units() {
				line := fmt.Sprintf("%3d  %s", i+1, u.ID)
				if len(u.DependsOn) > 0 {
					line += "  <- " + strings.Join(u.DependsOn, ", ")
				}
				if u.Barrier != nil {
					line += fmt.Sprintf("  [barrier: %d files matching %s in %s]", u.Barrier.Count, u.Barrier.Pattern, u.Barrier.Dir)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "text", "Output format (text, yaml, json)")
	return cmd
}
