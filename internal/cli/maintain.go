package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run one maintenance cycle and print its report",
	Long: `Run one maintenance cycle. Summarization, pruning and the health check
each run only when their interval has elapsed; in a fresh process all three
are due.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, logger, err := openInitialized(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer a.Close()

		rep, err := a.Maintenance.RunMaintenanceCycle(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
			return err
		}
		if !rep.Success {
			return fmt.Errorf("maintenance cycle finished with %d errors", len(rep.Errors))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(maintainCmd)
}
